//go:build darwin || freebsd || linux || netbsd

package dynlib

import (
	"path/filepath"
	"testing"
)

func TestSystem_OpenMissingLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.so")
	lib, err := System().Open(path)
	if err == nil {
		lib.Close()
		t.Fatal("expected error opening a missing library")
	}
}

func TestOpenerFunc(t *testing.T) {
	called := ""
	o := OpenerFunc(func(path string) (Library, error) {
		called = path
		return nil, ErrUnsupported
	})
	if _, err := o.Open("x.so"); err != ErrUnsupported {
		t.Errorf("got %v, want ErrUnsupported", err)
	}
	if called != "x.so" {
		t.Errorf("path: got %q, want x.so", called)
	}
}
