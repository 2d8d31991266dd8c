//go:build darwin || freebsd || linux || netbsd

package dynlib

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

type systemOpener struct{}

// System returns the opener backed by the platform dynamic loader.
func System() Opener { return systemOpener{} }

func (systemOpener) Open(path string) (Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, err
	}
	return &sharedLibrary{handle: h, path: path}, nil
}

type sharedLibrary struct {
	handle uintptr
	path   string
}

func (l *sharedLibrary) Lookup(symbol string) (uintptr, error) {
	p, err := purego.Dlsym(l.handle, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %s in %s: %v", ErrSymbolNotFound, symbol, l.path, err)
	}
	if p == 0 {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, l.path)
	}
	return p, nil
}

func (l *sharedLibrary) Manifest(accessor string) ([]byte, error) {
	sym, err := l.Lookup(accessor)
	if err != nil {
		return nil, err
	}
	var n uintptr
	r1, _, _ := purego.SyscallN(sym, uintptr(unsafe.Pointer(&n)))
	runtime.KeepAlive(&n)
	if r1 == 0 {
		return nil, ErrNullManifest
	}
	if n > MaxManifestSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrManifestTooLarge, n)
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(r1)), n)
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}

func (l *sharedLibrary) Close() error {
	return purego.Dlclose(l.handle)
}
