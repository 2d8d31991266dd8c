package codeload

import (
	"bytes"
	"crypto/md5"
	"errors"
	"testing"
	"time"

	"github.com/chazu/hotcode/beamfile"
	"github.com/chazu/hotcode/etf"
)

func buildModule(t *testing.T, s beamfile.Spec) []byte {
	t.Helper()
	data, err := beamfile.Build(s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return data
}

func onLoadAttributes() etf.Term {
	return etf.List{
		etf.Tuple{etf.Atom("on_load"), etf.List{etf.Tuple{etf.Atom("init"), int64(0)}}},
	}
}

func TestStaged_PrepareOpaqueCode(t *testing.T) {
	s := NewStagedStore()
	code := []byte{0x00, 0x01, 0x02, 0x03}
	h, err := s.Prepare("m1", code)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if h.Store != s.ID() {
		t.Errorf("handle store: got %v, want %v", h.Store, s.ID())
	}

	sc, err := s.take(h)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	sum := md5.Sum(code)
	if !bytes.Equal(sc.md5, sum[:]) {
		t.Errorf("md5: got %x, want %x", sc.md5, sum)
	}
	if sc.onLoad || sc.parsed != nil {
		t.Error("opaque code has no on_load and no parsed module")
	}

	code[0] = 0xff
	if sc.code[0] != 0x00 {
		t.Error("prepared code should be a copy of the caller's bytes")
	}
}

func TestStaged_IdenticalCodeGetsDistinctHandles(t *testing.T) {
	s := NewStagedStore()
	code := []byte("same bytes")
	h1, _ := s.Prepare("m", code)
	h2, _ := s.Prepare("m", code)
	if h1 == h2 {
		t.Fatal("two prepares must not share a handle")
	}
	if s.Len() != 2 {
		t.Errorf("Len: got %d, want 2", s.Len())
	}
	if _, err := s.take(h1); err != nil {
		t.Fatalf("take h1: %v", err)
	}
	if !s.Contains(h2) {
		t.Error("consuming h1 must leave h2 staged")
	}
}

func TestStaged_PrepareContainer(t *testing.T) {
	s := NewStagedStore()
	code := buildModule(t, beamfile.Spec{
		Name:       "withhook",
		Exports:    []beamfile.FuncRef{{Name: "init", Arity: 0}, {Name: "run", Arity: 1}},
		Attributes: onLoadAttributes(),
	})
	h, err := s.Prepare("withhook", code)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if m, ok := s.Module(h); !ok || m != "withhook" {
		t.Errorf("Module: got %q, %v", m, ok)
	}
	sc, _ := s.take(h)
	if !sc.onLoad {
		t.Error("on_load attribute should be detected")
	}
	v := sc.version()
	if len(v.exports) != 2 || v.exports[1].Function != "run" {
		t.Errorf("exports: got %v", v.exports)
	}
}

func TestStaged_PrepareErrors(t *testing.T) {
	s := NewStagedStore()
	good := buildModule(t, beamfile.Spec{Name: "other"})
	corrupt := append([]byte(nil), good[:16]...)

	tests := []struct {
		name   string
		module string
		code   []byte
		want   error
	}{
		{"empty module", "", []byte{1}, ErrBadArgument},
		{"empty code", "m", nil, ErrInvalidFormat},
		{"name mismatch", "m", good, ErrInvalidFormat},
		{"corrupt container", "other", corrupt, ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Prepare(tt.module, tt.code); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if s.Len() != 0 {
		t.Errorf("failed prepares must stage nothing, got %d entries", s.Len())
	}
}

func TestStaged_TakeConsumesOnce(t *testing.T) {
	s := NewStagedStore()
	h, _ := s.Prepare("m", []byte{1})
	if _, err := s.take(h); err != nil {
		t.Fatalf("first take: %v", err)
	}
	if _, err := s.take(h); !errors.Is(err, ErrUnknownReference) {
		t.Errorf("second take: got %v, want ErrUnknownReference", err)
	}

	other := NewStagedStore()
	h2, _ := other.Prepare("m", []byte{1})
	if _, err := s.take(h2); !errors.Is(err, ErrBadReference) {
		t.Errorf("foreign handle: got %v, want ErrBadReference", err)
	}
	if !other.Contains(h2) {
		t.Error("a foreign take must not consume the handle in its own store")
	}
}

func TestStaged_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStagedStore()
	s.now = func() time.Time { return now }

	old, _ := s.Prepare("old", []byte{1})
	now = now.Add(20 * time.Minute)
	fresh, _ := s.Prepare("fresh", []byte{2})
	now = now.Add(15 * time.Minute)

	if n := s.Sweep(30 * time.Minute); n != 1 {
		t.Errorf("Sweep: got %d removed, want 1", n)
	}
	if s.Contains(old) {
		t.Error("entry older than ttl should be swept")
	}
	if !s.Contains(fresh) {
		t.Error("entry younger than ttl should remain")
	}
}

func TestStaged_StartSweeperStops(t *testing.T) {
	s := NewStagedStore()
	s.Prepare("m", []byte{1})
	stop := s.StartSweeper(time.Millisecond, 0)
	deadline := time.Now().Add(2 * time.Second)
	for s.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	stop()
	stop()
	if s.Len() != 0 {
		t.Error("sweeper should have dropped the expired entry")
	}
}

func TestHandle_ParseRoundTrip(t *testing.T) {
	s := NewStagedStore()
	h, _ := s.Prepare("m", []byte{1})
	parsed, err := ParseHandle(h.String())
	if err != nil {
		t.Fatalf("ParseHandle: %v", err)
	}
	if parsed != h {
		t.Errorf("ParseHandle: got %v, want %v", parsed, h)
	}
	for _, bad := range []string{"", "nope", "a/b", h.Store.String() + "/x"} {
		if _, err := ParseHandle(bad); !errors.Is(err, ErrBadArgument) {
			t.Errorf("ParseHandle(%q): got %v, want ErrBadArgument", bad, err)
		}
	}
	if !(Handle{}).IsZero() || h.IsZero() {
		t.Error("IsZero mismatch")
	}
}
