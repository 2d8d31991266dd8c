package codearea

import "testing"

func TestArea_ContainsBoundaries(t *testing.T) {
	base := uintptr(0x4000)
	a := Area{Base: base, Length: 100}

	if !a.Contains(base) {
		t.Error("base should be inside the area")
	}
	if !a.Contains(base + 99) {
		t.Error("base+99 should be inside the area")
	}
	if a.Contains(base + 100) {
		t.Error("base+100 should be outside the area")
	}
	if a.Contains(base - 1) {
		t.Error("base-1 should be outside the area")
	}
}

func TestArea_ZeroLengthContainsNothing(t *testing.T) {
	a := Area{Base: 0x4000, Length: 0}
	for _, p := range []uintptr{0x3fff, 0x4000, 0x4001} {
		if a.Contains(p) {
			t.Errorf("zero-length area contains %#x", p)
		}
	}
}

func TestArea_NullNeverMatches(t *testing.T) {
	a := Area{Base: 0, Length: 64}
	if a.Contains(0) {
		t.Error("null pointer should never be inside an area")
	}
	if !a.Contains(1) {
		t.Error("address 1 should be inside [0, 64)")
	}
}

func TestArea_ContainsAny(t *testing.T) {
	a := Area{Base: 0x1000, Length: 0x10}
	if a.ContainsAny(nil) {
		t.Error("empty pointer list should not match")
	}
	if !a.ContainsAny([]uintptr{0x20, 0x100f}) {
		t.Error("0x100f should match")
	}
}

func TestAllocator_NonOverlapping(t *testing.T) {
	al := NewAllocator(0)
	var prev Area
	for i, size := range []int{4, 0, 100, 17, 1} {
		a, err := al.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", size, err)
		}
		if a.Base%Alignment != 0 {
			t.Errorf("area %d: base %#x not aligned", i, a.Base)
		}
		if a.Length != uintptr(size) {
			t.Errorf("area %d: length got %d, want %d", i, a.Length, size)
		}
		if i > 0 && a.Base <= prev.Base {
			t.Errorf("area %d: base %#x not above previous %#x", i, a.Base, prev.Base)
		}
		if i > 0 && prev.Length > 0 && a.Base < prev.End() {
			t.Errorf("area %d overlaps previous %v", i, prev)
		}
		prev = a
	}
}

func TestAllocator_NegativeSize(t *testing.T) {
	if _, err := NewAllocator(0).Allocate(-1); err == nil {
		t.Error("expected error for negative size")
	}
}

func TestAllocator_Exhausted(t *testing.T) {
	al := NewAllocator(^uintptr(0) - 31)
	if _, err := al.Allocate(8); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, err := al.Allocate(64); err != ErrExhausted {
		t.Errorf("got %v, want ErrExhausted", err)
	}
}
