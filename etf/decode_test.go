package etf

import (
	"errors"
	"math/big"
	"testing"
)

func TestDecode_AttributesProplist(t *testing.T) {
	attrs := List{
		Tuple{Atom("vsn"), List{int64(12345)}},
		Tuple{Atom("on_load"), List{Tuple{Atom("init"), int64(0)}}},
	}
	data, err := Encode(attrs)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	v, ok := Proplist(got, "on_load")
	if !ok {
		t.Fatal("on_load key not found")
	}
	if Format(v) != "[{init,0}]" {
		t.Errorf("on_load: got %s, want [{init,0}]", Format(v))
	}
	if _, ok := Proplist(got, "behaviour"); ok {
		t.Error("unexpected behaviour key")
	}
}

func TestDecode_Latin1Atom(t *testing.T) {
	// ATOM_EXT "caf\xe9"
	data := []byte{131, 100, 0, 4, 'c', 'a', 'f', 0xe9}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != Atom("café") {
		t.Errorf("got %q, want café", got)
	}
}

func TestDecode_Integers(t *testing.T) {
	huge, _ := new(big.Int).SetString("-123456789012345678901234567890", 10)
	cases := []Term{int64(7), int64(-7), int64(1 << 40), huge}
	for _, in := range cases {
		data, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode(%v): %v", in, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%v): %v", in, err)
		}
		if Format(got) != Format(in) {
			t.Errorf("got %s, want %s", Format(got), Format(in))
		}
	}
}

func TestDecode_ImproperListAndMap(t *testing.T) {
	in := Map{
		{Key: Atom("k"), Value: ImproperList{Elems: []Term{int64(1)}, Tail: int64(2)}},
		{Key: Binary("b"), Value: Charlist("abc")},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m, ok := got.(Map)
	if !ok {
		t.Fatalf("got %T, want Map", got)
	}
	v, ok := m.Get("k")
	if !ok {
		t.Fatal("key k missing")
	}
	if _, ok := v.(ImproperList); !ok {
		t.Errorf("value: got %T, want ImproperList", v)
	}
	if Format(got) != `#{k => [1|2],<<"b">> => "abc"}` {
		t.Errorf("Format: got %s", Format(got))
	}
}

func TestDecode_Compressed(t *testing.T) {
	in := List{Tuple{Atom("options"), List{Atom("debug_info")}}, Binary(make([]byte, 512))}
	data, err := EncodeCompressed(in, 6)
	if err != nil {
		t.Fatalf("EncodeCompressed: %v", err)
	}
	if data[1] != compressedTag {
		t.Fatalf("missing compressed tag, got %d", data[1])
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if Format(got) != Format(in) {
		t.Errorf("compressed term mismatch")
	}
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrBadVersion},
		{"no version", []byte{97, 1}, ErrBadVersion},
		{"truncated int", []byte{131, 98, 0, 0}, ErrTruncated},
		{"unknown tag", []byte{131, 1}, ErrUnknownTag},
		{"trailing", []byte{131, 97, 1, 2}, ErrTrailing},
		{"huge list", []byte{131, 108, 0xff, 0xff, 0xff, 0xff}, ErrTruncated},
		{"bad zlib", []byte{131, 80, 0, 0, 0, 4, 1, 2, 3}, ErrCompression},
	}
	for _, tc := range cases {
		_, err := Decode(tc.data)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestDecode_DepthLimit(t *testing.T) {
	data := []byte{131}
	for i := 0; i < maxDepth+2; i++ {
		data = append(data, smallTupleTag, 1)
	}
	data = append(data, nilTag)
	if _, err := Decode(data); !errors.Is(err, ErrTooDeep) {
		t.Errorf("got %v, want ErrTooDeep", err)
	}
}

func TestEncode_Unsupported(t *testing.T) {
	if _, err := Encode(struct{}{}); err == nil {
		t.Error("expected error encoding struct{}")
	}
}
