package etf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/zlib"
)

// Wire tags.
const (
	versionTag       = 131
	compressedTag    = 80
	newFloatTag      = 70
	bitBinaryTag     = 77
	smallIntegerTag  = 97
	integerTag       = 98
	floatTag         = 99
	atomTag          = 100
	smallTupleTag    = 104
	largeTupleTag    = 105
	nilTag           = 106
	stringTag        = 107
	listTag          = 108
	binaryTag        = 109
	smallBigTag      = 110
	largeBigTag      = 111
	smallAtomTag     = 115
	mapTag           = 116
	atomUTF8Tag      = 118
	smallAtomUTF8Tag = 119
)

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 1024

// maxInflated bounds the declared size of a compressed term.
const maxInflated = 64 << 20

var (
	ErrBadVersion  = errors.New("etf: missing version byte 131")
	ErrTruncated   = errors.New("etf: truncated term")
	ErrUnknownTag  = errors.New("etf: unknown tag")
	ErrTooDeep     = errors.New("etf: term nested too deeply")
	ErrTrailing    = errors.New("etf: trailing bytes after term")
	ErrCompression = errors.New("etf: bad compressed term")
)

// Decode parses a complete external term (leading version byte included).
func Decode(data []byte) (Term, error) {
	if len(data) == 0 || data[0] != versionTag {
		return nil, ErrBadVersion
	}
	data = data[1:]
	if len(data) > 0 && data[0] == compressedTag {
		inflated, err := inflate(data[1:])
		if err != nil {
			return nil, err
		}
		data = inflated
	}
	d := &decoder{data: data}
	t, err := d.term(0)
	if err != nil {
		return nil, err
	}
	if d.off != len(d.data) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailing, len(d.data)-d.off)
	}
	return t, nil
}

func inflate(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	size := binary.BigEndian.Uint32(data)
	if size > maxInflated {
		return nil, fmt.Errorf("%w: declared size %d too large", ErrCompression, size)
	}
	zr, err := zlib.NewReader(bytes.NewReader(data[4:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	defer zr.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	return out, nil
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) need(n int) error {
	if n < 0 || len(d.data)-d.off < n {
		return ErrTruncated
	}
	return nil
}

func (d *decoder) u8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.data[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.data[d.off:d.off+n])
	d.off += n
	return b, nil
}

// count validates an element count against the bytes left; every
// element occupies at least one byte.
func (d *decoder) count(n uint32) (int, error) {
	if uint64(n) > uint64(len(d.data)-d.off) {
		return 0, ErrTruncated
	}
	return int(n), nil
}

func (d *decoder) term(depth int) (Term, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case smallIntegerTag:
		v, err := d.u8()
		return int64(v), err
	case integerTag:
		v, err := d.u32()
		return int64(int32(v)), err
	case newFloatTag:
		if err := d.need(8); err != nil {
			return nil, err
		}
		bits := binary.BigEndian.Uint64(d.data[d.off:])
		d.off += 8
		return math.Float64frombits(bits), nil
	case floatTag:
		raw, err := d.bytes(31)
		if err != nil {
			return nil, err
		}
		s := strings.TrimRight(string(raw), "\x00")
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("etf: bad float %q: %w", s, err)
		}
		return f, nil
	case atomTag, atomUTF8Tag:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		return d.atom(int(n), tag == atomUTF8Tag)
	case smallAtomTag, smallAtomUTF8Tag:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.atom(int(n), tag == smallAtomUTF8Tag)
	case smallTupleTag:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.tuple(int(n), depth)
	case largeTupleTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		c, err := d.count(n)
		if err != nil {
			return nil, err
		}
		return d.tuple(c, depth)
	case nilTag:
		return List(nil), nil
	case stringTag:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return Charlist(b), nil
	case listTag:
		return d.list(depth)
	case binaryTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		c, err := d.count(n)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(c)
		return Binary(b), err
	case bitBinaryTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		bits, err := d.u8()
		if err != nil {
			return nil, err
		}
		c, err := d.count(n)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(c)
		return BitBinary{Data: b, Bits: bits}, err
	case smallBigTag:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.bignum(int(n))
	case largeBigTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		c, err := d.count(n)
		if err != nil {
			return nil, err
		}
		return d.bignum(c)
	case mapTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		c, err := d.count(n)
		if err != nil {
			return nil, err
		}
		m := make(Map, 0, c)
		for i := 0; i < c; i++ {
			k, err := d.term(depth + 1)
			if err != nil {
				return nil, err
			}
			v, err := d.term(depth + 1)
			if err != nil {
				return nil, err
			}
			m = append(m, Pair{Key: k, Value: v})
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w %d at offset %d", ErrUnknownTag, tag, d.off-1)
	}
}

func (d *decoder) atom(n int, isUTF8 bool) (Term, error) {
	b, err := d.bytes(n)
	if err != nil {
		return nil, err
	}
	if isUTF8 {
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("etf: atom is not valid UTF-8")
		}
		return Atom(b), nil
	}
	// Latin-1: every byte is its own code point.
	rs := make([]rune, len(b))
	for i, c := range b {
		rs[i] = rune(c)
	}
	return Atom(string(rs)), nil
}

func (d *decoder) tuple(n int, depth int) (Term, error) {
	t := make(Tuple, 0, n)
	for i := 0; i < n; i++ {
		e, err := d.term(depth + 1)
		if err != nil {
			return nil, err
		}
		t = append(t, e)
	}
	return t, nil
}

func (d *decoder) list(depth int) (Term, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	c, err := d.count(n)
	if err != nil {
		return nil, err
	}
	elems := make([]Term, 0, c)
	for i := 0; i < c; i++ {
		e, err := d.term(depth + 1)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	tail, err := d.term(depth + 1)
	if err != nil {
		return nil, err
	}
	if l, ok := tail.(List); ok && len(l) == 0 {
		return List(elems), nil
	}
	return ImproperList{Elems: elems, Tail: tail}, nil
}

func (d *decoder) bignum(n int) (Term, error) {
	sign, err := d.u8()
	if err != nil {
		return nil, err
	}
	le, err := d.bytes(n)
	if err != nil {
		return nil, err
	}
	be := make([]byte, n)
	for i, b := range le {
		be[n-1-i] = b
	}
	v := new(big.Int).SetBytes(be)
	if sign != 0 {
		v.Neg(v)
	}
	if v.IsInt64() {
		return v.Int64(), nil
	}
	return v, nil
}
