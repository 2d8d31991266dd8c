package etf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/klauspost/compress/zlib"
)

// Encode serializes a term with a leading version byte.
func Encode(t Term) ([]byte, error) {
	e := &encoder{buf: []byte{versionTag}}
	if err := e.term(t, 0); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// EncodeCompressed serializes a term and deflates the body (tag 80).
func EncodeCompressed(t Term, level int) ([]byte, error) {
	e := &encoder{}
	if err := e.term(t, 0); err != nil {
		return nil, err
	}
	var zbuf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&zbuf, level)
	if err != nil {
		return nil, fmt.Errorf("etf: %w", err)
	}
	if _, err := zw.Write(e.buf); err != nil {
		return nil, fmt.Errorf("etf: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("etf: %w", err)
	}
	out := make([]byte, 0, 6+zbuf.Len())
	out = append(out, versionTag, compressedTag)
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.buf)))
	return append(out, zbuf.Bytes()...), nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }

func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }

func (e *encoder) term(t Term, depth int) error {
	if depth > maxDepth {
		return ErrTooDeep
	}
	switch v := t.(type) {
	case Atom:
		return e.atom(string(v))
	case bool:
		if v {
			return e.atom("true")
		}
		return e.atom("false")
	case int:
		e.integer(int64(v))
	case int64:
		e.integer(v)
	case *big.Int:
		e.bignum(v)
	case float64:
		e.u8(newFloatTag)
		e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
	case Binary:
		e.u8(binaryTag)
		e.u32(uint32(len(v)))
		e.buf = append(e.buf, v...)
	case BitBinary:
		e.u8(bitBinaryTag)
		e.u32(uint32(len(v.Data)))
		e.u8(v.Bits)
		e.buf = append(e.buf, v.Data...)
	case Charlist:
		if len(v) <= math.MaxUint16 {
			e.u8(stringTag)
			e.u16(uint16(len(v)))
			e.buf = append(e.buf, v...)
			return nil
		}
		elems := make([]Term, len(v))
		for i := 0; i < len(v); i++ {
			elems[i] = int64(v[i])
		}
		return e.term(List(elems), depth)
	case Tuple:
		if len(v) <= math.MaxUint8 {
			e.u8(smallTupleTag)
			e.u8(uint8(len(v)))
		} else {
			e.u8(largeTupleTag)
			e.u32(uint32(len(v)))
		}
		return e.seq(v, depth)
	case List:
		if len(v) == 0 {
			e.u8(nilTag)
			return nil
		}
		e.u8(listTag)
		e.u32(uint32(len(v)))
		if err := e.seq(v, depth); err != nil {
			return err
		}
		e.u8(nilTag)
	case ImproperList:
		e.u8(listTag)
		e.u32(uint32(len(v.Elems)))
		if err := e.seq(v.Elems, depth); err != nil {
			return err
		}
		return e.term(v.Tail, depth+1)
	case Map:
		e.u8(mapTag)
		e.u32(uint32(len(v)))
		for _, p := range v {
			if err := e.term(p.Key, depth+1); err != nil {
				return err
			}
			if err := e.term(p.Value, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("etf: cannot encode %T", t)
	}
	return nil
}

func (e *encoder) seq(ts []Term, depth int) error {
	for _, el := range ts {
		if err := e.term(el, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) atom(s string) error {
	switch {
	case len(s) <= math.MaxUint8:
		e.u8(smallAtomUTF8Tag)
		e.u8(uint8(len(s)))
	case len(s) <= math.MaxUint16:
		e.u8(atomUTF8Tag)
		e.u16(uint16(len(s)))
	default:
		return fmt.Errorf("etf: atom too long (%d bytes)", len(s))
	}
	e.buf = append(e.buf, s...)
	return nil
}

func (e *encoder) integer(v int64) {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		e.u8(smallIntegerTag)
		e.u8(uint8(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		e.u8(integerTag)
		e.u32(uint32(int32(v)))
	default:
		e.bignum(big.NewInt(v))
	}
}

func (e *encoder) bignum(v *big.Int) {
	mag := new(big.Int).Abs(v).Bytes()
	if len(mag) <= math.MaxUint8 {
		e.u8(smallBigTag)
		e.u8(uint8(len(mag)))
	} else {
		e.u8(largeBigTag)
		e.u32(uint32(len(mag)))
	}
	if v.Sign() < 0 {
		e.u8(1)
	} else {
		e.u8(0)
	}
	for i := len(mag) - 1; i >= 0; i-- {
		e.u8(mag[i])
	}
}
