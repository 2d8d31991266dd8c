// Package etf decodes and encodes the external term format used for the
// attribute and compile-info chunks of module binaries.
package etf

import (
	"fmt"
	"math/big"
	"strings"
)

// Term is any decoded value: Atom, int64, *big.Int, float64, Binary,
// Charlist, Tuple, List, ImproperList, Map or BitBinary.
type Term interface{}

// Atom is an interned name.
type Atom string

// Binary is a byte-aligned binary.
type Binary []byte

// BitBinary is a binary whose last byte holds only Bits significant bits.
type BitBinary struct {
	Data []byte
	Bits uint8
}

// Charlist is a list of bytes transmitted compactly (STRING_EXT).
type Charlist string

// Tuple is a fixed-arity compound term.
type Tuple []Term

// List is a proper list. The empty list decodes as a nil List.
type List []Term

// ImproperList is a list whose tail is not the empty list.
type ImproperList struct {
	Elems []Term
	Tail  Term
}

// Pair is one key/value association of a Map.
type Pair struct {
	Key   Term
	Value Term
}

// Map keeps pairs in wire order; keys may be compound so a Go map is not used.
type Map []Pair

// Get returns the value stored under an atom key.
func (m Map) Get(key Atom) (Term, bool) {
	for _, p := range m {
		if a, ok := p.Key.(Atom); ok && a == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Proplist walks a list of {Key, Value} tuples and returns the value of
// the first tuple whose key is the given atom.
func Proplist(t Term, key Atom) (Term, bool) {
	l, ok := t.(List)
	if !ok {
		return nil, false
	}
	for _, e := range l {
		tup, ok := e.(Tuple)
		if !ok || len(tup) != 2 {
			continue
		}
		if a, ok := tup[0].(Atom); ok && a == key {
			return tup[1], true
		}
	}
	return nil, false
}

// Format renders a term in Erlang-like notation for logs and CLI output.
func Format(t Term) string {
	var sb strings.Builder
	format(&sb, t)
	return sb.String()
}

func format(sb *strings.Builder, t Term) {
	switch v := t.(type) {
	case Atom:
		sb.WriteString(string(v))
	case int64:
		fmt.Fprintf(sb, "%d", v)
	case *big.Int:
		sb.WriteString(v.String())
	case float64:
		fmt.Fprintf(sb, "%g", v)
	case Binary:
		fmt.Fprintf(sb, "<<%q>>", []byte(v))
	case BitBinary:
		fmt.Fprintf(sb, "<<%q:%d>>", v.Data, v.Bits)
	case Charlist:
		fmt.Fprintf(sb, "%q", string(v))
	case Tuple:
		sb.WriteByte('{')
		formatSeq(sb, v)
		sb.WriteByte('}')
	case List:
		sb.WriteByte('[')
		formatSeq(sb, v)
		sb.WriteByte(']')
	case ImproperList:
		sb.WriteByte('[')
		formatSeq(sb, v.Elems)
		sb.WriteByte('|')
		format(sb, v.Tail)
		sb.WriteByte(']')
	case Map:
		sb.WriteString("#{")
		for i, p := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			format(sb, p.Key)
			sb.WriteString(" => ")
			format(sb, p.Value)
		}
		sb.WriteByte('}')
	default:
		fmt.Fprintf(sb, "%v", v)
	}
}

func formatSeq(sb *strings.Builder, ts []Term) {
	for i, e := range ts {
		if i > 0 {
			sb.WriteByte(',')
		}
		format(sb, e)
	}
}
