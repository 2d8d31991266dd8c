// Package beamfile reads the handful of sections the code loader needs
// from a module binary: the atom table, exports, attributes, compile info
// and debug info. Everything else in the container is skipped.
package beamfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chazu/hotcode/etf"
)

// Container layout: "FOR1" <u32 size> "BEAM" then 4-byte aligned chunks
// of <4-byte id> <u32 size> <data>.
const (
	headerSize      = 12
	chunkHeaderSize = 8
)

var (
	formMagic = []byte("FOR1")
	beamMagic = []byte("BEAM")
)

var (
	ErrNotContainer    = errors.New("beamfile: not a module container")
	ErrCorrupt         = errors.New("beamfile: corrupt container")
	ErrMissingChunk    = errors.New("beamfile: missing required chunk")
	ErrBadAtomIndex    = errors.New("beamfile: atom index out of range")
	ErrUnsupportedForm = errors.New("beamfile: unsupported atom table encoding")
)

// Export is one entry of the export table.
type Export struct {
	Function string `cbor:"function"`
	Arity    uint32 `cbor:"arity"`
	Label    uint32 `cbor:"label"`
}

func (e Export) String() string {
	return fmt.Sprintf("%s/%d", e.Function, e.Arity)
}

// FuncRef names a function by name and arity.
type FuncRef struct {
	Name  string
	Arity int
}

// Module is the decoded subset of a module binary.
type Module struct {
	Name    string
	Atoms   []string
	Exports []Export

	// Decoded Attr and CInf chunks; nil when the chunk is absent.
	Attributes  etf.Term
	CompileInfo etf.Term

	RawAttributes  []byte
	RawCompileInfo []byte
	DebugInfo      []byte
}

// IsContainer reports whether data starts with the container magic.
func IsContainer(data []byte) bool {
	return len(data) >= headerSize &&
		bytes.Equal(data[0:4], formMagic) &&
		bytes.Equal(data[8:12], beamMagic)
}

// Read parses a module container.
func Read(data []byte) (*Module, error) {
	if !IsContainer(data) {
		return nil, ErrNotContainer
	}
	declared := binary.BigEndian.Uint32(data[4:8])
	if declared < 4 || uint64(declared)+8 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: declared size %d exceeds %d bytes", ErrCorrupt, declared, len(data)-8)
	}

	chunks, err := splitChunks(data[headerSize : 8+int(declared)])
	if err != nil {
		return nil, err
	}

	m := &Module{}
	atomData, ok := chunks["AtU8"]
	if !ok {
		atomData, ok = chunks["Atom"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: AtU8", ErrMissingChunk)
	}
	if m.Atoms, err = readAtoms(atomData); err != nil {
		return nil, err
	}
	if len(m.Atoms) == 0 {
		return nil, fmt.Errorf("%w: empty atom table", ErrCorrupt)
	}
	m.Name = m.Atoms[0]

	if exp, ok := chunks["ExpT"]; ok {
		if m.Exports, err = readExports(exp, m.Atoms); err != nil {
			return nil, err
		}
	}
	if raw, ok := chunks["Attr"]; ok {
		m.RawAttributes = raw
		if m.Attributes, err = etf.Decode(raw); err != nil {
			return nil, fmt.Errorf("beamfile: attributes: %w", err)
		}
	}
	if raw, ok := chunks["CInf"]; ok {
		m.RawCompileInfo = raw
		if m.CompileInfo, err = etf.Decode(raw); err != nil {
			return nil, fmt.Errorf("beamfile: compile info: %w", err)
		}
	}
	if raw, ok := chunks["Dbgi"]; ok {
		m.DebugInfo = raw
	}
	return m, nil
}

// OnLoad returns the function named by an on_load attribute, if any.
func (m *Module) OnLoad() (FuncRef, bool) {
	v, ok := etf.Proplist(m.Attributes, "on_load")
	if !ok {
		return FuncRef{}, false
	}
	// The compiler emits [{Name, Arity}]; a bare tuple is accepted too.
	if l, ok := v.(etf.List); ok && len(l) == 1 {
		v = l[0]
	}
	tup, ok := v.(etf.Tuple)
	if !ok || len(tup) != 2 {
		return FuncRef{}, true
	}
	name, _ := tup[0].(etf.Atom)
	arity, _ := tup[1].(int64)
	return FuncRef{Name: string(name), Arity: int(arity)}, true
}

// Exported reports whether name/arity is in the export table.
func (m *Module) Exported(name string, arity int) bool {
	for _, e := range m.Exports {
		if e.Function == name && int(e.Arity) == arity {
			return true
		}
	}
	return false
}

func splitChunks(body []byte) (map[string][]byte, error) {
	chunks := make(map[string][]byte)
	off := 0
	for off < len(body) {
		if len(body)-off < chunkHeaderSize {
			return nil, fmt.Errorf("%w: short chunk header at %d", ErrCorrupt, off+headerSize)
		}
		id := string(body[off : off+4])
		size := int(binary.BigEndian.Uint32(body[off+4 : off+8]))
		off += chunkHeaderSize
		if size < 0 || size > len(body)-off {
			return nil, fmt.Errorf("%w: chunk %q overruns container", ErrCorrupt, id)
		}
		if _, dup := chunks[id]; !dup {
			chunks[id] = body[off : off+size]
		}
		off += align4(size)
	}
	return chunks, nil
}

func readAtoms(data []byte) ([]string, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: atom table", ErrCorrupt)
	}
	count := int32(binary.BigEndian.Uint32(data))
	if count < 0 {
		return nil, ErrUnsupportedForm
	}
	off := 4
	atoms := make([]string, 0, min(int(count), len(data)))
	for i := int32(0); i < count; i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("%w: atom %d", ErrCorrupt, i)
		}
		n := int(data[off])
		off++
		if n > len(data)-off {
			return nil, fmt.Errorf("%w: atom %d", ErrCorrupt, i)
		}
		atoms = append(atoms, string(data[off:off+n]))
		off += n
	}
	return atoms, nil
}

func readExports(data []byte, atoms []string) ([]Export, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: export table", ErrCorrupt)
	}
	count := binary.BigEndian.Uint32(data)
	if uint64(count)*12 > uint64(len(data)-4) {
		return nil, fmt.Errorf("%w: export table truncated", ErrCorrupt)
	}
	exports := make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		e := data[4+12*i:]
		idx := binary.BigEndian.Uint32(e[0:4])
		if idx == 0 || int(idx) > len(atoms) {
			return nil, fmt.Errorf("%w: %d", ErrBadAtomIndex, idx)
		}
		exports = append(exports, Export{
			Function: atoms[idx-1],
			Arity:    binary.BigEndian.Uint32(e[4:8]),
			Label:    binary.BigEndian.Uint32(e[8:12]),
		})
	}
	return exports, nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}
