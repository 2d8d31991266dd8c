package beamfile

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/hotcode/etf"
)

// Chunk is a raw container section.
type Chunk struct {
	ID   string
	Data []byte
}

// Assemble wraps chunks into a container. IDs must be four bytes.
func Assemble(chunks ...Chunk) ([]byte, error) {
	body := append([]byte{}, beamMagic...)
	for _, c := range chunks {
		if len(c.ID) != 4 {
			return nil, fmt.Errorf("beamfile: chunk id %q is not four bytes", c.ID)
		}
		body = append(body, c.ID...)
		body = binary.BigEndian.AppendUint32(body, uint32(len(c.Data)))
		body = append(body, c.Data...)
		for pad := align4(len(c.Data)) - len(c.Data); pad > 0; pad-- {
			body = append(body, 0)
		}
	}
	out := append([]byte{}, formMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...), nil
}

// Spec describes a module to assemble with Build.
type Spec struct {
	Name        string
	Exports     []FuncRef
	Attributes  etf.Term
	CompileInfo etf.Term
	DebugInfo   []byte
}

// Build produces a minimal container: atoms, exports, a stub code header
// and the optional attribute, compile-info and debug chunks.
func Build(s Spec) ([]byte, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("beamfile: module name required")
	}
	atoms := []string{s.Name}
	index := map[string]uint32{s.Name: 1}
	for _, e := range s.Exports {
		if _, ok := index[e.Name]; !ok {
			atoms = append(atoms, e.Name)
			index[e.Name] = uint32(len(atoms))
		}
	}

	var atomChunk []byte
	atomChunk = binary.BigEndian.AppendUint32(atomChunk, uint32(len(atoms)))
	for _, a := range atoms {
		if len(a) > 255 {
			return nil, fmt.Errorf("beamfile: atom %q too long", a)
		}
		atomChunk = append(atomChunk, byte(len(a)))
		atomChunk = append(atomChunk, a...)
	}

	var expChunk []byte
	expChunk = binary.BigEndian.AppendUint32(expChunk, uint32(len(s.Exports)))
	for i, e := range s.Exports {
		expChunk = binary.BigEndian.AppendUint32(expChunk, index[e.Name])
		expChunk = binary.BigEndian.AppendUint32(expChunk, uint32(e.Arity))
		expChunk = binary.BigEndian.AppendUint32(expChunk, uint32(2*i+2))
	}

	// Code header: sub-size, instruction set, max opcode, labels, functions.
	var code []byte
	for _, v := range []uint32{16, 0, 178, uint32(2*len(s.Exports) + 1), uint32(len(s.Exports))} {
		code = binary.BigEndian.AppendUint32(code, v)
	}

	chunks := []Chunk{{"AtU8", atomChunk}, {"Code", code}, {"ExpT", expChunk}}
	if s.Attributes != nil {
		raw, err := etf.Encode(s.Attributes)
		if err != nil {
			return nil, fmt.Errorf("beamfile: attributes: %w", err)
		}
		chunks = append(chunks, Chunk{"Attr", raw})
	}
	if s.CompileInfo != nil {
		raw, err := etf.Encode(s.CompileInfo)
		if err != nil {
			return nil, fmt.Errorf("beamfile: compile info: %w", err)
		}
		chunks = append(chunks, Chunk{"CInf", raw})
	}
	if s.DebugInfo != nil {
		chunks = append(chunks, Chunk{"Dbgi", s.DebugInfo})
	}
	return Assemble(chunks...)
}
