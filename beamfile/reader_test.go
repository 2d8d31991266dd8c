package beamfile

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/chazu/hotcode/etf"
)

func buildTestModule(t *testing.T, s Spec) []byte {
	t.Helper()
	data, err := Build(s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return data
}

func TestRead_ExportsAndName(t *testing.T) {
	data := buildTestModule(t, Spec{
		Name:    "lists2",
		Exports: []FuncRef{{"map", 2}, {"foldl", 3}, {"map", 3}},
	})

	if !IsContainer(data) {
		t.Fatal("IsContainer should be true for built module")
	}
	m, err := Read(data)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Name != "lists2" {
		t.Errorf("Name: got %q, want lists2", m.Name)
	}
	if len(m.Atoms) != 3 {
		t.Errorf("Atoms: got %v, want 3 entries", m.Atoms)
	}
	if len(m.Exports) != 3 {
		t.Fatalf("Exports: got %d, want 3", len(m.Exports))
	}
	if m.Exports[1].String() != "foldl/3" {
		t.Errorf("export 1: got %s, want foldl/3", m.Exports[1])
	}
	if !m.Exported("map", 3) || m.Exported("map", 1) {
		t.Error("Exported lookup mismatch")
	}
	if m.Attributes != nil || m.CompileInfo != nil {
		t.Error("absent chunks should decode as nil")
	}
}

func TestRead_OnLoadAttribute(t *testing.T) {
	data := buildTestModule(t, Spec{
		Name:    "nifmod",
		Exports: []FuncRef{{"init", 0}},
		Attributes: etf.List{
			etf.Tuple{etf.Atom("vsn"), etf.List{int64(1)}},
			etf.Tuple{etf.Atom("on_load"), etf.List{etf.Tuple{etf.Atom("init"), int64(0)}}},
		},
		CompileInfo: etf.List{etf.Tuple{etf.Atom("version"), etf.Charlist("8.4")}},
		DebugInfo:   []byte{1, 2, 3},
	})

	m, err := Read(data)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	ref, ok := m.OnLoad()
	if !ok {
		t.Fatal("OnLoad should be detected")
	}
	if ref != (FuncRef{"init", 0}) {
		t.Errorf("OnLoad: got %+v, want init/0", ref)
	}
	if v, ok := etf.Proplist(m.CompileInfo, "version"); !ok || v != etf.Charlist("8.4") {
		t.Errorf("compile info version: got %v", v)
	}
	if len(m.DebugInfo) != 3 {
		t.Errorf("DebugInfo: got %d bytes, want 3", len(m.DebugInfo))
	}
}

func TestRead_NoOnLoad(t *testing.T) {
	data := buildTestModule(t, Spec{
		Name:       "plain",
		Attributes: etf.List{etf.Tuple{etf.Atom("vsn"), etf.List{int64(1)}}},
	})
	m, err := Read(data)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, ok := m.OnLoad(); ok {
		t.Error("OnLoad should not be detected")
	}
}

func TestRead_LegacyAtomChunk(t *testing.T) {
	var atoms []byte
	atoms = binary.BigEndian.AppendUint32(atoms, 1)
	atoms = append(atoms, 3, 'o', 'l', 'd')
	data, err := Assemble(Chunk{"Atom", atoms})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	m, err := Read(data)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Name != "old" {
		t.Errorf("Name: got %q, want old", m.Name)
	}
}

func TestRead_Errors(t *testing.T) {
	good := buildTestModule(t, Spec{Name: "m", Exports: []FuncRef{{"f", 0}}})

	truncated := append([]byte{}, good[:len(good)-6]...)

	noAtoms, _ := Assemble(Chunk{"Code", make([]byte, 20)})

	var badExp []byte
	badExp = binary.BigEndian.AppendUint32(badExp, 1)
	badExp = binary.BigEndian.AppendUint32(badExp, 9)
	badExp = binary.BigEndian.AppendUint32(badExp, 0)
	badExp = binary.BigEndian.AppendUint32(badExp, 2)
	var oneAtom []byte
	oneAtom = binary.BigEndian.AppendUint32(oneAtom, 1)
	oneAtom = append(oneAtom, 1, 'm')
	badIndex, _ := Assemble(Chunk{"AtU8", oneAtom}, Chunk{"ExpT", badExp})

	compact := binary.BigEndian.AppendUint32(nil, 0xfffffffe)
	compactAtoms, _ := Assemble(Chunk{"AtU8", compact})

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"raw bytes", []byte{0, 1, 2, 3}, ErrNotContainer},
		{"truncated", truncated, ErrCorrupt},
		{"no atoms", noAtoms, ErrMissingChunk},
		{"bad atom index", badIndex, ErrBadAtomIndex},
		{"compact atoms", compactAtoms, ErrUnsupportedForm},
	}
	for _, tc := range cases {
		_, err := Read(tc.data)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestAssemble_RejectsBadChunkID(t *testing.T) {
	if _, err := Assemble(Chunk{"LONGID", nil}); err == nil {
		t.Error("expected error for five-byte chunk id")
	}
}
