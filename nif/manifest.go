package nif

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Function flags, matching the dirty scheduler job kinds.
const (
	FlagDirtyCPU uint = 1
	FlagDirtyIO  uint = 2
)

// Manifest is the self-description a library returns from its accessor
// symbol. It is the only data read across the native boundary before
// symbols are resolved.
type Manifest struct {
	Module    string         `cbor:"module"`
	APIMajor  int            `cbor:"api_major"`
	APIMinor  int            `cbor:"api_minor"`
	Functions []FunctionSpec `cbor:"functions"`
}

// FunctionSpec describes one exported native function.
type FunctionSpec struct {
	Name   string `cbor:"name"`
	Arity  int    `cbor:"arity"`
	Symbol string `cbor:"symbol,omitempty"`
	Flags  uint   `cbor:"flags,omitempty"`
}

// SymbolName returns the symbol to resolve, defaulting to the function name.
func (f FunctionSpec) SymbolName() string {
	if f.Symbol != "" {
		return f.Symbol
	}
	return f.Name
}

var manifestEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("nif: failed to create CBOR enc mode: %v", err))
	}
	manifestEncMode = em
}

// EncodeManifest serializes a manifest in canonical CBOR, the form a
// library embeds behind its accessor.
func EncodeManifest(m *Manifest) ([]byte, error) {
	return manifestEncMode.Marshal(m)
}

// DecodeManifest parses manifest bytes.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrInvalidFormat, err)
	}
	return &m, nil
}

// Validate checks the manifest against the module being loaded and the
// supported major API version.
func (m *Manifest) Validate(module string, apiMajor int) error {
	if m.Module != module {
		return fmt.Errorf("%w: library is for module %q, not %q", ErrInvalidFormat, m.Module, module)
	}
	if m.APIMajor != apiMajor {
		return fmt.Errorf("%w: API version %d.%d, runtime supports %d.x", ErrInvalidFormat, m.APIMajor, m.APIMinor, apiMajor)
	}
	seen := make(map[string]bool, len(m.Functions))
	for _, f := range m.Functions {
		if f.Name == "" {
			return fmt.Errorf("%w: function with empty name", ErrInvalidFormat)
		}
		if f.Arity < 0 || f.Arity > 255 {
			return fmt.Errorf("%w: %s has arity %d", ErrInvalidFormat, f.Name, f.Arity)
		}
		if f.Flags&^(FlagDirtyCPU|FlagDirtyIO) != 0 || f.Flags == FlagDirtyCPU|FlagDirtyIO {
			return fmt.Errorf("%w: %s/%d has flags %#x", ErrInvalidFormat, f.Name, f.Arity, f.Flags)
		}
		key := fmt.Sprintf("%s/%d", f.Name, f.Arity)
		if seen[key] {
			return fmt.Errorf("%w: duplicate function %s", ErrInvalidFormat, key)
		}
		seen[key] = true
	}
	return nil
}
