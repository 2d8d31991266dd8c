// Package dynlib is the only place native libraries are opened and raw
// addresses are produced. Everything above it treats pointers as opaque
// values compared by address and never dereferences them.
package dynlib

import "errors"

// MaxManifestSize caps the manifest a library may hand back.
const MaxManifestSize = 1 << 20

var (
	ErrSymbolNotFound   = errors.New("dynlib: symbol not found")
	ErrUnsupported      = errors.New("dynlib: native libraries unsupported on this platform")
	ErrManifestTooLarge = errors.New("dynlib: manifest too large")
	ErrNullManifest     = errors.New("dynlib: manifest accessor returned null")
)

// Library is an open native library. It stays mapped until Close.
type Library interface {
	// Lookup resolves a symbol to its address.
	Lookup(symbol string) (uintptr, error)
	// Manifest invokes the accessor symbol and copies out the bytes it
	// describes. The accessor has the C signature
	//   const uint8_t *accessor(size_t *len);
	Manifest(accessor string) ([]byte, error)
	Close() error
}

// Opener opens libraries by path.
type Opener interface {
	Open(path string) (Library, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Library, error)

func (f OpenerFunc) Open(path string) (Library, error) { return f(path) }
