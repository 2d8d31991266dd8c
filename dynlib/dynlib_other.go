//go:build !(darwin || freebsd || linux || netbsd)

package dynlib

type unsupportedOpener struct{}

// System returns an opener that always fails on this platform.
func System() Opener { return unsupportedOpener{} }

func (unsupportedOpener) Open(path string) (Library, error) {
	return nil, ErrUnsupported
}
