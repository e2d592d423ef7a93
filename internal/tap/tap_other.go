//go:build !linux

package tap

// Open always fails outside Linux.
func Open(name string) (Interface, error) {
	return nil, ErrUnsupported
}
