//go:build !unix

package kernel

func mapPhysical(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
