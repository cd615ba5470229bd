//go:build !unix

package machine

// allocRAM falls back to a heap allocation when mmap is not available.
func allocRAM(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
