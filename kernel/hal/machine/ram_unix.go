//go:build unix

package machine

import (
	"errors"

	"golang.org/x/sys/unix"
)

// allocRAM backs the emulated RAM with an anonymous private mapping so that
// untouched frames do not consume host memory.
func allocRAM(size int) ([]byte, func() error, error) {
	ram, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	release := func() error {
		err := unix.Munmap(ram)
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return ram, release, nil
}
