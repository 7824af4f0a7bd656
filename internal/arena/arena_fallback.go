//go:build !unix

package arena

import "fmt"

// Map allocates a zero-filled byte slice when mmap is not available.
func Map(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("arena: invalid mapping size %d", size)
	}
	return make([]byte, size), func() error { return nil }, nil
}
