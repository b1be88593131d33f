//go:build !unix

package device

// Without mmap the allocation falls back to the Go heap.
func mmapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func munmap(b []byte) error {
	return nil
}
