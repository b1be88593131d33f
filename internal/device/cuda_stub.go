//go:build !(linux && cuda)

package device

import "fmt"

func newCUDAContext(Options) (*Context, error) {
	return nil, fmt.Errorf("%w: built without cuda support (use -tags cuda)", ErrUnsupported)
}

func (c *Context) uploadDevice(b *Buffer, _ []byte) error {
	return fmt.Errorf("upload to %d: %w", b.id, ErrNotHostVisible)
}

func (c *Context) downloadDevice(b *Buffer) ([]byte, error) {
	return nil, fmt.Errorf("download from %d: %w", b.id, ErrNotHostVisible)
}
