package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-beamkv/internal/metrics"
)

var (
	ErrOutOfMemory    = errors.New("device out of memory")
	ErrReleased       = errors.New("buffer released")
	ErrNotHostVisible = errors.New("buffer not host visible")
	ErrQueueMismatch  = errors.New("copy issued on a foreign queue")
	ErrUnsupported    = errors.New("unsupported")
)

// Kind selects allocator, queue and copy strategy for a Context.
type Kind int

const (
	KindCPU Kind = iota
	// KindStream keeps buffers in host memory but runs copies on an
	// asynchronous in-order stream, like an accelerator would.
	KindStream
	KindCUDA
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindStream:
		return "stream"
	case KindCUDA:
		return "cuda"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu", "host":
		return KindCPU, nil
	case "stream":
		return KindStream, nil
	case "cuda", "gpu":
		return KindCUDA, nil
	}
	return KindCPU, fmt.Errorf("%w: device %q", ErrUnsupported, s)
}

type Options struct {
	// MemoryLimit caps allocated bytes; 0 means unlimited.
	MemoryLimit int64
	UseMmap     bool
	StreamDepth int
	// DeviceIndex selects the CUDA device.
	DeviceIndex int
}

// Context bundles the allocator, the compute queue and the copy strategy
// chosen for one device. Everything that must be ordered with the forward
// pass (uploads, reorder copies, releases) goes through its queue.
type Context struct {
	kind   Kind
	alloc  Allocator
	queue  Queue
	copier Copier
	close  func() error
}

func NewContext(kind Kind, opts Options) (*Context, error) {
	switch kind {
	case KindCPU:
		q := ImmediateQueue{}
		return &Context{
			kind:   kind,
			alloc:  NewHostAllocator(opts.MemoryLimit, opts.UseMmap),
			queue:  q,
			copier: &hostCopier{queue: q},
		}, nil
	case KindStream:
		q := NewStreamQueue("stream0", opts.StreamDepth)
		return &Context{
			kind:   kind,
			alloc:  NewHostAllocator(opts.MemoryLimit, opts.UseMmap),
			queue:  q,
			copier: &streamCopier{queue: q},
		}, nil
	case KindCUDA:
		return newCUDAContext(opts)
	}
	return nil, fmt.Errorf("%w: device kind %v", ErrUnsupported, kind)
}

func (c *Context) Kind() Kind   { return c.kind }
func (c *Context) Queue() Queue { return c.queue }

// Allocated is the number of bytes the allocator currently holds.
func (c *Context) Allocated() int64 { return c.alloc.Allocated() }

// Alloc returns an uninitialized buffer. Allocation failures wrap ErrOutOfMemory.
func (c *Context) Alloc(shape Shape, dt DType) (*Buffer, error) {
	b, err := c.alloc.Alloc(shape, dt)
	if err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			metrics.RecordAllocFailure(c.kind.String())
		}
		return nil, err
	}
	metrics.RecordAllocated(c.kind.String(), c.alloc.Allocated())
	return b, nil
}

// Release invalidates b immediately and frees its storage once all work
// already queued has run. Releasing twice is a no-op.
func (c *Context) Release(b *Buffer) {
	if b == nil || b.released {
		return
	}
	b.released = true
	c.queue.Defer(func() {
		c.alloc.Free(b)
		metrics.RecordAllocated(c.kind.String(), c.alloc.Allocated())
	})
}

// Copy moves spans from src to dst with the context's strategy on the context's queue.
func (c *Context) Copy(dst, src *Buffer, spans []Span) error {
	if err := c.copier.Copy(c.queue, dst, src, spans); err != nil {
		return err
	}
	var n int64
	for _, s := range spans {
		n += int64(s.Len)
	}
	metrics.RecordCopy(c.kind.String(), n, len(spans))
	return nil
}

// Upload writes data into b in queue order. The context owns data afterwards.
func (c *Context) Upload(b *Buffer, data []byte) error {
	if b.released {
		return fmt.Errorf("upload to %d: %w", b.id, ErrReleased)
	}
	if len(data) != b.size {
		return fmt.Errorf("upload to %d: %d bytes for a %d byte buffer", b.id, len(data), b.size)
	}
	if !b.HostVisible() {
		return c.uploadDevice(b, data)
	}
	dst := b.data
	c.queue.Defer(func() { copy(dst, data) })
	return nil
}

// Download waits for the queue and returns a copy of b's contents.
func (c *Context) Download(b *Buffer) ([]byte, error) {
	if b.released {
		return nil, fmt.Errorf("download from %d: %w", b.id, ErrReleased)
	}
	if err := c.queue.Synchronize(); err != nil {
		return nil, err
	}
	if !b.HostVisible() {
		return c.downloadDevice(b)
	}
	return append([]byte(nil), b.data...), nil
}

func (c *Context) Synchronize() error {
	return c.queue.Synchronize()
}

// Close drains the queue and tears down device state. Buffers still held
// by callers must be released before Close.
func (c *Context) Close() error {
	err := c.queue.Close()
	if c.close != nil {
		if cerr := c.close(); err == nil {
			err = cerr
		}
	}
	return err
}
