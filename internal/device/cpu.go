package device

import (
	"fmt"
	"sync/atomic"
)

// Allocator hands out Buffers of one memory kind.
type Allocator interface {
	Alloc(shape Shape, dt DType) (*Buffer, error)
	// Free returns b's storage. Callers must ensure no queued work still reads b;
	// Context.Release does this by ordering Free on the context queue.
	Free(b *Buffer)
	Allocated() int64
}

var nextBufferID atomic.Uint64

// HostAllocator allocates host-visible buffers from the Go heap or, with
// UseMmap, from anonymous mappings outside the Go heap.
type HostAllocator struct {
	limit   int64
	useMmap bool
	used    atomic.Int64
}

func NewHostAllocator(limit int64, useMmap bool) *HostAllocator {
	return &HostAllocator{limit: limit, useMmap: useMmap}
}

func (a *HostAllocator) Alloc(shape Shape, dt DType) (*Buffer, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: dtype %v", ErrUnsupported, dt)
	}
	size := int(shape.NumElements()) * dt.Size()

	if a.limit > 0 {
		if a.used.Add(int64(size)) > a.limit {
			a.used.Add(-int64(size))
			return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
				ErrOutOfMemory, size, a.used.Load(), a.limit)
		}
	} else {
		a.used.Add(int64(size))
	}

	b := &Buffer{
		id:    nextBufferID.Add(1),
		shape: shape.Clone(),
		dtype: dt,
		size:  size,
	}
	if a.useMmap && size > 0 {
		data, err := mmapAnon(size)
		if err != nil {
			a.used.Add(-int64(size))
			return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, size, err)
		}
		b.data = data
		b.unmap = munmap
	} else {
		b.data = make([]byte, size)
	}
	return b, nil
}

func (a *HostAllocator) Free(b *Buffer) {
	if b.data == nil && b.size > 0 {
		return
	}
	if b.unmap != nil {
		// Unmapping can only fail for a range we did not map; nothing to recover.
		_ = b.unmap(b.data)
	}
	b.data = nil
	a.used.Add(-int64(b.size))
}

func (a *HostAllocator) Allocated() int64 {
	return a.used.Load()
}
