//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -L/usr/local/cuda/lib64 -lcudart
#cgo CFLAGS: -I/usr/local/cuda/include
#include <cuda_runtime.h>
#include <stdint.h>

static void* offsetPtr(void* base, size_t off) { return (char*)base + off; }
*/
import "C"
import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

func cudaErr(op string, rc C.cudaError_t) error {
	if rc == C.cudaSuccess {
		return nil
	}
	return fmt.Errorf("%s: %s", op, C.GoString(C.cudaGetErrorString(rc)))
}

// cudaQueue wraps the single stream every kernel, copy and free of a
// context is issued on. Ops passed to Defer must themselves be
// stream-ordered CUDA calls, so they run inline.
type cudaQueue struct {
	stream C.cudaStream_t
	device int
}

func (q *cudaQueue) Name() string    { return fmt.Sprintf("cuda%d", q.device) }
func (q *cudaQueue) Defer(op func()) { op() }

func (q *cudaQueue) Synchronize() error {
	return cudaErr("cudaStreamSynchronize", C.cudaStreamSynchronize(q.stream))
}

func (q *cudaQueue) Close() error {
	if q.stream == nil {
		return nil
	}
	err := q.Synchronize()
	if rc := C.cudaStreamDestroy(q.stream); err == nil {
		err = cudaErr("cudaStreamDestroy", rc)
	}
	q.stream = nil
	return err
}

type cudaAllocator struct {
	queue *cudaQueue
	limit int64
	used  atomic.Int64
}

func (a *cudaAllocator) Alloc(shape Shape, dt DType) (*Buffer, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: dtype %v", ErrUnsupported, dt)
	}
	size := int(shape.NumElements()) * dt.Size()
	if a.limit > 0 && a.used.Load()+int64(size) > a.limit {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, size, a.used.Load(), a.limit)
	}

	b := &Buffer{id: nextBufferID.Add(1), shape: shape.Clone(), dtype: dt, size: size}
	alloc := size
	if alloc == 0 {
		alloc = 1
	}
	var ptr unsafe.Pointer
	if rc := C.cudaMallocAsync(&ptr, C.size_t(alloc), a.queue.stream); rc != C.cudaSuccess {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, cudaErr("cudaMallocAsync", rc))
	}
	b.devPtr = ptr
	a.used.Add(int64(size))
	return b, nil
}

func (a *cudaAllocator) Free(b *Buffer) {
	if b.devPtr == nil {
		return
	}
	C.cudaFreeAsync(b.devPtr, a.queue.stream)
	b.devPtr = nil
	a.used.Add(-int64(b.size))
}

func (a *cudaAllocator) Allocated() int64 { return a.used.Load() }

// cudaCopier issues device-to-device cudaMemcpyAsync on the context stream.
type cudaCopier struct {
	queue *cudaQueue
}

func (c *cudaCopier) Copy(q Queue, dst, src *Buffer, spans []Span) error {
	if q != Queue(c.queue) {
		return fmt.Errorf("cuda copy on %s: %w", q.Name(), ErrQueueMismatch)
	}
	if err := CheckSpans(dst, src, spans); err != nil {
		return err
	}
	for _, s := range spans {
		rc := C.cudaMemcpyAsync(
			C.offsetPtr(dst.devPtr, C.size_t(s.Dst)),
			C.offsetPtr(src.devPtr, C.size_t(s.Src)),
			C.size_t(s.Len), C.cudaMemcpyDeviceToDevice, c.queue.stream)
		if err := cudaErr("cudaMemcpyAsync", rc); err != nil {
			return err
		}
	}
	return nil
}

func newCUDAContext(opts Options) (*Context, error) {
	if err := cudaErr("cudaSetDevice", C.cudaSetDevice(C.int(opts.DeviceIndex))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	q := &cudaQueue{device: opts.DeviceIndex}
	if err := cudaErr("cudaStreamCreate", C.cudaStreamCreate(&q.stream)); err != nil {
		return nil, err
	}
	return &Context{
		kind:   KindCUDA,
		alloc:  &cudaAllocator{queue: q, limit: opts.MemoryLimit},
		queue:  q,
		copier: &cudaCopier{queue: q},
	}, nil
}

func (c *Context) uploadDevice(b *Buffer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	q := c.queue.(*cudaQueue)
	rc := C.cudaMemcpyAsync(b.devPtr, unsafe.Pointer(&data[0]), C.size_t(len(data)), C.cudaMemcpyHostToDevice, q.stream)
	return cudaErr("cudaMemcpyAsync", rc)
}

func (c *Context) downloadDevice(b *Buffer) ([]byte, error) {
	out := make([]byte, b.size)
	if b.size == 0 {
		return out, nil
	}
	rc := C.cudaMemcpy(unsafe.Pointer(&out[0]), b.devPtr, C.size_t(b.size), C.cudaMemcpyDeviceToHost)
	return out, cudaErr("cudaMemcpy", rc)
}
