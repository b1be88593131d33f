package device

import "fmt"

// Span is one contiguous byte range copied from src to dst.
type Span struct {
	Dst, Src, Len int
}

// Copier performs bulk buffer-to-buffer copies for one device kind. It is
// bound to the queue it was created with and refuses any other.
type Copier interface {
	Copy(q Queue, dst, src *Buffer, spans []Span) error
}

// CheckSpans validates every span against both buffers before anything is copied.
func CheckSpans(dst, src *Buffer, spans []Span) error {
	if dst.released || src.released {
		return fmt.Errorf("copy %d <- %d: %w", dst.id, src.id, ErrReleased)
	}
	for i, s := range spans {
		if s.Len < 0 || s.Dst < 0 || s.Src < 0 ||
			s.Dst+s.Len > dst.size || s.Src+s.Len > src.size {
			return fmt.Errorf("copy %d <- %d: span %d {dst %d src %d len %d} outside buffers of %d/%d bytes",
				dst.id, src.id, i, s.Dst, s.Src, s.Len, dst.size, src.size)
		}
	}
	return nil
}

// hostCopier copies synchronously on the calling goroutine.
type hostCopier struct {
	queue Queue
}

func (c *hostCopier) Copy(q Queue, dst, src *Buffer, spans []Span) error {
	if q != c.queue {
		return fmt.Errorf("host copy on %s: %w", q.Name(), ErrQueueMismatch)
	}
	if err := CheckSpans(dst, src, spans); err != nil {
		return err
	}
	copySpans(dst.data, src.data, spans)
	return nil
}

// streamCopier enqueues the copy on its stream and returns immediately.
type streamCopier struct {
	queue *StreamQueue
}

func (c *streamCopier) Copy(q Queue, dst, src *Buffer, spans []Span) error {
	if q != Queue(c.queue) {
		return fmt.Errorf("stream copy on %s, bound to %s: %w", q.Name(), c.queue.Name(), ErrQueueMismatch)
	}
	if err := CheckSpans(dst, src, spans); err != nil {
		return err
	}
	d, s := dst.data, src.data
	plan := append([]Span(nil), spans...)
	c.queue.Defer(func() { copySpans(d, s, plan) })
	return nil
}

func copySpans(dst, src []byte, spans []Span) {
	for _, s := range spans {
		copy(dst[s.Dst:s.Dst+s.Len], src[s.Src:s.Src+s.Len])
	}
}
