package kvcache

import (
	"fmt"

	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/metrics"
)

// checkMapping validates a non-empty beam mapping against the beam count.
// An empty mapping is always valid and selects the ownership transfer path.
func checkMapping(mapping []int32, beams int) error {
	if len(mapping) == 0 {
		return nil
	}
	if len(mapping) != beams {
		metrics.RecordContractViolation("mapping_size")
		return fmt.Errorf("%w: %d indices for %d beams", ErrBeamMapping, len(mapping), beams)
	}
	for j, src := range mapping {
		if src < 0 || int(src) >= beams {
			metrics.RecordContractViolation("mapping_index")
			return fmt.Errorf("%w: slot %d reads beam %d, want [0,%d)", ErrBeamMapping, j, src, beams)
		}
	}
	return nil
}

// blockBytes is the size of one beam's contiguous block inside one half
// of a buffer with the given shape. Every axis after the beam axis
// belongs to the block.
func blockBytes(shape device.Shape, halves, beams, elemSize int) int {
	n := int(shape.NumElements())
	if n == 0 {
		return 0
	}
	return n / (halves * beams) * elemSize
}

// beamSpans plans the copy that fills destination beam j with source beam
// mapping[j] in every half. A fused buffer has two halves (key then value)
// of beams*block bytes each. Adjacent spans that stay contiguous on both
// sides are merged, across the half boundary too, so an identity mapping
// collapses to a single span.
func beamSpans(mapping []int32, halves, block int) []device.Span {
	if block == 0 {
		return nil
	}
	half := len(mapping) * block
	spans := make([]device.Span, 0, halves*len(mapping))
	for h := 0; h < halves; h++ {
		base := h * half
		for j, src := range mapping {
			spans = appendSpan(spans, device.Span{
				Dst: base + j*block,
				Src: base + int(src)*block,
				Len: block,
			})
		}
	}
	return spans
}

func appendSpan(spans []device.Span, s device.Span) []device.Span {
	if n := len(spans); n > 0 {
		last := &spans[n-1]
		if last.Dst+last.Len == s.Dst && last.Src+last.Len == s.Src {
			last.Len += s.Len
			return spans
		}
	}
	return append(spans, s)
}

// copyJob is one planned reorder copy.
type copyJob struct {
	dst, src *device.Buffer
	mapping  []int32
	halves   int
}

// update collects every allocation and copy of one Update call so the
// call can be abandoned before anything is committed.
type update struct {
	ctx   *device.Context
	fresh []*device.Buffer
	jobs  []copyJob
}

func newUpdate(ctx *device.Context) *update {
	return &update{ctx: ctx}
}

func (u *update) alloc(shape device.Shape, dt device.DType) (*device.Buffer, error) {
	b, err := u.ctx.Alloc(shape, dt)
	if err != nil {
		return nil, err
	}
	u.fresh = append(u.fresh, b)
	return b, nil
}

// reorder allocates a buffer shaped like src and plans the copy that
// fills it with src's beams picked by mapping.
func (u *update) reorder(src *device.Buffer, mapping []int32, halves int) (*device.Buffer, error) {
	dst, err := u.alloc(src.Shape(), src.DType())
	if err != nil {
		return nil, err
	}
	u.jobs = append(u.jobs, copyJob{dst: dst, src: src, mapping: mapping, halves: halves})
	return dst, nil
}

// run issues every planned copy on the context queue.
func (u *update) run() error {
	for _, j := range u.jobs {
		if err := Reorder(u.ctx, j.dst, j.src, j.mapping, j.halves); err != nil {
			return fmt.Errorf("reorder into buffer %d: %w", j.dst.ID(), err)
		}
	}
	return nil
}

// abort releases everything allocated so far.
func (u *update) abort() {
	for _, b := range u.fresh {
		u.ctx.Release(b)
	}
	u.fresh = nil
	u.jobs = nil
}

// Reorder copies the beams of src picked by mapping into dst. Both buffers
// must have the same shape with the beam axis directly after the halves
// axis (if any). It is the primitive both cache layouts reorder with.
func Reorder(ctx *device.Context, dst, src *device.Buffer, mapping []int32, halves int) error {
	if !dst.Shape().Equal(src.Shape()) || dst.DType() != src.DType() {
		return fmt.Errorf("reorder: %v/%v into %v/%v", src.Shape(), src.DType(), dst.Shape(), dst.DType())
	}
	if halves <= 0 {
		return fmt.Errorf("reorder: invalid halves %d", halves)
	}
	if len(mapping) == 0 {
		return fmt.Errorf("%w: empty mapping", ErrBeamMapping)
	}
	shape := src.Shape()
	beamAxis := 0
	if halves > 1 {
		beamAxis = 1
	}
	if len(shape) <= beamAxis {
		return fmt.Errorf("reorder: shape %v has no beam axis", shape)
	}
	if err := checkMapping(mapping, int(shape[beamAxis])); err != nil {
		return err
	}
	block := blockBytes(shape, halves, len(mapping), src.DType().Size())
	return ctx.Copy(dst, src, beamSpans(mapping, halves, block))
}
