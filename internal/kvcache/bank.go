package kvcache

import (
	"fmt"

	"github.com/23skdu/longbow-beamkv/internal/device"
)

// slot owns at most one buffer. take empties it, so a buffer handed from
// the present slot to the past slot is never owned twice.
type slot struct {
	buf *device.Buffer
}

func (s *slot) take() *device.Buffer {
	b := s.buf
	s.buf = nil
	return b
}

func (s *slot) put(b *device.Buffer) {
	if s.buf != nil {
		panic(fmt.Sprintf("kvcache: slot already owns buffer %d", s.buf.ID()))
	}
	s.buf = b
}

// bank is the set of past/present slot pairs that grow along the sequence
// axis every step.
type bank struct {
	ctx     *device.Context
	dtype   device.DType
	shape   device.Shape // present shape
	seqAxis int
	halves  int

	pasts    []slot
	presents []slot
}

func newBank(ctx *device.Context, dt device.DType, shape device.Shape, seqAxis, halves, n int) *bank {
	return &bank{
		ctx:      ctx,
		dtype:    dt,
		shape:    shape,
		seqAxis:  seqAxis,
		halves:   halves,
		pasts:    make([]slot, n),
		presents: make([]slot, n),
	}
}

// seed allocates the first present buffers. On failure nothing stays allocated.
func (b *bank) seed() error {
	for i := range b.presents {
		p, err := b.ctx.Alloc(b.shape, b.dtype)
		if err != nil {
			b.release()
			return fmt.Errorf("allocate present %d: %w", i, err)
		}
		b.presents[i].put(p)
	}
	return nil
}

// bankStep is what one Update will commit to a bank.
type bankStep struct {
	pasts    []*device.Buffer // nil on the ownership transfer path
	presents []*device.Buffer
	shape    device.Shape
}

// stage allocates the new past buffers (reorder path only) and the new
// present buffers, and plans the reorder copies. It does not touch the bank.
func (b *bank) stage(u *update, mapping []int32, currentLength int) (*bankStep, error) {
	next := &bankStep{shape: b.shape.Clone()}
	next.shape[b.seqAxis] = int64(currentLength)

	if len(mapping) > 0 {
		next.pasts = make([]*device.Buffer, len(b.presents))
		for i := range b.presents {
			p, err := u.reorder(b.presents[i].buf, mapping, b.halves)
			if err != nil {
				return nil, fmt.Errorf("allocate past %d: %w", i, err)
			}
			next.pasts[i] = p
		}
	}

	next.presents = make([]*device.Buffer, len(b.presents))
	for i := range b.presents {
		p, err := u.alloc(next.shape, b.dtype)
		if err != nil {
			return nil, fmt.Errorf("allocate present %d: %w", i, err)
		}
		next.presents[i] = p
	}
	return next, nil
}

// commit installs a staged step. Buffers that leave the bank are released
// in queue order behind the copies that read them.
func (b *bank) commit(next *bankStep) {
	for i := range b.presents {
		if old := b.pasts[i].take(); old != nil {
			b.ctx.Release(old)
		}
		if next.pasts != nil {
			b.pasts[i].put(next.pasts[i])
			b.ctx.Release(b.presents[i].take())
		} else {
			b.pasts[i].put(b.presents[i].take())
		}
		b.presents[i].put(next.presents[i])
	}
	b.shape = next.shape
}

func (b *bank) past(i int) *device.Buffer    { return b.pasts[i].buf }
func (b *bank) present(i int) *device.Buffer { return b.presents[i].buf }

// seqLen is the sequence length of the current present buffers.
func (b *bank) seqLen() int { return int(b.shape[b.seqAxis]) }

func (b *bank) release() {
	for i := range b.presents {
		b.ctx.Release(b.pasts[i].take())
		b.ctx.Release(b.presents[i].take())
	}
}
