package engine

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/kvcache"
)

// Pass runs one decoder forward pass. It reads the cache's past buffers,
// fills the present buffers and returns next-token logits, one row of
// vocab values per beam.
type Pass interface {
	Forward(c kvcache.Cache, pending [][]int32) ([]float32, error)
}

// SyntheticPass stands in for a model. Every present row holds the token
// that produced it (keys) or token+0.5 (values), copied forward from the
// past, so a cache's contents can be checked against each beam's history.
// Logits come from a seeded generator.
type SyntheticPass struct {
	ctx   *device.Context
	vocab int
	rng   *rand.Rand
}

func NewSyntheticPass(ctx *device.Context, vocab int, seed int64) *SyntheticPass {
	return &SyntheticPass{ctx: ctx, vocab: vocab, rng: rand.New(rand.NewSource(seed))}
}

// layoutOf returns the number of key/value halves and the sequence axis
// of a cache buffer shape.
func layoutOf(shape device.Shape) (halves, seqAxis int, err error) {
	switch len(shape) {
	case 5:
		return 2, 3, nil
	case 4:
		return 1, 2, nil
	}
	return 0, 0, fmt.Errorf("unexpected cache shape %v", shape)
}

func (p *SyntheticPass) Forward(c kvcache.Cache, pending [][]int32) ([]float32, error) {
	for i := range c.OutputNames() {
		if err := p.extend(c.Past(i), c.Present(i), i, pending); err != nil {
			return nil, fmt.Errorf("%s: %w", c.OutputNames()[i], err)
		}
	}
	logits := make([]float32, len(pending)*p.vocab)
	for i := range logits {
		logits[i] = float32(p.rng.NormFloat64() * 2)
	}
	return logits, nil
}

func (p *SyntheticPass) extend(past, present *device.Buffer, slot int, pending [][]int32) error {
	shape := present.Shape()
	halves, seqAxis, err := layoutOf(shape)
	if err != nil {
		return err
	}
	data, err := p.ctx.Download(past)
	if err != nil {
		return err
	}
	prev := past.DType().Decode(data)

	beams := int(shape[seqAxis-2])
	heads := int(shape[seqAxis-1])
	seq := int(shape[seqAxis])
	dim := int(shape[seqAxis+1])
	pastSeq := int(past.Dim(seqAxis))
	if len(pending) != beams {
		return fmt.Errorf("%d pending rows for %d beams", len(pending), beams)
	}

	out := make([]float32, present.NumElements())
	for h := 0; h < halves; h++ {
		role := h
		if halves == 1 {
			role = slot % 2
		}
		for b := 0; b < beams; b++ {
			if pastSeq+len(pending[b]) != seq {
				return fmt.Errorf("beam %d: %d past + %d new rows, present holds %d", b, pastSeq, len(pending[b]), seq)
			}
			for hd := 0; hd < heads; hd++ {
				dstRow := ((h*beams+b)*heads + hd) * seq
				srcRow := ((h*beams+b)*heads + hd) * pastSeq
				for s := 0; s < seq; s++ {
					dst := out[(dstRow+s)*dim : (dstRow+s+1)*dim]
					if s < pastSeq {
						copy(dst, prev[(srcRow+s)*dim:(srcRow+s+1)*dim])
						continue
					}
					v := float32(pending[b][s-pastSeq]) + 0.5*float32(role)
					for d := range dst {
						dst[d] = v
					}
				}
			}
		}
	}
	return p.ctx.Upload(present, present.DType().Encode(out))
}
