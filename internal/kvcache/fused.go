package kvcache

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-beamkv/internal/config"
	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/metrics"
)

// FusedCache keeps one buffer per layer holding keys and values together,
// shaped [2, batch*beams, heads, seq, head_dim]. The key half comes first.
type FusedCache struct {
	*base
	self *bank
}

func NewFused(ctx *device.Context, cfg config.Config) (*FusedCache, error) {
	if cfg.Layout != config.LayoutFused {
		return nil, fmt.Errorf("%w: fused cache built with layout %q", config.ErrInvalidConfig, cfg.Layout)
	}
	shape := device.Shape{2, int64(cfg.BatchBeams()), int64(cfg.Heads), int64(cfg.SeqLen), int64(cfg.HeadDim)}
	empty := shape.Clone()
	empty[3] = 0

	b, err := newBase(ctx, cfg, empty)
	if err != nil {
		return nil, err
	}
	c := &FusedCache{
		base: b,
		self: newBank(ctx, b.dtype, shape, 3, 2, cfg.Layers),
	}
	if err := c.self.seed(); err != nil {
		c.releaseEmpty()
		return nil, err
	}
	metrics.RecordSessionOpened()
	c.log.Info("fused cache ready", "layers", cfg.Layers, "beams", c.beams, "dtype", c.dtype.String(),
		"shape", shape.String(), "device", ctx.Kind().String())
	return c, nil
}

// Update advances the cache by one step. An empty beamIndices moves every
// present buffer into its past slot; otherwise past beam j becomes a copy
// of present beam beamIndices[j]. New presents are sized to currentLength.
// On error the cache is unchanged.
func (c *FusedCache) Update(beamIndices []int32, currentLength int) error {
	start := time.Now()
	if err := c.begin(beamIndices, currentLength); err != nil {
		return err
	}
	u := newUpdate(c.ctx)
	next, err := c.self.stage(u, beamIndices, currentLength)
	if err == nil {
		err = u.run()
	}
	if err != nil {
		u.abort()
		return c.fail(err)
	}
	c.self.commit(next)
	c.finish(beamIndices, currentLength, start, c.self.past(0))
	return nil
}

// Past returns the buffer bound to input i, or the empty placeholder
// before the first Update.
func (c *FusedCache) Past(i int) *device.Buffer {
	if b := c.self.past(i); b != nil {
		return b
	}
	return c.empty
}

func (c *FusedCache) Present(i int) *device.Buffer { return c.self.present(i) }

// SeqLen is the sequence length of the current present buffers.
func (c *FusedCache) SeqLen() int { return c.self.seqLen() }

func (c *FusedCache) Bindings() (inputs, outputs []Binding) {
	return bindings(c.inputNames, c.Past), bindings(c.outputNames, c.Present)
}

// Close releases every buffer. Calling it again is a no-op.
func (c *FusedCache) Close() {
	if c.state == StateReleased {
		return
	}
	c.self.release()
	c.releaseEmpty()
	metrics.RecordSessionClosed()
	c.log.Debug("fused cache released", "steps", c.steps)
}
