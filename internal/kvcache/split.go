package kvcache

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-beamkv/internal/config"
	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/metrics"
)

// SplitCache keeps separate key and value buffers per layer, each shaped
// [batch*beams, heads, seq, head_dim]. Slot layer*2 holds keys and
// layer*2+1 holds values. Encoder-decoder graphs also get a fixed-length
// cross-attention pair per layer, written once by the encoder pass.
type SplitCache struct {
	*base
	self *bank

	cross            []slot
	crossInputNames  []string
	crossOutputNames []string
	reorderCross     bool
}

func NewSplit(ctx *device.Context, cfg config.Config) (*SplitCache, error) {
	if cfg.Layout != config.LayoutSplit {
		return nil, fmt.Errorf("%w: split cache built with layout %q", config.ErrInvalidConfig, cfg.Layout)
	}
	bb := int64(cfg.BatchBeams())
	shape := device.Shape{bb, int64(cfg.Heads), int64(cfg.SeqLen), int64(cfg.HeadDim)}
	empty := shape.Clone()
	empty[2] = 0

	b, err := newBase(ctx, cfg, empty)
	if err != nil {
		return nil, err
	}
	c := &SplitCache{
		base:         b,
		self:         newBank(ctx, b.dtype, shape, 2, 1, 2*cfg.Layers),
		reorderCross: cfg.ReorderCross,
	}
	if cfg.HasCross() {
		if c.crossInputNames, err = expandNames(cfg.PastCrossNames, cfg.Layers); err == nil {
			c.crossOutputNames, err = expandNames(cfg.PresentCrossNames, cfg.Layers)
		}
		if err != nil {
			c.releaseEmpty()
			return nil, err
		}
	}
	if err := c.self.seed(); err != nil {
		c.releaseEmpty()
		return nil, err
	}
	if err := c.seedCross(device.Shape{bb, int64(cfg.Heads), int64(cfg.CrossSeqLen), int64(cfg.HeadDim)}); err != nil {
		c.self.release()
		c.releaseEmpty()
		return nil, err
	}

	metrics.RecordSessionOpened()
	c.log.Info("split cache ready", "layers", cfg.Layers, "beams", c.beams, "dtype", c.dtype.String(),
		"shape", shape.String(), "cross", len(c.cross), "device", ctx.Kind().String())
	return c, nil
}

func (c *SplitCache) seedCross(shape device.Shape) error {
	c.cross = make([]slot, len(c.crossInputNames))
	for i := range c.cross {
		b, err := c.ctx.Alloc(shape, c.dtype)
		if err != nil {
			c.releaseCross()
			return fmt.Errorf("allocate cross %d: %w", i, err)
		}
		c.cross[i].put(b)
	}
	return nil
}

// Update advances the self-attention cache exactly like FusedCache.Update,
// per key and value buffer. Cross buffers keep their length; they are
// reordered with the same mapping only when ReorderCross is configured.
func (c *SplitCache) Update(beamIndices []int32, currentLength int) error {
	start := time.Now()
	if err := c.begin(beamIndices, currentLength); err != nil {
		return err
	}
	u := newUpdate(c.ctx)
	next, err := c.self.stage(u, beamIndices, currentLength)

	var cross []*device.Buffer
	if err == nil && c.reorderCross && len(beamIndices) > 0 {
		cross, err = c.stageCross(u, beamIndices)
	}
	if err == nil {
		err = u.run()
	}
	if err != nil {
		u.abort()
		return c.fail(err)
	}

	c.self.commit(next)
	for i, b := range cross {
		c.ctx.Release(c.cross[i].take())
		c.cross[i].put(b)
	}
	c.finish(beamIndices, currentLength, start, c.self.past(0))
	return nil
}

func (c *SplitCache) stageCross(u *update, mapping []int32) ([]*device.Buffer, error) {
	out := make([]*device.Buffer, len(c.cross))
	for i := range c.cross {
		b, err := u.reorder(c.cross[i].buf, mapping, 1)
		if err != nil {
			return nil, fmt.Errorf("allocate cross %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

func (c *SplitCache) Past(i int) *device.Buffer {
	if b := c.self.past(i); b != nil {
		return b
	}
	return c.empty
}

func (c *SplitCache) Present(i int) *device.Buffer { return c.self.present(i) }

// Cross returns cross-attention buffer i (layer*2 keys, layer*2+1 values).
func (c *SplitCache) Cross(i int) *device.Buffer { return c.cross[i].buf }

func (c *SplitCache) CrossInputNames() []string {
	return append([]string(nil), c.crossInputNames...)
}

func (c *SplitCache) CrossOutputNames() []string {
	return append([]string(nil), c.crossOutputNames...)
}

func (c *SplitCache) SeqLen() int { return c.self.seqLen() }

// Bindings returns the decoder pass bindings: self-attention pasts and the
// cross buffers as inputs, self-attention presents as outputs.
func (c *SplitCache) Bindings() (inputs, outputs []Binding) {
	inputs = append(bindings(c.inputNames, c.Past), bindings(c.crossInputNames, c.Cross)...)
	return inputs, bindings(c.outputNames, c.Present)
}

// EncoderBindings returns the outputs the encoder pass writes the cross
// buffers through.
func (c *SplitCache) EncoderBindings() []Binding {
	return bindings(c.crossOutputNames, c.Cross)
}

func (c *SplitCache) releaseCross() {
	for i := range c.cross {
		c.ctx.Release(c.cross[i].take())
	}
}

func (c *SplitCache) Close() {
	if c.state == StateReleased {
		return
	}
	c.self.release()
	c.releaseCross()
	c.releaseEmpty()
	metrics.RecordSessionClosed()
	c.log.Debug("split cache released", "steps", c.steps)
}
