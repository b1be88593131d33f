package main

import (
	"fmt"
	"io"

	"github.com/23skdu/longbow-beamkv/internal/binder"
	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/engine"
)

// decoder bundles a session with the device context and forward pass it owns.
type decoder struct {
	ctx     *device.Context
	session *engine.Session
	pass    engine.Pass
}

// openDecoder creates a device context, a forward pass and a session over
// a fresh cache. The prompt is all zeros.
func (a *app) openDecoder(seed int64) (*decoder, error) {
	kind, err := device.ParseKind(a.cfg.DeviceKind())
	if err != nil {
		return nil, err
	}
	ctx, err := device.NewContext(kind, device.Options{
		MemoryLimit: a.cfg.DeviceMemoryLimit,
		UseMmap:     a.cfg.UseMmap,
		StreamDepth: a.cfg.StreamDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s device: %w", kind, err)
	}

	pass, err := a.newPass(ctx, seed)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	s, err := engine.NewSession(ctx, a.cfg, pass, engine.SearchOptions{
		VocabSize: a.flags.vocab,
		Prompt:    make([]int32, a.cfg.SeqLen),
	})
	if err != nil {
		closePass(pass)
		ctx.Close()
		return nil, err
	}
	return &decoder{ctx: ctx, session: s, pass: pass}, nil
}

func (a *app) newPass(ctx *device.Context, seed int64) (engine.Pass, error) {
	if a.flags.model == "" {
		return engine.NewSyntheticPass(ctx, a.flags.vocab, seed), nil
	}
	if err := binder.InitRuntime(a.flags.ortLib); err != nil {
		return nil, fmt.Errorf("onnxruntime: %w", err)
	}
	opts := binder.DefaultOptions(a.flags.model)
	opts.VocabSize = a.flags.vocab
	opts.Threads = a.flags.threads
	return binder.NewRunner(ctx, opts)
}

func closePass(p engine.Pass) {
	if c, ok := p.(io.Closer); ok {
		c.Close()
	}
}

func (d *decoder) Close() {
	d.session.Close()
	closePass(d.pass)
	d.ctx.Close()
}
