// Package engine drives a beam search decode loop over a kvcache.Cache:
// forward pass, beam selection, cache update.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-beamkv/internal/config"
	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/kvcache"
	"github.com/23skdu/longbow-beamkv/internal/logger"
	"github.com/23skdu/longbow-beamkv/internal/metrics"
)

type SearchOptions struct {
	VocabSize int
	// Prompt is fed to every beam on the first step. Its length must match
	// the cache's initial sequence length.
	Prompt []int32
}

// Session owns one cache and runs decode steps against it.
type Session struct {
	ctx      *device.Context
	cache    kvcache.Cache
	pass     Pass
	selector *BeamSelector

	histories [][]int32
	pending   [][]int32
	length    int
	steps     int
	log       *logger.Logger
}

func NewSession(ctx *device.Context, cfg config.Config, pass Pass, opts SearchOptions) (*Session, error) {
	if opts.VocabSize <= 0 {
		return nil, fmt.Errorf("%w: invalid vocab_size: %d (must be positive)", config.ErrInvalidConfig, opts.VocabSize)
	}
	if len(opts.Prompt) != cfg.SeqLen {
		return nil, fmt.Errorf("%w: prompt has %d tokens, cache starts at %d", config.ErrInvalidConfig, len(opts.Prompt), cfg.SeqLen)
	}
	cache, err := kvcache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	bb := cfg.BatchBeams()
	s := &Session{
		ctx:       ctx,
		cache:     cache,
		pass:      pass,
		selector:  NewBeamSelector(cfg.BatchSize, cfg.NumBeams, opts.VocabSize),
		histories: make([][]int32, bb),
		pending:   make([][]int32, bb),
		length:    cfg.SeqLen,
		log:       logger.Log.With("engine"),
	}
	for j := range s.pending {
		s.histories[j] = append([]int32(nil), opts.Prompt...)
		s.pending[j] = append([]int32(nil), opts.Prompt...)
	}
	return s, nil
}

// Step runs one forward pass, selects beams and updates the cache. An
// identity selection advances the cache without copying.
func (s *Session) Step() error {
	start := time.Now()
	logits, err := s.pass.Forward(s.cache, s.pending)
	if err != nil {
		return fmt.Errorf("forward pass at step %d: %w", s.steps, err)
	}
	audit := AuditLogits(logits)
	if err := audit.Err(); err != nil {
		return fmt.Errorf("forward pass at step %d: %w", s.steps, err)
	}
	if audit.IsFlat {
		s.log.Warn("flat logits", "step", s.steps, "mean", audit.Mean)
	}
	sel, err := s.selector.Select(logits)
	if err != nil {
		return err
	}

	mapping := sel.Mapping
	if sel.Identity() {
		mapping = nil
	}
	if err := s.cache.Update(mapping, s.length+1); err != nil {
		return fmt.Errorf("cache update at step %d: %w", s.steps, err)
	}

	next := make([][]int32, len(s.histories))
	for j, m := range sel.Mapping {
		h := make([]int32, 0, len(s.histories[m])+1)
		next[j] = append(append(h, s.histories[m]...), sel.Tokens[j])
		s.pending[j] = []int32{sel.Tokens[j]}
	}
	s.histories = next
	s.length++
	s.steps++
	metrics.RecordStep(time.Since(start))
	return nil
}

// Run performs steps until n have completed or ctx is done.
func (s *Session) Run(ctx context.Context, n int, onStep func(step int)) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Step(); err != nil {
			return err
		}
		if onStep != nil {
			onStep(s.steps)
		}
	}
	s.log.Debug("session finished", "steps", s.steps, "length", s.length)
	return nil
}

func (s *Session) Cache() kvcache.Cache     { return s.cache }
func (s *Session) Device() *device.Context { return s.ctx }

// Histories returns the token sequence of every beam, prompt included.
func (s *Session) Histories() [][]int32 {
	out := make([][]int32, len(s.histories))
	for j, h := range s.histories {
		out[j] = append([]int32(nil), h...)
	}
	return out
}

func (s *Session) Scores() []float64 { return s.selector.Scores() }
func (s *Session) Steps() int        { return s.steps }

// Close releases the cache.
func (s *Session) Close() {
	s.cache.Close()
}
