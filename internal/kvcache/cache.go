// Package kvcache holds the past/present attention buffers of one decoding
// session and moves them forward between decode steps, reordering beams
// when the search loop asks for it.
//
// A cache is driven strictly sequentially: the forward pass reads the past
// buffers and writes the present buffers, then the search loop calls Update
// exactly once with the beam mapping it selected. Update either hands each
// present buffer over to the past slot (empty mapping) or copies it beam by
// beam into a fresh buffer, then allocates new present buffers for the next
// step.
package kvcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/23skdu/longbow-beamkv/internal/config"
	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/logger"
	"github.com/23skdu/longbow-beamkv/internal/metrics"
)

var (
	// ErrBeamMapping reports a beam mapping of the wrong size or with an
	// out-of-range index. Nothing has been copied when it is returned.
	ErrBeamMapping = errors.New("invalid beam mapping")
	ErrReleased    = errors.New("cache released")
)

// Cache is the update protocol shared by the fused and split layouts.
type Cache interface {
	Update(beamIndices []int32, currentLength int) error

	InputNames() []string
	OutputNames() []string
	Past(i int) *device.Buffer
	Present(i int) *device.Buffer
	// Bindings pairs every name bound for the next forward pass with its buffer.
	Bindings() (inputs, outputs []Binding)

	State() State
	Close()
}

type Binding struct {
	Name   string
	Buffer *device.Buffer
}

type State int

const (
	StateUninitialized State = iota
	StateSeeded
	StateAdvanced
	StateReordered
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSeeded:
		return "seeded"
	case StateAdvanced:
		return "advanced"
	case StateReordered:
		return "reordered"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// New builds the cache layout selected by cfg.Layout.
func New(ctx *device.Context, cfg config.Config) (Cache, error) {
	switch cfg.Layout {
	case config.LayoutFused:
		return NewFused(ctx, cfg)
	case config.LayoutSplit:
		return NewSplit(ctx, cfg)
	}
	return nil, fmt.Errorf("%w: invalid layout: %q", config.ErrInvalidConfig, cfg.Layout)
}

func scoreDType(t config.ScoreType) (device.DType, error) {
	dt, err := device.ParseDType(string(t))
	if err != nil {
		return device.DTypeInvalid, fmt.Errorf("%w: invalid score_type: %q", config.ErrInvalidConfig, t)
	}
	return dt, nil
}

// base carries what both layouts share: device, element type, names,
// the empty past placeholder and the state machine.
type base struct {
	layout config.Layout
	ctx    *device.Context
	dtype  device.DType
	beams  int
	debug  bool

	inputNames  []string
	outputNames []string

	// empty stands in for every past buffer before the first Update.
	empty *device.Buffer

	state State
	steps int
	log   *logger.Logger
}

func newBase(ctx *device.Context, cfg config.Config, emptyShape device.Shape) (*base, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: nil device context", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dt, err := scoreDType(cfg.ScoreType)
	if err != nil {
		return nil, err
	}
	in, err := expandNames(cfg.PastNames, cfg.Layers)
	if err != nil {
		return nil, err
	}
	out, err := expandNames(cfg.PresentNames, cfg.Layers)
	if err != nil {
		return nil, err
	}
	empty, err := ctx.Alloc(emptyShape, dt)
	if err != nil {
		return nil, fmt.Errorf("allocate empty past: %w", err)
	}
	return &base{
		layout:      cfg.Layout,
		ctx:         ctx,
		dtype:       dt,
		beams:       cfg.BatchBeams(),
		debug:       cfg.DebugChecksums,
		inputNames:  in,
		outputNames: out,
		empty:       empty,
		state:       StateSeeded,
		log:         logger.Log.With("kvcache"),
	}, nil
}

func (c *base) InputNames() []string  { return append([]string(nil), c.inputNames...) }
func (c *base) OutputNames() []string { return append([]string(nil), c.outputNames...) }
func (c *base) State() State          { return c.state }
func (c *base) DType() device.DType   { return c.dtype }
func (c *base) BatchBeams() int       { return c.beams }

// Steps is the number of successful updates.
func (c *base) Steps() int { return c.steps }

// begin rejects calls that must fail before any allocation or copy.
func (c *base) begin(beamIndices []int32, currentLength int) error {
	if c.state == StateReleased {
		return ErrReleased
	}
	if currentLength < 0 {
		metrics.RecordContractViolation("length")
		return fmt.Errorf("%w: negative sequence length %d", ErrBeamMapping, currentLength)
	}
	return checkMapping(beamIndices, c.beams)
}

func (c *base) finish(beamIndices []int32, currentLength int, start time.Time, probe *device.Buffer) {
	mode := "advance"
	c.state = StateAdvanced
	if len(beamIndices) > 0 {
		mode = "reorder"
		c.state = StateReordered
	}
	c.steps++
	metrics.RecordUpdate(string(c.layout), mode, currentLength, time.Since(start))

	if !c.log.Enabled(zerolog.DebugLevel) {
		return
	}
	args := []interface{}{"layout", c.layout, "step", c.steps, "mode", mode, "length", currentLength}
	if c.debug && probe != nil {
		if sum, err := c.checksum(probe); err == nil {
			args = append(args, "past0_xxh64", fmt.Sprintf("%016x", sum))
		}
	}
	c.log.Debug("cache updated", args...)
}

// checksum hashes b once the queue has drained. Host buffers are hashed
// in place, device buffers are downloaded first.
func (c *base) checksum(b *device.Buffer) (uint64, error) {
	if !b.HostVisible() {
		data, err := c.ctx.Download(b)
		if err != nil {
			return 0, err
		}
		return xxhash.Sum64(data), nil
	}
	if err := c.ctx.Synchronize(); err != nil {
		return 0, err
	}
	return b.Checksum(), nil
}

func (c *base) fail(err error) error {
	if errors.Is(err, device.ErrOutOfMemory) {
		c.log.Error("cache update failed, state unchanged", "layout", c.layout, "step", c.steps+1, "err", err)
	}
	return err
}

func (c *base) releaseEmpty() {
	c.ctx.Release(c.empty)
	c.empty = nil
	c.state = StateReleased
}

func bindings(names []string, buf func(int) *device.Buffer) []Binding {
	out := make([]Binding, len(names))
	for i, n := range names {
		out[i] = Binding{Name: n, Buffer: buf(i)}
	}
	return out
}
