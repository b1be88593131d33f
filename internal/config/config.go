package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

type Layout string

const (
	LayoutFused Layout = "fused"
	LayoutSplit Layout = "split"
)

type ScoreType string

const (
	ScoreFloat32 ScoreType = "float32"
	ScoreFloat16 ScoreType = "float16"
)

// DefaultCrossSeqLen is the encoder output length used by whisper-style
// encoder-decoder graphs.
const DefaultCrossSeqLen = 1500

type Config struct {
	Layout    Layout
	Layers    int
	BatchSize int
	NumBeams  int
	Heads     int
	HeadDim   int
	SeqLen    int

	CrossSeqLen int

	ScoreType ScoreType
	Device    string

	// DeviceMemoryLimit caps the bytes the allocator may hand out; 0 means unlimited.
	DeviceMemoryLimit int64
	UseMmap           bool
	StreamDepth       int

	PastNames         []string
	PresentNames      []string
	PastCrossNames    []string
	PresentCrossNames []string

	ReorderCross bool

	DebugChecksums bool
	LogLevel       string
	LogFormat      string
}

func (c *Config) Validate() error {
	switch c.Layout {
	case LayoutFused, LayoutSplit:
	default:
		return fmt.Errorf("%w: invalid layout: %q (must be fused or split)", ErrInvalidConfig, c.Layout)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("%w: invalid layers: %d (must be positive)", ErrInvalidConfig, c.Layers)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: invalid batch_size: %d (must be positive)", ErrInvalidConfig, c.BatchSize)
	}
	if c.NumBeams <= 0 {
		return fmt.Errorf("%w: invalid num_beams: %d (must be positive)", ErrInvalidConfig, c.NumBeams)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("%w: invalid heads: %d (must be positive)", ErrInvalidConfig, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("%w: invalid head_dim: %d (must be positive)", ErrInvalidConfig, c.HeadDim)
	}
	if c.SeqLen < 0 {
		return fmt.Errorf("%w: invalid seq_len: %d (must be non-negative)", ErrInvalidConfig, c.SeqLen)
	}
	switch c.ScoreType {
	case ScoreFloat32, ScoreFloat16:
	default:
		return fmt.Errorf("%w: invalid score_type: %q (must be float32 or float16)", ErrInvalidConfig, c.ScoreType)
	}
	if c.DeviceMemoryLimit < 0 {
		return fmt.Errorf("%w: invalid device_memory_limit: %d (must be non-negative)", ErrInvalidConfig, c.DeviceMemoryLimit)
	}
	if c.StreamDepth < 0 {
		return fmt.Errorf("%w: invalid stream_depth: %d (must be non-negative)", ErrInvalidConfig, c.StreamDepth)
	}

	if c.Layout == LayoutSplit {
		if err := c.validateSplit(); err != nil {
			return err
		}
	} else if err := c.validateFused(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateFused() error {
	if len(c.PastNames) != 1 || len(c.PresentNames) != 1 {
		return fmt.Errorf("%w: fused layout takes one past and one present template, got %d/%d",
			ErrInvalidConfig, len(c.PastNames), len(c.PresentNames))
	}
	if c.HasCross() {
		return fmt.Errorf("%w: fused layout has no cross-attention cache", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) validateSplit() error {
	if len(c.PastNames) != 2 || len(c.PresentNames) != 2 {
		return fmt.Errorf("%w: split layout takes key and value templates, got %d past / %d present",
			ErrInvalidConfig, len(c.PastNames), len(c.PresentNames))
	}
	if len(c.PastCrossNames) != len(c.PresentCrossNames) {
		return fmt.Errorf("%w: cross template count mismatch: %d past / %d present",
			ErrInvalidConfig, len(c.PastCrossNames), len(c.PresentCrossNames))
	}
	if c.HasCross() {
		if len(c.PastCrossNames) != 2 {
			return fmt.Errorf("%w: cross cache takes key and value templates, got %d",
				ErrInvalidConfig, len(c.PastCrossNames))
		}
		if c.CrossSeqLen <= 0 {
			return fmt.Errorf("%w: invalid cross_seq_len: %d (must be positive)", ErrInvalidConfig, c.CrossSeqLen)
		}
	}
	return nil
}

// BatchBeams is the size of the beam dimension of every cache tensor.
func (c *Config) BatchBeams() int {
	return c.BatchSize * c.NumBeams
}

func (c *Config) HasCross() bool {
	return len(c.PastCrossNames) > 0 || len(c.PresentCrossNames) > 0
}

func (c *Config) DeviceKind() string {
	return strings.ToLower(c.Device)
}

// Default returns a single-sequence fused float32 cache on the host.
func Default() Config {
	return Config{
		Layout:       LayoutFused,
		BatchSize:    1,
		NumBeams:     1,
		ScoreType:    ScoreFloat32,
		Device:       "cpu",
		CrossSeqLen:  DefaultCrossSeqLen,
		PastNames:    []string{"past_%d"},
		PresentNames: []string{"present_%d"},
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// DefaultSplit returns the split layout with self-attention templates and no cross cache.
func DefaultSplit() Config {
	c := Default()
	c.Layout = LayoutSplit
	c.PastNames = []string{"past_key_self_%d", "past_value_self_%d"}
	c.PresentNames = []string{"present_key_self_%d", "present_value_self_%d"}
	return c
}

// DefaultEncoderDecoder returns the split layout with whisper-style cross templates.
func DefaultEncoderDecoder() Config {
	c := DefaultSplit()
	c.PastCrossNames = []string{"past_key_cross_%d", "past_value_cross_%d"}
	c.PresentCrossNames = []string{"present_key_cross_%d", "present_value_cross_%d"}
	return c
}
