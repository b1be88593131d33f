package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvVar describes one BEAMKV_* override.
type EnvVar struct {
	Name        string
	Description string
	apply       func(c *Config, v string) error
}

var envVars = []EnvVar{
	{"BEAMKV_LAYOUT", "Cache layout (fused, split)", func(c *Config, v string) error {
		c.Layout = Layout(strings.ToLower(v))
		return nil
	}},
	{"BEAMKV_SCORE_TYPE", "Cache element type (float32, float16)", func(c *Config, v string) error {
		c.ScoreType = ScoreType(strings.ToLower(v))
		return nil
	}},
	{"BEAMKV_DEVICE", "Device kind (cpu, stream, cuda)", func(c *Config, v string) error {
		c.Device = v
		return nil
	}},
	{"BEAMKV_MEMORY_LIMIT", "Allocator budget in bytes (0 = unlimited)", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.DeviceMemoryLimit = n
		return nil
	}},
	{"BEAMKV_MMAP", "Back host buffers with anonymous mmap", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.UseMmap = b
		return nil
	}},
	{"BEAMKV_REORDER_CROSS", "Apply beam reorder to cross-attention buffers", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.ReorderCross = b
		return nil
	}},
	{"BEAMKV_DEBUG_CHECKSUMS", "Log xxhash checksums of layer 0 on every update", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.DebugChecksums = b
		return nil
	}},
	{"BEAMKV_LOG_LEVEL", "Log level (debug, info, warn, error)", func(c *Config, v string) error {
		c.LogLevel = v
		return nil
	}},
	{"BEAMKV_LOG_FORMAT", "Log format (console, json)", func(c *Config, v string) error {
		c.LogFormat = v
		return nil
	}},
}

// EnvVars lists the recognised environment overrides.
func EnvVars() []EnvVar {
	return envVars
}

// ApplyEnv overrides fields of c from the process environment.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.Name)
		if !ok {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), "\"'")
		if v == "" {
			continue
		}
		if err := ev.apply(c, v); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, ev.Name, v, err)
		}
	}
	return nil
}
