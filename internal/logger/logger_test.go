package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	Log.With("kvcache").Info("update",
		"step", 3,
		"mode", "reorder",
		"err", errors.New("boom"),
		"orphan_key",
	)

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if rec["component"] != "kvcache" {
		t.Errorf("expected component kvcache, got %v", rec["component"])
	}
	if rec["mode"] != "reorder" {
		t.Errorf("expected mode reorder, got %v", rec["mode"])
	}
	if rec["step"] != float64(3) {
		t.Errorf("expected step 3, got %v", rec["step"])
	}
	if rec["err"] != "boom" {
		t.Errorf("expected err boom, got %v", rec["err"])
	}
	if _, ok := rec["orphan_key"]; ok {
		t.Error("orphan key without value should be dropped")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "error", "json")
	defer Setup("info", "console")

	Log.Debug("filtered")
	Log.Info("filtered")
	Log.Warn("filtered")
	Log.Error("kept")

	out := strings.TrimSpace(buf.String())
	if strings.Count(out, "\n") != 0 || !strings.Contains(out, "kept") {
		t.Errorf("expected only the error line, got %q", out)
	}
	if Log.Enabled(zerolog.DebugLevel) {
		t.Error("debug should be disabled at error level")
	}
}

func TestNonStringKey(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.Info("test non-string key", 123, "value", "nil_value", nil)
	if !strings.Contains(buf.String(), `"123":"value"`) {
		t.Errorf("expected stringified key, got %q", buf.String())
	}
}
