package kvcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-beamkv/internal/config"
	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/logger"
)

func TestMain(m *testing.M) {
	logger.SetupWriter(io.Discard, "debug", "json")
	os.Exit(m.Run())
}

func newCtx(t *testing.T, kind device.Kind, limit int64) *device.Context {
	t.Helper()
	ctx, err := device.NewContext(kind, device.Options{MemoryLimit: limit})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func fusedConfig(layers, beams, heads, hidden, seq int) config.Config {
	cfg := config.Default()
	cfg.Layers = layers
	cfg.NumBeams = beams
	cfg.Heads = heads
	cfg.HeadDim = hidden
	cfg.SeqLen = seq
	return cfg
}

func splitConfig(layers, beams, heads, hidden, seq int) config.Config {
	cfg := config.DefaultSplit()
	cfg.Layers = layers
	cfg.NumBeams = beams
	cfg.Heads = heads
	cfg.HeadDim = hidden
	cfg.SeqLen = seq
	return cfg
}

// fillSeq writes element index + offset into every element of a host buffer.
func fillSeq(b *device.Buffer, offset float32) {
	for i := 0; i < b.NumElements(); i++ {
		b.SetFloat32(i, float32(i)+offset)
	}
}

func values(t *testing.T, ctx *device.Context, b *device.Buffer) []float32 {
	t.Helper()
	if err := ctx.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	out := make([]float32, b.NumElements())
	for i := range out {
		out[i] = b.Float32At(i)
	}
	return out
}

// reordered computes the expected contents of a past buffer picked from
// src with mapping.
func reordered(src []float32, mapping []int32, halves int) []float32 {
	beams := len(mapping)
	block := len(src) / (halves * beams)
	out := make([]float32, len(src))
	for h := 0; h < halves; h++ {
		base := h * beams * block
		for j, m := range mapping {
			copy(out[base+j*block:base+(j+1)*block], src[base+int(m)*block:base+(int(m)+1)*block])
		}
	}
	return out
}

func TestFusedReorderOffsets(t *testing.T) {
	for _, score := range []config.ScoreType{config.ScoreFloat32, config.ScoreFloat16} {
		t.Run(string(score), func(t *testing.T) {
			ctx := newCtx(t, device.KindCPU, 0)
			cfg := fusedConfig(1, 2, 1, 2, 3)
			cfg.ScoreType = score
			c, err := NewFused(ctx, cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			present := c.Present(0)
			fillSeq(present, 0)
			src := values(t, ctx, present)

			if err := c.Update([]int32{1, 0}, 4); err != nil {
				t.Fatal(err)
			}
			// Block is heads*seq*hidden = 6 elements; the value half starts at 12.
			want := []float32{
				6, 7, 8, 9, 10, 11, 0, 1, 2, 3, 4, 5,
				18, 19, 20, 21, 22, 23, 12, 13, 14, 15, 16, 17,
			}
			if diff := cmp.Diff(want, values(t, ctx, c.Past(0))); diff != "" {
				t.Errorf("past mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(reordered(src, []int32{1, 0}, 2), want); diff != "" {
				t.Errorf("helper disagrees (-want +got):\n%s", diff)
			}
			if !present.Released() {
				t.Error("reordered-from present should be released")
			}
			if got := c.Present(0).Shape(); !got.Equal(device.Shape{2, 2, 1, 4, 2}) {
				t.Errorf("present shape %v", got)
			}
		})
	}
}

func TestFusedDuplicateMapping(t *testing.T) {
	ctx := newCtx(t, device.KindCPU, 0)
	c, err := NewFused(ctx, fusedConfig(2, 3, 2, 2, 2))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	mapping := []int32{2, 2, 0}
	var want [][]float32
	for i := 0; i < 2; i++ {
		fillSeq(c.Present(i), float32(100*i))
		want = append(want, reordered(values(t, ctx, c.Present(i)), mapping, 2))
	}
	if err := c.Update(mapping, 3); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if diff := cmp.Diff(want[i], values(t, ctx, c.Past(i))); diff != "" {
			t.Errorf("layer %d (-want +got):\n%s", i, diff)
		}
	}
	if c.State() != StateReordered {
		t.Errorf("state %v", c.State())
	}
}

func TestFusedAdvanceTransfersOwnership(t *testing.T) {
	ctx := newCtx(t, device.KindCPU, 0)
	c, err := NewFused(ctx, fusedConfig(2, 2, 1, 2, 5))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.Past(0).Dim(3) != 0 || c.Past(0) != c.Past(1) {
		t.Fatal("every past should start as the shared empty placeholder")
	}

	for _, length := range []int{6, 7} {
		before := []*device.Buffer{c.Present(0), c.Present(1)}
		allocated := ctx.Allocated()
		if err := c.Update(nil, length); err != nil {
			t.Fatal(err)
		}
		for i, p := range before {
			if c.Past(i) != p {
				t.Errorf("length %d: past %d is not the previous present", length, i)
			}
			if p.Released() {
				t.Errorf("length %d: moved present %d was released", length, i)
			}
			if got := c.Present(i).Dim(3); got != int64(length) {
				t.Errorf("present %d length %d, want %d", i, got, length)
			}
		}
		if c.State() != StateAdvanced || c.SeqLen() != length {
			t.Errorf("state %v seq %d", c.State(), c.SeqLen())
		}
		if ctx.Allocated() <= allocated {
			t.Errorf("allocated should grow with the sequence: %d -> %d", allocated, ctx.Allocated())
		}
	}
	if c.Steps() != 2 {
		t.Errorf("steps %d", c.Steps())
	}
}

func TestUpdateRejectsBadMapping(t *testing.T) {
	tests := []struct {
		name    string
		mapping []int32
		length  int
	}{
		{"short", []int32{0}, 3},
		{"long", []int32{0, 1, 1}, 3},
		{"negative index", []int32{0, -1}, 3},
		{"index out of range", []int32{0, 2}, 3},
		{"negative length", nil, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newCtx(t, device.KindCPU, 0)
			c, err := NewFused(ctx, fusedConfig(1, 2, 1, 2, 2))
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			fillSeq(c.Present(0), 0)
			present := c.Present(0)
			allocated := ctx.Allocated()

			if err := c.Update(tt.mapping, tt.length); !errors.Is(err, ErrBeamMapping) {
				t.Fatalf("expected ErrBeamMapping, got %v", err)
			}
			if c.Present(0) != present || present.Released() || c.State() != StateSeeded {
				t.Error("a rejected update must leave the cache unchanged")
			}
			if ctx.Allocated() != allocated {
				t.Errorf("allocated %d -> %d", allocated, ctx.Allocated())
			}
		})
	}
}

func TestUpdateOutOfMemoryLeavesStateUnchanged(t *testing.T) {
	ctx := newCtx(t, device.KindCPU, 0)
	cfg := fusedConfig(3, 2, 1, 2, 2)
	probe, err := NewFused(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	footprint := ctx.Allocated()
	probe.Close()

	// Room for the seeded cache plus two of the three reordered pasts.
	perLayer := int64(2 * 2 * 1 * 2 * 2 * 4)
	limited := newCtx(t, device.KindCPU, footprint+2*perLayer)
	c, err := NewFused(limited, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	for i := 0; i < 3; i++ {
		fillSeq(c.Present(i), float32(i))
	}
	presents := []*device.Buffer{c.Present(0), c.Present(1), c.Present(2)}
	want := values(t, limited, presents[2])

	err = c.Update([]int32{1, 0}, 3)
	if !errors.Is(err, device.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	for i, p := range presents {
		if c.Present(i) != p || p.Released() {
			t.Errorf("present %d replaced or released", i)
		}
		if c.Past(i).Dim(3) != 0 {
			t.Errorf("past %d should still be the placeholder", i)
		}
	}
	if diff := cmp.Diff(want, values(t, limited, presents[2])); diff != "" {
		t.Errorf("present contents changed (-want +got):\n%s", diff)
	}
	if limited.Allocated() != footprint {
		t.Errorf("staged buffers leaked: %d, want %d", limited.Allocated(), footprint)
	}
	if c.State() != StateSeeded || c.Steps() != 0 {
		t.Errorf("state %v steps %d", c.State(), c.Steps())
	}

	// Advancing needs no past copies, and shorter presents fit the budget.
	if err := c.Update(nil, 1); err != nil {
		t.Fatalf("advance after failed reorder: %v", err)
	}
}

func TestSplitNames(t *testing.T) {
	ctx := newCtx(t, device.KindCPU, 0)
	cfg := config.DefaultEncoderDecoder()
	cfg.Layers, cfg.NumBeams, cfg.Heads, cfg.HeadDim, cfg.CrossSeqLen = 2, 1, 1, 1, 4
	c, err := NewSplit(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	checks := []struct {
		got, want []string
	}{
		{c.InputNames(), []string{"past_key_self_0", "past_value_self_0", "past_key_self_1", "past_value_self_1"}},
		{c.OutputNames(), []string{"present_key_self_0", "present_value_self_0", "present_key_self_1", "present_value_self_1"}},
		{c.CrossInputNames(), []string{"past_key_cross_0", "past_value_cross_0", "past_key_cross_1", "past_value_cross_1"}},
		{c.CrossOutputNames(), []string{"present_key_cross_0", "present_value_cross_0", "present_key_cross_1", "present_value_cross_1"}},
	}
	for _, ch := range checks {
		if diff := cmp.Diff(ch.want, ch.got); diff != "" {
			t.Errorf("names (-want +got):\n%s", diff)
		}
	}

	in, out := c.Bindings()
	if len(in) != 8 || len(out) != 4 {
		t.Fatalf("bindings %d in / %d out", len(in), len(out))
	}
	if in[5].Name != "past_value_cross_0" || in[5].Buffer != c.Cross(1) {
		t.Errorf("cross binding %q -> %v", in[5].Name, in[5].Buffer)
	}
	enc := c.EncoderBindings()
	if enc[3].Name != "present_value_cross_1" || enc[3].Buffer != c.Cross(3) {
		t.Errorf("encoder binding %q", enc[3].Name)
	}
	if got := c.Cross(0).Shape(); !got.Equal(device.Shape{1, 1, 4, 1}) {
		t.Errorf("cross shape %v", got)
	}
}

func TestLongNamesAreNotTruncated(t *testing.T) {
	ctx := newCtx(t, device.KindCPU, 0)
	cfg := fusedConfig(12, 1, 1, 1, 1)
	cfg.PastNames = []string{"model.decoder.layers.attention.cache.past_key_values_with_a_long_suffix.%d"}
	c, err := NewFused(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	want := "model.decoder.layers.attention.cache.past_key_values_with_a_long_suffix.11"
	if got := c.InputNames()[11]; got != want {
		t.Errorf("got %q", got)
	}
}

func TestCrossInvariance(t *testing.T) {
	for _, reorder := range []bool{false, true} {
		ctx := newCtx(t, device.KindCPU, 0)
		cfg := config.DefaultEncoderDecoder()
		cfg.Layers, cfg.NumBeams, cfg.Heads, cfg.HeadDim, cfg.SeqLen, cfg.CrossSeqLen = 1, 2, 1, 2, 1, 3
		cfg.ReorderCross = reorder
		c, err := NewSplit(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		fillSeq(c.Cross(0), 0)
		before := c.Cross(0)
		src := values(t, ctx, before)

		if err := c.Update([]int32{1, 1}, 2); err != nil {
			t.Fatal(err)
		}
		if err := c.Update(nil, 3); err != nil {
			t.Fatal(err)
		}

		got := values(t, ctx, c.Cross(0))
		if !reorder {
			if c.Cross(0) != before {
				t.Error("cross buffer replaced without ReorderCross")
			}
			if diff := cmp.Diff(src, got); diff != "" {
				t.Errorf("cross changed (-want +got):\n%s", diff)
			}
		} else {
			if !before.Released() {
				t.Error("reordered cross source should be released")
			}
			if diff := cmp.Diff(reordered(src, []int32{1, 1}, 1), got); diff != "" {
				t.Errorf("cross reorder (-want +got):\n%s", diff)
			}
			if c.Cross(0).Dim(2) != 3 {
				t.Errorf("cross length must stay fixed, got %d", c.Cross(0).Dim(2))
			}
		}
		c.Close()
	}
}

// Two layers, two beams, two heads of width four. The cache starts at
// length 3, the seed pass hands the presents over with Update([], 3), then
// the beams swap with Update([1,0], 4).
func TestDecodeScenario(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.Config
		kind   device.Kind
		halves int
		past   device.Shape
		next   device.Shape
	}{
		{"fused cpu", fusedConfig(2, 2, 2, 4, 3), device.KindCPU, 2, device.Shape{2, 2, 2, 3, 4}, device.Shape{2, 2, 2, 4, 4}},
		{"fused stream", fusedConfig(2, 2, 2, 4, 3), device.KindStream, 2, device.Shape{2, 2, 2, 3, 4}, device.Shape{2, 2, 2, 4, 4}},
		{"split cpu", splitConfig(2, 2, 2, 4, 3), device.KindCPU, 1, device.Shape{2, 2, 3, 4}, device.Shape{2, 2, 4, 4}},
		{"split stream", splitConfig(2, 2, 2, 4, 3), device.KindStream, 1, device.Shape{2, 2, 3, 4}, device.Shape{2, 2, 4, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newCtx(t, tt.kind, 0)
			c, err := New(ctx, tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			slots := len(c.InputNames())

			// forward writes every present buffer through the queue
			forward := func(step int) [][]float32 {
				written := make([][]float32, slots)
				for i := 0; i < slots; i++ {
					vals := make([]float32, c.Present(i).NumElements())
					for k := range vals {
						vals[k] = float32(step*10000 + i*1000 + k)
					}
					if err := ctx.Upload(c.Present(i), device.DTypeF32.Encode(vals)); err != nil {
						t.Fatal(err)
					}
					written[i] = vals
				}
				return written
			}

			seeded := forward(1)
			seedPresents := make([]*device.Buffer, slots)
			for i := range seedPresents {
				seedPresents[i] = c.Present(i)
			}
			if err := c.Update(nil, 3); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < slots; i++ {
				if c.Past(i) != seedPresents[i] {
					t.Fatalf("slot %d: seed pass must hand the present over", i)
				}
				if !c.Past(i).Shape().Equal(tt.past) || !c.Present(i).Shape().Equal(tt.past) {
					t.Fatalf("slot %d: past %v present %v", i, c.Past(i).Shape(), c.Present(i).Shape())
				}
				if diff := cmp.Diff(seeded[i], values(t, ctx, c.Past(i))); diff != "" {
					t.Errorf("slot %d seeded past (-want +got):\n%s", i, diff)
				}
			}

			step2 := forward(2)
			if err := c.Update([]int32{1, 0}, 4); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < slots; i++ {
				if diff := cmp.Diff(reordered(step2[i], []int32{1, 0}, tt.halves), values(t, ctx, c.Past(i))); diff != "" {
					t.Errorf("slot %d swapped past (-want +got):\n%s", i, diff)
				}
				if !c.Present(i).Shape().Equal(tt.next) {
					t.Errorf("slot %d present %v, want %v", i, c.Present(i).Shape(), tt.next)
				}
			}
			if c.State() != StateReordered {
				t.Errorf("state %v", c.State())
			}
		})
	}
}

func TestIdentityMappingStillCopies(t *testing.T) {
	ctx := newCtx(t, device.KindCPU, 0)
	c, err := NewSplit(ctx, splitConfig(1, 2, 1, 2, 1))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	prev := c.Present(1)
	if err := c.Update([]int32{0, 1}, 2); err != nil {
		t.Fatal(err)
	}
	if !prev.Released() || c.Past(1) == prev || c.Past(1).Dim(2) != 1 {
		t.Error("a non-empty identity mapping must copy into a fresh past")
	}
}

func TestDebugChecksumLogged(t *testing.T) {
	var buf bytes.Buffer
	logger.SetupWriter(&buf, "debug", "json")
	defer logger.SetupWriter(io.Discard, "debug", "json")

	ctx := newCtx(t, device.KindStream, 0)
	cfg := fusedConfig(1, 2, 1, 2, 2)
	cfg.DebugChecksums = true
	c, err := NewFused(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	data := device.DTypeF32.Encode([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	if err := ctx.Upload(c.Present(0), data); err != nil {
		t.Fatal(err)
	}
	if err := c.Update(nil, 3); err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("%016x", xxhash.Sum64(data))
	if !strings.Contains(buf.String(), want) {
		t.Errorf("debug log lacks past checksum %s:\n%s", want, buf.String())
	}
}

func TestStreamDeviceReorder(t *testing.T) {
	ctx := newCtx(t, device.KindStream, 0)
	c, err := New(ctx, fusedConfig(1, 3, 2, 2, 2))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payload := make([]float32, c.Present(0).NumElements())
	for i := range payload {
		payload[i] = float32(i)
	}
	buf := make([]byte, 0, 4*len(payload))
	for _, v := range payload {
		buf = appendFloat32(buf, v)
	}
	if err := ctx.Upload(c.Present(0), buf); err != nil {
		t.Fatal(err)
	}
	mapping := []int32{2, 0, 0}
	if err := c.Update(mapping, 3); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(reordered(payload, mapping, 2), values(t, ctx, c.Past(0))); diff != "" {
		t.Errorf("stream reorder (-want +got):\n%s", diff)
	}
}

func appendFloat32(b []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
}

func TestCloseReleasesEverything(t *testing.T) {
	ctx := newCtx(t, device.KindStream, 0)
	cfg := config.DefaultEncoderDecoder()
	cfg.Layers, cfg.NumBeams, cfg.Heads, cfg.HeadDim, cfg.SeqLen, cfg.CrossSeqLen = 2, 2, 1, 2, 1, 5
	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Update([]int32{1, 0}, 2); err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()
	if err := ctx.Synchronize(); err != nil {
		t.Fatal(err)
	}
	if ctx.Allocated() != 0 {
		t.Errorf("allocated %d after Close", ctx.Allocated())
	}
	if c.State() != StateReleased {
		t.Errorf("state %v", c.State())
	}
	if err := c.Update(nil, 3); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	ctx := newCtx(t, device.KindCPU, 0)
	bad := fusedConfig(1, 1, 1, 1, 1)
	bad.PastNames = []string{"past"}
	if _, err := New(ctx, bad); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("template without verb: %v", err)
	}
	bad.PastNames = []string{"past_%s"}
	if _, err := New(ctx, bad); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("template with string verb: %v", err)
	}
	split := splitConfig(1, 1, 1, 1, 1)
	if _, err := NewFused(ctx, split); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("layout mismatch: %v", err)
	}
	if ctx.Allocated() != 0 {
		t.Errorf("failed construction leaked %d bytes", ctx.Allocated())
	}
}

func TestNewOutOfMemory(t *testing.T) {
	ctx := newCtx(t, device.KindCPU, 40)
	if _, err := New(ctx, fusedConfig(2, 1, 1, 1, 4)); !errors.Is(err, device.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if ctx.Allocated() != 0 {
		t.Errorf("partial construction leaked %d bytes", ctx.Allocated())
	}
}
