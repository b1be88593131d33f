package binder

import (
	"errors"
	"os"
	"testing"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/23skdu/longbow-beamkv/internal/config"
	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/engine"
	"github.com/23skdu/longbow-beamkv/internal/kvcache"
)

var _ engine.Pass = (*Runner)(nil)

func requireRuntime(t *testing.T) {
	t.Helper()
	lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if lib == "" {
		t.Skip("ONNXRUNTIME_SHARED_LIBRARY_PATH not set")
	}
	if err := InitRuntime(lib); err != nil {
		t.Fatalf("InitRuntime: %v", err)
	}
}

func TestBindReleasedBuffer(t *testing.T) {
	ctx, _ := device.NewContext(device.KindCPU, device.Options{})
	defer ctx.Close()
	b, _ := ctx.Alloc(device.Shape{2, 2}, device.DTypeF32)
	ctx.Release(b)
	if _, err := Bind(b); !errors.Is(err, device.ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
}

func TestBindCacheBuffers(t *testing.T) {
	requireRuntime(t)

	for _, score := range []config.ScoreType{config.ScoreFloat32, config.ScoreFloat16} {
		t.Run(string(score), func(t *testing.T) {
			ctx, _ := device.NewContext(device.KindCPU, device.Options{})
			defer ctx.Close()
			cfg := config.Default()
			cfg.Layers, cfg.NumBeams, cfg.Heads, cfg.HeadDim, cfg.SeqLen = 1, 2, 1, 2, 3
			cfg.ScoreType = score
			c, err := kvcache.New(ctx, cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			inputs, outputs := c.Bindings()
			for _, b := range append(inputs, outputs...) {
				v, err := Bind(b.Buffer)
				if err != nil {
					t.Fatalf("bind %s: %v", b.Name, err)
				}
				got := v.GetShape()
				if len(got) != 5 || got[3] != b.Buffer.Dim(3) {
					t.Errorf("%s: shape %v", b.Name, got)
				}
				v.Destroy()
			}

			present, err := Bind(c.Present(0))
			if err != nil {
				t.Fatal(err)
			}
			defer present.Destroy()
			if score == config.ScoreFloat32 {
				tensor := present.(*ort.Tensor[float32])
				tensor.GetData()[5] = 42
				if c.Present(0).Float32At(5) != 42 {
					t.Error("bound tensor must alias the cache buffer")
				}
			}
		})
	}
}
