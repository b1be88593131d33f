// Package binder runs a decoder graph through ONNX Runtime with the cache
// buffers bound in place as its past inputs and present outputs.
package binder

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/kvcache"
	"github.com/23skdu/longbow-beamkv/internal/logger"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libPath string) error {
	runtimeOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if !ort.IsInitialized() {
			runtimeErr = ort.InitializeEnvironment()
		}
	})
	return runtimeErr
}

// Bind wraps a host-visible cache buffer as an onnxruntime value without
// copying. The value must be destroyed before the buffer is released.
func Bind(b *device.Buffer) (ort.Value, error) {
	data, err := b.HostBytes()
	if err != nil {
		return nil, err
	}
	shape := ort.NewShape(b.Shape()...)
	// onnxruntime needs a backing pointer even for zero-sized tensors.
	switch b.DType() {
	case device.DTypeF32:
		vals := b.Float32s()
		if len(vals) == 0 {
			vals = make([]float32, 1)
		}
		return ort.NewTensor(shape, vals)
	case device.DTypeF16:
		if len(data) == 0 {
			data = make([]byte, 2)
		}
		return ort.NewCustomDataTensor(shape, data, ort.TensorElementDataTypeFloat16)
	}
	return nil, fmt.Errorf("%w: bind %v", device.ErrUnsupported, b.DType())
}

type Options struct {
	ModelPath  string
	InputIDs   string
	LogitsName string
	VocabSize  int
	Threads    int
}

func DefaultOptions(modelPath string) Options {
	return Options{ModelPath: modelPath, InputIDs: "input_ids", LogitsName: "logits"}
}

// Runner is a decoder forward pass backed by an onnxruntime session whose
// inputs are the token ids plus the cache pasts and whose outputs are the
// logits plus the cache presents. The graph is loaded on the first Forward.
type Runner struct {
	ctx     *device.Context
	session *ort.DynamicAdvancedSession
	opts    Options
	log     *logger.Logger
}

func NewRunner(ctx *device.Context, opts Options) (*Runner, error) {
	if opts.VocabSize <= 0 {
		return nil, fmt.Errorf("invalid vocab_size: %d (must be positive)", opts.VocabSize)
	}
	if err := InitRuntime(""); err != nil {
		return nil, fmt.Errorf("onnxruntime init: %w", err)
	}
	return &Runner{ctx: ctx, opts: opts, log: logger.Log.With("binder")}, nil
}

// open loads the graph with the binding names of c.
func (r *Runner) open(c kvcache.Cache) error {
	inputs, outputs := c.Bindings()
	inNames := []string{r.opts.InputIDs}
	for _, b := range inputs {
		inNames = append(inNames, b.Name)
	}
	outNames := []string{r.opts.LogitsName}
	for _, b := range outputs {
		outNames = append(outNames, b.Name)
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("session options: %w", err)
	}
	defer so.Destroy()
	if r.opts.Threads > 0 {
		if err := so.SetIntraOpNumThreads(r.opts.Threads); err != nil {
			return fmt.Errorf("set threads: %w", err)
		}
	}
	session, err := ort.NewDynamicAdvancedSession(r.opts.ModelPath, inNames, outNames, so)
	if err != nil {
		return fmt.Errorf("load %s: %w", r.opts.ModelPath, err)
	}
	r.session = session
	r.log.Info("onnx session ready", "model", r.opts.ModelPath, "inputs", len(inNames), "outputs", len(outNames))
	return nil
}

// Forward binds the cache's current buffers, runs the graph and returns the
// logits of the last position of every beam.
func (r *Runner) Forward(c kvcache.Cache, pending [][]int32) ([]float32, error) {
	if len(pending) == 0 || len(pending[0]) == 0 {
		return nil, fmt.Errorf("no pending tokens")
	}
	if r.session == nil {
		if err := r.open(c); err != nil {
			return nil, err
		}
	}
	// onnxruntime reads and writes host memory directly.
	if err := r.ctx.Synchronize(); err != nil {
		return nil, err
	}

	beams, n := len(pending), len(pending[0])
	ids := make([]int64, 0, beams*n)
	for j, row := range pending {
		if len(row) != n {
			return nil, fmt.Errorf("beam %d has %d pending tokens, want %d", j, len(row), n)
		}
		for _, tok := range row {
			ids = append(ids, int64(tok))
		}
	}

	var values []ort.Value
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()

	idTensor, err := ort.NewTensor(ort.NewShape(int64(beams), int64(n)), ids)
	if err != nil {
		return nil, fmt.Errorf("input ids: %w", err)
	}
	values = append(values, idTensor)
	logitsData := make([]float32, beams*n*r.opts.VocabSize)
	logits, err := ort.NewTensor(ort.NewShape(int64(beams), int64(n), int64(r.opts.VocabSize)), logitsData)
	if err != nil {
		return nil, fmt.Errorf("logits: %w", err)
	}
	values = append(values, logits)

	bindIn, bindOut := c.Bindings()
	inputs := []ort.Value{idTensor}
	for _, b := range bindIn {
		v, err := Bind(b.Buffer)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.Name, err)
		}
		values = append(values, v)
		inputs = append(inputs, v)
	}
	outputs := []ort.Value{logits}
	for _, b := range bindOut {
		v, err := Bind(b.Buffer)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.Name, err)
		}
		values = append(values, v)
		outputs = append(outputs, v)
	}

	if err := r.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	out := make([]float32, 0, beams*r.opts.VocabSize)
	for j := 0; j < beams; j++ {
		last := (j*n + n - 1) * r.opts.VocabSize
		out = append(out, logitsData[last:last+r.opts.VocabSize]...)
	}
	return out, nil
}

func (r *Runner) Close() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Destroy()
	r.session = nil
	return err
}
