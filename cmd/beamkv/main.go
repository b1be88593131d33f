// Command beamkv drives beam search decode sessions over the KV cache and
// ships cache snapshots to a collector.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/23skdu/longbow-beamkv/internal/config"
	"github.com/23skdu/longbow-beamkv/internal/logger"
)

// cacheFlags holds the persistent flags that describe the cache.
type cacheFlags struct {
	layout       string
	cross        bool
	layers       int
	batch        int
	beams        int
	heads        int
	headDim      int
	seqLen       int
	crossSeqLen  int
	scoreType    string
	device       string
	memoryLimit  int64
	mmap         bool
	streamDepth  int
	reorderCross bool
	checksums    bool
	logLevel     string
	logFormat    string

	vocab   int
	seed    int64
	model   string
	ortLib  string
	threads int
}

func (f *cacheFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.layout, "layout", string(config.LayoutFused), "Cache layout (fused, split)")
	fs.BoolVar(&f.cross, "cross", false, "Add cross-attention buffers (split layout only)")
	fs.IntVar(&f.layers, "layers", 2, "Number of decoder layers")
	fs.IntVar(&f.batch, "batch", 1, "Batch size")
	fs.IntVar(&f.beams, "beams", 4, "Beams per batch entry")
	fs.IntVar(&f.heads, "heads", 4, "Attention heads")
	fs.IntVar(&f.headDim, "head-dim", 16, "Hidden size per head")
	fs.IntVar(&f.seqLen, "seq-len", 1, "Initial sequence length (prompt tokens)")
	fs.IntVar(&f.crossSeqLen, "cross-seq-len", config.DefaultCrossSeqLen, "Encoder sequence length of the cross buffers")
	fs.StringVar(&f.scoreType, "score-type", string(config.ScoreFloat32), "Element type (float32, float16)")
	fs.StringVar(&f.device, "device", "cpu", "Device kind (cpu, stream, cuda)")
	fs.Int64Var(&f.memoryLimit, "memory-limit", 0, "Allocator budget in bytes (0 = unlimited)")
	fs.BoolVar(&f.mmap, "mmap", false, "Back host buffers with anonymous mmap")
	fs.IntVar(&f.streamDepth, "stream-depth", 0, "Copy queue depth for the stream device (0 = default)")
	fs.BoolVar(&f.reorderCross, "reorder-cross", false, "Apply beam reorder to the cross buffers")
	fs.BoolVar(&f.checksums, "debug-checksums", false, "Log checksums of layer 0 on every update")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "console", "Log format (console, json)")

	fs.IntVar(&f.vocab, "vocab", 32, "Vocabulary size of the synthetic forward pass")
	fs.Int64Var(&f.seed, "seed", 1, "Seed of the synthetic logits")
	fs.StringVar(&f.model, "model", "", "ONNX decoder graph to run instead of the synthetic pass")
	fs.StringVar(&f.ortLib, "onnxruntime", os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"), "Path to the onnxruntime shared library")
	fs.IntVar(&f.threads, "threads", 0, "onnxruntime intra-op threads (0 = runtime default)")
}

// apply copies the flag called name into cfg.
func (f *cacheFlags) apply(cfg *config.Config, name string) {
	switch name {
	case "layers":
		cfg.Layers = f.layers
	case "batch":
		cfg.BatchSize = f.batch
	case "beams":
		cfg.NumBeams = f.beams
	case "heads":
		cfg.Heads = f.heads
	case "head-dim":
		cfg.HeadDim = f.headDim
	case "seq-len":
		cfg.SeqLen = f.seqLen
	case "cross-seq-len":
		cfg.CrossSeqLen = f.crossSeqLen
	case "score-type":
		cfg.ScoreType = config.ScoreType(strings.ToLower(f.scoreType))
	case "device":
		cfg.Device = f.device
	case "memory-limit":
		cfg.DeviceMemoryLimit = f.memoryLimit
	case "mmap":
		cfg.UseMmap = f.mmap
	case "stream-depth":
		cfg.StreamDepth = f.streamDepth
	case "reorder-cross":
		cfg.ReorderCross = f.reorderCross
	case "debug-checksums":
		cfg.DebugChecksums = f.checksums
	case "log-level":
		cfg.LogLevel = f.logLevel
	case "log-format":
		cfg.LogFormat = f.logFormat
	}
}

// resolve builds the cache config. Explicit flags win over BEAMKV_*
// variables, which win over flag defaults.
func (f *cacheFlags) resolve(fs *pflag.FlagSet) (config.Config, error) {
	probe := config.Default()
	if err := probe.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	layout := probe.Layout
	if fs.Changed("layout") || os.Getenv("BEAMKV_LAYOUT") == "" {
		layout = config.Layout(strings.ToLower(f.layout))
	}

	if f.cross && layout != config.LayoutSplit {
		return config.Config{}, fmt.Errorf("%w: --cross needs the split layout", config.ErrInvalidConfig)
	}

	var cfg config.Config
	switch {
	case layout == config.LayoutSplit && f.cross:
		cfg = config.DefaultEncoderDecoder()
	case layout == config.LayoutSplit:
		cfg = config.DefaultSplit()
	default:
		cfg = config.Default()
		cfg.Layout = layout
	}

	fs.VisitAll(func(fl *pflag.Flag) { f.apply(&cfg, fl.Name) })
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	cfg.Layout = layout
	fs.Visit(func(fl *pflag.Flag) { f.apply(&cfg, fl.Name) })

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

type app struct {
	flags cacheFlags
	cfg   config.Config
}

func envHelp() string {
	var b strings.Builder
	b.WriteString("Environment overrides:\n")
	for _, v := range config.EnvVars() {
		fmt.Fprintf(&b, "  %-24s %s\n", v.Name, v.Description)
	}
	return b.String()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "beamkv",
		Short:         "Beam search KV cache driver",
		Long:          "Run beam search decode sessions over the KV cache.\n\n" + envHelp(),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.flags.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	a.flags.register(root.PersistentFlags())

	root.AddCommand(
		newBenchCmd(a),
		newSnapshotCmd(a),
		newInspectCmd(),
		newShipCmd(a),
		newFetchCmd(),
		newCollectCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
