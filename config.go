package main

import (
	"encoding/json"
	"flag"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidConfig marks a rejected configuration.
var ErrInvalidConfig = errors.New("invalid config")

// Config is everything a run can be told. Defaults come from DefaultConfig,
// then an optional JSON file, then flags.
type Config struct {
	// rl
	Prompt      string  `json:"prompt"`
	Length      int     `json:"length"`
	BatchSize   int     `json:"batch_size"`
	KLWeight    float64 `json:"kl_weight"`
	Temperature float64 `json:"temperature"`

	// optimizer
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	EpsAdam      float64 `json:"eps_adam"`
	GradClip     float64 `json:"grad_clip"`

	// adapter
	AdapterRank    int      `json:"adapter_rank"`
	AdapterAlpha   float64  `json:"adapter_alpha"`
	AdapterStd     float64  `json:"adapter_std"`
	AdapterTargets []string `json:"adapter_targets"`

	// base model
	NLayer      int    `json:"n_layer"`
	NEmbd       int    `json:"n_embd"`
	NHead       int    `json:"n_head"`
	BaseWeights string `json:"base_weights"`

	// embedding
	Images    []string `json:"images"`
	Embedder  string   `json:"embedder"`
	EmbedDim  int      `json:"embed_dim"`
	ImageSize int      `json:"image_size"`
	ONNXDir   string   `json:"onnx_dir"`
	ORTLib    string   `json:"ort_lib"`

	// run
	Seed          int64  `json:"seed"`
	MaxIterations int    `json:"max_iterations"`
	Workers       int    `json:"workers"`
	Journal       string `json:"journal"`
	LogLevel      string `json:"log_level"`

	// pretrain
	Corpus        string  `json:"corpus"`
	PretrainSteps int     `json:"pretrain_steps"`
	PretrainLR    float64 `json:"pretrain_lr"`
	PretrainBatch int     `json:"pretrain_batch"`
	BlockSize     int     `json:"block_size"`
	BPEMerges     int     `json:"bpe_merges"`
	Out           string  `json:"out"`
}

func DefaultConfig() Config {
	return Config{
		Prompt:         "A photo of",
		Length:         16,
		BatchSize:      8,
		KLWeight:       0.1,
		Temperature:    1.0,
		LearningRate:   1e-3,
		Beta1:          0.9,
		Beta2:          0.999,
		EpsAdam:        1e-8,
		AdapterRank:    4,
		AdapterAlpha:   8,
		AdapterStd:     0.02,
		AdapterTargets: append([]string(nil), DefaultAdapterTargets...),
		NLayer:         2,
		NEmbd:          48,
		NHead:          4,
		Embedder:       "hash",
		EmbedDim:       64,
		ImageSize:      224,
		Seed:           42,
		Workers:        4,
		LogLevel:       "info",
		PretrainSteps:  1000,
		PretrainLR:     0.01,
		PretrainBatch:  4,
		BlockSize:      96,
		Out:            "base_weights.json",
	}
}

func (c Config) ModelConfig() ModelConfig {
	return ModelConfig{NLayer: c.NLayer, NEmbd: c.NEmbd, NHead: c.NHead}
}

func (c Config) AdapterConfig() AdapterConfig {
	return AdapterConfig{
		Rank:    c.AdapterRank,
		Alpha:   c.AdapterAlpha,
		Std:     c.AdapterStd,
		Targets: c.AdapterTargets,
	}
}

// Validate checks the options the training loop depends on.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Prompt) == "":
		return errors.WithMessage(ErrInvalidConfig, "prompt is empty")
	case c.Length < 0:
		return errors.WithMessagef(ErrInvalidConfig, "length must be >= 0, got %d", c.Length)
	case c.BatchSize < 2:
		return errors.WithMessagef(ErrInvalidConfig, "batch_size must be >= 2 for the leave-one-out baseline, got %d", c.BatchSize)
	case c.KLWeight < 0:
		return errors.WithMessagef(ErrInvalidConfig, "kl_weight must be >= 0, got %v", c.KLWeight)
	case !(c.Temperature > 0):
		return errors.WithMessagef(ErrInvalidConfig, "temperature must be > 0, got %v", c.Temperature)
	case c.LearningRate < 0:
		return errors.WithMessagef(ErrInvalidConfig, "learning_rate must be >= 0, got %v", c.LearningRate)
	}
	if err := c.AdapterConfig().validate(); err != nil {
		return errors.WithMessage(ErrInvalidConfig, err.Error())
	}
	return nil
}

// loadConfigFile overlays the JSON file at path onto c.
func loadConfigFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// listFlag is a repeatable or comma separated flag. The first Set replaces
// whatever the default or config file put there.
type listFlag struct {
	dst *[]string
	set bool
}

func (l *listFlag) String() string {
	if l.dst == nil {
		return ""
	}
	return strings.Join(*l.dst, ",")
}

func (l *listFlag) Set(v string) error {
	if !l.set {
		*l.dst = nil
		l.set = true
	}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l.dst = append(*l.dst, part)
		}
	}
	return nil
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Prompt, "prompt", c.Prompt, "prompt shared by every sample")
	fs.IntVar(&c.Length, "length", c.Length, "tokens generated per sample")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "samples per iteration (>= 2)")
	fs.Float64Var(&c.KLWeight, "kl-weight", c.KLWeight, "weight of the divergence penalty")
	fs.Float64Var(&c.Temperature, "temperature", c.Temperature, "sampling temperature")

	fs.Float64Var(&c.LearningRate, "lr", c.LearningRate, "adapter learning rate")
	fs.Float64Var(&c.GradClip, "grad-clip", c.GradClip, "element-wise grad clip, 0 disables")
	fs.IntVar(&c.AdapterRank, "adapter-rank", c.AdapterRank, "adapter rank")
	fs.Float64Var(&c.AdapterAlpha, "adapter-alpha", c.AdapterAlpha, "adapter alpha (scale = alpha/rank)")
	fs.Var(&listFlag{dst: &c.AdapterTargets}, "adapter-targets", "weights that get adapters, comma separated")

	fs.IntVar(&c.NLayer, "n-layer", c.NLayer, "transformer layers (ignored with -base-weights)")
	fs.IntVar(&c.NEmbd, "n-embd", c.NEmbd, "embedding width (ignored with -base-weights)")
	fs.IntVar(&c.NHead, "n-head", c.NHead, "attention heads (ignored with -base-weights)")
	fs.StringVar(&c.BaseWeights, "base-weights", c.BaseWeights, "pretrained base weights JSON")

	fs.Var(&listFlag{dst: &c.Images}, "image", "target image (exactly one)")
	fs.StringVar(&c.Embedder, "embedder", c.Embedder, "embedding backend: hash, or ort when built with -tags ort")
	fs.IntVar(&c.EmbedDim, "embed-dim", c.EmbedDim, "hash embedder dimension")
	fs.IntVar(&c.ImageSize, "image-size", c.ImageSize, "square input size for the image encoder")
	fs.StringVar(&c.ONNXDir, "onnx-dir", c.ONNXDir, "directory with CLIP ONNX models and tokenizer")
	fs.StringVar(&c.ORTLib, "ort-lib", c.ORTLib, "path to libonnxruntime")

	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
	fs.IntVar(&c.MaxIterations, "max-iterations", c.MaxIterations, "stop after n iterations, 0 runs until interrupted")
	fs.IntVar(&c.Workers, "workers", c.Workers, "parallel samples in sampling and reference scoring")
	fs.StringVar(&c.Journal, "journal", c.Journal, "sqlite file to journal iterations into")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")

	fs.StringVar(&c.Corpus, "corpus", c.Corpus, "pretrain: text corpus, one document per line")
	fs.IntVar(&c.PretrainSteps, "steps", c.PretrainSteps, "pretrain: optimizer steps")
	fs.Float64Var(&c.PretrainLR, "pretrain-lr", c.PretrainLR, "pretrain: initial learning rate")
	fs.IntVar(&c.PretrainBatch, "pretrain-batch", c.PretrainBatch, "pretrain: documents per step")
	fs.IntVar(&c.BlockSize, "block-size", c.BlockSize, "pretrain: max tokens per document")
	fs.IntVar(&c.BPEMerges, "bpe-merges", c.BPEMerges, "pretrain: BPE merges to learn, 0 keeps characters")
	fs.StringVar(&c.Out, "out", c.Out, "pretrain: output base weights JSON")
}

// parseConfig resolves defaults, then -config, then the other flags.
func parseConfig(name string, args []string) (Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "JSON config file")
	cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, errors.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *configPath == "" {
		return cfg, nil
	}

	fileCfg := DefaultConfig()
	if err := loadConfigFile(&fileCfg, *configPath); err != nil {
		return cfg, err
	}
	over := flag.NewFlagSet(name, flag.ContinueOnError)
	fileCfg.bindFlags(over)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		setErr = over.Set(f.Name, f.Value.String())
	})
	return fileCfg, setErr
}
