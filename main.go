// clipforce tunes low-rank adapters of a small causal language model with
// REINFORCE so that its completions of a prompt land close to one target
// image in an image-text embedding space.
//
//	clipforce train -image cat.png -prompt "A photo of" -length 16
//	clipforce pretrain -corpus lines.txt -out base_weights.json
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

func main() {
	cmd, args := "train", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	cfg, err := parseConfig(cmd, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(2)
	}

	console := NewConsole(os.Stderr, isTerminal(os.Stderr))
	log := slog.New(slog.NewTextHandler(console, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// The first signal cancels; a second one gets the default behaviour.
	releaseOnDone(ctx, stop)

	switch cmd {
	case "train":
		err = runTrain(ctx, cfg, console, log)
	case "pretrain":
		err = runPretrain(ctx, cfg, log)
	default:
		err = errors.Errorf("unknown command %q (want train or pretrain)", cmd)
	}
	console.Done()
	if err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// releaseOnDone calls stop once ctx is done.
func releaseOnDone(ctx context.Context, stop func()) {
	go func() {
		<-ctx.Done()
		stop()
	}()
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func buildPolicy(cfg Config, rng *rand.Rand, log *slog.Logger) (*Policy, error) {
	if cfg.BaseWeights != "" {
		p, err := LoadBaseWeights(rng, cfg.BaseWeights, cfg.AdapterConfig())
		if err != nil {
			return nil, err
		}
		log.Info("loaded base weights", "path", cfg.BaseWeights, "vocab", p.Tok.VocabSize(), "n_layer", p.Cfg.NLayer)
		return p, nil
	}
	var docs []string
	if cfg.Corpus != "" {
		var err error
		if docs, err = loadCorpus(cfg.Corpus); err != nil {
			return nil, err
		}
	}
	tok := NewTokenizer(docs)
	if cfg.BPEMerges > 0 && len(docs) > 0 {
		tok.TrainBPE(docs, cfg.BPEMerges)
	}
	return NewPolicy(rng, tok, cfg.ModelConfig(), cfg.AdapterConfig())
}

func runTrain(ctx context.Context, cfg Config, console *Console, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	img, err := LoadTargetImage(cfg.Images)
	if err != nil {
		return err
	}

	emb, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	if d, ok := emb.(interface{ Destroy() }); ok {
		defer d.Destroy()
	}
	size := cfg.ImageSize
	if s, ok := emb.(interface{ ImageSize() int }); ok {
		size = s.ImageSize()
	}
	target, err := emb.EncodeImage(Preprocess(img, size))
	if err != nil {
		return errors.Wrap(err, "embed target image")
	}
	log.Info("target image embedded", "path", cfg.Images[0], "dim", len(target), "embedder", cfg.Embedder)

	rng := rand.New(rand.NewSource(cfg.Seed))
	policy, err := buildPolicy(cfg, rng, log)
	if err != nil {
		return err
	}
	if cfg.BaseWeights == "" {
		log.Warn("no -base-weights given, base model is random")
	}

	reporters := MultiReporter{ConsoleReporter{Console: console}}
	if cfg.Journal != "" {
		j, err := OpenJournal(cfg.Journal)
		if err != nil {
			return err
		}
		defer j.Close()
		runID, err := j.StartRun(cfg)
		if err != nil {
			return err
		}
		log.Info("journaling", "path", cfg.Journal, "run", runID)
		reporters = append(reporters, j)
	}

	sess, err := NewSession(cfg, policy, emb, target, SessionOptions{
		Reporter: reporters,
		Progress: console.Progress,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	return sess.Run(ctx)
}

func runPretrain(ctx context.Context, cfg Config, log *slog.Logger) error {
	if cfg.Corpus == "" {
		return errors.New("pretrain needs -corpus")
	}
	docs, err := loadCorpus(cfg.Corpus)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	cfg.BaseWeights = ""
	policy, err := buildPolicy(cfg, rng, log)
	if err != nil {
		return err
	}
	log.Info("pretraining", "docs", len(docs), "vocab", policy.Tok.VocabSize(), "steps", cfg.PretrainSteps)

	opt := NewAdam(cfg.PretrainLR, cfg.Beta1, 0.99, cfg.EpsAdam)
	losses, err := Pretrain(ctx, policy, docs, PretrainConfig{
		Steps:     cfg.PretrainSteps,
		LR:        cfg.PretrainLR,
		Batch:     cfg.PretrainBatch,
		BlockSize: cfg.BlockSize,
		LogEvery:  100,
	}, opt, rng, log)
	if err != nil {
		return err
	}
	if len(losses) > 0 {
		log.Info("pretrain done", "steps", len(losses), "final_loss", losses[len(losses)-1])
	}
	if err := SaveBaseWeights(policy, cfg.Out); err != nil {
		return err
	}
	log.Info("wrote base weights", "path", cfg.Out)
	return nil
}
