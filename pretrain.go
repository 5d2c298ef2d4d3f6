package main

import (
	"bufio"
	"context"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// loadCorpus reads one document per non-empty line.
func loadCorpus(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open corpus")
	}
	defer f.Close()
	var docs []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			docs = append(docs, line)
		}
	}
	return docs, errors.Wrap(sc.Err(), "read corpus")
}

// SequenceLoss is the mean next-token cross-entropy of ids, truncated to
// blockSize predictions.
func SequenceLoss(p *Policy, ids []int, blockSize int) *Scalar {
	n := len(ids) - 1
	if blockSize > 0 && n > blockSize {
		n = blockSize
	}
	if n <= 0 {
		return NewScalar(0)
	}
	valid := make([]bool, n)
	for i := range valid {
		valid[i] = true
	}
	logits := p.Forward(ids[:n], valid)
	total := NewScalar(0)
	for t := 0; t < n; t++ {
		total = total.AddS(CrossEntropyLoss(logits[t], ids[t+1]))
	}
	return total.MulF(1 / float64(n))
}

// PretrainConfig drives the base warmup.
type PretrainConfig struct {
	Steps     int
	LR        float64
	Batch     int
	BlockSize int
	LogEvery  int
}

// Pretrain fits the base weights to docs by next-token prediction with the
// adapters switched off. lr decays linearly to zero. It stops early, without
// error, when ctx is cancelled.
func Pretrain(ctx context.Context, p *Policy, docs []string, cfg PretrainConfig, opt *Adam, rng *rand.Rand, log *slog.Logger) ([]float64, error) {
	if len(docs) == 0 {
		return nil, errors.New("pretrain: empty corpus")
	}
	params := p.BaseParams()
	batch := cfg.Batch
	if batch <= 0 {
		batch = 1
	}
	losses := make([]float64, 0, cfg.Steps)

	err := p.WithAdapterDisabled(func() error {
		for step := 0; step < cfg.Steps; step++ {
			if ctx.Err() != nil {
				log.Info("pretrain interrupted", "step", step)
				return nil
			}
			total := NewScalar(0)
			for b := 0; b < batch; b++ {
				doc := docs[rng.Intn(len(docs))]
				ids := append(p.Tok.Encode(doc), p.Tok.EOS())
				total = total.AddS(SequenceLoss(p, ids, cfg.BlockSize))
			}
			loss := total.MulF(1 / float64(batch))
			if !isFinite(loss.Data) {
				return errors.Wrapf(ErrNonFinite, "pretrain step %d", step)
			}
			Backward(loss)

			opt.LR = cfg.LR * (1.0 - float64(step)/math.Max(1, float64(cfg.Steps)))
			opt.Step(params)
			losses = append(losses, loss.Data)

			if cfg.LogEvery > 0 && step%cfg.LogEvery == 0 {
				log.Info("pretrain", "step", step, "steps", cfg.Steps, "loss", loss.Data, "lr", opt.LR)
			}
		}
		return nil
	})
	return losses, err
}
