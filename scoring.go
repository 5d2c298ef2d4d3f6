package main

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Scores holds both views of each sample's completion log-probability.
// Logp is attached to the graph; LogpRef is a plain number.
type Scores struct {
	Logp    []*Scalar
	LogpRef []float64
}

// Scorer evaluates a batch under the trainable policy and under the same
// policy with adapters suppressed.
//
// Logits are divided by Temperature before normalization in both passes,
// on top of the temperature already used for sampling.
type Scorer struct {
	Model       LanguageModel
	Temperature float64
	Workers     int
}

func (s *Scorer) Score(ctx context.Context, b *Batch) (*Scores, error) {
	ref, err := s.reference(ctx, b)
	if err != nil {
		return nil, errors.WithMessage(err, "reference pass")
	}

	logp := make([]*Scalar, len(b.Samples))
	for i, smp := range b.Samples {
		logits := scaleLogits(s.Model.Forward(smp.Tokens, smp.Valid), s.Temperature)
		logp[i] = LogProbCompletion(logits, smp.Tokens, smp.Completion)
	}
	return &Scores{Logp: logp, LogpRef: ref}, nil
}

// reference runs without graph construction, so goroutines only read the
// shared weights.
func (s *Scorer) reference(ctx context.Context, b *Batch) ([]float64, error) {
	ref := make([]float64, len(b.Samples))
	err := NoGrad(func() error {
		return s.Model.WithAdapterDisabled(func() error {
			g, ctx := errgroup.WithContext(ctx)
			g.SetLimit(workerLimit(s.Workers))
			for i, smp := range b.Samples {
				i, smp := i, smp
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					logits := scaleLogits(s.Model.Forward(smp.Tokens, smp.Valid), s.Temperature)
					ref[i] = LogProbCompletion(logits, smp.Tokens, smp.Completion).Data
					return nil
				})
			}
			return g.Wait()
		})
	})
	return ref, err
}
