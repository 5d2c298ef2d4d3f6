package main

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Sample is one prompt plus its generated continuation.
type Sample struct {
	Tokens     []int
	Valid      []bool // prompt validity, then all true for the suffix
	Completion []bool // false over the prompt, true over the suffix
	Text       string // decoded suffix, filled by the cost stage
}

// Batch is one iteration's samples. All share the prompt.
type Batch struct {
	Samples   []*Sample
	PromptLen int
	Length    int
}

func (b *Batch) Tokens() [][]int {
	out := make([][]int, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.Tokens
	}
	return out
}

func (b *Batch) Valid() [][]bool {
	out := make([][]bool, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.Valid
	}
	return out
}

func (b *Batch) Completion() [][]bool {
	out := make([][]bool, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.Completion
	}
	return out
}

// Sampler draws fixed-length completions from a model without touching its
// parameters.
type Sampler struct {
	Model   LanguageModel
	Workers int
}

// Sample generates batchSize continuations of prompt. Per-sample seeds are
// drawn from rng up front, so the batch depends only on rng's state.
func (s *Sampler) Sample(ctx context.Context, rng *rand.Rand, prompt []int, promptValid []bool, batchSize, length int, temperature float64) (*Batch, error) {
	if len(prompt) != len(promptValid) {
		return nil, errors.Errorf("prompt has %d tokens but %d validity flags", len(prompt), len(promptValid))
	}
	b := &Batch{
		Samples:   make([]*Sample, batchSize),
		PromptLen: len(prompt),
		Length:    length,
	}
	seeds := make([]int64, batchSize)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	err := NoGrad(func() error {
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(workerLimit(s.Workers))
		for i := 0; i < batchSize; i++ {
			i := i
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				var tokens []int
				if length > 0 {
					tokens = s.Model.Generate(rand.New(rand.NewSource(seeds[i])), prompt, promptValid, length, temperature)
				} else {
					tokens = append([]int(nil), prompt...)
				}
				if len(tokens) != len(prompt)+length {
					return errors.Errorf("sample %d: generated %d tokens, want %d", i, len(tokens)-len(prompt), length)
				}
				b.Samples[i] = newSample(tokens, promptValid, length)
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, errors.WithMessage(err, "sampling")
	}
	return b, nil
}

func newSample(tokens []int, promptValid []bool, length int) *Sample {
	n := len(promptValid) + length
	s := &Sample{
		Tokens:     tokens,
		Valid:      make([]bool, n),
		Completion: make([]bool, n),
	}
	copy(s.Valid, promptValid)
	for t := len(promptValid); t < n; t++ {
		s.Valid[t] = true
		s.Completion[t] = true
	}
	return s
}

func workerLimit(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
