package main

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// TextDecoder turns policy token ids back into text.
type TextDecoder interface {
	Decode(ids []int, skipSpecial bool) string
}

// Costs are plain per-sample numbers. Nothing here is on the graph.
type Costs struct {
	Clip  []float64
	KL    []float64
	Total []float64
}

// CostModel scores decoded completions against a fixed image embedding.
type CostModel struct {
	Decoder  TextDecoder
	Embedder Embedder
	Target   []float64
	KLWeight float64
	Workers  int // concurrent EncodeText calls
}

// Compute fills each sample's Text and returns the costs. Given the same
// batch and scores it returns bit-identical results.
func (c *CostModel) Compute(ctx context.Context, b *Batch, s *Scores) (*Costs, error) {
	n := len(b.Samples)
	if len(s.Logp) != n || len(s.LogpRef) != n {
		return nil, errors.Errorf("cost: %d samples but %d/%d log-probs", n, len(s.Logp), len(s.LogpRef))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	texts := make([]string, n)
	for i, smp := range b.Samples {
		smp.Text = c.Decoder.Decode(smp.Tokens[b.PromptLen:], true)
		texts[i] = smp.Text
	}

	embs, err := c.embed(ctx, texts)
	if err != nil {
		return nil, errors.Wrap(err, "embed completions")
	}

	out := &Costs{
		Clip:  make([]float64, n),
		KL:    make([]float64, n),
		Total: make([]float64, n),
	}
	for i := range b.Samples {
		if len(embs[i]) != len(c.Target) {
			return nil, errors.Errorf("text embedding %d has dim %d, image has %d", i, len(embs[i]), len(c.Target))
		}
		out.Clip[i] = AngularDistance(embs[i], c.Target)
		out.KL[i] = s.Logp[i].Detach().Data - s.LogpRef[i]
		out.Total[i] = out.Clip[i] + c.KLWeight*out.KL[i]
	}
	return out, nil
}

// embed encodes each text in its own EncodeText call. Results land in input
// order regardless of completion order.
func (c *CostModel) embed(ctx context.Context, texts []string) ([][]float64, error) {
	tokens := c.Embedder.Tokenize(texts)
	if len(tokens) != len(texts) {
		return nil, errors.Errorf("tokenizer returned %d rows for %d texts", len(tokens), len(texts))
	}
	embs := make([][]float64, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(c.Workers))
	for i := range tokens {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := c.Embedder.EncodeText(tokens[i : i+1])
			if err != nil {
				return errors.WithMessagef(err, "text %d", i)
			}
			if len(out) != 1 {
				return errors.Errorf("embedder returned %d vectors for text %d", len(out), i)
			}
			embs[i] = out[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return embs, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return floats.Sum(xs) / float64(len(xs))
}
