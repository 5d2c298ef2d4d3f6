package main

import "fmt"

// LogProbCompletion sums log p(tokens[t] | logits[t-1]) over every t >= 1
// with mask[t] set. Position 0 has no predecessor and never contributes.
// An all-false mask yields exactly 0.
func LogProbCompletion(logits []*Vec, tokens []int, mask []bool) *Scalar {
	if len(logits) != len(tokens) || len(mask) != len(tokens) {
		panic(fmt.Sprintf("logprob: %d logits, %d tokens, %d mask entries", len(logits), len(tokens), len(mask)))
	}
	total := NewScalar(0)
	for t := 1; t < len(tokens); t++ {
		if !mask[t] {
			continue
		}
		total = total.AddS(logits[t-1].LogSoftmaxAt(tokens[t]))
	}
	return total
}

// LogProbCompletionBatch applies LogProbCompletion row by row.
func LogProbCompletionBatch(logits [][]*Vec, tokens [][]int, masks [][]bool) []*Scalar {
	if len(logits) != len(tokens) || len(masks) != len(tokens) {
		panic(fmt.Sprintf("logprob: batch of %d logits, %d tokens, %d masks", len(logits), len(tokens), len(masks)))
	}
	out := make([]*Scalar, len(tokens))
	for i := range tokens {
		out[i] = LogProbCompletion(logits[i], tokens[i], masks[i])
	}
	return out
}

// scaleLogits divides every position by temperature.
func scaleLogits(logits []*Vec, temperature float64) []*Vec {
	out := make([]*Vec, len(logits))
	for i, l := range logits {
		out[i] = l.Scale(1 / temperature)
	}
	return out
}
