package main

import (
	"math"
	"math/rand"
	"testing"
)

func randomLogits(rng *rand.Rand, T, V int) []*Vec {
	out := make([]*Vec, T)
	for t := range out {
		d := make([]float64, V)
		for j := range d {
			d[j] = rng.NormFloat64() * 3
		}
		out[t] = NewVec(d)
	}
	return out
}

// ============================================================
// Completion log-probability tests
// ============================================================

func TestLogProbCompletionBatchShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	B, T, V := 3, 5, 7
	logits := make([][]*Vec, B)
	tokens := make([][]int, B)
	masks := make([][]bool, B)
	for b := 0; b < B; b++ {
		logits[b] = randomLogits(rng, T, V)
		tokens[b] = []int{0, 1, 2, 3, 4}
		masks[b] = []bool{false, false, true, true, true}
	}
	out := LogProbCompletionBatch(logits, tokens, masks)
	if len(out) != B {
		t.Fatalf("expected %d scalars, got %d", B, len(out))
	}
}

func TestLogProbCompletionAllFalseMaskIsZero(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	logits := randomLogits(rng, 6, 4)
	got := LogProbCompletion(logits, []int{3, 2, 1, 0, 1, 2}, make([]bool, 6))
	if got.Data != 0 {
		t.Errorf("expected exactly 0, got %v", got.Data)
	}
}

func TestLogProbCompletionAlignment(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	logits := randomLogits(rng, 4, 5)
	tokens := []int{1, 4, 0, 2}
	mask := []bool{true, false, true, true}

	want := 0.0
	for _, tt := range []int{2, 3} {
		p := SoftmaxProbs(logits[tt-1].Data)
		want += math.Log(p[tokens[tt]])
	}
	got := LogProbCompletion(logits, tokens, mask).Data
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLogProbCompletionShiftInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	logits := randomLogits(rng, 5, 6)
	tokens := []int{0, 5, 3, 1, 2}
	mask := []bool{false, true, true, true, true}
	base := LogProbCompletion(logits, tokens, mask).Data

	shifted := make([]*Vec, len(logits))
	for i, l := range logits {
		d := make([]float64, len(l.Data))
		for j, v := range l.Data {
			d[j] = v + 123.456*float64(i+1)
		}
		shifted[i] = NewVec(d)
	}
	got := LogProbCompletion(shifted, tokens, mask).Data
	if math.Abs(got-base) > 1e-9 {
		t.Errorf("expected %v after shift, got %v", base, got)
	}
}

func TestLogProbCompletionGradFlows(t *testing.T) {
	logits := []*Vec{NewVec([]float64{0, 0}), NewVec([]float64{0, 0})}
	lp := LogProbCompletion(logits, []int{0, 1}, []bool{false, true})
	Backward(lp)
	if math.Abs(logits[0].Grad[1]-0.5) > 1e-12 || math.Abs(logits[0].Grad[0]+0.5) > 1e-12 {
		t.Errorf("unexpected grad %v", logits[0].Grad)
	}
	if logits[1].Grad[0] != 0 || logits[1].Grad[1] != 0 {
		t.Error("last position predicts nothing and should get no grad")
	}
}

func TestLogProbCompletionPanicsOnMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on length mismatch")
		}
	}()
	LogProbCompletion(randomLogits(rand.New(rand.NewSource(5)), 3, 2), []int{0, 1}, []bool{true, true})
}
