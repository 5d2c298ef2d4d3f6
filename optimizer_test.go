package main

import (
	"math"
	"testing"
)

// ============================================================
// Adam and grad utility tests
// ============================================================

func TestAdamZeroLRLeavesParamsBitIdentical(t *testing.T) {
	p := NewParam([]float64{0.1, -2.5, 3e-7})
	want := append([]float64(nil), p.Data...)
	opt := NewAdam(0, 0.9, 0.999, 1e-8)
	for step := 0; step < 3; step++ {
		p.Grad[0], p.Grad[1], p.Grad[2] = 0.3, -4, 1e-3
		opt.Step([]*Vec{p})
	}
	for i := range want {
		if math.Float64bits(p.Data[i]) != math.Float64bits(want[i]) {
			t.Errorf("param %d changed: %v -> %v", i, want[i], p.Data[i])
		}
	}
	if opt.Steps() != 3 {
		t.Errorf("expected 3 steps, got %d", opt.Steps())
	}
}

func TestAdamFirstStep(t *testing.T) {
	p := NewParam([]float64{1.0, 1.0})
	p.Grad[0], p.Grad[1] = 0.5, -2
	NewAdam(0.1, 0.9, 0.999, 1e-8).Step([]*Vec{p})
	// bias-corrected first step moves each coordinate by ~lr against the grad sign
	if math.Abs(p.Data[0]-0.9) > 1e-6 || math.Abs(p.Data[1]-1.1) > 1e-6 {
		t.Errorf("expected [0.9 1.1], got %v", p.Data)
	}
	if p.Grad[0] != 0 || p.Grad[1] != 0 {
		t.Error("grads should be zeroed")
	}
}

func TestClipGrads(t *testing.T) {
	p := NewParam([]float64{0, 0, 0})
	p.Grad[0], p.Grad[1], p.Grad[2] = 5, -5, 0.5
	ClipGrads([]*Vec{p}, 1)
	if p.Grad[0] != 1 || p.Grad[1] != -1 || p.Grad[2] != 0.5 {
		t.Errorf("unexpected clipped grads %v", p.Grad)
	}
	ClipGrads([]*Vec{p}, 0)
	if p.Grad[0] != 1 {
		t.Error("clip 0 should be a no-op")
	}
}

func TestGradNorm(t *testing.T) {
	a := NewParam([]float64{0, 0})
	b := NewParam([]float64{0})
	a.Grad[0], a.Grad[1], b.Grad[0] = 3, 0, 4
	if got := GradNorm([]*Vec{a, b}); math.Abs(got-5) > 1e-12 {
		t.Errorf("expected 5, got %v", got)
	}
}
