package main

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Adam keeps bias-corrected first and second moments for a fixed parameter
// list. The list must be the same, in the same order, on every Step.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	m [][]float64
	v [][]float64
	t int
}

func NewAdam(lr, beta1, beta2, eps float64) *Adam {
	return &Adam{LR: lr, Beta1: beta1, Beta2: beta2, Eps: eps}
}

func (a *Adam) ensure(params []*Vec) {
	if a.m != nil {
		return
	}
	a.m = make([][]float64, len(params))
	a.v = make([][]float64, len(params))
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Data))
		a.v[i] = make([]float64, len(p.Data))
	}
}

// Step applies one update from the accumulated grads, then zeroes them.
func (a *Adam) Step(params []*Vec) {
	a.ensure(params)
	a.t++
	b1, b2 := a.Beta1, a.Beta2
	b1Corr := 1.0 - math.Pow(b1, float64(a.t))
	b2Corr := 1.0 - math.Pow(b2, float64(a.t))

	for i, p := range params {
		mi, vi := a.m[i], a.v[i]
		for j, g := range p.Grad {
			mi[j] = b1*mi[j] + (1-b1)*g
			vi[j] = b2*vi[j] + (1-b2)*g*g
			if a.LR != 0 {
				p.Data[j] -= a.LR * (mi[j] / b1Corr) / (math.Sqrt(vi[j]/b2Corr) + a.Eps)
			}
		}
	}
	zeroGrads(params)
}

// Steps reports how many updates have been applied.
func (a *Adam) Steps() int { return a.t }

func zeroGrads(params []*Vec) {
	for _, p := range params {
		for j := range p.Grad {
			p.Grad[j] = 0
		}
	}
}

// ClipGrads clamps every grad entry to [-clip, clip]. clip <= 0 is a no-op.
func ClipGrads(params []*Vec, clip float64) {
	if clip <= 0 {
		return
	}
	for _, p := range params {
		for j, g := range p.Grad {
			p.Grad[j] = math.Max(-clip, math.Min(clip, g))
		}
	}
}

// GradNorm is the L2 norm over all grads of params.
func GradNorm(params []*Vec) float64 {
	sq := 0.0
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}
