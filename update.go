package main

import (
	"math"

	"github.com/pkg/errors"
)

// ErrNonFinite aborts an iteration whose loss or gradient is NaN or Inf.
var ErrNonFinite = errors.New("non-finite loss or gradient")

// LeaveOneOutBaseline returns, for each i, the mean cost of every other
// sample. Each entry sums only the other costs (a prefix plus a suffix),
// so with two samples the baselines are the swapped costs exactly.
func LeaveOneOutBaseline(cost []float64) []float64 {
	n := len(cost)
	if n < 2 {
		panic("leave-one-out baseline needs at least two samples")
	}
	suffix := make([]float64, n+1)
	for i := n - 1; i >= 0; i-- {
		suffix[i] = suffix[i+1] + cost[i]
	}
	out := make([]float64, n)
	prefix := 0.0
	for i, c := range cost {
		out[i] = (prefix + suffix[i+1]) / float64(n-1)
		prefix += c
	}
	return out
}

// ImportanceWeight is exp(logp - detach(logp)). Its value is 1 and its
// gradient is that of logp.
func ImportanceWeight(logp *Scalar) *Scalar {
	return logp.SubS(logp.Detach()).Exp()
}

// ReinforceLoss is mean_i(w_i*cost_i + (1-w_i)*baseline_i).
func ReinforceLoss(logp []*Scalar, cost, baseline []float64) *Scalar {
	total := NewScalar(0)
	for i, lp := range logp {
		w := ImportanceWeight(lp)
		term := w.MulF(cost[i]).AddS(w.Neg().AddF(1).MulF(baseline[i]))
		total = total.AddS(term)
	}
	return total.MulF(1 / float64(len(logp)))
}

// Updater owns the optimizer state and is the only writer of the trainable
// parameters. Frozen params receive grads through the shared graph; those
// are dropped after every step.
type Updater struct {
	Params   []*Vec
	Frozen   []*Vec
	Opt      *Adam
	GradClip float64
}

type UpdateResult struct {
	Loss     float64
	GradNorm float64
	Baseline []float64
}

// Step backpropagates the REINFORCE loss and applies one optimizer step. On a
// non-finite loss or gradient the grads are discarded and nothing moves.
func (u *Updater) Step(logp []*Scalar, cost []float64) (UpdateResult, error) {
	if len(logp) != len(cost) {
		return UpdateResult{}, errors.Errorf("update: %d log-probs for %d costs", len(logp), len(cost))
	}
	if len(cost) < 2 {
		return UpdateResult{}, errors.Errorf("update: leave-one-out needs at least 2 samples, got %d", len(cost))
	}
	baseline := LeaveOneOutBaseline(cost)
	loss := ReinforceLoss(logp, cost, baseline)
	res := UpdateResult{Loss: loss.Data, Baseline: baseline}
	if !isFinite(loss.Data) {
		zeroGrads(u.Params)
		return res, errors.Wrapf(ErrNonFinite, "loss is %v", loss.Data)
	}

	Backward(loss)
	defer zeroGrads(u.Frozen)
	res.GradNorm = GradNorm(u.Params)
	if !isFinite(res.GradNorm) {
		zeroGrads(u.Params)
		return res, errors.Wrapf(ErrNonFinite, "gradient norm is %v", res.GradNorm)
	}
	ClipGrads(u.Params, u.GradClip)
	u.Opt.Step(u.Params)
	return res, nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
