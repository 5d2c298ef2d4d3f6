package main

import (
	"math"
	"testing"

	"github.com/pkg/errors"
)

// ============================================================
// Policy-gradient update tests
// ============================================================

func TestLeaveOneOutBaselineTwoSamples(t *testing.T) {
	cost := []float64{0.37, 1.91}
	b := LeaveOneOutBaseline(cost)
	if b[0] != cost[1] || b[1] != cost[0] {
		t.Errorf("expected swapped costs, got %v", b)
	}
}

func TestLeaveOneOutBaselineExactAcrossMagnitudes(t *testing.T) {
	for _, cost := range [][]float64{{0.1, 0.2}, {1e16, 1}, {1, 1e16}, {-3e300, 2.5e-300}} {
		b := LeaveOneOutBaseline(cost)
		if b[0] != cost[1] || b[1] != cost[0] {
			t.Errorf("cost %v: expected swapped costs, got %v", cost, b)
		}
	}
	b := LeaveOneOutBaseline([]float64{1e16, 1, 3})
	if b[0] != 2 {
		t.Errorf("expected baseline[0] 2 next to a large cost, got %v", b[0])
	}
}

func TestLeaveOneOutBaselineMean(t *testing.T) {
	b := LeaveOneOutBaseline([]float64{1, 2, 6})
	want := []float64{4, 3.5, 1.5}
	for i := range want {
		if math.Abs(b[i]-want[i]) > 1e-12 {
			t.Errorf("baseline[%d]: expected %v, got %v", i, want[i], b[i])
		}
	}
}

func TestImportanceWeightIsOne(t *testing.T) {
	for _, lp := range []float64{0, -3.2, -150.75, 12} {
		w := ImportanceWeight(NewScalar(lp))
		if math.Abs(w.Data-1) > 1e-15 {
			t.Errorf("logp %v: expected weight 1, got %v", lp, w.Data)
		}
	}
}

func TestReinforceLossValueAndGrad(t *testing.T) {
	logp := []*Scalar{NewScalar(-1.3), NewScalar(-2.0), NewScalar(-0.4)}
	cost := []float64{1, 2, 4}
	baseline := LeaveOneOutBaseline(cost)
	loss := ReinforceLoss(logp, cost, baseline)
	if math.Abs(loss.Data-7.0/3.0) > 1e-12 {
		t.Errorf("expected loss to equal mean cost 7/3, got %v", loss.Data)
	}
	Backward(loss)
	for i, lp := range logp {
		want := (cost[i] - baseline[i]) / 3
		if math.Abs(lp.Grad-want) > 1e-12 {
			t.Errorf("grad[%d]: expected %v, got %v", i, want, lp.Grad)
		}
	}
}

func TestUpdaterMovesTrainableOnly(t *testing.T) {
	param := NewParam([]float64{0.5, -0.5})
	frozen := NewParam([]float64{1, 1})
	x := []*Vec{NewVec([]float64{1, 0}), NewVec([]float64{0, 1})}
	logp := []*Scalar{
		param.Dot(x[0]).AddS(frozen.Dot(x[0])),
		param.Dot(x[1]).AddS(frozen.Dot(x[1])),
	}
	u := &Updater{Params: []*Vec{param}, Frozen: []*Vec{frozen}, Opt: NewAdam(0.1, 0.9, 0.999, 1e-8)}
	res, err := u.Step(logp, []float64{1, 3})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.GradNorm <= 0 {
		t.Errorf("expected positive grad norm, got %v", res.GradNorm)
	}
	// sample 0 is cheaper than its baseline, so its log-prob goes up.
	if param.Data[0] <= 0.5 || param.Data[1] >= -0.5 {
		t.Errorf("unexpected update direction: %v", param.Data)
	}
	if frozen.Data[0] != 1 || frozen.Data[1] != 1 {
		t.Error("frozen param moved")
	}
	if frozen.Grad[0] != 0 || param.Grad[0] != 0 {
		t.Error("grads should be zeroed after the step")
	}
}

func TestUpdaterRejectsNonFinite(t *testing.T) {
	param := NewParam([]float64{0.5})
	x := NewVec([]float64{1})
	logp := []*Scalar{param.Dot(x), param.Dot(x)}
	u := &Updater{Params: []*Vec{param}, Opt: NewAdam(0.1, 0.9, 0.999, 1e-8)}
	_, err := u.Step(logp, []float64{math.NaN(), 1})
	if !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite, got %v", err)
	}
	if param.Data[0] != 0.5 {
		t.Error("param moved on a rejected step")
	}
	if u.Opt.Steps() != 0 {
		t.Error("optimizer should not have stepped")
	}
}

func TestUpdaterNeedsTwoSamples(t *testing.T) {
	u := &Updater{Opt: NewAdam(0.1, 0.9, 0.999, 1e-8)}
	if _, err := u.Step([]*Scalar{NewScalar(0)}, []float64{1}); err == nil {
		t.Error("expected error for a single sample")
	}
}
