package main

import (
	"math"
	"sync/atomic"
)

// ============================================================
// AUTOGRAD: vectors and scalars, reverse mode
// ============================================================

// noGradDepth counts open NoGrad scopes. While it is non-zero, ops record
// no children and allocate no grad buffers.
var noGradDepth atomic.Int32

func gradEnabled() bool { return noGradDepth.Load() == 0 }

// NoGrad runs fn with graph construction suspended. Scopes nest; the
// previous mode is restored when fn returns or panics.
func NoGrad(fn func() error) error {
	noGradDepth.Add(1)
	defer noGradDepth.Add(-1)
	return fn()
}

// Node is anything in the compute graph.
type Node interface {
	getChildren() []Node
	doBackward()
	ensureGrad()
}

// Vec is a differentiable vector: one hidden state, one weight row.
type Vec struct {
	Data     []float64
	Grad     []float64
	children []Node
	backFn   func()
}

// NewVec wraps data. The grad buffer is only allocated while grad
// tracking is on.
func NewVec(data []float64) *Vec {
	v := &Vec{Data: data}
	if gradEnabled() {
		v.Grad = make([]float64, len(data))
	}
	return v
}

// NewParam wraps data as a leaf that always carries a grad buffer.
func NewParam(data []float64) *Vec {
	return &Vec{Data: data, Grad: make([]float64, len(data))}
}

func (v *Vec) getChildren() []Node { return v.children }
func (v *Vec) doBackward() {
	if v.backFn != nil {
		v.backFn()
	}
}
func (v *Vec) ensureGrad() {
	if len(v.Grad) != len(v.Data) {
		v.Grad = make([]float64, len(v.Data))
	}
}

func (v *Vec) track(backFn func(), kids ...Node) *Vec {
	if gradEnabled() {
		v.children = kids
		v.backFn = backFn
	}
	return v
}

// Detach returns a copy of v that is a leaf of the graph.
func (v *Vec) Detach() *Vec {
	d := make([]float64, len(v.Data))
	copy(d, v.Data)
	return NewVec(d)
}

func (v *Vec) Add(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] + other.Data[i]
	}
	out := NewVec(d)
	return out.track(func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += out.Grad[i]
			other.Grad[i] += out.Grad[i]
		}
	}, v, other)
}

func (v *Vec) Sub(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] - other.Data[i]
	}
	out := NewVec(d)
	return out.track(func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += out.Grad[i]
			other.Grad[i] -= out.Grad[i]
		}
	}, v, other)
}

// MulVec is the element-wise product.
func (v *Vec) MulVec(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * other.Data[i]
	}
	out := NewVec(d)
	return out.track(func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += other.Data[i] * out.Grad[i]
			other.Grad[i] += v.Data[i] * out.Grad[i]
		}
	}, v, other)
}

func (v *Vec) Scale(s float64) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * s
	}
	out := NewVec(d)
	return out.track(func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += s * out.Grad[i]
		}
	}, v)
}

func (v *Vec) ReLU() *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		if v.Data[i] > 0 {
			d[i] = v.Data[i]
		}
	}
	out := NewVec(d)
	return out.track(func() {
		for i := 0; i < n; i++ {
			if v.Data[i] > 0 {
				v.Grad[i] += out.Grad[i]
			}
		}
	}, v)
}

func (v *Vec) Dot(other *Vec) *Scalar {
	n := len(v.Data)
	val := 0.0
	for i := 0; i < n; i++ {
		val += v.Data[i] * other.Data[i]
	}
	out := &Scalar{Data: val}
	return out.track(func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += other.Data[i] * out.Grad
			other.Grad[i] += v.Data[i] * out.Grad
		}
	}, v, other)
}

func (v *Vec) MeanSq() *Scalar {
	n := len(v.Data)
	nf := float64(n)
	val := 0.0
	for i := 0; i < n; i++ {
		val += v.Data[i] * v.Data[i]
	}
	out := &Scalar{Data: val / nf}
	return out.track(func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += (2.0 * v.Data[i] / nf) * out.Grad
		}
	}, v)
}

// Slice extracts [start:end).
func (v *Vec) Slice(start, end int) *Vec {
	d := make([]float64, end-start)
	copy(d, v.Data[start:end])
	out := NewVec(d)
	return out.track(func() {
		for i, j := 0, start; j < end; i, j = i+1, j+1 {
			v.Grad[j] += out.Grad[i]
		}
	}, v)
}

func Concat(vecs []*Vec) *Vec {
	total := 0
	for _, v := range vecs {
		total += len(v.Data)
	}
	d := make([]float64, 0, total)
	kids := make([]Node, len(vecs))
	for i, v := range vecs {
		d = append(d, v.Data...)
		kids[i] = v
	}
	out := NewVec(d)
	return out.track(func() {
		offset := 0
		for _, v := range vecs {
			for i := range v.Data {
				v.Grad[i] += out.Grad[offset+i]
			}
			offset += len(v.Data)
		}
	}, kids...)
}

// LogSoftmaxAt returns log(softmax(v)[idx]) computed in the log domain.
func (v *Vec) LogSoftmaxAt(idx int) *Scalar {
	n := len(v.Data)
	maxVal := v.Data[0]
	for _, x := range v.Data[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	expSum := 0.0
	for i := 0; i < n; i++ {
		expSum += math.Exp(v.Data[i] - maxVal)
	}
	logZ := math.Log(expSum) + maxVal
	out := &Scalar{Data: v.Data[idx] - logZ}
	return out.track(func() {
		g := out.Grad
		for i := 0; i < n; i++ {
			p := math.Exp(v.Data[i] - logZ)
			if i == idx {
				v.Grad[i] += (1 - p) * g
			} else {
				v.Grad[i] -= p * g
			}
		}
	}, v)
}

// CrossEntropyLoss is -log(softmax(logits)[target]).
func CrossEntropyLoss(logits *Vec, target int) *Scalar {
	return logits.LogSoftmaxAt(target).Neg()
}

// Scalar is a differentiable scalar: losses, attention logits, log-probs.
type Scalar struct {
	Data     float64
	Grad     float64
	children []Node
	backFn   func()
}

func NewScalar(data float64) *Scalar {
	return &Scalar{Data: data}
}

func (s *Scalar) getChildren() []Node { return s.children }
func (s *Scalar) doBackward() {
	if s.backFn != nil {
		s.backFn()
	}
}
func (s *Scalar) ensureGrad() {}

func (s *Scalar) track(backFn func(), kids ...Node) *Scalar {
	if gradEnabled() {
		s.children = kids
		s.backFn = backFn
	}
	return s
}

// Detach returns a constant with the same value.
func (s *Scalar) Detach() *Scalar {
	return NewScalar(s.Data)
}

func (s *Scalar) AddS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data + other.Data}
	return out.track(func() {
		s.Grad += out.Grad
		other.Grad += out.Grad
	}, s, other)
}

func (s *Scalar) SubS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data - other.Data}
	return out.track(func() {
		s.Grad += out.Grad
		other.Grad -= out.Grad
	}, s, other)
}

func (s *Scalar) AddF(f float64) *Scalar {
	out := &Scalar{Data: s.Data + f}
	return out.track(func() {
		s.Grad += out.Grad
	}, s)
}

func (s *Scalar) MulS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data * other.Data}
	return out.track(func() {
		s.Grad += other.Data * out.Grad
		other.Grad += s.Data * out.Grad
	}, s, other)
}

func (s *Scalar) MulF(f float64) *Scalar {
	out := &Scalar{Data: s.Data * f}
	return out.track(func() {
		s.Grad += f * out.Grad
	}, s)
}

func (s *Scalar) Neg() *Scalar {
	return s.MulF(-1)
}

func (s *Scalar) Exp() *Scalar {
	e := math.Exp(s.Data)
	out := &Scalar{Data: e}
	return out.track(func() {
		s.Grad += e * out.Grad
	}, s)
}

// Backward runs reverse-mode autodiff from root. Grads accumulate; callers
// zero them after consuming.
func Backward(root Node) {
	topo := make([]Node, 0)
	visited := make(map[Node]bool)

	var build func(n Node)
	build = func(n Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.getChildren() {
			build(c)
		}
		topo = append(topo, n)
	}
	build(root)

	for _, n := range topo {
		n.ensureGrad()
	}

	switch r := root.(type) {
	case *Scalar:
		r.Grad = 1.0
	case *Vec:
		for i := range r.Grad {
			r.Grad[i] = 1.0
		}
	}

	for i := len(topo) - 1; i >= 0; i-- {
		topo[i].doBackward()
	}
}
