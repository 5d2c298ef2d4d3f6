package main

import (
	"math"
	"math/rand"
)

// RMSNorm normalizes x by its root mean square.
func RMSNorm(x *Vec) *Vec {
	ms := x.MeanSq()
	scale := math.Pow(ms.Data+1e-5, -0.5)
	n := len(x.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = x.Data[i] * scale
	}
	out := NewVec(d)
	return out.track(func() {
		dsDms := -0.5 * math.Pow(ms.Data+1e-5, -1.5)
		cross := 0.0
		for j := 0; j < n; j++ {
			cross += out.Grad[j] * x.Data[j]
		}
		for i := 0; i < n; i++ {
			x.Grad[i] += scale*out.Grad[i] + cross*dsDms*(2.0*x.Data[i]/float64(n))
		}
	}, x)
}

// RoPERotate rotates consecutive pairs of a head vector by position-dependent
// angles.
func RoPERotate(vec *Vec, pos int) *Vec {
	headDim := len(vec.Data)
	d := make([]float64, headDim)
	copy(d, vec.Data)
	cos := make([]float64, headDim/2)
	sin := make([]float64, headDim/2)
	for i := 0; i+1 < headDim; i += 2 {
		theta := float64(pos) / math.Pow(10000.0, float64(i)/float64(headDim))
		c, s := math.Cos(theta), math.Sin(theta)
		cos[i/2], sin[i/2] = c, s
		a, b := vec.Data[i], vec.Data[i+1]
		d[i] = a*c - b*s
		d[i+1] = a*s + b*c
	}
	out := NewVec(d)
	return out.track(func() {
		for i := 0; i+1 < headDim; i += 2 {
			c, s := cos[i/2], sin[i/2]
			ga, gb := out.Grad[i], out.Grad[i+1]
			vec.Grad[i] += ga*c + gb*s
			vec.Grad[i+1] += -ga*s + gb*c
		}
		if headDim%2 == 1 {
			vec.Grad[headDim-1] += out.Grad[headDim-1]
		}
	}, vec)
}

// ScalarSoftmax is a differentiable softmax over attention logits.
func ScalarSoftmax(logits []*Scalar) []*Scalar {
	raw := make([]float64, len(logits))
	for i, s := range logits {
		raw[i] = s.Data
	}
	probs := SoftmaxProbs(raw)

	kids := make([]Node, len(logits))
	for i, s := range logits {
		kids[i] = s
	}
	out := make([]*Scalar, len(logits))
	for i := range logits {
		ii := i
		sv := &Scalar{Data: probs[ii]}
		out[ii] = sv.track(func() {
			g := sv.Grad
			for j := range logits {
				if j == ii {
					logits[j].Grad += g * probs[ii] * (1.0 - probs[ii])
				} else {
					logits[j].Grad -= g * probs[ii] * probs[j]
				}
			}
		}, kids...)
	}
	return out
}

// AttentionWeightedSum computes sum_t weights[t] * values[t].
func AttentionWeightedSum(weights []*Scalar, values []*Vec) *Vec {
	dim := len(values[0].Data)
	d := make([]float64, dim)
	for t, w := range weights {
		for j := 0; j < dim; j++ {
			d[j] += w.Data * values[t].Data[j]
		}
	}
	kids := make([]Node, 0, 2*len(weights))
	for _, w := range weights {
		kids = append(kids, w)
	}
	for _, v := range values {
		kids = append(kids, v)
	}
	out := NewVec(d)
	return out.track(func() {
		for t, w := range weights {
			for j := 0; j < dim; j++ {
				w.Grad += values[t].Data[j] * out.Grad[j]
				values[t].Grad[j] += w.Data * out.Grad[j]
			}
		}
	}, kids...)
}

// SoftmaxProbs is a plain softmax for sampling.
func SoftmaxProbs(data []float64) []float64 {
	maxVal := data[0]
	for _, v := range data[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float64, len(data))
	total := 0.0
	for i, v := range data {
		probs[i] = math.Exp(v - maxVal)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}
	return probs
}

// sampleCategorical draws one index from softmax(logits / temperature) over
// the full vocabulary.
func sampleCategorical(rng *rand.Rand, logits []float64, temperature float64) int {
	scaled := make([]float64, len(logits))
	for i, v := range logits {
		scaled[i] = v / temperature
	}
	probs := SoftmaxProbs(scaled)
	r := rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}
