package main

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Matrix is a weight matrix stored as rows of Vecs, shape (Out, In).
type Matrix struct {
	Rows []*Vec
	Out  int
	In   int
}

func NewMatrix(rng *rand.Rand, out, in int, std float64) *Matrix {
	rows := make([]*Vec, out)
	for i := 0; i < out; i++ {
		d := make([]float64, in)
		for j := 0; j < in; j++ {
			d[j] = rng.NormFloat64() * std
		}
		rows[i] = NewParam(d)
	}
	return &Matrix{Rows: rows, Out: out, In: in}
}

// Matvec computes m @ x.
func (m *Matrix) Matvec(x *Vec) *Vec {
	d := make([]float64, m.Out)
	for i, row := range m.Rows {
		d[i] = floats.Dot(row.Data, x.Data)
	}
	out := NewVec(d)
	if !gradEnabled() {
		return out
	}
	kids := make([]Node, 0, m.Out+1)
	for _, row := range m.Rows {
		kids = append(kids, row)
	}
	kids = append(kids, x)
	rows := m.Rows
	return out.track(func() {
		for i, row := range rows {
			g := out.Grad[i]
			if g == 0 {
				continue
			}
			floats.AddScaled(row.Grad, g, x.Data)
			floats.AddScaled(x.Grad, g, row.Data)
		}
	}, kids...)
}

func (m *Matrix) Params() []*Vec {
	return m.Rows
}

// Snapshot copies the weights out as plain rows.
func (m *Matrix) Snapshot() [][]float64 {
	rows := make([][]float64, m.Out)
	for i, row := range m.Rows {
		rows[i] = append([]float64(nil), row.Data...)
	}
	return rows
}

func matrixFromRows(data [][]float64) *Matrix {
	m := &Matrix{Out: len(data), Rows: make([]*Vec, len(data))}
	if len(data) > 0 {
		m.In = len(data[0])
	}
	for i, row := range data {
		m.Rows[i] = NewParam(append([]float64(nil), row...))
	}
	return m
}
