package main

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// AdapterConfig selects which base weights get a low-rank delta.
type AdapterConfig struct {
	Rank    int      `json:"rank"`
	Alpha   float64  `json:"alpha"`
	Std     float64  `json:"std"`
	Targets []string `json:"targets"`
}

// DefaultAdapterTargets are the attention projections.
var DefaultAdapterTargets = []string{"wq", "wk", "wv", "wo"}

var adapterTargetSet = map[string]bool{
	"wq": true, "wk": true, "wv": true, "wo": true,
	"fc_g": true, "fc_v": true, "fc2": true, "lm_head": true,
}

func (c AdapterConfig) validate() error {
	if c.Rank <= 0 {
		return errors.Errorf("adapter rank must be positive, got %d", c.Rank)
	}
	if len(c.Targets) == 0 {
		return errors.New("adapter needs at least one target")
	}
	for _, t := range c.Targets {
		if !adapterTargetSet[t] {
			return errors.Errorf("unknown adapter target %q", t)
		}
	}
	return nil
}

// Adapter adds scale * A(B(x)) on top of a frozen base projection.
type Adapter struct {
	A     *Matrix
	B     *Matrix
	Scale float64
}

func NewAdapter(rng *rand.Rand, out, in int, cfg AdapterConfig) *Adapter {
	return &Adapter{
		A:     NewMatrix(rng, out, cfg.Rank, cfg.Std),
		B:     NewMatrix(rng, cfg.Rank, in, cfg.Std),
		Scale: cfg.Alpha / float64(cfg.Rank),
	}
}

func (a *Adapter) Apply(x *Vec) *Vec {
	return a.A.Matvec(a.B.Matvec(x)).Scale(a.Scale)
}

func (a *Adapter) Params() []*Vec {
	out := make([]*Vec, 0, a.A.Out+a.B.Out)
	out = append(out, a.A.Params()...)
	return append(out, a.B.Params()...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
