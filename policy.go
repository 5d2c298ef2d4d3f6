package main

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ModelConfig fixes the shape of the base transformer.
type ModelConfig struct {
	NLayer int `json:"n_layer"`
	NEmbd  int `json:"n_embd"`
	NHead  int `json:"n_head"`
}

func (c ModelConfig) validate() error {
	if c.NLayer <= 0 || c.NEmbd <= 0 || c.NHead <= 0 {
		return errors.Errorf("model dims must be positive: %+v", c)
	}
	if c.NEmbd%c.NHead != 0 {
		return errors.Errorf("n_embd %d is not divisible by n_head %d", c.NEmbd, c.NHead)
	}
	return nil
}

// LanguageModel is what the training stages need from a policy.
type LanguageModel interface {
	// Generate returns tokens followed by exactly length sampled tokens.
	Generate(rng *rand.Rand, tokens []int, valid []bool, length int, temperature float64) []int
	// Forward returns one logits vector per position.
	Forward(tokens []int, valid []bool) []*Vec
	WithAdapterDisabled(fn func() error) error
	TrainableParams() []*Vec
}

// Policy is a small causal transformer (RMSNorm, RoPE attention, gated MLP)
// whose base weights stay frozen while low-rank adapters train.
type Policy struct {
	Tok     *Tokenizer
	Cfg     ModelConfig
	headDim int

	base     map[string]*Matrix
	adapters map[string]*Adapter

	disabled atomic.Int32
}

var _ LanguageModel = (*Policy)(nil)

func layerNames(li int) (wq, wk, wv, wo, fcg, fcv, fc2 string) {
	p := fmt.Sprintf("l%d.", li)
	return p + "wq", p + "wk", p + "wv", p + "wo", p + "fc_g", p + "fc_v", p + "fc2"
}

// NewPolicy builds randomly initialized base weights and attaches adapters.
func NewPolicy(rng *rand.Rand, tok *Tokenizer, cfg ModelConfig, acfg AdapterConfig) (*Policy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	V, E := tok.VocabSize(), cfg.NEmbd
	base := map[string]*Matrix{
		"wte":     NewMatrix(rng, V, E, 0.08),
		"lm_head": NewMatrix(rng, V, E, 0.08),
	}
	for li := 0; li < cfg.NLayer; li++ {
		wq, wk, wv, wo, fcg, fcv, fc2 := layerNames(li)
		base[wq] = NewMatrix(rng, E, E, 0.08)
		base[wk] = NewMatrix(rng, E, E, 0.08)
		base[wv] = NewMatrix(rng, E, E, 0.08)
		base[wo] = NewMatrix(rng, E, E, 0.08)
		base[fcg] = NewMatrix(rng, 4*E, E, 0.08)
		base[fcv] = NewMatrix(rng, 4*E, E, 0.08)
		base[fc2] = NewMatrix(rng, E, 4*E, 0.08)
	}
	return newPolicyFromBase(rng, tok, cfg, base, acfg)
}

func newPolicyFromBase(rng *rand.Rand, tok *Tokenizer, cfg ModelConfig, base map[string]*Matrix, acfg AdapterConfig) (*Policy, error) {
	if err := acfg.validate(); err != nil {
		return nil, err
	}
	p := &Policy{
		Tok:      tok,
		Cfg:      cfg,
		headDim:  cfg.NEmbd / cfg.NHead,
		base:     base,
		adapters: make(map[string]*Adapter),
	}
	targets := make(map[string]bool, len(acfg.Targets))
	for _, t := range acfg.Targets {
		targets[t] = true
	}
	// Sorted so the adapters draw from rng in a fixed order.
	for _, name := range sortedKeys(base) {
		if name == "wte" {
			continue
		}
		short := name
		if _, after, ok := strings.Cut(name, "."); ok {
			short = after
		}
		if !targets[short] {
			continue
		}
		m := base[name]
		p.adapters[name] = NewAdapter(rng, m.Out, m.In, acfg)
	}
	return p, nil
}

// WithAdapterDisabled runs fn against the base weights alone. Scopes nest and
// the adapters come back on every exit path of fn.
func (p *Policy) WithAdapterDisabled(fn func() error) error {
	p.disabled.Add(1)
	defer p.disabled.Add(-1)
	return fn()
}

func (p *Policy) adaptersOn() bool { return p.disabled.Load() == 0 }

// TrainableParams lists adapter rows only, in a stable order.
func (p *Policy) TrainableParams() []*Vec {
	var out []*Vec
	for _, name := range sortedKeys(p.adapters) {
		out = append(out, p.adapters[name].Params()...)
	}
	return out
}

// BaseParams lists the frozen base rows in a stable order.
func (p *Policy) BaseParams() []*Vec {
	var out []*Vec
	for _, name := range sortedKeys(p.base) {
		out = append(out, p.base[name].Params()...)
	}
	return out
}

func (p *Policy) apply(name string, x *Vec) *Vec {
	y := p.base[name].Matvec(x)
	if ad, ok := p.adapters[name]; ok && p.adaptersOn() {
		y = y.Add(ad.Apply(x))
	}
	return y
}

type cacheEntry struct {
	keys   []*Vec // per head, rotated at insertion
	values []*Vec // per head
	valid  bool
}

// kvCache holds per-layer attention entries for one sequence.
type kvCache struct {
	layers  [][]cacheEntry
	nextPos int
}

func (p *Policy) newCache() *kvCache {
	return &kvCache{layers: make([][]cacheEntry, p.Cfg.NLayer)}
}

// step feeds one token and returns its next-token logits. Padding tokens do
// not advance the position counter and are never attended to by later
// tokens.
func (p *Policy) step(c *kvCache, tokenID int, valid bool) *Vec {
	pos := c.nextPos
	if valid {
		c.nextPos++
	}
	x := p.base["wte"].Rows[tokenID]
	hd := p.headDim
	invSqrt := 1.0 / math.Sqrt(float64(hd))

	for li := 0; li < p.Cfg.NLayer; li++ {
		wq, wk, wv, wo, fcg, fcv, fc2 := layerNames(li)

		res := x
		x = RMSNorm(x)
		q := p.apply(wq, x)
		k := p.apply(wk, x)
		v := p.apply(wv, x)

		entry := cacheEntry{
			keys:   make([]*Vec, p.Cfg.NHead),
			values: make([]*Vec, p.Cfg.NHead),
			valid:  valid,
		}
		for h := 0; h < p.Cfg.NHead; h++ {
			entry.keys[h] = RoPERotate(k.Slice(h*hd, (h+1)*hd), pos)
			entry.values[h] = v.Slice(h*hd, (h+1)*hd)
		}
		c.layers[li] = append(c.layers[li], entry)
		entries := c.layers[li]
		self := len(entries) - 1

		heads := make([]*Vec, p.Cfg.NHead)
		for h := 0; h < p.Cfg.NHead; h++ {
			qh := RoPERotate(q.Slice(h*hd, (h+1)*hd), pos)
			var logits []*Scalar
			var vals []*Vec
			for t, e := range entries {
				if !e.valid && t != self {
					continue
				}
				logits = append(logits, qh.Dot(e.keys[h]).MulF(invSqrt))
				vals = append(vals, e.values[h])
			}
			heads[h] = AttentionWeightedSum(ScalarSoftmax(logits), vals)
		}
		x = p.apply(wo, Concat(heads)).Add(res)

		res = x
		x = RMSNorm(x)
		g := p.apply(fcg, x).ReLU()
		u := p.apply(fcv, x)
		x = p.apply(fc2, g.MulVec(u)).Add(res)
	}
	return p.apply("lm_head", RMSNorm(x))
}

// Forward recomputes logits for every position of tokens from scratch.
func (p *Policy) Forward(tokens []int, valid []bool) []*Vec {
	if len(tokens) != len(valid) {
		panic(fmt.Sprintf("forward: %d tokens but %d validity flags", len(tokens), len(valid)))
	}
	c := p.newCache()
	logits := make([]*Vec, len(tokens))
	for t, id := range tokens {
		logits[t] = p.step(c, id, valid[t])
	}
	return logits
}

// Generate samples exactly length tokens after the prompt from the full
// softmax at temperature. EOS does not stop generation.
func (p *Policy) Generate(rng *rand.Rand, tokens []int, valid []bool, length int, temperature float64) []int {
	out := append(make([]int, 0, len(tokens)+length), tokens...)
	if length <= 0 {
		return out
	}
	if len(tokens) == 0 {
		panic("generate: empty prompt")
	}
	_ = NoGrad(func() error {
		c := p.newCache()
		var last *Vec
		for t, id := range tokens {
			last = p.step(c, id, valid[t])
		}
		for i := 0; i < length; i++ {
			next := sampleCategorical(rng, last.Data, temperature)
			out = append(out, next)
			if i+1 < length {
				last = p.step(c, next, true)
			}
		}
		return nil
	})
	return out
}
