package main

import (
	"encoding/json"
	"math/rand"
	"os"

	"github.com/pkg/errors"
)

// BaseWeights is the on-disk form of a pretrained base model. Adapters and
// optimizer state are never part of it.
type BaseWeights struct {
	Model     ModelConfig            `json:"model"`
	Tokenizer TokenizerJSON          `json:"tokenizer"`
	Base      map[string][][]float64 `json:"base"`
}

type TokenizerJSON struct {
	Tokens []string   `json:"tokens"`
	Merges [][]string `json:"merges"`
}

// SaveBaseWeights writes the frozen base and tokenizer of p to path.
func SaveBaseWeights(p *Policy, path string) error {
	merges := make([][]string, len(p.Tok.Merges))
	for i, m := range p.Tok.Merges {
		merges[i] = []string{m.A, m.B}
	}
	bw := BaseWeights{
		Model:     p.Cfg,
		Tokenizer: TokenizerJSON{Tokens: p.Tok.Tokens, Merges: merges},
		Base:      make(map[string][][]float64, len(p.base)),
	}
	for name, m := range p.base {
		bw.Base[name] = m.Snapshot()
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create base weights")
	}
	if err := json.NewEncoder(f).Encode(bw); err != nil {
		f.Close()
		return errors.Wrap(err, "encode base weights")
	}
	return errors.Wrap(f.Close(), "close base weights")
}

// LoadBaseWeights restores a base model from path and attaches freshly
// initialized adapters.
func LoadBaseWeights(rng *rand.Rand, path string, acfg AdapterConfig) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open base weights")
	}
	defer f.Close()

	var bw BaseWeights
	if err := json.NewDecoder(f).Decode(&bw); err != nil {
		return nil, errors.Wrapf(err, "decode base weights %s", path)
	}
	if err := bw.Model.validate(); err != nil {
		return nil, err
	}

	merges := make([]MergePair, 0, len(bw.Tokenizer.Merges))
	for _, m := range bw.Tokenizer.Merges {
		if len(m) == 2 {
			merges = append(merges, MergePair{m[0], m[1]})
		}
	}
	tok := newTokenizerFromTokens(bw.Tokenizer.Tokens, merges)
	for _, special := range []string{tokPAD, tokBOS, tokEOS} {
		if _, ok := tok.Stoi[special]; !ok {
			return nil, errors.Errorf("base weights %s: tokenizer lacks %s", path, special)
		}
	}

	shapes := baseShapes(bw.Model, tok.VocabSize())
	for name := range bw.Base {
		if _, ok := shapes[name]; !ok {
			return nil, errors.Errorf("base weights %s: unexpected matrix %s", path, name)
		}
	}
	base := make(map[string]*Matrix, len(shapes))
	for name, shape := range shapes {
		rows, ok := bw.Base[name]
		if !ok {
			return nil, errors.Errorf("base weights %s: missing %s", path, name)
		}
		if err := checkShape(rows, shape[0], shape[1]); err != nil {
			return nil, errors.WithMessagef(err, "base weights %s: %s", path, name)
		}
		base[name] = matrixFromRows(rows)
	}
	return newPolicyFromBase(rng, tok, bw.Model, base, acfg)
}

// baseShapes maps every base matrix of cfg to its (out, in) shape.
func baseShapes(cfg ModelConfig, vocab int) map[string][2]int {
	e := cfg.NEmbd
	shapes := map[string][2]int{
		"wte":     {vocab, e},
		"lm_head": {vocab, e},
	}
	for li := 0; li < cfg.NLayer; li++ {
		wq, wk, wv, wo, fcg, fcv, fc2 := layerNames(li)
		for _, name := range []string{wq, wk, wv, wo} {
			shapes[name] = [2]int{e, e}
		}
		shapes[fcg] = [2]int{4 * e, e}
		shapes[fcv] = [2]int{4 * e, e}
		shapes[fc2] = [2]int{e, 4 * e}
	}
	return shapes
}

func checkShape(rows [][]float64, out, in int) error {
	if len(rows) != out {
		return errors.Errorf("has %d rows, want %d", len(rows), out)
	}
	for i, row := range rows {
		if len(row) != in {
			return errors.Errorf("row %d has %d values, want %d", i, len(row), in)
		}
	}
	return nil
}
