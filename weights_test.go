package main

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// ============================================================
// Base weights tests
// ============================================================

func TestBaseWeightsRoundTrip(t *testing.T) {
	p := tinyPolicy(t, 50)
	path := filepath.Join(t.TempDir(), "base.json")
	if err := SaveBaseWeights(p, path); err != nil {
		t.Fatalf("SaveBaseWeights: %v", err)
	}
	q, err := LoadBaseWeights(rand.New(rand.NewSource(99)), path,
		AdapterConfig{Rank: 2, Alpha: 2, Std: 0.02, Targets: DefaultAdapterTargets})
	if err != nil {
		t.Fatalf("LoadBaseWeights: %v", err)
	}
	if q.Tok.VocabSize() != p.Tok.VocabSize() || q.Cfg != p.Cfg {
		t.Fatalf("expected same vocab and dims, got %d %+v", q.Tok.VocabSize(), q.Cfg)
	}

	tokens := p.Tok.Encode("a photo of a cat")
	valid := allValid(len(tokens))
	var want, got []*Vec
	_ = p.WithAdapterDisabled(func() error { want = p.Forward(tokens, valid); return nil })
	_ = q.WithAdapterDisabled(func() error { got = q.Forward(tokens, valid); return nil })
	for i := range want {
		for j := range want[i].Data {
			if math.Float64bits(want[i].Data[j]) != math.Float64bits(got[i].Data[j]) {
				t.Fatalf("logit [%d][%d] differs after reload: %v vs %v", i, j, want[i].Data[j], got[i].Data[j])
			}
		}
	}
	if len(q.TrainableParams()) != len(p.TrainableParams()) {
		t.Errorf("expected fresh adapters with the same layout")
	}
}

func TestLoadBaseWeightsRejectsIncomplete(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing lm_head": `{"model":{"n_layer":1,"n_embd":2,"n_head":1},"tokenizer":{"tokens":["a","<PAD>","<BOS>","<EOS>"]},"base":{"wte":[[0,0],[0,0],[0,0],[0,0]]}}`,
		"no specials":     `{"model":{"n_layer":1,"n_embd":2,"n_head":1},"tokenizer":{"tokens":["a"]},"base":{}}`,
		"bad dims":        `{"model":{"n_layer":1,"n_embd":3,"n_head":2},"tokenizer":{"tokens":["<PAD>","<BOS>","<EOS>"]},"base":{}}`,
		"not json":        `{`,
	}
	acfg := AdapterConfig{Rank: 1, Alpha: 1, Targets: []string{"lm_head"}}
	for name, body := range cases {
		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadBaseWeights(rand.New(rand.NewSource(1)), path, acfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadBaseWeightsRejectsBadShapes(t *testing.T) {
	p := tinyPolicy(t, 51)
	dir := t.TempDir()
	path := filepath.Join(dir, "base.json")
	if err := SaveBaseWeights(p, path); err != nil {
		t.Fatalf("SaveBaseWeights: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]func(bw *BaseWeights){
		"ragged row": func(bw *BaseWeights) {
			bw.Base["l0.wq"][1] = bw.Base["l0.wq"][1][:len(bw.Base["l0.wq"][1])-1]
		},
		"lm_head past vocab": func(bw *BaseWeights) {
			bw.Base["lm_head"] = append(bw.Base["lm_head"], make([]float64, bw.Model.NEmbd))
		},
		"fc2 transposed": func(bw *BaseWeights) {
			bw.Base["l0.fc2"] = bw.Base["l0.fc_g"]
		},
		"extra layer": func(bw *BaseWeights) {
			bw.Base["l1.wq"] = bw.Base["l0.wq"]
		},
	}
	acfg := AdapterConfig{Rank: 2, Alpha: 2, Std: 0.02, Targets: DefaultAdapterTargets}
	for name, mutate := range cases {
		var bw BaseWeights
		if err := json.Unmarshal(raw, &bw); err != nil {
			t.Fatal(err)
		}
		mutate(&bw)
		body, err := json.Marshal(&bw)
		if err != nil {
			t.Fatal(err)
		}
		bad := filepath.Join(dir, name+".json")
		if err := os.WriteFile(bad, body, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadBaseWeights(rand.New(rand.NewSource(1)), bad, acfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := LoadBaseWeights(rand.New(rand.NewSource(1)), path, acfg); err != nil {
		t.Errorf("expected the untouched file to load, got %v", err)
	}
}
