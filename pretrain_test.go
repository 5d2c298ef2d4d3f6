package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// ============================================================
// Pretraining tests
// ============================================================

func TestPretrainMovesBaseOnly(t *testing.T) {
	p := tinyPolicy(t, 60)
	base := snapshotParams(p.BaseParams())
	adapters := snapshotParams(p.TrainableParams())
	cfg := PretrainConfig{Steps: 3, LR: 0.01, Batch: 2, BlockSize: 16}
	losses, err := Pretrain(context.Background(), p, []string{"a photo of a cat", "a dog"}, cfg,
		NewAdam(cfg.LR, 0.9, 0.999, 1e-8), rand.New(rand.NewSource(1)), quietLogger())
	if err != nil {
		t.Fatalf("Pretrain: %v", err)
	}
	if len(losses) != 3 {
		t.Fatalf("expected 3 losses, got %d", len(losses))
	}
	for i, l := range losses {
		if math.IsNaN(l) || l <= 0 {
			t.Errorf("loss %d: expected positive finite, got %v", i, l)
		}
	}
	assertParamsEqual(t, adapters, p.TrainableParams())

	moved := false
	for i, v := range p.BaseParams() {
		for j := range v.Data {
			if v.Data[j] != base[i][j] {
				moved = true
			}
		}
	}
	if !moved {
		t.Error("expected base params to move")
	}
}

func TestPretrainCancelled(t *testing.T) {
	p := tinyPolicy(t, 61)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	losses, err := Pretrain(ctx, p, []string{"abc"}, PretrainConfig{Steps: 5, LR: 0.01, Batch: 1},
		NewAdam(0.01, 0.9, 0.999, 1e-8), rand.New(rand.NewSource(1)), quietLogger())
	if err != nil || len(losses) != 0 {
		t.Errorf("expected clean stop with no steps, got %d losses (%v)", len(losses), err)
	}
}

func TestPretrainEmptyCorpus(t *testing.T) {
	_, err := Pretrain(context.Background(), tinyPolicy(t, 62), nil, PretrainConfig{Steps: 1},
		NewAdam(0.01, 0.9, 0.999, 1e-8), rand.New(rand.NewSource(1)), quietLogger())
	if err == nil {
		t.Error("expected error for empty corpus")
	}
}

func TestSequenceLossShortInput(t *testing.T) {
	p := tinyPolicy(t, 63)
	if l := SequenceLoss(p, []int{p.Tok.BOS()}, 8); l.Data != 0 {
		t.Errorf("expected 0 for a single token, got %v", l.Data)
	}
	ids := p.Tok.Encode("hello there")
	l := SequenceLoss(p, ids, 3)
	if !(l.Data > 0) {
		t.Errorf("expected positive loss, got %v", l.Data)
	}
}

func TestLoadCorpusSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.txt")
	if err := os.WriteFile(path, []byte("a cat\n\n  \n a dog \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	docs, err := loadCorpus(path)
	if err != nil {
		t.Fatalf("loadCorpus: %v", err)
	}
	if len(docs) != 2 || docs[0] != "a cat" || docs[1] != "a dog" {
		t.Errorf("expected [a cat, a dog], got %q", docs)
	}
}
