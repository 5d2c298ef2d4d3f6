package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

// ============================================================
// Config tests
// ============================================================

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"empty prompt":     func(c *Config) { c.Prompt = "   " },
		"negative length":  func(c *Config) { c.Length = -1 },
		"batch of one":     func(c *Config) { c.BatchSize = 1 },
		"negative kl":      func(c *Config) { c.KLWeight = -0.1 },
		"zero temperature": func(c *Config) { c.Temperature = 0 },
		"negative lr":      func(c *Config) { c.LearningRate = -1 },
		"zero rank":        func(c *Config) { c.AdapterRank = 0 },
		"unknown target":   func(c *Config) { c.AdapterTargets = []string{"nope"} },
	}
	for name, mutate := range cases {
		c := DefaultConfig()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestValidateAcceptsZeroLengthAndKL(t *testing.T) {
	c := DefaultConfig()
	c.Length = 0
	c.KLWeight = 0
	c.LearningRate = 0
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestParseConfigRepeatedImage(t *testing.T) {
	cfg, err := parseConfig("train", []string{"-image", "a.png", "-image", "b.png,c.png"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	want := []string{"a.png", "b.png", "c.png"}
	if len(cfg.Images) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.Images)
	}
	for i := range want {
		if cfg.Images[i] != want[i] {
			t.Errorf("image %d: expected %s, got %s", i, want[i], cfg.Images[i])
		}
	}
}

func TestParseConfigTargetsReplaceDefault(t *testing.T) {
	cfg, err := parseConfig("train", []string{"-adapter-targets", "fc_g,fc2"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if len(cfg.AdapterTargets) != 2 || cfg.AdapterTargets[0] != "fc_g" || cfg.AdapterTargets[1] != "fc2" {
		t.Errorf("expected [fc_g fc2], got %v", cfg.AdapterTargets)
	}
}

func TestParseConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	body := `{"prompt": "a painting of", "batch_size": 3, "kl_weight": 0.5, "images": ["x.png"]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := parseConfig("train", []string{"-batch-size", "6", "-config", path})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Prompt != "a painting of" {
		t.Errorf("expected prompt from file, got %q", cfg.Prompt)
	}
	if cfg.BatchSize != 6 {
		t.Errorf("expected flag to win, got batch size %d", cfg.BatchSize)
	}
	if cfg.KLWeight != 0.5 {
		t.Errorf("expected kl_weight 0.5, got %v", cfg.KLWeight)
	}
	if len(cfg.Images) != 1 || cfg.Images[0] != "x.png" {
		t.Errorf("expected images from file, got %v", cfg.Images)
	}
	if cfg.Length != DefaultConfig().Length {
		t.Errorf("expected default length, got %d", cfg.Length)
	}
}

func TestParseConfigErrors(t *testing.T) {
	if _, err := parseConfig("train", []string{"stray"}); err == nil {
		t.Error("expected error for positional argument")
	}
	if _, err := parseConfig("train", []string{"-config", filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Error("expected error for missing config file")
	}
}
