package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
backbone:
  kind: mlp-encoder
  depth: 6
  embedding_dim: 32
  tokens: 4
probes:
  layers: [1, 3, 5]
  pooling: first-token
  num_classes: 100
optimizer:
  type: sgd
  learning_rate: 0.01
  momentum: 0.9
scheduler:
  type: cosine
  total_steps: 500
epochs: 3
batch_size: 16
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backbone.Depth != 6 {
		t.Fatalf("expected depth 6, got %d", cfg.Backbone.Depth)
	}
	if len(cfg.Probes.Layers) != 3 || cfg.Probes.Layers[2] != 5 {
		t.Fatalf("unexpected layers %v", cfg.Probes.Layers)
	}
	if cfg.Probes.NumClasses != 100 {
		t.Fatalf("expected 100 classes, got %d", cfg.Probes.NumClasses)
	}
	// Defaults survive where the file is silent.
	if cfg.Probes.TopK != 5 {
		t.Fatalf("expected default top_k 5, got %d", cfg.Probes.TopK)
	}
	if cfg.BatchSize != 16 {
		t.Fatalf("expected batch 16, got %d", cfg.BatchSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateNamesOffendingField(t *testing.T) {
	cases := []struct {
		mutate func(*Config)
		want   string
	}{
		{func(c *Config) { c.Backbone.Kind = "resnet" }, "backbone.kind"},
		{func(c *Config) { c.Backbone.Depth = 0 }, "backbone.depth"},
		{func(c *Config) { c.Backbone.EmbeddingDim = -1 }, "backbone.embedding_dim"},
		{func(c *Config) { c.Probes.Pooling = "max-token" }, "probes.pooling"},
		{func(c *Config) { c.Probes.NumClasses = 1 }, "probes.num_classes"},
		{func(c *Config) { c.Probes.Layers = []int{12} }, "probes.layers"},
		{func(c *Config) { c.Probes.Layers = []int{3, 3} }, "probes.layers"},
		{func(c *Config) { c.Probes.Layers = nil; c.Probes.Stride = 0 }, "probes.stride"},
		{func(c *Config) { c.Optimizer.Type = "adam" }, "optimizer.type"},
		{func(c *Config) { c.Optimizer.LearningRate = 0 }, "optimizer.learning_rate"},
		{func(c *Config) { c.Optimizer.Momentum = 1.5 }, "optimizer.momentum"},
		{func(c *Config) { c.Scheduler.Type = "exponential" }, "scheduler.type"},
		{func(c *Config) { c.Scheduler.Type = "cosine"; c.Scheduler.TotalSteps = 0 }, "scheduler.total_steps"},
		{func(c *Config) { c.Scheduler.Type = "step"; c.Scheduler.StepSize = 0 }, "scheduler.step_size"},
		{func(c *Config) { c.Epochs = 0 }, "epochs"},
		{func(c *Config) { c.BatchSize = -4 }, "batch_size"},
		{func(c *Config) { c.LogEvery = 0 }, "log_every"},
		{func(c *Config) { c.MaxConsecutiveFailures = 0 }, "max_consecutive_failures"},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("expected validation error mentioning %q", tc.want)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("error %q does not name field %q", err, tc.want)
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{Epochs: 2, BatchSize: 8, Seed: -3})
	if cfg.Epochs != 2 || cfg.BatchSize != 8 || cfg.Seed != -3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// Zero-valued overrides leave the config alone.
	cfg.ApplyOverrides(Overrides{})
	if cfg.Epochs != 2 || cfg.BatchSize != 8 || cfg.Seed != -3 {
		t.Fatalf("zero overrides mutated config: %+v", cfg)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}
