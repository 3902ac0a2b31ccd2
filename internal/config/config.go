package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a probing run.
type Config struct {
	Backbone  Backbone  `yaml:"backbone"`
	Probes    Probes    `yaml:"probes"`
	Optimizer Optimizer `yaml:"optimizer"`
	Scheduler Scheduler `yaml:"scheduler"`

	Epochs        int   `yaml:"epochs"`
	StepsPerEpoch int   `yaml:"steps_per_epoch"`
	EvalSteps     int   `yaml:"eval_steps"`
	BatchSize     int   `yaml:"batch_size"`
	NumWorkers    int   `yaml:"num_workers"`
	Seed          int64 `yaml:"seed"`
	LogEvery      int   `yaml:"log_every"`

	// MaxConsecutiveFailures aborts the run once a single probe fails this
	// many train steps in a row.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// Backbone selects and sizes the frozen feature extractor.
type Backbone struct {
	Kind         string `yaml:"kind"`
	Depth        int    `yaml:"depth"`
	EmbeddingDim int    `yaml:"embedding_dim"`
	Tokens       int    `yaml:"tokens"`
}

// Probes configures the set of linear probes attached to the backbone.
type Probes struct {
	// Layers lists explicit block indices to probe. When empty, every
	// Stride-th block is probed instead.
	Layers     []int  `yaml:"layers"`
	Stride     int    `yaml:"stride"`
	Pooling    string `yaml:"pooling"` // first-token | mean-token | "" (backbone default)
	NumClasses int    `yaml:"num_classes"`
	TopK       int    `yaml:"top_k"`
}

// Optimizer configures the per-probe optimizer.
type Optimizer struct {
	Type         string  `yaml:"type"` // sgd
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
}

// Scheduler configures the per-probe learning-rate schedule.
type Scheduler struct {
	Type        string  `yaml:"type"` // constant | cosine | linear | step
	FinalLR     float64 `yaml:"final_lr"`
	TotalSteps  int     `yaml:"total_steps"`
	DecayFactor float64 `yaml:"decay_factor"`
	StepSize    int     `yaml:"step_size"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Epochs        int
	StepsPerEpoch int
	BatchSize     int
	NumWorkers    int
	Seed          int64
	LogEvery      int
}

var validPooling = map[string]bool{"": true, "first-token": true, "mean-token": true}
var validOptimizer = map[string]bool{"sgd": true}
var validScheduler = map[string]bool{"constant": true, "cosine": true, "linear": true, "step": true}
var validKind = map[string]bool{"mlp-encoder": true}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the baseline configuration a YAML file is decoded over.
func Default() *Config {
	return &Config{
		Backbone: Backbone{
			Kind:         "mlp-encoder",
			Depth:        12,
			EmbeddingDim: 64,
			Tokens:       8,
		},
		Probes: Probes{
			Stride:     1,
			NumClasses: 10,
			TopK:       5,
		},
		Optimizer: Optimizer{
			Type:         "sgd",
			LearningRate: 1e-3,
		},
		Scheduler: Scheduler{
			Type: "constant",
		},
		Epochs:                 10,
		StepsPerEpoch:          100,
		EvalSteps:              20,
		BatchSize:              32,
		NumWorkers:             2,
		Seed:                   42,
		LogEvery:               10,
		MaxConsecutiveFailures: 5,
	}
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.StepsPerEpoch > 0 {
		c.StepsPerEpoch = o.StepsPerEpoch
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable. Every failure names the
// offending field; invalid values are never silently corrected.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if !validKind[c.Backbone.Kind] {
		return fmt.Errorf("backbone.kind: unknown kind %q", c.Backbone.Kind)
	}
	if c.Backbone.Depth <= 0 {
		return fmt.Errorf("backbone.depth must be > 0 (got %d)", c.Backbone.Depth)
	}
	if c.Backbone.EmbeddingDim <= 0 {
		return fmt.Errorf("backbone.embedding_dim must be > 0 (got %d)", c.Backbone.EmbeddingDim)
	}
	if c.Backbone.Tokens <= 0 {
		return fmt.Errorf("backbone.tokens must be > 0 (got %d)", c.Backbone.Tokens)
	}
	if !validPooling[c.Probes.Pooling] {
		return fmt.Errorf("probes.pooling: unknown mode %q", c.Probes.Pooling)
	}
	if c.Probes.NumClasses <= 1 {
		return fmt.Errorf("probes.num_classes must be > 1 (got %d)", c.Probes.NumClasses)
	}
	if c.Probes.TopK <= 0 {
		return fmt.Errorf("probes.top_k must be > 0 (got %d)", c.Probes.TopK)
	}
	if len(c.Probes.Layers) == 0 && c.Probes.Stride <= 0 {
		return fmt.Errorf("probes.stride must be > 0 when probes.layers is empty (got %d)", c.Probes.Stride)
	}
	seen := make(map[int]bool, len(c.Probes.Layers))
	for _, l := range c.Probes.Layers {
		if l < 0 || l >= c.Backbone.Depth {
			return fmt.Errorf("probes.layers: index %d outside backbone depth %d", l, c.Backbone.Depth)
		}
		if seen[l] {
			return fmt.Errorf("probes.layers: duplicate index %d", l)
		}
		seen[l] = true
	}
	if !validOptimizer[c.Optimizer.Type] {
		return fmt.Errorf("optimizer.type: unknown type %q", c.Optimizer.Type)
	}
	if c.Optimizer.LearningRate <= 0 {
		return fmt.Errorf("optimizer.learning_rate must be > 0 (got %g)", c.Optimizer.LearningRate)
	}
	if c.Optimizer.Momentum < 0 || c.Optimizer.Momentum >= 1 {
		return fmt.Errorf("optimizer.momentum must be in [0, 1) (got %g)", c.Optimizer.Momentum)
	}
	if !validScheduler[c.Scheduler.Type] {
		return fmt.Errorf("scheduler.type: unknown type %q", c.Scheduler.Type)
	}
	if (c.Scheduler.Type == "cosine" || c.Scheduler.Type == "linear") && c.Scheduler.TotalSteps <= 0 {
		return fmt.Errorf("scheduler.total_steps must be > 0 for %q (got %d)", c.Scheduler.Type, c.Scheduler.TotalSteps)
	}
	if c.Scheduler.Type == "step" {
		if c.Scheduler.StepSize <= 0 {
			return fmt.Errorf("scheduler.step_size must be > 0 for step decay (got %d)", c.Scheduler.StepSize)
		}
		if c.Scheduler.DecayFactor <= 0 || c.Scheduler.DecayFactor > 1 {
			return fmt.Errorf("scheduler.decay_factor must be in (0, 1] for step decay (got %g)", c.Scheduler.DecayFactor)
		}
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.StepsPerEpoch <= 0 {
		return fmt.Errorf("steps_per_epoch must be > 0 (got %d)", c.StepsPerEpoch)
	}
	if c.EvalSteps < 0 {
		return fmt.Errorf("eval_steps must be >= 0 (got %d)", c.EvalSteps)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.LogEvery <= 0 {
		return fmt.Errorf("log_every must be > 0 (got %d)", c.LogEvery)
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be > 0 (got %d)", c.MaxConsecutiveFailures)
	}
	return nil
}
