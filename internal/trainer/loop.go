// Package trainer owns the run loop: one frozen backbone pass per step
// fanned out to every probe, metrics accumulation, epoch windowing and the
// consecutive-failure escalation policy.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openfluke/loom/nn"
	"github.com/rbalestr-lab/layerprobe/internal/backbone"
	"github.com/rbalestr-lab/layerprobe/internal/config"
	"github.com/rbalestr-lab/layerprobe/internal/dataset"
	"github.com/rbalestr-lab/layerprobe/internal/metrics"
	"github.com/rbalestr-lab/layerprobe/internal/probe"
)

// RunConfig captures what the trainer needs beyond the validated config.
type RunConfig struct {
	Config *config.Config
	Logger *zap.Logger

	// CheckpointSink receives every probe's opaque state blob at each epoch
	// boundary. File naming and format belong to the collaborator.
	CheckpointSink func(epoch int, states map[string][]byte) error
}

// Run executes the probing workload for the configured number of epochs or
// until ctx is cancelled.
func Run(ctx context.Context, rc RunConfig) error {
	cfg := rc.Config
	if cfg == nil {
		return errors.New("trainer: nil config")
	}
	logger := rc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	kind, err := backbone.ParseKind(cfg.Backbone.Kind)
	if err != nil {
		return err
	}
	bb, desc, err := backbone.Resolve(kind, backbone.Options{
		Depth:        cfg.Backbone.Depth,
		EmbeddingDim: cfg.Backbone.EmbeddingDim,
		Tokens:       cfg.Backbone.Tokens,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return err
	}

	poolMode := cfg.Probes.Pooling
	if poolMode == "" {
		poolMode = desc.DefaultPooling
	}
	pooling, err := probe.ParsePooling(poolMode)
	if err != nil {
		return err
	}
	specs, err := probe.ResolveLayerSpecs(cfg.Probes.Layers, cfg.Probes.Stride, desc.Depth, pooling)
	if err != nil {
		return err
	}
	extractor, err := probe.NewExtractor(bb, specs)
	if err != nil {
		return err
	}
	newSched, err := schedulerFactory(cfg.Optimizer, cfg.Scheduler)
	if err != nil {
		return err
	}
	set, err := probe.NewProbeSet(specs, desc.EmbeddingDim, cfg.Probes.NumClasses, cfg.Probes.TopK, probe.OptimizerConfig{
		LearningRate: cfg.Optimizer.LearningRate,
		Momentum:     cfg.Optimizer.Momentum,
	}, newSched)
	if err != nil {
		return err
	}
	trainAcc, err := metrics.NewAccuracy(cfg.Probes.TopK)
	if err != nil {
		return err
	}
	evalAcc, err := metrics.NewAccuracy(cfg.Probes.TopK)
	if err != nil {
		return err
	}

	batches, err := dataset.Start(ctx, dataset.Options{
		NumClasses: cfg.Probes.NumClasses,
		Tokens:     cfg.Backbone.Tokens,
		Dim:        desc.EmbeddingDim,
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return err
	}

	logger.Info("run configured",
		zap.String("backbone", cfg.Backbone.Kind),
		zap.Int("depth", desc.Depth),
		zap.Int("embedding_dim", desc.EmbeddingDim),
		zap.Int("probes", len(specs)),
		zap.String("pooling", pooling.String()),
		zap.Int("num_classes", cfg.Probes.NumClasses),
	)

	failures := make(map[string]int, len(specs))
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := runEpoch(ctx, logger, cfg, extractor, set, trainAcc, batches, failures, epoch); err != nil {
			return err
		}
		if err := runEval(ctx, cfg, extractor, set, evalAcc, batches); err != nil {
			return err
		}
		for _, name := range set.Names() {
			fields := []zap.Field{zap.Int("epoch", epoch), zap.String("probe", name)}
			if r, ok := trainAcc.Report(name); ok {
				fields = append(fields,
					zap.Float64("train_top1", r.Top1),
					zap.Float64("train_topk", r.TopK),
					zap.Float64("train_loss", r.AvgLoss),
					zap.Int("train_examples", r.Examples),
				)
			}
			if r, ok := evalAcc.Report(name); ok {
				fields = append(fields,
					zap.Float64("eval_top1", r.Top1),
					zap.Float64("eval_topk", r.TopK),
					zap.Float64("eval_loss", r.AvgLoss),
				)
			}
			logger.Info("epoch metrics", fields...)
			trainAcc.ResetWindow(name)
			evalAcc.ResetWindow(name)
		}
		if rc.CheckpointSink != nil {
			states, err := set.States()
			if err != nil {
				return err
			}
			if err := rc.CheckpointSink(epoch, states); err != nil {
				return fmt.Errorf("trainer: checkpoint epoch %d: %w", epoch, err)
			}
		}
	}
	return nil
}

func runEpoch(
	ctx context.Context,
	logger *zap.Logger,
	cfg *config.Config,
	extractor *probe.Extractor,
	set *probe.ProbeSet,
	acc *metrics.Accuracy,
	batches <-chan dataset.Batch,
	failures map[string]int,
	epoch int,
) error {
	var dataTime, computeTime time.Duration
	var windowSteps int

	for step := 1; step <= cfg.StepsPerEpoch; step++ {
		startData := time.Now()
		batch, err := nextBatch(ctx, batches)
		if err != nil {
			return err
		}
		dataTime += time.Since(startData)

		startCompute := time.Now()
		emb, err := extractor.Compute(batch.Inputs)
		if err != nil {
			return err
		}
		report, err := set.Step(emb, batch.Labels, probe.ModeTrain)
		if err != nil {
			return err
		}
		computeTime += time.Since(startCompute)
		windowSteps++

		for name, res := range report {
			if res.Err != nil {
				failures[name]++
				logger.Warn("probe step failed",
					zap.Int("epoch", epoch),
					zap.Int("step", step),
					zap.String("probe", name),
					zap.Int("consecutive", failures[name]),
					zap.Error(res.Err),
				)
				if failures[name] >= cfg.MaxConsecutiveFailures {
					return fmt.Errorf("trainer: probe %s failed %d consecutive steps: %w",
						name, failures[name], res.Err)
				}
				continue
			}
			failures[name] = 0
			acc.Update(name, res.Logits, batch.Labels)
			acc.UpdateLoss(name, res.Loss)
		}

		if step%cfg.LogEvery == 0 {
			meanLoss, reporting := 0.0, 0
			for _, res := range report {
				if res.Err == nil {
					meanLoss += res.Loss
					reporting++
				}
			}
			if reporting > 0 {
				meanLoss /= float64(reporting)
			}
			logger.Info("train step",
				zap.Int("epoch", epoch),
				zap.Int("step", step),
				zap.Float64("mean_loss", meanLoss),
				zap.Int("probes_ok", reporting),
				zap.Float64("data_ms", ms(dataTime)/float64(windowSteps)),
				zap.Float64("compute_ms", ms(computeTime)/float64(windowSteps)),
			)
			dataTime, computeTime, windowSteps = 0, 0, 0
		}
	}
	return nil
}

func runEval(
	ctx context.Context,
	cfg *config.Config,
	extractor *probe.Extractor,
	set *probe.ProbeSet,
	acc *metrics.Accuracy,
	batches <-chan dataset.Batch,
) error {
	for step := 0; step < cfg.EvalSteps; step++ {
		batch, err := nextBatch(ctx, batches)
		if err != nil {
			return err
		}
		emb, err := extractor.Compute(batch.Inputs)
		if err != nil {
			return err
		}
		report, err := set.Step(emb, batch.Labels, probe.ModeEval)
		if err != nil {
			return err
		}
		for name, res := range report {
			if res.Err != nil {
				continue
			}
			acc.Update(name, res.Logits, batch.Labels)
			acc.UpdateLoss(name, res.Loss)
		}
	}
	return nil
}

func nextBatch(ctx context.Context, batches <-chan dataset.Batch) (dataset.Batch, error) {
	select {
	case <-ctx.Done():
		return dataset.Batch{}, ctx.Err()
	case batch, ok := <-batches:
		if !ok {
			return dataset.Batch{}, errors.New("trainer: batch stream closed")
		}
		return batch, nil
	}
}

func ms(d time.Duration) float64 {
	return d.Seconds() * 1000
}

// schedulerFactory maps the scheduler config onto loom's LRScheduler
// implementations. Each call of the returned factory yields a fresh
// instance so probes never share schedule state.
func schedulerFactory(opt config.Optimizer, sched config.Scheduler) (probe.SchedulerFactory, error) {
	lr := float32(opt.LearningRate)
	switch sched.Type {
	case "constant":
		return func() nn.LRScheduler { return nn.NewConstantScheduler(lr) }, nil
	case "cosine":
		final := float32(sched.FinalLR)
		steps := sched.TotalSteps
		return func() nn.LRScheduler { return nn.NewCosineAnnealingScheduler(lr, final, steps) }, nil
	case "linear":
		final := float32(sched.FinalLR)
		steps := sched.TotalSteps
		return func() nn.LRScheduler { return nn.NewLinearDecayScheduler(lr, final, steps) }, nil
	case "step":
		factor := float32(sched.DecayFactor)
		size := sched.StepSize
		return func() nn.LRScheduler { return nn.NewStepDecayScheduler(lr, factor, size) }, nil
	default:
		return nil, fmt.Errorf("trainer: unknown scheduler type %q", sched.Type)
	}
}
