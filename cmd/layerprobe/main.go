package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/rbalestr-lab/layerprobe/internal/config"
	"github.com/rbalestr-lab/layerprobe/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/demo.yaml", "Path to YAML config")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	stepsPerEpoch := flag.Int("steps-per-epoch", 0, "Training steps per epoch")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log every N steps")
	checkpointDir := flag.String("checkpoint-dir", "", "Directory for per-epoch probe state blobs (empty = no checkpoints)")

	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	cfg.ApplyOverrides(config.Overrides{
		Epochs:        *epochs,
		StepsPerEpoch: *stepsPerEpoch,
		BatchSize:     *batchSize,
		NumWorkers:    *numWorkers,
		Seed:          *seed,
		LogEvery:      *logEvery,
	})

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := trainer.RunConfig{Config: cfg, Logger: logger}
	if *checkpointDir != "" {
		if err := os.MkdirAll(*checkpointDir, 0o755); err != nil {
			logger.Fatal("create checkpoint dir", zap.Error(err))
		}
		dir := *checkpointDir
		rc.CheckpointSink = func(epoch int, states map[string][]byte) error {
			for name, blob := range states {
				path := filepath.Join(dir, fmt.Sprintf("epoch_%03d_%s.json", epoch, name))
				if err := os.WriteFile(path, blob, 0o644); err != nil {
					return err
				}
			}
			return nil
		}
	}

	if err := trainer.Run(ctx, rc); err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}
}
