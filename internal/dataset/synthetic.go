// Package dataset provides the labeled batch stream the training loop
// consumes. The real data pipeline is an external collaborator; this
// synthetic source emits class-conditioned Gaussian token sequences so runs
// are self-contained and deterministic under a single worker.
package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// Sample is one labeled token sequence.
type Sample struct {
	Tokens [][]float32
	Label  int
}

// Batch is what the trainer consumes per step.
type Batch struct {
	Inputs [][][]float32 // [example][token][dim]
	Labels []int
}

// Options configures the synthetic stream.
type Options struct {
	NumClasses int
	Tokens     int
	Dim        int
	BatchSize  int
	NumWorkers int
	Seed       int64
	Noise      float64
}

// Start launches the worker pool and batch assembler. The returned channel
// closes when ctx is cancelled.
func Start(ctx context.Context, opts Options) (<-chan Batch, error) {
	if opts.NumClasses <= 1 {
		return nil, fmt.Errorf("dataset: num classes must be > 1 (got %d)", opts.NumClasses)
	}
	if opts.Tokens <= 0 {
		return nil, fmt.Errorf("dataset: tokens must be > 0 (got %d)", opts.Tokens)
	}
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("dataset: dim must be > 0 (got %d)", opts.Dim)
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Noise <= 0 {
		opts.Noise = 0.25
	}

	protos := prototypes(opts.NumClasses, opts.Dim, opts.Seed)

	samples := make(chan Sample, opts.NumWorkers*2)
	out := make(chan Batch, 2)

	var wg sync.WaitGroup
	for w := 0; w < opts.NumWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.Seed + int64(workerID)*7919))
			for {
				s := draw(rng, protos, opts)
				select {
				case <-ctx.Done():
					return
				case samples <- s:
				}
			}
		}(w)
	}

	go func() {
		wg.Wait()
		close(samples)
	}()

	go func() {
		defer close(out)
		for {
			batch := Batch{
				Inputs: make([][][]float32, 0, opts.BatchSize),
				Labels: make([]int, 0, opts.BatchSize),
			}
			for len(batch.Inputs) < opts.BatchSize {
				select {
				case <-ctx.Done():
					return
				case s, ok := <-samples:
					if !ok {
						return
					}
					batch.Inputs = append(batch.Inputs, s.Tokens)
					batch.Labels = append(batch.Labels, s.Label)
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- batch:
			}
		}
	}()

	return out, nil
}

// prototypes derives one fixed direction per class from the seed, so the
// same seed always yields the same classification problem.
func prototypes(classes, dim int, seed int64) [][]float32 {
	protos := make([][]float32, classes)
	for c := range protos {
		rng := rand.New(rand.NewSource(seed*31 + int64(c)))
		p := make([]float32, dim)
		for d := range p {
			p[d] = rng.Float32()*2 - 1
		}
		protos[c] = p
	}
	return protos
}

func draw(rng *rand.Rand, protos [][]float32, opts Options) Sample {
	label := rng.Intn(opts.NumClasses)
	tokens := make([][]float32, opts.Tokens)
	for t := range tokens {
		tok := make([]float32, opts.Dim)
		for d := range tok {
			tok[d] = protos[label][d] + float32(rng.NormFloat64()*opts.Noise)
		}
		// Mild positional drift keeps first-token and mean-token pooling
		// distinguishable.
		if t > 0 {
			for d := range tok {
				tok[d] += float32(t) * 0.01
			}
		}
		tokens[t] = tok
	}
	return Sample{Tokens: tokens, Label: label}
}
