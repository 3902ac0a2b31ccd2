package backbone

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"github.com/openfluke/loom/nn"
	"golang.org/x/sync/errgroup"
)

// MLPEncoder is the reference backbone: a frozen stack of per-token dense
// layers built on loom. Every token of every example is pushed through the
// same network and each dense layer's activation is recorded as that layer's
// hidden state. Nothing ever runs the network's backward pass, so the
// parameters stay bit-identical for the lifetime of the encoder.
type MLPEncoder struct {
	net    *nn.Network
	depth  int
	dim    int
	tokens int
}

// NewMLPEncoder builds a frozen encoder with deterministic, seeded weights.
func NewMLPEncoder(depth, dim, tokens int, seed int64) (*MLPEncoder, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("backbone: depth must be > 0 (got %d)", depth)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("backbone: embedding dim must be > 0 (got %d)", dim)
	}
	if tokens <= 0 {
		return nil, fmt.Errorf("backbone: tokens must be > 0 (got %d)", tokens)
	}

	net := nn.NewNetwork(dim, 1, 1, depth)
	rng := rand.New(rand.NewSource(seed))
	stddev := float32(math.Sqrt(2.0 / float64(dim)))
	for l := 0; l < depth; l++ {
		cfg := nn.InitDenseLayer(dim, dim, nn.ActivationLeakyReLU)
		// InitDenseLayer draws from the global rand source; re-draw from the
		// seeded rng so two encoders with the same seed are identical.
		for i := range cfg.Kernel {
			cfg.Kernel[i] = float32(rng.NormFloat64()) * stddev
		}
		net.SetLayer(0, 0, l, cfg)
	}

	return &MLPEncoder{net: net, depth: depth, dim: dim, tokens: tokens}, nil
}

func (m *MLPEncoder) Depth() int        { return m.depth }
func (m *MLPEncoder) EmbeddingDim() int { return m.dim }

// HiddenOffset is 1: index 0 of HiddenStates carries the raw token
// embeddings, index 1+i the output of block i.
func (m *MLPEncoder) HiddenOffset() int { return 1 }

// Tokens reports the token count the encoder was sized for. Forward accepts
// any uniform token count; this is the default for collaborators generating
// inputs.
func (m *MLPEncoder) Tokens() int { return m.tokens }

// Forward runs one frozen pass over a batch of token sequences, shaped
// [example][token][dim], and returns depth+1 layers of hidden states.
// Examples are encoded concurrently; each goroutine owns its own loom
// StepState, and the network itself is only read.
func (m *MLPEncoder) Forward(inputs [][][]float32) (HiddenStates, error) {
	if len(inputs) == 0 {
		return nil, errors.New("backbone: empty batch")
	}
	tokens := len(inputs[0])
	if tokens == 0 {
		return nil, errors.New("backbone: example 0 has no tokens")
	}
	for ei, example := range inputs {
		if len(example) != tokens {
			return nil, fmt.Errorf("backbone: ragged batch: example %d has %d tokens, want %d", ei, len(example), tokens)
		}
		for ti, tok := range example {
			if len(tok) != m.dim {
				return nil, fmt.Errorf("backbone: example %d token %d has dim %d, want %d", ei, ti, len(tok), m.dim)
			}
		}
	}

	states := make(HiddenStates, m.depth+1)
	for l := range states {
		states[l] = make(LayerState, len(inputs))
		for ei := range inputs {
			states[l][ei] = make([][]float32, tokens)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for ei := range inputs {
		ei := ei
		g.Go(func() error {
			return m.encodeExample(inputs[ei], states, ei)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

func (m *MLPEncoder) encodeExample(example [][]float32, states HiddenStates, ei int) error {
	for ti, tok := range example {
		raw := make([]float32, m.dim)
		copy(raw, tok)
		states[0][ei][ti] = raw

		state := m.net.InitStepState(m.dim)
		state.SetInput(tok)
		for s := 0; s < m.depth; s++ {
			m.net.StepForward(state)
		}
		for l := 0; l < m.depth; l++ {
			out := state.GetLayerOutput(l + 1)
			if len(out) != m.dim {
				return fmt.Errorf("backbone: layer %d emitted %d values, want %d", l, len(out), m.dim)
			}
			states[1+l][ei][ti] = out
		}
	}
	return nil
}
