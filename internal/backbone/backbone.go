// Package backbone defines the frozen feature extractor consumed by the
// probing core, and a closed registry of supported backbone kinds.
package backbone

import "fmt"

// LayerState holds one layer's hidden states, indexed [example][token][dim].
type LayerState [][][]float32

// HiddenStates is the ordered sequence of per-layer states produced by one
// forward pass. Index 0 holds the raw input embedding for kinds whose
// HiddenOffset is 1; block i's output lives at index HiddenOffset()+i.
type HiddenStates []LayerState

// Backbone is a frozen feature extractor. Forward must be deterministic for
// identical input, must accept any batch size >= 1, and must never receive
// gradient updates from callers.
type Backbone interface {
	Forward(inputs [][][]float32) (HiddenStates, error)
	Depth() int
	EmbeddingDim() int
	// HiddenOffset is the index of block 0's output within HiddenStates.
	// The embedding-skip convention varies per backbone family, so it is an
	// explicit per-kind parameter rather than a hardcoded constant.
	HiddenOffset() int
}

// Kind enumerates the supported backbone variants. The set is closed:
// adding a family means adding a variant here, not registering a string at
// runtime.
type Kind int

const (
	KindMLPEncoder Kind = iota
)

// ParseKind maps a config string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "mlp-encoder":
		return KindMLPEncoder, nil
	default:
		return 0, fmt.Errorf("backbone: unknown kind %q", s)
	}
}

// Descriptor carries the per-kind capabilities resolved at startup.
type Descriptor struct {
	DefaultPooling string
	Depth          int
	EmbeddingDim   int
	HiddenOffset   int
}

// Options sizes the backbone being resolved.
type Options struct {
	Depth        int
	EmbeddingDim int
	Tokens       int
	Seed         int64
}

// Resolve constructs the backbone for a kind along with its descriptor.
func Resolve(kind Kind, opts Options) (Backbone, Descriptor, error) {
	switch kind {
	case KindMLPEncoder:
		enc, err := NewMLPEncoder(opts.Depth, opts.EmbeddingDim, opts.Tokens, opts.Seed)
		if err != nil {
			return nil, Descriptor{}, err
		}
		return enc, Descriptor{
			DefaultPooling: "mean-token",
			Depth:          enc.Depth(),
			EmbeddingDim:   enc.EmbeddingDim(),
			HiddenOffset:   enc.HiddenOffset(),
		}, nil
	default:
		return nil, Descriptor{}, fmt.Errorf("backbone: unsupported kind %d", kind)
	}
}
