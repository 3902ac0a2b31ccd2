// Package probe implements the multi-probe training core: feature fan-out
// from a frozen backbone, independent linear probes, and the coordinator
// that drives them in lockstep.
package probe

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rbalestr-lab/layerprobe/internal/backbone"
)

// Pooling reduces a per-token state sequence to one vector per example.
type Pooling int

const (
	// PoolFirstToken takes sequence position 0 (a prepended aggregate token).
	PoolFirstToken Pooling = iota
	// PoolMeanToken averages over the token dimension.
	PoolMeanToken
)

// ParsePooling maps a config string onto a Pooling mode. Unknown modes are a
// setup-time configuration error, never a per-batch one.
func ParsePooling(s string) (Pooling, error) {
	switch s {
	case "first-token":
		return PoolFirstToken, nil
	case "mean-token":
		return PoolMeanToken, nil
	default:
		return 0, fmt.Errorf("probe: unknown pooling mode %q", s)
	}
}

func (p Pooling) String() string {
	switch p {
	case PoolFirstToken:
		return "first-token"
	case PoolMeanToken:
		return "mean-token"
	default:
		return fmt.Sprintf("pooling(%d)", int(p))
	}
}

// LayerSpec binds one probed block index to its pooling rule. Immutable
// after setup.
type LayerSpec struct {
	Layer   int
	Pooling Pooling
}

// Name is the probe identifier used in reports and checkpoints.
func (s LayerSpec) Name() string {
	return fmt.Sprintf("layer_%d", s.Layer)
}

// ResolveLayerSpecs is the layer selector: an explicit index list wins, an
// empty list selects every stride-th block. Indices must be unique and
// strictly within [0, depth).
func ResolveLayerSpecs(explicit []int, stride, depth int, pooling Pooling) ([]LayerSpec, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("probe: backbone depth must be > 0 (got %d)", depth)
	}
	indices := explicit
	if len(indices) == 0 {
		if stride <= 0 {
			return nil, fmt.Errorf("probe: stride must be > 0 (got %d)", stride)
		}
		for i := 0; i < depth; i += stride {
			indices = append(indices, i)
		}
	}
	seen := make(map[int]bool, len(indices))
	specs := make([]LayerSpec, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= depth {
			return nil, fmt.Errorf("probe: layer index %d outside backbone depth %d", idx, depth)
		}
		if seen[idx] {
			return nil, fmt.Errorf("probe: duplicate layer index %d", idx)
		}
		seen[idx] = true
		specs = append(specs, LayerSpec{Layer: idx, Pooling: pooling})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Layer < specs[j].Layer })
	return specs, nil
}

// EmbeddingBatch maps a probed layer index to its pooled embeddings, shaped
// [example][dim]. Created and consumed within a single step.
type EmbeddingBatch map[int][][]float32

// Extractor runs the frozen backbone once per batch and fans the selected
// layers' hidden states out into pooled embeddings. It holds its dependency
// set explicitly: the backbone and the layer specs, nothing else.
type Extractor struct {
	backbone backbone.Backbone
	specs    []LayerSpec
}

// NewExtractor validates the specs against the backbone once, at setup.
func NewExtractor(b backbone.Backbone, specs []LayerSpec) (*Extractor, error) {
	if b == nil {
		return nil, errors.New("probe: backbone is nil")
	}
	if len(specs) == 0 {
		return nil, errors.New("probe: no layer specs")
	}
	seen := make(map[int]bool, len(specs))
	for _, spec := range specs {
		if spec.Layer < 0 || spec.Layer >= b.Depth() {
			return nil, fmt.Errorf("probe: layer %d outside backbone depth %d", spec.Layer, b.Depth())
		}
		if seen[spec.Layer] {
			return nil, fmt.Errorf("probe: duplicate layer %d", spec.Layer)
		}
		seen[spec.Layer] = true
		if spec.Pooling != PoolFirstToken && spec.Pooling != PoolMeanToken {
			return nil, fmt.Errorf("probe: layer %d: invalid pooling %d", spec.Layer, int(spec.Pooling))
		}
	}
	return &Extractor{backbone: b, specs: specs}, nil
}

// Specs returns the configured layer specs.
func (e *Extractor) Specs() []LayerSpec { return e.specs }

// Compute runs exactly one backbone forward pass and pools each selected
// layer's states into fresh tensors. The output never aliases the
// backbone's buffers, so no gradient or mutation can reach the backbone.
func (e *Extractor) Compute(inputs [][][]float32) (EmbeddingBatch, error) {
	hidden, err := e.backbone.Forward(inputs)
	if err != nil {
		return nil, fmt.Errorf("probe: backbone forward: %w", err)
	}
	offset := e.backbone.HiddenOffset()
	dim := e.backbone.EmbeddingDim()

	out := make(EmbeddingBatch, len(e.specs))
	for _, spec := range e.specs {
		// Block spec.Layer's output sits at offset+spec.Layer; the slots
		// below the offset belong to the raw embedding layer.
		idx := offset + spec.Layer
		if idx >= len(hidden) {
			return nil, fmt.Errorf("probe: hidden state %d missing (backbone returned %d layers)", idx, len(hidden))
		}
		layer := hidden[idx]
		pooled := make([][]float32, len(layer))
		for ei, toks := range layer {
			if len(toks) == 0 {
				return nil, fmt.Errorf("probe: layer %d example %d has no tokens", spec.Layer, ei)
			}
			vec := make([]float32, dim)
			switch spec.Pooling {
			case PoolFirstToken:
				copy(vec, toks[0])
			case PoolMeanToken:
				for _, tok := range toks {
					for d := 0; d < dim; d++ {
						vec[d] += tok[d]
					}
				}
				inv := float32(1) / float32(len(toks))
				for d := range vec {
					vec[d] *= inv
				}
			}
			pooled[ei] = vec
		}
		out[spec.Layer] = pooled
	}
	return out, nil
}
