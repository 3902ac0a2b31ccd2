package probe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openfluke/loom/nn"

	"github.com/rbalestr-lab/layerprobe/internal/metrics"
)

// Mode selects between training and evaluation stepping.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

// ProbeResult is one probe's contribution to a StepReport: the step's loss,
// its instantaneous top-1 and top-k accuracy over the batch, and the raw
// logits. Err is non-nil only for per-probe numerical failures; the loss may
// be NaN and the accuracies are zero in that case.
type ProbeResult struct {
	Loss   float64
	Top1   float64
	TopK   float64
	Logits [][]float32
	Err    error
}

// StepReport maps probe name to its per-step result. The key set is exactly
// the configured probe names, unchanged for the lifetime of the set.
type StepReport map[string]ProbeResult

// SchedulerFactory builds one scheduler instance per probe so that probes
// never share mutable schedule state.
type SchedulerFactory func() nn.LRScheduler

// ProbeSet owns the probes and drives them in lockstep against a shared
// EmbeddingBatch and label batch. Probes are mutually independent; no
// ordering between them is guaranteed.
type ProbeSet struct {
	specs   []LayerSpec
	classes int
	topK    int
	probes  map[int]*Probe
}

// NewProbeSet constructs one probe per layer spec. The set is fixed at
// construction; probes are never added or removed mid-run. topK sets the k
// for the per-step top-k accuracy in each ProbeResult.
func NewProbeSet(specs []LayerSpec, dim, classes, topK int, opt OptimizerConfig, newSched SchedulerFactory) (*ProbeSet, error) {
	if len(specs) == 0 {
		return nil, errors.New("probe: no layer specs")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("probe: top-k must be > 0 (got %d)", topK)
	}
	if newSched == nil {
		return nil, errors.New("probe: nil scheduler factory")
	}
	probes := make(map[int]*Probe, len(specs))
	for _, spec := range specs {
		if _, dup := probes[spec.Layer]; dup {
			return nil, fmt.Errorf("probe: duplicate layer %d", spec.Layer)
		}
		p, err := NewProbe(spec.Name(), dim, classes, opt, newSched())
		if err != nil {
			return nil, err
		}
		probes[spec.Layer] = p
	}
	return &ProbeSet{specs: specs, classes: classes, topK: topK, probes: probes}, nil
}

// Names returns the probe names in layer order.
func (s *ProbeSet) Names() []string {
	names := make([]string, len(s.specs))
	for i, spec := range s.specs {
		names[i] = spec.Name()
	}
	return names
}

// Probe returns the probe bound to a layer, or nil.
func (s *ProbeSet) Probe(layer int) *Probe {
	return s.probes[layer]
}

// Step dispatches each probe's slice of the embedding batch together with
// the shared labels. Shape desynchronization fails the whole step before any
// probe runs; a single probe's numerical failure is recorded in its result
// and does not stop its siblings.
func (s *ProbeSet) Step(emb EmbeddingBatch, labels []int, mode Mode) (StepReport, error) {
	if len(labels) == 0 {
		return nil, errors.New("probe: empty label batch")
	}
	for i, l := range labels {
		if l < 0 || l >= s.classes {
			return nil, fmt.Errorf("probe: label %d out of range [0, %d) at index %d", l, s.classes, i)
		}
	}
	for _, spec := range s.specs {
		batch, ok := emb[spec.Layer]
		if !ok {
			return nil, fmt.Errorf("probe: embedding batch missing layer %d", spec.Layer)
		}
		if len(batch) != len(labels) {
			return nil, fmt.Errorf("probe: layer %d embedding batch size %d disagrees with label batch size %d",
				spec.Layer, len(batch), len(labels))
		}
	}

	results := make([]ProbeResult, len(s.specs))
	var wg sync.WaitGroup
	for i, spec := range s.specs {
		i, spec := i, spec
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := s.probes[spec.Layer]
			var out StepOutput
			var err error
			if mode == ModeTrain {
				out, err = p.TrainStep(emb[spec.Layer], labels)
			} else {
				out, err = p.EvalStep(emb[spec.Layer], labels)
			}
			res := ProbeResult{Loss: out.Loss, Logits: out.Logits, Err: err}
			if err == nil {
				res.Top1, res.TopK = batchAccuracy(out.Logits, labels, s.topK)
			}
			results[i] = res
		}()
	}
	wg.Wait()

	report := make(StepReport, len(s.specs))
	for i, spec := range s.specs {
		report[spec.Name()] = results[i]
	}
	return report, nil
}

// batchAccuracy computes instantaneous top-1 and top-k fractions for one
// step's logits, using the same rank rule as the windowed aggregator.
func batchAccuracy(logits [][]float32, labels []int, k int) (top1, topK float64) {
	if len(logits) == 0 {
		return 0, 0
	}
	var c1, ck int
	for b, row := range logits {
		rank := metrics.Rank(row, labels[b])
		if rank == 0 {
			c1++
		}
		if rank < k {
			ck++
		}
	}
	n := float64(len(logits))
	return float64(c1) / n, float64(ck) / n
}

// States snapshots every probe's parameters as opaque blobs keyed by probe
// name, for an external checkpointing collaborator.
func (s *ProbeSet) States() (map[string][]byte, error) {
	states := make(map[string][]byte, len(s.specs))
	for _, spec := range s.specs {
		blob, err := s.probes[spec.Layer].State()
		if err != nil {
			return nil, fmt.Errorf("probe: snapshot %s: %w", spec.Name(), err)
		}
		states[spec.Name()] = blob
	}
	return states, nil
}

// LoadStates restores snapshots taken by States. Unknown names are an
// error; missing names leave that probe untouched.
func (s *ProbeSet) LoadStates(states map[string][]byte) error {
	byName := make(map[string]*Probe, len(s.specs))
	for _, spec := range s.specs {
		byName[spec.Name()] = s.probes[spec.Layer]
	}
	for name, blob := range states {
		p, ok := byName[name]
		if !ok {
			return fmt.Errorf("probe: state for unknown probe %q", name)
		}
		if err := p.LoadState(blob); err != nil {
			return err
		}
	}
	return nil
}
