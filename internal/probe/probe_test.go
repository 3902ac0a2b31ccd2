package probe

import (
	"errors"
	"math"
	"testing"

	"github.com/openfluke/loom/nn"
	"github.com/stretchr/testify/require"
)

func testOpt() OptimizerConfig {
	return OptimizerConfig{LearningRate: 0.1, Momentum: 0.9}
}

func testSched() nn.LRScheduler {
	return nn.NewConstantScheduler(0.1)
}

func separableBatch() ([][]float32, []int) {
	emb := [][]float32{
		{1.0, 0.1, 0.0},
		{0.9, 0.0, 0.1},
		{0.0, 1.0, 0.1},
		{0.1, 0.9, 0.0},
	}
	labels := []int{0, 0, 1, 1}
	return emb, labels
}

func TestProbeTrainStepReducesLoss(t *testing.T) {
	p, err := NewProbe("layer_0", 3, 2, testOpt(), testSched())
	if err != nil {
		t.Fatalf("NewProbe: %v", err)
	}
	emb, labels := separableBatch()
	out1, err := p.TrainStep(emb, labels)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	var last float64
	for i := 0; i < 20; i++ {
		out, err := p.TrainStep(emb, labels)
		if err != nil {
			t.Fatalf("TrainStep %d: %v", i, err)
		}
		last = out.Loss
	}
	if last >= out1.Loss {
		t.Fatalf("expected loss to decrease; first=%f last=%f", out1.Loss, last)
	}
	if p.Step() != 21 {
		t.Fatalf("expected 21 steps, got %d", p.Step())
	}
}

func TestProbeConstructionErrors(t *testing.T) {
	cases := []struct {
		name  string
		build func() (*Probe, error)
	}{
		{"zero dim", func() (*Probe, error) { return NewProbe("p", 0, 2, testOpt(), testSched()) }},
		{"one class", func() (*Probe, error) { return NewProbe("p", 3, 1, testOpt(), testSched()) }},
		{"zero lr", func() (*Probe, error) {
			return NewProbe("p", 3, 2, OptimizerConfig{LearningRate: 0}, testSched())
		}},
		{"bad momentum", func() (*Probe, error) {
			return NewProbe("p", 3, 2, OptimizerConfig{LearningRate: 0.1, Momentum: 1}, testSched())
		}},
		{"nil scheduler", func() (*Probe, error) { return NewProbe("p", 3, 2, testOpt(), nil) }},
		{"empty name", func() (*Probe, error) { return NewProbe("", 3, 2, testOpt(), testSched()) }},
	}
	for _, tc := range cases {
		if _, err := tc.build(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestProbeShapeErrors(t *testing.T) {
	p, err := NewProbe("layer_0", 3, 2, testOpt(), testSched())
	require.NoError(t, err)

	_, err = p.TrainStep(nil, nil)
	require.Error(t, err)

	_, err = p.TrainStep([][]float32{{1, 2}}, []int{0})
	require.Error(t, err, "embedding narrower than configured dim")

	_, err = p.TrainStep([][]float32{{1, 2, 3}}, []int{0, 1})
	require.Error(t, err, "batch size disagreement")

	_, err = p.TrainStep([][]float32{{1, 2, 3}}, []int{2})
	require.Error(t, err, "label out of range")
}

func TestProbeEvalDeterministic(t *testing.T) {
	p, err := NewProbe("layer_0", 3, 2, testOpt(), testSched())
	require.NoError(t, err)

	emb, labels := separableBatch()
	for i := 0; i < 5; i++ {
		_, err := p.TrainStep(emb, labels)
		require.NoError(t, err)
	}

	before, err := p.State()
	require.NoError(t, err)

	out1, err := p.EvalStep(emb, labels)
	require.NoError(t, err)
	out2, err := p.EvalStep(emb, labels)
	require.NoError(t, err)

	require.Equal(t, out1.Loss, out2.Loss)
	require.Equal(t, out1.Logits, out2.Logits)

	after, err := p.State()
	require.NoError(t, err)
	require.Equal(t, before, after, "eval must not mutate the probe")
}

func TestProbeNonFiniteIsolated(t *testing.T) {
	p, err := NewProbe("layer_0", 3, 2, testOpt(), testSched())
	require.NoError(t, err)

	emb, labels := separableBatch()
	_, err = p.TrainStep(emb, labels)
	require.NoError(t, err)

	before, err := p.State()
	require.NoError(t, err)

	bad := [][]float32{{float32(math.Inf(1)), 0, 0}, {1, 0, 0}}
	out, err := p.TrainStep(bad, []int{0, 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNonFinite), "got %v", err)
	require.True(t, math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0))

	after, err := p.State()
	require.NoError(t, err)
	require.Equal(t, before, after, "failed step must leave parameters untouched")

	// The probe keeps working on clean batches afterwards.
	_, err = p.TrainStep(emb, labels)
	require.NoError(t, err)
}

func TestProbeIndependence(t *testing.T) {
	a, err := NewProbe("layer_0", 3, 2, testOpt(), testSched())
	require.NoError(t, err)
	b, err := NewProbe("layer_1", 3, 2, testOpt(), testSched())
	require.NoError(t, err)

	bBefore, err := b.State()
	require.NoError(t, err)

	emb, labels := separableBatch()
	for i := 0; i < 10; i++ {
		_, err := a.TrainStep(emb, labels)
		require.NoError(t, err)
	}

	bAfter, err := b.State()
	require.NoError(t, err)
	require.Equal(t, bBefore, bAfter, "stepping probe A must never alter probe B")
}

func TestProbeStateRoundtrip(t *testing.T) {
	p, err := NewProbe("layer_3", 4, 3, testOpt(), testSched())
	require.NoError(t, err)

	emb := [][]float32{{1, 2, 3, 4}, {4, 3, 2, 1}, {0, 1, 0, 1}}
	labels := []int{0, 1, 2}
	for i := 0; i < 7; i++ {
		_, err := p.TrainStep(emb, labels)
		require.NoError(t, err)
	}

	blob, err := p.State()
	require.NoError(t, err)

	restored, err := NewProbe("layer_3", 4, 3, testOpt(), testSched())
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(blob))
	require.Equal(t, 7, restored.Step())

	want, err := p.EvalStep(emb, labels)
	require.NoError(t, err)
	got, err := restored.EvalStep(emb, labels)
	require.NoError(t, err)
	require.Equal(t, want.Logits, got.Logits)

	wrongGeom, err := NewProbe("layer_3", 5, 3, testOpt(), testSched())
	require.NoError(t, err)
	require.Error(t, wrongGeom.LoadState(blob))
}

func TestProbeScheduleAdvances(t *testing.T) {
	// A decaying schedule must shrink the applied update over time: with
	// identical gradients, later steps move the weights less.
	sched := nn.NewLinearDecayScheduler(0.5, 0.0, 10)
	p, err := NewProbe("layer_0", 3, 2, OptimizerConfig{LearningRate: 0.5}, sched)
	require.NoError(t, err)

	require.Equal(t, float32(0.5), p.scheduledLR())
	emb, labels := separableBatch()
	for i := 0; i < 5; i++ {
		_, err := p.TrainStep(emb, labels)
		require.NoError(t, err)
	}
	require.Less(t, p.scheduledLR(), float32(0.5))
}
