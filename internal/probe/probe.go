package probe

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/openfluke/loom/nn"
)

const (
	bnEpsilon  = 1e-5
	bnMomentum = 0.1
)

// ErrNonFinite marks a per-probe numerical failure (NaN/Inf loss). The
// offending probe skips its update; sibling probes are unaffected.
var ErrNonFinite = errors.New("non-finite loss")

// OptimizerConfig holds the per-probe SGD settings.
type OptimizerConfig struct {
	LearningRate float64
	Momentum     float64
}

// StepOutput is what one probe produced for one step.
type StepOutput struct {
	Loss   float64
	Logits [][]float32
}

// Probe is one independent trainable classifier head bound to a single
// backbone layer: a batch-norm stage feeding a linear map to class logits,
// with its own optimizer state and learning-rate schedule. A probe never
// touches another probe's parameters or the backbone's.
type Probe struct {
	name    string
	dim     int
	classes int

	// Batch norm: learnable scale/shift plus running statistics. Batch
	// statistics during training, running statistics at eval.
	gamma   []float32
	beta    []float32
	runMean []float32
	runVar  []float32

	// Linear head, weights laid out [class*dim+d].
	weights []float32
	bias    []float32

	// Momentum buffers, one per parameter group.
	vWeights []float32
	vBias    []float32
	vGamma   []float32
	vBeta    []float32

	opt   OptimizerConfig
	sched nn.LRScheduler
	step  int
}

// NewProbe builds a probe head for embeddings of width dim. Dimension and
// class-count mismatches are construction-time errors, not per-step ones.
func NewProbe(name string, dim, classes int, opt OptimizerConfig, sched nn.LRScheduler) (*Probe, error) {
	if name == "" {
		return nil, errors.New("probe: empty name")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("probe %s: embedding dim must be > 0 (got %d)", name, dim)
	}
	if classes <= 1 {
		return nil, fmt.Errorf("probe %s: num classes must be > 1 (got %d)", name, classes)
	}
	if opt.LearningRate <= 0 {
		return nil, fmt.Errorf("probe %s: learning rate must be > 0 (got %g)", name, opt.LearningRate)
	}
	if opt.Momentum < 0 || opt.Momentum >= 1 {
		return nil, fmt.Errorf("probe %s: momentum must be in [0, 1) (got %g)", name, opt.Momentum)
	}
	if sched == nil {
		return nil, fmt.Errorf("probe %s: nil scheduler", name)
	}

	p := &Probe{
		name:     name,
		dim:      dim,
		classes:  classes,
		gamma:    make([]float32, dim),
		beta:     make([]float32, dim),
		runMean:  make([]float32, dim),
		runVar:   make([]float32, dim),
		weights:  make([]float32, classes*dim),
		bias:     make([]float32, classes),
		vWeights: make([]float32, classes*dim),
		vBias:    make([]float32, classes),
		vGamma:   make([]float32, dim),
		vBeta:    make([]float32, dim),
		opt:      opt,
		sched:    sched,
	}
	for d := 0; d < dim; d++ {
		p.gamma[d] = 1
		p.runVar[d] = 1
	}
	// Weights start at zero, so the first forward yields uniform logits.
	return p, nil
}

func (p *Probe) Name() string { return p.name }

// Step reports how many train steps the probe has taken.
func (p *Probe) Step() int { return p.step }

// TrainStep runs forward, cross-entropy backward and one scheduled SGD
// update. On a non-finite loss the parameters are left untouched and the
// error wraps ErrNonFinite.
func (p *Probe) TrainStep(emb [][]float32, labels []int) (StepOutput, error) {
	if err := p.checkBatch(emb, labels); err != nil {
		return StepOutput{}, err
	}
	n := len(emb)

	// Batch statistics.
	mean := make([]float32, p.dim)
	variance := make([]float32, p.dim)
	for _, row := range emb {
		for d, v := range row {
			mean[d] += v
		}
	}
	invN := float32(1) / float32(n)
	for d := range mean {
		mean[d] *= invN
	}
	for _, row := range emb {
		for d, v := range row {
			diff := v - mean[d]
			variance[d] += diff * diff
		}
	}
	for d := range variance {
		variance[d] *= invN
	}

	xhat, hidden := p.normalize(emb, mean, variance)
	logits := p.logits(hidden)
	loss, probs := crossEntropy(logits, labels)

	out := StepOutput{Loss: loss, Logits: logits}
	if !isFinite(loss) {
		return out, fmt.Errorf("probe %s: %w", p.name, ErrNonFinite)
	}

	// Running stats only move on successful steps.
	for d := 0; d < p.dim; d++ {
		p.runMean[d] = (1-bnMomentum)*p.runMean[d] + bnMomentum*mean[d]
		p.runVar[d] = (1-bnMomentum)*p.runVar[d] + bnMomentum*variance[d]
	}

	// Backward. gradLogits = (softmax - onehot) / n.
	gradW := make([]float32, p.classes*p.dim)
	gradB := make([]float32, p.classes)
	gradGamma := make([]float32, p.dim)
	gradBeta := make([]float32, p.dim)
	for b := 0; b < n; b++ {
		for c := 0; c < p.classes; c++ {
			g := probs[b][c]
			if c == labels[b] {
				g -= 1
			}
			g *= invN
			if g == 0 {
				continue
			}
			gradB[c] += g
			wStart := c * p.dim
			for d := 0; d < p.dim; d++ {
				gradW[wStart+d] += g * hidden[b][d]
				// Accumulate grad wrt the normalized activation through
				// gamma/beta. The input itself is detached; no gradient
				// flows past the batch-norm stage.
				gradGamma[d] += g * p.weights[wStart+d] * xhat[b][d]
				gradBeta[d] += g * p.weights[wStart+d]
			}
		}
	}

	p.applySGD(p.scheduledLR(), gradW, gradB, gradGamma, gradBeta)
	p.step++
	return out, nil
}

// EvalStep computes logits and loss with frozen normalization and no
// parameter updates. Deterministic for identical input.
func (p *Probe) EvalStep(emb [][]float32, labels []int) (StepOutput, error) {
	if err := p.checkBatch(emb, labels); err != nil {
		return StepOutput{}, err
	}
	_, hidden := p.normalize(emb, p.runMean, p.runVar)
	logits := p.logits(hidden)
	loss, _ := crossEntropy(logits, labels)
	out := StepOutput{Loss: loss, Logits: logits}
	if !isFinite(loss) {
		return out, fmt.Errorf("probe %s: %w", p.name, ErrNonFinite)
	}
	return out, nil
}

func (p *Probe) checkBatch(emb [][]float32, labels []int) error {
	if len(emb) == 0 {
		return fmt.Errorf("probe %s: empty embedding batch", p.name)
	}
	if len(emb) != len(labels) {
		return fmt.Errorf("probe %s: embedding batch size %d disagrees with label batch size %d", p.name, len(emb), len(labels))
	}
	for i, row := range emb {
		if len(row) != p.dim {
			return fmt.Errorf("probe %s: embedding %d has dim %d, want %d", p.name, i, len(row), p.dim)
		}
	}
	for i, l := range labels {
		if l < 0 || l >= p.classes {
			return fmt.Errorf("probe %s: label %d out of range [0, %d) at index %d", p.name, l, p.classes, i)
		}
	}
	return nil
}

// normalize applies (x - mean) / sqrt(var + eps) * gamma + beta and returns
// both the normalized values and the scaled-shifted activations.
func (p *Probe) normalize(emb [][]float32, mean, variance []float32) (xhat, hidden [][]float32) {
	xhat = make([][]float32, len(emb))
	hidden = make([][]float32, len(emb))
	invStd := make([]float32, p.dim)
	for d := 0; d < p.dim; d++ {
		invStd[d] = float32(1 / math.Sqrt(float64(variance[d])+bnEpsilon))
	}
	for b, row := range emb {
		xh := make([]float32, p.dim)
		h := make([]float32, p.dim)
		for d, v := range row {
			xh[d] = (v - mean[d]) * invStd[d]
			h[d] = p.gamma[d]*xh[d] + p.beta[d]
		}
		xhat[b] = xh
		hidden[b] = h
	}
	return xhat, hidden
}

func (p *Probe) logits(hidden [][]float32) [][]float32 {
	logits := make([][]float32, len(hidden))
	for b, h := range hidden {
		row := make([]float32, p.classes)
		for c := 0; c < p.classes; c++ {
			sum := p.bias[c]
			wStart := c * p.dim
			for d := 0; d < p.dim; d++ {
				sum += p.weights[wStart+d] * h[d]
			}
			row[c] = sum
		}
		logits[b] = row
	}
	return logits
}

// scheduledLR combines the configured base rate with the schedule. Loom
// schedulers are constructed with the base rate baked in, so GetLR is the
// effective rate for the step.
func (p *Probe) scheduledLR() float32 {
	return p.sched.GetLR(p.step)
}

func (p *Probe) applySGD(lr float32, gradW, gradB, gradGamma, gradBeta []float32) {
	mom := float32(p.opt.Momentum)
	update := func(params, grads, vel []float32) {
		if mom == 0 {
			for i := range params {
				params[i] -= lr * grads[i]
			}
			return
		}
		for i := range params {
			vel[i] = mom*vel[i] + grads[i]
			params[i] -= lr * vel[i]
		}
	}
	update(p.weights, gradW, p.vWeights)
	update(p.bias, gradB, p.vBias)
	update(p.gamma, gradGamma, p.vGamma)
	update(p.beta, gradBeta, p.vBeta)
}

// crossEntropy returns the mean negative log-likelihood and the softmax
// probabilities, computed with max-shifted exponentials.
func crossEntropy(logits [][]float32, labels []int) (float64, [][]float32) {
	probs := make([][]float32, len(logits))
	total := 0.0
	for b, row := range logits {
		maxLogit := row[0]
		for _, v := range row {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sum := float64(0)
		exps := make([]float32, len(row))
		for c, v := range row {
			e := math.Exp(float64(v - maxLogit))
			exps[c] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for c := range exps {
			exps[c] *= inv
		}
		probs[b] = exps
		total += -math.Log(math.Max(float64(exps[labels[b]]), 1e-12))
	}
	return total / float64(len(logits)), probs
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// probeState is the serialized form of a probe's mutable state. The blob is
// opaque to callers; the checkpoint file format belongs to the driver.
type probeState struct {
	Name    string `json:"name"`
	Dim     int    `json:"dim"`
	Classes int    `json:"classes"`
	Step    int    `json:"step"`

	Gamma   []float32 `json:"gamma"`
	Beta    []float32 `json:"beta"`
	RunMean []float32 `json:"run_mean"`
	RunVar  []float32 `json:"run_var"`
	Weights []float32 `json:"weights"`
	Bias    []float32 `json:"bias"`

	VWeights []float32 `json:"v_weights"`
	VBias    []float32 `json:"v_bias"`
	VGamma   []float32 `json:"v_gamma"`
	VBeta    []float32 `json:"v_beta"`
}

// State snapshots the probe's parameters and optimizer state.
func (p *Probe) State() ([]byte, error) {
	return json.Marshal(probeState{
		Name:     p.name,
		Dim:      p.dim,
		Classes:  p.classes,
		Step:     p.step,
		Gamma:    p.gamma,
		Beta:     p.beta,
		RunMean:  p.runMean,
		RunVar:   p.runVar,
		Weights:  p.weights,
		Bias:     p.bias,
		VWeights: p.vWeights,
		VBias:    p.vBias,
		VGamma:   p.vGamma,
		VBeta:    p.vBeta,
	})
}

// LoadState restores a snapshot taken by State on a probe of identical
// geometry.
func (p *Probe) LoadState(blob []byte) error {
	var st probeState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("probe %s: decode state: %w", p.name, err)
	}
	if st.Dim != p.dim || st.Classes != p.classes {
		return fmt.Errorf("probe %s: state geometry (%d, %d) does not match probe (%d, %d)",
			p.name, st.Dim, st.Classes, p.dim, p.classes)
	}
	p.step = st.Step
	copy(p.gamma, st.Gamma)
	copy(p.beta, st.Beta)
	copy(p.runMean, st.RunMean)
	copy(p.runVar, st.RunVar)
	copy(p.weights, st.Weights)
	copy(p.bias, st.Bias)
	copy(p.vWeights, st.VWeights)
	copy(p.vBias, st.VBias)
	copy(p.vGamma, st.VGamma)
	copy(p.vBeta, st.VBeta)
	return nil
}
