// Package metrics maintains per-probe windowed accuracy over a reporting
// window (typically one epoch). Window boundaries are owned by the driver.
package metrics

import "fmt"

// Report represents one probe's aggregated window metrics.
type Report struct {
	Top1     float64
	TopK     float64
	AvgLoss  float64
	Examples int
}

type window struct {
	top1Correct int
	topKCorrect int
	total       int
	lossSum     float64
	lossSteps   int
}

// Accuracy accumulates top-1 / top-k counts per probe across a window.
type Accuracy struct {
	topK    int
	windows map[string]*window
}

// NewAccuracy builds an aggregator with the given k for top-k accuracy.
func NewAccuracy(topK int) (*Accuracy, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("metrics: top-k must be > 0 (got %d)", topK)
	}
	return &Accuracy{topK: topK, windows: make(map[string]*window)}, nil
}

func (a *Accuracy) win(name string) *window {
	w, ok := a.windows[name]
	if !ok {
		w = &window{}
		a.windows[name] = w
	}
	return w
}

// Rank counts the classes scoring strictly above the label. Rank 0 means
// the label is the arg-max; rank below k means top-k correct.
func Rank(row []float32, label int) int {
	rank := 0
	for c, v := range row {
		if c != label && v > row[label] {
			rank++
		}
	}
	return rank
}

// Update adds one batch of predictions for a probe. A label counts as top-k
// correct when fewer than k classes score strictly above it.
func (a *Accuracy) Update(name string, logits [][]float32, labels []int) {
	w := a.win(name)
	for b, row := range logits {
		label := labels[b]
		rank := Rank(row, label)
		if rank == 0 {
			w.top1Correct++
		}
		if rank < a.topK {
			w.topKCorrect++
		}
		w.total++
	}
}

// UpdateLoss folds one step's loss into the window average.
func (a *Accuracy) UpdateLoss(name string, loss float64) {
	w := a.win(name)
	w.lossSum += loss
	w.lossSteps++
}

// Report returns the probe's running window metrics. With zero examples the
// accuracy is undefined and ok is false; reporting never panics.
func (a *Accuracy) Report(name string) (Report, bool) {
	w, ok := a.windows[name]
	if !ok || w.total == 0 {
		return Report{}, false
	}
	r := Report{
		Top1:     float64(w.top1Correct) / float64(w.total),
		TopK:     float64(w.topKCorrect) / float64(w.total),
		Examples: w.total,
	}
	if w.lossSteps > 0 {
		r.AvgLoss = w.lossSum / float64(w.lossSteps)
	}
	return r, true
}

// ResetWindow zeroes one probe's counts. Called by the driver at window
// boundaries, never by the coordinator.
func (a *Accuracy) ResetWindow(name string) {
	if w, ok := a.windows[name]; ok {
		*w = window{}
	}
}

// ResetAll zeroes every probe's counts.
func (a *Accuracy) ResetAll() {
	for _, w := range a.windows {
		*w = window{}
	}
}
