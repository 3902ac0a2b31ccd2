package metrics

import (
	"math"
	"testing"
)

func TestAccuracyUpdateAndReport(t *testing.T) {
	acc, err := NewAccuracy(2)
	if err != nil {
		t.Fatalf("NewAccuracy: %v", err)
	}

	logits := [][]float32{
		{2.0, 1.0, 0.0}, // label 0: top-1 and top-2 correct
		{1.0, 2.0, 0.0}, // label 0: top-2 correct only
		{0.0, 1.0, 2.0}, // label 0: wrong even at top-2
		{0.0, 1.0, 2.0}, // label 2: top-1 correct
	}
	labels := []int{0, 0, 0, 2}
	acc.Update("layer_0", logits, labels)
	acc.UpdateLoss("layer_0", 1.5)
	acc.UpdateLoss("layer_0", 0.5)

	r, ok := acc.Report("layer_0")
	if !ok {
		t.Fatal("expected a defined report")
	}
	if r.Examples != 4 {
		t.Fatalf("expected 4 examples counted, got %d", r.Examples)
	}
	if math.Abs(r.Top1-0.5) > 1e-9 {
		t.Fatalf("expected top1=0.5, got %f", r.Top1)
	}
	if math.Abs(r.TopK-0.75) > 1e-9 {
		t.Fatalf("expected top2=0.75, got %f", r.TopK)
	}
	if math.Abs(r.AvgLoss-1.0) > 1e-9 {
		t.Fatalf("expected avg loss 1.0, got %f", r.AvgLoss)
	}
}

func TestAccuracyWindowAccounting(t *testing.T) {
	acc, err := NewAccuracy(5)
	if err != nil {
		t.Fatalf("NewAccuracy: %v", err)
	}
	total := 0
	for step := 0; step < 3; step++ {
		batch := 2 + step
		logits := make([][]float32, batch)
		labels := make([]int, batch)
		for b := range logits {
			logits[b] = []float32{1, 0}
		}
		acc.Update("layer_1", logits, labels)
		total += batch
	}
	r, ok := acc.Report("layer_1")
	if !ok {
		t.Fatal("expected a defined report")
	}
	if r.Examples != total {
		t.Fatalf("window counted %d examples, saw %d", r.Examples, total)
	}
}

func TestAccuracyResetThenReportUndefined(t *testing.T) {
	acc, err := NewAccuracy(5)
	if err != nil {
		t.Fatalf("NewAccuracy: %v", err)
	}
	acc.Update("layer_0", [][]float32{{1, 0}}, []int{0})
	acc.ResetWindow("layer_0")

	if _, ok := acc.Report("layer_0"); ok {
		t.Fatal("report after reset must be undefined, not zero")
	}
	if _, ok := acc.Report("never_seen"); ok {
		t.Fatal("unknown probe must be undefined")
	}
}

func TestAccuracyResetAll(t *testing.T) {
	acc, _ := NewAccuracy(3)
	acc.Update("a", [][]float32{{1, 0}}, []int{0})
	acc.Update("b", [][]float32{{0, 1}}, []int{1})
	acc.ResetAll()
	if _, ok := acc.Report("a"); ok {
		t.Fatal("a not reset")
	}
	if _, ok := acc.Report("b"); ok {
		t.Fatal("b not reset")
	}
}

func TestAccuracyRejectsBadK(t *testing.T) {
	if _, err := NewAccuracy(0); err == nil {
		t.Fatal("expected error for k=0")
	}
}
