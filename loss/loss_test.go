package loss

import (
	"math"
	"testing"

	"gorgonia.org/tensor"
)

// seg builds an (N, K, S) tensor from flat data.
func seg(t *testing.T, n, k, s int, data []float32) *tensor.Dense {
	t.Helper()
	if len(data) != n*k*s {
		t.Fatalf("bad test data: want %d values, got %d", n*k*s, len(data))
	}
	return tensor.New(tensor.WithShape(n, k, s), tensor.WithBacking(data))
}

func TestDiceLossPerfectPrediction(t *testing.T) {
	// One-hot prediction identical to the target gives exactly zero loss.
	data := []float32{
		1, 0, 0, 1, // class 0
		0, 1, 1, 0, // class 1
	}
	pred := seg(t, 1, 2, 4, data)
	target := seg(t, 1, 2, 4, append([]float32{}, data...))

	dice := NewDiceLoss()
	got, err := dice.Forward(&Input{Prediction: []*tensor.Dense{pred}, Target: target})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if got != 0 {
		t.Errorf("expected zero loss for identical prediction and target, got %g", got)
	}
}

func TestDiceLossDisjointPrediction(t *testing.T) {
	pred := seg(t, 1, 2, 2, []float32{1, 1, 0, 0})
	target := seg(t, 1, 2, 2, []float32{0, 0, 1, 1})

	dice := NewDiceLoss()
	got, err := dice.Forward(&Input{Prediction: []*tensor.Dense{pred}, Target: target})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if got < 0.99 {
		t.Errorf("expected loss near 1 for disjoint regions, got %f", got)
	}
}

func TestDiceLossShapeMismatch(t *testing.T) {
	pred := seg(t, 1, 2, 4, make([]float32, 8))
	target := seg(t, 1, 2, 2, make([]float32, 4))

	dice := NewDiceLoss()
	if _, err := dice.Forward(&Input{Prediction: []*tensor.Dense{pred}, Target: target}); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestDiceLossGradientDescends(t *testing.T) {
	pred := seg(t, 1, 2, 2, []float32{0.6, 0.4, 0.4, 0.6})
	target := seg(t, 1, 2, 2, []float32{1, 0, 0, 1})
	in := &Input{Prediction: []*tensor.Dense{pred}, Target: target}

	dice := NewDiceLoss()
	before, err := dice.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad, err := dice.Backward(in)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// One explicit gradient step must reduce the loss.
	pd := pred.Data().([]float32)
	gd := grad.Data().([]float32)
	stepped := make([]float32, len(pd))
	for i := range pd {
		stepped[i] = pd[i] - 0.1*gd[i]
	}
	in.Prediction = []*tensor.Dense{seg(t, 1, 2, 2, stepped)}
	after, err := dice.Forward(in)
	if err != nil {
		t.Fatalf("Forward after step failed: %v", err)
	}
	if after >= before {
		t.Errorf("gradient step did not reduce loss: before %f, after %f", before, after)
	}
}

func TestEntropyLossBounds(t *testing.T) {
	t.Run("one-hot prediction has near-zero entropy", func(t *testing.T) {
		pred := seg(t, 1, 2, 2, []float32{1, 0, 0, 1})
		el := NewEntropyLoss()
		got, err := el.Forward(&Input{Prediction: []*tensor.Dense{pred}})
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if got > 1e-6 {
			t.Errorf("expected ~0 entropy for one-hot predictions, got %g", got)
		}
	})

	t.Run("uniform prediction has entropy one", func(t *testing.T) {
		pred := seg(t, 1, 4, 2, []float32{
			0.25, 0.25, 0.25, 0.25,
			0.25, 0.25, 0.25, 0.25,
		})
		el := NewEntropyLoss()
		got, err := el.Forward(&Input{Prediction: []*tensor.Dense{pred}})
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if math.Abs(got-1.0) > 1e-4 {
			t.Errorf("expected entropy 1 for uniform predictions, got %f", got)
		}
	})
}

func TestEntropyLossSoftmaxOnLogits(t *testing.T) {
	// Equal logits softmax to uniform probabilities, so normalized entropy is 1.
	pred := seg(t, 1, 2, 2, []float32{3, 3, 3, 3})
	el := NewEntropyLoss()
	got, err := el.Forward(&Input{Prediction: []*tensor.Dense{pred}, SoftmaxNeeded: true})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if math.Abs(got-1.0) > 1e-4 {
		t.Errorf("expected entropy 1 for equal logits, got %f", got)
	}
}

func TestEntropyLossGradientSharpens(t *testing.T) {
	pred := seg(t, 1, 2, 1, []float32{0.6, 0.4})
	in := &Input{Prediction: []*tensor.Dense{pred}}

	el := NewEntropyLoss()
	before, err := el.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad, err := el.Backward(in)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	pd := pred.Data().([]float32)
	gd := grad.Data().([]float32)
	stepped := make([]float32, len(pd))
	for i := range pd {
		stepped[i] = pd[i] - 0.05*gd[i]
	}
	// Renormalize to keep a valid distribution after the raw step.
	sum := stepped[0] + stepped[1]
	stepped[0] /= sum
	stepped[1] /= sum

	in.Prediction = []*tensor.Dense{seg(t, 1, 2, 1, stepped)}
	after, err := el.Forward(in)
	if err != nil {
		t.Fatalf("Forward after step failed: %v", err)
	}
	if after >= before {
		t.Errorf("entropy did not decrease: before %f, after %f", before, after)
	}
}

func TestMumfordShahRequiresImage(t *testing.T) {
	pred := seg(t, 1, 2, 4, make([]float32, 8))
	ms := NewMumfordShahLoss(1.0, "l2")
	if _, err := ms.Forward(&Input{Prediction: []*tensor.Dense{pred}}); err == nil {
		t.Error("expected error when image is missing")
	}
}

func TestMumfordShahPiecewiseConstant(t *testing.T) {
	// Image with two constant plateaus and a hard segmentation matching them:
	// both region means equal the region intensities and the indicator is
	// constant within each region, so fitting is ~0 and smoothness is the
	// single jump at the boundary.
	img := tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking([]float32{0, 0, 5, 5}))
	pred := seg(t, 1, 2, 4, []float32{
		1, 1, 0, 0,
		0, 0, 1, 1,
	})

	ms := NewMumfordShahLoss(0, "l2") // fitting term only
	got, err := ms.Forward(&Input{Prediction: []*tensor.Dense{pred}, Image: img})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if got > 1e-6 {
		t.Errorf("expected ~0 fitting energy for perfectly matched regions, got %g", got)
	}
}

func TestMumfordShahSmoothnessPenalty(t *testing.T) {
	img := tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking([]float32{0, 0, 5, 5}))
	pred := seg(t, 1, 2, 4, []float32{
		1, 1, 0, 0,
		0, 0, 1, 1,
	})

	withoutTV := NewMumfordShahLoss(0, "l2")
	withTV := NewMumfordShahLoss(1.0, "l2")

	in := &Input{Prediction: []*tensor.Dense{pred}, Image: img}
	a, err := withoutTV.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := withTV.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if b <= a {
		t.Errorf("smoothness term should add energy at region boundaries: %f vs %f", a, b)
	}
}

func TestMumfordShahPenaltyModes(t *testing.T) {
	img := tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]float32{0, 1}))
	pred := seg(t, 1, 2, 2, []float32{0.9, 0.1, 0.1, 0.9})
	in := &Input{Prediction: []*tensor.Dense{pred}, Image: img}

	// Jump of 0.8 per channel: l1 sums |d| = 1.6, l2 sums d^2 = 1.28, so the
	// two penalties must differ.
	l1, err := NewMumfordShahLoss(1.0, "l1").Forward(in)
	if err != nil {
		t.Fatalf("l1 Forward failed: %v", err)
	}
	l2, err := NewMumfordShahLoss(1.0, "l2").Forward(in)
	if err != nil {
		t.Fatalf("l2 Forward failed: %v", err)
	}
	if math.Abs(l1-l2) < 1e-6 {
		t.Errorf("expected l1 and l2 penalties to differ, got %f and %f", l1, l2)
	}
}
