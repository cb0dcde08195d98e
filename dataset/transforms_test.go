package dataset

import (
	"math"
	"math/rand"
	"testing"

	"gorgonia.org/tensor"
)

func TestBuildTransform(t *testing.T) {
	tr, err := BuildTransform(nil, 2)
	if err != nil {
		t.Fatalf("BuildTransform failed: %v", err)
	}
	if tr != nil {
		t.Error("expected nil transform for an empty list")
	}

	if _, err := BuildTransform([]string{"RandomFlip", "NoSuch"}, 2); err == nil {
		t.Error("expected error for unknown transform name")
	}

	tr, err = BuildTransform([]string{"NormalizeWithMeanStd", "RandomFlip"}, 2)
	if err != nil {
		t.Fatalf("BuildTransform failed: %v", err)
	}
	if tr == nil {
		t.Fatal("expected a composed transform")
	}
}

func TestRandomFlipKeepsAlignment(t *testing.T) {
	img := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{1, 2, 3, 4}))
	lab := tensor.New(tensor.WithShape(2, 4), tensor.WithBacking([]float32{1, 0, 0, 1, 0, 1, 1, 0}))

	flip := RandomFlip()
	rng := rand.New(rand.NewSource(1))

	flipped := false
	for i := 0; i < 20 && !flipped; i++ {
		s, err := flip(rng, &Sample{Image: img, Label: lab})
		if err != nil {
			t.Fatalf("RandomFlip failed: %v", err)
		}
		got := s.Image.Data().([]float32)
		if got[0] == 4 {
			flipped = true
			// The label rows mirror with the image.
			labGot := s.Label.Data().([]float32)
			want := []float32{1, 0, 0, 1, 0, 1, 1, 0}
			for j := range want {
				row, x := j/4, j%4
				if labGot[row*4+3-x] != want[j] {
					t.Fatalf("label not flipped with image: %v", labGot)
				}
			}
		}
	}
	if !flipped {
		t.Error("flip never triggered over 20 draws")
	}
}

func TestNormalizeWithMeanStd(t *testing.T) {
	img := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{2, 4, 6, 8}))
	s, err := NormalizeWithMeanStd()(rand.New(rand.NewSource(1)), &Sample{Image: img})
	if err != nil {
		t.Fatalf("NormalizeWithMeanStd failed: %v", err)
	}

	got := s.Image.Data().([]float32)
	var mean, variance float64
	for _, v := range got {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range got {
		d := float64(v) - mean
		variance += d * d
	}
	if math.Abs(mean) > 1e-6 {
		t.Errorf("expected zero mean, got %f", mean)
	}
	if math.Abs(math.Sqrt(variance/4)-1.0) > 1e-5 {
		t.Errorf("expected unit std, got %f", math.Sqrt(variance/4))
	}
}

func TestGammaCorrectionPreservesRange(t *testing.T) {
	img := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{0, 1, 2, 3}))
	s, err := GammaCorrection(0.7, 1.5)(rand.New(rand.NewSource(1)), &Sample{Image: img})
	if err != nil {
		t.Fatalf("GammaCorrection failed: %v", err)
	}

	got := s.Image.Data().([]float32)
	if math.Abs(float64(got[0])) > 1e-6 || math.Abs(float64(got[3])-3) > 1e-5 {
		t.Errorf("gamma correction must fix the range endpoints, got %v", got)
	}
	for _, v := range got {
		if v < 0 || v > 3 {
			t.Errorf("value %f escaped the input range", v)
		}
	}
}

func TestLabelToProbability(t *testing.T) {
	img := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{0, 0, 0, 0}))
	idx := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{0, 1, 2, 1}))

	s, err := LabelToProbability(3)(rand.New(rand.NewSource(1)), &Sample{Image: img, Label: idx})
	if err != nil {
		t.Fatalf("LabelToProbability failed: %v", err)
	}
	if !s.Label.Shape().Eq(tensor.Shape{3, 4}) {
		t.Fatalf("expected shape (3, 4), got %v", s.Label.Shape())
	}
	want := []float32{
		1, 0, 0, 0,
		0, 1, 0, 1,
		0, 0, 1, 0,
	}
	got := s.Label.Data().([]float32)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("one-hot mismatch at %d: got %v", i, got)
		}
	}

	// Already one-hot labels pass through.
	s2, err := LabelToProbability(3)(rand.New(rand.NewSource(1)), s)
	if err != nil {
		t.Fatalf("LabelToProbability failed on one-hot input: %v", err)
	}
	if s2.Label != s.Label {
		t.Error("one-hot label should pass through unchanged")
	}

	// Out-of-range class indices are rejected.
	bad := tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]float32{5}))
	if _, err := LabelToProbability(3)(rand.New(rand.NewSource(1)), &Sample{Image: img, Label: bad}); err == nil {
		t.Error("expected error for out-of-range class index")
	}
}
