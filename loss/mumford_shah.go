package loss

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// MumfordShahLoss is an image-driven energy functional for weakly-supervised
// training. Treating the softmax channels as soft region indicators, it sums
// a level-set fitting term (each region should have near-constant image
// intensity) and a smoothness penalty on the indicator gradients, encouraging
// piecewise-smooth segmentations aligned with intensity boundaries. Unlike the
// entropy term it needs the raw input image, not just the prediction.
type MumfordShahLoss struct {
	gradW   float64 // weight of the smoothness term
	penalty string  // "l1" or "l2"
}

// NewMumfordShahLoss creates a MumfordShahLoss. penalty must be "l1" or "l2";
// anything else falls back to "l2".
func NewMumfordShahLoss(gradW float64, penalty string) *MumfordShahLoss {
	if penalty != "l1" && penalty != "l2" {
		penalty = "l2"
	}
	return &MumfordShahLoss{gradW: gradW, penalty: penalty}
}

func (ms *MumfordShahLoss) Name() string { return "MumfordShahLoss" }

// check validates the input pair and returns probabilities plus dimensions.
// The image is (N, C, spatial...) and is reduced to its first modality for the
// fitting term; its spatial dims must match the prediction's.
func (ms *MumfordShahLoss) check(in *Input) (p *tensor.Dense, img []float32, n, k, s int, err error) {
	p, err = in.probs()
	if err != nil {
		return nil, nil, 0, 0, 0, err
	}
	if in.Image == nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("mumford-shah loss requires the input image")
	}

	n, k, s, err = segShape(p)
	if err != nil {
		return nil, nil, 0, 0, 0, err
	}
	ni, _, si, err := segShape(in.Image)
	if err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("invalid image shape: %v", err)
	}
	if ni != n || si != s {
		return nil, nil, 0, 0, 0, fmt.Errorf("image shape %v does not match prediction shape %v",
			in.Image.Shape(), p.Shape())
	}
	return p, in.Image.Data().([]float32), n, k, s, nil
}

// classMeans computes the soft mean intensity of each (sample, class) region:
// mu = sum(p*I) / (sum(p) + eps).
func classMeans(pd, img []float32, n, k, s, imgStride int) [][]float64 {
	mu := make([][]float64, n)
	for i := 0; i < n; i++ {
		mu[i] = make([]float64, k)
		for c := 0; c < k; c++ {
			off := (i*k + c) * s
			imgOff := i * imgStride
			var num, den float64
			for v := 0; v < s; v++ {
				pv := float64(pd[off+v])
				num += pv * float64(img[imgOff+v])
				den += pv
			}
			mu[i][c] = num / (den + smooth)
		}
	}
	return mu
}

// Forward computes (fitting + gradW*smoothness) averaged over voxels.
func (ms *MumfordShahLoss) Forward(in *Input) (float64, error) {
	p, img, n, k, s, err := ms.check(in)
	if err != nil {
		return 0, err
	}

	pd := p.Data().([]float32)
	imgStride := len(img) / n
	mu := classMeans(pd, img, n, k, s, imgStride)

	var fit float64
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			off := (i*k + c) * s
			imgOff := i * imgStride
			for v := 0; v < s; v++ {
				d := float64(img[imgOff+v]) - mu[i][c]
				fit += float64(pd[off+v]) * d * d
			}
		}
	}

	tv, err := ms.totalVariation(p)
	if err != nil {
		return 0, err
	}
	return (fit + ms.gradW*tv) / float64(n*s), nil
}

// Backward computes the energy gradient in probability space. The class means
// are treated as constants, the standard approximation for level-set style
// losses: d fit/dp = (I - mu)^2, plus the smoothness gradient.
func (ms *MumfordShahLoss) Backward(in *Input) (*tensor.Dense, error) {
	p, img, n, k, s, err := ms.check(in)
	if err != nil {
		return nil, err
	}

	pd := p.Data().([]float32)
	imgStride := len(img) / n
	mu := classMeans(pd, img, n, k, s, imgStride)

	scale := 1.0 / float64(n*s)
	grad := make([]float32, len(pd))
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			off := (i*k + c) * s
			imgOff := i * imgStride
			for v := 0; v < s; v++ {
				d := float64(img[imgOff+v]) - mu[i][c]
				grad[off+v] = float32(d * d * scale)
			}
		}
	}

	if err := ms.addVariationGrad(p, grad, float32(ms.gradW*scale)); err != nil {
		return nil, err
	}
	return in.finishBackward(p, grad)
}

// totalVariation sums the finite-difference penalty along every spatial axis.
func (ms *MumfordShahLoss) totalVariation(p *tensor.Dense) (float64, error) {
	shape := p.Shape()
	pd := p.Data().([]float32)

	var total float64
	err := forEachSpatialPair(shape, func(lo, hi int) {
		d := float64(pd[hi] - pd[lo])
		if ms.penalty == "l1" {
			total += math.Abs(d)
		} else {
			total += d * d
		}
	})
	return total, err
}

// addVariationGrad accumulates the smoothness gradient in place.
func (ms *MumfordShahLoss) addVariationGrad(p *tensor.Dense, grad []float32, w float32) error {
	pd := p.Data().([]float32)
	return forEachSpatialPair(p.Shape(), func(lo, hi int) {
		d := pd[hi] - pd[lo]
		var g float32
		if ms.penalty == "l1" {
			switch {
			case d > 0:
				g = 1
			case d < 0:
				g = -1
			}
		} else {
			g = 2 * d
		}
		grad[hi] += w * g
		grad[lo] -= w * g
	})
}

// forEachSpatialPair visits every adjacent flat-index pair along each spatial
// axis of an (N, K, spatial...) shape. Row-major strides: the stride of axis a
// is the product of all later dimensions.
func forEachSpatialPair(shape tensor.Shape, visit func(lo, hi int)) error {
	if len(shape) < 3 {
		return fmt.Errorf("expected at least 3 dimensions, got shape %v", shape)
	}

	total := shape.TotalSize()
	strides := make([]int, len(shape))
	acc := 1
	for a := len(shape) - 1; a >= 0; a-- {
		strides[a] = acc
		acc *= shape[a]
	}

	for axis := 2; axis < len(shape); axis++ {
		stride := strides[axis]
		dim := shape[axis]
		for idx := 0; idx < total; idx++ {
			pos := (idx / stride) % dim
			if pos+1 < dim {
				visit(idx, idx+stride)
			}
		}
	}
	return nil
}
