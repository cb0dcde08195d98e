package loss

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

const smooth = 1e-5

// Input is the record handed to every loss function. Prediction holds the
// network heads with head 0 as the primary segmentation map; SoftmaxNeeded
// says the heads are raw logits and must be softmaxed over the channel axis
// before use. Target carries class probabilities for supervised losses and
// Image carries the raw input for image-driven regularizers.
type Input struct {
	Prediction    []*tensor.Dense
	SoftmaxNeeded bool
	Target        *tensor.Dense
	Image         *tensor.Dense
}

// Primary returns the primary prediction head.
func (in *Input) Primary() (*tensor.Dense, error) {
	if len(in.Prediction) == 0 || in.Prediction[0] == nil {
		return nil, fmt.Errorf("loss input has no prediction")
	}
	return in.Prediction[0], nil
}

// Loss defines the methods all loss functions must implement. Forward returns
// the scalar loss; Backward returns its gradient with respect to the primary
// prediction (pre-softmax when SoftmaxNeeded is set).
type Loss interface {
	Forward(in *Input) (float64, error)
	Backward(in *Input) (*tensor.Dense, error)
	Name() string
}

// segShape validates an (N, K, spatial...) tensor and returns (N, K, S) with
// S the flattened spatial size.
func segShape(t *tensor.Dense) (n, k, s int, err error) {
	shape := t.Shape()
	if len(shape) < 3 {
		return 0, 0, 0, fmt.Errorf("expected at least 3 dimensions (N, K, spatial...), got shape %v", shape)
	}
	n, k = shape[0], shape[1]
	s = 1
	for _, d := range shape[2:] {
		s *= d
	}
	return n, k, s, nil
}

// sameShape fails when prediction and target disagree; a mismatch indicates a
// configuration or model bug and is never recovered locally.
func sameShape(pred, target *tensor.Dense) error {
	if !pred.Shape().Eq(target.Shape()) {
		return fmt.Errorf("prediction shape %v does not match target shape %v", pred.Shape(), target.Shape())
	}
	return nil
}

// channelSoftmax applies softmax over the channel axis of an (N, K, spatial...)
// tensor and returns a new tensor of probabilities.
func channelSoftmax(t *tensor.Dense) (*tensor.Dense, error) {
	n, k, s, err := segShape(t)
	if err != nil {
		return nil, err
	}

	data := t.Data().([]float32)
	out := make([]float32, len(data))
	for i := 0; i < n; i++ {
		for v := 0; v < s; v++ {
			base := i * k * s
			// max over channels for numerical stability
			maxVal := data[base+v]
			for c := 1; c < k; c++ {
				if x := data[base+c*s+v]; x > maxVal {
					maxVal = x
				}
			}
			var sum float32
			for c := 0; c < k; c++ {
				e := float32(math.Exp(float64(data[base+c*s+v] - maxVal)))
				out[base+c*s+v] = e
				sum += e
			}
			for c := 0; c < k; c++ {
				out[base+c*s+v] /= sum
			}
		}
	}
	return tensor.New(tensor.WithShape(t.Shape()...), tensor.WithBacking(out)), nil
}

// softmaxBackward converts a gradient w.r.t. softmax probabilities into a
// gradient w.r.t. the pre-softmax logits: dz_c = p_c*(g_c - sum_j p_j*g_j).
func softmaxBackward(probs *tensor.Dense, grad []float32) ([]float32, error) {
	n, k, s, err := segShape(probs)
	if err != nil {
		return nil, err
	}

	p := probs.Data().([]float32)
	out := make([]float32, len(grad))
	for i := 0; i < n; i++ {
		for v := 0; v < s; v++ {
			base := i * k * s
			var dot float32
			for c := 0; c < k; c++ {
				dot += p[base+c*s+v] * grad[base+c*s+v]
			}
			for c := 0; c < k; c++ {
				idx := base + c*s + v
				out[idx] = p[idx] * (grad[idx] - dot)
			}
		}
	}
	return out, nil
}

// probs resolves the primary prediction to channel probabilities, applying
// softmax when the input says so.
func (in *Input) probs() (*tensor.Dense, error) {
	pred, err := in.Primary()
	if err != nil {
		return nil, err
	}
	if in.SoftmaxNeeded {
		return channelSoftmax(pred)
	}
	return pred, nil
}

// finishBackward routes a probability-space gradient back through softmax when
// the input carried logits, and wraps it in a tensor of the prediction shape.
func (in *Input) finishBackward(probs *tensor.Dense, grad []float32) (*tensor.Dense, error) {
	if in.SoftmaxNeeded {
		var err error
		grad, err = softmaxBackward(probs, grad)
		if err != nil {
			return nil, err
		}
	}
	return tensor.New(tensor.WithShape(probs.Shape()...), tensor.WithBacking(grad)), nil
}

// DiceLoss implements soft Dice loss over probability targets:
// 1 - mean over classes of (2*intersection + eps) / (sums + eps).
type DiceLoss struct{}

// NewDiceLoss creates a DiceLoss.
func NewDiceLoss() *DiceLoss {
	return &DiceLoss{}
}

func (dl *DiceLoss) Name() string { return "DiceLoss" }

// Forward computes the soft Dice loss. Identical prediction and target give
// exactly zero.
func (dl *DiceLoss) Forward(in *Input) (float64, error) {
	p, err := in.probs()
	if err != nil {
		return 0, err
	}
	if in.Target == nil {
		return 0, fmt.Errorf("dice loss requires a target")
	}
	if err := sameShape(p, in.Target); err != nil {
		return 0, err
	}

	_, k, _, err := segShape(p)
	if err != nil {
		return 0, err
	}

	inter, psum, ysum, err := classSums(p, in.Target)
	if err != nil {
		return 0, err
	}

	var diceSum float64
	for c := 0; c < k; c++ {
		diceSum += (2*inter[c] + smooth) / (psum[c] + ysum[c] + smooth)
	}
	return 1.0 - diceSum/float64(k), nil
}

// Backward computes the Dice loss gradient. The per-class quotient rule gives
// d dice_c / dp = (2*y*(psum+ysum+eps) - (2*inter+eps)) / (psum+ysum+eps)^2.
func (dl *DiceLoss) Backward(in *Input) (*tensor.Dense, error) {
	p, err := in.probs()
	if err != nil {
		return nil, err
	}
	if in.Target == nil {
		return nil, fmt.Errorf("dice loss requires a target")
	}
	if err := sameShape(p, in.Target); err != nil {
		return nil, err
	}

	n, k, s, err := segShape(p)
	if err != nil {
		return nil, err
	}
	inter, psum, ysum, err := classSums(p, in.Target)
	if err != nil {
		return nil, err
	}

	y := in.Target.Data().([]float32)
	grad := make([]float32, n*k*s)
	for c := 0; c < k; c++ {
		den := psum[c] + ysum[c] + smooth
		num := 2*inter[c] + smooth
		for i := 0; i < n; i++ {
			for v := 0; v < s; v++ {
				idx := (i*k+c)*s + v
				dDice := (2*float64(y[idx])*den - num) / (den * den)
				grad[idx] = float32(-dDice / float64(k))
			}
		}
	}
	return in.finishBackward(p, grad)
}

// classSums accumulates per-class intersection and volume sums over the whole
// batch.
func classSums(p, y *tensor.Dense) (inter, psum, ysum []float64, err error) {
	n, k, s, err := segShape(p)
	if err != nil {
		return nil, nil, nil, err
	}

	pd := p.Data().([]float32)
	yd := y.Data().([]float32)
	inter = make([]float64, k)
	psum = make([]float64, k)
	ysum = make([]float64, k)
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			off := (i*k + c) * s
			for v := 0; v < s; v++ {
				pv := float64(pd[off+v])
				yv := float64(yd[off+v])
				inter[c] += pv * yv
				psum[c] += pv
				ysum[c] += yv
			}
		}
	}
	return inter, psum, ysum, nil
}

// CrossEntropyLoss implements probability-target cross entropy, averaged over
// all voxels.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a CrossEntropyLoss.
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

func (ce *CrossEntropyLoss) Name() string { return "CrossEntropyLoss" }

// Forward computes -sum_c y*log(p) averaged over batch and spatial positions.
func (ce *CrossEntropyLoss) Forward(in *Input) (float64, error) {
	p, err := in.probs()
	if err != nil {
		return 0, err
	}
	if in.Target == nil {
		return 0, fmt.Errorf("cross entropy loss requires a target")
	}
	if err := sameShape(p, in.Target); err != nil {
		return 0, err
	}

	n, _, s, err := segShape(p)
	if err != nil {
		return 0, err
	}

	pd := p.Data().([]float32)
	yd := in.Target.Data().([]float32)
	var total float64
	for i := range pd {
		pv := float64(pd[i])
		if pv < 1e-10 {
			pv = 1e-10
		}
		total -= float64(yd[i]) * math.Log(pv)
	}
	return total / float64(n*s), nil
}

// Backward computes the cross entropy gradient -y/p averaged over voxels.
func (ce *CrossEntropyLoss) Backward(in *Input) (*tensor.Dense, error) {
	p, err := in.probs()
	if err != nil {
		return nil, err
	}
	if in.Target == nil {
		return nil, fmt.Errorf("cross entropy loss requires a target")
	}
	if err := sameShape(p, in.Target); err != nil {
		return nil, err
	}

	n, _, s, err := segShape(p)
	if err != nil {
		return nil, err
	}

	pd := p.Data().([]float32)
	yd := in.Target.Data().([]float32)
	scale := 1.0 / float64(n*s)
	grad := make([]float32, len(pd))
	for i := range pd {
		pv := float64(pd[i])
		if pv < 1e-10 {
			pv = 1e-10
		}
		grad[i] = float32(-float64(yd[i]) / pv * scale)
	}
	return in.finishBackward(p, grad)
}
