package loss

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// EntropyLoss is the entropy-minimization objective used for semi-supervised
// training. It penalizes uncertain softmax predictions, pushing the network
// toward confident outputs on every voxel it sees. It needs no target: the
// semi-supervised trainer feeds it the full concatenated output of labeled and
// unlabeled partitions, so the term regularizes both.
type EntropyLoss struct{}

// NewEntropyLoss creates an EntropyLoss.
func NewEntropyLoss() *EntropyLoss {
	return &EntropyLoss{}
}

func (el *EntropyLoss) Name() string { return "EntropyLoss" }

// Forward computes the mean voxel entropy normalized by log(K), so the result
// lies in [0, 1]: 0 for one-hot predictions, 1 for uniform ones.
func (el *EntropyLoss) Forward(in *Input) (float64, error) {
	p, err := in.probs()
	if err != nil {
		return 0, err
	}

	n, k, s, err := segShape(p)
	if err != nil {
		return 0, err
	}
	if k < 2 {
		return 0, fmt.Errorf("entropy loss requires at least 2 channels, got %d", k)
	}

	pd := p.Data().([]float32)
	logK := math.Log(float64(k))
	var total float64
	for i := range pd {
		pv := float64(pd[i])
		total -= pv * math.Log(pv+1e-10) / logK
	}
	return total / float64(n*s), nil
}

// Backward computes the entropy gradient. In probability space
// dH/dp = -(log(p) + 1) / (log(K) * N * S) per voxel.
func (el *EntropyLoss) Backward(in *Input) (*tensor.Dense, error) {
	p, err := in.probs()
	if err != nil {
		return nil, err
	}

	n, k, s, err := segShape(p)
	if err != nil {
		return nil, err
	}
	if k < 2 {
		return nil, fmt.Errorf("entropy loss requires at least 2 channels, got %d", k)
	}

	pd := p.Data().([]float32)
	scale := 1.0 / (math.Log(float64(k)) * float64(n*s))
	grad := make([]float32, len(pd))
	for i := range pd {
		grad[i] = float32(-(math.Log(float64(pd[i])+1e-10) + 1.0) * scale)
	}
	return in.finishBackward(p, grad)
}
