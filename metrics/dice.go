package metrics

import (
	"fmt"

	"gorgonia.org/tensor"
)

const smooth = 1e-5

// SoftLabel takes the argmax over the channel axis of an (N, K, spatial...)
// prediction and re-encodes it as a one-hot tensor with classNum channels.
func SoftLabel(pred *tensor.Dense, classNum int) (*tensor.Dense, error) {
	shape := pred.Shape()
	if len(shape) < 3 {
		return nil, fmt.Errorf("expected at least 3 dimensions (N, K, spatial...), got shape %v", shape)
	}
	n, k := shape[0], shape[1]
	s := 1
	for _, d := range shape[2:] {
		s *= d
	}
	if classNum < k {
		return nil, fmt.Errorf("classNum %d smaller than prediction channels %d", classNum, k)
	}

	argmax, err := pred.Argmax(1)
	if err != nil {
		return nil, fmt.Errorf("argmax over channel axis failed: %v", err)
	}
	idx := argmax.Data().([]int)

	out := make([]float32, n*classNum*s)
	for i := 0; i < n; i++ {
		for v := 0; v < s; v++ {
			c := idx[i*s+v]
			out[(i*classNum+c)*s+v] = 1.0
		}
	}

	outShape := append([]int{n, classNum}, shape[2:]...)
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out)), nil
}

// Reshape flattens an (N, K, spatial...) prediction/target pair to matching
// (N*spatial, K) matrices, the alignment policy used before Dice computation.
func Reshape(pred, target *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	if !pred.Shape().Eq(target.Shape()) {
		return nil, nil, fmt.Errorf("prediction shape %v does not match target shape %v",
			pred.Shape(), target.Shape())
	}
	p2, err := flatten(pred)
	if err != nil {
		return nil, nil, err
	}
	y2, err := flatten(target)
	if err != nil {
		return nil, nil, err
	}
	return p2, y2, nil
}

func flatten(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) < 3 {
		return nil, fmt.Errorf("expected at least 3 dimensions, got shape %v", shape)
	}
	n, k := shape[0], shape[1]
	s := 1
	for _, d := range shape[2:] {
		s *= d
	}

	src := t.Data().([]float32)
	out := make([]float32, n*s*k)
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			off := (i*k + c) * s
			for v := 0; v < s; v++ {
				out[(i*s+v)*k+c] = src[off+v]
			}
		}
	}
	return tensor.New(tensor.WithShape(n*s, k), tensor.WithBacking(out)), nil
}

// ClasswiseDice computes the Dice coefficient per class over flattened
// (M, K) prediction/target matrices, returning a length-K vector in [0, 1].
func ClasswiseDice(pred, target *tensor.Dense) ([]float64, error) {
	if !pred.Shape().Eq(target.Shape()) {
		return nil, fmt.Errorf("prediction shape %v does not match target shape %v",
			pred.Shape(), target.Shape())
	}
	shape := pred.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected flattened (M, K) tensors, got shape %v", shape)
	}
	m, k := shape[0], shape[1]

	pd := pred.Data().([]float32)
	yd := target.Data().([]float32)
	dice := make([]float64, k)
	for c := 0; c < k; c++ {
		var inter, psum, ysum float64
		for v := 0; v < m; v++ {
			pv := float64(pd[v*k+c])
			yv := float64(yd[v*k+c])
			inter += pv * yv
			psum += pv
			ysum += yv
		}
		dice[c] = (2*inter + smooth) / (psum + ysum + smooth)
	}
	return dice, nil
}

// BatchDice runs the full evaluation pipeline for one step: argmax the
// primary prediction, one-hot re-encode, align shapes and compute per-class
// Dice against the probability target.
func BatchDice(pred, target *tensor.Dense, classNum int) ([]float64, error) {
	hard, err := SoftLabel(pred, classNum)
	if err != nil {
		return nil, err
	}
	p2, y2, err := Reshape(hard, target)
	if err != nil {
		return nil, err
	}
	return ClasswiseDice(p2, y2)
}
