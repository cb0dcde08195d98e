package training

import (
	"fmt"

	"github.com/tsawler/go-medseg/network"
)

// Optimizer defines the methods that all optimizers must implement. Each is
// called exactly once per training step: ZeroGrad before the forward pass,
// Step after the backward pass.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
}

// SGD implements stochastic gradient descent with momentum and weight decay
// over a fixed set of network parameters.
type SGD struct {
	parameters   []*network.Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*network.Parameter][]float32
}

// NewSGD creates an SGD optimizer.
func NewSGD(parameters []*network.Parameter, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*network.Parameter][]float32),
	}
	if momentum > 0 {
		for _, p := range parameters {
			sgd.velocities[p] = make([]float32, len(p.Data.Data().([]float32)))
		}
	}
	return sgd
}

// Step performs a single in-place parameter update.
func (sgd *SGD) Step() error {
	lr := float32(sgd.learningRate)
	wd := float32(sgd.weightDecay)
	mu := float32(sgd.momentum)

	for _, p := range sgd.parameters {
		data := p.Data.Data().([]float32)
		grad := p.Grad.Data().([]float32)
		if len(data) != len(grad) {
			return fmt.Errorf("parameter %s: data length %d does not match grad length %d",
				p.Name, len(data), len(grad))
		}

		if sgd.momentum > 0 {
			velocity := sgd.velocities[p]
			for i := range data {
				g := grad[i] + wd*data[i]
				velocity[i] = mu*velocity[i] + g
				data[i] -= lr * velocity[i]
			}
		} else {
			for i := range data {
				g := grad[i] + wd*data[i]
				data[i] -= lr * g
			}
		}
	}
	return nil
}

// ZeroGrad resets all parameter gradients.
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.parameters {
		p.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (sgd *SGD) GetLR() float64 {
	return sgd.learningRate
}

// SetLR sets the learning rate; called once per step with the scheduler output.
func (sgd *SGD) SetLR(lr float64) {
	sgd.learningRate = lr
}
