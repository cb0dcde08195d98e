package training

import (
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-medseg/network"
)

func newParam(t *testing.T, data, grad []float32) *network.Parameter {
	t.Helper()
	return &network.Parameter{
		Name: "p",
		Data: tensor.New(tensor.WithShape(len(data)), tensor.WithBacking(data)),
		Grad: tensor.New(tensor.WithShape(len(grad)), tensor.WithBacking(grad)),
	}
}

func TestSGDStep(t *testing.T) {
	p := newParam(t, []float32{1.0, 2.0}, []float32{0.5, -0.5})
	sgd := NewSGD([]*network.Parameter{p}, 0.1, 0, 0)

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	data := p.Data.Data().([]float32)
	if math.Abs(float64(data[0])-0.95) > 1e-6 || math.Abs(float64(data[1])-2.05) > 1e-6 {
		t.Errorf("expected (0.95, 2.05), got (%f, %f)", data[0], data[1])
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	p := newParam(t, []float32{0}, []float32{1})
	sgd := NewSGD([]*network.Parameter{p}, 0.1, 0.9, 0)

	// Two steps with a constant gradient: v1 = 1, v2 = 0.9 + 1 = 1.9,
	// so the parameter moves 0.1 then 0.19.
	if err := sgd.Step(); err != nil {
		t.Fatalf("first Step failed: %v", err)
	}
	if err := sgd.Step(); err != nil {
		t.Fatalf("second Step failed: %v", err)
	}

	data := p.Data.Data().([]float32)
	if math.Abs(float64(data[0])+0.29) > 1e-6 {
		t.Errorf("expected -0.29 after two momentum steps, got %f", data[0])
	}
}

func TestSGDZeroGradAndLR(t *testing.T) {
	p := newParam(t, []float32{1}, []float32{2})
	sgd := NewSGD([]*network.Parameter{p}, 0.1, 0, 0)

	sgd.ZeroGrad()
	if g := p.Grad.Data().([]float32)[0]; g != 0 {
		t.Errorf("expected zeroed gradient, got %f", g)
	}

	sgd.SetLR(0.001)
	if got := sgd.GetLR(); got != 0.001 {
		t.Errorf("expected lr 0.001, got %f", got)
	}
}

func TestSGDWeightDecay(t *testing.T) {
	p := newParam(t, []float32{1.0}, []float32{0})
	sgd := NewSGD([]*network.Parameter{p}, 0.1, 0, 0.5)

	// With zero gradient the update is pure decay: 1 - 0.1*0.5*1 = 0.95.
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got := p.Data.Data().([]float32)[0]; math.Abs(float64(got)-0.95) > 1e-6 {
		t.Errorf("expected 0.95 after weight decay step, got %f", got)
	}
}
