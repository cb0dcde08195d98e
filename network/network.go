package network

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// Parameter is a trainable tensor together with its accumulated gradient.
// Grad has the same shape as Data and is owned by the network that created it.
type Parameter struct {
	Name string
	Data *tensor.Dense
	Grad *tensor.Dense
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	g := p.Grad.Data().([]float32)
	for i := range g {
		g[i] = 0
	}
}

// Network defines the methods segmentation networks must implement. Forward
// returns one or more prediction heads; head 0 is the primary segmentation
// map. Backward consumes the loss gradient with respect to the primary head
// of the most recent forward pass and accumulates parameter gradients.
type Network interface {
	Forward(x *tensor.Dense) ([]*tensor.Dense, error)
	Backward(grad *tensor.Dense) error
	Parameters() []*Parameter
	Train()
	Eval()
	IsTraining() bool
}

// Identity returns its input unchanged. It has no parameters and exists for
// tests and pipeline debugging, where prediction must equal input exactly.
type Identity struct {
	training bool
}

// NewIdentity creates an Identity network.
func NewIdentity() *Identity {
	return &Identity{training: true}
}

// Forward returns the input as the single prediction head.
func (id *Identity) Forward(x *tensor.Dense) ([]*tensor.Dense, error) {
	return []*tensor.Dense{x}, nil
}

// Backward is a no-op: there are no parameters to update.
func (id *Identity) Backward(grad *tensor.Dense) error {
	return nil
}

// Parameters returns an empty parameter list.
func (id *Identity) Parameters() []*Parameter { return nil }

func (id *Identity) Train()           { id.training = true }
func (id *Identity) Eval()            { id.training = false }
func (id *Identity) IsTraining() bool { return id.training }

// PixelLinear is a per-pixel linear classifier (a 1x1 convolution): every
// spatial position is mapped independently from inChans input channels to
// classNum logits through a shared weight matrix and bias.
type PixelLinear struct {
	inChans  int
	classNum int
	weight   *Parameter // (classNum, inChans)
	bias     *Parameter // (classNum)
	lastIn   *tensor.Dense
	training bool
}

// NewPixelLinear creates a PixelLinear with Xavier-uniform weights drawn from
// the given source.
func NewPixelLinear(inChans, classNum int, rng *rand.Rand) (*PixelLinear, error) {
	if inChans <= 0 || classNum < 2 {
		return nil, fmt.Errorf("invalid dimensions: in_chns %d, class_num %d", inChans, classNum)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	bound := math.Sqrt(6.0 / float64(inChans+classNum))
	wData := make([]float32, classNum*inChans)
	for i := range wData {
		wData[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}

	return &PixelLinear{
		inChans:  inChans,
		classNum: classNum,
		weight: &Parameter{
			Name: "weight",
			Data: tensor.New(tensor.WithShape(classNum, inChans), tensor.WithBacking(wData)),
			Grad: tensor.New(tensor.WithShape(classNum, inChans), tensor.WithBacking(make([]float32, classNum*inChans))),
		},
		bias: &Parameter{
			Name: "bias",
			Data: tensor.New(tensor.WithShape(classNum), tensor.WithBacking(make([]float32, classNum))),
			Grad: tensor.New(tensor.WithShape(classNum), tensor.WithBacking(make([]float32, classNum))),
		},
		training: true,
	}, nil
}

// Forward maps an (N, C, spatial...) batch to (N, K, spatial...) logits.
func (pl *PixelLinear) Forward(x *tensor.Dense) ([]*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) < 3 {
		return nil, fmt.Errorf("expected at least 3 dimensions (N, C, spatial...), got shape %v", shape)
	}
	n, c := shape[0], shape[1]
	if c != pl.inChans {
		return nil, fmt.Errorf("input has %d channels, network expects %d", c, pl.inChans)
	}
	s := 1
	for _, d := range shape[2:] {
		s *= d
	}

	xd := x.Data().([]float32)
	w := pl.weight.Data.Data().([]float32)
	b := pl.bias.Data.Data().([]float32)

	k := pl.classNum
	out := make([]float32, n*k*s)
	for i := 0; i < n; i++ {
		for v := 0; v < s; v++ {
			for kc := 0; kc < k; kc++ {
				sum := b[kc]
				for cc := 0; cc < c; cc++ {
					sum += w[kc*c+cc] * xd[(i*c+cc)*s+v]
				}
				out[(i*k+kc)*s+v] = sum
			}
		}
	}

	pl.lastIn = x
	outShape := append([]int{n, k}, shape[2:]...)
	return []*tensor.Dense{tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out))}, nil
}

// Backward accumulates weight and bias gradients from the loss gradient of
// the most recent forward pass.
func (pl *PixelLinear) Backward(grad *tensor.Dense) error {
	if pl.lastIn == nil {
		return fmt.Errorf("backward called before forward")
	}

	inShape := pl.lastIn.Shape()
	n, c := inShape[0], inShape[1]
	s := 1
	for _, d := range inShape[2:] {
		s *= d
	}
	k := pl.classNum

	gShape := grad.Shape()
	if gShape[0] != n || gShape[1] != k {
		return fmt.Errorf("gradient shape %v does not match forward output (N=%d, K=%d)", gShape, n, k)
	}

	xd := pl.lastIn.Data().([]float32)
	gd := grad.Data().([]float32)
	wGrad := pl.weight.Grad.Data().([]float32)
	bGrad := pl.bias.Grad.Data().([]float32)

	for i := 0; i < n; i++ {
		for v := 0; v < s; v++ {
			for kc := 0; kc < k; kc++ {
				g := gd[(i*k+kc)*s+v]
				bGrad[kc] += g
				for cc := 0; cc < c; cc++ {
					wGrad[kc*c+cc] += g * xd[(i*c+cc)*s+v]
				}
			}
		}
	}
	return nil
}

// Parameters returns the weight and bias.
func (pl *PixelLinear) Parameters() []*Parameter {
	return []*Parameter{pl.weight, pl.bias}
}

func (pl *PixelLinear) Train()           { pl.training = true }
func (pl *PixelLinear) Eval()            { pl.training = false }
func (pl *PixelLinear) IsTraining() bool { return pl.training }
