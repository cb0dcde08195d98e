package training

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-medseg/config"
	"github.com/tsawler/go-medseg/dataset"
	"github.com/tsawler/go-medseg/loss"
	"github.com/tsawler/go-medseg/metrics"
	"github.com/tsawler/go-medseg/network"
)

// BestModelHook is called by the driver whenever validation dice improves.
// Checkpointing lives behind this narrow interface; the core never touches
// serialization itself.
type BestModelHook func(step int, validDice float64, params []*network.Parameter) error

// SegAgent drives semi- or weakly-supervised segmentation training. One
// training epoch runs a fixed number of steps over cyclic streams; one
// validation epoch walks the labeled validation set exhaustively. Steps are
// strictly sequential: the agent exclusively owns network, optimizer and
// scheduler state while a step runs.
type SegAgent struct {
	cfg       *config.Config
	net       network.Network
	optimizer Optimizer
	scheduler LRScheduler
	supLoss   loss.Loss
	aux       *AuxObjective

	trainLoader *dataset.CyclicLoader
	unlabLoader *dataset.CyclicLoader // nil outside the semi-supervised regime
	validLoader *dataset.DataLoader

	summary SummaryWriter
	onBest  BestModelHook

	globIt int // monotone across epochs, advanced only by TrainValid
}

// AgentOptions collects the collaborators a SegAgent consumes.
type AgentOptions struct {
	Config      *config.Config
	Network     network.Network
	Optimizer   Optimizer
	Scheduler   LRScheduler
	SupLoss     loss.Loss
	Aux         *AuxObjective
	TrainLoader *dataset.CyclicLoader
	UnlabLoader *dataset.CyclicLoader
	ValidLoader *dataset.DataLoader
	Summary     SummaryWriter
	OnBest      BestModelHook
}

// NewSegAgent wires up an agent. The unlabeled loader is required exactly
// when the auxiliary objective does not consume the input image (the
// entropy-minimization regime trains on a mixed labeled/unlabeled batch; the
// weakly-supervised regime has a single weakly labeled stream).
func NewSegAgent(opts AgentOptions) (*SegAgent, error) {
	if opts.Config == nil || opts.Network == nil || opts.Optimizer == nil ||
		opts.Scheduler == nil || opts.SupLoss == nil || opts.Aux == nil {
		return nil, fmt.Errorf("agent is missing a required collaborator")
	}
	if opts.TrainLoader == nil || opts.ValidLoader == nil {
		return nil, fmt.Errorf("agent requires train and valid loaders")
	}
	if opts.Summary == nil {
		opts.Summary = NewLogSummaryWriter(nil)
	}
	return &SegAgent{
		cfg:         opts.Config,
		net:         opts.Network,
		optimizer:   opts.Optimizer,
		scheduler:   opts.Scheduler,
		supLoss:     opts.SupLoss,
		aux:         opts.Aux,
		trainLoader: opts.TrainLoader,
		unlabLoader: opts.UnlabLoader,
		validLoader: opts.ValidLoader,
		summary:     opts.Summary,
		onBest:      opts.OnBest,
	}, nil
}

// GlobalStep returns the agent's global step counter.
func (a *SegAgent) GlobalStep() int { return a.globIt }

// SetGlobalStep positions the counter, e.g. when resuming a run.
func (a *SegAgent) SetGlobalStep(step int) { a.globIt = step }

// TrainEpoch runs iter_valid optimization steps and returns the aggregated
// epoch record. The auxiliary weight reads the global step as it stood at
// epoch start; the learning rate schedule advances with every optimization
// step. Errors abort the epoch immediately: a failed step is never skipped.
func (a *SegAgent) TrainEpoch() (*metrics.Scalars, error) {
	classNum := a.cfg.Network.ClassNum
	iterValid := a.cfg.Training.IterValid
	baseLR := a.cfg.Training.LearningRate

	a.net.Train()
	acc := metrics.NewEpochAccumulator(classNum)
	weight := a.aux.Schedule.At(a.globIt)

	for it := 0; it < iterValid; it++ {
		labeled, err := a.trainLoader.Next()
		if err != nil {
			return nil, fmt.Errorf("labeled stream failed at step %d: %v", it, err)
		}

		var unlabeled *dataset.Batch
		if a.unlabLoader != nil {
			unlabeled, err = a.unlabLoader.Next()
			if err != nil {
				return nil, fmt.Errorf("unlabeled stream failed at step %d: %v", it, err)
			}
		}

		lossTotal, lossSup, lossAux, dice, err := a.step(labeled, unlabeled, weight, classNum)
		if err != nil {
			return nil, fmt.Errorf("training step %d failed: %v", it, err)
		}

		a.optimizer.SetLR(a.scheduler.GetLR(a.globIt+it, baseLR))

		if err := acc.Add(lossTotal, lossSup, lossAux, dice); err != nil {
			return nil, err
		}
	}
	return acc.Finalize(weight)
}

// step performs one optimization step: mixed-batch concatenation (when an
// unlabeled batch is present), a single shared forward pass, both loss terms,
// the combined backward pass and one optimizer update.
func (a *SegAgent) step(labeled, unlabeled *dataset.Batch, weight float64, classNum int) (lossTotal, lossSup, lossAux float64, dice []float64, err error) {
	inputs := labeled.Image
	n0 := labeled.Size
	if unlabeled != nil {
		inputs, err = labeled.Image.Concat(0, unlabeled.Image)
		if err != nil {
			return 0, 0, 0, nil, fmt.Errorf("failed to concatenate batches: %v", err)
		}
	}

	a.optimizer.ZeroGrad()

	// Exactly one forward pass serves both loss terms.
	heads, err := a.net.Forward(inputs)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("forward pass failed: %v", err)
	}
	if len(heads) == 0 {
		return 0, 0, 0, nil, fmt.Errorf("network returned no prediction heads")
	}

	// Split every head back into the labeled partition, preserving order.
	supHeads := heads
	if unlabeled != nil {
		supHeads = make([]*tensor.Dense, len(heads))
		for i, h := range heads {
			supHeads[i], err = sliceRows(h, 0, n0)
			if err != nil {
				return 0, 0, 0, nil, fmt.Errorf("failed to split head %d at %d: %v", i, n0, err)
			}
		}
	}

	supIn := &loss.Input{Prediction: supHeads, SoftmaxNeeded: a.cfg.Training.LossSoftmax, Target: labeled.Label}
	lossSup, err = a.supLoss.Forward(supIn)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("supervised loss failed: %v", err)
	}
	supGrad, err := a.supLoss.Backward(supIn)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("supervised loss gradient failed: %v", err)
	}

	// The auxiliary term sees the entire unsplit output of both partitions.
	auxIn := &loss.Input{Prediction: heads, SoftmaxNeeded: a.cfg.Training.LossSoftmax}
	if a.aux.NeedsImage {
		auxIn.Image = inputs
	}
	lossAux, err = a.aux.Loss.Forward(auxIn)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("auxiliary loss failed: %v", err)
	}
	auxGrad, err := a.aux.Loss.Backward(auxIn)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("auxiliary loss gradient failed: %v", err)
	}

	totalGrad, err := combineGradients(supGrad, auxGrad, weight, heads[0].Shape())
	if err != nil {
		return 0, 0, 0, nil, err
	}
	if err := a.net.Backward(totalGrad); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("backward pass failed: %v", err)
	}
	if err := a.optimizer.Step(); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("optimizer step failed: %v", err)
	}

	// Dice is evaluated on the labeled partition of the primary head only;
	// auxiliary heads feed the loss, never the metric.
	dice, err = metrics.BatchDice(supHeads[0], labeled.Label, classNum)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("dice evaluation failed: %v", err)
	}

	return lossSup + weight*lossAux, lossSup, lossAux, dice, nil
}

// Validate walks the labeled validation set exhaustively once and returns its
// epoch record. No auxiliary loss and no parameter updates happen here.
func (a *SegAgent) Validate() (*metrics.Scalars, error) {
	classNum := a.cfg.Network.ClassNum

	a.net.Eval()
	defer a.net.Train()

	acc := metrics.NewEpochAccumulator(classNum)
	a.validLoader.Reset()
	for {
		batch, err := a.validLoader.Next()
		if err != nil {
			return nil, fmt.Errorf("validation batch failed: %v", err)
		}
		if batch == nil {
			break
		}

		heads, err := a.net.Forward(batch.Image)
		if err != nil {
			return nil, fmt.Errorf("validation forward pass failed: %v", err)
		}
		if len(heads) == 0 {
			return nil, fmt.Errorf("network returned no prediction heads")
		}

		in := &loss.Input{Prediction: heads, SoftmaxNeeded: a.cfg.Training.LossSoftmax, Target: batch.Label}
		l, err := a.supLoss.Forward(in)
		if err != nil {
			return nil, fmt.Errorf("validation loss failed: %v", err)
		}
		dice, err := metrics.BatchDice(heads[0], batch.Label, classNum)
		if err != nil {
			return nil, fmt.Errorf("validation dice failed: %v", err)
		}
		if err := acc.Add(l, l, 0, dice); err != nil {
			return nil, err
		}
	}
	return acc.Finalize(0)
}

// TrainValid is the outer driver: it alternates training and validation
// epochs until iter_max steps have run, reporting scalars after each pair and
// invoking the best-model hook when validation dice improves.
func (a *SegAgent) TrainValid() error {
	iterValid := a.cfg.Training.IterValid
	epochs := a.cfg.Training.IterMax / iterValid
	bestDice := -1.0

	for epoch := 0; epoch < epochs; epoch++ {
		train, err := a.TrainEpoch()
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %v", epoch, err)
		}
		a.globIt += iterValid

		valid, err := a.Validate()
		if err != nil {
			return fmt.Errorf("validation epoch %d failed: %v", epoch, err)
		}

		if err := WriteScalars(a.summary, train, valid, a.aux.LossTag, a.aux.WeightTag, a.globIt); err != nil {
			return fmt.Errorf("failed to write scalars: %v", err)
		}
		fmt.Println(PhaseSummary("train", train))
		fmt.Println(PhaseSummary("valid", valid))

		if valid.AvgDice > bestDice {
			bestDice = valid.AvgDice
			if a.onBest != nil {
				if err := a.onBest(a.globIt, bestDice, a.net.Parameters()); err != nil {
					return fmt.Errorf("best-model hook failed: %v", err)
				}
			}
		}
	}
	return nil
}

// sliceRows returns rows [from, to) of the leading axis as a fresh tensor.
func sliceRows(t *tensor.Dense, from, to int) (*tensor.Dense, error) {
	view, err := t.Slice(tensor.S(from, to))
	if err != nil {
		return nil, err
	}
	dense, ok := view.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("slice did not produce a dense tensor")
	}
	return dense.Materialize().(*tensor.Dense), nil
}

// combineGradients merges the supervised gradient over the labeled partition
// with the weighted auxiliary gradient over the full batch. Row-major layout
// puts the labeled partition in the leading flat region, so the supervised
// gradient adds elementwise into the front of the combined tensor.
func combineGradients(supGrad, auxGrad *tensor.Dense, weight float64, fullShape tensor.Shape) (*tensor.Dense, error) {
	aux := auxGrad.Data().([]float32)
	sup := supGrad.Data().([]float32)
	if len(sup) > len(aux) {
		return nil, fmt.Errorf("supervised gradient (%d values) exceeds full batch gradient (%d values)",
			len(sup), len(aux))
	}

	w := float32(weight)
	out := make([]float32, len(aux))
	for i := range aux {
		out[i] = w * aux[i]
	}
	for i := range sup {
		out[i] += sup[i]
	}
	return tensor.New(tensor.WithShape(fullShape...), tensor.WithBacking(out)), nil
}
