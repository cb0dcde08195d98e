// Package main provides the CLI entry point for go-medseg training runs.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-medseg/checkpoints"
	"github.com/tsawler/go-medseg/config"
	"github.com/tsawler/go-medseg/dataset"
	"github.com/tsawler/go-medseg/loss"
	"github.com/tsawler/go-medseg/metrics"
	"github.com/tsawler/go-medseg/network"
	"github.com/tsawler/go-medseg/training"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "medrun <stage> <config.cfg>",
	Short: "Semi- and weakly-supervised medical image segmentation training",
	Long: `medrun drives segmentation training runs configured by an ini-style .cfg file.

Stages:
  train  alternate training and validation epochs until iter_max steps,
         checkpointing the best model by validation dice
  test   evaluate the best checkpoint on the validation set`,
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  false,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, cfgPath := args[0], args[1]

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		switch stage {
		case "train":
			return runTrain(cfg)
		case "test":
			return runTest(cfg)
		default:
			return fmt.Errorf("unknown stage %q, expected train or test", stage)
		}
	},
}

// buildNetwork resolves the configured network type.
func buildNetwork(cfg *config.Config) (network.Network, error) {
	switch cfg.Network.Name {
	case "identity":
		return network.NewIdentity(), nil
	case "pixel_linear", "":
		return network.NewPixelLinear(cfg.Network.InChans, cfg.Network.ClassNum,
			rand.New(rand.NewSource(cfg.Dataset.RandomSeed)))
	default:
		return nil, fmt.Errorf("unknown network type %q", cfg.Network.Name)
	}
}

func loaderOptions(cfg *config.Config, batchSize int, shuffle bool, transform dataset.Transform) dataset.LoaderOptions {
	return dataset.LoaderOptions{
		BatchSize:     batchSize,
		Shuffle:       shuffle,
		Transform:     transform,
		NumWorkers:    cfg.Dataset.NumWorkers,
		Deterministic: cfg.Dataset.Deterministic,
		Seed:          cfg.Dataset.RandomSeed,
	}
}

func validLoader(cfg *config.Config) (*dataset.DataLoader, error) {
	ds, err := dataset.NewFileSegDataset(cfg.Dataset.RootDir, cfg.Dataset.ValidCSV)
	if err != nil {
		return nil, fmt.Errorf("failed to open validation set: %v", err)
	}
	return dataset.NewDataLoader(ds, loaderOptions(cfg, cfg.Dataset.ValidBatchSize, false, nil)), nil
}

func runTrain(cfg *config.Config) error {
	net, err := buildNetwork(cfg)
	if err != nil {
		return err
	}

	trainTransform, err := dataset.BuildTransform(cfg.Dataset.TrainTransform, cfg.Network.ClassNum)
	if err != nil {
		return err
	}
	trainDS, err := dataset.NewFileSegDataset(cfg.Dataset.RootDir, cfg.Dataset.TrainCSV)
	if err != nil {
		return fmt.Errorf("failed to open training set: %v", err)
	}
	trainLoader := dataset.NewCyclicLoader(dataset.NewDataLoader(trainDS,
		loaderOptions(cfg, cfg.Dataset.TrainBatchSize, true, trainTransform)))

	var aux *training.AuxObjective
	var unlabLoader *dataset.CyclicLoader
	switch cfg.Dataset.SuperviseType {
	case "semi_sup":
		aux = training.EntropyMinimization(cfg.SSL)
		unlabTransform, err := dataset.BuildTransform(cfg.Dataset.TrainTransformUnlab, cfg.Network.ClassNum)
		if err != nil {
			return err
		}
		unlabDS, err := dataset.NewFileSegDataset(cfg.Dataset.RootDir, cfg.Dataset.TrainCSVUnlab)
		if err != nil {
			return fmt.Errorf("failed to open unlabeled set: %v", err)
		}
		unlabLoader = dataset.NewCyclicLoader(dataset.NewDataLoader(unlabDS,
			loaderOptions(cfg, cfg.Dataset.TrainBatchSizeUnlab, true, unlabTransform)))
	case "weak_sup":
		aux = training.MumfordShahRegularization(cfg.WSL)
	}

	valid, err := validLoader(cfg)
	if err != nil {
		return err
	}

	scheduler, err := training.SchedulerFromConfig(cfg.Training)
	if err != nil {
		return err
	}

	summary, err := training.NewCSVSummaryWriter(cfg.Training.CkptSaveDir)
	if err != nil {
		return err
	}
	defer summary.Close()

	saver, err := checkpoints.NewBestModelSaver(cfg.Training.CkptSaveDir, cfg.Network.Name)
	if err != nil {
		return err
	}

	agent, err := training.NewSegAgent(training.AgentOptions{
		Config:      cfg,
		Network:     net,
		Optimizer:   training.NewSGD(net.Parameters(), cfg.Training.LearningRate, cfg.Training.Momentum, cfg.Training.WeightDecay),
		Scheduler:   scheduler,
		SupLoss:     loss.NewDiceLoss(),
		Aux:         aux,
		TrainLoader: trainLoader,
		UnlabLoader: unlabLoader,
		ValidLoader: valid,
		Summary:     summary,
		OnBest:      saver.Save,
	})
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %s training for %d steps\n", summary.RunID, cfg.Dataset.SuperviseType, cfg.Training.IterMax)
	if err := agent.TrainValid(); err != nil {
		return err
	}
	fmt.Printf("best model saved to %s\n", saver.Path())
	return nil
}

// runTest restores the best checkpoint and evaluates it on the validation set.
func runTest(cfg *config.Config) error {
	net, err := buildNetwork(cfg)
	if err != nil {
		return err
	}

	saver, err := checkpoints.NewBestModelSaver(cfg.Training.CkptSaveDir, cfg.Network.Name)
	if err != nil {
		return err
	}
	state, err := saver.Restore(net.Parameters())
	if err != nil {
		return err
	}
	fmt.Printf("restored checkpoint from step %d (dice %.4f)\n", state.Step, state.BestDice)

	valid, err := validLoader(cfg)
	if err != nil {
		return err
	}

	net.Eval()
	supLoss := loss.NewDiceLoss()
	acc := metrics.NewEpochAccumulator(cfg.Network.ClassNum)
	valid.Reset()
	for {
		batch, err := valid.Next()
		if err != nil {
			return fmt.Errorf("evaluation batch failed: %v", err)
		}
		if batch == nil {
			break
		}

		heads, err := net.Forward(batch.Image)
		if err != nil {
			return fmt.Errorf("evaluation forward pass failed: %v", err)
		}
		in := &loss.Input{Prediction: heads, SoftmaxNeeded: cfg.Training.LossSoftmax, Target: batch.Label}
		l, err := supLoss.Forward(in)
		if err != nil {
			return fmt.Errorf("evaluation loss failed: %v", err)
		}
		dice, err := metrics.BatchDice(heads[0], batch.Label, cfg.Network.ClassNum)
		if err != nil {
			return fmt.Errorf("evaluation dice failed: %v", err)
		}
		if err := acc.Add(l, l, 0, dice); err != nil {
			return err
		}
	}

	scalars, err := acc.Finalize(0)
	if err != nil {
		return err
	}
	fmt.Println(training.PhaseSummary("test", scalars))
	return nil
}
