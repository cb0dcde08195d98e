package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Config is the resolved, immutable configuration for a training run.
// It is parsed once at startup and passed by reference into each component;
// nothing mutates it after Load returns.
type Config struct {
	Dataset  DatasetConfig
	Network  NetworkConfig
	Training TrainingConfig
	SSL      SemiSupervisedConfig
	WSL      WeaklySupervisedConfig
}

// DatasetConfig describes the labeled and unlabeled data sources and the
// loading policy shared by both.
type DatasetConfig struct {
	SuperviseType       string // "semi_sup" or "weak_sup"
	RootDir             string
	TrainCSV            string
	TrainCSVUnlab       string
	ValidCSV            string
	TrainBatchSize      int
	TrainBatchSizeUnlab int
	ValidBatchSize      int
	TrainTransform      []string
	TrainTransformUnlab []string
	NumWorkers          int
	Deterministic       bool
	RandomSeed          int64
}

// NetworkConfig selects the segmentation network and its output size.
type NetworkConfig struct {
	Name     string
	ClassNum int
	InChans  int
}

// TrainingConfig controls the outer training loop.
type TrainingConfig struct {
	IterValid    int    // steps per training epoch (validation interval)
	IterMax      int    // total optimization steps
	CkptSaveDir  string // checkpoints and scalar summaries land here
	LossSoftmax  bool   // apply channel softmax to network outputs inside losses
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Scheduler    string  // "poly", "step" or "constant"
	SchedulerPow float64 // poly exponent
	StepSize     int     // step scheduler interval
	StepGamma    float64 // step scheduler decay factor
}

// SemiSupervisedConfig holds the entropy-minimization weight schedule.
type SemiSupervisedConfig struct {
	ConsisW      float64 // base consistency weight
	IterSup      int     // steps before any consistency weight applies
	RampUpLength int     // defaults to Training.IterMax
}

// WeaklySupervisedConfig holds the regularization weight schedule plus the
// Mumford-Shah loss parameters.
type WeaklySupervisedConfig struct {
	RegularizeW  float64
	IterSup      int
	RampUpLength int
	GradW        float64 // smoothness term weight
	Penalty      string  // "l1" or "l2"
}

// knownTransforms lists the transform names a config may reference. Unknown
// names are a configuration error, rejected before any training step.
var knownTransforms = map[string]bool{
	"RandomFlip":           true,
	"NormalizeWithMeanStd": true,
	"GammaCorrection":      true,
	"LabelToProbability":   true,
}

// Load parses an ini-style .cfg file into a Config and validates it.
// All configuration errors are reported here, never mid-epoch.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %v", path, err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	cfg := Default()

	ds := f.Section("dataset")
	cfg.Dataset.SuperviseType = ds.Key("supervise_type").MustString(cfg.Dataset.SuperviseType)
	cfg.Dataset.RootDir = ds.Key("root_dir").MustString(cfg.Dataset.RootDir)
	cfg.Dataset.TrainCSV = ds.Key("train_csv").MustString(cfg.Dataset.TrainCSV)
	cfg.Dataset.TrainCSVUnlab = ds.Key("train_csv_unlab").MustString(cfg.Dataset.TrainCSVUnlab)
	cfg.Dataset.ValidCSV = ds.Key("valid_csv").MustString(cfg.Dataset.ValidCSV)
	cfg.Dataset.TrainBatchSize = ds.Key("train_batch_size").MustInt(cfg.Dataset.TrainBatchSize)
	cfg.Dataset.TrainBatchSizeUnlab = ds.Key("train_batch_size_unlab").MustInt(cfg.Dataset.TrainBatchSizeUnlab)
	cfg.Dataset.ValidBatchSize = ds.Key("valid_batch_size").MustInt(cfg.Dataset.ValidBatchSize)
	cfg.Dataset.TrainTransform = ds.Key("train_transform").Strings(",")
	cfg.Dataset.TrainTransformUnlab = ds.Key("train_transform_unlab").Strings(",")
	// "num_workder" is the historical spelling used by existing config files.
	if ds.HasKey("num_worker") {
		cfg.Dataset.NumWorkers = ds.Key("num_worker").MustInt(cfg.Dataset.NumWorkers)
	} else if ds.HasKey("num_workder") {
		cfg.Dataset.NumWorkers = ds.Key("num_workder").MustInt(cfg.Dataset.NumWorkers)
	}
	cfg.Dataset.Deterministic = ds.Key("deterministic").MustBool(cfg.Dataset.Deterministic)
	cfg.Dataset.RandomSeed = ds.Key("random_seed").MustInt64(cfg.Dataset.RandomSeed)

	net := f.Section("network")
	cfg.Network.Name = net.Key("net_type").MustString(cfg.Network.Name)
	cfg.Network.ClassNum = net.Key("class_num").MustInt(cfg.Network.ClassNum)
	cfg.Network.InChans = net.Key("in_chns").MustInt(cfg.Network.InChans)

	tr := f.Section("training")
	cfg.Training.IterValid = tr.Key("iter_valid").MustInt(cfg.Training.IterValid)
	cfg.Training.IterMax = tr.Key("iter_max").MustInt(cfg.Training.IterMax)
	cfg.Training.CkptSaveDir = tr.Key("ckpt_save_dir").MustString(cfg.Training.CkptSaveDir)
	cfg.Training.LossSoftmax = tr.Key("loss_softmax").MustBool(cfg.Training.LossSoftmax)
	cfg.Training.LearningRate = tr.Key("learning_rate").MustFloat64(cfg.Training.LearningRate)
	cfg.Training.Momentum = tr.Key("momentum").MustFloat64(cfg.Training.Momentum)
	cfg.Training.WeightDecay = tr.Key("weight_decay").MustFloat64(cfg.Training.WeightDecay)
	cfg.Training.Scheduler = tr.Key("lr_scheduler").MustString(cfg.Training.Scheduler)
	cfg.Training.SchedulerPow = tr.Key("lr_power").MustFloat64(cfg.Training.SchedulerPow)
	cfg.Training.StepSize = tr.Key("lr_step_size").MustInt(cfg.Training.StepSize)
	cfg.Training.StepGamma = tr.Key("lr_gamma").MustFloat64(cfg.Training.StepGamma)

	ssl := f.Section("semi_supervised_learning")
	cfg.SSL.ConsisW = ssl.Key("consis_w").MustFloat64(cfg.SSL.ConsisW)
	cfg.SSL.IterSup = ssl.Key("iter_sup").MustInt(cfg.SSL.IterSup)
	cfg.SSL.RampUpLength = ssl.Key("ramp_up_length").MustInt(-1)

	wsl := f.Section("weakly_supervised_learning")
	cfg.WSL.RegularizeW = wsl.Key("regularize_w").MustFloat64(cfg.WSL.RegularizeW)
	cfg.WSL.IterSup = wsl.Key("iter_sup").MustInt(cfg.WSL.IterSup)
	cfg.WSL.RampUpLength = wsl.Key("ramp_up_length").MustInt(-1)
	cfg.WSL.GradW = wsl.Key("grad_w").MustFloat64(cfg.WSL.GradW)
	cfg.WSL.Penalty = wsl.Key("penalty").MustString(cfg.WSL.Penalty)

	if err := cfg.resolve(ssl.HasKey("ramp_up_length"), wsl.HasKey("ramp_up_length")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	return &Config{
		Dataset: DatasetConfig{
			SuperviseType:       "semi_sup",
			TrainBatchSize:      4,
			TrainBatchSizeUnlab: 4,
			ValidBatchSize:      1,
			NumWorkers:          16,
			RandomSeed:          1,
		},
		Network: NetworkConfig{
			ClassNum: 2,
			InChans:  1,
		},
		Training: TrainingConfig{
			IterValid:    100,
			IterMax:      10000,
			CkptSaveDir:  "model",
			LossSoftmax:  true,
			LearningRate: 0.01,
			Momentum:     0.9,
			Scheduler:    "poly",
			SchedulerPow: 0.9,
			StepSize:     1000,
			StepGamma:    0.5,
		},
		SSL: SemiSupervisedConfig{
			ConsisW: 0.1,
			IterSup: 0,
		},
		WSL: WeaklySupervisedConfig{
			RegularizeW: 0.1,
			IterSup:     0,
			GradW:       1.0,
			Penalty:     "l2",
		},
	}
}

// resolve fills derived defaults and rejects invalid values. sslRampSet and
// wslRampSet report whether the file provided an explicit ramp_up_length.
func (c *Config) resolve(sslRampSet, wslRampSet bool) error {
	if c.Training.IterMax <= 0 {
		return fmt.Errorf("training.iter_max must be positive, got %d", c.Training.IterMax)
	}
	if c.Training.IterValid <= 0 {
		return fmt.Errorf("training.iter_valid must be positive, got %d", c.Training.IterValid)
	}
	if c.Dataset.SuperviseType != "semi_sup" && c.Dataset.SuperviseType != "weak_sup" {
		return fmt.Errorf("dataset.supervise_type must be semi_sup or weak_sup, got %q", c.Dataset.SuperviseType)
	}
	if c.Network.ClassNum < 2 {
		return fmt.Errorf("network.class_num must be at least 2, got %d", c.Network.ClassNum)
	}
	if c.Dataset.NumWorkers <= 0 {
		c.Dataset.NumWorkers = 1
	}

	// Unset ramp lengths default to the total number of training steps.
	if !sslRampSet {
		c.SSL.RampUpLength = c.Training.IterMax
	}
	if !wslRampSet {
		c.WSL.RampUpLength = c.Training.IterMax
	}
	if c.SSL.RampUpLength < 0 {
		return fmt.Errorf("semi_supervised_learning.ramp_up_length must not be negative, got %d", c.SSL.RampUpLength)
	}
	if c.WSL.RampUpLength < 0 {
		return fmt.Errorf("weakly_supervised_learning.ramp_up_length must not be negative, got %d", c.WSL.RampUpLength)
	}
	if c.WSL.Penalty != "l1" && c.WSL.Penalty != "l2" {
		return fmt.Errorf("weakly_supervised_learning.penalty must be l1 or l2, got %q", c.WSL.Penalty)
	}

	for _, name := range append(append([]string{}, c.Dataset.TrainTransform...), c.Dataset.TrainTransformUnlab...) {
		if !knownTransforms[name] {
			return fmt.Errorf("undefined transform %q", name)
		}
	}
	return nil
}
