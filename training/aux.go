package training

import (
	"github.com/tsawler/go-medseg/config"
	"github.com/tsawler/go-medseg/loss"
)

// AuxObjective bundles the auxiliary loss strategy of a training regime: the
// loss itself, whether it needs the raw input image, the weight schedule that
// scales it, and the series names it reports under. The semi- and
// weakly-supervised trainers differ only in this value plus the presence of an
// unlabeled stream.
type AuxObjective struct {
	Loss       loss.Loss
	NeedsImage bool
	Schedule   WeightSchedule
	LossTag    string
	WeightTag  string
}

// EntropyMinimization is the semi-supervised objective: entropy of the full
// concatenated output (labeled and unlabeled partitions alike), gated so that
// steps below iter_sup contribute nothing.
func EntropyMinimization(ssl config.SemiSupervisedConfig) *AuxObjective {
	return &AuxObjective{
		Loss:       loss.NewEntropyLoss(),
		NeedsImage: false,
		Schedule: WeightSchedule{
			Base:       ssl.ConsisW,
			IterSup:    ssl.IterSup,
			RampLength: ssl.RampUpLength,
			Gate:       GateLess,
		},
		LossTag:   "loss_unsup",
		WeightTag: "consis_w",
	}
}

// MumfordShahRegularization is the weakly-supervised objective: an
// image-driven energy over the full batch, gated so that only steps strictly
// past iter_sup contribute.
func MumfordShahRegularization(wsl config.WeaklySupervisedConfig) *AuxObjective {
	return &AuxObjective{
		Loss:       loss.NewMumfordShahLoss(wsl.GradW, wsl.Penalty),
		NeedsImage: true,
		Schedule: WeightSchedule{
			Base:       wsl.RegularizeW,
			IterSup:    wsl.IterSup,
			RampLength: wsl.RampUpLength,
			Gate:       GateGreater,
		},
		LossTag:   "loss_reg",
		WeightTag: "regular_w",
	}
}
