package training

import "math"

// RampCurve maps a (step, length) pair to a factor in [0, 1]. All curves are
// pure functions; a non-positive length means no ramp-up and yields 1, so the
// full base weight applies from step 0.
type RampCurve func(step, length float64) float64

// ExpRampup is the exponential ramp from Laine & Aila (2017),
// exp(-5 * phase^2) with phase = 1 - step/length: near zero at step 0 and
// approaching 1 as step reaches length. Steps outside [0, length] are clamped.
func ExpRampup(step, length float64) float64 {
	if length <= 0 {
		return 1.0
	}
	step = clamp(step, 0, length)
	phase := 1.0 - step/length
	return math.Exp(-5.0 * phase * phase)
}

// SigmoidRampup is a logistic 0-to-1 ramp, monotone increasing over
// [0, length] with the same endpoints behavior as ExpRampup.
func SigmoidRampup(step, length float64) float64 {
	if length <= 0 {
		return 1.0
	}
	step = clamp(step, 0, length)
	return 1.0 / (1.0 + math.Exp(-10.0*(step/length-0.5)))
}

// LinearRampup grows linearly from 0 to 1 over length steps.
func LinearRampup(step, length float64) float64 {
	if length <= 0 {
		return 1.0
	}
	return clamp(step, 0, length) / length
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// GateMode selects how the supervised-only warm-up threshold compares against
// the global step. The two comparators differ at exactly one step and that
// boundary is part of the contract: with GateLess the step equal to IterSup
// already receives nonzero weight, with GateGreater it does not.
type GateMode int

const (
	// GateLess forces the weight to zero while step < IterSup
	// (semi-supervised regime).
	GateLess GateMode = iota
	// GateGreater keeps the weight at zero unless step > IterSup
	// (weakly-supervised regime).
	GateGreater
)

// WeightSchedule produces the time-varying auxiliary loss weight. The ramp
// curve output is bounded to [0, Base]; the gate then applies a hard zero
// during the supervised-only warm-up phase regardless of the curve.
type WeightSchedule struct {
	Base       float64
	IterSup    int
	RampLength int
	Gate       GateMode
	Curve      RampCurve // nil defaults to ExpRampup
}

// At returns the applied weight for a global step.
func (ws WeightSchedule) At(step int) float64 {
	switch ws.Gate {
	case GateGreater:
		if step <= ws.IterSup {
			return 0.0
		}
	default:
		if step < ws.IterSup {
			return 0.0
		}
	}

	curve := ws.Curve
	if curve == nil {
		curve = ExpRampup
	}
	return ws.Base * curve(float64(step), float64(ws.RampLength))
}
