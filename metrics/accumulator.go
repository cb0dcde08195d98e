package metrics

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Scalars is the finalized record for one epoch. ClassDice is ordered by
// class id; AvgDice is its mean. LossAux holds the auxiliary term of the
// active regime (consistency or regularization) and Weight the scheduled
// weight applied during the epoch's final step.
type Scalars struct {
	Loss      float64
	LossSup   float64
	LossAux   float64
	Weight    float64
	AvgDice   float64
	ClassDice []float64
}

// EpochAccumulator accumulates scalar losses and per-class Dice vectors over
// the steps of one epoch, created empty at epoch start and reduced once at
// epoch end.
type EpochAccumulator struct {
	classNum int
	loss     float64
	lossSup  float64
	lossAux  float64
	diceRows [][]float64
}

// NewEpochAccumulator creates an accumulator for classNum classes.
func NewEpochAccumulator(classNum int) *EpochAccumulator {
	return &EpochAccumulator{classNum: classNum}
}

// Add records one step. dice must have one entry per class.
func (ea *EpochAccumulator) Add(loss, lossSup, lossAux float64, dice []float64) error {
	if len(dice) != ea.classNum {
		return fmt.Errorf("dice vector has %d entries, expected %d classes", len(dice), ea.classNum)
	}
	ea.loss += loss
	ea.lossSup += lossSup
	ea.lossAux += lossAux
	ea.diceRows = append(ea.diceRows, dice)
	return nil
}

// Steps returns how many steps have been recorded.
func (ea *EpochAccumulator) Steps() int {
	return len(ea.diceRows)
}

// Finalize reduces the accumulated steps to epoch-level scalars: summed losses
// divided by the step count, per-class Dice averaged axis-wise over steps, and
// the class vector meaned into a single scalar. weight is the applied
// auxiliary weight at the end of the epoch.
func (ea *EpochAccumulator) Finalize(weight float64) (*Scalars, error) {
	steps := len(ea.diceRows)
	if steps == 0 {
		return nil, fmt.Errorf("cannot finalize an epoch with no recorded steps")
	}

	classDice := make([]float64, ea.classNum)
	column := make([]float64, steps)
	for c := 0; c < ea.classNum; c++ {
		for i, row := range ea.diceRows {
			column[i] = row[c]
		}
		classDice[c] = stat.Mean(column, nil)
	}

	return &Scalars{
		Loss:      ea.loss / float64(steps),
		LossSup:   ea.lossSup / float64(steps),
		LossAux:   ea.lossAux / float64(steps),
		Weight:    weight,
		AvgDice:   floats.Sum(classDice) / float64(ea.classNum),
		ClassDice: classDice,
	}, nil
}
