package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-medseg/network"
)

// Checkpoint represents a saved model state: weights plus the training
// progress needed to resume or evaluate the run.
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the training progress at save time.
type TrainingState struct {
	Step     int     `json:"step"`
	BestDice float64 `json:"best_dice"`
}

// CheckpointMetadata contains checkpoint metadata.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// ExtractWeights copies parameter data into serializable weight tensors.
func ExtractWeights(params []*network.Parameter) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data := p.Data.Data().([]float32)
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int{}, p.Data.Shape()...),
			Data:  append([]float32{}, data...),
		}
	}
	return weights
}

// LoadWeights copies checkpoint weights back into parameters, matched by
// position and validated by name and shape.
func LoadWeights(weights []WeightTensor, params []*network.Parameter) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}
	for i, p := range params {
		w := weights[i]
		if w.Name != p.Name {
			return fmt.Errorf("weight %d is %q, parameter is %q", i, w.Name, p.Name)
		}
		if !p.Data.Shape().Eq(tensor.Shape(w.Shape)) {
			return fmt.Errorf("shape mismatch for %s: checkpoint %v vs parameter %v",
				w.Name, w.Shape, p.Data.Shape())
		}
		dst := p.Data.Data().([]float32)
		if len(w.Data) != len(dst) {
			return fmt.Errorf("data length mismatch for %s: %d vs %d", w.Name, len(w.Data), len(dst))
		}
		copy(dst, w.Data)
	}
	return nil
}

// Save writes a checkpoint as indented JSON.
func Save(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-medseg"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

// Load reads a JSON checkpoint.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// BestModelSaver persists the best model of a run to a fixed path, overwriting
// the previous best. Its Save method matches the training driver's best-model
// hook signature.
type BestModelSaver struct {
	dir  string
	name string
}

// NewBestModelSaver creates the checkpoint directory if needed.
func NewBestModelSaver(dir, name string) (*BestModelSaver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %v", err)
	}
	if name == "" {
		name = "model"
	}
	return &BestModelSaver{dir: dir, name: name}, nil
}

// Path returns the location of the best-model checkpoint.
func (bs *BestModelSaver) Path() string {
	return filepath.Join(bs.dir, fmt.Sprintf("%s_best.json", bs.name))
}

// Save writes the current best model.
func (bs *BestModelSaver) Save(step int, validDice float64, params []*network.Parameter) error {
	checkpoint := &Checkpoint{
		Weights: ExtractWeights(params),
		TrainingState: TrainingState{
			Step:     step,
			BestDice: validDice,
		},
	}
	return Save(checkpoint, bs.Path())
}

// Restore loads the best model back into the given parameters and returns its
// training state.
func (bs *BestModelSaver) Restore(params []*network.Parameter) (*TrainingState, error) {
	checkpoint, err := Load(bs.Path())
	if err != nil {
		return nil, err
	}
	if err := LoadWeights(checkpoint.Weights, params); err != nil {
		return nil, err
	}
	return &checkpoint.TrainingState, nil
}
