// Package checkpoints persists and restores training state bundles: model
// weights, optimizer state, scheduler state and the epoch index.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/tensor"
)

// WeightTensor is one serialized parameter tensor.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer hyperparameters and per-parameter state
// tensors (momentum buffers and the like).
type OptimizerState struct {
	Type       string         `json:"type"`
	LR         float64        `json:"lr"`
	Momentum   float64        `json:"momentum,omitempty"`
	Velocities []WeightTensor `json:"velocities,omitempty"`
}

// SchedulerState captures the learning-rate scheduler position.
type SchedulerState struct {
	Name      string `json:"name"`
	LastEpoch int    `json:"last_epoch"`
}

// Bundle is the persisted checkpoint. Optimizer, scheduler and epoch are
// optional as a group: a weights-only bundle restores model parameters and
// nothing else.
type Bundle struct {
	Model     []WeightTensor  `json:"model"`
	Optimizer *OptimizerState `json:"optimizer,omitempty"`
	Scheduler *SchedulerState `json:"lr_scheduler,omitempty"`
	Epoch     *int            `json:"epoch,omitempty"`
	SavedAt   time.Time       `json:"saved_at"`
}

// Save writes the bundle under dir and returns the resulting path. An empty
// prefix produces the rolling "last_checkpoint" file; any other prefix (a
// zero-padded epoch, or epoch_score for best checkpoints) names the file
// directly.
func Save(dir, prefix string, bundle *Bundle) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	name := "last_checkpoint.json"
	if prefix != "" {
		name = prefix + ".json"
	}
	path := filepath.Join(dir, name)

	bundle.SavedAt = time.Now()
	file, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create checkpoint file %s", path)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(bundle); err != nil {
		return "", errors.Wrapf(err, "failed to encode checkpoint %s", path)
	}
	return path, nil
}

// Load reads a bundle from disk.
func Load(path string) (*Bundle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %s", path)
	}
	defer file.Close()

	var bundle Bundle
	if err := json.NewDecoder(file).Decode(&bundle); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return &bundle, nil
}

// SnapshotWeights copies parameter tensors into serializable form. Names are
// positional; the restore side matches by order and verifies shapes.
func SnapshotWeights(params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		weights[i] = WeightTensor{
			Name:  paramName(i),
			Shape: append([]int(nil), p.Shape...),
			Data:  data,
		}
	}
	return weights
}

// RestoreWeights loads serialized weights back into parameter tensors,
// matching by position and verifying shape agreement.
func RestoreWeights(params []*tensor.Tensor, weights []WeightTensor) error {
	if len(weights) != len(params) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}
	for i, p := range params {
		w := weights[i]
		if len(w.Shape) != len(p.Shape) {
			return errors.Errorf("shape mismatch for %s: checkpoint %v vs parameter %v", w.Name, w.Shape, p.Shape)
		}
		for j, dim := range p.Shape {
			if dim != w.Shape[j] {
				return errors.Errorf("dimension mismatch for %s at axis %d: checkpoint %d vs parameter %d",
					w.Name, j, w.Shape[j], dim)
			}
		}
		if err := p.SetData(w.Data); err != nil {
			return errors.Wrapf(err, "failed to load weight %s", w.Name)
		}
	}
	return nil
}

func paramName(i int) string {
	return fmt.Sprintf("param_%03d", i)
}
