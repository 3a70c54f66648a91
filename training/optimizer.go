package training

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/checkpoints"
	"github.com/tsawler/go-harmonize/tensor"
)

// Optimizer updates model parameters from their accumulated gradients.
// StateDict and LoadStateDict let optimizer state ride in checkpoint
// bundles so a resumed run continues with intact momentum buffers.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
	StateDict() *checkpoints.OptimizerState
	LoadStateDict(state *checkpoints.OptimizerState) error
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	velocities   []*tensor.Tensor
	mutex        sync.Mutex
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64) (*SGD, error) {
	if lr <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", lr)
	}
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
	}
	if momentum > 0 {
		sgd.velocities = make([]*tensor.Tensor, len(parameters))
		for i, p := range parameters {
			v, err := tensor.Zeros(p.Shape, p.Device)
			if err != nil {
				return nil, errors.Wrap(err, "velocity initialization failed")
			}
			sgd.velocities[i] = v
		}
	}
	return sgd, nil
}

// Step applies one update to every parameter that has a gradient.
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	mom := float32(sgd.momentum)
	for i, param := range sgd.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		if len(grad.Data) != len(param.Data) {
			return errors.Errorf("gradient size %d does not match parameter size %d", len(grad.Data), len(param.Data))
		}
		if sgd.momentum > 0 {
			velocity := sgd.velocities[i]
			for j := range param.Data {
				velocity.Data[j] = mom*velocity.Data[j] + grad.Data[j]
				param.Data[j] -= lr * velocity.Data[j]
			}
		} else {
			for j := range param.Data {
				param.Data[j] -= lr * grad.Data[j]
			}
		}
	}
	return nil
}

// ZeroGrad clears accumulated gradients on every parameter.
func (sgd *SGD) ZeroGrad() {
	for _, param := range sgd.parameters {
		param.ZeroGrad()
	}
}

func (sgd *SGD) GetLR() float64 {
	return sgd.learningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.learningRate = lr
}

// StateDict serializes learning rate, momentum and velocity buffers.
func (sgd *SGD) StateDict() *checkpoints.OptimizerState {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	state := &checkpoints.OptimizerState{
		Type:     "SGD",
		LR:       sgd.learningRate,
		Momentum: sgd.momentum,
	}
	if sgd.velocities != nil {
		state.Velocities = checkpoints.SnapshotWeights(sgd.velocities)
	}
	return state
}

// LoadStateDict restores learning rate, momentum and velocity buffers from a
// checkpoint.
func (sgd *SGD) LoadStateDict(state *checkpoints.OptimizerState) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	if state.Type != "SGD" {
		return errors.Errorf("checkpoint optimizer type %q does not match SGD", state.Type)
	}
	sgd.learningRate = state.LR
	sgd.momentum = state.Momentum
	if len(state.Velocities) > 0 {
		if sgd.velocities == nil {
			sgd.velocities = make([]*tensor.Tensor, len(sgd.parameters))
			for i, p := range sgd.parameters {
				v, err := tensor.Zeros(p.Shape, p.Device)
				if err != nil {
					return err
				}
				sgd.velocities[i] = v
			}
		}
		if err := checkpoints.RestoreWeights(sgd.velocities, state.Velocities); err != nil {
			return errors.Wrap(err, "failed to restore optimizer velocities")
		}
	}
	return nil
}
