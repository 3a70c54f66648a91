package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-harmonize/tensor"
)

// Metric is a stateful epoch accumulator. Lifecycle: ResetEpochStats at the
// start of each epoch, Update once per batch with predictions and targets in
// the declared field order, GetEpochValue at epoch end.
//
// The first metric in a trainer's validation list is load-bearing: its epoch
// value is the quality score that drives best-checkpoint promotion.
type Metric interface {
	Name() string
	PredOutputs() []string
	GTOutputs() []string
	ResetEpochStats()
	Update(preds, gts []*tensor.Tensor) error
	GetEpochValue() float64
}

const psnrEpsilon = 1e-10

// PSNRMetric accumulates per-sample peak signal-to-noise ratio against a
// peak value of 1.0 (normalized images). Higher is better.
type PSNRMetric struct {
	name      string
	predField string
	gtField   string

	values []float64
}

// NewPSNRMetric creates a PSNR accumulator over the given fields.
func NewPSNRMetric(predField, gtField string) *PSNRMetric {
	return &PSNRMetric{name: "PSNR", predField: predField, gtField: gtField}
}

func (m *PSNRMetric) Name() string           { return m.name }
func (m *PSNRMetric) PredOutputs() []string  { return []string{m.predField} }
func (m *PSNRMetric) GTOutputs() []string    { return []string{m.gtField} }
func (m *PSNRMetric) ResetEpochStats()       { m.values = m.values[:0] }
func (m *PSNRMetric) GetEpochValue() float64 {
	if len(m.values) == 0 {
		return 0
	}
	return floats.Sum(m.values) / float64(len(m.values))
}

func (m *PSNRMetric) Update(preds, gts []*tensor.Tensor) error {
	if len(preds) != 1 || len(gts) != 1 {
		return errors.Errorf("PSNR expects 1 prediction and 1 target, got %d and %d", len(preds), len(gts))
	}
	pred, gt := preds[0], gts[0]
	if pred.Numel() != gt.Numel() {
		return errors.Errorf("PSNR shape mismatch: %v vs %v", pred.Shape, gt.Shape)
	}
	batch := pred.Shape[0]
	per := pred.Numel() / batch
	for i := 0; i < batch; i++ {
		mse := 0.0
		for j := i * per; j < (i+1)*per; j++ {
			d := float64(pred.Data[j] - gt.Data[j])
			mse += d * d
		}
		mse /= float64(per)
		if mse < psnrEpsilon {
			mse = psnrEpsilon
		}
		m.values = append(m.values, -10*math.Log10(mse))
	}
	return nil
}

// MSEMetric accumulates the per-sample mean squared error. Lower is better;
// it is a diagnostic companion, never the quality score.
type MSEMetric struct {
	name      string
	predField string
	gtField   string

	values []float64
}

// NewMSEMetric creates an MSE accumulator over the given fields.
func NewMSEMetric(predField, gtField string) *MSEMetric {
	return &MSEMetric{name: "MSE", predField: predField, gtField: gtField}
}

func (m *MSEMetric) Name() string           { return m.name }
func (m *MSEMetric) PredOutputs() []string  { return []string{m.predField} }
func (m *MSEMetric) GTOutputs() []string    { return []string{m.gtField} }
func (m *MSEMetric) ResetEpochStats()       { m.values = m.values[:0] }
func (m *MSEMetric) GetEpochValue() float64 {
	if len(m.values) == 0 {
		return 0
	}
	return floats.Sum(m.values) / float64(len(m.values))
}

func (m *MSEMetric) Update(preds, gts []*tensor.Tensor) error {
	if len(preds) != 1 || len(gts) != 1 {
		return errors.Errorf("MSE expects 1 prediction and 1 target, got %d and %d", len(preds), len(gts))
	}
	pred, gt := preds[0], gts[0]
	if pred.Numel() != gt.Numel() {
		return errors.Errorf("MSE shape mismatch: %v vs %v", pred.Shape, gt.Shape)
	}
	batch := pred.Shape[0]
	per := pred.Numel() / batch
	for i := 0; i < batch; i++ {
		mse := 0.0
		for j := i * per; j < (i+1)*per; j++ {
			d := float64(pred.Data[j] - gt.Data[j])
			mse += d * d
		}
		m.values = append(m.values, mse/float64(per))
	}
	return nil
}
