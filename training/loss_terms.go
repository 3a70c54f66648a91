package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/tensor"
)

// MSETerm is a squared-error loss over one prediction field and one
// ground-truth field. The aggregator mean-reduces the elementwise result.
type MSETerm struct {
	predField string
	gtField   string
}

// NewMSETerm creates a squared-error term reading predField from the model
// outputs and gtField from the batch.
func NewMSETerm(predField, gtField string) *MSETerm {
	return &MSETerm{predField: predField, gtField: gtField}
}

func (l *MSETerm) PredOutputs() []string { return []string{l.predField} }
func (l *MSETerm) GTOutputs() []string   { return []string{l.gtField} }

func (l *MSETerm) Compute(preds, gts []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(preds) != 1 || len(gts) != 1 {
		return nil, errors.Errorf("MSETerm expects 1 prediction and 1 target, got %d and %d", len(preds), len(gts))
	}
	diff, err := tensor.Sub(preds[0], gts[0])
	if err != nil {
		return nil, err
	}
	return tensor.Mul(diff, diff)
}

// MaskedMSETerm is a squared-error loss restricted to the composited region.
// Its ground-truth contract lists the target image first and the mask
// second; the aggregator passes them in that declared order.
type MaskedMSETerm struct {
	predField   string
	targetField string
	maskField   string
}

// NewMaskedMSETerm creates a mask-weighted squared-error term.
func NewMaskedMSETerm(predField, targetField, maskField string) *MaskedMSETerm {
	return &MaskedMSETerm{predField: predField, targetField: targetField, maskField: maskField}
}

func (l *MaskedMSETerm) PredOutputs() []string { return []string{l.predField} }
func (l *MaskedMSETerm) GTOutputs() []string   { return []string{l.targetField, l.maskField} }

func (l *MaskedMSETerm) Compute(preds, gts []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(preds) != 1 || len(gts) != 2 {
		return nil, errors.Errorf("MaskedMSETerm expects 1 prediction and 2 targets, got %d and %d", len(preds), len(gts))
	}
	diff, err := tensor.Sub(preds[0], gts[0])
	if err != nil {
		return nil, err
	}
	sq, err := tensor.Mul(diff, diff)
	if err != nil {
		return nil, err
	}
	return tensor.Mul(sq, gts[1])
}
