package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/tensor"
)

// StepResult carries everything one forward pass produced: the total
// weighted loss, per-term unweighted log values, the batch augmented with
// auxiliary model outputs, and the raw output mapping.
type StepResult struct {
	Loss       float64
	LossTensor *tensor.Tensor
	Logging    map[string][]float64
	Batch      Batch
	Outputs    map[string]*tensor.Tensor
}

// batchForward executes one step: move the batch to the compute device, run
// the model, merge auxiliary outputs back into the batch, accumulate every
// enabled weighted loss term, and feed the active metrics outside the
// gradient path. Gradient tracking is on only when validation is false.
//
// The returned loss is exactly the weighted sum of the enabled,
// enabled-for-mode terms; validation of the loss configuration guarantees at
// least one term contributes in either mode.
func (t *Trainer) batchForward(batch Batch, validation bool) (*StepResult, error) {
	metrics := t.trainMetrics
	if validation {
		metrics = t.valMetrics
	}
	logging := make(map[string][]float64)

	prev := tensor.SetGradEnabled(!validation)
	defer tensor.SetGradEnabled(prev)

	batch = batch.ToDevice(t.ctx.Device)
	images, err := requireField(batch, "images")
	if err != nil {
		return nil, err
	}
	imagesFullres, err := requireField(batch, "images_fullres")
	if err != nil {
		return nil, err
	}
	masks, err := requireField(batch, "masks")
	if err != nil {
		return nil, err
	}
	masksFullres, err := requireField(batch, "masks_fullres")
	if err != nil {
		return nil, err
	}

	outputs, err := t.model.Forward(images, imagesFullres, masks, masksFullres)
	if err != nil {
		return nil, errors.Wrap(err, "model forward failed")
	}
	batch.MergeOutputs(outputs)

	var total *tensor.Tensor
	for _, name := range t.lossCfg.TermOrder() {
		total, err = addLoss(name, total, logging, validation, t.lossCfg, outputs, batch)
		if err != nil {
			return nil, err
		}
	}
	if total == nil {
		return nil, errors.New("no enabled loss terms contributed to the total")
	}

	if err := tensor.NoGrad(func() error {
		for _, metric := range metrics {
			preds := make([]*tensor.Tensor, 0, len(metric.PredOutputs()))
			for _, field := range metric.PredOutputs() {
				p, ok := outputs[field]
				if !ok {
					return errors.Errorf("metric %q: model output %q not found", metric.Name(), field)
				}
				preds = append(preds, p)
			}
			gts := make([]*tensor.Tensor, 0, len(metric.GTOutputs()))
			for _, field := range metric.GTOutputs() {
				g, ok := batch[field]
				if !ok {
					return errors.Errorf("metric %q: batch field %q not found", metric.Name(), field)
				}
				gts = append(gts, g)
			}
			if err := metric.Update(preds, gts); err != nil {
				return errors.Wrapf(err, "metric %q update failed", metric.Name())
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	lossValue, err := total.Item()
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Loss:       lossValue,
		LossTensor: total,
		Logging:    logging,
		Batch:      batch,
		Outputs:    outputs,
	}, nil
}

func requireField(batch Batch, name string) (*tensor.Tensor, error) {
	t, ok := batch[name]
	if !ok {
		return nil, errors.Errorf("batch is missing required field %q", name)
	}
	return t, nil
}
