// Package model provides a minimal harmonization network: a learnable
// per-channel affine correction applied inside the composite mask. The
// training loop treats any Model implementation as opaque; this one exists
// so the driver runs end-to-end and tests have a deterministic collaborator.
package model

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/tensor"
)

// ChannelAffine harmonizes a composite by blending the input with a
// per-channel affine transform restricted to the masked region:
//
//	out = images*(1-mask) + (images*scale + shift)*mask
//
// scale and shift are the trainable parameters, shaped [3,1,1] so they
// broadcast over batches of [N,3,H,W] images.
type ChannelAffine struct {
	scale    *tensor.Tensor
	shift    *tensor.Tensor
	training bool
}

// NewChannelAffine creates the model with identity initialization.
func NewChannelAffine() (*ChannelAffine, error) {
	scale, err := tensor.NewTensor([]int{3, 1, 1}, tensor.CPU, []float32{1, 1, 1})
	if err != nil {
		return nil, err
	}
	shift, err := tensor.Zeros([]int{3, 1, 1}, tensor.CPU)
	if err != nil {
		return nil, err
	}
	scale.SetRequiresGrad(true)
	shift.SetRequiresGrad(true)
	return &ChannelAffine{scale: scale, shift: shift, training: true}, nil
}

// Forward produces the harmonized low- and full-resolution images plus the
// applied gain map under "params".
func (m *ChannelAffine) Forward(images, imagesFullres, masks, masksFullres *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	harmonized, err := m.blend(images, masks)
	if err != nil {
		return nil, errors.Wrap(err, "low-resolution blend failed")
	}
	harmonizedFR, err := m.blend(imagesFullres, masksFullres)
	if err != nil {
		return nil, errors.Wrap(err, "full-resolution blend failed")
	}

	var params *tensor.Tensor
	if err := tensor.NoGrad(func() error {
		var err error
		params, err = tensor.Mul(m.scale, masks)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "parameter map failed")
	}

	return map[string]*tensor.Tensor{
		"images":         harmonized,
		"images_fullres": harmonizedFR,
		"params":         params,
	}, nil
}

func (m *ChannelAffine) blend(images, masks *tensor.Tensor) (*tensor.Tensor, error) {
	scaled, err := tensor.Mul(images, m.scale)
	if err != nil {
		return nil, err
	}
	affine, err := tensor.Add(scaled, m.shift)
	if err != nil {
		return nil, err
	}
	masked, err := tensor.Mul(affine, masks)
	if err != nil {
		return nil, err
	}
	invMask, err := tensor.Sub(tensor.FromScalar(1, masks.Device), masks)
	if err != nil {
		return nil, err
	}
	base, err := tensor.Mul(images, invMask)
	if err != nil {
		return nil, err
	}
	return tensor.Add(base, masked)
}

// Parameters returns the trainable tensors.
func (m *ChannelAffine) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.scale, m.shift}
}

func (m *ChannelAffine) Train()           { m.training = true }
func (m *ChannelAffine) Eval()            { m.training = false }
func (m *ChannelAffine) IsTraining() bool { return m.training }
