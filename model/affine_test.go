package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-harmonize/tensor"
)

func forwardFixture(t *testing.T) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	images, err := tensor.NewTensor([]int{1, 3, 2, 2}, tensor.CPU, []float32{
		0.1, 0.2, 0.3, 0.4,
		0.5, 0.6, 0.7, 0.8,
		0.9, 1.0, 0.1, 0.2,
	})
	require.NoError(t, err)
	masks, err := tensor.NewTensor([]int{1, 1, 2, 2}, tensor.CPU, []float32{1, 0, 0, 1})
	require.NoError(t, err)
	return images, masks
}

func TestChannelAffineIdentityInit(t *testing.T) {
	m, err := NewChannelAffine()
	require.NoError(t, err)
	images, masks := forwardFixture(t)

	outputs, err := m.Forward(images, images, masks, masks)
	require.NoError(t, err)

	// With unit scale and zero shift the blend reproduces the input exactly.
	for _, key := range []string{"images", "images_fullres"} {
		out := outputs[key]
		require.NotNil(t, out, key)
		require.Equal(t, images.Shape, out.Shape)
		for i := range images.Data {
			assert.InDelta(t, float64(images.Data[i]), float64(out.Data[i]), 1e-6)
		}
	}
}

func TestChannelAffineParamMap(t *testing.T) {
	m, err := NewChannelAffine()
	require.NoError(t, err)
	images, masks := forwardFixture(t)

	outputs, err := m.Forward(images, images, masks, masks)
	require.NoError(t, err)

	params := outputs["params"]
	require.NotNil(t, params)
	// The gain map is produced outside the gradient path.
	assert.Nil(t, params.Creator())
	assert.Equal(t, []int{1, 3, 2, 2}, params.Shape)
}

func TestChannelAffineGradients(t *testing.T) {
	m, err := NewChannelAffine()
	require.NoError(t, err)
	images, masks := forwardFixture(t)
	target, err := tensor.Zeros(images.Shape, tensor.CPU)
	require.NoError(t, err)

	outputs, err := m.Forward(images, images, masks, masks)
	require.NoError(t, err)

	diff, err := tensor.Sub(outputs["images"], target)
	require.NoError(t, err)
	sq, err := tensor.Mul(diff, diff)
	require.NoError(t, err)
	loss, err := tensor.Mean(sq)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	params := m.Parameters()
	require.Len(t, params, 2)
	for _, p := range params {
		grad := p.Grad()
		require.NotNil(t, grad)
		assert.Equal(t, []int{3, 1, 1}, grad.Shape)
	}

	// The loss depends on the scaled pixels inside the mask, so the scale
	// gradient cannot vanish.
	scaleGrad := params[0].Grad()
	nonzero := false
	for _, v := range scaleGrad.Data {
		if v != 0 {
			nonzero = true
		}
	}
	assert.True(t, nonzero)
}

func TestChannelAffineModes(t *testing.T) {
	m, err := NewChannelAffine()
	require.NoError(t, err)
	assert.True(t, m.IsTraining())
	m.Eval()
	assert.False(t, m.IsTraining())
	m.Train()
	assert.True(t, m.IsTraining())
}
