package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-harmonize/tensor"
)

func metricPair(t *testing.T, predValues, gtValues []float32, shape []int) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	pred, err := tensor.NewTensor(shape, tensor.CPU, predValues)
	require.NoError(t, err)
	gt, err := tensor.NewTensor(shape, tensor.CPU, gtValues)
	require.NoError(t, err)
	return pred, gt
}

func TestPSNRMetric(t *testing.T) {
	t.Run("known error gives known ratio", func(t *testing.T) {
		m := NewPSNRMetric("images", "target_images")
		// A uniform error of 0.1 means an MSE of 0.01 and a PSNR of 20 dB.
		pred, gt := metricPair(t,
			[]float32{0.1, 0.1, 0.1, 0.1},
			[]float32{0, 0, 0, 0},
			[]int{1, 4})
		require.NoError(t, m.Update([]*tensor.Tensor{pred}, []*tensor.Tensor{gt}))
		assert.InDelta(t, 20.0, m.GetEpochValue(), 1e-4)
	})

	t.Run("identical images are clamped", func(t *testing.T) {
		m := NewPSNRMetric("images", "target_images")
		pred, gt := metricPair(t, []float32{1, 1}, []float32{1, 1}, []int{1, 2})
		require.NoError(t, m.Update([]*tensor.Tensor{pred}, []*tensor.Tensor{gt}))
		assert.InDelta(t, 100.0, m.GetEpochValue(), 1e-4)
	})

	t.Run("epoch value averages per-sample ratios", func(t *testing.T) {
		m := NewPSNRMetric("images", "target_images")
		// Sample 0 has MSE 0.01 (20 dB), sample 1 has MSE 1 (0 dB).
		pred, gt := metricPair(t,
			[]float32{0.1, 0.1, 1, 1},
			[]float32{0, 0, 0, 0},
			[]int{2, 2})
		require.NoError(t, m.Update([]*tensor.Tensor{pred}, []*tensor.Tensor{gt}))
		assert.InDelta(t, 10.0, m.GetEpochValue(), 1e-4)
	})

	t.Run("reset clears the epoch", func(t *testing.T) {
		m := NewPSNRMetric("images", "target_images")
		pred, gt := metricPair(t, []float32{1, 1}, []float32{0, 0}, []int{1, 2})
		require.NoError(t, m.Update([]*tensor.Tensor{pred}, []*tensor.Tensor{gt}))
		m.ResetEpochStats()
		assert.Equal(t, 0.0, m.GetEpochValue())
	})

	t.Run("declared fields", func(t *testing.T) {
		m := NewPSNRMetric("images", "target_images")
		assert.Equal(t, "PSNR", m.Name())
		assert.Equal(t, []string{"images"}, m.PredOutputs())
		assert.Equal(t, []string{"target_images"}, m.GTOutputs())
	})

	t.Run("shape mismatch is fatal", func(t *testing.T) {
		m := NewPSNRMetric("images", "target_images")
		pred, err := tensor.NewTensor([]int{1, 2}, tensor.CPU, []float32{1, 2})
		require.NoError(t, err)
		gt, err := tensor.NewTensor([]int{1, 3}, tensor.CPU, []float32{1, 2, 3})
		require.NoError(t, err)
		assert.Error(t, m.Update([]*tensor.Tensor{pred}, []*tensor.Tensor{gt}))
	})
}

func TestMSEMetric(t *testing.T) {
	t.Run("per-sample mean squared error", func(t *testing.T) {
		m := NewMSEMetric("images", "target_images")
		pred, gt := metricPair(t,
			[]float32{1, 1, 3, 3},
			[]float32{0, 0, 0, 0},
			[]int{2, 2})
		require.NoError(t, m.Update([]*tensor.Tensor{pred}, []*tensor.Tensor{gt}))
		// Sample errors are 1 and 9; the epoch value is their mean.
		assert.InDelta(t, 5.0, m.GetEpochValue(), 1e-4)
	})

	t.Run("accumulates across batches", func(t *testing.T) {
		m := NewMSEMetric("images", "target_images")
		pred, gt := metricPair(t, []float32{1, 1}, []float32{0, 0}, []int{1, 2})
		require.NoError(t, m.Update([]*tensor.Tensor{pred}, []*tensor.Tensor{gt}))
		pred2, gt2 := metricPair(t, []float32{3, 3}, []float32{0, 0}, []int{1, 2})
		require.NoError(t, m.Update([]*tensor.Tensor{pred2}, []*tensor.Tensor{gt2}))
		assert.InDelta(t, 5.0, m.GetEpochValue(), 1e-4)
	})

	t.Run("wrong arity is fatal", func(t *testing.T) {
		m := NewMSEMetric("images", "target_images")
		assert.Error(t, m.Update(nil, nil))
	})
}
