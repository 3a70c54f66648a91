package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsawler/go-harmonize/tensor"
)

func makeParams(t *testing.T, values ...[]float32) []*tensor.Tensor {
	t.Helper()
	params := make([]*tensor.Tensor, len(values))
	for i, v := range values {
		p, err := tensor.NewTensor([]int{len(v)}, tensor.CPU, v)
		require.NoError(t, err)
		params[i] = p
	}
	return params
}

func TestSaveNaming(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty prefix writes rolling file", func(t *testing.T) {
		path, err := Save(dir, "", &Bundle{})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "last_checkpoint.json"), path)
	})

	t.Run("prefix names the file", func(t *testing.T) {
		path, err := Save(dir, "007_33.210", &Bundle{})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "007_33.210.json"), path)
	})
}

func TestBundleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	params := makeParams(t, []float32{1, 2, 3}, []float32{4, 5})
	epoch := 7

	bundle := &Bundle{
		Model: SnapshotWeights(params),
		Optimizer: &OptimizerState{
			Type:       "SGD",
			LR:         0.01,
			Momentum:   0.9,
			Velocities: SnapshotWeights(params),
		},
		Scheduler: &SchedulerState{Name: "StepLR", LastEpoch: 7},
		Epoch:     &epoch,
	}
	path, err := Save(dir, "007", bundle)
	require.NoError(t, err)

	loaded, err := Load(path)
	require.NoError(t, err)

	require.Len(t, loaded.Model, 2)
	assert.Equal(t, []float32{1, 2, 3}, loaded.Model[0].Data)
	assert.Equal(t, "param_000", loaded.Model[0].Name)

	require.NotNil(t, loaded.Optimizer)
	assert.Equal(t, "SGD", loaded.Optimizer.Type)
	assert.Equal(t, 0.01, loaded.Optimizer.LR)
	require.Len(t, loaded.Optimizer.Velocities, 2)

	require.NotNil(t, loaded.Scheduler)
	assert.Equal(t, 7, loaded.Scheduler.LastEpoch)

	require.NotNil(t, loaded.Epoch)
	assert.Equal(t, 7, *loaded.Epoch)
}

func TestWeightsOnlyBundleOmitsOptionalGroup(t *testing.T) {
	dir := t.TempDir()
	params := makeParams(t, []float32{1})

	path, err := Save(dir, "weights_only", &Bundle{Model: SnapshotWeights(params)})
	require.NoError(t, err)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, loaded.Optimizer)
	assert.Nil(t, loaded.Scheduler)
	assert.Nil(t, loaded.Epoch)
}

func TestRestoreWeights(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		src := makeParams(t, []float32{1, 2}, []float32{3})
		dst := makeParams(t, []float32{0, 0}, []float32{0})
		require.NoError(t, RestoreWeights(dst, SnapshotWeights(src)))
		assert.Equal(t, []float32{1, 2}, dst[0].Data)
		assert.Equal(t, []float32{3}, dst[1].Data)
	})

	t.Run("count mismatch", func(t *testing.T) {
		src := makeParams(t, []float32{1})
		dst := makeParams(t, []float32{1}, []float32{2})
		assert.Error(t, RestoreWeights(dst, SnapshotWeights(src)))
	})

	t.Run("shape mismatch", func(t *testing.T) {
		src := makeParams(t, []float32{1, 2, 3})
		dst := makeParams(t, []float32{0, 0})
		assert.Error(t, RestoreWeights(dst, SnapshotWeights(src)))
	})

	t.Run("snapshot copies data", func(t *testing.T) {
		src := makeParams(t, []float32{1})
		weights := SnapshotWeights(src)
		src[0].Data[0] = 99
		assert.Equal(t, float32(1), weights[0].Data[0])
	})
}

func TestManagerRestore(t *testing.T) {
	logger := zap.NewNop().Sugar()

	t.Run("missing explicit weights is fatal", func(t *testing.T) {
		m := NewManager(t.TempDir(), ResumeConfig{WeightsPath: "/nonexistent/weights.json"}, logger)
		_, err := m.Restore(makeParams(t, []float32{1}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no checkpoint found")
	})

	t.Run("explicit weights load once", func(t *testing.T) {
		dir := t.TempDir()
		src := makeParams(t, []float32{5, 6})
		path, err := Save(dir, "init", &Bundle{Model: SnapshotWeights(src)})
		require.NoError(t, err)

		params := makeParams(t, []float32{0, 0})
		m := NewManager(dir, ResumeConfig{WeightsPath: path}, logger)

		_, err = m.Restore(params)
		require.NoError(t, err)
		assert.Equal(t, []float32{5, 6}, params[0].Data)

		// The path is consumed: a second restore must not reapply it.
		params[0].Data[0] = 42
		_, err = m.Restore(params)
		require.NoError(t, err)
		assert.Equal(t, float32(42), params[0].Data[0])
	})

	t.Run("resume requires exactly one match", func(t *testing.T) {
		dir := t.TempDir()
		m := NewManager(dir, ResumeConfig{ResumeExp: "exp", ResumePrefix: "ck"}, logger)
		_, err := m.Restore(makeParams(t, []float32{1}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "want exactly 1")

		src := makeParams(t, []float32{1})
		_, err = Save(dir, "ck_001", &Bundle{Model: SnapshotWeights(src)})
		require.NoError(t, err)
		_, err = Save(dir, "ck_002", &Bundle{Model: SnapshotWeights(src)})
		require.NoError(t, err)

		m = NewManager(dir, ResumeConfig{ResumeExp: "exp", ResumePrefix: "ck"}, logger)
		_, err = m.Restore(makeParams(t, []float32{1}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "matched 2")
	})

	t.Run("full bundle restores start epoch", func(t *testing.T) {
		dir := t.TempDir()
		src := makeParams(t, []float32{9})
		epoch := 4
		_, err := Save(dir, "exp_004", &Bundle{
			Model:     SnapshotWeights(src),
			Optimizer: &OptimizerState{Type: "SGD", LR: 0.001},
			Scheduler: &SchedulerState{Name: "StepLR", LastEpoch: 4},
			Epoch:     &epoch,
		})
		require.NoError(t, err)

		params := makeParams(t, []float32{0})
		m := NewManager(dir, ResumeConfig{ResumeExp: "exp", ResumePrefix: "exp_"}, logger)
		restored, err := m.Restore(params)
		require.NoError(t, err)
		require.NotNil(t, restored.Bundle)
		assert.Equal(t, 5, restored.StartEpoch)
		assert.Equal(t, []float32{9}, params[0].Data)
	})

	t.Run("incomplete optional group restores weights only", func(t *testing.T) {
		dir := t.TempDir()
		src := makeParams(t, []float32{3})
		_, err := Save(dir, "exp_004", &Bundle{
			Model:     SnapshotWeights(src),
			Optimizer: &OptimizerState{Type: "SGD", LR: 0.001},
		})
		require.NoError(t, err)

		params := makeParams(t, []float32{0})
		m := NewManager(dir, ResumeConfig{ResumeExp: "exp", ResumePrefix: "exp_"}, logger)
		restored, err := m.Restore(params)
		require.NoError(t, err)
		assert.Nil(t, restored.Bundle)
		assert.Equal(t, 0, restored.StartEpoch)
		assert.Equal(t, []float32{3}, params[0].Data)
	})

	t.Run("corrupt checkpoint fails", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ck_bad.json"), []byte("{not json"), 0o644))
		m := NewManager(dir, ResumeConfig{ResumeExp: "exp", ResumePrefix: "ck"}, logger)
		_, err := m.Restore(makeParams(t, []float32{1}))
		assert.Error(t, err)
	})
}
