package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-harmonize/tensor"
	"github.com/tsawler/go-harmonize/vision"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("overrides defaults and keeps the rest", func(t *testing.T) {
		path := writeConfig(t, `
name: hsv_fixed256
device: gpu
color_space: HSV
epochs: 120
lr: 0.003
lr_scheduler:
  name: cosine
  t_max: 120
input_normalization:
  mean: [0.5, 0.5, 0.5]
  std: [0.25, 0.25, 0.25]
losses:
  pixel_loss:
    enabled: true
    weight: 2.0
  low_loss:
    enabled: true
    weight: 0.5
    train_only: true
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, "hsv_fixed256", cfg.Name)
		assert.Equal(t, "gpu", cfg.Device)
		assert.Equal(t, 120, cfg.Epochs)
		assert.Equal(t, 0.003, cfg.LR)
		assert.Equal(t, "cosine", cfg.Scheduler.Name)
		assert.Equal(t, 120, cfg.Scheduler.TMax)
		assert.Equal(t, []float64{0.5, 0.5, 0.5}, cfg.Normalization.Mean)
		assert.True(t, cfg.Losses["low_loss"].TrainOnly)
		assert.Equal(t, 2.0, cfg.Losses["pixel_loss"].Weight)

		// Untouched fields keep their defaults.
		assert.Equal(t, 4, cfg.BatchSize)
		assert.Equal(t, 0.9, cfg.Momentum)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load("/nonexistent/experiment.yaml")
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "losses: [not, a, map")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Experiment)
	}{
		{"zero batch size", func(c *Experiment) { c.BatchSize = 0 }},
		{"zero epochs", func(c *Experiment) { c.Epochs = 0 }},
		{"non-positive lr", func(c *Experiment) { c.LR = 0 }},
		{"unknown device", func(c *Experiment) { c.Device = "tpu" }},
		{"unknown color space", func(c *Experiment) { c.ColorSpace = "LAB" }},
		{"bad normalization", func(c *Experiment) { c.Normalization.Mean = []float64{0} }},
		{"no enabled losses", func(c *Experiment) { c.Losses = map[string]LossWeight{} }},
		{"zero-weight enabled loss", func(c *Experiment) {
			c.Losses = map[string]LossWeight{"pixel_loss": {Enabled: true, Weight: 0}}
		}},
		{"resume without prefix", func(c *Experiment) { c.ResumeExp = "exp"; c.ResumePrefix = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("disabled losses do not count", func(t *testing.T) {
		cfg := Default()
		cfg.Losses = map[string]LossWeight{
			"pixel_loss": {Enabled: false, Weight: 1},
		}
		assert.Error(t, cfg.Validate())
	})
}

func TestMappings(t *testing.T) {
	cfg := Default()
	assert.Equal(t, tensor.CPU, cfg.DeviceType())
	cfg.Device = "gpu"
	assert.Equal(t, tensor.GPU, cfg.DeviceType())

	cfg.ColorSpace = "HSV"
	assert.Equal(t, vision.HSV, cfg.Space())
}
