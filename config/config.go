// Package config loads and validates experiment configuration files.
package config

import (
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/tsawler/go-harmonize/tensor"
	"github.com/tsawler/go-harmonize/vision"
)

// LossWeight configures one loss term by name. Enablement is explicit;
// enabled terms must carry a positive weight or validation fails at startup.
type LossWeight struct {
	Enabled   bool    `yaml:"enabled"`
	Weight    float64 `yaml:"weight"`
	TrainOnly bool    `yaml:"train_only"`
}

// Paths groups the run's output directories.
type Paths struct {
	Checkpoints string `yaml:"checkpoints"`
	Logs        string `yaml:"logs"`
	Vis         string `yaml:"vis"`
}

// Normalization holds the dataset's per-channel statistics.
type Normalization struct {
	Mean []float64 `yaml:"mean"`
	Std  []float64 `yaml:"std"`
}

// Scheduler selects a learning-rate schedule.
type Scheduler struct {
	Name     string  `yaml:"name"` // "", "step", "exponential", "cosine"
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
	TMax     int     `yaml:"t_max"`
	EtaMin   float64 `yaml:"eta_min"`
}

// Experiment is the full run configuration.
type Experiment struct {
	Name       string `yaml:"name"`
	Device     string `yaml:"device"`
	ColorSpace string `yaml:"color_space"`
	TaskPrefix string `yaml:"task_prefix"`

	Epochs       int `yaml:"epochs"`
	StartEpoch   int `yaml:"start_epoch"`
	BatchSize    int `yaml:"batch_size"`
	ValBatchSize int `yaml:"val_batch_size"`

	LR        float64   `yaml:"lr"`
	Momentum  float64   `yaml:"momentum"`
	Scheduler Scheduler `yaml:"lr_scheduler"`

	Weights      string `yaml:"weights"`
	ResumeExp    string `yaml:"resume_exp"`
	ResumePrefix string `yaml:"resume_prefix"`

	ImageDumpInterval  int `yaml:"image_dump_interval"`
	CheckpointInterval int `yaml:"checkpoint_interval"`
	TBDumpPeriod       int `yaml:"tb_dump_period"`
	PrintEvery         int `yaml:"print_every"`

	Seed         int64 `yaml:"seed"`
	ImageSize    int   `yaml:"image_size"`
	FullresSize  int   `yaml:"fullres_size"`
	TrainSamples int   `yaml:"train_samples"`
	ValSamples   int   `yaml:"val_samples"`

	Paths         Paths                 `yaml:"paths"`
	Normalization Normalization         `yaml:"input_normalization"`
	Losses        map[string]LossWeight `yaml:"losses"`
}

// Load reads a YAML experiment file and applies defaults.
func Load(path string) (*Experiment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

// Default returns a configuration with working defaults for every field a
// file may omit.
func Default() *Experiment {
	return &Experiment{
		Name:               "harmonize",
		Device:             "cpu",
		ColorSpace:         "RGB",
		Epochs:             10,
		BatchSize:          4,
		ValBatchSize:       4,
		LR:                 0.01,
		Momentum:           0.9,
		ImageDumpInterval:  100,
		CheckpointInterval: 10,
		TBDumpPeriod:       25,
		PrintEvery:         20,
		Seed:               1,
		ImageSize:          32,
		FullresSize:        64,
		TrainSamples:       64,
		ValSamples:         16,
		Paths: Paths{
			Checkpoints: "runs/checkpoints",
			Logs:        "runs/logs",
			Vis:         "runs/vis",
		},
		Normalization: Normalization{
			Mean: []float64{0, 0, 0},
			Std:  []float64{1, 1, 1},
		},
		Losses: map[string]LossWeight{
			"pixel_loss": {Enabled: true, Weight: 1.0},
		},
	}
}

// Validate enforces startup-time correctness. Loss-term semantics are
// validated again by the trainer once terms are bound to callables.
func (c *Experiment) Validate() error {
	if c.BatchSize <= 0 || c.ValBatchSize <= 0 {
		return errors.Errorf("batch sizes must be positive, got %d and %d", c.BatchSize, c.ValBatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.LR <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LR)
	}
	switch c.Device {
	case "cpu", "gpu":
	default:
		return errors.Errorf("unknown device %q", c.Device)
	}
	switch vision.ColorSpace(c.ColorSpace) {
	case vision.RGB, vision.HSV:
	default:
		return errors.Errorf("unknown color space %q", c.ColorSpace)
	}
	if len(c.Normalization.Mean) != 3 || len(c.Normalization.Std) != 3 {
		return errors.New("input_normalization must list 3 channels of mean and std")
	}
	enabled := 0
	for name, lw := range c.Losses {
		if !lw.Enabled {
			continue
		}
		if lw.Weight <= 0 {
			return errors.Errorf("loss %q is enabled with non-positive weight %g", name, lw.Weight)
		}
		enabled++
	}
	if enabled == 0 {
		return errors.New("configuration enables no loss terms")
	}
	if c.ResumeExp != "" && c.ResumePrefix == "" {
		return errors.New("resume_exp requires resume_prefix")
	}
	return nil
}

// DeviceType maps the configured device name to a tensor device.
func (c *Experiment) DeviceType() tensor.DeviceType {
	if c.Device == "gpu" {
		return tensor.GPU
	}
	return tensor.CPU
}

// Space returns the configured color space.
func (c *Experiment) Space() vision.ColorSpace {
	return vision.ColorSpace(c.ColorSpace)
}
