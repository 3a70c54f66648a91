package checkpoints

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-harmonize/tensor"
)

// ResumeConfig selects how a run picks up existing state. WeightsPath loads
// model parameters only and is consumed on first use. ResumeExp names an
// experiment whose checkpoint directory must contain exactly one file
// matching ResumePrefix.
type ResumeConfig struct {
	WeightsPath  string
	ResumeExp    string
	ResumePrefix string
}

// Restored reports the outcome of Manager.Restore. Bundle is non-nil only
// when a full experiment checkpoint was loaded; optimizer, scheduler and
// epoch travel inside it as an optional group.
type Restored struct {
	Bundle     *Bundle
	StartEpoch int
}

// Manager performs construction-time restoration. It is not safe to call
// mid-epoch; the trainer owns all state once the run starts.
type Manager struct {
	dir    string
	cfg    ResumeConfig
	logger *zap.SugaredLogger
}

// NewManager creates a resume manager rooted at the checkpoint directory.
func NewManager(dir string, cfg ResumeConfig, logger *zap.SugaredLogger) *Manager {
	return &Manager{dir: dir, cfg: cfg, logger: logger}
}

// Restore applies the configured resume policy to the given parameters.
// A missing explicit weights file is fatal. Resume-by-experiment requires
// exactly one matching checkpoint file.
func (m *Manager) Restore(params []*tensor.Tensor) (*Restored, error) {
	restored := &Restored{}

	if m.cfg.WeightsPath != "" {
		if _, err := os.Stat(m.cfg.WeightsPath); err != nil {
			return nil, errors.Errorf("no checkpoint found at %q", m.cfg.WeightsPath)
		}
		bundle, err := Load(m.cfg.WeightsPath)
		if err != nil {
			return nil, err
		}
		if err := RestoreWeights(params, bundle.Model); err != nil {
			return nil, errors.Wrapf(err, "failed to load weights from %s", m.cfg.WeightsPath)
		}
		m.logger.Infow("loaded initial weights", "path", m.cfg.WeightsPath)
		// Consumed: the path must not be reapplied on a later restore.
		m.cfg.WeightsPath = ""
	}

	if m.cfg.ResumeExp != "" {
		pattern := filepath.Join(m.dir, m.cfg.ResumePrefix+"*.json")
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "bad resume pattern %s", pattern)
		}
		if len(matches) != 1 {
			return nil, errors.Errorf("resume pattern %s matched %d checkpoints, want exactly 1", pattern, len(matches))
		}
		path := matches[0]
		m.logger.Infow("loading checkpoint", "path", path)

		bundle, err := Load(path)
		if err != nil {
			return nil, err
		}
		if err := RestoreWeights(params, bundle.Model); err != nil {
			return nil, errors.Wrapf(err, "failed to load model state from %s", path)
		}
		if bundle.Optimizer != nil && bundle.Scheduler != nil && bundle.Epoch != nil {
			restored.Bundle = bundle
			restored.StartEpoch = *bundle.Epoch + 1
			m.logger.Infow("loaded optimizer state", "path", path, "start_epoch", restored.StartEpoch)
		}
	}

	return restored, nil
}
