package training

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/summary"
	"github.com/tsawler/go-harmonize/tensor"
)

// LossTerm is a named differentiable objective component. PredOutputs and
// GTOutputs declare, in order, which model-output and batch fields the term
// consumes; the aggregator resolves them by name.
type LossTerm interface {
	PredOutputs() []string
	GTOutputs() []string
	Compute(preds, gts []*tensor.Tensor) (*tensor.Tensor, error)
}

// StateLogger is implemented by loss terms that track multi-component
// diagnostics across batches.
type StateLogger interface {
	LogStates(sw summary.Writer, tag string, step int)
}

// TermConfig enables a loss term with an explicit weight. Enablement is
// explicit rather than inferred from configuration-map membership or a
// zero-weight sentinel; a misspelled term name fails validation instead of
// silently disabling a loss. TrainOnly terms are skipped in validation mode.
type TermConfig struct {
	Term      LossTerm
	Enabled   bool
	Weight    float64
	TrainOnly bool
}

// LossConfig holds the named loss terms for a run. ValOverrides substitutes
// per-term configuration during validation; terms without an override use
// their training configuration.
type LossConfig struct {
	Terms        map[string]TermConfig
	ValOverrides map[string]TermConfig
}

// canonicalOrder fixes the accumulation order of the standard harmonization
// terms so total losses are reproducible across runs.
var canonicalOrder = []string{
	"pixel_loss",
	"low_loss",
	"contrastive_loss",
	"color_dis_loss",
	"coord_dis_loss",
	"sparse_loss",
}

// forMode resolves a term's effective configuration for the given mode.
// An override without its own callable inherits the training term's.
func (c LossConfig) forMode(name string, validation bool) (TermConfig, bool) {
	if validation {
		if tc, ok := c.ValOverrides[name]; ok {
			if tc.Term == nil {
				tc.Term = c.Terms[name].Term
			}
			return tc, true
		}
	}
	tc, ok := c.Terms[name]
	return tc, ok
}

// TermOrder returns every configured term name in deterministic order:
// the canonical harmonization terms first, then any extras sorted by name.
func (c LossConfig) TermOrder() []string {
	seen := make(map[string]bool, len(c.Terms))
	var order []string
	for _, name := range canonicalOrder {
		if _, ok := c.Terms[name]; ok {
			order = append(order, name)
			seen[name] = true
		}
	}
	var extras []string
	for name := range c.Terms {
		if !seen[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	return append(order, extras...)
}

// Validate enforces startup-time correctness: every enabled term must carry
// a positive weight and a non-nil callable, and each mode must end up with
// at least one enabled term so the accumulated loss always has a gradient
// graph behind it.
func (c LossConfig) Validate() error {
	trainEnabled := 0
	valEnabled := 0
	for name, tc := range c.Terms {
		if !tc.Enabled {
			continue
		}
		if tc.Term == nil {
			return errors.Errorf("loss term %q is enabled but has no callable", name)
		}
		if tc.Weight <= 0 {
			return errors.Errorf("loss term %q is enabled with non-positive weight %g", name, tc.Weight)
		}
		trainEnabled++
		if !tc.TrainOnly {
			valEnabled++
		}
	}
	for name, tc := range c.ValOverrides {
		if _, ok := c.Terms[name]; !ok {
			return errors.Errorf("validation override for unknown loss term %q", name)
		}
		base := c.Terms[name]
		if tc.Enabled && !base.TrainOnly {
			if tc.Term == nil && base.Term == nil {
				return errors.Errorf("validation override for %q has no callable", name)
			}
			if tc.Weight <= 0 {
				return errors.Errorf("validation override for %q has non-positive weight %g", name, tc.Weight)
			}
		}
	}
	if trainEnabled == 0 {
		return errors.New("loss configuration enables no training terms")
	}
	if valEnabled == 0 {
		return errors.New("loss configuration enables no validation terms")
	}
	return nil
}

// addLoss accumulates one weighted term into the running total. Absent,
// disabled or non-positively-weighted terms leave the total untouched and
// write no log entry. The unweighted per-batch mean is appended to the log
// sink under the term's name before weighting.
func addLoss(name string, total *tensor.Tensor, logging map[string][]float64, validation bool,
	cfg LossConfig, outputs map[string]*tensor.Tensor, batch Batch) (*tensor.Tensor, error) {

	tc, ok := cfg.forMode(name, validation)
	if !ok || !tc.Enabled || tc.Weight <= 0 {
		return total, nil
	}
	if validation && tc.TrainOnly {
		return total, nil
	}

	term := tc.Term
	preds := make([]*tensor.Tensor, 0, len(term.PredOutputs()))
	for _, field := range term.PredOutputs() {
		t, ok := outputs[field]
		if !ok {
			return nil, errors.Errorf("loss term %q: model output %q not found", name, field)
		}
		preds = append(preds, t)
	}
	gts := make([]*tensor.Tensor, 0, len(term.GTOutputs()))
	for _, field := range term.GTOutputs() {
		t, ok := batch[field]
		if !ok {
			return nil, errors.Errorf("loss term %q: batch field %q not found", name, field)
		}
		gts = append(gts, t)
	}

	value, err := term.Compute(preds, gts)
	if err != nil {
		return nil, errors.Wrapf(err, "loss term %q failed", name)
	}
	mean, err := tensor.Mean(value)
	if err != nil {
		return nil, errors.Wrapf(err, "loss term %q reduction failed", name)
	}
	logging[name] = append(logging[name], float64(mean.Data[0]))

	weighted, err := tensor.MulScalar(mean, tc.Weight)
	if err != nil {
		return nil, err
	}
	if total == nil {
		return weighted, nil
	}
	return tensor.Add(total, weighted)
}
