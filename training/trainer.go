package training

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-harmonize/checkpoints"
	"github.com/tsawler/go-harmonize/summary"
	"github.com/tsawler/go-harmonize/tensor"
	"github.com/tsawler/go-harmonize/vision"
)

// Options holds the loop-level knobs that do not belong to any collaborator.
type Options struct {
	LogsDir            string
	CheckpointsDir     string
	TaskPrefix         string
	ImageDumpInterval  int // global steps between visualization dumps; 0 disables
	CheckpointInterval int // epochs between periodic checkpoints
	DumpPeriod         int // summary-writer averaging window in steps
	PrintEvery         int // batches between progress log lines; 0 disables
}

// TrainerConfig assembles the collaborators for a run.
type TrainerConfig struct {
	Context      ExecContext
	Model        Model
	Optimizer    Optimizer
	Scheduler    *ScheduleState // optional
	Losses       LossConfig
	TrainLoader  *DataLoader
	ValLoader    *DataLoader
	TrainMetrics []Metric
	ValMetrics   []Metric
	Dumper       *vision.Dumper // optional
	Summary      summary.Writer // optional; created lazily from LogsDir when nil
	Options      Options
	Logger       *zap.SugaredLogger
}

// Trainer orchestrates alternating training and validation epochs: gradient
// updates, scalar logging, periodic visualization dumps, and checkpoint
// selection. An external driver calls Training(epoch) and Validation(epoch)
// in turn.
type Trainer struct {
	ctx          ExecContext
	model        Model
	optim        Optimizer
	sched        *ScheduleState
	lossCfg      LossConfig
	trainLoader  *DataLoader
	valLoader    *DataLoader
	trainMetrics []Metric
	valMetrics   []Metric
	dumper       *vision.Dumper
	sw           summary.Writer
	best         BestTracker
	opts         Options
	logger       *zap.SugaredLogger
}

// NewTrainer validates the configuration and builds a trainer. The loss
// configuration must enable at least one term per mode, and the validation
// metric list must be non-empty: its first entry is the quality score that
// decides best-checkpoint promotion.
func NewTrainer(cfg TrainerConfig) (*Trainer, error) {
	if cfg.Model == nil {
		return nil, errors.New("trainer requires a model")
	}
	if cfg.Optimizer == nil {
		return nil, errors.New("trainer requires an optimizer")
	}
	if cfg.TrainLoader == nil || cfg.ValLoader == nil {
		return nil, errors.New("trainer requires train and validation loaders")
	}
	if err := cfg.Losses.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid loss configuration")
	}
	if len(cfg.ValMetrics) == 0 {
		return nil, errors.New("trainer requires at least one validation metric; the first drives checkpoint selection")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	t := &Trainer{
		ctx:          cfg.Context,
		model:        cfg.Model,
		optim:        cfg.Optimizer,
		sched:        cfg.Scheduler,
		lossCfg:      cfg.Losses,
		trainLoader:  cfg.TrainLoader,
		valLoader:    cfg.ValLoader,
		trainMetrics: cfg.TrainMetrics,
		valMetrics:   cfg.ValMetrics,
		dumper:       cfg.Dumper,
		sw:           cfg.Summary,
		opts:         cfg.Options,
		logger:       logger,
	}
	logger.Infow("checkpoint selection metric", "name", cfg.ValMetrics[0].Name())
	return t, nil
}

// Restore applies a resumed checkpoint bundle to the optimizer and
// scheduler. Model weights are restored separately by the resume manager.
func (t *Trainer) Restore(restored *checkpoints.Restored) error {
	if restored == nil || restored.Bundle == nil {
		return nil
	}
	if restored.Bundle.Optimizer != nil {
		if err := t.optim.LoadStateDict(restored.Bundle.Optimizer); err != nil {
			return err
		}
	}
	if restored.Bundle.Scheduler != nil && t.sched != nil {
		if err := t.sched.LoadStateDict(restored.Bundle.Scheduler); err != nil {
			return err
		}
	}
	return nil
}

// Best returns the current best-checkpoint state.
func (t *Trainer) Best() BestTracker {
	return t.best
}

// Training runs one pass over the training dataset with optimizer updates.
func (t *Trainer) Training(epoch int) error {
	if err := t.ensureSummaryWriter(); err != nil {
		return err
	}
	t.trainLoader.SetEpoch(epoch)
	logPrefix := "Train" + capitalize(t.opts.TaskPrefix)

	for _, metric := range t.trainMetrics {
		metric.ResetEpochStats()
	}
	t.model.Train()

	numBatches := t.trainLoader.Len()
	trainLoss := 0.0
	termSums := make(map[string]float64)
	var lastLogging map[string][]float64
	globalStep := epoch * numBatches

	for i := 0; ; i++ {
		batch, err := t.trainLoader.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		globalStep = epoch*numBatches + i

		result, err := t.batchForward(batch, false)
		if err != nil {
			return errors.Wrapf(err, "training step %d failed", globalStep)
		}

		t.optim.ZeroGrad()
		if err := result.LossTensor.Backward(); err != nil {
			return errors.Wrapf(err, "backward pass failed at step %d", globalStep)
		}
		if err := t.optim.Step(); err != nil {
			return errors.Wrapf(err, "optimizer step failed at step %d", globalStep)
		}

		trainLoss += result.Loss
		for name, values := range result.Logging {
			termSums[name] += values[len(values)-1]
		}
		lastLogging = result.Logging

		if t.ctx.IsPrimary() {
			for name, values := range result.Logging {
				t.sw.AddScalar(logPrefix+"Losses/"+name, values[len(values)-1], globalStep, false)
			}
			t.sw.AddScalar(logPrefix+"Losses/overall", result.Loss, globalStep, false)

			if t.opts.PrintEvery > 0 && (i+1)%t.opts.PrintEvery == 0 {
				t.logger.Infof("epoch %d batch %d/%d lr %.7f loss %.4f",
					epoch, i+1, numBatches, t.currentLR(), trainLoss/float64(i+1))
			}
			if t.opts.ImageDumpInterval > 0 && globalStep%t.opts.ImageDumpInterval == 0 {
				if err := tensor.NoGrad(func() error {
					return t.dumpVisualizations(result, globalStep, "train")
				}); err != nil {
					return err
				}
			}
		}
	}

	if t.ctx.IsPrimary() {
		denom := float64(numBatches)
		if denom == 0 {
			denom = 1
		}
		t.logger.Infof("epoch %d done: lr %.7f avg loss %.5f %s",
			epoch, t.currentLR(), trainLoss/denom, formatTermAverages(termSums, denom))

		for name, values := range lastLogging {
			t.sw.AddScalar(logPrefix+"Losses/"+name, meanOf(values), globalStep, false)
		}
		t.sw.AddScalar(logPrefix+"Losses/overall", trainLoss/denom, globalStep, false)
		for name, tc := range t.lossCfg.Terms {
			if !tc.Enabled || tc.Weight <= 0 {
				continue
			}
			if sl, ok := tc.Term.(StateLogger); ok {
				sl.LogStates(t.sw, logPrefix+"Losses/"+name, globalStep)
			}
		}
		t.sw.AddScalar(logPrefix+"States/learning_rate", t.currentLR(), globalStep, false)

		for _, metric := range t.trainMetrics {
			t.sw.AddScalar(logPrefix+"Metrics/epoch_"+metric.Name(), metric.GetEpochValue(), epoch, true)
		}

		if _, err := t.saveCheckpoint(t.opts.TaskPrefix, epoch); err != nil {
			return err
		}
		if t.opts.CheckpointInterval > 0 && epoch%t.opts.CheckpointInterval == 0 {
			if _, err := t.saveCheckpoint(fmt.Sprintf("%03d", epoch), epoch); err != nil {
				return err
			}
		}
	}

	if t.sched != nil {
		t.sched.Step()
	}
	return nil
}

// Validation runs one pass over the validation dataset without gradient
// updates and promotes a new best checkpoint when the quality score
// improves.
func (t *Trainer) Validation(epoch int) error {
	if err := t.ensureSummaryWriter(); err != nil {
		return err
	}
	logPrefix := "Val" + capitalize(t.opts.TaskPrefix)

	for _, metric := range t.valMetrics {
		metric.ResetEpochStats()
	}
	t.model.Eval()
	t.valLoader.Reset()

	valLoss := 0.0
	numBatches := 0
	lossesLogging := make(map[string][]float64)

	for i := 0; ; i++ {
		batch, err := t.valLoader.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}

		result, err := t.batchForward(batch, true)
		if err != nil {
			return errors.Wrapf(err, "validation step %d failed", i)
		}
		for name, values := range result.Logging {
			lossesLogging[name] = append(lossesLogging[name], values...)
		}
		valLoss += result.Loss
		numBatches++

		if t.ctx.IsPrimary() && t.opts.PrintEvery > 0 && numBatches%t.opts.PrintEvery == 0 {
			t.logger.Infof("epoch %d validation batch %d loss %.6f", epoch, numBatches, valLoss/float64(numBatches))
		}
	}
	if numBatches == 0 {
		return errors.New("validation dataset produced no batches")
	}

	if !t.ctx.IsPrimary() {
		return nil
	}

	t.logger.Infof("epoch %d validation loss %.5f", epoch, valLoss/float64(numBatches))
	for name, values := range lossesLogging {
		t.sw.AddScalar(logPrefix+"Losses/"+name, meanOf(values), epoch, true)
	}
	for _, metric := range t.valMetrics {
		value := metric.GetEpochValue()
		t.sw.AddScalar(logPrefix+"Metrics/epoch_"+metric.Name(), value, epoch, true)
		t.logger.Infof("%s: %.3f", metric.Name(), value)
	}
	t.sw.AddScalar(logPrefix+"Losses/overall", valLoss/float64(numBatches), epoch, true)

	score := t.valMetrics[0].GetEpochValue()
	if ShouldReplace(t.best.BestScore, score) {
		if t.best.BestPath != "" {
			if err := os.Remove(t.best.BestPath); err != nil {
				return errors.Wrapf(err, "failed to remove superseded best checkpoint %s", t.best.BestPath)
			}
		}
		path, err := t.saveCheckpoint(fmt.Sprintf("%03d_%.3f", epoch, score), epoch)
		if err != nil {
			return err
		}
		t.best = BestTracker{BestScore: score, BestPath: path}
		t.logger.Infow("new best checkpoint", "epoch", epoch, "score", score, "path", path)
	}
	return nil
}

// saveCheckpoint bundles model, optimizer and scheduler state with the epoch
// index and writes it under the checkpoint directory.
func (t *Trainer) saveCheckpoint(prefix string, epoch int) (string, error) {
	bundle := &checkpoints.Bundle{
		Model:     checkpoints.SnapshotWeights(t.model.Parameters()),
		Optimizer: t.optim.StateDict(),
		Epoch:     &epoch,
	}
	if t.sched != nil {
		bundle.Scheduler = t.sched.StateDict()
	}
	path, err := checkpoints.Save(t.opts.CheckpointsDir, prefix, bundle)
	if err != nil {
		return "", err
	}
	return path, nil
}

func (t *Trainer) dumpVisualizations(result *StepResult, globalStep int, phase string) error {
	if t.dumper == nil {
		return nil
	}
	return t.dumper.Dump(result.Batch, result.Outputs, globalStep, phase)
}

// ensureSummaryWriter lazily creates the scalar sink on the primary process.
// Non-primary processes keep a no-op writer so logging calls stay safe.
func (t *Trainer) ensureSummaryWriter() error {
	if t.sw != nil {
		return nil
	}
	if !t.ctx.IsPrimary() {
		t.sw = nopWriter{}
		return nil
	}
	sw, err := summary.NewFileWriter(t.opts.LogsDir, t.opts.DumpPeriod, t.logger)
	if err != nil {
		return err
	}
	t.sw = sw
	return nil
}

func (t *Trainer) currentLR() float64 {
	if t.sched != nil {
		return t.sched.LastLR()
	}
	return t.optim.GetLR()
}

type nopWriter struct{}

func (nopWriter) AddScalar(string, float64, int, bool) {}
func (nopWriter) Flush() error                         { return nil }
func (nopWriter) Close() error                         { return nil }

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func formatTermAverages(sums map[string]float64, denom float64) string {
	if len(sums) == 0 {
		return ""
	}
	parts := make([]string, 0, len(sums))
	cfg := LossConfig{Terms: map[string]TermConfig{}}
	for name := range sums {
		cfg.Terms[name] = TermConfig{}
	}
	for _, name := range cfg.TermOrder() {
		parts = append(parts, fmt.Sprintf("%s %.5f", name, sums[name]/denom))
	}
	return strings.Join(parts, " ")
}
