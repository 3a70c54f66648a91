// Command harmonize-train drives the image-harmonization training loop:
// alternating training and validation epochs with checkpointing, scalar
// logging and periodic visualization dumps.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-harmonize/checkpoints"
	"github.com/tsawler/go-harmonize/config"
	"github.com/tsawler/go-harmonize/data"
	"github.com/tsawler/go-harmonize/model"
	"github.com/tsawler/go-harmonize/training"
	"github.com/tsawler/go-harmonize/vision"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		epochs     int
		weights    string
		resumeExp  string
	)
	cmd := &cobra.Command{
		Use:          "harmonize-train",
		Short:        "Train the image harmonization network",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if epochs > 0 {
				cfg.Epochs = epochs
			}
			if weights != "" {
				cfg.Weights = weights
			}
			if resumeExp != "" {
				cfg.ResumeExp = resumeExp
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "experiment config file")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "override the number of epochs")
	cmd.Flags().StringVar(&weights, "weights", "", "initial weights checkpoint")
	cmd.Flags().StringVar(&resumeExp, "resume", "", "resume the named experiment")
	return cmd
}

func run(cfg *config.Experiment) error {
	zl, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer zl.Sync()
	logger := zl.Sugar()
	logger.Infow("starting run", "experiment", cfg.Name, "epochs", cfg.Epochs, "device", cfg.Device)

	trainSet, err := data.NewSyntheticComposites(cfg.TrainSamples, cfg.ImageSize, cfg.FullresSize, cfg.Seed)
	if err != nil {
		return err
	}
	valSet, err := data.NewSyntheticComposites(cfg.ValSamples, cfg.ImageSize, cfg.FullresSize, cfg.Seed+1)
	if err != nil {
		return err
	}
	trainLoader, err := training.NewDataLoader(trainSet, cfg.BatchSize, true, true, cfg.Seed)
	if err != nil {
		return err
	}
	valLoader, err := training.NewDataLoader(valSet, cfg.ValBatchSize, false, false, cfg.Seed)
	if err != nil {
		return err
	}

	net, err := model.NewChannelAffine()
	if err != nil {
		return err
	}
	optim, err := training.NewSGD(net.Parameters(), cfg.LR, cfg.Momentum)
	if err != nil {
		return err
	}
	sched, err := buildScheduler(cfg, optim)
	if err != nil {
		return err
	}
	losses, err := buildLosses(cfg)
	if err != nil {
		return err
	}

	denorm, err := vision.NewDenormalizer(cfg.Normalization.Mean, cfg.Normalization.Std, cfg.Space())
	if err != nil {
		return err
	}
	dumper := vision.NewDumper(cfg.Paths.Vis, cfg.TaskPrefix, denorm)

	manager := checkpoints.NewManager(cfg.Paths.Checkpoints, checkpoints.ResumeConfig{
		WeightsPath:  cfg.Weights,
		ResumeExp:    cfg.ResumeExp,
		ResumePrefix: cfg.ResumePrefix,
	}, logger)
	restored, err := manager.Restore(net.Parameters())
	if err != nil {
		return err
	}

	trainer, err := training.NewTrainer(training.TrainerConfig{
		Context:     training.LocalContext(cfg.DeviceType()),
		Model:       net,
		Optimizer:   optim,
		Scheduler:   sched,
		Losses:      losses,
		TrainLoader: trainLoader,
		ValLoader:   valLoader,
		ValMetrics: []training.Metric{
			training.NewPSNRMetric("images", "target_images"),
			training.NewMSEMetric("images", "target_images"),
		},
		Dumper: dumper,
		Options: training.Options{
			LogsDir:            cfg.Paths.Logs,
			CheckpointsDir:     cfg.Paths.Checkpoints,
			TaskPrefix:         cfg.TaskPrefix,
			ImageDumpInterval:  cfg.ImageDumpInterval,
			CheckpointInterval: cfg.CheckpointInterval,
			DumpPeriod:         cfg.TBDumpPeriod,
			PrintEvery:         cfg.PrintEvery,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := trainer.Restore(restored); err != nil {
		return err
	}

	startEpoch := cfg.StartEpoch
	if restored != nil && restored.StartEpoch > startEpoch {
		startEpoch = restored.StartEpoch
	}
	for epoch := startEpoch; epoch < cfg.Epochs; epoch++ {
		if err := trainer.Training(epoch); err != nil {
			return errors.Wrapf(err, "training epoch %d failed", epoch)
		}
		if err := trainer.Validation(epoch); err != nil {
			return errors.Wrapf(err, "validation epoch %d failed", epoch)
		}
	}
	best := trainer.Best()
	if best.BestPath != "" {
		logger.Infow("run complete", "best_score", best.BestScore, "best_checkpoint", best.BestPath)
	} else {
		logger.Infow("run complete")
	}
	return nil
}

func buildScheduler(cfg *config.Experiment, optim training.Optimizer) (*training.ScheduleState, error) {
	var sched training.LRScheduler
	switch cfg.Scheduler.Name {
	case "":
		return nil, nil
	case "step":
		sched = training.NewStepLRScheduler(cfg.Scheduler.StepSize, cfg.Scheduler.Gamma)
	case "exponential":
		sched = training.NewExponentialLRScheduler(cfg.Scheduler.Gamma)
	case "cosine":
		sched = training.NewCosineAnnealingLRScheduler(cfg.Scheduler.TMax, cfg.Scheduler.EtaMin)
	default:
		return nil, errors.Errorf("unknown scheduler %q", cfg.Scheduler.Name)
	}
	return training.NewScheduleState(sched, optim, cfg.LR, cfg.StartEpoch)
}

// buildLosses binds the configured weight table to concrete loss terms.
// Unknown names fail here rather than silently disabling a loss.
func buildLosses(cfg *config.Experiment) (training.LossConfig, error) {
	terms := make(map[string]training.TermConfig, len(cfg.Losses))
	for name, lw := range cfg.Losses {
		var term training.LossTerm
		switch name {
		case "pixel_loss":
			term = training.NewMaskedMSETerm("images", "target_images", "masks")
		case "low_loss":
			term = training.NewMSETerm("images", "target_images")
		default:
			return training.LossConfig{}, errors.Errorf("no loss term registered for %q", name)
		}
		terms[name] = training.TermConfig{
			Term:      term,
			Enabled:   lw.Enabled,
			Weight:    lw.Weight,
			TrainOnly: lw.TrainOnly,
		}
	}
	return training.LossConfig{Terms: terms}, nil
}
