package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/spf13/cobra"

	"github.com/born-ml/autoencoders/internal/checkpoint"
	"github.com/born-ml/autoencoders/internal/config"
	"github.com/born-ml/autoencoders/internal/dataset"
	"github.com/born-ml/autoencoders/internal/noise"
	"github.com/born-ml/autoencoders/internal/train"
)

// trainJob holds everything a training run needs besides the backend.
type trainJob struct {
	cfg     *config.File
	data    *dataset.Dataset
	out     string
	runID   string
	model   *noise.Source
	shuffle *noise.Source
	logger  *slog.Logger
}

// TrainHandler trains the configured model and writes a checkpoint.
func TrainHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)

	seed := cfg.Train.Seed
	if seed == 0 {
		seed = noise.NewRandomSource().Uint64()
	}
	c, h, w := cfg.Shape()
	data, err := loadData(cmd, c, h, w, noise.NewSource(seed))
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	job := &trainJob{
		cfg:     cfg,
		data:    data,
		out:     out,
		runID:   newRunID(),
		model:   noise.NewSource(seed + 1),
		shuffle: noise.NewSource(seed + 2),
		logger:  logger,
	}
	mean, std := data.Stats()
	logger.Debug("loaded data", "model", cfg.Model, "seed", seed, "data", data.String(), "mean", mean, "std", std)

	device, _ := cmd.Flags().GetString("device")
	switch device {
	case DeviceCPU:
		return runTrain(cmd.Context(), autodiff.New(cpu.New()), job)
	case DeviceWebGPU:
		return trainWebGPU(cmd.Context(), job)
	default:
		return fmt.Errorf("unknown device %q", device)
	}
}

func runTrain[B tensor.Backend](ctx context.Context, backend *autodiff.Backend[B], job *trainJob) error {
	cfg := job.cfg
	model, err := buildModel(cfg, backend, job.model)
	if err != nil {
		return err
	}
	obj, err := objective(model, cfg)
	if err != nil {
		return err
	}

	trainSet, valSet := job.data.Split(cfg.Train.ValidationSplit)
	logger := job.logger.With("run_id", job.runID)
	trainer := train.New[B](model, obj, backend, train.Config{
		Epochs:       cfg.Train.Epochs,
		BatchSize:    cfg.Train.BatchSize,
		LearningRate: cfg.Train.LearningRate,
		LogInterval:  cfg.Train.LogInterval,
	}, train.WithLogger(logger), train.WithShuffleSource(job.shuffle))

	logger.Info("starting training",
		"model", cfg.Model,
		"device", backend.Name(),
		"train", trainSet.N,
		"validation", valSet.N,
		"parameters", countParameters(model),
		"epochs", cfg.Train.Epochs,
		"lr", trainer.Optimizer().GetLR(),
	)

	history, err := trainer.Fit(ctx, trainSet, valSet)
	if err != nil {
		return err
	}

	meta := map[string]string{
		checkpoint.MetaRunID: job.runID,
		"epochs":             strconv.Itoa(len(history.Epochs)),
	}
	if last, ok := history.Last(); ok {
		meta["train_loss"] = strconv.FormatFloat(last.Train.Loss, 'g', 6, 64)
		if last.Validation != nil {
			meta["val_loss"] = strconv.FormatFloat(last.Validation.Loss, 'g', 6, 64)
		}
	}

	info, err := checkpoint.Save[*autodiff.Backend[B]](job.out, model, cfg, meta)
	if err != nil {
		return err
	}
	logger.Info("saved checkpoint", "path", job.out, "config", checkpoint.SidecarPath(job.out), "created_at", info.CreatedAt)
	return nil
}

func countParameters[B tensor.Backend](model autoencoder[B]) int {
	n := 0
	for _, p := range model.Parameters() {
		n += p.Tensor().NumElements()
	}
	return n
}
