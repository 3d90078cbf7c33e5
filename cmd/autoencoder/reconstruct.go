package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/spf13/cobra"

	"github.com/born-ml/autoencoders/internal/checkpoint"
	"github.com/born-ml/autoencoders/internal/config"
	"github.com/born-ml/autoencoders/internal/dataset"
	"github.com/born-ml/autoencoders/internal/imageio"
	"github.com/born-ml/autoencoders/internal/loss"
	"github.com/born-ml/autoencoders/internal/noise"
)

type reconstructJob struct {
	path   string
	cfg    *config.File
	data   *dataset.Dataset
	out    string
	npy    string
	scale  int
	src    *noise.Source
	logger *slog.Logger
}

// ReconstructHandler runs images through a trained model and writes a
// comparison PNG of inputs and reconstructions.
func ReconstructHandler(cmd *cobra.Command, args []string) error {
	path := args[0]
	cfg, err := checkpoint.ReadConfig(path)
	if err != nil {
		return err
	}

	seed, _ := cmd.Flags().GetUint64("seed")
	src := seedSource(seed)
	c, h, w := cfg.Shape()
	data, err := loadData(cmd, c, h, w, src)
	if err != nil {
		return err
	}

	num, _ := cmd.Flags().GetInt("num")
	if num <= 0 {
		return fmt.Errorf("--num must be positive, got %d", num)
	}
	indices := make([]int, min(num, data.N))
	for i := range indices {
		indices[i] = i
	}

	job := &reconstructJob{
		path:   path,
		cfg:    cfg,
		data:   data.Subset(indices),
		src:    src,
		logger: newLogger(cmd),
	}
	job.out, _ = cmd.Flags().GetString("out")
	job.npy, _ = cmd.Flags().GetString("npy")
	job.scale, _ = cmd.Flags().GetInt("scale")

	device, _ := cmd.Flags().GetString("device")
	switch device {
	case DeviceCPU:
		return runReconstruct(cmd.Context(), autodiff.New(cpu.New()), job)
	case DeviceWebGPU:
		return reconstructWebGPU(cmd.Context(), job)
	default:
		return fmt.Errorf("unknown device %q", device)
	}
}

func runReconstruct[B tensor.Backend](ctx context.Context, backend *autodiff.Backend[B], job *reconstructJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	model, err := buildModel(job.cfg, backend, job.src)
	if err != nil {
		return err
	}
	info, err := checkpoint.Load[*autodiff.Backend[B]](job.path, backend, model, job.cfg.Model)
	if err != nil {
		return err
	}
	model.Eval()

	d := job.data
	x, err := dataset.Batch(d, 0, d.N, backend)
	if err != nil {
		return err
	}
	recon := model.Reconstruct(x)
	mse := loss.Value(loss.MSE(recon, x))

	out, err := dataset.New(append([]float32(nil), recon.Data()...), d.N, d.C, d.H, d.W)
	if err != nil {
		return err
	}
	if err := imageio.WriteComparisonFile(job.out, d, out, d.N, job.scale); err != nil {
		return err
	}
	if job.npy != "" {
		if err := dataset.SaveNPY(job.npy, out); err != nil {
			return err
		}
	}

	job.logger.Info("reconstructed images",
		"run_id", info.RunID,
		"model", info.Kind,
		"images", d.N,
		"mse", mse,
		"out", job.out,
	)
	return nil
}
