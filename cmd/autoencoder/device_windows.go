package main

import (
	"context"
	"errors"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/webgpu"
)

var errNoWebGPU = errors.New("webgpu is not available on this system")

func newWebGPU() (*webgpu.Backend, error) {
	if !webgpu.IsAvailable() {
		return nil, errNoWebGPU
	}
	return webgpu.New()
}

func trainWebGPU(ctx context.Context, job *trainJob) error {
	gpu, err := newWebGPU()
	if err != nil {
		return err
	}
	defer gpu.Release()
	return runTrain(ctx, autodiff.New(gpu), job)
}

func reconstructWebGPU(ctx context.Context, job *reconstructJob) error {
	gpu, err := newWebGPU()
	if err != nil {
		return err
	}
	defer gpu.Release()
	return runReconstruct(ctx, autodiff.New(gpu), job)
}
