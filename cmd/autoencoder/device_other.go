//go:build !windows

package main

import (
	"context"
	"errors"
)

var errNoWebGPU = errors.New("webgpu backend is only built on windows")

func trainWebGPU(context.Context, *trainJob) error {
	return errNoWebGPU
}

func reconstructWebGPU(context.Context, *reconstructJob) error {
	return errNoWebGPU
}
