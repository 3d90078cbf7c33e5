package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/autoencoders/internal/config"
	"github.com/born-ml/autoencoders/internal/dae"
	"github.com/born-ml/autoencoders/internal/layers"
	"github.com/born-ml/autoencoders/internal/vae"
)

type Backend = *autodiff.Backend[*cpu.Backend]

func smallFile() *config.File {
	f := config.Default()
	f.VAE = vae.Config{
		ConvLayers: 2, ZDimension: 2, PoolKernelSize: 2, ConvKernelSize: 3,
		InputChannels: 1, Height: 8, Width: 8, HiddenDim: 4,
	}
	f.DAE = dae.Config{
		ConvLayers: 2, ConvKernelSize: 3, PoolKernelSize: 2,
		Height: 16, Width: 16, InputChannels: 3, HiddenDim: 4, NoiseScale: 0.1,
	}
	return f
}

func TestSaveLoad_VAE(t *testing.T) {
	backend := autodiff.New(cpu.New())
	path := filepath.Join(t.TempDir(), "model.born")
	cfg := smallFile()

	src := vae.New(cfg.VAE, backend)
	info, err := Save[Backend](path, src, cfg, map[string]string{"epochs": "3"})
	require.NoError(t, err)
	assert.Equal(t, vae.Kind, info.Kind)
	_, err = uuid.Parse(info.RunID)
	require.NoError(t, err)

	stored, err := ReadConfig(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, stored); diff != "" {
		t.Errorf("sidecar mismatch (-want +got):\n%s", diff)
	}

	dst := vae.New(stored.VAE, backend)
	loaded, err := Load[Backend](path, backend, dst, vae.Kind)
	require.NoError(t, err)
	assert.Equal(t, info.RunID, loaded.RunID)
	assert.Equal(t, "3", loaded.Metadata["epochs"])

	want := src.StateDict()
	for key, raw := range dst.StateDict() {
		assert.Equal(t, want[key].AsFloat32(), raw.AsFloat32(), key)
	}
}

func TestSave_KeepsRunID(t *testing.T) {
	backend := autodiff.New(cpu.New())
	path := filepath.Join(t.TempDir(), "model.born")
	cfg := smallFile()
	cfg.Model = config.ModelDAE

	info, err := Save[Backend](path, dae.New(cfg.DAE, backend), cfg, map[string]string{MetaRunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", info.RunID)

	loaded, err := Load[Backend](path, backend, dae.New(cfg.DAE, backend), dae.Kind)
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, dae.Kind, loaded.Kind)
}

func TestLoad_KindMismatch(t *testing.T) {
	backend := autodiff.New(cpu.New())
	path := filepath.Join(t.TempDir(), "model.born")
	cfg := smallFile()

	model := vae.New(cfg.VAE, backend)
	_, err := Save[Backend](path, model, cfg, nil)
	require.NoError(t, err)

	// Caught from the sidecar before reading weights.
	_, err = Load[Backend](path, backend, model, dae.Kind)
	assert.ErrorIs(t, err, ErrKindMismatch)

	// Caught from the .born header without a sidecar.
	require.NoError(t, os.Remove(SidecarPath(path)))
	_, err = Load[Backend](path, backend, model, dae.Kind)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestLoad_KindMismatchLeavesModelUntouched(t *testing.T) {
	backend := autodiff.New(cpu.New())
	path := filepath.Join(t.TempDir(), "model.born")
	cfg := smallFile()
	// Same conv1 shape in both models: [2, 3, 3, 3].
	cfg.VAE.InputChannels = 3

	_, err := Save[Backend](path, vae.New(cfg.VAE, backend), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(SidecarPath(path)))

	dst := dae.New(cfg.DAE, backend)
	before := snapshot(dst.StateDict())

	_, err = Load[Backend](path, backend, dst, dae.Kind)
	require.ErrorIs(t, err, ErrKindMismatch)
	assert.Equal(t, before, snapshot(dst.StateDict()))
}

func TestLoad_ShapeMismatch(t *testing.T) {
	backend := autodiff.New(cpu.New())
	path := filepath.Join(t.TempDir(), "model.born")
	cfg := smallFile()

	_, err := Save[Backend](path, vae.New(cfg.VAE, backend), cfg, nil)
	require.NoError(t, err)

	bigger := cfg.VAE
	bigger.HiddenDim = 8
	dst := vae.New(bigger, backend)
	before := snapshot(dst.StateDict())

	_, err = Load[Backend](path, backend, dst, vae.Kind)
	require.ErrorIs(t, err, layers.ErrTensorMismatch)
	assert.Equal(t, before, snapshot(dst.StateDict()), "conv1 and conv2 match but must not be loaded")
}

func snapshot(state map[string]*tensor.RawTensor) map[string][]float32 {
	out := make(map[string][]float32, len(state))
	for k, raw := range state {
		out[k] = append([]float32(nil), raw.AsFloat32()...)
	}
	return out
}

func TestLoad_Missing(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := smallFile()

	_, err := Load[Backend](filepath.Join(t.TempDir(), "none.born"), backend, vae.New(cfg.VAE, backend), vae.Kind)
	assert.Error(t, err)
}
