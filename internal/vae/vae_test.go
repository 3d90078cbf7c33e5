package vae

import (
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/autoencoders/internal/layers"
	"github.com/born-ml/autoencoders/internal/noise"
)

type Backend = *autodiff.Backend[*cpu.Backend]

func newBackend() Backend {
	return autodiff.New(cpu.New())
}

func smallConfig() Config {
	return Config{
		ConvLayers:     4,
		ZDimension:     3,
		PoolKernelSize: 2,
		ConvKernelSize: 3,
		InputChannels:  3,
		Height:         8,
		Width:          8,
		HiddenDim:      16,
	}
}

func TestVAE_ForwardShapes(t *testing.T) {
	backend := newBackend()
	src := noise.NewSource(1)
	model := New(DefaultConfig(), backend, WithNoiseSource(src))
	require.Equal(t, layers.Training, model.Mode())

	images := noise.Normal(noise.NewSource(2), tensor.Shape{8, 3, 64, 64}, backend)
	recon, mu, logvar, z := model.Forward(images)

	assert.Equal(t, []int{8, 3, 64, 64}, []int(recon.Shape()))
	assert.Equal(t, []int{8, 16}, []int(mu.Shape()))
	assert.Equal(t, []int{8, 16}, []int(logvar.Shape()))
	assert.Equal(t, []int{8, 16}, []int(z.Shape()))
}

func TestVAE_RoundTripShapes(t *testing.T) {
	backend := newBackend()

	tests := []struct {
		name          string
		height, width int
		channels      int
	}{
		{"smallest", 4, 4, 1},
		{"square", 16, 16, 3},
		{"wide", 8, 20, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			cfg.Height, cfg.Width, cfg.InputChannels = tt.height, tt.width, tt.channels
			require.NoError(t, cfg.Validate())

			model := New(cfg, backend)
			images := tensor.Zeros[float32](tensor.Shape{2, tt.channels, tt.height, tt.width}, backend)

			mu, _ := model.Encode(images)
			out := model.Decode(mu)
			assert.Equal(t, []int{2, tt.channels, tt.height, tt.width}, []int(out.Shape()))
		})
	}
}

func TestVAE_ReparameterizeInferenceIsDeterministic(t *testing.T) {
	backend := newBackend()
	src := noise.NewSource(9)
	model := New(smallConfig(), backend, WithNoiseSource(src))
	model.Eval()

	mu := noise.Normal(noise.NewSource(3), tensor.Shape{4, 3}, backend)
	logvar := noise.Normal(noise.NewSource(4), tensor.Shape{4, 3}, backend)

	z1 := model.Reparameterize(mu, logvar)
	z2 := model.Reparameterize(mu, logvar)

	assert.Equal(t, mu.Data(), z1.Data())
	assert.Equal(t, z1.Data(), z2.Data())

	// No randomness was consumed.
	assert.Equal(t, noise.NewSource(9).NormFloat64(), src.NormFloat64())
}

func TestVAE_ReparameterizeTrainingIsStochastic(t *testing.T) {
	backend := newBackend()
	model := New(smallConfig(), backend)
	model.Train()

	mu := tensor.Zeros[float32](tensor.Shape{4, 3}, backend)
	logvar := tensor.Zeros[float32](tensor.Shape{4, 3}, backend)

	z1 := model.Reparameterize(mu, logvar)
	z2 := model.Reparameterize(mu, logvar)

	assert.Equal(t, []int{4, 3}, []int(z1.Shape()))
	assert.NotEqual(t, z1.Data(), z2.Data())
}

func TestVAE_ReparameterizeCollapsedVariance(t *testing.T) {
	backend := newBackend()
	model := New(smallConfig(), backend)

	mu := noise.Normal(noise.NewSource(5), tensor.Shape{4, 3}, backend)
	logvar := tensor.Full[float32](tensor.Shape{4, 3}, -1e4, backend)

	z := model.Reparameterize(mu, logvar)
	assert.InDeltaSlice(t, mu.Data(), z.Data(), 1e-6)
}

func TestVAE_ReparameterizeScalesNoise(t *testing.T) {
	backend := newBackend()

	mu := tensor.Full[float32](tensor.Shape{2, 3}, 1, backend)
	logvar := tensor.Full[float32](tensor.Shape{2, 3}, 2, backend) // std = e

	model := New(smallConfig(), backend, WithNoiseSource(noise.NewSource(11)))
	z := model.Reparameterize(mu, logvar)

	eps := noise.Normal(noise.NewSource(11), tensor.Shape{2, 3}, backend).Data()
	for i, v := range z.Data() {
		assert.InDelta(t, 1+eps[i]*2.7182817, v, 1e-4)
	}
}

func TestVAE_SeededForwardIsReproducible(t *testing.T) {
	backend := newBackend()
	a := New(smallConfig(), backend, WithNoiseSource(noise.NewSource(21)))
	b := New(smallConfig(), backend, WithNoiseSource(noise.NewSource(21)))
	require.NoError(t, b.LoadStateDict(a.StateDict()))

	images := noise.Normal(noise.NewSource(22), tensor.Shape{2, 3, 8, 8}, backend)

	reconA, _, _, zA := a.Forward(images)
	reconB, _, _, zB := b.Forward(images)

	assert.InDeltaSlice(t, zA.Data(), zB.Data(), 1e-6)
	assert.InDeltaSlice(t, reconA.Data(), reconB.Data(), 1e-6)
}

func TestVAE_EvalForwardIsDeterministic(t *testing.T) {
	backend := newBackend()
	model := New(smallConfig(), backend)
	model.Eval()

	images := noise.Normal(noise.NewSource(23), tensor.Shape{2, 3, 8, 8}, backend)
	recon1, mu, _, z := model.Forward(images)
	recon2 := model.Reconstruct(images)

	assert.Equal(t, mu.Data(), z.Data())
	assert.InDeltaSlice(t, recon1.Data(), recon2.Data(), 1e-6)
}

func TestVAE_InvalidInputPanics(t *testing.T) {
	backend := newBackend()

	t.Run("not divisible", func(t *testing.T) {
		cfg := smallConfig()
		cfg.Height, cfg.Width = 6, 6
		model := New(cfg, backend)
		assert.Panics(t, func() {
			model.Forward(tensor.Zeros[float32](tensor.Shape{1, 3, 6, 6}, backend))
		})
	})

	t.Run("wrong channels", func(t *testing.T) {
		model := New(smallConfig(), backend)
		assert.Panics(t, func() {
			model.Forward(tensor.Zeros[float32](tensor.Shape{1, 1, 8, 8}, backend))
		})
	})

	t.Run("wrong size", func(t *testing.T) {
		model := New(smallConfig(), backend)
		assert.Panics(t, func() {
			model.Forward(tensor.Zeros[float32](tensor.Shape{1, 3, 12, 12}, backend))
		})
	})

	t.Run("rank 3", func(t *testing.T) {
		model := New(smallConfig(), backend)
		assert.Panics(t, func() {
			model.Forward(tensor.Zeros[float32](tensor.Shape{3, 8, 8}, backend))
		})
	})

	t.Run("latent width", func(t *testing.T) {
		model := New(smallConfig(), backend)
		assert.Panics(t, func() {
			model.Decode(tensor.Zeros[float32](tensor.Shape{1, 5}, backend))
		})
	})
}

func TestVAE_InvalidConfigPanics(t *testing.T) {
	backend := newBackend()

	cfg := smallConfig()
	cfg.ZDimension = 0
	assert.Panics(t, func() { New(cfg, backend) })

	cfg = smallConfig()
	cfg.ConvKernelSize = 1
	assert.Panics(t, func() { New(cfg, backend) })
}

func TestVAE_ModeSwitch(t *testing.T) {
	model := New(smallConfig(), newBackend())

	model.Eval()
	assert.Equal(t, layers.Inference, model.Mode())
	assert.Equal(t, layers.Inference, model.bn3.Mode())
	assert.Equal(t, layers.Inference, model.bn5.Mode())

	model.Train()
	assert.Equal(t, layers.Training, model.Mode())
	assert.Equal(t, layers.Training, model.bn4.Mode())
}

func TestVAE_StateDict(t *testing.T) {
	backend := newBackend()
	model := New(smallConfig(), backend)

	state := model.StateDict()
	for _, key := range []string{
		"conv1.weight", "conv1.bias",
		"conv2.weight", "linear1.weight",
		"bn3.weight", "bn3.running_mean", "bn3.running_var",
		"latent_mu.weight", "latent_logvar.bias",
		"linear1_decoder.weight",
		"bn4.bias", "bn5.running_var",
		"conv3.weight", "output.weight", "output.bias",
	} {
		assert.Contains(t, state, key)
	}

	// [in, out, k-1, k-1] for the transposed convolutions.
	assert.Equal(t, []int{8, 4, 2, 2}, []int(state["conv3.weight"].Shape()))
	assert.Equal(t, []int{4, 3, 2, 2}, []int(state["output.weight"].Shape()))
	assert.Equal(t, []int{16, 2 * 4 * 2 * 2}, []int(state["linear1.weight"].Shape()))

	other := New(smallConfig(), backend)
	require.NoError(t, other.LoadStateDict(state))
	assert.Equal(t, state["linear1.weight"].AsFloat32(), other.StateDict()["linear1.weight"].AsFloat32())

	delete(state, "output.bias")
	assert.ErrorIs(t, other.LoadStateDict(state), layers.ErrMissingTensor)
}

func TestVAE_ParametersIncludeDeclaredBatchNorm(t *testing.T) {
	model := New(smallConfig(), newBackend())

	// 2 per conv/linear/convT (8 layers) + 2 per batch norm (3 layers).
	assert.Len(t, model.Parameters(), 8*2+3*2)
	assert.Equal(t, []string{
		"conv1", "conv2", "linear1", "bn3", "latent_mu", "latent_logvar",
		"linear1_decoder", "bn4", "conv3", "bn5", "output",
	}, model.Layers().Names())
	assert.Contains(t, model.String(), "(conv3): ConvTranspose2D(in_channels=8, out_channels=4")
}

func TestVAE_Sample(t *testing.T) {
	model := New(smallConfig(), newBackend())
	out := model.Sample(5)
	assert.Equal(t, []int{5, 3, 8, 8}, []int(out.Shape()))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, smallConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"height not divisible", func(c *Config) { c.Height = 30 }, "divisible by 4"},
		{"kernel breaks round trip", func(c *Config) { c.ConvKernelSize = 5 }, "maps 8x8"},
		{"kernel too small", func(c *Config) { c.ConvKernelSize = 1 }, "at least 2"},
		{"zero hidden", func(c *Config) { c.HiddenDim = 0 }, "hidden_dim must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	want := Config{
		ConvLayers: 32, ZDimension: 16, PoolKernelSize: 2, ConvKernelSize: 3,
		InputChannels: 3, Height: 64, Width: 64, HiddenDim: 256,
	}
	if diff := cmp.Diff(want, DefaultConfig()); diff != "" {
		t.Errorf("DefaultConfig() mismatch (-want +got):\n%s", diff)
	}
}
