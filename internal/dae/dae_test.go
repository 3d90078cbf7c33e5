package dae

import (
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/autoencoders/internal/layers"
	"github.com/born-ml/autoencoders/internal/noise"
)

type Backend = *autodiff.Backend[*cpu.Backend]

func newBackend() Backend {
	return autodiff.New(cpu.New())
}

func smallConfig() Config {
	return Config{
		ConvLayers:     2,
		ConvKernelSize: 3,
		PoolKernelSize: 2,
		Height:         16,
		Width:          16,
		InputChannels:  3,
		HiddenDim:      8,
		NoiseScale:     DefaultNoiseScale,
	}
}

func diff(a, b []float32) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = float64(a[i] - b[i])
	}
	return out
}

func maxAbs(values []float64) float64 {
	return math.Max(math.Abs(floats.Min(values)), math.Abs(floats.Max(values)))
}

func TestDAE_ForwardShapes(t *testing.T) {
	backend := newBackend()
	model := New(smallConfig(), backend, WithNoiseSource(noise.NewSource(1)))

	images := noise.Uniform(noise.NewSource(2), tensor.Shape{4, 3, 16, 16}, 0, 1, backend)
	recon, bottleneck := model.Forward(images)

	assert.Equal(t, []int{4, 3, 16, 16}, []int(recon.Shape()))
	assert.Equal(t, []int{4, 8}, []int(bottleneck.Shape()))
}

func TestDAE_DefaultConfigShapes(t *testing.T) {
	backend := newBackend()
	cfg := DefaultConfig()
	cfg.ConvLayers = 4
	model := New(cfg, backend)

	images := tensor.Zeros[float32](tensor.Shape{2, 3, 64, 64}, backend)
	recon, bottleneck := model.Forward(images)

	assert.Equal(t, []int{2, 3, 64, 64}, []int(recon.Shape()))
	assert.Equal(t, []int{2, 256}, []int(bottleneck.Shape()))
}

func TestDAE_RoundTripShapes(t *testing.T) {
	backend := newBackend()

	for _, size := range [][2]int{{16, 16}, {32, 16}, {16, 48}} {
		cfg := smallConfig()
		cfg.Height, cfg.Width = size[0], size[1]
		require.NoError(t, cfg.Validate())

		model := New(cfg, backend)
		images := tensor.Zeros[float32](tensor.Shape{1, 3, size[0], size[1]}, backend)

		out := model.Decode(model.Encode(images))
		assert.Equal(t, []int{1, 3, size[0], size[1]}, []int(out.Shape()), "size %v", size)
	}
}

func TestDAE_CorruptionIsFreshAndBounded(t *testing.T) {
	backend := newBackend()

	cfg := smallConfig()
	cfg.NoiseScale = 0.05
	model := New(cfg, backend)

	images := noise.Uniform(noise.NewSource(3), tensor.Shape{4, 3, 16, 16}, 0, 1, backend)
	clean := append([]float32(nil), images.Data()...)

	first := model.Corrupt(images)
	second := model.Corrupt(images)

	assert.NotEqual(t, first.Data(), second.Data())
	assert.Equal(t, clean, images.Data(), "input must not be modified")

	perturbation := diff(first.Data(), clean)
	_, std := stat.MeanStdDev(perturbation, nil)
	assert.InDelta(t, 0.05, std, 0.005)
	assert.Less(t, maxAbs(perturbation), 6*0.05)
}

func TestDAE_ForwardIsStochastic(t *testing.T) {
	backend := newBackend()
	model := New(smallConfig(), backend)

	images := noise.Uniform(noise.NewSource(4), tensor.Shape{2, 3, 16, 16}, 0, 1, backend)

	recon1, _ := model.Forward(images)
	recon2, _ := model.Forward(images)
	assert.NotEqual(t, recon1.Data(), recon2.Data())

	// Noise is applied in inference mode too.
	model.Eval()
	recon3, _ := model.Forward(images)
	recon4, _ := model.Forward(images)
	assert.NotEqual(t, recon3.Data(), recon4.Data())
}

func TestDAE_PerturbationScalesWithNoise(t *testing.T) {
	backend := newBackend()

	cfg := smallConfig()
	cfg.NoiseScale = 0
	quiet := New(cfg, backend)

	images := noise.Uniform(noise.NewSource(5), tensor.Shape{2, 3, 16, 16}, 0, 1, backend)
	reference := quiet.Decode(quiet.Encode(images)).Data()

	// With zero noise Forward is the clean round trip.
	recon, _ := quiet.Forward(images)
	assert.InDeltaSlice(t, reference, recon.Data(), 1e-5)

	cfg.NoiseScale = 1e-4
	slight := New(cfg, backend)
	require.NoError(t, slight.LoadStateDict(quiet.StateDict()))

	recon, _ = slight.Forward(images)
	assert.Less(t, maxAbs(diff(recon.Data(), reference)), 0.05)
}

func TestDAE_InvalidInputPanics(t *testing.T) {
	backend := newBackend()
	model := New(smallConfig(), backend)

	assert.Panics(t, func() {
		model.Forward(tensor.Zeros[float32](tensor.Shape{1, 3, 24, 24}, backend))
	}, "not divisible by 16")
	assert.Panics(t, func() {
		model.Forward(tensor.Zeros[float32](tensor.Shape{1, 3, 32, 32}, backend))
	}, "size differs from config")
	assert.Panics(t, func() {
		model.Forward(tensor.Zeros[float32](tensor.Shape{3, 16, 16}, backend))
	}, "rank 3")
	assert.Panics(t, func() {
		model.Decode(tensor.Zeros[float32](tensor.Shape{1, 7}, backend))
	}, "bottleneck width")
}

func TestDAE_NoiseChannelsAreFixed(t *testing.T) {
	backend := newBackend()

	cfg := smallConfig()
	cfg.InputChannels = 1
	require.Error(t, cfg.Validate())

	model := New(cfg, backend)
	assert.Panics(t, func() {
		model.Forward(tensor.Zeros[float32](tensor.Shape{1, 1, 16, 16}, backend))
	})
}

func TestDAE_InvalidConfigPanics(t *testing.T) {
	backend := newBackend()

	cfg := smallConfig()
	cfg.ConvKernelSize = 2
	assert.Panics(t, func() { New(cfg, backend) })

	cfg = smallConfig()
	cfg.HiddenDim = -1
	assert.Panics(t, func() { New(cfg, backend) })
}

func TestDAE_StateDict(t *testing.T) {
	backend := newBackend()
	model := New(smallConfig(), backend)

	assert.Equal(t, []string{
		"conv1", "conv2", "conv3", "conv4", "bottleneck", "linear_decoder",
		"conv5", "conv6", "conv7", "conv8", "output",
	}, model.Layers().Names())

	state := model.StateDict()
	assert.Len(t, state, 22)
	assert.Equal(t, []int{4, 2, 3, 3}, []int(state["conv3.weight"].Shape()))
	assert.Equal(t, []int{4, 2, 2, 2}, []int(state["conv7.weight"].Shape()))
	assert.Equal(t, []int{3, 2, 1, 1}, []int(state["output.weight"].Shape()))
	assert.Equal(t, []int{8, 4}, []int(state["bottleneck.weight"].Shape()))

	other := New(smallConfig(), backend)
	require.NoError(t, other.LoadStateDict(state))
	assert.Equal(t, state["conv8.weight"].AsFloat32(), other.StateDict()["conv8.weight"].AsFloat32())
}

func TestDAE_Mode(t *testing.T) {
	model := New(smallConfig(), newBackend())
	assert.Equal(t, layers.Training, model.Mode())
	model.Eval()
	assert.Equal(t, layers.Inference, model.Mode())
	model.Train()
	assert.Equal(t, layers.Training, model.Mode())
	assert.Contains(t, model.String(), "noise_scale=0.1")
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"not divisible", func(c *Config) { c.Width = 40 }, "divisible by 16"},
		{"kernel too small", func(c *Config) { c.ConvKernelSize = 2 }, "at least 3"},
		{"kernel breaks round trip", func(c *Config) { c.ConvKernelSize = 5 }, "maps 16x16"},
		{"negative noise", func(c *Config) { c.NoiseScale = -1 }, "noise_scale"},
		{"channels", func(c *Config) { c.InputChannels = 1 }, "input_channels must be 3"},
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
