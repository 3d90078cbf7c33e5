package dae

import (
	"errors"
	"fmt"
)

// SpatialFactor is the factor by which the encoder shrinks height and width.
const SpatialFactor = 16

// NoiseChannels is the channel count of the corruption noise. It is fixed
// and does not follow InputChannels, so models built for other channel
// counts fail on their first forward pass.
const NoiseChannels = 3

// DefaultNoiseScale is the standard deviation of the corruption noise.
const DefaultNoiseScale = 0.1

// Config holds the structural hyperparameters of a DAE.
type Config struct {
	// ConvLayers is the base channel width C. The encoder uses C, C, 2C, 2C.
	ConvLayers int `yaml:"conv_layers"`
	// ConvKernelSize is the encoder kernel size k. Transposed convolutions use
	// k-1 and the output convolution k-2.
	ConvKernelSize int `yaml:"conv_kernel_size"`
	// PoolKernelSize is reserved. No pooling is applied anywhere in the model.
	PoolKernelSize int     `yaml:"pool_kernel_size"`
	Height         int     `yaml:"height"`
	Width          int     `yaml:"width"`
	InputChannels  int     `yaml:"input_channels"`
	HiddenDim      int     `yaml:"hidden_dim"`
	NoiseScale     float32 `yaml:"noise_scale"`
}

// DefaultConfig returns the configuration used for 64x64 RGB images.
func DefaultConfig() Config {
	return Config{
		ConvLayers:     32,
		ConvKernelSize: 3,
		PoolKernelSize: 2,
		Height:         64,
		Width:          64,
		InputChannels:  NoiseChannels,
		HiddenDim:      256,
		NoiseScale:     DefaultNoiseScale,
	}
}

// Validate reports configurations that cannot round-trip an image.
func (c Config) Validate() error {
	var errs []error
	for _, p := range []struct {
		name  string
		value int
	}{
		{"conv_layers", c.ConvLayers},
		{"conv_kernel_size", c.ConvKernelSize},
		{"height", c.Height},
		{"width", c.Width},
		{"input_channels", c.InputChannels},
		{"hidden_dim", c.HiddenDim},
	} {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if c.NoiseScale < 0 {
		errs = append(errs, fmt.Errorf("noise_scale must not be negative, got %g", c.NoiseScale))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if c.Height%SpatialFactor != 0 || c.Width%SpatialFactor != 0 {
		errs = append(errs, fmt.Errorf("height and width must be divisible by %d, got %dx%d", SpatialFactor, c.Height, c.Width))
	}
	if c.InputChannels != NoiseChannels {
		errs = append(errs, fmt.Errorf("input_channels must be %d to match the corruption noise, got %d", NoiseChannels, c.InputChannels))
	}
	if c.ConvKernelSize < 3 {
		errs = append(errs, fmt.Errorf("conv_kernel_size must be at least 3, got %d", c.ConvKernelSize))
	} else if h, w := c.roundTrip(); h != c.Height || w != c.Width {
		errs = append(errs, fmt.Errorf("conv_kernel_size %d maps %dx%d to %dx%d", c.ConvKernelSize, c.Height, c.Width, h, w))
	}
	return errors.Join(errs...)
}

func (c Config) roundTrip() (int, int) {
	k := c.ConvKernelSize
	size := func(n int) int {
		for range 4 {
			n = (n+2-k)/2 + 1
		}
		for range 4 {
			n = (n-1)*2 + k - 1
		}
		return n - (k - 2) + 1
	}
	return size(c.Height), size(c.Width)
}

// bottleneckShape returns [2C, H/16, W/16], the shape after conv4.
func (c Config) bottleneckShape() [3]int {
	return [3]int{2 * c.ConvLayers, c.Height / SpatialFactor, c.Width / SpatialFactor}
}

func (c Config) flatFeatures() int {
	s := c.bottleneckShape()
	return s[0] * s[1] * s[2]
}
