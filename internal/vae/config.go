package vae

import (
	"errors"
	"fmt"
)

// SpatialFactor is the factor by which the encoder shrinks height and width.
const SpatialFactor = 4

// Config holds the structural hyperparameters of a VAE.
type Config struct {
	// ConvLayers is the base channel width C. The encoder produces C then 2C channels.
	ConvLayers int `yaml:"conv_layers"`
	// ZDimension is the latent dimensionality.
	ZDimension int `yaml:"z_dimension"`
	// PoolKernelSize is reserved. No pooling is applied anywhere in the model.
	PoolKernelSize int `yaml:"pool_kernel_size"`
	// ConvKernelSize is the encoder kernel size k. The decoder uses k-1.
	ConvKernelSize int `yaml:"conv_kernel_size"`
	InputChannels  int `yaml:"input_channels"`
	Height         int `yaml:"height"`
	Width          int `yaml:"width"`
	HiddenDim      int `yaml:"hidden_dim"`
}

// DefaultConfig returns the configuration used for 64x64 RGB images.
func DefaultConfig() Config {
	return Config{
		ConvLayers:     32,
		ZDimension:     16,
		PoolKernelSize: 2,
		ConvKernelSize: 3,
		InputChannels:  3,
		Height:         64,
		Width:          64,
		HiddenDim:      256,
	}
}

// Validate reports configurations that cannot round-trip an image.
func (c Config) Validate() error {
	var errs []error
	positive := []struct {
		name  string
		value int
	}{
		{"conv_layers", c.ConvLayers},
		{"z_dimension", c.ZDimension},
		{"conv_kernel_size", c.ConvKernelSize},
		{"input_channels", c.InputChannels},
		{"height", c.Height},
		{"width", c.Width},
		{"hidden_dim", c.HiddenDim},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if c.Height%SpatialFactor != 0 || c.Width%SpatialFactor != 0 {
		errs = append(errs, fmt.Errorf("height and width must be divisible by %d, got %dx%d", SpatialFactor, c.Height, c.Width))
	}
	if c.ConvKernelSize < 2 {
		errs = append(errs, fmt.Errorf("conv_kernel_size must be at least 2, got %d", c.ConvKernelSize))
	} else if h, w := c.roundTrip(); h != c.Height || w != c.Width {
		errs = append(errs, fmt.Errorf("conv_kernel_size %d maps %dx%d to %dx%d", c.ConvKernelSize, c.Height, c.Width, h, w))
	}
	return errors.Join(errs...)
}

// roundTrip returns the spatial size produced by encoding and decoding an
// input of the configured size.
func (c Config) roundTrip() (int, int) {
	k := c.ConvKernelSize
	down := func(n int) int { return (n+2-k)/2 + 1 }
	up := func(n int) int { return (n-1)*2 + k - 1 }
	return up(up(down(down(c.Height)))), up(up(down(down(c.Width))))
}

// latentShape returns [2C, H/4, W/4], the shape between linear1_decoder and conv3.
func (c Config) latentShape() [3]int {
	return [3]int{2 * c.ConvLayers, c.Height / SpatialFactor, c.Width / SpatialFactor}
}

func (c Config) flatFeatures() int {
	s := c.latentShape()
	return s[0] * s[1] * s[2]
}
