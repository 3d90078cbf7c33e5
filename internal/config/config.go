// Package config loads and validates the YAML configuration shared by the
// autoencoder commands.
//
// A configuration file looks like:
//
//	model: vae
//	vae:
//	  conv_layers: 32
//	  z_dimension: 16
//	  ...
//	dae:
//	  conv_layers: 32
//	  noise_scale: 0.1
//	  ...
//	train:
//	  epochs: 10
//	  batch_size: 32
//	  learning_rate: 0.001
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/autoencoders/internal/dae"
	"github.com/born-ml/autoencoders/internal/vae"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Model names accepted in the "model" field.
const (
	ModelVAE = vae.Kind
	ModelDAE = dae.Kind
)

// Train holds the optimization settings.
type Train struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float32 `yaml:"learning_rate"`
	// Beta weights the KL term of the VAE objective.
	Beta float32 `yaml:"beta"`
	// Seed seeds data shuffling and model noise. Zero picks a random seed.
	Seed            uint64  `yaml:"seed"`
	ValidationSplit float64 `yaml:"validation_split"`
	// LogInterval is the number of batches between progress records. Zero disables them.
	LogInterval int `yaml:"log_interval"`
}

// File is the top-level configuration document.
type File struct {
	Model string     `yaml:"model"`
	VAE   vae.Config `yaml:"vae"`
	DAE   dae.Config `yaml:"dae"`
	Train Train      `yaml:"train"`
}

// Default returns a configuration for 64x64 RGB images.
func Default() *File {
	return &File{
		Model: ModelVAE,
		VAE:   vae.DefaultConfig(),
		DAE:   dae.DefaultConfig(),
		Train: Train{
			Epochs:          10,
			BatchSize:       32,
			LearningRate:    1e-3,
			Beta:            1,
			ValidationSplit: 0.1,
			LogInterval:     10,
		},
	}
}

// Load reads path on top of the defaults. Unknown fields are rejected.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of the defaults and validates it.
func Parse(data []byte) (*File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Marshal encodes the configuration as YAML.
func (f *File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the configuration to path.
func (f *File) Save(path string) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the selected model section and the training settings.
// All errors wrap ErrInvalidConfig.
func (f *File) Validate() error {
	var errs []error
	switch f.Model {
	case ModelVAE:
		if err := f.VAE.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("vae: %w", err))
		}
	case ModelDAE:
		if err := f.DAE.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("dae: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("model must be %q or %q, got %q", ModelVAE, ModelDAE, f.Model))
	}

	t := f.Train
	if t.Epochs < 0 {
		errs = append(errs, fmt.Errorf("train.epochs must not be negative, got %d", t.Epochs))
	}
	if t.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("train.batch_size must be positive, got %d", t.BatchSize))
	}
	if t.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("train.learning_rate must be positive, got %g", t.LearningRate))
	}
	if t.Beta < 0 {
		errs = append(errs, fmt.Errorf("train.beta must not be negative, got %g", t.Beta))
	}
	if t.ValidationSplit < 0 || t.ValidationSplit >= 1 {
		errs = append(errs, fmt.Errorf("train.validation_split must be in [0, 1), got %g", t.ValidationSplit))
	}
	if t.LogInterval < 0 {
		errs = append(errs, fmt.Errorf("train.log_interval must not be negative, got %d", t.LogInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Shape returns the [C, H, W] image shape of the selected model.
func (f *File) Shape() (c, h, w int) {
	if f.Model == ModelDAE {
		return f.DAE.InputChannels, f.DAE.Height, f.DAE.Width
	}
	return f.VAE.InputChannels, f.VAE.Height, f.VAE.Width
}
