package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/born-ml/autoencoders/internal/checkpoint"
	"github.com/born-ml/autoencoders/internal/config"
	"github.com/born-ml/autoencoders/internal/dae"
	"github.com/born-ml/autoencoders/internal/dataset"
	"github.com/born-ml/autoencoders/internal/layers"
	"github.com/born-ml/autoencoders/internal/logutil"
	"github.com/born-ml/autoencoders/internal/noise"
	"github.com/born-ml/autoencoders/internal/train"
	"github.com/born-ml/autoencoders/internal/vae"
)

const version = "v0.1.0-dev"

// Device names accepted by --device.
const (
	DeviceCPU    = "cpu"
	DeviceWebGPU = "webgpu"
)

// NewCLI builds the command tree.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoencoder",
		Short: "Train and run convolutional autoencoders",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("device", DeviceCPU, "Compute device (cpu|webgpu)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("trace", false, "Enable trace logging")

	cobra.EnableCommandSorting = false

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model and save a checkpoint",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}
	trainCmd.Flags().String("model", "", "Model type (vae|dae)")
	trainCmd.Flags().String("data", "", "Dataset file (.npy, .npz[:key], IDX)")
	trainCmd.Flags().Int("synthetic", 256, "Number of synthetic images when --data is not set")
	trainCmd.Flags().Int("epochs", 0, "Number of epochs")
	trainCmd.Flags().Int("batch", 0, "Batch size")
	trainCmd.Flags().Float32("lr", 0, "Learning rate")
	trainCmd.Flags().Float32("beta", 0, "Weight of the KL term (vae)")
	trainCmd.Flags().Uint64("seed", 0, "Random seed (0 picks one)")
	trainCmd.Flags().StringP("out", "o", "model.born", "Checkpoint path")

	reconstructCmd := &cobra.Command{
		Use:   "reconstruct CHECKPOINT",
		Short: "Reconstruct images with a trained model",
		Args:  cobra.ExactArgs(1),
		RunE:  ReconstructHandler,
	}
	reconstructCmd.Flags().String("data", "", "Dataset file (.npy, .npz[:key], IDX)")
	reconstructCmd.Flags().Int("synthetic", 8, "Number of synthetic images when --data is not set")
	reconstructCmd.Flags().IntP("num", "n", 8, "Number of images to reconstruct")
	reconstructCmd.Flags().Int("scale", 4, "Upscaling factor of the comparison image")
	reconstructCmd.Flags().Uint64("seed", 0, "Random seed (0 picks one)")
	reconstructCmd.Flags().StringP("out", "o", "reconstruction.png", "Comparison PNG path")
	reconstructCmd.Flags().String("npy", "", "Also write the reconstructions to this .npy file")

	summaryCmd := &cobra.Command{
		Use:   "summary [CHECKPOINT]",
		Short: "Show the layers of a model",
		Args:  cobra.MaximumNArgs(1),
		RunE:  SummaryHandler,
	}
	summaryCmd.Flags().String("model", "", "Model type (vae|dae)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage config files",
	}
	configInitCmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write the default config",
		Args:  cobra.MaximumNArgs(1),
		RunE:  ConfigInitHandler,
	}
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autoencoder %s\n", version)
		},
	}

	rootCmd.AddCommand(
		trainCmd,
		reconstructCmd,
		summaryCmd,
		configCmd,
		versionCmd,
	)

	return rootCmd
}

// newLogger builds the logger selected by --verbose and --trace.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	trace, _ := cmd.Flags().GetBool("trace")
	return logutil.NewLogger(cmd.ErrOrStderr(), logutil.Level(verbose, trace))
}

// loadConfig reads --config, or the defaults, and applies the flags that
// override config fields.
func loadConfig(cmd *cobra.Command) (*config.File, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model, _ = flags.GetString("model")
	}
	if flags.Changed("epochs") {
		cfg.Train.Epochs, _ = flags.GetInt("epochs")
	}
	if flags.Changed("batch") {
		cfg.Train.BatchSize, _ = flags.GetInt("batch")
	}
	if flags.Changed("lr") {
		cfg.Train.LearningRate, _ = flags.GetFloat32("lr")
	}
	if flags.Changed("beta") {
		cfg.Train.Beta, _ = flags.GetFloat32("beta")
	}
	if flags.Changed("seed") {
		cfg.Train.Seed, _ = flags.GetUint64("seed")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedSource returns a source for seed, or a random one when seed is zero.
func seedSource(seed uint64) *noise.Source {
	if seed == 0 {
		return noise.NewRandomSource()
	}
	return noise.NewSource(seed)
}

// loadData reads --data or generates --synthetic images of shape [c, h, w].
func loadData(cmd *cobra.Command, c, h, w int, src *noise.Source) (*dataset.Dataset, error) {
	if path, _ := cmd.Flags().GetString("data"); path != "" {
		d, err := dataset.Load(path)
		if err != nil {
			return nil, err
		}
		if err := d.CheckShape(c, h, w); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return d, nil
	}

	n, _ := cmd.Flags().GetInt("synthetic")
	if n <= 0 {
		return nil, fmt.Errorf("no --data given and --synthetic is %d", n)
	}
	return dataset.Synthetic(n, c, h, w, src), nil
}

// autoencoder is the surface shared by the VAE and the DAE.
type autoencoder[B tensor.Backend] interface {
	checkpoint.Model[B]
	train.Model[B]
	Layers() *layers.Registry[B]
	String() string
}

// buildModel creates the model selected by cfg.Model.
func buildModel[B tensor.Backend](cfg *config.File, backend B, src *noise.Source) (autoencoder[B], error) {
	switch cfg.Model {
	case config.ModelVAE:
		return vae.New(cfg.VAE, backend, vae.WithNoiseSource(src)), nil
	case config.ModelDAE:
		return dae.New(cfg.DAE, backend, dae.WithNoiseSource(src)), nil
	default:
		return nil, fmt.Errorf("%w: unknown model %q", config.ErrInvalidConfig, cfg.Model)
	}
}

// objective returns the training objective matching model.
func objective[B tensor.Backend](model autoencoder[B], cfg *config.File) (train.Objective[B], error) {
	switch m := model.(type) {
	case *vae.VAE[B]:
		return train.VAEObjective(m, cfg.Train.Beta), nil
	case *dae.DAE[B]:
		return train.DAEObjective(m), nil
	default:
		return nil, fmt.Errorf("no objective for %T", model)
	}
}

func newRunID() string {
	return uuid.NewString()
}

// ConfigInitHandler writes the default configuration to a file or stdout.
func ConfigInitHandler(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if len(args) == 0 {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	path := args[0]
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
