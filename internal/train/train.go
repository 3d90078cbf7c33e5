// Package train fits the autoencoders with Adam on the autodiff backend.
//
// Gradient recording is enabled while training and stopped during
// evaluation. The tape is cleared after every optimizer step.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/autoencoders/internal/dae"
	"github.com/born-ml/autoencoders/internal/dataset"
	"github.com/born-ml/autoencoders/internal/logutil"
	"github.com/born-ml/autoencoders/internal/loss"
	"github.com/born-ml/autoencoders/internal/noise"
	"github.com/born-ml/autoencoders/internal/vae"
)

// ErrDiverged is returned when the loss becomes NaN or infinite.
var ErrDiverged = errors.New("training diverged")

// Model is a trainable network with a training/inference switch.
type Model[B tensor.Backend] interface {
	Parameters() []*nn.Parameter[B]
	Train()
	Eval()
}

// Objective computes the loss terms of the model on one batch of clean images.
type Objective[B tensor.Backend] func(batch *tensor.Tensor[float32, B]) loss.Terms[B]

// VAEObjective returns the beta-VAE objective for m.
func VAEObjective[B tensor.Backend](m *vae.VAE[B], beta float32) Objective[B] {
	return func(batch *tensor.Tensor[float32, B]) loss.Terms[B] {
		recon, mu, logvar, _ := m.Forward(batch)
		return loss.VAE(recon, batch, mu, logvar, beta)
	}
}

// DAEObjective returns the denoising objective for m: the reconstruction of
// the corrupted batch is compared with the clean batch.
func DAEObjective[B tensor.Backend](m *dae.DAE[B]) Objective[B] {
	return func(batch *tensor.Tensor[float32, B]) loss.Terms[B] {
		recon, _ := m.Forward(batch)
		return loss.DAE(recon, batch)
	}
}

// Config holds the optimization settings.
type Config struct {
	Epochs       int
	BatchSize    int
	LearningRate float32
	// LogInterval is the number of batches between progress records. Zero disables them.
	LogInterval int
}

// Metrics summarizes the loss over a pass through a dataset.
type Metrics struct {
	Loss           float64
	LossStd        float64
	Reconstruction float64
	KL             float64
	Batches        int
}

// EpochStats records one training epoch.
type EpochStats struct {
	Epoch      int
	Train      Metrics
	Validation *Metrics
	Duration   time.Duration
}

// History is the record of a Fit call.
type History struct {
	Epochs []EpochStats
}

// Last returns the most recent epoch, or false if none ran.
func (h *History) Last() (EpochStats, bool) {
	if len(h.Epochs) == 0 {
		return EpochStats{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Option configures a Trainer.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	shuffle *noise.Source
	onEpoch func(EpochStats) error
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithShuffleSource shuffles the training set at the start of every epoch.
func WithShuffleSource(src *noise.Source) Option {
	return func(o *options) { o.shuffle = src }
}

// WithEpochCallback calls fn after every epoch. A non-nil error stops Fit.
func WithEpochCallback(fn func(EpochStats) error) Option {
	return func(o *options) { o.onEpoch = fn }
}

// Trainer runs the optimization loop.
type Trainer[B tensor.Backend] struct {
	model     Model[*autodiff.Backend[B]]
	objective Objective[*autodiff.Backend[B]]
	optimizer optim.Optimizer
	backend   *autodiff.Backend[B]
	cfg       Config
	opts      options
}

// New creates a Trainer with an Adam optimizer over the model parameters.
func New[B tensor.Backend](
	model Model[*autodiff.Backend[B]],
	objective Objective[*autodiff.Backend[B]],
	backend *autodiff.Backend[B],
	cfg Config,
	opts ...Option,
) *Trainer[B] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	optimizer := optim.NewAdam(model.Parameters(), optim.AdamConfig{
		LR:    cfg.LearningRate,
		Betas: [2]float32{0.9, 0.999},
		Eps:   1e-8,
	}, backend)

	return &Trainer[B]{
		model:     model,
		objective: objective,
		optimizer: optimizer,
		backend:   backend,
		cfg:       cfg,
		opts:      o,
	}
}

// Fit trains for cfg.Epochs epochs, evaluating on val after each one when
// val is non-empty.
func (t *Trainer[B]) Fit(ctx context.Context, train, val *dataset.Dataset) (*History, error) {
	if train.N == 0 {
		return nil, fmt.Errorf("empty training set")
	}

	history := &History{}
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()

		metrics, err := t.TrainEpoch(ctx, train, epoch)
		if err != nil {
			return history, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		stats := EpochStats{Epoch: epoch, Train: metrics}

		if val != nil && val.N > 0 {
			vm, err := t.Evaluate(ctx, val)
			if err != nil {
				return history, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			stats.Validation = &vm
		}
		stats.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, stats)

		attrs := []any{
			"epoch", epoch,
			"loss", metrics.Loss,
			"loss_std", metrics.LossStd,
			"recon", metrics.Reconstruction,
			"kl", metrics.KL,
			"duration", stats.Duration.Round(time.Millisecond),
		}
		if stats.Validation != nil {
			attrs = append(attrs, "val_loss", stats.Validation.Loss)
		}
		t.opts.logger.Info("epoch complete", attrs...)

		if t.opts.onEpoch != nil {
			if err := t.opts.onEpoch(stats); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}

// TrainEpoch runs one pass over data with gradient updates.
func (t *Trainer[B]) TrainEpoch(ctx context.Context, data *dataset.Dataset, epoch int) (Metrics, error) {
	if t.opts.shuffle != nil {
		data.Shuffle(t.opts.shuffle)
	}
	batches, err := dataset.Batches(data, t.cfg.BatchSize, t.backend)
	if err != nil {
		return Metrics{}, err
	}

	t.model.Train()
	tape := t.backend.Tape()
	tape.StartRecording()
	defer func() {
		tape.Clear()
		tape.StopRecording()
	}()

	acc := newAccumulator(len(batches))
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}

		t.optimizer.ZeroGrad()
		terms := t.objective(batch)
		total, recon, kl := terms.Values()
		if isBad(total) {
			return Metrics{}, fmt.Errorf("%w: loss %v at batch %d", ErrDiverged, total, i)
		}

		grads := autodiff.Backward(terms.Total, t.backend)
		t.optimizer.Step(grads)
		tape.Clear()

		acc.add(total, recon, kl)
		if t.cfg.LogInterval > 0 && (i+1)%t.cfg.LogInterval == 0 {
			t.opts.logger.Debug("batch", "epoch", epoch, "batch", i+1, "of", len(batches), "loss", total)
		}
		logutil.Trace(t.opts.logger, "batch shapes", "input", batch.Shape())
	}
	return acc.metrics(), nil
}

// Evaluate computes the loss over data in inference mode without recording
// gradients. The model is returned to training mode afterwards.
func (t *Trainer[B]) Evaluate(ctx context.Context, data *dataset.Dataset) (Metrics, error) {
	batches, err := dataset.Batches(data, t.cfg.BatchSize, t.backend)
	if err != nil {
		return Metrics{}, err
	}

	tape := t.backend.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	t.model.Eval()
	defer func() {
		t.model.Train()
		if wasRecording {
			tape.StartRecording()
		}
	}()

	acc := newAccumulator(len(batches))
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}
		acc.add(t.objective(batch).Values())
	}
	return acc.metrics(), nil
}

// Optimizer returns the underlying optimizer.
func (t *Trainer[B]) Optimizer() optim.Optimizer {
	return t.optimizer
}

type accumulator struct {
	totals []float64
	recon  float64
	kl     float64
}

func newAccumulator(n int) *accumulator {
	return &accumulator{totals: make([]float64, 0, n)}
}

func (a *accumulator) add(total, recon, kl float32) {
	a.totals = append(a.totals, float64(total))
	a.recon += float64(recon)
	a.kl += float64(kl)
}

func (a *accumulator) metrics() Metrics {
	n := len(a.totals)
	if n == 0 {
		return Metrics{}
	}
	m := Metrics{
		Reconstruction: a.recon / float64(n),
		KL:             a.kl / float64(n),
		Batches:        n,
	}
	if n == 1 {
		m.Loss = a.totals[0]
		return m
	}
	m.Loss, m.LossStd = stat.MeanStdDev(a.totals, nil)
	return m
}

func isBad(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}
