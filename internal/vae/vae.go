// Package vae implements a convolutional variational autoencoder.
//
// The encoder maps [N, C_in, H, W] images through two stride-2 convolutions
// and a hidden linear layer to the parameters (mu, logvar) of a diagonal
// Gaussian. A latent z is drawn with the reparameterization trick and
// decoded back to [N, C_in, H, W] with two stride-2 transposed convolutions.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	model := vae.New(vae.DefaultConfig(), backend)
//	recon, mu, logvar, z := model.Forward(images)
package vae

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/autoencoders/internal/layers"
	"github.com/born-ml/autoencoders/internal/noise"
)

// Kind is the model type recorded in checkpoints.
const Kind = "vae"

// Option configures optional model behaviour.
type Option func(*options)

type options struct {
	src *noise.Source
}

// WithNoiseSource sets the random source used for reparameterization.
// Without it every model gets its own randomly seeded source.
func WithNoiseSource(src *noise.Source) Option {
	return func(o *options) {
		o.src = src
	}
}

// VAE is a convolutional variational autoencoder.
//
// The batch-norm layers bn3, bn4 and bn5 are constructed and exported with
// the model state but are not applied by Encode or Decode.
type VAE[B tensor.Backend] struct {
	cfg Config

	conv1          *nn.Conv2D[B]
	conv2          *nn.Conv2D[B]
	linear1        *nn.Linear[B]
	bn3            *layers.BatchNorm[B]
	latentMu       *nn.Linear[B]
	latentLogvar   *nn.Linear[B]
	linear1Decoder *nn.Linear[B]
	bn4            *layers.BatchNorm[B]
	conv3          *layers.ConvTranspose2D[B]
	bn5            *layers.BatchNorm[B]
	output         *layers.ConvTranspose2D[B]

	registry *layers.Registry[B]
	src      *noise.Source
	mode     layers.Mode
	backend  B
}

// New builds a VAE in training mode.
//
// Panics if any size in cfg is non-positive or the kernel is smaller than 2.
// Spatial divisibility is checked when images are passed in, see Config.Validate
// for an upfront check.
func New[B tensor.Backend](cfg Config, backend B, opts ...Option) *VAE[B] {
	if cfg.ConvLayers <= 0 || cfg.ZDimension <= 0 || cfg.InputChannels <= 0 ||
		cfg.Height <= 0 || cfg.Width <= 0 || cfg.HiddenDim <= 0 {
		panic(fmt.Sprintf("vae: invalid config %+v", cfg))
	}
	if cfg.ConvKernelSize < 2 {
		panic(fmt.Sprintf("vae: conv kernel size must be at least 2, got %d", cfg.ConvKernelSize))
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.src == nil {
		o.src = noise.NewRandomSource()
	}

	c, k := cfg.ConvLayers, cfg.ConvKernelSize
	flat := cfg.flatFeatures()

	m := &VAE[B]{
		cfg:            cfg,
		conv1:          nn.NewConv2D(cfg.InputChannels, c, k, k, 2, 1, true, backend),
		conv2:          nn.NewConv2D(c, 2*c, k, k, 2, 1, true, backend),
		linear1:        nn.NewLinear(flat, cfg.HiddenDim, backend),
		bn3:            layers.NewBatchNorm1D(cfg.HiddenDim, backend),
		latentMu:       nn.NewLinear(cfg.HiddenDim, cfg.ZDimension, backend),
		latentLogvar:   nn.NewLinear(cfg.HiddenDim, cfg.ZDimension, backend),
		linear1Decoder: nn.NewLinear(cfg.ZDimension, flat, backend),
		bn4:            layers.NewBatchNorm1D(2*c, backend),
		conv3:          layers.NewConvTranspose2D(2*c, c, k-1, 2, 0, true, backend),
		bn5:            layers.NewBatchNorm2D(c, backend),
		output:         layers.NewConvTranspose2D(c, cfg.InputChannels, k-1, 2, 0, true, backend),
		src:            o.src,
		mode:           layers.Training,
		backend:        backend,
	}

	r := layers.NewRegistry[B]()
	r.Add("conv1", m.conv1)
	r.Add("conv2", m.conv2)
	r.Add("linear1", m.linear1)
	r.Add("bn3", m.bn3)
	r.Add("latent_mu", m.latentMu)
	r.Add("latent_logvar", m.latentLogvar)
	r.Add("linear1_decoder", m.linear1Decoder)
	r.Add("bn4", m.bn4)
	r.Add("conv3", m.conv3)
	r.Add("bn5", m.bn5)
	r.Add("output", m.output)
	m.registry = r

	return m
}

// Encode maps images to the mean and log-variance of the latent Gaussian.
func (m *VAE[B]) Encode(x *tensor.Tensor[float32, B]) (mu, logvar *tensor.Tensor[float32, B]) {
	m.checkInput(x)

	h := nn.ReLUFunc(m.conv1.Forward(x))
	h = nn.ReLUFunc(m.conv2.Forward(h))
	h = layers.Flatten(h)
	h = nn.ReLUFunc(m.linear1.Forward(h))

	return m.latentMu.Forward(h), m.latentLogvar.Forward(h)
}

// Reparameterize draws z = mu + eps*exp(0.5*logvar) with fresh eps ~ N(0, 1)
// in training mode. In inference mode it returns mu and draws nothing.
func (m *VAE[B]) Reparameterize(mu, logvar *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if m.mode != layers.Training {
		return mu
	}
	if !mu.Shape().Equal(logvar.Shape()) {
		panic(fmt.Sprintf("vae: mu shape %v != logvar shape %v", mu.Shape(), logvar.Shape()))
	}

	std := logvar.MulScalar(0.5).Exp()
	eps := noise.Normal(m.src, mu.Shape(), m.backend)
	return eps.Mul(std).Add(mu)
}

// Decode maps latent vectors [N, z] back to images [N, C_in, H, W].
// The output is not passed through an activation.
func (m *VAE[B]) Decode(z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	zShape := z.Shape()
	if len(zShape) != 2 || zShape[1] != m.cfg.ZDimension {
		panic(fmt.Sprintf("vae: expected latent [N, %d], got %v", m.cfg.ZDimension, zShape))
	}

	s := m.cfg.latentShape()
	h := m.linear1Decoder.Forward(z)
	h = h.Reshape(zShape[0], s[0], s[1], s[2])
	h = nn.ReLUFunc(m.conv3.Forward(h))
	return m.output.Forward(h)
}

// Forward runs Encode, Reparameterize and Decode and returns every
// intermediate needed by the loss.
func (m *VAE[B]) Forward(x *tensor.Tensor[float32, B]) (recon, mu, logvar, z *tensor.Tensor[float32, B]) {
	mu, logvar = m.Encode(x)
	z = m.Reparameterize(mu, logvar)
	recon = m.Decode(z)
	return recon, mu, logvar, z
}

// Reconstruct returns only the reconstruction of x.
func (m *VAE[B]) Reconstruct(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	recon, _, _, _ := m.Forward(x)
	return recon
}

// Sample decodes n latent vectors drawn from the standard normal prior.
func (m *VAE[B]) Sample(n int) *tensor.Tensor[float32, B] {
	z := noise.Normal(m.src, tensor.Shape{n, m.cfg.ZDimension}, m.backend)
	return m.Decode(z)
}

// checkInput panics unless x is [N, C_in, H, W] with the configured sizes
// and H, W divisible by SpatialFactor.
func (m *VAE[B]) checkInput(x *tensor.Tensor[float32, B]) {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("vae: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}
	if shape[2]%SpatialFactor != 0 || shape[3]%SpatialFactor != 0 {
		panic(fmt.Sprintf("vae: input height and width must be divisible by %d, got %dx%d", SpatialFactor, shape[2], shape[3]))
	}
	if shape[1] != m.cfg.InputChannels || shape[2] != m.cfg.Height || shape[3] != m.cfg.Width {
		panic(fmt.Sprintf("vae: expected input [N,%d,%d,%d], got %v", m.cfg.InputChannels, m.cfg.Height, m.cfg.Width, shape))
	}
}

// Train switches to training mode: Reparameterize samples and batch norm
// uses batch statistics.
func (m *VAE[B]) Train() {
	m.mode = layers.Training
	m.registry.SetMode(layers.Training)
}

// Eval switches to inference mode: Reparameterize returns mu.
func (m *VAE[B]) Eval() {
	m.mode = layers.Inference
	m.registry.SetMode(layers.Inference)
}

// Mode returns the current mode.
func (m *VAE[B]) Mode() layers.Mode {
	return m.mode
}

// Config returns the model configuration.
func (m *VAE[B]) Config() Config {
	return m.cfg
}

// Layers returns the layer registry in declaration order.
func (m *VAE[B]) Layers() *layers.Registry[B] {
	return m.registry
}

// Parameters returns every trainable parameter, including the unused
// batch-norm affine parameters.
func (m *VAE[B]) Parameters() []*nn.Parameter[B] {
	return m.registry.Parameters()
}

// StateDict returns all model tensors keyed by "<layer>.<tensor>".
func (m *VAE[B]) StateDict() map[string]*tensor.RawTensor {
	return m.registry.StateDict()
}

// LoadStateDict restores all model tensors.
func (m *VAE[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := m.registry.LoadStateDict(stateDict); err != nil {
		return fmt.Errorf("vae: %w", err)
	}
	return nil
}

// String returns a multi-line description of the architecture.
func (m *VAE[B]) String() string {
	var sb strings.Builder
	sb.WriteString("VAE(\n")
	for _, name := range m.registry.Names() {
		fmt.Fprintf(&sb, "  (%s): %s\n", name, layers.Describe(m.registry.Layer(name)))
	}
	sb.WriteString(")")
	return sb.String()
}
