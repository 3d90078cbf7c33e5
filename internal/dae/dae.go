// Package dae implements a convolutional denoising autoencoder.
//
// Forward corrupts the input with scaled Gaussian noise, encodes it through
// four stride-2 convolutions into a bottleneck vector and decodes it through
// four stride-2 transposed convolutions and a final convolution. The clean
// image is not used internally; training compares the reconstruction with it.
package dae

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/autoencoders/internal/layers"
	"github.com/born-ml/autoencoders/internal/noise"
)

// Kind is the model type recorded in checkpoints.
const Kind = "dae"

// Option configures optional model behaviour.
type Option func(*options)

type options struct {
	src *noise.Source
}

// WithNoiseSource sets the random source used for corruption noise.
func WithNoiseSource(src *noise.Source) Option {
	return func(o *options) {
		o.src = src
	}
}

// DAE is a convolutional denoising autoencoder.
type DAE[B tensor.Backend] struct {
	cfg Config

	conv1, conv2, conv3, conv4 *nn.Conv2D[B]
	bottleneck                 *nn.Linear[B]
	linearDecoder              *nn.Linear[B]
	conv5, conv6, conv7, conv8 *layers.ConvTranspose2D[B]
	output                     *nn.Conv2D[B]

	registry *layers.Registry[B]
	src      *noise.Source
	mode     layers.Mode
	backend  B
}

// New builds a DAE.
//
// Panics if any size in cfg is non-positive or the kernel is smaller than 3.
func New[B tensor.Backend](cfg Config, backend B, opts ...Option) *DAE[B] {
	if cfg.ConvLayers <= 0 || cfg.InputChannels <= 0 || cfg.Height <= 0 ||
		cfg.Width <= 0 || cfg.HiddenDim <= 0 || cfg.NoiseScale < 0 {
		panic(fmt.Sprintf("dae: invalid config %+v", cfg))
	}
	if cfg.ConvKernelSize < 3 {
		panic(fmt.Sprintf("dae: conv kernel size must be at least 3, got %d", cfg.ConvKernelSize))
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

	m := &DAE[B]{
		cfg:           cfg,
		conv1:         nn.NewConv2D(cfg.InputChannels, c, k, k, 2, 1, true, backend),
		conv2:         nn.NewConv2D(c, c, k, k, 2, 1, true, backend),
		conv3:         nn.NewConv2D(c, 2*c, k, k, 2, 1, true, backend),
		conv4:         nn.NewConv2D(2*c, 2*c, k, k, 2, 1, true, backend),
		bottleneck:    nn.NewLinear(flat, cfg.HiddenDim, backend),
		linearDecoder: nn.NewLinear(cfg.HiddenDim, flat, backend),
		conv5:         layers.NewConvTranspose2D(2*c, 2*c, k-1, 2, 0, true, backend),
		conv6:         layers.NewConvTranspose2D(2*c, 2*c, k-1, 2, 0, true, backend),
		conv7:         layers.NewConvTranspose2D(2*c, c, k-1, 2, 0, true, backend),
		conv8:         layers.NewConvTranspose2D(c, c, k-1, 2, 0, true, backend),
		output:        nn.NewConv2D(c, cfg.InputChannels, k-2, k-2, 1, 0, true, backend),
		src:           o.src,
		mode:          layers.Training,
		backend:       backend,
	}

	r := layers.NewRegistry[B]()
	r.Add("conv1", m.conv1)
	r.Add("conv2", m.conv2)
	r.Add("conv3", m.conv3)
	r.Add("conv4", m.conv4)
	r.Add("bottleneck", m.bottleneck)
	r.Add("linear_decoder", m.linearDecoder)
	r.Add("conv5", m.conv5)
	r.Add("conv6", m.conv6)
	r.Add("conv7", m.conv7)
	r.Add("conv8", m.conv8)
	r.Add("output", m.output)
	m.registry = r

	return m
}

// Corrupt returns x plus NoiseScale-scaled standard-normal noise of shape
// [N, NoiseChannels, H, W]. The noise is drawn fresh on every call.
func (m *DAE[B]) Corrupt(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	m.checkInput(x)

	shape := x.Shape()
	eps := noise.Normal(m.src, tensor.Shape{shape[0], NoiseChannels, shape[2], shape[3]}, m.backend)
	return eps.MulScalar(m.cfg.NoiseScale).Add(x)
}

// Encode maps images to bottleneck vectors [N, HiddenDim].
func (m *DAE[B]) Encode(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	m.checkInput(x)

	h := nn.ReLUFunc(m.conv1.Forward(x))
	h = nn.ReLUFunc(m.conv2.Forward(h))
	h = nn.ReLUFunc(m.conv3.Forward(h))
	h = nn.ReLUFunc(m.conv4.Forward(h))
	return m.bottleneck.Forward(layers.Flatten(h))
}

// Decode maps bottleneck vectors back to images [N, C_in, H, W]. Every
// transposed convolution is followed by ReLU; the output convolution is not.
func (m *DAE[B]) Decode(b *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	bShape := b.Shape()
	if len(bShape) != 2 || bShape[1] != m.cfg.HiddenDim {
		panic(fmt.Sprintf("dae: expected bottleneck [N, %d], got %v", m.cfg.HiddenDim, bShape))
	}

	s := m.cfg.bottleneckShape()
	h := m.linearDecoder.Forward(b)
	h = h.Reshape(bShape[0], s[0], s[1], s[2])
	h = nn.ReLUFunc(m.conv5.Forward(h))
	h = nn.ReLUFunc(m.conv6.Forward(h))
	h = nn.ReLUFunc(m.conv7.Forward(h))
	h = nn.ReLUFunc(m.conv8.Forward(h))
	return m.output.Forward(h)
}

// Forward corrupts x and reconstructs it. Noise is added in both modes.
func (m *DAE[B]) Forward(x *tensor.Tensor[float32, B]) (recon, bottleneck *tensor.Tensor[float32, B]) {
	corrupted := m.Corrupt(x)
	bottleneck = m.Encode(corrupted)
	return m.Decode(bottleneck), bottleneck
}

// Reconstruct returns only the reconstruction of x.
func (m *DAE[B]) Reconstruct(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	recon, _ := m.Forward(x)
	return recon
}

func (m *DAE[B]) checkInput(x *tensor.Tensor[float32, B]) {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("dae: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}
	if shape[2]%SpatialFactor != 0 || shape[3]%SpatialFactor != 0 {
		panic(fmt.Sprintf("dae: input height and width must be divisible by %d, got %dx%d", SpatialFactor, shape[2], shape[3]))
	}
	if shape[2] != m.cfg.Height || shape[3] != m.cfg.Width {
		panic(fmt.Sprintf("dae: expected input [N,%d,%d,%d], got %v", m.cfg.InputChannels, m.cfg.Height, m.cfg.Width, shape))
	}
}

// Train switches to training mode.
func (m *DAE[B]) Train() {
	m.mode = layers.Training
	m.registry.SetMode(layers.Training)
}

// Eval switches to inference mode. Corruption noise is still applied.
func (m *DAE[B]) Eval() {
	m.mode = layers.Inference
	m.registry.SetMode(layers.Inference)
}

// Mode returns the current mode.
func (m *DAE[B]) Mode() layers.Mode {
	return m.mode
}

// Config returns the model configuration.
func (m *DAE[B]) Config() Config {
	return m.cfg
}

// Layers returns the layer registry in declaration order.
func (m *DAE[B]) Layers() *layers.Registry[B] {
	return m.registry
}

// Parameters returns every trainable parameter.
func (m *DAE[B]) Parameters() []*nn.Parameter[B] {
	return m.registry.Parameters()
}

// StateDict returns all model tensors keyed by "<layer>.<tensor>".
func (m *DAE[B]) StateDict() map[string]*tensor.RawTensor {
	return m.registry.StateDict()
}

// LoadStateDict restores all model tensors.
func (m *DAE[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := m.registry.LoadStateDict(stateDict); err != nil {
		return fmt.Errorf("dae: %w", err)
	}
	return nil
}

func (m *DAE[B]) String() string {
	var sb strings.Builder
	sb.WriteString("DAE(\n")
	for _, name := range m.registry.Names() {
		fmt.Fprintf(&sb, "  (%s): %s\n", name, layers.Describe(m.registry.Layer(name)))
	}
	fmt.Fprintf(&sb, "  noise_scale=%g\n)", m.cfg.NoiseScale)
	return sb.String()
}
