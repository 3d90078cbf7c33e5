package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// ConvTranspose2D is a 2D transposed convolution (a.k.a. fractionally strided
// convolution) used to upsample feature maps in the decoders.
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [in_channels, out_channels, kernel, kernel]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = (height - 1)*stride - 2*padding + kernel
//	out_w = (width - 1)*stride - 2*padding + kernel
//
// The forward pass is expressed with differentiable backend operations: the
// input is dilated by inserting stride-1 zeros between neighbouring pixels,
// the kernel is transposed to [out, in, k, k] and flipped spatially, and the
// result is a stride-1 Conv2D with padding kernel-1-padding. Gradients
// therefore flow through the regular Conv2D, Chunk and Cat operations.
type ConvTranspose2D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int
	useBias     bool

	weight *nn.Parameter[B] // [in_channels, out_channels, kernel, kernel]
	bias   *nn.Parameter[B] // [out_channels] or nil

	backend B
}

// NewConvTranspose2D creates a new transposed convolution layer with a square
// kernel.
//
// Panics if channels, kernel or stride are not positive, or if padding is
// negative or not smaller than the kernel.
func NewConvTranspose2D[B tensor.Backend](
	inChannels, outChannels int,
	kernelSize int,
	stride, padding int,
	useBias bool,
	backend B,
) *ConvTranspose2D[B] {
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("conv_transpose2d: invalid channels in=%d, out=%d", inChannels, outChannels))
	}
	if kernelSize <= 0 {
		panic(fmt.Sprintf("conv_transpose2d: invalid kernel size %d", kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("conv_transpose2d: invalid stride %d", stride))
	}
	if padding < 0 || padding >= kernelSize {
		panic(fmt.Sprintf("conv_transpose2d: padding %d must be in [0, %d)", padding, kernelSize))
	}

	weightShape := tensor.Shape{inChannels, outChannels, kernelSize, kernelSize}

	// The gradient w.r.t. the input of a transposed convolution is a regular
	// convolution, so the roles of fan-in and fan-out are swapped.
	fanIn := outChannels * kernelSize * kernelSize
	fanOut := inChannels * kernelSize * kernelSize
	weight := nn.Xavier(fanIn, fanOut, weightShape, backend)

	var biasParam *nn.Parameter[B]
	if useBias {
		biasParam = nn.NewParameter("conv_transpose2d.bias", nn.Zeros(tensor.Shape{outChannels}, backend))
	}

	return &ConvTranspose2D[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		useBias:     useBias,
		weight:      nn.NewParameter("conv_transpose2d.weight", weight),
		bias:        biasParam,
		backend:     backend,
	}
}

// Forward computes the transposed convolution.
func (c *ConvTranspose2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("conv_transpose2d: expected 4D input [N,C,H,W], got %dD", len(inputShape)))
	}
	if inputShape[1] != c.inChannels {
		panic(fmt.Sprintf("conv_transpose2d: input channels %d != expected %d", inputShape[1], c.inChannels))
	}

	x := input
	if c.stride > 1 {
		x = dilate(x, 2, c.stride)
		x = dilate(x, 3, c.stride)
	}

	outputRaw := c.backend.Conv2D(
		x.Raw(),
		c.directKernel().Raw(),
		1,
		c.kernelSize-1-c.padding,
	)
	output := tensor.New[float32, B](outputRaw, c.backend)

	if c.useBias {
		output = output.Add(c.bias.Tensor().Reshape(1, c.outChannels, 1, 1))
	}

	return output
}

// directKernel converts the [in, out, k, k] weight into the flipped
// [out, in, k, k] kernel of the equivalent direct convolution.
func (c *ConvTranspose2D[B]) directKernel() *tensor.Tensor[float32, B] {
	k := c.weight.Tensor().Transpose(1, 0, 2, 3)
	k = flip(k, 2)
	return flip(k, 3)
}

// Parameters returns the weight and, if enabled, the bias.
func (c *ConvTranspose2D[B]) Parameters() []*nn.Parameter[B] {
	if c.useBias {
		return []*nn.Parameter[B]{c.weight, c.bias}
	}
	return []*nn.Parameter[B]{c.weight}
}

// Weight returns the weight parameter.
func (c *ConvTranspose2D[B]) Weight() *nn.Parameter[B] {
	return c.weight
}

// Bias returns the bias parameter (nil when disabled).
func (c *ConvTranspose2D[B]) Bias() *nn.Parameter[B] {
	return c.bias
}

// InChannels returns the number of input channels.
func (c *ConvTranspose2D[B]) InChannels() int {
	return c.inChannels
}

// OutChannels returns the number of output channels.
func (c *ConvTranspose2D[B]) OutChannels() int {
	return c.outChannels
}

// KernelSize returns the square kernel size.
func (c *ConvTranspose2D[B]) KernelSize() int {
	return c.kernelSize
}

// Stride returns the stride.
func (c *ConvTranspose2D[B]) Stride() int {
	return c.stride
}

// Padding returns the padding removed from each border of the output.
func (c *ConvTranspose2D[B]) Padding() int {
	return c.padding
}

// ComputeOutputSize returns [out_h, out_w] for the given input size.
func (c *ConvTranspose2D[B]) ComputeOutputSize(inputH, inputW int) [2]int {
	outH := (inputH-1)*c.stride - 2*c.padding + c.kernelSize
	outW := (inputW-1)*c.stride - 2*c.padding + c.kernelSize
	return [2]int{outH, outW}
}

// String returns a human-readable description of the layer.
func (c *ConvTranspose2D[B]) String() string {
	return fmt.Sprintf("ConvTranspose2D(in_channels=%d, out_channels=%d, kernel_size=(%d, %d), stride=%d, padding=%d, bias=%v)",
		c.inChannels, c.outChannels,
		c.kernelSize, c.kernelSize,
		c.stride, c.padding, c.useBias)
}

// StateDict returns the layer tensors keyed by "weight" and "bias".
func (c *ConvTranspose2D[B]) StateDict() map[string]*tensor.RawTensor {
	return ParamState(c.Parameters())
}

// LoadStateDict copies weight (and bias) from the state dictionary.
func (c *ConvTranspose2D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return LoadParams(c.Parameters(), stateDict)
}

// dilate inserts stride-1 zero slices between consecutive slices of x along dim.
func dilate[B tensor.Backend](x *tensor.Tensor[float32, B], dim, stride int) *tensor.Tensor[float32, B] {
	n := x.Shape()[dim]
	if n == 1 {
		return x
	}

	gapShape := x.Shape().Clone()
	gapShape[dim] = stride - 1
	gap := tensor.Zeros[float32](gapShape, x.Backend())

	slices := x.Chunk(n, dim)
	pieces := make([]*tensor.Tensor[float32, B], 0, 2*n-1)
	for i, s := range slices {
		if i > 0 {
			pieces = append(pieces, gap)
		}
		pieces = append(pieces, s)
	}

	return tensor.Cat(pieces, dim)
}

// flip reverses x along dim.
func flip[B tensor.Backend](x *tensor.Tensor[float32, B], dim int) *tensor.Tensor[float32, B] {
	n := x.Shape()[dim]
	if n == 1 {
		return x
	}

	slices := x.Chunk(n, dim)
	for i, j := 0, len(slices)-1; i < j; i, j = i+1, j-1 {
		slices[i], slices[j] = slices[j], slices[i]
	}

	return tensor.Cat(slices, dim)
}
