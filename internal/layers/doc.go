// Package layers provides the building blocks the autoencoders need on top of
// the Born nn package: transposed convolution, batch normalization, the
// training/inference mode switch and prefixed state dictionaries.
//
// Layers follow the conventions of born/nn: they are generic over the
// backend, own their parameters as *nn.Parameter, panic on invalid
// construction or on input shapes they cannot process, and export their
// state through StateDict/LoadStateDict.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	up := layers.NewConvTranspose2D(64, 32, 2, 2, 0, true, backend)
//	x := tensor.Zeros[float32](tensor.Shape{8, 64, 16, 16}, backend)
//	y := up.Forward(x) // [8, 32, 32, 32]
package layers
