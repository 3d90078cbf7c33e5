package loss

import (
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Backend = *autodiff.Backend[*cpu.Backend]

func fromSlice(t *testing.T, backend Backend, data []float32, shape ...int) *tensor.Tensor[float32, Backend] {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape(shape), backend)
	require.NoError(t, err)
	return x
}

func TestSum(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x := fromSlice(t, backend, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	s := Sum(x)
	assert.Equal(t, []int{1, 1}, []int(s.Shape()))
	assert.InDelta(t, 21.0, Value(s), 1e-6)
}

func TestMSE(t *testing.T) {
	backend := autodiff.New(cpu.New())
	pred := fromSlice(t, backend, []float32{1, 2, 3, 4}, 1, 1, 2, 2)
	target := fromSlice(t, backend, []float32{1, 0, 3, 0}, 1, 1, 2, 2)

	assert.InDelta(t, (4.0+16.0)/4, Value(MSE(pred, target)), 1e-6)
	assert.InDelta(t, 0.0, Value(MSE(pred, pred)), 1e-9)

	assert.Panics(t, func() {
		MSE(pred, fromSlice(t, backend, []float32{1, 2}, 1, 2))
	})
}

func TestKLDivergence(t *testing.T) {
	backend := autodiff.New(cpu.New())

	// Standard normal posterior has zero divergence from the prior.
	zeros := tensor.Zeros[float32](tensor.Shape{3, 4}, backend)
	assert.InDelta(t, 0.0, Value(KLDivergence(zeros, zeros)), 1e-6)

	// Single element: -0.5 * (1 + lv - mu^2 - e^lv).
	mu := fromSlice(t, backend, []float32{1, 0}, 2, 1)
	logvar := fromSlice(t, backend, []float32{0, 1}, 2, 1)
	want := (-0.5*(1+0-1-1) + -0.5*(1+1-0-math.E)) / 2
	assert.InDelta(t, want, Value(KLDivergence(mu, logvar)), 1e-5)
}

func TestVAE(t *testing.T) {
	backend := autodiff.New(cpu.New())
	recon := fromSlice(t, backend, []float32{0, 2}, 1, 1, 1, 2)
	target := fromSlice(t, backend, []float32{0, 0}, 1, 1, 1, 2)
	mu := fromSlice(t, backend, []float32{2}, 1, 1)
	logvar := fromSlice(t, backend, []float32{0}, 1, 1)

	terms := VAE(recon, target, mu, logvar, 0.5)
	total, r, kl := terms.Values()

	assert.InDelta(t, 2.0, r, 1e-6)
	assert.InDelta(t, 2.0, kl, 1e-6)
	assert.InDelta(t, 3.0, total, 1e-6)
}

func TestDAE(t *testing.T) {
	backend := autodiff.New(cpu.New())
	recon := fromSlice(t, backend, []float32{1, 1}, 1, 1, 1, 2)
	clean := fromSlice(t, backend, []float32{0, 1}, 1, 1, 1, 2)

	terms := DAE(recon, clean)
	total, r, kl := terms.Values()
	assert.InDelta(t, 0.5, total, 1e-6)
	assert.Equal(t, total, r)
	assert.Zero(t, kl)
	assert.Nil(t, terms.KL)
}

func TestMSE_Gradient(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()
	defer backend.Tape().StopRecording()

	pred := fromSlice(t, backend, []float32{1, 3}, 1, 2)
	target := fromSlice(t, backend, []float32{0, 0}, 1, 2)

	grads := autodiff.Backward(MSE(pred, target), backend)

	// d/dp mean((p - t)^2) = 2(p - t)/n
	g, ok := grads[pred.Raw()]
	require.True(t, ok)
	assert.InDeltaSlice(t, []float32{1, 3}, g.AsFloat32(), 1e-5)
}

func TestValue_PanicsOnTensor(t *testing.T) {
	backend := autodiff.New(cpu.New())
	assert.Panics(t, func() { Value(tensor.Zeros[float32](tensor.Shape{2}, backend)) })
}
