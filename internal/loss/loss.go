// Package loss provides the differentiable training objectives of the
// autoencoders.
//
// Every loss returns a [1, 1] tensor built only from operations the autodiff
// backend records, so the result can be passed straight to autodiff.Backward.
package loss

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// Terms holds a total objective and the parts it was built from.
type Terms[B tensor.Backend] struct {
	Total          *tensor.Tensor[float32, B]
	Reconstruction *tensor.Tensor[float32, B]
	KL             *tensor.Tensor[float32, B] // nil for objectives without a KL term
}

// Values returns the scalar values of the terms. KL is 0 when absent.
func (t Terms[B]) Values() (total, reconstruction, kl float32) {
	total = Value(t.Total)
	reconstruction = Value(t.Reconstruction)
	if t.KL != nil {
		kl = Value(t.KL)
	}
	return total, reconstruction, kl
}

// Value returns the single element of a [1, 1] loss tensor.
func Value[B tensor.Backend](x *tensor.Tensor[float32, B]) float32 {
	if x.NumElements() != 1 {
		panic(fmt.Sprintf("loss: expected a single value, got shape %v", x.Shape()))
	}
	return x.Data()[0]
}

// Sum returns the sum of all elements of x as a [1, 1] tensor.
func Sum[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	n := x.NumElements()
	ones := tensor.Ones[float32](tensor.Shape{n, 1}, x.Backend())
	return x.Reshape(1, n).MatMul(ones)
}

// MSE returns the mean squared error between pred and target.
func MSE[B tensor.Backend](pred, target *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !pred.Shape().Equal(target.Shape()) {
		panic(fmt.Sprintf("loss: prediction shape %v != target shape %v", pred.Shape(), target.Shape()))
	}
	d := pred.Sub(target)
	return Sum(d.Mul(d)).MulScalar(1 / float32(pred.NumElements()))
}

// KLDivergence returns KL(N(mu, exp(logvar)) || N(0, 1)) summed over latent
// dimensions and averaged over the batch:
//
//	-0.5 * sum(1 + logvar - mu^2 - exp(logvar)) / batch
func KLDivergence[B tensor.Backend](mu, logvar *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !mu.Shape().Equal(logvar.Shape()) || len(mu.Shape()) != 2 {
		panic(fmt.Sprintf("loss: expected mu and logvar [N, z] of equal shape, got %v and %v", mu.Shape(), logvar.Shape()))
	}
	batch := mu.Shape()[0]
	inner := logvar.AddScalar(1).Sub(mu.Mul(mu)).Sub(logvar.Exp())
	return Sum(inner).MulScalar(-0.5 / float32(batch))
}

// VAE returns the beta-VAE objective recon + beta*KL. Reconstruction is
// the mean squared error against the input image.
func VAE[B tensor.Backend](recon, target, mu, logvar *tensor.Tensor[float32, B], beta float32) Terms[B] {
	r := MSE(recon, target)
	kl := KLDivergence(mu, logvar)
	return Terms[B]{
		Total:          r.Add(kl.MulScalar(beta)),
		Reconstruction: r,
		KL:             kl,
	}
}

// DAE returns the denoising objective: the reconstruction of the corrupted
// input compared with the clean image.
func DAE[B tensor.Backend](recon, clean *tensor.Tensor[float32, B]) Terms[B] {
	r := MSE(recon, clean)
	return Terms[B]{Total: r, Reconstruction: r}
}
