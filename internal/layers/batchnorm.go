package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Batch normalization defaults.
const (
	DefaultBatchNormEps      = 1e-5
	DefaultBatchNormMomentum = 0.1
)

// BatchNorm normalizes features with batch statistics while training and
// with running statistics during inference:
//
//	y = (x - mean) / sqrt(var + eps) * weight + bias
//
// BatchNorm1D works on [batch, features]; BatchNorm2D works on
// [batch, channels, height, width] and normalizes per channel.
//
// Running statistics are buffers, not parameters: they are exported by
// StateDict as "running_mean" and "running_var" but never returned by
// Parameters and never receive gradients.
type BatchNorm[B tensor.Backend] struct {
	numFeatures int
	spatial     bool
	eps         float32
	momentum    float32
	mode        Mode

	weight *nn.Parameter[B] // [num_features]
	bias   *nn.Parameter[B] // [num_features]

	runningMean *tensor.Tensor[float32, B] // [num_features]
	runningVar  *tensor.Tensor[float32, B] // [num_features]

	backend B
}

// NewBatchNorm1D creates batch normalization over [batch, numFeatures] inputs.
func NewBatchNorm1D[B tensor.Backend](numFeatures int, backend B) *BatchNorm[B] {
	return newBatchNorm(numFeatures, false, backend)
}

// NewBatchNorm2D creates per-channel batch normalization over [N, C, H, W] inputs.
func NewBatchNorm2D[B tensor.Backend](numChannels int, backend B) *BatchNorm[B] {
	return newBatchNorm(numChannels, true, backend)
}

func newBatchNorm[B tensor.Backend](numFeatures int, spatial bool, backend B) *BatchNorm[B] {
	if numFeatures <= 0 {
		panic(fmt.Sprintf("batchnorm: invalid number of features %d", numFeatures))
	}

	shape := tensor.Shape{numFeatures}
	return &BatchNorm[B]{
		numFeatures: numFeatures,
		spatial:     spatial,
		eps:         DefaultBatchNormEps,
		momentum:    DefaultBatchNormMomentum,
		mode:        Training,
		weight:      nn.NewParameter("batchnorm.weight", nn.Ones(shape, backend)),
		bias:        nn.NewParameter("batchnorm.bias", nn.Zeros(shape, backend)),
		runningMean: tensor.Zeros[float32](shape, backend),
		runningVar:  tensor.Ones[float32](shape, backend),
		backend:     backend,
	}
}

// SetMode switches between batch statistics (Training) and running
// statistics (Inference).
func (bn *BatchNorm[B]) SetMode(mode Mode) {
	bn.mode = mode
}

// Mode returns the current mode.
func (bn *BatchNorm[B]) Mode() Mode {
	return bn.mode
}

// Forward normalizes the input.
func (bn *BatchNorm[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	rows := bn.featureRows(input) // [features, samples]

	var mean, variance *tensor.Tensor[float32, B]
	if bn.mode == Training {
		samples := rows.Shape()[1]
		if samples < 2 {
			panic(fmt.Sprintf("batchnorm: expected more than 1 value per feature when training, got input shape %v", input.Shape()))
		}

		mean = tensor.New[float32, B](bn.backend.MeanDim(rows.Raw(), 1, true), bn.backend) // [features, 1]
		centered := rows.Sub(mean)
		variance = tensor.New[float32, B](bn.backend.MeanDim(centered.Mul(centered).Raw(), 1, true), bn.backend)

		bn.updateRunningStats(mean.Data(), variance.Data(), samples)
	} else {
		mean = bn.runningMean.Reshape(bn.numFeatures, 1)
		variance = bn.runningVar.Reshape(bn.numFeatures, 1)
	}

	broadcast := bn.broadcastShape()
	inv := variance.AddScalar(bn.eps).Rsqrt().Reshape(broadcast...)
	normalized := input.Sub(mean.Reshape(broadcast...)).Mul(inv)

	return normalized.Mul(bn.weight.Tensor().Reshape(broadcast...)).Add(bn.bias.Tensor().Reshape(broadcast...))
}

// featureRows lays the input out as one row per feature.
func (bn *BatchNorm[B]) featureRows(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if bn.spatial {
		if len(shape) != 4 {
			panic(fmt.Sprintf("batchnorm2d: expected 4D input [N,C,H,W], got %dD", len(shape)))
		}
		if shape[1] != bn.numFeatures {
			panic(fmt.Sprintf("batchnorm2d: input channels %d != expected %d", shape[1], bn.numFeatures))
		}
		return input.Transpose(1, 0, 2, 3).Reshape(bn.numFeatures, shape[0]*shape[2]*shape[3])
	}

	if len(shape) != 2 {
		panic(fmt.Sprintf("batchnorm1d: expected 2D input [N,F], got %dD", len(shape)))
	}
	if shape[1] != bn.numFeatures {
		panic(fmt.Sprintf("batchnorm1d: input features %d != expected %d", shape[1], bn.numFeatures))
	}
	return input.Transpose(1, 0)
}

func (bn *BatchNorm[B]) broadcastShape() []int {
	if bn.spatial {
		return []int{1, bn.numFeatures, 1, 1}
	}
	return []int{1, bn.numFeatures}
}

// updateRunningStats blends the batch statistics into the running buffers.
// The running variance uses the unbiased estimator.
func (bn *BatchNorm[B]) updateRunningStats(mean, variance []float32, samples int) {
	correction := float32(samples) / float32(samples-1)
	runningMean := bn.runningMean.Data()
	runningVar := bn.runningVar.Data()
	for i := range runningMean {
		runningMean[i] = (1-bn.momentum)*runningMean[i] + bn.momentum*mean[i]
		runningVar[i] = (1-bn.momentum)*runningVar[i] + bn.momentum*variance[i]*correction
	}
}

// Parameters returns weight and bias.
func (bn *BatchNorm[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{bn.weight, bn.bias}
}

// RunningMean returns the running mean buffer.
func (bn *BatchNorm[B]) RunningMean() *tensor.Tensor[float32, B] {
	return bn.runningMean
}

// RunningVar returns the running variance buffer.
func (bn *BatchNorm[B]) RunningVar() *tensor.Tensor[float32, B] {
	return bn.runningVar
}

// NumFeatures returns the number of normalized features (or channels).
func (bn *BatchNorm[B]) NumFeatures() int {
	return bn.numFeatures
}

// String returns a human-readable description of the layer.
func (bn *BatchNorm[B]) String() string {
	kind := "BatchNorm1D"
	if bn.spatial {
		kind = "BatchNorm2D"
	}
	return fmt.Sprintf("%s(%d, eps=%g, momentum=%g)", kind, bn.numFeatures, bn.eps, bn.momentum)
}

// StateDict returns weight, bias and the running statistics.
func (bn *BatchNorm[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight":       bn.weight.Tensor().Raw(),
		"bias":         bn.bias.Tensor().Raw(),
		"running_mean": bn.runningMean.Raw(),
		"running_var":  bn.runningVar.Raw(),
	}
}

// LoadStateDict restores weight, bias and the running statistics.
func (bn *BatchNorm[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := LoadParams(bn.Parameters(), stateDict); err != nil {
		return err
	}
	if err := loadInto(bn.runningMean, stateDict, "running_mean"); err != nil {
		return err
	}
	return loadInto(bn.runningVar, stateDict, "running_var")
}
