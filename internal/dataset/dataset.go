// Package dataset holds image collections in NCHW float32 layout and turns
// them into batches for the trainer.
package dataset

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/autoencoders/internal/noise"
)

var (
	// ErrShapeMismatch is returned when image data does not have the expected shape.
	ErrShapeMismatch = errors.New("dataset shape mismatch")
	// ErrUnsupportedFormat is returned for files or arrays that cannot be read as images.
	ErrUnsupportedFormat = errors.New("unsupported dataset format")
)

// Dataset is a set of N images of shape [C, H, W] stored contiguously.
type Dataset struct {
	Images []float32
	N      int
	C      int
	H      int
	W      int
}

// New wraps images after checking that len(images) == n*c*h*w.
func New(images []float32, n, c, h, w int) (*Dataset, error) {
	if n < 0 || c <= 0 || h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: invalid shape [%d, %d, %d, %d]", ErrShapeMismatch, n, c, h, w)
	}
	if len(images) != n*c*h*w {
		return nil, fmt.Errorf("%w: %d values for shape [%d, %d, %d, %d]", ErrShapeMismatch, len(images), n, c, h, w)
	}
	return &Dataset{Images: images, N: n, C: c, H: h, W: w}, nil
}

// SampleSize returns the number of values per image.
func (d *Dataset) SampleSize() int {
	return d.C * d.H * d.W
}

// Sample returns image i without copying.
func (d *Dataset) Sample(i int) []float32 {
	size := d.SampleSize()
	return d.Images[i*size : (i+1)*size]
}

// Subset returns a new dataset holding copies of the given images in order.
func (d *Dataset) Subset(indices []int) *Dataset {
	size := d.SampleSize()
	images := make([]float32, 0, len(indices)*size)
	for _, i := range indices {
		images = append(images, d.Sample(i)...)
	}
	return &Dataset{Images: images, N: len(indices), C: d.C, H: d.H, W: d.W}
}

// Split returns the first (1-valFrac) of the images for training and the
// rest for validation. Shuffle first for a random split.
func (d *Dataset) Split(valFrac float64) (train, val *Dataset) {
	if valFrac < 0 {
		valFrac = 0
	}
	if valFrac > 1 {
		valFrac = 1
	}
	nVal := int(float64(d.N) * valFrac)
	nTrain := d.N - nVal
	cut := nTrain * d.SampleSize()

	train = &Dataset{Images: d.Images[:cut], N: nTrain, C: d.C, H: d.H, W: d.W}
	val = &Dataset{Images: d.Images[cut:], N: nVal, C: d.C, H: d.H, W: d.W}
	return train, val
}

// Shuffle reorders the images in place.
func (d *Dataset) Shuffle(src *noise.Source) {
	shuffled := d.Subset(src.Perm(d.N))
	copy(d.Images, shuffled.Images)
}

// CheckShape returns ErrShapeMismatch unless images are [c, h, w].
func (d *Dataset) CheckShape(c, h, w int) error {
	if d.C != c || d.H != h || d.W != w {
		return fmt.Errorf("%w: images are [%d, %d, %d], model expects [%d, %d, %d]",
			ErrShapeMismatch, d.C, d.H, d.W, c, h, w)
	}
	return nil
}

// Stats returns the mean and standard deviation of all pixel values.
func (d *Dataset) Stats() (mean, std float64) {
	values := make([]float64, len(d.Images))
	for i, v := range d.Images {
		values[i] = float64(v)
	}
	return stat.MeanStdDev(values, nil)
}

// String returns a short description of the dataset.
func (d *Dataset) String() string {
	return fmt.Sprintf("Dataset(n=%d, shape=[%d, %d, %d])", d.N, d.C, d.H, d.W)
}

// Batch returns images [start, end) as a [end-start, C, H, W] tensor.
func Batch[B tensor.Backend](d *Dataset, start, end int, backend B) (*tensor.Tensor[float32, B], error) {
	if start < 0 || end > d.N || start >= end {
		return nil, fmt.Errorf("batch range [%d, %d) out of bounds for %d images", start, end, d.N)
	}
	size := d.SampleSize()
	data := make([]float32, (end-start)*size)
	copy(data, d.Images[start*size:end*size])

	t, err := tensor.FromSlice(data, tensor.Shape{end - start, d.C, d.H, d.W}, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch tensor: %w", err)
	}
	return t, nil
}

// Batches splits the dataset into consecutive batches of batchSize images.
// The last batch holds the remainder and may be smaller.
func Batches[B tensor.Backend](d *Dataset, batchSize int, backend B) ([]*tensor.Tensor[float32, B], error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	batches := make([]*tensor.Tensor[float32, B], 0, (d.N+batchSize-1)/batchSize)
	for start := 0; start < d.N; start += batchSize {
		end := min(start+batchSize, d.N)
		b, err := Batch(d, start, end, backend)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}
