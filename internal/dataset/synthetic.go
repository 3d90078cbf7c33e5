package dataset

import (
	"math"

	"github.com/born-ml/autoencoders/internal/noise"
)

// Synthetic generates n images of smooth Gaussian blobs with values in
// [0, 1]. Each image holds one to three blobs with random centre, radius
// and per-channel intensity.
func Synthetic(n, c, h, w int, src *noise.Source) *Dataset {
	d := &Dataset{Images: make([]float32, n*c*h*w), N: n, C: c, H: h, W: w}

	for i := 0; i < n; i++ {
		img := d.Sample(i)
		blobs := 1 + int(src.Float64()*3)
		for range blobs {
			cy := src.Float64() * float64(h)
			cx := src.Float64() * float64(w)
			sigma := (0.1 + 0.2*src.Float64()) * float64(min(h, w))
			intensity := make([]float64, c)
			for ch := range intensity {
				intensity[ch] = 0.3 + 0.7*src.Float64()
			}

			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					dy, dx := float64(y)-cy, float64(x)-cx
					g := math.Exp(-(dy*dy + dx*dx) / (2 * sigma * sigma))
					for ch := 0; ch < c; ch++ {
						idx := (ch*h+y)*w + x
						img[idx] = float32(math.Min(1, float64(img[idx])+g*intensity[ch]))
					}
				}
			}
		}
	}

	return d
}
