// Package imageio renders image batches as PNG grids.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/draw"

	"github.com/born-ml/autoencoders/internal/dataset"
)

// Gap is the number of background pixels between grid cells, before scaling.
const Gap = 1

// ToImage converts one [C, H, W] sample with values in [0, 1] to an image.
// One channel gives a grayscale image, three give RGB. Other channel counts
// render the first channel. Values outside [0, 1] are clamped.
func ToImage(sample []float32, c, h, w int) image.Image {
	plane := h * w
	if len(sample) != c*plane {
		panic(fmt.Sprintf("imageio: %d values for shape [%d, %d, %d]", len(sample), c, h, w))
	}

	if c != 3 {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for i := range plane {
			img.Pix[i] = toByte(sample[i])
		}
		return img
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range plane {
		img.Pix[4*i] = toByte(sample[i])
		img.Pix[4*i+1] = toByte(sample[plane+i])
		img.Pix[4*i+2] = toByte(sample[2*plane+i])
		img.Pix[4*i+3] = 0xff
	}
	return img
}

// Grid lays out rows of datasets, one image per column, scaled by scale
// with nearest-neighbour sampling. All rows must share the same shape.
// At most cols images are taken from each row.
func Grid(rows []*dataset.Dataset, cols, scale int) (image.Image, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to render")
	}
	if scale < 1 {
		return nil, fmt.Errorf("invalid scale %d", scale)
	}
	first := rows[0]
	for i, r := range rows {
		if err := r.CheckShape(first.C, first.H, first.W); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		cols = min(cols, r.N)
	}
	if cols <= 0 {
		return nil, fmt.Errorf("no images to render")
	}

	cellW, cellH := first.W*scale, first.H*scale
	gap := Gap * scale
	width := cols*cellW + (cols+1)*gap
	height := len(rows)*cellH + (len(rows)+1)*gap

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)

	for y, r := range rows {
		for x := range cols {
			src := ToImage(r.Sample(x), r.C, r.H, r.W)
			minX := gap + x*(cellW+gap)
			minY := gap + y*(cellH+gap)
			cell := image.Rect(minX, minY, minX+cellW, minY+cellH)
			draw.NearestNeighbor.Scale(dst, cell, src, src.Bounds(), draw.Src, nil)
		}
	}
	return dst, nil
}

// WriteComparison writes a two-row PNG: originals on top and their
// reconstructions below.
func WriteComparison(w io.Writer, originals, reconstructions *dataset.Dataset, cols, scale int) error {
	img, err := Grid([]*dataset.Dataset{originals, reconstructions}, cols, scale)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// WriteComparisonFile writes the comparison PNG to path.
func WriteComparisonFile(path string, originals, reconstructions *dataset.Dataset, cols, scale int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteComparison(f, originals, reconstructions, cols, scale)
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0 || v != v:
		return 0
	case v >= 1:
		return 0xff
	default:
		return uint8(v*255 + 0.5)
	}
}
