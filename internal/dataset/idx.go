package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	idxImageMagic = 2051
	// maxIDXImageSize bounds rows*cols read from an IDX header.
	maxIDXImageSize = 1 << 24
	// idxPrealloc is the number of images allocated up front. The rest
	// grow as data actually arrives, so a corrupt count cannot force a
	// huge allocation.
	idxPrealloc = 1024
)

// LoadIDX reads an IDX3 image file (MNIST format) as single-channel images
// with pixel values scaled to [0, 1]. Files ending in ".gz" are decompressed.
//
// IDX3 layout:
//
//	magic number: 0x00000803 (2051)
//	number of images: 4 bytes
//	number of rows: 4 bytes
//	number of cols: 4 bytes
//	pixel data: unsigned bytes (0-255)
func LoadIDX(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	return readIDX(r)
}

func readIDX(r io.Reader) (*Dataset, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read IDX header: %w", err)
	}
	if header[0] != idxImageMagic {
		return nil, fmt.Errorf("%w: invalid IDX magic number: got %d, want %d", ErrUnsupportedFormat, header[0], idxImageMagic)
	}

	n, rows, cols := int(header[1]), int(header[2]), int(header[3])
	if rows == 0 || cols == 0 || uint64(header[2])*uint64(header[3]) > maxIDXImageSize {
		return nil, fmt.Errorf("%w: invalid IDX image size %dx%d", ErrShapeMismatch, rows, cols)
	}

	size := rows * cols
	images := make([]float32, 0, min(n, idxPrealloc)*size)
	buf := make([]byte, size)
	for i := range n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read image %d of %d: %w", i, n, err)
		}
		images = appendNormalized(images, buf)
	}

	return New(images, n, 1, rows, cols)
}

// normalizeBytes maps 0..255 to [0, 1].
func normalizeBytes(pixels []byte) []float32 {
	return appendNormalized(make([]float32, 0, len(pixels)), pixels)
}

func appendNormalized(dst []float32, pixels []byte) []float32 {
	for _, p := range pixels {
		dst = append(dst, float32(p)/255)
	}
	return dst
}
