package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
)

// LoadNPY reads a NumPy array of rank 3 ([N, H, W]) or rank 4 ([N, C, H, W]).
// uint8 arrays are scaled to [0, 1]; float32 and float64 arrays are used as is.
func LoadNPY(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("while reading npy header: %w", err)
	}

	return fromArray(r.Header.Descr.Type, r.Header.Descr.Shape, r.Header.Descr.Fortran, r.Read)
}

// LoadNPZ reads one array of a NumPy .npz archive. An empty key selects the
// first array in the archive.
func LoadNPZ(path, key string) (*Dataset, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, fmt.Errorf("while opening npz archive: %w", err)
	}
	defer r.Close()

	keys := r.Keys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: npz archive %s is empty", ErrUnsupportedFormat, path)
	}
	if key == "" {
		key = keys[0]
	}
	if !slices.Contains(keys, key) {
		// Keys are stored with their .npy suffix.
		if slices.Contains(keys, key+".npy") {
			key += ".npy"
		} else {
			return nil, fmt.Errorf("%w: array %q not found in %s (have %v)", ErrUnsupportedFormat, key, path, keys)
		}
	}

	header := r.Header(key)
	read := func(ptr any) error { return r.Read(key, ptr) }
	ds, err := fromArray(header.Descr.Type, header.Descr.Shape, header.Descr.Fortran, read)
	if err != nil {
		return nil, fmt.Errorf("while reading %s: %w", key, err)
	}
	return ds, nil
}

// fromArray converts a C-ordered array read through read into a Dataset.
func fromArray(dtype string, shape []int, fortran bool, read func(ptr any) error) (*Dataset, error) {
	if fortran {
		return nil, fmt.Errorf("%w: Fortran-ordered arrays", ErrUnsupportedFormat)
	}

	var n, c, h, w int
	switch len(shape) {
	case 3:
		n, c, h, w = shape[0], 1, shape[1], shape[2]
	case 4:
		n, c, h, w = shape[0], shape[1], shape[2], shape[3]
	default:
		return nil, fmt.Errorf("%w: expected rank 3 or 4 array, got shape %v", ErrShapeMismatch, shape)
	}

	var images []float32
	switch dtype {
	case "|u1", "<u1", "u1":
		var raw []uint8
		if err := read(&raw); err != nil {
			return nil, fmt.Errorf("while reading uint8 array: %w", err)
		}
		images = normalizeBytes(raw)
	case "<f4":
		if err := read(&images); err != nil {
			return nil, fmt.Errorf("while reading float32 array: %w", err)
		}
	case "<f8":
		var raw []float64
		if err := read(&raw); err != nil {
			return nil, fmt.Errorf("while reading float64 array: %w", err)
		}
		images = make([]float32, len(raw))
		for i, v := range raw {
			images[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("%w: dtype %q", ErrUnsupportedFormat, dtype)
	}

	return New(images, n, c, h, w)
}

// SaveNPY writes the dataset as a little-endian float32 [N, C, H, W] array.
func SaveNPY(path string, d *Dataset) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	if err := writeNPYHeader(w, "<f4", []int{d.N, d.C, d.H, d.W}); err != nil {
		return fmt.Errorf("while writing npy header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, d.Images); err != nil {
		return fmt.Errorf("while writing npy data: %w", err)
	}
	return w.Flush()
}

// writeNPYHeader writes a version 1.0 .npy header for a C-ordered array.
func writeNPYHeader(w io.Writer, dtype string, shape []int) error {
	dims := ""
	for _, d := range shape {
		dims += fmt.Sprintf("%d, ", d)
	}
	if len(shape) > 1 {
		dims = dims[:len(dims)-2]
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", dtype, dims)

	// magic(6) + version(2) + header length(2) + dict + padding + '\n' is a multiple of 64.
	total := 10 + len(dict) + 1
	pad := (64 - total%64) % 64
	for range pad {
		dict += " "
	}
	dict += "\n"

	header := []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 1, 0, byte(len(dict)), byte(len(dict) >> 8)}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := io.WriteString(w, dict)
	return err
}
