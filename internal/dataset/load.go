package dataset

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Load reads a dataset, picking the reader from the file name:
//
//	*.npy                    LoadNPY
//	*.npz, *.npz:<array>     LoadNPZ
//	*-ubyte, *.idx, *.gz     LoadIDX
func Load(path string) (*Dataset, error) {
	file, key := path, ""
	if i := strings.LastIndex(path, ".npz:"); i >= 0 {
		file, key = path[:i+len(".npz")], path[i+len(".npz:"):]
	}

	base := strings.ToLower(filepath.Base(file))
	var (
		d   *Dataset
		err error
	)
	switch {
	case strings.HasSuffix(base, ".npy"):
		d, err = LoadNPY(file)
	case strings.HasSuffix(base, ".npz"):
		d, err = LoadNPZ(file, key)
	case strings.HasSuffix(base, "-ubyte"), strings.HasSuffix(base, ".idx"),
		strings.HasSuffix(base, "-ubyte.gz"), strings.HasSuffix(base, ".idx.gz"):
		d, err = LoadIDX(file)
	default:
		return nil, fmt.Errorf("%w: cannot infer format of %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", path, err)
	}
	return d, nil
}
