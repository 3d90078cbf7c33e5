// Package checkpoint saves and restores trained autoencoders.
//
// Weights are written in Born's native .born format. The configuration the
// model was built from is stored next to it as "<path>.yaml" so that a
// checkpoint can be reopened without knowing its hyperparameters.
package checkpoint

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"

	"github.com/born-ml/autoencoders/internal/config"
)

// ErrKindMismatch is returned when a checkpoint holds a different model type.
var ErrKindMismatch = errors.New("checkpoint model kind mismatch")

// Metadata keys written to every checkpoint.
const (
	MetaRunID     = "run_id"
	MetaKind      = "kind"
	MetaCreatedAt = "created_at"
)

// Model is a trained autoencoder that can be persisted.
type Model[B tensor.Backend] interface {
	Reconstruct(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
	Parameters() []*nn.Parameter[B]
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// module presents a Model as an nn.Module whose forward pass is the
// reconstruction.
type module[B tensor.Backend] struct {
	Model[B]
}

func (m module[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return m.Reconstruct(x)
}

// capture is handed to nn.Load so the stored tensors can be inspected
// before any of them reach the model.
type capture[B tensor.Backend] struct {
	module[B]
	stateDict map[string]*tensor.RawTensor
}

func (c *capture[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	c.stateDict = stateDict
	return nil
}

// Info describes a stored checkpoint.
type Info struct {
	Kind      string
	RunID     string
	CreatedAt time.Time
	Metadata  map[string]string
}

// SidecarPath returns the path of the configuration stored with a checkpoint.
func SidecarPath(path string) string {
	return path + ".yaml"
}

// Save writes the model weights to path and cfg to SidecarPath(path).
// An empty run_id in meta is replaced by a new UUID. The returned Info
// holds the metadata that was written.
func Save[B tensor.Backend](path string, model Model[B], cfg *config.File, meta map[string]string) (Info, error) {
	info := Info{
		Kind:      cfg.Model,
		RunID:     meta[MetaRunID],
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]string, len(meta)+3),
	}
	if info.RunID == "" {
		info.RunID = uuid.NewString()
	}

	maps.Copy(info.Metadata, meta)
	info.Metadata[MetaRunID] = info.RunID
	info.Metadata[MetaKind] = info.Kind
	info.Metadata[MetaCreatedAt] = info.CreatedAt.Format(time.RFC3339)

	if err := nn.Save[B](module[B]{model}, path, info.Kind, info.Metadata); err != nil {
		return Info{}, fmt.Errorf("failed to save checkpoint %s: %w", path, err)
	}
	if err := cfg.Save(SidecarPath(path)); err != nil {
		return Info{}, fmt.Errorf("failed to save checkpoint config: %w", err)
	}
	return info, nil
}

// ReadConfig reads the configuration stored with the checkpoint at path.
func ReadConfig(path string) (*config.File, error) {
	cfg, err := config.Load(SidecarPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint config: %w", err)
	}
	return cfg, nil
}

// Load restores weights from path into model, which must be of the given
// kind. The sidecar configuration, when present, is checked before any
// tensor is read, and the header kind before the model is touched.
func Load[B tensor.Backend](path string, backend B, model Model[B], kind string) (Info, error) {
	if cfg, err := config.Load(SidecarPath(path)); err == nil && cfg.Model != kind {
		return Info{}, fmt.Errorf("%w: %s holds a %s, want %s", ErrKindMismatch, path, cfg.Model, kind)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Info{}, fmt.Errorf("failed to read checkpoint config: %w", err)
	}

	stored := &capture[B]{module: module[B]{model}}
	header, err := nn.Load[B](path, backend, stored)
	if err != nil {
		return Info{}, fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}
	if header.ModelType != kind {
		return Info{}, fmt.Errorf("%w: %s holds a %s, want %s", ErrKindMismatch, path, header.ModelType, kind)
	}
	if err := model.LoadStateDict(stored.stateDict); err != nil {
		return Info{}, fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}

	return Info{
		Kind:      header.ModelType,
		RunID:     header.Metadata[MetaRunID],
		CreatedAt: header.CreatedAt,
		Metadata:  header.Metadata,
	}, nil
}
