package layers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

var (
	// ErrMissingTensor is returned when a state dictionary lacks a required entry.
	ErrMissingTensor = errors.New("missing tensor in state dict")
	// ErrTensorMismatch is returned when a state dictionary entry has the wrong shape or dtype.
	ErrTensorMismatch = errors.New("tensor mismatch in state dict")
)

// Layer is anything that owns trainable parameters.
type Layer[B tensor.Backend] interface {
	Parameters() []*nn.Parameter[B]
}

// Stateful is implemented by layers that export their own state dictionary.
type Stateful interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// paramKey strips the layer-type prefix Born puts on parameter names
// ("conv2d.weight" -> "weight").
func paramKey[B tensor.Backend](p *nn.Parameter[B]) string {
	name := p.Name()
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ParamState exports parameters keyed by their short names.
func ParamState[B tensor.Backend](params []*nn.Parameter[B]) map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor, len(params))
	for _, p := range params {
		stateDict[paramKey(p)] = p.Tensor().Raw()
	}
	return stateDict
}

// LoadParams copies state dictionary entries into params, matching by short name.
func LoadParams[B tensor.Backend](params []*nn.Parameter[B], stateDict map[string]*tensor.RawTensor) error {
	for _, p := range params {
		if err := loadInto(p.Tensor(), stateDict, paramKey(p)); err != nil {
			return err
		}
	}
	return nil
}

// loadInto copies stateDict[key] into dst after validating shape and dtype.
func loadInto[B tensor.Backend](dst *tensor.Tensor[float32, B], stateDict map[string]*tensor.RawTensor, key string) error {
	raw, err := checkEntry(stateDict, key, dst.Shape())
	if err != nil {
		return err
	}
	copy(dst.Data(), raw.AsFloat32())
	return nil
}

// checkEntry returns stateDict[key] if it is a float32 tensor of the given shape.
func checkEntry(stateDict map[string]*tensor.RawTensor, key string, shape tensor.Shape) (*tensor.RawTensor, error) {
	raw, ok := stateDict[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, key)
	}
	if !raw.Shape().Equal(shape) {
		return nil, fmt.Errorf("%w: %s shape: expected %v, got %v", ErrTensorMismatch, key, shape, raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		return nil, fmt.Errorf("%w: %s dtype: expected float32, got %v", ErrTensorMismatch, key, raw.DType())
	}
	return raw, nil
}

// Registry keeps a model's layers in declaration order under their
// state-dictionary names. Keys are "<layer>.<tensor>", e.g. "conv1.weight".
type Registry[B tensor.Backend] struct {
	names  []string
	layers map[string]Layer[B]
}

// NewRegistry creates an empty registry.
func NewRegistry[B tensor.Backend]() *Registry[B] {
	return &Registry[B]{layers: make(map[string]Layer[B])}
}

// Add registers layer under name. Panics on duplicate names.
func (r *Registry[B]) Add(name string, layer Layer[B]) {
	if _, dup := r.layers[name]; dup {
		panic(fmt.Sprintf("registry: duplicate layer name %q", name))
	}
	r.names = append(r.names, name)
	r.layers[name] = layer
}

// Names returns layer names in declaration order.
func (r *Registry[B]) Names() []string {
	return append([]string(nil), r.names...)
}

// Layer returns the layer registered under name, or nil.
func (r *Registry[B]) Layer(name string) Layer[B] {
	return r.layers[name]
}

// Parameters returns all parameters in declaration order.
func (r *Registry[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, name := range r.names {
		params = append(params, r.layers[name].Parameters()...)
	}
	return params
}

// SetMode forwards mode to every layer implementing ModeSetter.
func (r *Registry[B]) SetMode(mode Mode) {
	for _, name := range r.names {
		if s, ok := r.layers[name].(ModeSetter); ok {
			s.SetMode(mode)
		}
	}
}

// StateDict returns the prefixed state of every layer.
func (r *Registry[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for _, name := range r.names {
		for key, raw := range layerState(r.layers[name]) {
			stateDict[name+"."+key] = raw
		}
	}
	return stateDict
}

// LoadStateDict loads every registered layer from its prefixed entries.
// Entries that belong to no registered layer are ignored. Nothing is copied
// unless every required entry is present with the expected shape and dtype.
func (r *Registry[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := r.CheckStateDict(stateDict); err != nil {
		return err
	}
	for _, name := range r.names {
		sub := SubState(stateDict, name+".")
		layer := r.layers[name]

		var err error
		if s, ok := layer.(Stateful); ok {
			err = s.LoadStateDict(sub)
		} else {
			err = LoadParams(layer.Parameters(), sub)
		}
		if err != nil {
			return fmt.Errorf("failed to load layer %s: %w", name, err)
		}
	}
	return nil
}

// CheckStateDict reports the first entry of stateDict that is missing or
// does not match the registered layers.
func (r *Registry[B]) CheckStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, name := range r.names {
		for key, want := range layerState(r.layers[name]) {
			if _, err := checkEntry(stateDict, name+"."+key, want.Shape()); err != nil {
				return fmt.Errorf("failed to load layer %s: %w", name, err)
			}
		}
	}
	return nil
}

// NumParameters returns the number of scalar trainable values of the named layer.
func (r *Registry[B]) NumParameters(name string) int {
	total := 0
	for _, p := range r.layers[name].Parameters() {
		total += p.Tensor().Shape().NumElements()
	}
	return total
}

func layerState[B tensor.Backend](layer Layer[B]) map[string]*tensor.RawTensor {
	if s, ok := layer.(Stateful); ok {
		return s.StateDict()
	}
	return ParamState(layer.Parameters())
}

// SubState returns the entries of stateDict starting with prefix, with the
// prefix removed.
func SubState(stateDict map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	sub := make(map[string]*tensor.RawTensor)
	for key, raw := range stateDict {
		if rest, ok := strings.CutPrefix(key, prefix); ok && rest != "" {
			sub[rest] = raw
		}
	}
	return sub
}

// Flatten reshapes [N, d1, d2, ...] into [N, d1*d2*...].
func Flatten[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("flatten: expected at least 2D input, got %dD", len(shape)))
	}
	return x.Reshape(shape[0], shape[1:].NumElements())
}

// Describe returns a one-line description of a layer.
func Describe[B tensor.Backend](layer Layer[B]) string {
	switch l := layer.(type) {
	case fmt.Stringer:
		return l.String()
	case *nn.Linear[B]:
		return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%v)", l.InFeatures(), l.OutFeatures(), l.Bias() != nil)
	default:
		return fmt.Sprintf("%T", layer)
	}
}
