package layers

import "fmt"

// Mode selects between stochastic training behaviour and deterministic
// inference behaviour for layers and models that care about the difference.
type Mode int

const (
	// Training enables sampling and batch-statistics normalization.
	Training Mode = iota
	// Inference disables sampling and normalizes with running statistics.
	Inference
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Training:
		return "training"
	case Inference:
		return "inference"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeSetter is implemented by layers whose forward pass depends on Mode.
type ModeSetter interface {
	SetMode(mode Mode)
}
