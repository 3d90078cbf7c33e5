// Package noise provides the random source the autoencoders draw their
// sampling and corruption noise from.
//
// A Source is owned by a model instance and passed in at construction, so a
// fixed seed makes every forward pass reproducible while unseeded sources
// still produce fresh noise on every call.
package noise

import (
	"math/rand/v2"
	"sync"

	"github.com/born-ml/born/tensor"
)

// Source is a goroutine-safe pseudo-random generator.
type Source struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSource returns a deterministic source for the given seed.
func NewSource(seed uint64) *Source {
	return &Source{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandomSource returns a source seeded from the runtime's random state.
func NewRandomSource() *Source {
	return &Source{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NormFloat64 returns a standard normal draw.
func (s *Source) NormFloat64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.NormFloat64()
}

// Float64 returns a uniform draw from [0, 1).
func (s *Source) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Uint64 returns a uniform 64-bit draw.
func (s *Source) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Uint64()
}

// Perm returns a random permutation of [0, n).
func (s *Source) Perm(n int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Perm(n)
}

// fill writes n draws produced by next into dst while holding the lock once.
func (s *Source) fill(dst []float32, next func(r *rand.Rand) float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range dst {
		dst[i] = next(s.rng)
	}
}

// Normal returns a new tensor of the given shape filled with N(0, 1) draws.
func Normal[B tensor.Backend](s *Source, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	raw, err := tensor.NewRaw(shape, tensor.Float32, backend.Device())
	if err != nil {
		panic(err)
	}
	s.fill(raw.AsFloat32(), func(r *rand.Rand) float32 {
		return float32(r.NormFloat64())
	})
	return tensor.New[float32, B](raw, backend)
}

// Uniform returns a new tensor of the given shape filled with U(lo, hi) draws.
func Uniform[B tensor.Backend](s *Source, shape tensor.Shape, lo, hi float32, backend B) *tensor.Tensor[float32, B] {
	raw, err := tensor.NewRaw(shape, tensor.Float32, backend.Device())
	if err != nil {
		panic(err)
	}
	span := hi - lo
	s.fill(raw.AsFloat32(), func(r *rand.Rand) float32 {
		return lo + span*r.Float32()
	})
	return tensor.New[float32, B](raw, backend)
}
