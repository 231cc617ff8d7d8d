// Package randstream provides the seeded, serializable random stream used
// everywhere the engine needs determinism: sampling, stochastic
// tie-breaking, and random-pick from an IndexSet (spec.md §6).
package randstream

import (
	"encoding/hex"
	"fmt"
	"math/rand/v2"
)

// Stream is a seeded PRNG whose state can be serialized to a string and
// whose descendants ("other streams") are derived deterministically, so a
// query re-run with the same seed produces identical output even when the
// work is fanned out across goroutines (spec.md §5 ordering guarantees,
// §8 property 2).
type Stream struct {
	pcg *rand.PCG
	rng *rand.Rand
}

func newStream(pcg *rand.PCG) *Stream {
	return &Stream{pcg: pcg, rng: rand.New(pcg)}
}

// NewFromSeedString derives a Stream deterministically from an arbitrary
// seed string, matching the external interface's "random seed string"
// query parameter (spec.md §6).
func NewFromSeedString(seed string) *Stream {
	var h1, h2 uint64 = 14695981039346656037, 1099511628211
	for _, b := range []byte(seed) {
		h1 ^= uint64(b)
		h1 *= 1099511628211
		h2 = h2*31 + uint64(b)
	}
	return newStream(rand.NewPCG(h1, h2))
}

// NewFromState reconstructs a Stream from a string previously produced by
// State; the restored stream continues exactly where the original left
// off.
func NewFromState(state string) (*Stream, error) {
	raw, err := hex.DecodeString(state)
	if err != nil {
		return nil, fmt.Errorf("randstream: invalid state %q", state)
	}
	pcg := &rand.PCG{}
	if err := pcg.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("randstream: invalid state %q: %w", state, err)
	}
	return newStream(pcg), nil
}

// State serializes the generator's exact current state so it can be
// persisted and later reconstructed with NewFromState.
func (s *Stream) State() string {
	raw, err := s.pcg.MarshalBinary()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

// Float64 returns a uniform draw in [0, 1).
func (s *Stream) Float64() float64 { return s.rng.Float64() }

// Intn returns a uniform draw in [0, n).
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return s.rng.IntN(n)
}

// Bool returns true with the given probability.
func (s *Stream) Bool(probability float64) bool {
	return s.rng.Float64() < probability
}

// CreateOtherStream deterministically derives a new, independent-looking
// Stream from this one, for fanning work out across goroutines without
// losing determinism (spec.md §6 "create_other_stream_via_rand").
func (s *Stream) CreateOtherStream() *Stream {
	s1 := s.rng.Uint64()
	s2 := s.rng.Uint64()
	return newStream(rand.NewPCG(s1, s2))
}
