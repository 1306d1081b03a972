package selector

import (
	"fmt"
	"math/rand/v2"

	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
)

// Compile time check to ensure Uniform satisfies the ItemSelector interface.
var _ ItemSelector = (*Uniform)(nil)

// Uniform samples every key with equal probability. Keys live in a flat
// slice with a key-to-index map; Delete swaps the tail into the freed slot
// so all operations are O(1).
type Uniform struct {
	keys       []core.Key
	keyToIndex map[core.Key]int
	rng        *rand.Rand
}

// NewUniform creates a new Uniform selector.
func NewUniform() *Uniform {
	return &Uniform{
		keyToIndex: make(map[core.Key]int),
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Insert adds a key. The priority is ignored.
func (s *Uniform) Insert(key core.Key, _ float64) error {
	if _, ok := s.keyToIndex[key]; ok {
		return &ErrKeyExists{Key: key}
	}
	s.keyToIndex[key] = len(s.keys)
	s.keys = append(s.keys, key)
	return nil
}

// Delete removes a key by swapping the last key into its slot.
func (s *Uniform) Delete(key core.Key) error {
	i, ok := s.keyToIndex[key]
	if !ok {
		return &ErrKeyNotFound{Key: key}
	}
	last := len(s.keys) - 1
	moved := s.keys[last]
	s.keys[i] = moved
	s.keyToIndex[moved] = i
	s.keys = s.keys[:last]
	delete(s.keyToIndex, key)
	return nil
}

// Update only verifies key existence; the distribution is unaffected.
func (s *Uniform) Update(key core.Key, _ float64) error {
	if _, ok := s.keyToIndex[key]; !ok {
		return &ErrKeyNotFound{Key: key}
	}
	return nil
}

// Sample draws a key uniformly. The reported probability is 1/n.
func (s *Uniform) Sample() (KeyWithProbability, error) {
	n := len(s.keys)
	if n == 0 {
		return KeyWithProbability{}, ErrEmpty
	}
	return KeyWithProbability{
		Key:         s.keys[s.rng.IntN(n)],
		Probability: 1 / float64(n),
	}, nil
}

// Clear removes all keys.
func (s *Uniform) Clear() {
	s.keys = s.keys[:0]
	clear(s.keyToIndex)
}

// Len returns the number of keys currently held.
func (s *Uniform) Len() int {
	return len(s.keys)
}

// Options describes the distribution.
func (s *Uniform) Options() model.SelectorOptions {
	return model.SelectorOptions{
		Kind:            model.SelectorKindUniform,
		IsDeterministic: false,
	}
}

// String returns a debug representation.
func (s *Uniform) String() string {
	return fmt.Sprintf("Uniform(len=%d)", len(s.keys))
}
