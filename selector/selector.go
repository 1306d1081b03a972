// Package selector provides the interchangeable discrete distributions a
// table samples and removes item keys with.
//
// Five variants share one interface: Uniform, Fifo, Lifo, Prioritized and
// Heap. All of them support Insert, Delete, Update and Sample in sublinear
// time. None of them is safe for concurrent use; the owning table's mutex
// serializes access.
package selector

import (
	"errors"
	"fmt"

	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
)

var (
	// ErrEmpty is returned by Sample when the selector holds no keys.
	ErrEmpty = errors.New("selector is empty")

	// ErrNegativePriority is returned when a priority-sensitive selector
	// receives a negative priority.
	ErrNegativePriority = errors.New("priority must be non-negative")
)

// ErrKeyExists indicates an Insert of a key that is already present.
type ErrKeyExists struct {
	Key core.Key
}

func (e *ErrKeyExists) Error() string {
	return fmt.Sprintf("key %d already inserted", e.Key)
}

// ErrKeyNotFound indicates a Delete or Update of an unknown key.
type ErrKeyNotFound struct {
	Key core.Key
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %d not found", e.Key)
}

// KeyWithProbability is the result of a Sample call: the drawn key and the
// probability with which it was drawn.
type KeyWithProbability struct {
	Key core.Key

	// Probability is 1 for deterministic selectors and the exact
	// distribution mass of the key otherwise.
	Probability float64
}

// ItemSelector maintains a dynamic discrete distribution over item keys.
type ItemSelector interface {
	// Insert adds a key. Fails with ErrKeyExists if the key is present
	// and ErrNegativePriority where priorities apply.
	Insert(key core.Key, priority float64) error

	// Delete removes a key. Fails with ErrKeyNotFound for unknown keys.
	Delete(key core.Key) error

	// Update changes the priority of a key. Fails with ErrKeyNotFound
	// for unknown keys. Selectors that ignore priority still enforce
	// key existence.
	Update(key core.Key, priority float64) error

	// Sample draws a key from the distribution. Fails with ErrEmpty
	// when no keys are present.
	Sample() (KeyWithProbability, error)

	// Clear removes all keys.
	Clear()

	// Len returns the number of keys currently held.
	Len() int

	// Options describes the distribution.
	Options() model.SelectorOptions
}

// New constructs a selector from its descriptor. Used when restoring
// checkpoints and when building tables from configuration.
func New(opts model.SelectorOptions) (ItemSelector, error) {
	switch opts.Kind {
	case model.SelectorKindUniform:
		return NewUniform(), nil
	case model.SelectorKindFifo:
		return NewFifo(), nil
	case model.SelectorKindLifo:
		return NewLifo(), nil
	case model.SelectorKindPrioritized:
		return NewPrioritized(opts.PriorityExponent)
	case model.SelectorKindHeap:
		return NewHeap(opts.MinHeap), nil
	default:
		return nil, fmt.Errorf("unknown selector kind: %d", opts.Kind)
	}
}
