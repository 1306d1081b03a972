package selector

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
)

// Compile time check to ensure Prioritized satisfies ItemSelector.
var _ ItemSelector = (*Prioritized)(nil)

// initialSumTreeCapacity is the starting number of slots; the tree grows
// by doubling when exceeded.
const initialSumTreeCapacity = 131072

// maxSumTreeDrift is the tolerated relative deviation between a node's
// stored subtree sum and the value recomputed from its children. Repeated
// partial updates accumulate floating-point rounding; beyond this bound
// the whole tree is rebuilt.
const maxSumTreeDrift = 1e-4

type sumTreeNode struct {
	key core.Key

	// sum is the exponentiated priority of this node plus all of its
	// descendants.
	sum float64

	// value is the exponentiated priority of this node alone. It could
	// be derived from sum, but that derivation loses accuracy as
	// rounding errors accumulate.
	value float64
}

// Prioritized samples keys with probability proportional to their priority
// raised to a configurable exponent. The distribution lives in a sum tree:
// a flat array where each node stores the sum of its subtree, giving
// O(log n) insert, delete, update and sample.
//
// Priorities and sums are stored as float64, so rounding errors creep in
// when key probabilities differ by many orders of magnitude. Keep
// priorities on roughly the same scale and the exponent small (< 2).
type Prioritized struct {
	exponent   float64
	nodes      []sumTreeNode
	size       int
	keyToIndex map[core.Key]int
	rng        *rand.Rand
}

// NewPrioritized creates a new Prioritized selector. The exponent must be
// non-negative; an exponent of zero gives every key with positive priority
// equal probability while zero-priority keys are never sampled.
func NewPrioritized(exponent float64) (*Prioritized, error) {
	if exponent < 0 || math.IsNaN(exponent) {
		return nil, fmt.Errorf("priority exponent must be non-negative, got %v", exponent)
	}
	return &Prioritized{
		exponent:   exponent,
		nodes:      make([]sumTreeNode, initialSumTreeCapacity),
		keyToIndex: make(map[core.Key]int),
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Insert adds a key with the given non-negative priority. O(log n).
func (s *Prioritized) Insert(key core.Key, priority float64) error {
	if _, ok := s.keyToIndex[key]; ok {
		return &ErrKeyExists{Key: key}
	}
	if priority < 0 || math.IsNaN(priority) {
		return ErrNegativePriority
	}
	if s.size == len(s.nodes) {
		grown := make([]sumTreeNode, 2*len(s.nodes))
		copy(grown, s.nodes)
		s.nodes = grown
	}
	i := s.size
	s.size++
	s.nodes[i].key = key
	s.keyToIndex[key] = i
	s.setNode(i, s.exponentiate(priority))
	return nil
}

// Update replaces the priority of a key. O(log n).
func (s *Prioritized) Update(key core.Key, priority float64) error {
	i, ok := s.keyToIndex[key]
	if !ok {
		return &ErrKeyNotFound{Key: key}
	}
	if priority < 0 || math.IsNaN(priority) {
		return ErrNegativePriority
	}
	s.setNode(i, s.exponentiate(priority))
	return nil
}

// Delete removes a key by swapping the last slot into its place. O(log n).
func (s *Prioritized) Delete(key core.Key) error {
	i, ok := s.keyToIndex[key]
	if !ok {
		return &ErrKeyNotFound{Key: key}
	}
	last := s.size - 1
	if i != last {
		moved := s.nodes[last]
		s.nodes[i].key = moved.key
		s.keyToIndex[moved.key] = i
		s.setNode(i, moved.value)
	}
	s.setNode(last, 0)
	s.size--
	delete(s.keyToIndex, key)
	return nil
}

// Sample draws a key with probability value/total by descending the tree
// with a uniform draw from [0, total). O(log n).
func (s *Prioritized) Sample() (KeyWithProbability, error) {
	if s.size == 0 {
		return KeyWithProbability{}, ErrEmpty
	}
	total := s.nodes[0].sum
	if total <= 0 {
		// All priorities are zero; nothing carries mass.
		return KeyWithProbability{}, fmt.Errorf("%w: total priority mass is zero", ErrEmpty)
	}
	u := s.rng.Float64() * total
	i := 0
	for {
		left := 2*i + 1
		if ls := s.nodeSum(left); u < ls {
			i = left
			continue
		} else {
			u -= ls
		}
		if u < s.nodes[i].value {
			break
		}
		u -= s.nodes[i].value
		i = 2*i + 2
		if i >= s.size {
			// Rounding pushed the draw past every slot; settle on
			// the last populated slot.
			i = s.size - 1
			break
		}
	}
	return KeyWithProbability{
		Key:         s.nodes[i].key,
		Probability: s.nodes[i].value / total,
	}, nil
}

// Clear removes all keys. O(n).
func (s *Prioritized) Clear() {
	for i := range s.size {
		s.nodes[i] = sumTreeNode{}
	}
	s.size = 0
	clear(s.keyToIndex)
}

// Len returns the number of keys currently held.
func (s *Prioritized) Len() int {
	return s.size
}

// Options describes the distribution.
func (s *Prioritized) Options() model.SelectorOptions {
	return model.SelectorOptions{
		Kind:             model.SelectorKindPrioritized,
		PriorityExponent: s.exponent,
		IsDeterministic:  false,
	}
}

// String returns a debug representation.
func (s *Prioritized) String() string {
	return fmt.Sprintf("Prioritized(exponent=%v, len=%d)", s.exponent, s.size)
}

// TotalMass returns the root sum. Exposed for tests.
func (s *Prioritized) TotalMass() float64 {
	if s.size == 0 {
		return 0
	}
	return s.nodes[0].sum
}

func (s *Prioritized) exponentiate(priority float64) float64 {
	if priority == 0 {
		return 0
	}
	return math.Pow(priority, s.exponent)
}

// nodeSum returns the subtree sum at index, or 0 when the index lies
// beyond the populated range.
func (s *Prioritized) nodeSum(i int) float64 {
	if i >= s.size {
		return 0
	}
	return s.nodes[i].sum
}

// setNode replaces the value at index and propagates the delta to every
// ancestor. When the propagated sums have drifted from their recomputed
// counterparts by more than maxSumTreeDrift the tree is rebuilt in O(n);
// otherwise the operation is O(log n).
func (s *Prioritized) setNode(i int, value float64) {
	delta := value - s.nodes[i].value
	s.nodes[i].value = value
	s.nodes[i].sum += delta
	if s.driftExceeded(i) {
		s.rebuild()
		return
	}
	for i > 0 {
		i = (i - 1) / 2
		s.nodes[i].sum += delta
		if s.driftExceeded(i) {
			s.rebuild()
			return
		}
	}
}

func (s *Prioritized) driftExceeded(i int) bool {
	want := s.nodes[i].value + s.nodeSum(2*i+1) + s.nodeSum(2*i+2)
	return math.Abs(s.nodes[i].sum-want) > maxSumTreeDrift*math.Abs(want)
}

// rebuild recomputes every subtree sum from the stored values, bottom up.
// Sums may even have gone negative through rounding (x - (x + eps) < 0),
// which a rebuild repairs.
func (s *Prioritized) rebuild() {
	for i := s.size - 1; i >= 0; i-- {
		s.nodes[i].sum = s.nodes[i].value + s.nodeSum(2*i+1) + s.nodeSum(2*i+2)
	}
}
