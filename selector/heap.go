package selector

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
)

// Compile time checks for the heap selector and its backing heap.
var (
	_ ItemSelector   = (*Heap)(nil)
	_ heap.Interface = (*priorityHeap)(nil)
)

// heapNode is one entry of the backing binary heap.
type heapNode struct {
	key core.Key

	// priority is the sign-adjusted priority: negated for max-heaps so
	// the backing heap can always be a min-heap.
	priority float64

	// updateNumber breaks priority ties deterministically. It increases
	// on every insert and update, so re-prioritized keys move to the
	// newest position among their ties. Callers rely on this to build
	// LRU-style policies by re-updating keys on every touch.
	updateNumber uint64

	// index is maintained by the heap.Interface methods.
	index int
}

// priorityHeap implements heap.Interface over heapNodes.
type priorityHeap struct {
	items []*heapNode
}

func (h *priorityHeap) Len() int { return len(h.items) }

func (h *priorityHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.updateNumber < b.updateNumber
}

func (h *priorityHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *priorityHeap) Push(x any) {
	node, _ := x.(*heapNode)
	node.index = len(h.items)
	h.items = append(h.items, node)
}

func (h *priorityHeap) Pop() any {
	old := h.items
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.index = -1
	h.items = old[:n-1]
	return node
}

// Heap deterministically samples the key with the lowest (min-heap) or
// highest (max-heap) priority. Ties are broken by insertion/update order.
type Heap struct {
	sign        float64
	updateCount uint64
	heap        priorityHeap
	nodes       map[core.Key]*heapNode
}

// NewHeap creates a new Heap selector. minHeap selects whether Sample
// returns the lowest-priority key (true) or the highest (false).
func NewHeap(minHeap bool) *Heap {
	sign := 1.0
	if !minHeap {
		sign = -1.0
	}
	return &Heap{
		sign:  sign,
		nodes: make(map[core.Key]*heapNode),
	}
}

// Insert adds a key with the given priority. O(log n).
func (s *Heap) Insert(key core.Key, priority float64) error {
	if _, ok := s.nodes[key]; ok {
		return &ErrKeyExists{Key: key}
	}
	if priority < 0 || math.IsNaN(priority) {
		return ErrNegativePriority
	}
	node := &heapNode{
		key:          key,
		priority:     priority * s.sign,
		updateNumber: s.updateCount,
	}
	s.updateCount++
	s.nodes[key] = node
	heap.Push(&s.heap, node)
	return nil
}

// Delete removes a key. O(log n).
func (s *Heap) Delete(key core.Key) error {
	node, ok := s.nodes[key]
	if !ok {
		return &ErrKeyNotFound{Key: key}
	}
	heap.Remove(&s.heap, node.index)
	delete(s.nodes, key)
	return nil
}

// Update changes the priority of a key and re-heapifies around it. O(log n).
func (s *Heap) Update(key core.Key, priority float64) error {
	node, ok := s.nodes[key]
	if !ok {
		return &ErrKeyNotFound{Key: key}
	}
	if priority < 0 || math.IsNaN(priority) {
		return ErrNegativePriority
	}
	node.priority = priority * s.sign
	node.updateNumber = s.updateCount
	s.updateCount++
	heap.Fix(&s.heap, node.index)
	return nil
}

// Sample returns the root of the heap with probability 1.
func (s *Heap) Sample() (KeyWithProbability, error) {
	if len(s.heap.items) == 0 {
		return KeyWithProbability{}, ErrEmpty
	}
	return KeyWithProbability{Key: s.heap.items[0].key, Probability: 1}, nil
}

// Clear removes all keys.
func (s *Heap) Clear() {
	s.heap.items = s.heap.items[:0]
	clear(s.nodes)
}

// Len returns the number of keys currently held.
func (s *Heap) Len() int {
	return len(s.heap.items)
}

// Options describes the distribution.
func (s *Heap) Options() model.SelectorOptions {
	return model.SelectorOptions{
		Kind:            model.SelectorKindHeap,
		MinHeap:         s.sign == 1,
		IsDeterministic: true,
	}
}

// String returns a debug representation.
func (s *Heap) String() string {
	return fmt.Sprintf("Heap(sign=%v, len=%d)", s.sign, len(s.heap.items))
}
