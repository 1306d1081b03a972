package selector

import (
	"container/list"
	"fmt"

	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
)

// Compile time checks to ensure both queue selectors satisfy ItemSelector.
var (
	_ ItemSelector = (*Fifo)(nil)
	_ ItemSelector = (*Lifo)(nil)
)

// queueSelector is the shared doubly-linked-list state of Fifo and Lifo.
// Keys are appended at the back; the two variants differ only in which
// end Sample reads.
type queueSelector struct {
	order *list.List
	nodes map[core.Key]*list.Element
}

func newQueueSelector() queueSelector {
	return queueSelector{
		order: list.New(),
		nodes: make(map[core.Key]*list.Element),
	}
}

// Insert adds a key at the back of the queue. The priority is ignored.
func (s *queueSelector) Insert(key core.Key, _ float64) error {
	if _, ok := s.nodes[key]; ok {
		return &ErrKeyExists{Key: key}
	}
	s.nodes[key] = s.order.PushBack(key)
	return nil
}

// Delete removes a key from anywhere in the queue.
func (s *queueSelector) Delete(key core.Key) error {
	el, ok := s.nodes[key]
	if !ok {
		return &ErrKeyNotFound{Key: key}
	}
	s.order.Remove(el)
	delete(s.nodes, key)
	return nil
}

// Update only verifies key existence; queue order never changes.
func (s *queueSelector) Update(key core.Key, _ float64) error {
	if _, ok := s.nodes[key]; !ok {
		return &ErrKeyNotFound{Key: key}
	}
	return nil
}

// Clear removes all keys.
func (s *queueSelector) Clear() {
	s.order.Init()
	clear(s.nodes)
}

// Len returns the number of keys currently held.
func (s *queueSelector) Len() int {
	return s.order.Len()
}

// Fifo deterministically samples the oldest inserted key. A table using
// Fifo as sampler or remover must be drained by a single worker so that
// ordering is not broken by concurrent pops.
type Fifo struct {
	queueSelector
}

// NewFifo creates a new Fifo selector.
func NewFifo() *Fifo {
	return &Fifo{queueSelector: newQueueSelector()}
}

// Sample returns the oldest key with probability 1.
func (s *Fifo) Sample() (KeyWithProbability, error) {
	front := s.order.Front()
	if front == nil {
		return KeyWithProbability{}, ErrEmpty
	}
	return KeyWithProbability{Key: front.Value.(core.Key), Probability: 1}, nil
}

// Options describes the distribution.
func (s *Fifo) Options() model.SelectorOptions {
	return model.SelectorOptions{
		Kind:            model.SelectorKindFifo,
		IsDeterministic: true,
	}
}

// String returns a debug representation.
func (s *Fifo) String() string {
	return fmt.Sprintf("Fifo(len=%d)", s.order.Len())
}

// Lifo deterministically samples the most recently inserted key.
type Lifo struct {
	queueSelector
}

// NewLifo creates a new Lifo selector.
func NewLifo() *Lifo {
	return &Lifo{queueSelector: newQueueSelector()}
}

// Sample returns the newest key with probability 1.
func (s *Lifo) Sample() (KeyWithProbability, error) {
	back := s.order.Back()
	if back == nil {
		return KeyWithProbability{}, ErrEmpty
	}
	return KeyWithProbability{Key: back.Value.(core.Key), Probability: 1}, nil
}

// Options describes the distribution.
func (s *Lifo) Options() model.SelectorOptions {
	return model.SelectorOptions{
		Kind:            model.SelectorKindLifo,
		IsDeterministic: true,
	}
}

// String returns a debug representation.
func (s *Lifo) String() string {
	return fmt.Sprintf("Lifo(len=%d)", s.order.Len())
}
