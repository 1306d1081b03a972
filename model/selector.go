package model

// SelectorKind identifies one of the five selector distributions.
type SelectorKind int

// Constants representing the supported selector distributions.
const (
	SelectorKindUniform SelectorKind = iota
	SelectorKindFifo
	SelectorKindLifo
	SelectorKindPrioritized
	SelectorKindHeap
)

// String returns a string representation of the SelectorKind.
func (k SelectorKind) String() string {
	switch k {
	case SelectorKindUniform:
		return "Uniform"
	case SelectorKindFifo:
		return "Fifo"
	case SelectorKindLifo:
		return "Lifo"
	case SelectorKindPrioritized:
		return "Prioritized"
	case SelectorKindHeap:
		return "Heap"
	default:
		return "Unknown"
	}
}

// SelectorOptions describes a selector's distribution so that tables,
// checkpoints and clients can reason about it without holding the
// selector itself.
type SelectorOptions struct {
	// Kind is the distribution variant.
	Kind SelectorKind

	// PriorityExponent applies to Prioritized selectors only.
	PriorityExponent float64

	// MinHeap applies to Heap selectors only; false means max-heap.
	MinHeap bool

	// IsDeterministic is true when Sample has no randomness (Fifo, Lifo,
	// Heap) and false for Uniform and Prioritized.
	IsDeterministic bool
}
