package core

// Key is the process-wide identifier for items and chunks.
// Writers allocate keys; the store never reuses or reinterprets them.
// Used for all hot-path structures (selector maps, sum-tree slots, heaps).
type Key uint64

// MaxKey is the maximum possible value for a Key.
const MaxKey = ^Key(0)
