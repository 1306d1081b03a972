package model

import (
	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/replaygo/core"
)

// SequenceRange describes the span of steps a chunk covers within an episode.
type SequenceRange struct {
	// EpisodeID identifies the episode the steps belong to.
	EpisodeID uint64

	// Start is the index of the first step in the chunk.
	Start uint64

	// End is the index of the last step in the chunk (inclusive).
	End uint64

	// DeltaEncoded is true when the payload stores step deltas rather
	// than absolute values.
	DeltaEncoded bool
}

// Len returns the number of steps covered by the range.
func (r SequenceRange) Len() int {
	return int(r.End-r.Start) + 1
}

// Chunk is an immutable byte payload carrying serialized tensor data.
// Chunks are content-addressed by a writer-assigned key and shared by
// reference between items; they must never be mutated after creation.
type Chunk struct {
	// Key is the process-wide unique identifier assigned by the writer.
	Key core.Key

	// Data is the opaque serialized-tensor payload.
	Data []byte

	// Sequence is the episode step span the payload covers.
	Sequence SequenceRange
}

// Digest returns a 64-bit content hash of the payload. It is stored in
// checkpoints and re-verified on load to detect corrupted records.
func (c *Chunk) Digest() uint64 {
	return xxhash.Sum64(c.Data)
}

// SizeBytes returns the payload size.
func (c *Chunk) SizeBytes() int {
	return len(c.Data)
}
