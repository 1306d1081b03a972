package model

import "github.com/hupe1980/replaygo/core"

// ChunkSlice references a contiguous run of steps inside a chunk.
type ChunkSlice struct {
	// ChunkKey identifies the chunk holding the data.
	ChunkKey core.Key

	// Offset is the index of the first referenced step within the chunk.
	Offset int

	// Length is the number of referenced steps.
	Length int
}

// Column is one tensor column of a trajectory: an ordered list of chunk
// slices plus a squeeze flag. A squeezed column has exactly one step and
// materializes to a rank-0 output.
type Column struct {
	Slices  []ChunkSlice
	Squeeze bool

	// DType and Shape describe the materialized tensor of the column.
	// They are writer-supplied and only consulted when the owning table
	// carries a signature.
	DType DType
	Shape []int64
}

// Steps returns the total number of steps referenced by the column.
func (c Column) Steps() int {
	n := 0
	for _, s := range c.Slices {
		n += s.Length
	}
	return n
}

// Trajectory is the flattened tensor-shaped view of one item: an ordered
// list of columns, each referencing data held by chunks.
type Trajectory struct {
	Columns []Column
}

// ChunkKeys returns the deduplicated set of chunk keys referenced by the
// trajectory, in first-reference order.
func (t Trajectory) ChunkKeys() []core.Key {
	seen := make(map[core.Key]struct{})
	var keys []core.Key
	for _, col := range t.Columns {
		for _, s := range col.Slices {
			if _, ok := seen[s.ChunkKey]; ok {
				continue
			}
			seen[s.ChunkKey] = struct{}{}
			keys = append(keys, s.ChunkKey)
		}
	}
	return keys
}
