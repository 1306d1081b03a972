package model

import (
	"time"

	"github.com/hupe1980/replaygo/core"
)

// Item is a logical unit of replayable experience: a priority plus a
// trajectory of chunk slices, owned by exactly one table.
type Item struct {
	// Key is the process-wide unique item identifier assigned by the writer.
	Key core.Key

	// Table is the name of the owning table.
	Table string

	// Priority drives priority-sensitive selectors. Must be non-negative
	// when the owning table uses such a selector.
	Priority float64

	// Trajectory references the chunks carrying the item's data.
	Trajectory Trajectory

	// TimesSampled counts how often the item has been returned to samplers.
	TimesSampled uint32

	// InsertedAt is the wall-clock time of the first insertion.
	InsertedAt time.Time
}

// TableInfo is a point-in-time summary of a table's state.
type TableInfo struct {
	Name            string
	Size            int
	MaxSize         int
	MaxTimesSampled int
	Sampler         SelectorOptions
	Remover         SelectorOptions
	Limiter         LimiterInfo
	Signature       *Schema
}

// LimiterInfo reports the rate limiter's configuration and counters.
type LimiterInfo struct {
	SamplesPerInsert float64
	MinSizeToSample  int64
	MinDiff          float64
	MaxDiff          float64
	Inserts          int64
	Samples          int64
	Deletes          int64
}
