package table

import (
	"sync/atomic"

	"github.com/hupe1980/replaygo/model"
)

// Extension observes table mutations. Every successful insert, update,
// sample and delete invokes the attached extensions synchronously, in
// registration order, while the table mutex is still held.
//
// Implementations must be non-blocking and must not call back into the
// table; an extension that needs to read the table has to do so
// asynchronously from its own goroutine.
type Extension interface {
	// OnInsert is called after an item was inserted.
	OnInsert(item *model.Item)

	// OnUpdate is called after an item's priority changed.
	OnUpdate(item *model.Item)

	// OnSample is called after an item was returned to a sampler, with
	// the already incremented TimesSampled.
	OnSample(item *model.Item)

	// OnDelete is called after an item was removed, whether by eviction,
	// mutation or reaching its sampling cap.
	OnDelete(item *model.Item)

	// OnReset is called after the table was reset.
	OnReset()
}

// CountingExtension tracks mutation counts. Useful for tests and basic
// monitoring.
type CountingExtension struct {
	Inserts atomic.Int64
	Updates atomic.Int64
	Samples atomic.Int64
	Deletes atomic.Int64
	Resets  atomic.Int64
}

// Compile time check to ensure CountingExtension satisfies Extension.
var _ Extension = (*CountingExtension)(nil)

func (e *CountingExtension) OnInsert(*model.Item) { e.Inserts.Add(1) }
func (e *CountingExtension) OnUpdate(*model.Item) { e.Updates.Add(1) }
func (e *CountingExtension) OnSample(*model.Item) { e.Samples.Add(1) }
func (e *CountingExtension) OnDelete(*model.Item) { e.Deletes.Add(1) }
func (e *CountingExtension) OnReset()             { e.Resets.Add(1) }
