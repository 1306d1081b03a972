// Package table provides the concurrent, priority-indexed item container
// at the center of the replay store.
//
// A table owns its items, routes every mutation through its sampler and
// remover selectors and its rate limiter, enforces capacity by eviction,
// and produces consistent checkpoint snapshots. A single mutex serializes
// all state-mutating operations; blocking admission waits never hold it.
package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/replaygo/chunkstore"
	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
	"github.com/hupe1980/replaygo/ratelimiter"
	"github.com/hupe1980/replaygo/selector"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("table closed")

	// ErrNoCapacity is returned when a table is built with a
	// non-positive max size.
	ErrNoCapacity = errors.New("max size must be positive")
)

// ErrChunkMissing indicates an item referencing a chunk that is not
// resident in the chunk store.
type ErrChunkMissing struct {
	ItemKey  core.Key
	ChunkKey core.Key
}

func (e *ErrChunkMissing) Error() string {
	return fmt.Sprintf("item %d references chunk %d which is not in the chunk store", e.ItemKey, e.ChunkKey)
}

// ErrSignatureMismatch indicates an item whose trajectory disagrees with
// the table signature.
type ErrSignatureMismatch struct {
	ItemKey core.Key
	cause   error
}

func (e *ErrSignatureMismatch) Error() string {
	return fmt.Sprintf("item %d does not match the table signature: %v", e.ItemKey, e.cause)
}

func (e *ErrSignatureMismatch) Unwrap() error { return e.cause }

// SampledItem is one sampling result. It carries its own strong chunk
// handles so serialization can proceed after the table mutex is released;
// the caller owns the handles and must release them.
type SampledItem struct {
	// Item is a copy of the item at the moment of sampling, with
	// TimesSampled already incremented.
	Item model.Item

	// Probability is the sampling probability reported by the selector.
	Probability float64

	// TableSize is the table size at the moment of sampling.
	TableSize int

	// Chunks hold the item's data chunks.
	Chunks []*chunkstore.Handle
}

// Release drops the sampled item's chunk references.
func (s *SampledItem) Release() {
	for _, h := range s.Chunks {
		h.Release()
	}
	s.Chunks = nil
}

// PriorityUpdate is one entry of a MutateItems call.
type PriorityUpdate struct {
	Key      core.Key
	Priority float64
}

// Options contains configuration for a Table.
type Options struct {
	// MaxSize caps the number of items; exceeding it on insert evicts a
	// victim chosen by the remover.
	MaxSize int

	// MaxTimesSampled removes an item once it has been sampled this many
	// times. Zero means no cap.
	MaxTimesSampled int

	// Sampler picks the items returned to samplers. Defaults to Uniform.
	Sampler selector.ItemSelector

	// Remover picks eviction victims. Defaults to Fifo. A Fifo remover
	// keeps its ordering guarantee only when a single worker drains the
	// table.
	Remover selector.ItemSelector

	// Limiter couples insertion and sampling rates. Defaults to a
	// limiter that never blocks inserts; samples wait only while the
	// table is empty.
	Limiter *ratelimiter.RateLimiter

	// Signature optionally constrains inserted trajectories.
	Signature *model.Schema

	// Extensions observe mutations in registration order.
	Extensions []Extension

	// Logger receives skip warnings and lifecycle events. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// WorkerQueueSize is the capacity of the queued-sample request
	// channel.
	WorkerQueueSize int
}

// DefaultOptions returns default Table options.
var DefaultOptions = Options{
	MaxSize:         1_000_000,
	WorkerQueueSize: 64,
}

// itemEntry pairs an item with the chunk handles keeping its data alive.
type itemEntry struct {
	item    model.Item
	handles []*chunkstore.Handle
}

// Table is a named container of items with coupled sampling and
// insertion.
type Table struct {
	name  string
	store *chunkstore.Store
	opts  Options

	mu      sync.Mutex
	items   map[core.Key]*itemEntry
	sampler selector.ItemSelector
	remover selector.ItemSelector
	limiter *ratelimiter.RateLimiter
	closed  bool

	worker *sampleWorker
}

// New creates a new Table over the given chunk store.
func New(name string, store *chunkstore.Store, optFns ...func(o *Options)) (*Table, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxSize <= 0 {
		return nil, ErrNoCapacity
	}
	if opts.Sampler == nil {
		opts.Sampler = selector.NewUniform()
	}
	if opts.Remover == nil {
		opts.Remover = selector.NewFifo()
	}
	if opts.Limiter == nil {
		limiter, err := ratelimiter.New()
		if err != nil {
			return nil, err
		}
		opts.Limiter = limiter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Table{
		name:    name,
		store:   store,
		opts:    opts,
		items:   make(map[core.Key]*itemEntry),
		sampler: opts.Sampler,
		remover: opts.Remover,
		limiter: opts.Limiter,
	}
	t.worker = newSampleWorker(t, opts.WorkerQueueSize)

	return t, nil
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Size returns the current number of items.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// InsertOrAssign inserts an item or, when the key already exists, updates
// its priority in place. A fresh insertion that pushes the table past its
// capacity evicts one victim chosen by the remover within the same
// critical section.
//
// The call blocks until the rate limiter admits the insert, the context
// is cancelled, or the limiter timeout elapses.
func (t *Table) InsertOrAssign(ctx context.Context, item model.Item) error {
	if t.opts.Signature != nil {
		if err := t.opts.Signature.Validate(item.Trajectory); err != nil {
			return &ErrSignatureMismatch{ItemKey: item.Key, cause: err}
		}
	}

	for {
		if err := t.limiter.AwaitCanInsert(ctx); err != nil {
			return t.translateLimiterErr(err)
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return ErrClosed
		}

		// Assignment to an existing key never consumes insert budget.
		if entry, ok := t.items[item.Key]; ok {
			err := t.updateItemLocked(entry, item.Priority)
			t.mu.Unlock()
			return err
		}

		// Admission may have been lost to a competing inserter while
		// the mutex was unheld; a committed insert must observe an
		// admitting limiter.
		if !t.limiter.CanInsert() {
			t.mu.Unlock()
			continue
		}

		err := t.insertLocked(item)
		t.mu.Unlock()
		return err
	}
}

// insertLocked commits a fresh item and evicts when over capacity.
func (t *Table) insertLocked(item model.Item) error {
	handles, err := t.resolveChunks(item)
	if err != nil {
		return err
	}

	if err := t.sampler.Insert(item.Key, item.Priority); err != nil {
		releaseHandles(handles)
		return err
	}
	if err := t.remover.Insert(item.Key, item.Priority); err != nil {
		_ = t.sampler.Delete(item.Key)
		releaseHandles(handles)
		return err
	}

	if item.InsertedAt.IsZero() {
		item.InsertedAt = time.Now()
	}

	entry := &itemEntry{item: item, handles: handles}
	t.items[item.Key] = entry
	t.limiter.Insert()

	for _, ext := range t.opts.Extensions {
		ext.OnInsert(&entry.item)
	}

	if len(t.items) > t.opts.MaxSize {
		victim, err := t.remover.Sample()
		if err != nil {
			return fmt.Errorf("remover failed to pick an eviction victim: %w", err)
		}
		t.deleteItemLocked(victim.Key)
	}

	return nil
}

// updateItemLocked changes an existing item's priority and propagates it
// to both selectors.
func (t *Table) updateItemLocked(entry *itemEntry, priority float64) error {
	key := entry.item.Key
	if err := t.sampler.Update(key, priority); err != nil {
		return err
	}
	if err := t.remover.Update(key, priority); err != nil {
		return err
	}
	entry.item.Priority = priority

	for _, ext := range t.opts.Extensions {
		ext.OnUpdate(&entry.item)
	}
	return nil
}

// deleteItemLocked removes an item, its selector entries and its chunk
// references, and counts exactly one limiter delete.
func (t *Table) deleteItemLocked(key core.Key) {
	entry, ok := t.items[key]
	if !ok {
		return
	}
	delete(t.items, key)
	_ = t.sampler.Delete(key)
	_ = t.remover.Delete(key)
	t.limiter.Delete()

	for _, ext := range t.opts.Extensions {
		ext.OnDelete(&entry.item)
	}

	releaseHandles(entry.handles)
	entry.handles = nil
}

// resolveChunks acquires a strong handle for every chunk the trajectory
// references. On any miss all acquired handles are released.
func (t *Table) resolveChunks(item model.Item) ([]*chunkstore.Handle, error) {
	keys := item.Trajectory.ChunkKeys()
	handles := make([]*chunkstore.Handle, 0, len(keys))
	for _, key := range keys {
		h, ok := t.store.Get(key)
		if !ok {
			releaseHandles(handles)
			return nil, &ErrChunkMissing{ItemKey: item.Key, ChunkKey: key}
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func releaseHandles(handles []*chunkstore.Handle) {
	for _, h := range handles {
		h.Release()
	}
}

// MutateItems applies priority updates and deletions atomically under the
// table mutex. Unknown keys in either list are logged and skipped; this
// mirrors the behavior samplers in the wild already depend on.
func (t *Table) MutateItems(updates []PriorityUpdate, deletes []core.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	for _, key := range deletes {
		if _, ok := t.items[key]; !ok {
			t.opts.Logger.Warn("mutate: skipping delete of unknown item",
				"table", t.name,
				"key", uint64(key),
			)
			continue
		}
		t.deleteItemLocked(key)
	}

	for _, u := range updates {
		entry, ok := t.items[u.Key]
		if !ok {
			t.opts.Logger.Warn("mutate: skipping update of unknown item",
				"table", t.name,
				"key", uint64(u.Key),
			)
			continue
		}
		if err := t.updateItemLocked(entry, u.Priority); err != nil {
			return err
		}
	}

	return nil
}

// Sample returns up to numSamples items. Each mutex acquisition performs
// one limiter admission wait followed by up to flexibleBatchSize picks
// without releasing the mutex, stopping early when the limiter would
// block. flexibleBatchSize <= 0 selects an automatic default: 32 for
// deterministic selectors, 1 for stochastic ones.
//
// If the table's MaxTimesSampled cap is reached by a pick, the item is
// removed within the same critical section.
func (t *Table) Sample(ctx context.Context, numSamples, flexibleBatchSize int) ([]*SampledItem, error) {
	if numSamples <= 0 {
		return nil, fmt.Errorf("num samples must be positive, got %d", numSamples)
	}
	if flexibleBatchSize <= 0 {
		flexibleBatchSize = t.defaultFlexibleBatchSize()
	}

	var out []*SampledItem
	for len(out) < numSamples {
		batch, err := t.sampleBatch(ctx, min(flexibleBatchSize, numSamples-len(out)))
		if err != nil {
			for _, s := range out {
				s.Release()
			}
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// SampleFlexibleBatch performs one limiter admission check followed by up
// to n picks under a single mutex hold. It returns at least one item and
// stops early when the limiter would block again.
func (t *Table) SampleFlexibleBatch(ctx context.Context, n int) ([]*SampledItem, error) {
	if n <= 0 {
		n = t.defaultFlexibleBatchSize()
	}
	return t.sampleBatch(ctx, n)
}

// defaultFlexibleBatchSize bounds per-lock-hold work. Deterministic
// selectors pop cheap, correlated sequences and amortize well; stochastic
// ones get no benefit from batching beyond limiter amortization.
func (t *Table) defaultFlexibleBatchSize() int {
	if t.sampler.Options().IsDeterministic {
		return 32
	}
	return 1
}

func (t *Table) sampleBatch(ctx context.Context, maxBatch int) ([]*SampledItem, error) {
	for {
		if err := t.limiter.AwaitCanSample(ctx); err != nil {
			return nil, t.translateLimiterErr(err)
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		if !t.limiter.CanSample() {
			// Lost the admission race; go back to waiting.
			t.mu.Unlock()
			continue
		}

		batch := make([]*SampledItem, 0, maxBatch)
		for len(batch) < maxBatch {
			sampled, err := t.sampleOneLocked()
			if err != nil {
				t.mu.Unlock()
				for _, s := range batch {
					s.Release()
				}
				return nil, err
			}
			batch = append(batch, sampled)

			if len(batch) == maxBatch || !t.limiter.CanSample() {
				break
			}
		}
		t.mu.Unlock()
		return batch, nil
	}
}

// sampleOneLocked performs a single pick: selector draw, bookkeeping,
// extension hooks and, when the sampling cap is reached, removal.
func (t *Table) sampleOneLocked() (*SampledItem, error) {
	picked, err := t.sampler.Sample()
	if err != nil {
		return nil, err
	}

	entry, ok := t.items[picked.Key]
	if !ok {
		return nil, fmt.Errorf("internal: sampler returned key %d with no item", picked.Key)
	}

	entry.item.TimesSampled++
	t.limiter.Sample(1)

	chunks := make([]*chunkstore.Handle, len(entry.handles))
	for i, h := range entry.handles {
		chunks[i] = h.Clone()
	}

	sampled := &SampledItem{
		Item:        entry.item,
		Probability: picked.Probability,
		TableSize:   len(t.items),
		Chunks:      chunks,
	}

	for _, ext := range t.opts.Extensions {
		ext.OnSample(&entry.item)
	}

	if t.opts.MaxTimesSampled > 0 && int(entry.item.TimesSampled) >= t.opts.MaxTimesSampled {
		t.deleteItemLocked(picked.Key)
	}

	return sampled, nil
}

// Reset clears all items, both selectors and the limiter counters.
func (t *Table) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	for _, entry := range t.items {
		releaseHandles(entry.handles)
	}
	clear(t.items)
	t.sampler.Clear()
	t.remover.Clear()
	t.limiter.Reset()

	for _, ext := range t.opts.Extensions {
		ext.OnReset()
	}
	return nil
}

// Info returns a point-in-time summary of the table.
func (t *Table) Info() model.TableInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	return model.TableInfo{
		Name:            t.name,
		Size:            len(t.items),
		MaxSize:         t.opts.MaxSize,
		MaxTimesSampled: t.opts.MaxTimesSampled,
		Sampler:         t.sampler.Options(),
		Remover:         t.remover.Options(),
		Limiter:         t.limiter.Info(),
		Signature:       t.opts.Signature,
	}
}

// Close cancels all outstanding admission waits and stops the sample
// worker. Subsequent operations fail with ErrClosed.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.mu.Unlock()

	t.limiter.Close()
	t.worker.stop()
	return nil
}

func (t *Table) translateLimiterErr(err error) error {
	if errors.Is(err, ratelimiter.ErrClosed) {
		return ErrClosed
	}
	return err
}
