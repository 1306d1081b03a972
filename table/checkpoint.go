package table

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/replaygo/chunkstore"
	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
	"github.com/hupe1980/replaygo/ratelimiter"
	"github.com/hupe1980/replaygo/selector"
)

// ItemCheckpoint is the serializable descriptor of one item.
type ItemCheckpoint struct {
	Key          core.Key
	Priority     float64
	TimesSampled uint32
	InsertedAt   time.Time
	Trajectory   model.Trajectory
}

// Checkpoint is a consistent snapshot of a table. It pins every chunk the
// snapshot references with strong handles so asynchronous serialization
// can proceed after the table mutex is released. Callers must Release the
// checkpoint once it has been written out.
type Checkpoint struct {
	Name            string
	MaxSize         int
	MaxTimesSampled int
	Sampler         model.SelectorOptions
	Remover         model.SelectorOptions
	Limiter         model.LimiterInfo
	Items           []ItemCheckpoint

	chunks []*chunkstore.Handle
}

// Chunks returns the pinned chunk handles, deduplicated by key.
func (c *Checkpoint) Chunks() []*chunkstore.Handle {
	return c.chunks
}

// Release drops the snapshot's chunk references.
func (c *Checkpoint) Release() {
	releaseHandles(c.chunks)
	c.chunks = nil
}

// CheckpointSnapshot produces a consistent snapshot of items, selector
// descriptors and limiter state under the table mutex.
func (t *Table) CheckpointSnapshot() (*Checkpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	cp := &Checkpoint{
		Name:            t.name,
		MaxSize:         t.opts.MaxSize,
		MaxTimesSampled: t.opts.MaxTimesSampled,
		Sampler:         t.sampler.Options(),
		Remover:         t.remover.Options(),
		Limiter:         t.limiter.Info(),
		Items:           make([]ItemCheckpoint, 0, len(t.items)),
	}

	seen := roaring64.New()
	for _, entry := range t.items {
		cp.Items = append(cp.Items, ItemCheckpoint{
			Key:          entry.item.Key,
			Priority:     entry.item.Priority,
			TimesSampled: entry.item.TimesSampled,
			InsertedAt:   entry.item.InsertedAt,
			Trajectory:   entry.item.Trajectory,
		})
		for _, h := range entry.handles {
			if seen.Contains(uint64(h.Key())) {
				continue
			}
			seen.Add(uint64(h.Key()))
			cp.chunks = append(cp.chunks, h.Clone())
		}
	}

	return cp, nil
}

// Restore builds a table from a checkpoint. Every chunk the checkpointed
// items reference must already be resident in the chunk store. The
// restored limiter resumes with the checkpointed counters.
func Restore(cp *Checkpoint, store *chunkstore.Store, optFns ...func(o *Options)) (*Table, error) {
	sampler, err := selector.New(cp.Sampler)
	if err != nil {
		return nil, fmt.Errorf("restore sampler: %w", err)
	}
	remover, err := selector.New(cp.Remover)
	if err != nil {
		return nil, fmt.Errorf("restore remover: %w", err)
	}
	limiter, err := ratelimiter.New(func(o *ratelimiter.Options) {
		o.SamplesPerInsert = cp.Limiter.SamplesPerInsert
		o.MinSizeToSample = cp.Limiter.MinSizeToSample
		o.MinDiff = cp.Limiter.MinDiff
		o.MaxDiff = cp.Limiter.MaxDiff
	})
	if err != nil {
		return nil, fmt.Errorf("restore limiter: %w", err)
	}
	limiter.Restore(cp.Limiter)

	t, err := New(cp.Name, store, func(o *Options) {
		for _, fn := range optFns {
			fn(o)
		}
		o.MaxSize = cp.MaxSize
		o.MaxTimesSampled = cp.MaxTimesSampled
		o.Sampler = sampler
		o.Remover = remover
		o.Limiter = limiter
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	loadErr := func() error {
		for _, ic := range cp.Items {
			item := model.Item{
				Key:          ic.Key,
				Table:        cp.Name,
				Priority:     ic.Priority,
				Trajectory:   ic.Trajectory,
				TimesSampled: ic.TimesSampled,
				InsertedAt:   ic.InsertedAt,
			}
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
			t.items[item.Key] = &itemEntry{item: item, handles: handles}
		}
		return nil
	}()
	if loadErr != nil {
		for _, entry := range t.items {
			releaseHandles(entry.handles)
		}
		clear(t.items)
		t.mu.Unlock()
		_ = t.Close()
		return nil, loadErr
	}
	t.mu.Unlock()

	return t, nil
}
