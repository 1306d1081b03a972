// Package chunkstore provides the process-wide, reference-counted store
// of immutable data chunks.
//
// Items keep chunks alive through handles; the store's own map entries do
// not count as references. When the last handle for a chunk is released
// its entry becomes dead and is removed, either immediately on release or
// by the periodic sweep.
package chunkstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/time/rate"

	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
)

// Options contains configuration for the Store.
type Options struct {
	// SweepInterval is the period of the background sweep that removes
	// dead entries. Zero disables the background sweeper; dead entries
	// are then only removed eagerly on release.
	SweepInterval time.Duration

	// SweepKeysPerSecond throttles how many entries the background
	// sweep may visit per second. Zero means unthrottled.
	SweepKeysPerSecond int
}

// DefaultOptions returns default Store options.
var DefaultOptions = Options{
	SweepInterval: time.Minute,
}

// record is one store entry. refs counts live handles; the store map
// entry itself is not a reference.
type record struct {
	chunk *model.Chunk
	refs  int64
}

// Store is a content-addressed map from chunk key to chunk payload.
// Writers are responsible for key uniqueness within the process.
type Store struct {
	mu     sync.Mutex
	chunks map[core.Key]*record

	opts    Options
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	inserted atomic.Int64
	swept    atomic.Int64
}

// New creates a new Store and starts its background sweeper when a sweep
// interval is configured.
func New(optFns ...func(o *Options)) *Store {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Store{
		chunks: make(map[core.Key]*record),
		opts:   opts,
		stopCh: make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}

	return s
}

// InsertOrGet registers a chunk and returns a handle holding a reference
// to it. If a live chunk with the same key already exists, the existing
// payload wins and the supplied one is discarded.
func (s *Store) InsertOrGet(chunk *model.Chunk) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chunks[chunk.Key]
	if !ok || rec.refs == 0 {
		rec = &record{chunk: chunk}
		s.chunks[chunk.Key] = rec
		s.inserted.Add(1)
	}
	rec.refs++
	return &Handle{store: s, rec: rec}
}

// Get returns a handle to a live chunk, or ok=false when the key is
// unknown or the chunk has no remaining references.
func (s *Store) Get(key core.Key) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chunks[key]
	if !ok || rec.refs == 0 {
		return nil, false
	}
	rec.refs++
	return &Handle{store: s, rec: rec}, true
}

// Len returns the number of live chunks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.chunks {
		if rec.refs > 0 {
			n++
		}
	}
	return n
}

// Keys returns a bitmap census of the live chunk keys.
func (s *Store) Keys() *roaring64.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()

	bm := roaring64.New()
	for key, rec := range s.chunks {
		if rec.refs > 0 {
			bm.Add(uint64(key))
		}
	}
	return bm
}

// Sweep removes all dead entries and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, rec := range s.chunks {
		if rec.refs == 0 {
			delete(s.chunks, key)
			n++
		}
	}
	s.swept.Add(int64(n))
	return n
}

// Close stops the background sweeper. Handles stay valid; Close does not
// release data.
func (s *Store) Close() {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	var limiter *rate.Limiter
	if s.opts.SweepKeysPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.SweepKeysPerSecond), s.opts.SweepKeysPerSecond)
	}

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepThrottled(limiter)
		}
	}
}

// sweepThrottled visits entries in bounded batches so the sweep never
// monopolizes the map lock.
func (s *Store) sweepThrottled(limiter *rate.Limiter) {
	const batch = 1024

	for {
		s.mu.Lock()
		visited, dropped := 0, 0
		for key, rec := range s.chunks {
			if visited == batch {
				break
			}
			visited++
			if rec.refs == 0 {
				delete(s.chunks, key)
				dropped++
			}
		}
		s.mu.Unlock()
		s.swept.Add(int64(dropped))

		if visited < batch {
			return
		}
		if limiter != nil {
			if err := limiter.WaitN(context.Background(), visited); err != nil {
				return
			}
		}
	}
}

func (s *Store) release(rec *record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.refs--
	if rec.refs == 0 {
		// Only drop the map entry if it still points at this record;
		// InsertOrGet may have replaced a dead entry in the meantime.
		if cur, ok := s.chunks[rec.chunk.Key]; ok && cur == rec {
			delete(s.chunks, rec.chunk.Key)
		}
	}
}

// Handle is a counted reference to a chunk. It is cheap to clone; the
// chunk stays resident until every handle has been released.
type Handle struct {
	store    *Store
	rec      *record
	released atomic.Bool
}

// Chunk returns the referenced chunk. The chunk must be treated as
// immutable.
func (h *Handle) Chunk() *model.Chunk {
	return h.rec.chunk
}

// Key returns the referenced chunk's key.
func (h *Handle) Key() core.Key {
	return h.rec.chunk.Key
}

// Clone returns a new handle holding its own reference.
func (h *Handle) Clone() *Handle {
	h.store.mu.Lock()
	h.rec.refs++
	h.store.mu.Unlock()
	return &Handle{store: h.store, rec: h.rec}
}

// Release drops the handle's reference. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h == nil || h.released.Swap(true) {
		return
	}
	h.store.release(h.rec)
}
