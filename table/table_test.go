package table

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hupe1980/replaygo/chunkstore"
	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
	"github.com/hupe1980/replaygo/ratelimiter"
	"github.com/hupe1980/replaygo/selector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newChunkStore(t *testing.T) *chunkstore.Store {
	t.Helper()
	s := chunkstore.New(func(o *chunkstore.Options) {
		o.SweepInterval = 0
	})
	t.Cleanup(s.Close)
	return s
}

func newTestTable(t *testing.T, store *chunkstore.Store, optFns ...func(o *Options)) *Table {
	t.Helper()
	tbl, err := New("test", store, optFns...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

// mustInsert follows the writer flow: register the chunk, commit the
// item, then drop the writer's pin. The table's own references keep the
// chunk alive afterwards.
func mustInsert(t *testing.T, tbl *Table, store *chunkstore.Store, key core.Key, priority float64) {
	t.Helper()

	h := store.InsertOrGet(&model.Chunk{Key: key, Data: []byte{byte(key)}})
	defer h.Release()

	item := model.Item{
		Key:      key,
		Table:    "test",
		Priority: priority,
		Trajectory: model.Trajectory{Columns: []model.Column{
			{Slices: []model.ChunkSlice{{ChunkKey: key, Offset: 0, Length: 1}}},
		}},
	}
	if err := tbl.InsertOrAssign(context.Background(), item); err != nil {
		t.Fatalf("InsertOrAssign(%d) failed: %v", item.Key, err)
	}
}

// Inserting four items into a FIFO table of capacity three evicts the
// oldest; the three survivors sample in insertion order; a further sample
// blocks until something is inserted.
func TestFifoQueueOrdering(t *testing.T) {
	ctx := context.Background()
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 3
		o.MaxTimesSampled = 1
		o.Sampler = selector.NewFifo()
		o.Remover = selector.NewFifo()
	})

	for _, key := range []core.Key{10, 11, 12, 13} {
		mustInsert(t, tbl, store, key, 1)
	}

	if got := tbl.Size(); got != 3 {
		t.Fatalf("Size after fourth insert = %d, want 3", got)
	}

	for _, want := range []core.Key{11, 12, 13} {
		items, err := tbl.Sample(ctx, 1, 1)
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		if len(items) != 1 || items[0].Item.Key != want {
			t.Fatalf("Sample = %v, want key %d", items, want)
		}
		items[0].Release()
	}

	// The queue is drained; the next sample must block.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := tbl.Sample(waitCtx, 1, 1); !ratelimiter.IsTimeout(err) {
		t.Fatalf("Sample on drained queue: got %v, want rate limiter timeout", err)
	}
}

// A uniform sampler with a min-heap remover evicts the smallest priority
// at capacity.
func TestHeapRemoverEvictsSmallestPriority(t *testing.T) {
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 2
		o.Sampler = selector.NewUniform()
		o.Remover = selector.NewHeap(true)
	})

	mustInsert(t, tbl, store, 1, 0.9)
	mustInsert(t, tbl, store, 2, 0.1)
	mustInsert(t, tbl, store, 3, 0.5)

	if got := tbl.Size(); got != 2 {
		t.Fatalf("Size = %d, want 2", got)
	}

	ctx := context.Background()
	seen := make(map[core.Key]bool)
	for range 100 {
		items, err := tbl.Sample(ctx, 1, 1)
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		seen[items[0].Item.Key] = true
		items[0].Release()
	}
	if seen[2] {
		t.Fatal("lowest-priority item survived the eviction")
	}
	if !seen[1] || !seen[3] {
		t.Fatalf("surviving items not sampled: %v", seen)
	}
}

// A full table stays at max size across further inserts.
func TestInsertAtCapacityEvictsExactlyOne(t *testing.T) {
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 5
		o.Remover = selector.NewFifo()
	})

	for key := core.Key(1); key <= 20; key++ {
		mustInsert(t, tbl, store, key, 1)
		if size := tbl.Size(); size > 5 {
			t.Fatalf("Size = %d after insert %d, want <= 5", size, key)
		}
	}
	if got := tbl.Size(); got != 5 {
		t.Fatalf("final Size = %d, want 5", got)
	}

	info := tbl.Info()
	if info.Limiter.Deletes != 15 {
		t.Fatalf("limiter deletes = %d, want 15 (one per eviction)", info.Limiter.Deletes)
	}
}

// Re-inserting an existing key updates its priority without consuming
// capacity or insert budget.
func TestInsertOrAssignUpdatesInPlace(t *testing.T) {
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 10
		o.Sampler = selector.NewHeap(false)
	})

	mustInsert(t, tbl, store, 1, 1.0)
	mustInsert(t, tbl, store, 2, 2.0)

	mustInsert(t, tbl, store, 1, 5.0)

	if got := tbl.Size(); got != 2 {
		t.Fatalf("Size = %d, want 2", got)
	}
	info := tbl.Info()
	if info.Limiter.Inserts != 2 {
		t.Fatalf("limiter inserts = %d, want 2", info.Limiter.Inserts)
	}

	// The max-heap sampler now returns the re-prioritized item first.
	items, err := tbl.Sample(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	defer items[0].Release()
	if items[0].Item.Key != 1 || items[0].Item.Priority != 5.0 {
		t.Fatalf("Sample = key %d priority %v, want key 1 priority 5", items[0].Item.Key, items[0].Item.Priority)
	}
}

// Sampling an item up to its cap removes it in the same operation.
func TestMaxTimesSampledRemoves(t *testing.T) {
	ctx := context.Background()
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 10
		o.MaxTimesSampled = 2
	})

	mustInsert(t, tbl, store, 1, 1)

	for i := 1; i <= 2; i++ {
		items, err := tbl.Sample(ctx, 1, 1)
		if err != nil {
			t.Fatalf("Sample %d failed: %v", i, err)
		}
		if got := items[0].Item.TimesSampled; got != uint32(i) {
			t.Fatalf("TimesSampled = %d, want %d", got, i)
		}
		items[0].Release()
	}

	if got := tbl.Size(); got != 0 {
		t.Fatalf("Size after cap = %d, want 0", got)
	}
}

func TestMutateItemsSkipsUnknownKeys(t *testing.T) {
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 10
		o.Sampler = selector.NewHeap(false)
	})

	mustInsert(t, tbl, store, 1, 1.0)
	mustInsert(t, tbl, store, 2, 2.0)

	err := tbl.MutateItems(
		[]PriorityUpdate{{Key: 1, Priority: 9.0}, {Key: 404, Priority: 1.0}},
		[]core.Key{2, 505},
	)
	if err != nil {
		t.Fatalf("MutateItems failed: %v", err)
	}

	if got := tbl.Size(); got != 1 {
		t.Fatalf("Size = %d, want 1", got)
	}

	items, err := tbl.Sample(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	defer items[0].Release()
	if items[0].Item.Key != 1 || items[0].Item.Priority != 9.0 {
		t.Fatalf("Sample = key %d priority %v, want key 1 priority 9", items[0].Item.Key, items[0].Item.Priority)
	}
}

// Closing the table unblocks a pending sample wait promptly.
func TestCloseCancelsPendingSample(t *testing.T) {
	store := newChunkStore(t)
	tbl := newTestTable(t, store)

	done := make(chan error, 1)
	go func() {
		_, err := tbl.Sample(context.Background(), 1, 1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Sample after Close: got %v, want ErrClosed", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Close did not cancel the pending sample within 100ms")
	}

	closedItem := model.Item{Key: 1, Table: "test"}
	if err := tbl.InsertOrAssign(context.Background(), closedItem); !errors.Is(err, ErrClosed) {
		t.Fatalf("InsertOrAssign after Close: got %v, want ErrClosed", err)
	}
	if _, err := tbl.CheckpointSnapshot(); !errors.Is(err, ErrClosed) {
		t.Fatalf("CheckpointSnapshot after Close: got %v, want ErrClosed", err)
	}
}

func TestSignatureValidation(t *testing.T) {
	store := newChunkStore(t)
	schema := &model.Schema{Columns: []model.ColumnSpec{
		{Name: "obs", DType: model.DTypeFloat32, Shape: []int64{-1, 4}},
	}}
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 10
		o.Signature = schema
	})

	h := store.InsertOrGet(&model.Chunk{Key: 1, Data: []byte{1, 2, 3, 4}})
	defer h.Release()

	good := model.Item{
		Key:   1,
		Table: "test",
		Trajectory: model.Trajectory{Columns: []model.Column{{
			Slices: []model.ChunkSlice{{ChunkKey: 1, Length: 1}},
			DType:  model.DTypeFloat32,
			Shape:  []int64{1, 4},
		}}},
	}
	if err := tbl.InsertOrAssign(context.Background(), good); err != nil {
		t.Fatalf("InsertOrAssign of matching item failed: %v", err)
	}

	bad := good
	bad.Key = 2
	bad.Trajectory = model.Trajectory{Columns: []model.Column{{
		Slices: []model.ChunkSlice{{ChunkKey: 1, Length: 1}},
		DType:  model.DTypeInt64,
		Shape:  []int64{1, 4},
	}}}
	var mismatch *ErrSignatureMismatch
	if err := tbl.InsertOrAssign(context.Background(), bad); !errors.As(err, &mismatch) {
		t.Fatalf("InsertOrAssign of mismatching item: got %v, want ErrSignatureMismatch", err)
	}
}

func TestInsertMissingChunkFails(t *testing.T) {
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 10
	})

	item := model.Item{
		Key:   1,
		Table: "test",
		Trajectory: model.Trajectory{Columns: []model.Column{
			{Slices: []model.ChunkSlice{{ChunkKey: 99, Length: 1}}},
		}},
	}
	var missing *ErrChunkMissing
	if err := tbl.InsertOrAssign(context.Background(), item); !errors.As(err, &missing) {
		t.Fatalf("InsertOrAssign: got %v, want ErrChunkMissing", err)
	}
	if got := tbl.Size(); got != 0 {
		t.Fatalf("Size = %d, want 0", got)
	}
}

func TestExtensionsObserveMutationsInOrder(t *testing.T) {
	store := newChunkStore(t)
	ext := &CountingExtension{}
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 2
		o.MaxTimesSampled = 1
		o.Extensions = []Extension{ext}
	})

	mustInsert(t, tbl, store, 1, 1)
	mustInsert(t, tbl, store, 2, 2)
	mustInsert(t, tbl, store, 3, 3) // evicts one

	if got := ext.Inserts.Load(); got != 3 {
		t.Errorf("inserts observed = %d, want 3", got)
	}
	if got := ext.Deletes.Load(); got != 1 {
		t.Errorf("deletes observed = %d, want 1", got)
	}

	mustInsert(t, tbl, store, 3, 5) // in-place update
	if got := ext.Updates.Load(); got != 1 {
		t.Errorf("updates observed = %d, want 1", got)
	}

	items, err := tbl.Sample(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	items[0].Release()
	if got := ext.Samples.Load(); got != 1 {
		t.Errorf("samples observed = %d, want 1", got)
	}
	// The sampling cap was 1, so the sampled item was deleted too.
	if got := ext.Deletes.Load(); got != 2 {
		t.Errorf("deletes observed = %d, want 2", got)
	}

	if err := tbl.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := ext.Resets.Load(); got != 1 {
		t.Errorf("resets observed = %d, want 1", got)
	}
}

func TestResetClearsEverything(t *testing.T) {
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 10
	})

	for key := core.Key(1); key <= 3; key++ {
		mustInsert(t, tbl, store, key, 1)
	}
	if err := tbl.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if got := tbl.Size(); got != 0 {
		t.Fatalf("Size = %d, want 0", got)
	}
	info := tbl.Info()
	if info.Limiter.Inserts != 0 || info.Limiter.Samples != 0 || info.Limiter.Deletes != 0 {
		t.Fatalf("limiter counters after Reset = %+v, want zeros", info.Limiter)
	}
	// Chunks referenced only by the cleared items are gone.
	if got := store.Len(); got != 0 {
		t.Fatalf("chunk store Len = %d, want 0", got)
	}
}

// A flexible batch performs one admission wait and then picks while the
// limiter stays admissible.
func TestSampleFlexibleBatchStopsAtLimiter(t *testing.T) {
	ctx := context.Background()
	store := newChunkStore(t)

	limiter, err := ratelimiter.New(func(o *ratelimiter.Options) {
		o.SamplesPerInsert = 1
		o.MinSizeToSample = 1
		o.MinDiff = 1
		o.MaxDiff = 100
	})
	if err != nil {
		t.Fatalf("ratelimiter.New failed: %v", err)
	}

	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 10
		o.Limiter = limiter
	})

	for key := core.Key(1); key <= 4; key++ {
		mustInsert(t, tbl, store, key, 1)
	}

	// error = 4; min diff 1 admits exactly four picks.
	items, err := tbl.SampleFlexibleBatch(ctx, 10)
	if err != nil {
		t.Fatalf("SampleFlexibleBatch failed: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("batch size = %d, want 4", len(items))
	}
	for _, it := range items {
		if it.TableSize != 4 {
			t.Errorf("TableSize = %d, want 4", it.TableSize)
		}
		it.Release()
	}
}

func TestSampleQueuedSerializes(t *testing.T) {
	ctx := context.Background()
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 10
		o.Sampler = selector.NewUniform()
	})

	for key := core.Key(1); key <= 4; key++ {
		mustInsert(t, tbl, store, key, 1)
	}

	items, err := tbl.SampleQueued(ctx, 3, 0)
	if err != nil {
		t.Fatalf("SampleQueued failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("SampleQueued returned %d items, want 3", len(items))
	}
	for _, it := range items {
		it.Release()
	}
}

// The item map and both selectors always hold the same key set.
func TestKeySetInvariant(t *testing.T) {
	store := newChunkStore(t)
	sampler := selector.NewUniform()
	remover := selector.NewHeap(true)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 8
		o.MaxTimesSampled = 3
		o.Sampler = sampler
		o.Remover = remover
	})

	check := func(stage string) {
		t.Helper()
		size := tbl.Size()
		if sampler.Len() != size || remover.Len() != size {
			t.Fatalf("%s: item/sampler/remover sizes = %d/%d/%d", stage, size, sampler.Len(), remover.Len())
		}
	}

	for key := core.Key(1); key <= 20; key++ {
		mustInsert(t, tbl, store, key, float64(key))
		check("insert")
	}
	if err := tbl.MutateItems([]PriorityUpdate{{Key: 15, Priority: 0.5}}, []core.Key{16, 17}); err != nil {
		t.Fatalf("MutateItems failed: %v", err)
	}
	check("mutate")

	for range 10 {
		items, err := tbl.Sample(context.Background(), 1, 1)
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		items[0].Release()
		check("sample")
	}
}

// A sampled item's chunks stay readable after the source item was evicted.
func TestSampledItemOwnsChunks(t *testing.T) {
	store := newChunkStore(t)
	tbl := newTestTable(t, store, func(o *Options) {
		o.MaxSize = 1
	})

	mustInsert(t, tbl, store, 1, 1)

	items, err := tbl.Sample(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	sampled := items[0]

	// Evict item 1 by inserting item 2 into the size-1 table.
	mustInsert(t, tbl, store, 2, 1)

	if len(sampled.Chunks) != 1 {
		t.Fatalf("sampled chunks = %d, want 1", len(sampled.Chunks))
	}
	if got := sampled.Chunks[0].Chunk().Data; len(got) != 1 || got[0] != 1 {
		t.Fatalf("chunk data = %v, want [1]", got)
	}
	sampled.Release()

	// With the last reference gone, the chunk leaves the store.
	if _, ok := store.Get(1); ok {
		t.Fatal("evicted item's chunk still resident after release")
	}
}
