// Package replaygo provides an embedded in-memory experience replay
// store for Go.
//
// Writers continuously insert trajectory items; samplers pull items drawn
// under configurable probability distributions, with the sampling rate
// coordinated against the insertion rate by a two-sided rate limiter.
// Multiple named tables coexist in one process and share trajectory data
// by reference through a process-wide chunk store.
//
// Features:
//
//   - Five interchangeable item selectors: Uniform, Fifo, Lifo,
//     Prioritized (O(log n) sum tree) and Heap, usable as both sampling
//     and eviction policies
//   - Two-sided rate limiting with cooperative blocking, cancellation and
//     a distinguishable timeout for clean stream shutdown
//   - Reference-counted chunk sharing across items and tables
//   - Capacity eviction, sampling caps and atomic priority mutations
//   - Synchronous extension hooks on every table mutation
//   - Atomic checkpoints (DONE-marked directories) to local disk, MinIO
//     or S3 with an optional DynamoDB latest-pointer commit log
//   - YAML/JSON configuration loading
//
// # Quick Start
//
// Create a store with one prioritized table:
//
//	ctx := context.Background()
//	r, err := replaygo.New()
//	if err != nil {
//	    panic(err)
//	}
//	defer r.Close()
//
//	sampler, _ := selector.NewPrioritized(0.8)
//	_, err = r.CreateTable("experience", func(o *table.Options) {
//	    o.MaxSize = 100_000
//	    o.Sampler = sampler
//	    o.Remover = selector.NewFifo()
//	})
//
// Insert a chunk and an item referencing it:
//
//	h := r.InsertChunk(&model.Chunk{Key: 1, Data: payload})
//	defer h.Release()
//
//	err = r.InsertOrAssign(ctx, model.Item{
//	    Key:      10,
//	    Table:    "experience",
//	    Priority: 1.5,
//	    Trajectory: model.Trajectory{Columns: []model.Column{
//	        {Slices: []model.ChunkSlice{{ChunkKey: 1, Offset: 0, Length: 4}}},
//	    }},
//	})
//
// Sample a batch:
//
//	items, err := r.Sample(ctx, "experience", 32, 0)
//	for _, it := range items {
//	    process(it)
//	    it.Release()
//	}
//
// For checkpointing, pass a blob store:
//
//	r, err := replaygo.New(
//	    replaygo.WithCheckpointStore(blobstore.NewLocalStore("/var/lib/replay")),
//	    replaygo.WithCheckpointInterval(10*time.Minute),
//	)
package replaygo
