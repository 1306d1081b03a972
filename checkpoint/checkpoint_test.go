package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"path"
	"testing"

	"github.com/hupe1980/replaygo/blobstore"
	"github.com/hupe1980/replaygo/chunkstore"
	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
	"github.com/hupe1980/replaygo/selector"
	"github.com/hupe1980/replaygo/table"
)

func newChunkStore(t *testing.T) *chunkstore.Store {
	t.Helper()
	s := chunkstore.New(func(o *chunkstore.Options) {
		o.SweepInterval = 0
	})
	t.Cleanup(s.Close)
	return s
}

// populateTable builds a table with three items over two shared chunks.
func populateTable(t *testing.T, store *chunkstore.Store, name string) *table.Table {
	t.Helper()

	// Writer pins are dropped once the items below have committed.
	for key := core.Key(100); key <= 101; key++ {
		h := store.InsertOrGet(&model.Chunk{
			Key:  key,
			Data: bytes.Repeat([]byte{byte(key)}, 64),
			Sequence: model.SequenceRange{
				EpisodeID: 7,
				Start:     uint64(key) * 10,
				End:       uint64(key)*10 + 63,
			},
		})
		defer h.Release()
	}

	prioritized, err := selector.NewPrioritized(1)
	if err != nil {
		t.Fatalf("NewPrioritized failed: %v", err)
	}
	tbl, err := table.New(name, store, func(o *table.Options) {
		o.MaxSize = 10
		o.Sampler = prioritized
	})
	if err != nil {
		t.Fatalf("table.New failed: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })

	ctx := context.Background()
	for key := core.Key(1); key <= 3; key++ {
		chunkKey := core.Key(100)
		if key == 3 {
			chunkKey = 101
		}
		item := model.Item{
			Key:      key,
			Table:    name,
			Priority: float64(key),
			Trajectory: model.Trajectory{Columns: []model.Column{
				{Slices: []model.ChunkSlice{{ChunkKey: chunkKey, Offset: 0, Length: 8}}},
			}},
		}
		if err := tbl.InsertOrAssign(ctx, item); err != nil {
			t.Fatalf("InsertOrAssign failed: %v", err)
		}
	}
	return tbl
}

func saveCheckpoint(t *testing.T, store blobstore.Store, dir string, compression Compression, tables ...*table.Table) {
	t.Helper()
	ctx := context.Background()

	var snapshots []*table.Checkpoint
	for _, tbl := range tables {
		cp, err := tbl.CheckpointSnapshot()
		if err != nil {
			t.Fatalf("CheckpointSnapshot failed: %v", err)
		}
		defer cp.Release()
		snapshots = append(snapshots, cp)
	}

	w := NewWriter(store, func(o *WriterOptions) {
		o.Compression = compression
	})
	if err := w.Save(ctx, dir, snapshots); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(compression.String(), func(t *testing.T) {
			ctx := context.Background()
			chunks := newChunkStore(t)
			tbl := populateTable(t, chunks, "experience")
			blob := blobstore.NewMemoryStore()

			saveCheckpoint(t, blob, "00000000000000000001", compression, tbl)

			// Restore into a fresh process: fresh chunk store.
			restoredChunks := newChunkStore(t)
			reader := NewReader(blob)
			tables, err := reader.RestoreLatest(ctx, restoredChunks)
			if err != nil {
				t.Fatalf("RestoreLatest failed: %v", err)
			}
			restored, ok := tables["experience"]
			if !ok {
				t.Fatalf("restored tables = %v, want experience", tables)
			}
			defer func() { _ = restored.Close() }()

			orig, rest := tbl.Info(), restored.Info()
			if rest.Size != orig.Size || rest.Sampler != orig.Sampler || rest.Limiter != orig.Limiter {
				t.Fatalf("restored info = %+v, want %+v", rest, orig)
			}

			// Sampled trajectories materialize to payloads bitwise
			// equal to the originals.
			items, err := restored.Sample(ctx, 3, 1)
			if err != nil {
				t.Fatalf("Sample on restored table failed: %v", err)
			}
			for _, it := range items {
				for _, h := range it.Chunks {
					want := bytes.Repeat([]byte{byte(h.Key())}, 64)
					if !bytes.Equal(h.Chunk().Data, want) {
						t.Fatalf("chunk %d data differs after round trip", h.Key())
					}
				}
				it.Release()
			}
		})
	}
}

func TestSharedChunksWrittenOnce(t *testing.T) {
	ctx := context.Background()
	chunks := newChunkStore(t)
	tblA := populateTable(t, chunks, "a")
	tblB := populateTable(t, chunks, "b")
	blob := blobstore.NewMemoryStore()

	saveCheckpoint(t, blob, "00000000000000000001", CompressionNone, tblA, tblB)

	count := 0
	err := readRecords(ctx, blob, "00000000000000000001/"+ChunksBlobName, func(payload []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("readRecords failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("chunk records = %d, want 2 (deduplicated across tables)", count)
	}
}

func TestReaderIgnoresUnfinishedDirs(t *testing.T) {
	ctx := context.Background()
	chunks := newChunkStore(t)
	tbl := populateTable(t, chunks, "experience")
	blob := blobstore.NewMemoryStore()

	saveCheckpoint(t, blob, "00000000000000000001", CompressionZstd, tbl)

	// A newer directory without DONE must be ignored.
	if err := blob.Put(ctx, "00000000000000000002/"+TablesBlobName, []byte("partial")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reader := NewReader(blob)
	dir, _, err := reader.LatestDir(ctx)
	if err != nil {
		t.Fatalf("LatestDir failed: %v", err)
	}
	if dir != "00000000000000000001" {
		t.Fatalf("LatestDir = %q, want the DONE-marked directory", dir)
	}
}

func TestReaderPicksNewestDone(t *testing.T) {
	ctx := context.Background()
	chunks := newChunkStore(t)
	tbl := populateTable(t, chunks, "experience")
	blob := blobstore.NewMemoryStore()

	saveCheckpoint(t, blob, "00000000000000000001", CompressionZstd, tbl)
	saveCheckpoint(t, blob, "00000000000000000002", CompressionZstd, tbl)

	reader := NewReader(blob)
	dir, _, err := reader.LatestDir(ctx)
	if err != nil {
		t.Fatalf("LatestDir failed: %v", err)
	}
	if dir != "00000000000000000002" {
		t.Fatalf("LatestDir = %q, want 00000000000000000002", dir)
	}
}

func TestReaderFallbackStore(t *testing.T) {
	ctx := context.Background()
	chunks := newChunkStore(t)
	tbl := populateTable(t, chunks, "experience")

	primary := blobstore.NewMemoryStore()
	fallback := blobstore.NewMemoryStore()
	saveCheckpoint(t, fallback, "00000000000000000009", CompressionZstd, tbl)

	reader := NewReader(primary, func(o *ReaderOptions) {
		o.Fallback = fallback
	})
	dir, store, err := reader.LatestDir(ctx)
	if err != nil {
		t.Fatalf("LatestDir failed: %v", err)
	}
	if dir != "00000000000000000009" || store != fallback {
		t.Fatalf("LatestDir = %q from primary, want fallback", dir)
	}

	// Once the primary holds a valid checkpoint, the fallback is not
	// consulted anymore.
	saveCheckpoint(t, primary, "00000000000000000001", CompressionZstd, tbl)
	dir, store, err = reader.LatestDir(ctx)
	if err != nil {
		t.Fatalf("LatestDir failed: %v", err)
	}
	if dir != "00000000000000000001" || store != primary {
		t.Fatalf("LatestDir = %q, want the primary checkpoint", dir)
	}
}

func TestCorruptRecordDetected(t *testing.T) {
	ctx := context.Background()
	chunks := newChunkStore(t)
	tbl := populateTable(t, chunks, "experience")
	blob := blobstore.NewMemoryStore()

	saveCheckpoint(t, blob, "00000000000000000001", CompressionNone, tbl)

	name := "00000000000000000001/" + ChunksBlobName
	b, err := blob.Open(ctx, name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, err := blobstore.ReadAll(ctx, b)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	_ = b.Close()

	// Flip a payload byte behind the header and frame.
	data[len(data)-1] ^= 0xff
	if err := blob.Put(ctx, name, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reader := NewReader(blob)
	restoredChunks := newChunkStore(t)
	if _, err := reader.RestoreLatest(ctx, restoredChunks); err == nil {
		t.Fatal("RestoreLatest on corrupt data should fail")
	}
}

func TestManagerRetention(t *testing.T) {
	ctx := context.Background()
	chunks := newChunkStore(t)
	tbl := populateTable(t, chunks, "experience")
	blob := blobstore.NewMemoryStore()

	m := NewManager(blob, func() ([]*table.Checkpoint, error) {
		cp, err := tbl.CheckpointSnapshot()
		if err != nil {
			return nil, err
		}
		return []*table.Checkpoint{cp}, nil
	}, func(o *ManagerOptions) {
		o.Interval = 0 // manual checkpoints only
		o.Retention = 2
	})
	defer m.Close()

	var dirs []string
	for range 4 {
		dir, err := m.Checkpoint(ctx)
		if err != nil {
			t.Fatalf("Checkpoint failed: %v", err)
		}
		dirs = append(dirs, dir)
	}

	names, err := blob.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	kept := make(map[string]bool)
	for _, name := range names {
		if path.Base(name) == DoneMarkerName {
			kept[path.Dir(name)] = true
		}
	}
	if len(kept) != 2 {
		t.Fatalf("kept checkpoints = %v, want the newest 2", kept)
	}
	if !kept[dirs[2]] || !kept[dirs[3]] {
		t.Fatalf("kept = %v, want %v and %v", kept, dirs[2], dirs[3])
	}

	// The newest checkpoint stays loadable.
	reader := NewReader(blob)
	dir, _, err := reader.LatestDir(ctx)
	if err != nil {
		t.Fatalf("LatestDir failed: %v", err)
	}
	if dir != dirs[3] {
		t.Fatalf("LatestDir = %q, want %q", dir, dirs[3])
	}
}

func TestFileHeaderValidation(t *testing.T) {
	h := fileHeader{Magic: MagicNumber, Version: Version, Compression: uint8(CompressionZstd)}
	parsed, err := parseFileHeader(h.marshal())
	if err != nil {
		t.Fatalf("parseFileHeader failed: %v", err)
	}
	if parsed.Compression != uint8(CompressionZstd) {
		t.Fatalf("Compression = %d, want zstd", parsed.Compression)
	}

	bad := h
	bad.Magic = 0xdeadbeef
	if _, err := parseFileHeader(bad.marshal()); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("parseFileHeader: got %v, want ErrInvalidMagic", err)
	}

	bad = h
	bad.Version = 99
	if _, err := parseFileHeader(bad.marshal()); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("parseFileHeader: got %v, want ErrInvalidVersion", err)
	}
}

func TestTableRecordRoundTrip(t *testing.T) {
	chunks := newChunkStore(t)
	tbl := populateTable(t, chunks, "experience")

	cp, err := tbl.CheckpointSnapshot()
	if err != nil {
		t.Fatalf("CheckpointSnapshot failed: %v", err)
	}
	defer cp.Release()

	decoded, err := decodeTable(encodeTable(cp))
	if err != nil {
		t.Fatalf("decodeTable failed: %v", err)
	}

	if decoded.Name != cp.Name || decoded.MaxSize != cp.MaxSize ||
		decoded.Sampler != cp.Sampler || decoded.Remover != cp.Remover ||
		decoded.Limiter != cp.Limiter || len(decoded.Items) != len(cp.Items) {
		t.Fatalf("decoded = %+v, want %+v", decoded, cp)
	}
	for i, item := range decoded.Items {
		want := cp.Items[i]
		if item.Key != want.Key || item.Priority != want.Priority ||
			item.TimesSampled != want.TimesSampled ||
			!item.InsertedAt.Equal(want.InsertedAt) ||
			len(item.Trajectory.Columns) != len(want.Trajectory.Columns) {
			t.Fatalf("item %d = %+v, want %+v", i, item, want)
		}
	}
}
