package checkpoint

import (
	"context"
	"fmt"
	"path"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/replaygo/blobstore"
	"github.com/hupe1980/replaygo/resource"
	"github.com/hupe1980/replaygo/table"
)

// WriterOptions contains configuration for the Writer.
type WriterOptions struct {
	// Compression is the stream codec for record files.
	Compression Compression

	// Controller throttles checkpoint IO. Nil means unthrottled.
	Controller *resource.Controller

	// WriteLatestPointer writes a LATEST blob naming the new directory
	// after DONE. Commit stores turn this into an atomic pointer swap.
	WriteLatestPointer bool
}

// DefaultWriterOptions returns default Writer options.
var DefaultWriterOptions = WriterOptions{
	Compression:        CompressionZstd,
	WriteLatestPointer: true,
}

// Writer persists checkpoints to a blob store.
type Writer struct {
	store blobstore.Store
	opts  WriterOptions
}

// NewWriter creates a new checkpoint Writer.
func NewWriter(store blobstore.Store, optFns ...func(o *WriterOptions)) *Writer {
	opts := DefaultWriterOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Writer{store: store, opts: opts}
}

// Save writes one checkpoint directory: tables.records and chunks.records
// concurrently, then the DONE marker, then optionally the latest pointer.
// Chunks shared by several tables are written exactly once. The caller
// keeps ownership of the snapshots and must release them afterwards.
func (w *Writer) Save(ctx context.Context, dir string, snapshots []*table.Checkpoint) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.writeTables(gctx, path.Join(dir, TablesBlobName), snapshots)
	})
	g.Go(func() error {
		return w.writeChunks(gctx, path.Join(dir, ChunksBlobName), snapshots)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", dir, err)
	}

	// DONE last: readers ignore the directory until it exists.
	if err := w.store.Put(ctx, path.Join(dir, DoneMarkerName), nil); err != nil {
		return fmt.Errorf("write checkpoint marker: %w", err)
	}

	if w.opts.WriteLatestPointer {
		if err := w.store.Put(ctx, "LATEST", []byte(dir)); err != nil {
			return fmt.Errorf("write latest pointer: %w", err)
		}
	}
	return nil
}

func (w *Writer) writeTables(ctx context.Context, name string, snapshots []*table.Checkpoint) error {
	return w.writeRecords(ctx, name, func(emit func([]byte) error) error {
		for _, cp := range snapshots {
			if err := emit(encodeTable(cp)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Writer) writeChunks(ctx context.Context, name string, snapshots []*table.Checkpoint) error {
	seen := roaring64.New()
	return w.writeRecords(ctx, name, func(emit func([]byte) error) error {
		for _, cp := range snapshots {
			for _, h := range cp.Chunks() {
				if seen.Contains(uint64(h.Key())) {
					continue
				}
				seen.Add(uint64(h.Key()))
				if err := emit(encodeChunk(h.Chunk())); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// writeRecords streams framed records through the compression codec into
// one blob, charging the IO budget per record.
func (w *Writer) writeRecords(ctx context.Context, name string, produce func(emit func([]byte) error) error) error {
	blob, err := w.store.Create(ctx, name)
	if err != nil {
		return err
	}

	header := fileHeader{
		Magic:       MagicNumber,
		Version:     Version,
		Compression: uint8(w.opts.Compression),
	}
	if _, err := blob.Write(header.marshal()); err != nil {
		_ = blob.Close()
		return err
	}

	cw, err := newCompressingWriter(w.opts.Compression, blob)
	if err != nil {
		_ = blob.Close()
		return err
	}

	emit := func(payload []byte) error {
		if err := w.opts.Controller.WaitIO(ctx, len(payload)); err != nil {
			return err
		}
		return writeRecord(cw, payload)
	}

	if err := produce(emit); err != nil {
		_ = cw.Close()
		_ = blob.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		_ = blob.Close()
		return err
	}
	return blob.Close()
}
