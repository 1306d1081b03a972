package replaygo

import (
	"context"
	"fmt"

	"github.com/hupe1980/replaygo/chunkstore"
	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
)

// WriterSessionOptions contains configuration for a WriterSession.
type WriterSessionOptions struct {
	// MaxPinnedChunks bounds how many chunks one session may keep alive
	// before any item references them. Zero means unbounded. Exceeding
	// the bound fails AppendChunk with ErrResourceExhausted, which the
	// stream handler surfaces to the writer as backpressure.
	MaxPinnedChunks int
}

// WriterSession is the server side of one writer stream. It pins the
// chunks a writer has sent but not yet committed to items, honoring the
// keep-alive lists that arrive with each item: a chunk stays resident
// exactly as long as the writer still names it, or an item references it.
//
// A WriterSession is not safe for concurrent use; each stream gets its
// own.
type WriterSession struct {
	replay *Replay
	opts   WriterSessionOptions

	// kept maps chunk key to the session's own pinning handle.
	kept map[core.Key]*chunkstore.Handle
}

// NewWriterSession creates a session for one writer stream.
func (r *Replay) NewWriterSession(optFns ...func(o *WriterSessionOptions)) *WriterSession {
	opts := WriterSessionOptions{}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &WriterSession{
		replay: r,
		opts:   opts,
		kept:   make(map[core.Key]*chunkstore.Handle),
	}
}

// AppendChunk registers a chunk and pins it for the session.
func (w *WriterSession) AppendChunk(chunk *model.Chunk) error {
	if _, ok := w.kept[chunk.Key]; ok {
		return nil
	}
	if w.opts.MaxPinnedChunks > 0 && len(w.kept) >= w.opts.MaxPinnedChunks {
		return fmt.Errorf("%w: session pins %d chunks", ErrResourceExhausted, len(w.kept))
	}
	w.kept[chunk.Key] = w.replay.InsertChunk(chunk)
	return nil
}

// InsertItem commits an item and then trims the session's pins down to
// keepChunkKeys, the chunks the writer still intends to reference in
// future items. Returns the item key on success, matching the
// confirmation the stream sends back.
func (w *WriterSession) InsertItem(ctx context.Context, item model.Item, keepChunkKeys []core.Key) (core.Key, error) {
	for _, key := range item.Trajectory.ChunkKeys() {
		if _, ok := w.kept[key]; ok {
			continue
		}
		// The chunk may have been committed by an earlier item of this
		// session and still be resident.
		h, ok := w.replay.ChunkStore().Get(key)
		if !ok {
			return 0, fmt.Errorf("%w: item %d references chunk %d the writer never sent", ErrFailedPrecondition, item.Key, key)
		}
		w.kept[key] = h
	}

	if err := w.replay.InsertOrAssign(ctx, item); err != nil {
		return 0, err
	}

	keep := make(map[core.Key]struct{}, len(keepChunkKeys))
	for _, key := range keepChunkKeys {
		keep[key] = struct{}{}
	}
	for key, h := range w.kept {
		if _, ok := keep[key]; !ok {
			h.Release()
			delete(w.kept, key)
		}
	}
	return item.Key, nil
}

// PinnedChunks returns how many chunks the session currently keeps alive.
func (w *WriterSession) PinnedChunks() int {
	return len(w.kept)
}

// Close releases every pin the session still holds. Chunks referenced by
// committed items stay alive through the items' own handles.
func (w *WriterSession) Close() {
	for key, h := range w.kept {
		h.Release()
		delete(w.kept, key)
	}
}
