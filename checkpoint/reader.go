package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/hupe1980/replaygo/blobstore"
	"github.com/hupe1980/replaygo/chunkstore"
	"github.com/hupe1980/replaygo/table"
)

// ReaderOptions contains configuration for the Reader.
type ReaderOptions struct {
	// Fallback is consulted only when the primary store holds no valid
	// checkpoint.
	Fallback blobstore.Store
}

// Reader restores checkpoints from a blob store.
type Reader struct {
	store blobstore.Store
	opts  ReaderOptions
}

// NewReader creates a new checkpoint Reader.
func NewReader(store blobstore.Store, optFns ...func(o *ReaderOptions)) *Reader {
	opts := ReaderOptions{}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Reader{store: store, opts: opts}
}

// LoadedCheckpoint is the result of loading one checkpoint directory. It
// pins every restored chunk until Release, so tables can be rebuilt from
// the descriptors before the loader's references are dropped.
type LoadedCheckpoint struct {
	// Dir is the checkpoint directory the data came from.
	Dir string

	// Tables holds one descriptor per checkpointed table.
	Tables []*table.Checkpoint

	handles []*chunkstore.Handle
}

// Release drops the loader's chunk references. Call after every table has
// been restored.
func (l *LoadedCheckpoint) Release() {
	for _, h := range l.handles {
		h.Release()
	}
	l.handles = nil
}

// LatestDir returns the name of the newest DONE-marked checkpoint
// directory, consulting the fallback store only when the primary has
// none. The second return names the store the directory lives in.
func (r *Reader) LatestDir(ctx context.Context) (string, blobstore.Store, error) {
	dir, err := latestDir(ctx, r.store)
	if err == nil {
		return dir, r.store, nil
	}
	if !errors.Is(err, ErrNoCheckpoint) || r.opts.Fallback == nil {
		return "", nil, err
	}
	dir, err = latestDir(ctx, r.opts.Fallback)
	if err != nil {
		return "", nil, err
	}
	return dir, r.opts.Fallback, nil
}

func latestDir(ctx context.Context, store blobstore.Store) (string, error) {
	// The pointer blob names the newest directory; trust it only if the
	// directory really carries DONE.
	if ptr, err := store.Open(ctx, "LATEST"); err == nil {
		data, readErr := blobstore.ReadAll(ctx, ptr)
		_ = ptr.Close()
		if readErr == nil {
			dir := strings.TrimSpace(string(data))
			if dir != "" && hasDone(ctx, store, dir) {
				return dir, nil
			}
		}
	}

	names, err := store.List(ctx, "")
	if err != nil {
		return "", err
	}

	var dirs []string
	seen := make(map[string]struct{})
	for _, name := range names {
		if path.Base(name) != DoneMarkerName {
			continue
		}
		dir := path.Dir(name)
		if dir == "." {
			continue
		}
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) == 0 {
		return "", ErrNoCheckpoint
	}
	// Directory names sort lexicographically by timestamp.
	sort.Strings(dirs)
	return dirs[len(dirs)-1], nil
}

func hasDone(ctx context.Context, store blobstore.Store, dir string) bool {
	b, err := store.Open(ctx, path.Join(dir, DoneMarkerName))
	if err != nil {
		return false
	}
	_ = b.Close()
	return true
}

// Load reads one checkpoint directory: chunks first, so every table
// descriptor can be resolved against the chunk store, then the table
// records.
func (r *Reader) Load(ctx context.Context, store blobstore.Store, dir string, chunks *chunkstore.Store) (*LoadedCheckpoint, error) {
	loaded := &LoadedCheckpoint{Dir: dir}

	err := readRecords(ctx, store, path.Join(dir, ChunksBlobName), func(payload []byte) error {
		chunk, err := decodeChunk(payload)
		if err != nil {
			return err
		}
		loaded.handles = append(loaded.handles, chunks.InsertOrGet(chunk))
		return nil
	})
	if err != nil {
		loaded.Release()
		return nil, fmt.Errorf("load chunks from %s: %w", dir, err)
	}

	err = readRecords(ctx, store, path.Join(dir, TablesBlobName), func(payload []byte) error {
		cp, err := decodeTable(payload)
		if err != nil {
			return err
		}
		loaded.Tables = append(loaded.Tables, cp)
		return nil
	})
	if err != nil {
		loaded.Release()
		return nil, fmt.Errorf("load tables from %s: %w", dir, err)
	}

	return loaded, nil
}

// RestoreLatest loads the newest valid checkpoint and rebuilds every
// table in it over the given chunk store.
func (r *Reader) RestoreLatest(ctx context.Context, chunks *chunkstore.Store, optFns ...func(o *table.Options)) (map[string]*table.Table, error) {
	dir, store, err := r.LatestDir(ctx)
	if err != nil {
		return nil, err
	}

	loaded, err := r.Load(ctx, store, dir, chunks)
	if err != nil {
		return nil, err
	}
	defer loaded.Release()

	tables := make(map[string]*table.Table, len(loaded.Tables))
	for _, cp := range loaded.Tables {
		t, err := table.Restore(cp, chunks, optFns...)
		if err != nil {
			for _, restored := range tables {
				_ = restored.Close()
			}
			return nil, fmt.Errorf("restore table %s: %w", cp.Name, err)
		}
		tables[cp.Name] = t
	}
	return tables, nil
}

// readRecords streams every record of a blob through fn.
func readRecords(ctx context.Context, store blobstore.Store, name string, fn func(payload []byte) error) error {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = blob.Close() }()

	br := &blobReader{ctx: ctx, blob: blob}

	headerBuf := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(br, headerBuf); err != nil {
		return err
	}
	header, err := parseFileHeader(headerBuf)
	if err != nil {
		return err
	}

	dr, err := newDecompressingReader(Compression(header.Compression), br)
	if err != nil {
		return err
	}
	defer func() { _ = dr.Close() }()

	for {
		payload, err := readRecord(dr)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}

// blobReader adapts a blobstore.Blob to a sequential io.Reader.
type blobReader struct {
	ctx  context.Context
	blob blobstore.Blob
	off  int64
}

func (r *blobReader) Read(p []byte) (int, error) {
	if r.off >= r.blob.Size() {
		return 0, io.EOF
	}
	n, err := r.blob.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	if err != nil && errors.Is(err, io.EOF) && r.off < r.blob.Size() {
		// Short read mid-blob; surface the data and keep going.
		return n, nil
	}
	return n, err
}
