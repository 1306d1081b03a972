package replaygo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/replaygo/blobstore"
	"github.com/hupe1980/replaygo/checkpoint"
	"github.com/hupe1980/replaygo/chunkstore"
	"github.com/hupe1980/replaygo/config"
	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
	"github.com/hupe1980/replaygo/ratelimiter"
	"github.com/hupe1980/replaygo/resource"
	"github.com/hupe1980/replaygo/selector"
	"github.com/hupe1980/replaygo/table"
)

// Replay is a multi-table in-memory experience replay store. All tables
// share one chunk store, so trajectory data inserted once is shared by
// reference across items and tables.
type Replay struct {
	opts   options
	chunks *chunkstore.Store
	ctrl   *resource.Controller

	mu      sync.RWMutex
	tables  map[string]*table.Table
	closed  bool
	manager *checkpoint.Manager
}

// New creates a new Replay store.
func New(optFns ...Option) (*Replay, error) {
	opts := options{
		chunkSweepInterval:    time.Minute,
		checkpointCompression: checkpoint.CompressionZstd,
		checkpointRetention:   checkpoint.DefaultManagerOptions.Retention,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.logger == nil {
		opts.logger = NewLogger(nil)
	}
	if opts.metricsCollector == nil {
		opts.metricsCollector = NoopMetricsCollector{}
	}

	r := &Replay{
		opts: opts,
		chunks: chunkstore.New(func(o *chunkstore.Options) {
			o.SweepInterval = opts.chunkSweepInterval
		}),
		ctrl:   resource.NewController(opts.resourceConfig),
		tables: make(map[string]*table.Table),
	}

	if opts.checkpointStore != nil && opts.checkpointInterval > 0 {
		r.manager = r.newManager(opts.checkpointInterval)
	}

	return r, nil
}

// FromConfig builds a Replay store with all tables and checkpointing
// described by the configuration document. Options are applied first so
// the document wins on conflicts.
func FromConfig(cfg *config.Config, optFns ...Option) (*Replay, error) {
	if cc := cfg.Checkpoint; cc != nil {
		compression, err := parseCompression(cc.Compression)
		if err != nil {
			return nil, err
		}
		optFns = append(optFns,
			WithCheckpointInterval(cc.Interval),
			WithCheckpointRetention(cc.Retention),
			WithCheckpointCompression(compression),
		)
		if cc.Path != "" {
			optFns = append(optFns, WithCheckpointStore(blobStoreForPath(cc.Path)))
		}
		if cc.FallbackPath != "" {
			optFns = append(optFns, WithCheckpointFallbackStore(blobStoreForPath(cc.FallbackPath)))
		}
	}

	r, err := New(optFns...)
	if err != nil {
		return nil, err
	}

	for _, tc := range cfg.Tables {
		if _, err := r.createTableFromConfig(tc); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	return r, nil
}

// CreateTable registers a new table.
func (r *Replay) CreateTable(name string, optFns ...func(o *table.Options)) (*table.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrCancelled
	}
	if _, ok := r.tables[name]; ok {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, &ErrTableExists{Name: name})
	}

	t, err := table.New(name, r.chunks, func(o *table.Options) {
		o.Logger = r.opts.logger.Logger
		for _, fn := range optFns {
			fn(o)
		}
	})
	if err != nil {
		return nil, translateError(err)
	}
	r.tables[name] = t
	return t, nil
}

func (r *Replay) createTableFromConfig(tc config.TableConfig) (*table.Table, error) {
	samplerOpts, err := tc.Sampler.Options()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	removerOpts, err := tc.Remover.Options()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	sampler, err := selector.New(samplerOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	remover, err := selector.New(removerOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	var limiter *ratelimiter.RateLimiter
	if rl := tc.RateLimiter; rl != nil {
		limiter, err = ratelimiter.New(func(o *ratelimiter.Options) {
			o.SamplesPerInsert = rl.SamplesPerInsert
			o.MinSizeToSample = rl.MinSizeToSample
			o.MinDiff = rl.MinDiff
			o.MaxDiff = rl.MaxDiff
			o.Timeout = rl.Timeout
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}

	return r.CreateTable(tc.Name, func(o *table.Options) {
		o.MaxSize = tc.MaxSize
		o.MaxTimesSampled = tc.MaxTimesSampled
		o.Sampler = sampler
		o.Remover = remover
		o.Limiter = limiter
	})
}

// Table returns a registered table.
func (r *Replay) Table(name string) (*table.Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return t, nil
}

// ChunkStore returns the shared chunk store.
func (r *Replay) ChunkStore() *chunkstore.Store {
	return r.chunks
}

// InsertChunk registers a chunk and returns a handle the caller owns.
func (r *Replay) InsertChunk(chunk *model.Chunk) *chunkstore.Handle {
	return r.chunks.InsertOrGet(chunk)
}

// InsertOrAssign routes an item to its table by name.
func (r *Replay) InsertOrAssign(ctx context.Context, item model.Item) error {
	start := time.Now()

	t, err := r.Table(item.Table)
	if err == nil {
		err = translateError(t.InsertOrAssign(ctx, item))
	}

	r.opts.metricsCollector.RecordInsert(time.Since(start), err)
	r.opts.logger.LogInsert(ctx, item.Table, uint64(item.Key), err)
	return err
}

// Sample draws up to numSamples items from a table through its sample
// worker. Pass flexibleBatchSize <= 0 for the selector-dependent default.
func (r *Replay) Sample(ctx context.Context, tableName string, numSamples, flexibleBatchSize int) ([]*table.SampledItem, error) {
	start := time.Now()

	var items []*table.SampledItem
	t, err := r.Table(tableName)
	if err == nil {
		items, err = t.SampleQueued(ctx, numSamples, flexibleBatchSize)
		err = translateError(err)
	}

	r.opts.metricsCollector.RecordSample(len(items), time.Since(start), err)
	r.opts.logger.LogSample(ctx, tableName, numSamples, len(items), err)
	return items, err
}

// MutateItems applies priority updates and deletions atomically on one
// table. Unknown keys are logged and skipped.
func (r *Replay) MutateItems(ctx context.Context, tableName string, updates []table.PriorityUpdate, deletes []core.Key) error {
	start := time.Now()

	t, err := r.Table(tableName)
	if err == nil {
		err = translateError(t.MutateItems(updates, deletes))
	}

	r.opts.metricsCollector.RecordMutate(len(updates), len(deletes), time.Since(start), err)
	r.opts.logger.LogMutate(ctx, tableName, len(updates), len(deletes), err)
	return err
}

// Reset clears one table.
func (r *Replay) Reset(tableName string) error {
	t, err := r.Table(tableName)
	if err != nil {
		return err
	}
	return translateError(t.Reset())
}

// Info returns summaries of all tables, in no particular order.
func (r *Replay) Info() []model.TableInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]model.TableInfo, 0, len(r.tables))
	for _, t := range r.tables {
		infos = append(infos, t.Info())
	}
	return infos
}

// Checkpoint writes one checkpoint of every table now. Requires a
// checkpoint store.
func (r *Replay) Checkpoint(ctx context.Context) (string, error) {
	if r.opts.checkpointStore == nil {
		return "", fmt.Errorf("%w: no checkpoint store configured", ErrFailedPrecondition)
	}

	r.mu.Lock()
	m := r.manager
	if m == nil {
		m = r.newManager(0)
		r.manager = m
	}
	r.mu.Unlock()

	start := time.Now()
	dir, err := m.Checkpoint(ctx)
	r.opts.metricsCollector.RecordCheckpoint(time.Since(start), err)
	r.opts.logger.LogCheckpoint(ctx, dir, time.Since(start), err)
	return dir, err
}

// Restore loads the newest valid checkpoint from the configured store
// (or the fallback) and replaces this store's tables with the restored
// ones. Restore is meant for process start, before traffic is admitted.
func (r *Replay) Restore(ctx context.Context) error {
	if r.opts.checkpointStore == nil {
		return fmt.Errorf("%w: no checkpoint store configured", ErrFailedPrecondition)
	}

	reader := checkpoint.NewReader(r.opts.checkpointStore, func(o *checkpoint.ReaderOptions) {
		o.Fallback = r.opts.checkpointFallback
	})

	tables, err := reader.RestoreLatest(ctx, r.chunks, func(o *table.Options) {
		o.Logger = r.opts.logger.Logger
	})
	r.opts.logger.LogRestore(ctx, "", len(tables), err)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, t := range tables {
		if old, ok := r.tables[name]; ok {
			_ = old.Close()
		}
		r.tables[name] = t
	}
	return nil
}

// snapshots collects a consistent checkpoint of every table.
func (r *Replay) snapshots() ([]*table.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*table.Checkpoint, 0, len(r.tables))
	for _, t := range r.tables {
		cp, err := t.CheckpointSnapshot()
		if err != nil {
			for _, done := range out {
				done.Release()
			}
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r *Replay) newManager(interval time.Duration) *checkpoint.Manager {
	return checkpoint.NewManager(r.opts.checkpointStore, r.snapshots, func(o *checkpoint.ManagerOptions) {
		o.Interval = interval
		o.Retention = r.opts.checkpointRetention
		o.Compression = r.opts.checkpointCompression
		o.Controller = r.ctrl
		o.Logger = r.opts.logger.Logger
	})
}

// Close cancels all waiters, stops background work and closes every
// table. Subsequent operations fail with ErrCancelled.
func (r *Replay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrCancelled
	}
	r.closed = true
	manager := r.manager
	tables := make([]*table.Table, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	r.mu.Unlock()

	if manager != nil {
		manager.Close()
	}
	for _, t := range tables {
		_ = t.Close()
	}
	r.chunks.Close()
	return nil
}

// blobStoreForPath maps a config path to the local filesystem backend.
// Object-store backends are constructed by the host and injected via
// WithCheckpointStore.
func blobStoreForPath(path string) blobstore.Store {
	return blobstore.NewLocalStore(path)
}

func parseCompression(name string) (checkpoint.Compression, error) {
	switch name {
	case "", "zstd":
		return checkpoint.CompressionZstd, nil
	case "lz4":
		return checkpoint.CompressionLZ4, nil
	case "none":
		return checkpoint.CompressionNone, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrInvalidArgument, name)
	}
}
