package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/replaygo/blobstore"
	"github.com/hupe1980/replaygo/resource"
	"github.com/hupe1980/replaygo/table"
)

// SnapshotSource produces the table snapshots of one checkpoint. The
// manager releases them after writing.
type SnapshotSource func() ([]*table.Checkpoint, error)

// ManagerOptions contains configuration for the Manager.
type ManagerOptions struct {
	// Interval between automatic checkpoints. Zero disables the
	// background loop; Checkpoint can still be called manually.
	Interval time.Duration

	// Retention keeps the newest N checkpoint directories and deletes
	// the rest. Zero keeps everything.
	Retention int

	// Compression is the record stream codec.
	Compression Compression

	// Controller throttles checkpoint IO and bounds concurrent
	// background jobs.
	Controller *resource.Controller

	// Logger receives checkpoint lifecycle events. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// DefaultManagerOptions returns default Manager options.
var DefaultManagerOptions = ManagerOptions{
	Interval:    10 * time.Minute,
	Retention:   3,
	Compression: CompressionZstd,
}

// Manager periodically checkpoints a set of tables with retention.
type Manager struct {
	store  blobstore.Store
	writer *Writer
	source SnapshotSource
	opts   ManagerOptions

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new checkpoint Manager and starts its background
// loop when an interval is configured.
func NewManager(store blobstore.Store, source SnapshotSource, optFns ...func(o *ManagerOptions)) *Manager {
	opts := DefaultManagerOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		store: store,
		writer: NewWriter(store, func(o *WriterOptions) {
			o.Compression = opts.Compression
			o.Controller = opts.Controller
		}),
		source: source,
		opts:   opts,
		stopCh: make(chan struct{}),
	}

	if opts.Interval > 0 {
		m.wg.Add(1)
		go m.loop()
	}

	return m
}

// Checkpoint writes one checkpoint now and applies retention. It returns
// the new directory name.
func (m *Manager) Checkpoint(ctx context.Context) (string, error) {
	if err := m.opts.Controller.AcquireWorker(ctx); err != nil {
		return "", err
	}
	defer m.opts.Controller.ReleaseWorker()

	snapshots, err := m.source()
	if err != nil {
		return "", err
	}
	defer func() {
		for _, cp := range snapshots {
			cp.Release()
		}
	}()

	// Nanosecond timestamps padded to fixed width sort lexicographically
	// by creation time.
	dir := fmt.Sprintf("%020d", time.Now().UnixNano())

	start := time.Now()
	if err := m.writer.Save(ctx, dir, snapshots); err != nil {
		m.opts.Logger.Error("checkpoint failed",
			"dir", dir,
			"error", err,
		)
		return "", err
	}

	m.opts.Logger.Info("checkpoint saved",
		"dir", dir,
		"tables", len(snapshots),
		"duration", time.Since(start),
	)

	if err := m.applyRetention(ctx); err != nil {
		m.opts.Logger.Warn("checkpoint retention failed",
			"error", err,
		)
	}
	return dir, nil
}

// applyRetention deletes everything but the newest Retention DONE-marked
// directories. Unfinished directories are left alone.
func (m *Manager) applyRetention(ctx context.Context) error {
	if m.opts.Retention <= 0 {
		return nil
	}

	names, err := m.store.List(ctx, "")
	if err != nil {
		return err
	}

	byDir := make(map[string][]string)
	var done []string
	for _, name := range names {
		dir := path.Dir(name)
		if dir == "." {
			continue
		}
		byDir[dir] = append(byDir[dir], name)
		if path.Base(name) == DoneMarkerName {
			done = append(done, dir)
		}
	}
	if len(done) <= m.opts.Retention {
		return nil
	}
	sort.Strings(done)

	for _, dir := range done[:len(done)-m.opts.Retention] {
		// DONE first so a partial delete never looks like a valid
		// checkpoint.
		if err := m.store.Delete(ctx, path.Join(dir, DoneMarkerName)); err != nil {
			return err
		}
		for _, name := range byDir[dir] {
			if path.Base(name) == DoneMarkerName {
				continue
			}
			if err := m.store.Delete(ctx, name); err != nil {
				return err
			}
		}
		m.opts.Logger.Debug("checkpoint expired",
			"dir", dir,
		)
	}
	return nil
}

// Close stops the background loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.Interval)
			_, err := m.Checkpoint(ctx)
			cancel()
			if err != nil {
				// Already logged; keep the loop alive.
				continue
			}
		}
	}
}
