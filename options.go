package replaygo

import (
	"time"

	"github.com/hupe1980/replaygo/blobstore"
	"github.com/hupe1980/replaygo/checkpoint"
	"github.com/hupe1980/replaygo/resource"
)

type options struct {
	logger                *Logger
	metricsCollector      MetricsCollector
	chunkSweepInterval    time.Duration
	checkpointStore       blobstore.Store
	checkpointFallback    blobstore.Store
	checkpointInterval    time.Duration
	checkpointRetention   int
	checkpointCompression checkpoint.Compression
	resourceConfig        resource.Config
}

// Option configures Replay constructor behavior.
type Option func(*options)

// WithLogger configures the logger. If nil is passed, logging is
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(c MetricsCollector) Option {
	return func(o *options) {
		if c == nil {
			c = NoopMetricsCollector{}
		}
		o.metricsCollector = c
	}
}

// WithChunkSweepInterval configures how often the chunk store drops dead
// entries. Zero disables the background sweep.
func WithChunkSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.chunkSweepInterval = d
	}
}

// WithCheckpointStore configures where checkpoints are written. Without a
// store, checkpointing is disabled.
func WithCheckpointStore(store blobstore.Store) Option {
	return func(o *options) {
		o.checkpointStore = store
	}
}

// WithCheckpointFallbackStore configures a second store consulted on
// restore only when the primary holds no valid checkpoint.
func WithCheckpointFallbackStore(store blobstore.Store) Option {
	return func(o *options) {
		o.checkpointFallback = store
	}
}

// WithCheckpointInterval configures periodic checkpointing. Zero disables
// the background loop; Checkpoint can still be called manually.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *options) {
		o.checkpointInterval = d
	}
}

// WithCheckpointRetention keeps the newest n checkpoints and deletes the
// rest. Zero keeps everything.
func WithCheckpointRetention(n int) Option {
	return func(o *options) {
		o.checkpointRetention = n
	}
}

// WithCheckpointCompression configures the checkpoint record codec.
func WithCheckpointCompression(c checkpoint.Compression) Option {
	return func(o *options) {
		o.checkpointCompression = c
	}
}

// WithResourceConfig bounds background work (checkpointing, sweeps).
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceConfig = cfg
	}
}
