// Package ratelimiter provides the two-sided admission controller that
// couples a table's insertion and sampling rates.
//
// The limiter tracks three monotone counters (inserts, samples, deletes)
// and admits operations based on the error between the target
// samples-per-insert ratio and the observed sample count. Inserters block
// when samplers are too far behind; samplers block when they run ahead or
// the table is still too small.
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/replaygo/model"
)

// timeoutExceededMessage marks a wait that gave up before admission. It is
// matched by IsTimeout so stream handlers can translate the condition into
// a clean end-of-stream instead of a hard failure.
const timeoutExceededMessage = "Rate Limiter: Timeout exceeded before the right to insert was acquired."

var (
	// ErrTimeout is returned when a wait's deadline elapsed before the
	// operation was admitted.
	ErrTimeout = errors.New(timeoutExceededMessage)

	// ErrClosed is returned to waiters when the limiter is closed.
	ErrClosed = errors.New("rate limiter closed")
)

// IsTimeout reports whether err marks a rate limiter timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Options contains configuration for the RateLimiter.
type Options struct {
	// SamplesPerInsert is the target ratio of samples to inserts. Must
	// be positive.
	SamplesPerInsert float64

	// MinSizeToSample is the minimum table size before any sample is
	// admitted. Must be at least 1.
	MinSizeToSample int64

	// MinDiff and MaxDiff bound the admissible error window
	// SamplesPerInsert*(inserts-deletes) - samples.
	MinDiff float64
	MaxDiff float64

	// Timeout bounds every blocking wait. Zero means no default bound;
	// callers may still bound individual waits through their context.
	Timeout time.Duration
}

// DefaultOptions returns limiter options whose diff window never blocks
// either side; samples still wait until the table holds at least one item.
var DefaultOptions = Options{
	SamplesPerInsert: 1,
	MinSizeToSample:  1,
	MinDiff:          -1e18,
	MaxDiff:          1e18,
}

// RateLimiter is the admission controller of a single table.
//
// Waiters never spin: each side parks on a broadcast channel that is
// replaced whenever a counter on the opposite side moves, and re-tests its
// predicate under the mutex after every wakeup.
type RateLimiter struct {
	mu   sync.Mutex
	opts Options

	inserts int64
	samples int64
	deletes int64

	// insertCh wakes blocked inserters, sampleCh wakes blocked samplers.
	// Closed and replaced on every relevant counter mutation.
	insertCh chan struct{}
	sampleCh chan struct{}

	closed bool
}

// New creates a new RateLimiter.
func New(optFns ...func(o *Options)) (*RateLimiter, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.SamplesPerInsert <= 0 {
		return nil, fmt.Errorf("samples per insert must be positive, got %v", opts.SamplesPerInsert)
	}
	if opts.MinDiff > opts.MaxDiff {
		return nil, fmt.Errorf("min diff (%v) must not exceed max diff (%v)", opts.MinDiff, opts.MaxDiff)
	}
	if opts.MinSizeToSample < 1 {
		return nil, fmt.Errorf("min size to sample must be at least 1, got %d", opts.MinSizeToSample)
	}

	return &RateLimiter{
		opts:     opts,
		insertCh: make(chan struct{}),
		sampleCh: make(chan struct{}),
	}, nil
}

// size returns inserts - deletes. Callers hold r.mu.
func (r *RateLimiter) size() int64 {
	return r.inserts - r.deletes
}

// errorDiff returns SamplesPerInsert*size - samples. Callers hold r.mu.
func (r *RateLimiter) errorDiff() float64 {
	return r.opts.SamplesPerInsert*float64(r.size()) - float64(r.samples)
}

// canInsertLocked reports insert admissibility with the current counters.
func (r *RateLimiter) canInsertLocked() bool {
	return r.errorDiff() <= r.opts.MaxDiff
}

// canSampleLocked reports sample admissibility with the current counters.
func (r *RateLimiter) canSampleLocked() bool {
	return r.size() >= r.opts.MinSizeToSample && r.errorDiff() >= r.opts.MinDiff
}

// CanInsert reports whether an insert would currently be admitted.
func (r *RateLimiter) CanInsert() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canInsertLocked()
}

// CanSample reports whether a sample would currently be admitted.
func (r *RateLimiter) CanSample() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canSampleLocked()
}

// AwaitCanInsert blocks until an insert is admissible, the context is
// cancelled, or the limiter's timeout elapses. The caller must not hold
// the table mutex.
func (r *RateLimiter) AwaitCanInsert(ctx context.Context) error {
	return r.await(ctx, r.canInsertLocked, func() chan struct{} { return r.insertCh })
}

// AwaitCanSample blocks until a sample is admissible, the context is
// cancelled, or the limiter's timeout elapses. The caller must not hold
// the table mutex.
func (r *RateLimiter) AwaitCanSample(ctx context.Context) error {
	return r.await(ctx, r.canSampleLocked, func() chan struct{} { return r.sampleCh })
}

func (r *RateLimiter) await(ctx context.Context, admissible func() bool, waitCh func() chan struct{}) error {
	var timeoutCh <-chan time.Time
	if r.opts.Timeout > 0 {
		timer := time.NewTimer(r.opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		if admissible() {
			r.mu.Unlock()
			return nil
		}
		ch := waitCh()
		r.mu.Unlock()

		select {
		case <-ch:
			// Counters moved; re-test the predicate.
		case <-timeoutCh:
			return ErrTimeout
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return context.Cause(ctx)
		}
	}
}

// Insert records a committed insertion and wakes blocked samplers.
func (r *RateLimiter) Insert() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	r.signalSamplersLocked()
}

// Sample records n committed samples and wakes blocked inserters.
func (r *RateLimiter) Sample(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples += int64(n)
	r.signalInsertersLocked()
}

// Delete records a deletion and wakes both sides. Deletes are never
// blocked.
func (r *RateLimiter) Delete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	r.signalSamplersLocked()
	r.signalInsertersLocked()
}

func (r *RateLimiter) signalSamplersLocked() {
	close(r.sampleCh)
	r.sampleCh = make(chan struct{})
}

func (r *RateLimiter) signalInsertersLocked() {
	close(r.insertCh)
	r.insertCh = make(chan struct{})
}

// Reset clears the counters and wakes all waiters for re-evaluation.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts = 0
	r.samples = 0
	r.deletes = 0
	r.signalSamplersLocked()
	r.signalInsertersLocked()
}

// Close cancels all current and future waiters. Mutation recording stays
// functional so an in-flight operation can still finish its bookkeeping.
func (r *RateLimiter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.signalSamplersLocked()
	r.signalInsertersLocked()
}

// Info reports the limiter's configuration and counters.
func (r *RateLimiter) Info() model.LimiterInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.LimiterInfo{
		SamplesPerInsert: r.opts.SamplesPerInsert,
		MinSizeToSample:  r.opts.MinSizeToSample,
		MinDiff:          r.opts.MinDiff,
		MaxDiff:          r.opts.MaxDiff,
		Inserts:          r.inserts,
		Samples:          r.samples,
		Deletes:          r.deletes,
	}
}

// Restore overwrites the counters from a checkpointed state so a restored
// limiter resumes with the same coupling.
func (r *RateLimiter) Restore(info model.LimiterInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts = info.Inserts
	r.samples = info.Samples
	r.deletes = info.Deletes
	r.signalSamplersLocked()
	r.signalInsertersLocked()
}

// String returns a debug representation.
func (r *RateLimiter) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("RateLimiter(spi=%v, minSize=%d, minDiff=%v, maxDiff=%v, inserts=%d, samples=%d, deletes=%d)",
		r.opts.SamplesPerInsert, r.opts.MinSizeToSample, r.opts.MinDiff, r.opts.MaxDiff,
		r.inserts, r.samples, r.deletes)
}
