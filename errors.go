package replaygo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/replaygo/ratelimiter"
	"github.com/hupe1980/replaygo/selector"
	"github.com/hupe1980/replaygo/table"
)

var (
	// ErrInvalidArgument marks selector key conflicts, signature
	// mismatches, negative priorities and malformed configuration.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrFailedPrecondition marks operations on state that is not ready:
	// sampling an empty distribution, items referencing unknown chunks.
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrDeadlineExceeded marks waits that gave up. Rate limiter
	// timeouts satisfy IsRateLimiterTimeout in addition.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrCancelled marks operations interrupted by Close.
	ErrCancelled = errors.New("cancelled")

	// ErrResourceExhausted marks writer backpressure: a stream pinning
	// more uncommitted chunks than the server allows.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTableNotFound is returned when routing to an unknown table.
	ErrTableNotFound = errors.New("table not found")
)

// ErrTableExists indicates a CreateTable with an already used name.
type ErrTableExists struct {
	Name string
}

func (e *ErrTableExists) Error() string {
	return fmt.Sprintf("table %q already exists", e.Name)
}

// IsRateLimiterTimeout reports whether err stems from a rate limiter wait
// that timed out. Stream handlers use this to close cleanly instead of
// failing.
func IsRateLimiterTimeout(err error) bool {
	return ratelimiter.IsTimeout(err)
}

// translateError normalizes subsystem errors into the package sentinels.
// The original error stays reachable via errors.Is and errors.As.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var keyExists *selector.ErrKeyExists
	var keyNotFound *selector.ErrKeyNotFound
	var sigMismatch *table.ErrSignatureMismatch
	if errors.As(err, &keyExists) || errors.As(err, &keyNotFound) ||
		errors.As(err, &sigMismatch) || errors.Is(err, selector.ErrNegativePriority) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	var chunkMissing *table.ErrChunkMissing
	if errors.As(err, &chunkMissing) || errors.Is(err, selector.ErrEmpty) {
		return fmt.Errorf("%w: %w", ErrFailedPrecondition, err)
	}

	if ratelimiter.IsTimeout(err) {
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	}

	if errors.Is(err, table.ErrClosed) || errors.Is(err, ratelimiter.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	return err
}
