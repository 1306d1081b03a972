package replaygo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordInsert is called after each insert operation.
	// duration is the total time taken including admission waits,
	// err is nil if successful.
	RecordInsert(duration time.Duration, err error)

	// RecordSample is called after each sample operation.
	// returned is the number of items handed to the sampler.
	RecordSample(returned int, duration time.Duration, err error)

	// RecordMutate is called after each mutate operation.
	RecordMutate(updates, deletes int, duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint write.
	RecordCheckpoint(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)           {}
func (NoopMetricsCollector) RecordSample(int, time.Duration, error)      {}
func (NoopMetricsCollector) RecordMutate(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordCheckpoint(time.Duration, error)       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount          atomic.Int64
	InsertErrors         atomic.Int64
	InsertTotalNanos     atomic.Int64
	SampleCount          atomic.Int64
	SampleErrors         atomic.Int64
	SampledItems         atomic.Int64
	SampleTotalNanos     atomic.Int64
	MutateCount          atomic.Int64
	MutateErrors         atomic.Int64
	CheckpointCount      atomic.Int64
	CheckpointErrors     atomic.Int64
	CheckpointTotalNanos atomic.Int64
}

// Compile time check to ensure BasicMetricsCollector satisfies the interface.
var _ MetricsCollector = (*BasicMetricsCollector)(nil)

func (c *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	c.InsertCount.Add(1)
	c.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		c.InsertErrors.Add(1)
	}
}

func (c *BasicMetricsCollector) RecordSample(returned int, duration time.Duration, err error) {
	c.SampleCount.Add(1)
	c.SampledItems.Add(int64(returned))
	c.SampleTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		c.SampleErrors.Add(1)
	}
}

func (c *BasicMetricsCollector) RecordMutate(updates, deletes int, duration time.Duration, err error) {
	c.MutateCount.Add(1)
	if err != nil {
		c.MutateErrors.Add(1)
	}
}

func (c *BasicMetricsCollector) RecordCheckpoint(duration time.Duration, err error) {
	c.CheckpointCount.Add(1)
	c.CheckpointTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		c.CheckpointErrors.Add(1)
	}
}
