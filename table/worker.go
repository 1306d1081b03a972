package table

import (
	"context"
	"sync"
	"sync/atomic"
)

// sampleWorker serializes queued sample batch requests for one table.
// Tables with deterministic selectors (most importantly Fifo) rely on a
// single draining goroutine so that concurrent batch requests cannot
// interleave their picks.
//
// Every request enqueued before stop receives exactly one response:
// either from the worker loop or from the shutdown drain. The submit
// lock closes the window between the closed check and the send.
type sampleWorker struct {
	table    *Table
	requests chan *sampleRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
	submitMu sync.RWMutex
	wg       sync.WaitGroup
}

type sampleRequest struct {
	ctx               context.Context
	numSamples        int
	flexibleBatchSize int
	respCh            chan sampleResponse
}

type sampleResponse struct {
	items []*SampledItem
	err   error
}

func newSampleWorker(t *Table, queueSize int) *sampleWorker {
	if queueSize <= 0 {
		queueSize = DefaultOptions.WorkerQueueSize
	}
	w := &sampleWorker{
		table:    t,
		requests: make(chan *sampleRequest, queueSize),
		stopCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *sampleWorker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			w.drain()
			return
		case req := <-w.requests:
			w.serve(req)
		}
	}
}

// drain fails all queued requests after stop so no caller hangs.
func (w *sampleWorker) drain() {
	for {
		select {
		case req := <-w.requests:
			req.respCh <- sampleResponse{err: ErrClosed}
		default:
			return
		}
	}
}

func (w *sampleWorker) serve(req *sampleRequest) {
	if err := req.ctx.Err(); err != nil {
		req.respCh <- sampleResponse{err: err}
		return
	}
	items, err := w.table.Sample(req.ctx, req.numSamples, req.flexibleBatchSize)
	req.respCh <- sampleResponse{items: items, err: err}
}

func (w *sampleWorker) enqueue(ctx context.Context, numSamples, flexibleBatchSize int) ([]*SampledItem, error) {
	req := &sampleRequest{
		ctx:               ctx,
		numSamples:        numSamples,
		flexibleBatchSize: flexibleBatchSize,
		respCh:            make(chan sampleResponse, 1),
	}

	w.submitMu.RLock()
	if w.closed.Load() {
		w.submitMu.RUnlock()
		return nil, ErrClosed
	}
	select {
	case w.requests <- req:
		w.submitMu.RUnlock()
	case <-ctx.Done():
		w.submitMu.RUnlock()
		return nil, context.Cause(ctx)
	}

	// The request is owned by the worker now and is guaranteed an
	// answer, so waiting on the response alone cannot hang.
	resp := <-req.respCh
	return resp.items, resp.err
}

func (w *sampleWorker) stop() {
	w.stopOnce.Do(func() {
		w.submitMu.Lock()
		w.closed.Store(true)
		close(w.stopCh)
		w.submitMu.Unlock()
	})
	w.wg.Wait()
}

// SampleQueued routes a sample request through the table's worker so that
// concurrent batch requests are served strictly one at a time.
func (t *Table) SampleQueued(ctx context.Context, numSamples, flexibleBatchSize int) ([]*SampledItem, error) {
	return t.worker.enqueue(ctx, numSamples, flexibleBatchSize)
}
