// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package sphere

import (
	"context"

	"github.com/ajroetker/cllm/internal/batch"
	"github.com/ajroetker/cllm/internal/errs"
)

// WorkQueue is the flat, lock-free, multi-producer/multi-consumer batch
// queue spec.md §4.6/§5 describes. A buffered Go channel is this
// module's idiomatic realisation of the "implemented with a mutex+
// condvar" permission spec.md §5 grants as an alternative to a bespoke
// lock-free structure. Any worker may pop any batch — there is no
// routing by symmetry group, matching spec.md §4.6's explicit rejection
// of k = idx mod 12 routing.
type WorkQueue struct {
	c chan *batch.Batch
}

// NewWorkQueue creates a queue with the given bounded capacity.
func NewWorkQueue(capacity int) *WorkQueue {
	return &WorkQueue{c: make(chan *batch.Batch, capacity)}
}

// Push enqueues b, blocking until ctx is done if the queue is full.
func (q *WorkQueue) Push(ctx context.Context, b *batch.Batch) error {
	select {
	case q.c <- b:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, "work queue push", ctx.Err())
	}
}

// Pop dequeues the next batch, blocking until one is available, the
// queue is closed (ok == false), or ctx is done.
func (q *WorkQueue) Pop(ctx context.Context) (b *batch.Batch, ok bool, err error) {
	select {
	case b, ok = <-q.c:
		return b, ok, nil
	case <-ctx.Done():
		return nil, false, errs.Wrap(errs.Timeout, "work queue pop", ctx.Err())
	}
}

// Close signals that no more batches will ever be pushed; a closed,
// drained queue makes Pop return ok=false. Called once at scheduler
// shutdown, not between accumulation windows — the queue is long-lived
// for the life of a training run, and window boundaries are tracked by
// the scheduler's per-window WaitGroup instead of queue closure.
func (q *WorkQueue) Close() { close(q.c) }
