// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package sphere

import (
	"context"
	"sync"

	"github.com/ajroetker/cllm/internal/batch"
	"github.com/ajroetker/cllm/internal/model"
	"github.com/ajroetker/cllm/internal/workerpool"
)

// Scheduler owns the sphere hierarchy, the shared work queue, and the
// persistent worker goroutines, and drives one accumulation window at a
// time (spec.md §4.6/§5). It is created once per training run and its
// workers run for the run's full lifetime; shutdown is cooperative via
// context cancellation, matching spec.md §5's "stop flag checked at
// each worker loop iteration".
type Scheduler struct {
	hierarchy *Hierarchy
	queue     *WorkQueue
	contexts  []*WorkerContext
	cfg       model.Config
	params    *model.Params
	reducers  *workerpool.Pool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup // tracks worker goroutines, for Shutdown
}

// New builds the hierarchy for depth and starts its worker goroutines.
// queueCapacity bounds the shared work queue (spec.md §4.6's lock-free
// MPMC queue).
func New(ctx context.Context, depth int, cfg model.Config, params *model.Params, queueCapacity int) *Scheduler {
	h := BuildHierarchy(depth, cfg.NumWeights())
	runCtx, cancel := context.WithCancel(ctx)

	s := &Scheduler{
		hierarchy: h,
		queue:     NewWorkQueue(queueCapacity),
		cfg:       cfg,
		params:    params,
		reducers:  workerpool.New(len(h.Workers)),
		runCtx:    runCtx,
		runCancel: cancel,
	}

	s.contexts = make([]*WorkerContext, len(h.Workers))
	for i, w := range h.Workers {
		s.contexts[i] = newWorkerContext(w, cfg, params.Layout)
	}

	for _, wc := range s.contexts {
		s.wg.Add(1)
		go func(wc *WorkerContext) {
			defer s.wg.Done()
			wc.runLoop(runCtx, s.queue, cfg, params)
		}(wc)
	}

	return s
}

// NumWorkers returns the number of leaf Worker spheres.
func (s *Scheduler) NumWorkers() int { return len(s.hierarchy.Workers) }

// RunWindow enqueues batches, waits for every one to be processed
// exactly once (the barrier from spec.md §4.6), reduces every worker's
// local gradient into the shared buffer, and returns the mean loss over
// the window. RunWindow zeroes grad itself before the reduce and writes
// into it, but does not own its lifetime.
func (s *Scheduler) RunWindow(ctx context.Context, batches []*batch.Batch, grad *model.GradBuffer) (float64, error) {
	var wg sync.WaitGroup
	wg.Add(len(batches))
	for _, wc := range s.contexts {
		wc.resetWindow()
	}

	s.setBarrier(&wg)
	defer s.clearBarrier()

	for _, b := range batches {
		if err := s.queue.Push(ctx, b); err != nil {
			return 0, err
		}
	}
	wg.Wait()

	grad.Zero()
	s.reduce(grad)

	var lossSum float64
	var batchCount int64
	for _, wc := range s.contexts {
		lossSum += wc.lossSum()
		batchCount += wc.batchesProcessed.Load()
	}
	if batchCount == 0 {
		return 0, nil
	}
	return lossSum / float64(batchCount), nil
}

// reduce implements the barrier/reduce step: for each worker's
// exclusive segment, sum that range across every worker's private
// localGrad into the shared buffer. Only the owning worker's task ever
// writes to its own segment of the shared buffer, so this stays
// lock-free even though it reads every worker's scratch space. Every
// worker's segment is one unit of atomically-stolen work on s.reducers
// rather than a freshly spawned goroutine, since this runs once per
// accumulation window for the life of the run.
func (s *Scheduler) reduce(grad *model.GradBuffer) {
	s.reducers.ParallelForAtomic(len(s.contexts), func(idx int) {
		wc := s.contexts[idx]
		dst := segmentView(grad, wc.sphere)
		off, size := wc.sphere.SegmentOffset, wc.sphere.SegmentSize
		for _, other := range s.contexts {
			src := other.localGrad.Data[off : off+size]
			for i, v := range src {
				dst[i] += v
			}
		}
	})
}

// setBarrier/clearBarrier let every worker's runLoop call Done on the
// window's WaitGroup without threading it through the queue itself.
func (s *Scheduler) setBarrier(wg *sync.WaitGroup) {
	for _, wc := range s.contexts {
		wc.barrier.Store(wg)
	}
}

func (s *Scheduler) clearBarrier() {
	for _, wc := range s.contexts {
		wc.barrier.Store(nil)
	}
}

// Shutdown cancels the run context and waits for every worker goroutine
// to exit (spec.md §5's cancellation contract).
func (s *Scheduler) Shutdown() {
	s.runCancel()
	s.queue.Close()
	s.wg.Wait()
	s.reducers.Close()
}
