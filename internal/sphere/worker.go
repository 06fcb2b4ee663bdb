// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package sphere

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ajroetker/cllm/internal/engine"
	"github.com/ajroetker/cllm/internal/model"
	"github.com/ajroetker/cllm/internal/nn"
)

// float64Bits/float64FromBits round-trip a float64 through its bit
// pattern so lossSumBits can be updated with a lock-free CAS loop; this
// is bit reinterpretation, not a host math-library call, the same
// distinction internal/bignum draws for IsNaN/IsInf.
func float64Bits(f float64) uint64    { return math.Float64bits(f) }
func float64FromBits(b uint64) float64 { return math.Float64frombits(b) }

// WorkerContext is the thread-local training context spec.md §4.6
// requires each Worker sphere to own: per-thread activation buffers and
// a private, full-size gradient scratch buffer (localGrad). localGrad
// is zeroed at the start of every accumulation window and accumulates
// every batch this worker personally processes that window; at the
// barrier the scheduler reduces each worker's segment slice of every
// worker's localGrad into the shared model.GradBuffer (see scheduler.go
// for why the reduction, not a direct shared write, is what makes
// Property 3's worker-count invariance attainable without locks on the
// hot path).
type WorkerContext struct {
	sphere    *Sphere
	cache     *nn.Cache
	localGrad *model.GradBuffer

	batchesProcessed atomic.Int64
	lossSumBits      atomic.Uint64 // float64 bits, window-scoped, reset by caller

	// barrier holds the current accumulation window's WaitGroup, swapped
	// in by the scheduler before pushing a window's batches and read by
	// runLoop after each batch it finishes.
	barrier atomic.Pointer[sync.WaitGroup]
}

func newWorkerContext(s *Sphere, cfg model.Config, layout model.Layout) *WorkerContext {
	return &WorkerContext{
		sphere:    s,
		cache:     nn.NewCache(cfg.MaxSeqLen, cfg.EmbeddingDim, cfg.FFDim, cfg.VocabSize, cfg.NumHeads, cfg.NumLayers),
		localGrad: model.NewGradBuffer(layout),
	}
}

func (w *WorkerContext) resetWindow() {
	w.localGrad.Zero()
	w.batchesProcessed.Store(0)
	w.lossSumBits.Store(0)
}

func (w *WorkerContext) addLoss(loss float64) {
	for {
		old := w.lossSumBits.Load()
		next := float64FromBits(old) + loss
		if w.lossSumBits.CompareAndSwap(old, float64Bits(next)) {
			return
		}
	}
}

func (w *WorkerContext) lossSum() float64 { return float64FromBits(w.lossSumBits.Load()) }

// runLoop pops batches from q until ctx is cancelled, running a full
// forward/backward for each and accumulating gradients into localGrad.
// After each successfully processed batch it calls Done on whichever
// WaitGroup the scheduler currently has installed via setBarrier, so
// the per-window barrier can count exactly number_of_batches
// completions, per spec.md §4.6.
func (w *WorkerContext) runLoop(ctx context.Context, q *WorkQueue, cfg model.Config, params *model.Params) {
	for {
		b, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			return
		}

		seqLen := b.S
		for row := 0; row < b.B; row++ {
			lo := row * seqLen
			hi := lo + seqLen
			tokens := b.InputIDs[lo:hi]
			targets := b.TargetIDs[lo:hi]
			mask := b.Mask[lo:hi]

			engine.Forward(cfg, params, w.cache, tokens, mask)
			loss := engine.Backward(cfg, params, w.cache, tokens, targets, mask, w.localGrad)
			w.addLoss(float64(loss))
		}

		w.batchesProcessed.Add(1)
		b.Release()
		if wg := w.barrier.Load(); wg != nil {
			wg.Done()
		}
	}
}
