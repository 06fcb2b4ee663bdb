// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"sync/atomic"

	"github.com/ajroetker/cllm/internal/errs"
)

// EndOfEpoch is returned by Next exactly once per epoch, after the last
// batch, per spec.md §4.5. A subsequent Next call starts the next epoch.
var EndOfEpoch = errs.New(errs.Unknown, "end of epoch")

// Iterator is a thread-safe, reference-counted source of fixed-shape
// Batch values carved from a Source (spec.md §4.5, component C5).
// Multiple goroutines may call Next concurrently; each batch index is
// claimed exactly once via an atomic cursor, so batches are never
// delivered twice.
type Iterator struct {
	src      Source
	pool     *Pool
	b, s     int
	dropLast bool

	windowsPerEpoch int64
	cursor          atomic.Int64 // next unclaimed batch index within the current epoch
	epoch           atomic.Int64
}

// New builds an Iterator over src with batch shape (batchSize, seqLen).
// When dropLast is false, the final batch of each epoch is zero-padded
// and its mask marks the padded positions invalid.
func New(src Source, batchSize, seqLen int, dropLast bool) *Iterator {
	windowSize := batchSize * seqLen
	total := src.Len()
	windows := total / windowSize
	if !dropLast && total%windowSize != 0 {
		windows++
	}
	return &Iterator{
		src:             src,
		pool:            NewPool(batchSize, seqLen, 4),
		b:               batchSize,
		s:               seqLen,
		dropLast:        dropLast,
		windowsPerEpoch: int64(windows),
	}
}

// SizeHint returns the number of batches one epoch yields.
func (it *Iterator) SizeHint() int { return int(it.windowsPerEpoch) }

// ResetEpoch rewinds the cursor so the next Next call starts a fresh
// epoch at batch index zero, without changing the epoch counter already
// reported to in-flight consumers.
func (it *Iterator) ResetEpoch() {
	it.cursor.Store(0)
}

// Next claims the next batch index and fills a recycled Batch from the
// pool. It blocks until ctx is done or a batch becomes available;
// ctx's deadline realises spec.md §4.5's "next(timeout)". Returns
// EndOfEpoch exactly once per epoch (for the consumer that claims the
// final index), then begins serving the next epoch.
func (it *Iterator) Next(ctx context.Context) (*Batch, error) {
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, "batch iterator next", ctx.Err())
	default:
	}

	var idx int64
	for {
		idx = it.cursor.Load()
		if idx >= it.windowsPerEpoch {
			// Only the goroutine whose swap rewinds the cursor reports
			// EndOfEpoch; the next claim starts the next epoch at index 0.
			if it.cursor.CompareAndSwap(idx, 0) {
				it.epoch.Add(1)
				return nil, EndOfEpoch
			}
			continue
		}
		if it.cursor.CompareAndSwap(idx, idx+1) {
			break
		}
	}

	bat := it.pool.Get()
	bat.Epoch = uint64(it.epoch.Load())
	bat.BatchID = uint64(idx)
	it.fill(bat, int(idx))
	return bat, nil
}

func (it *Iterator) fill(bat *Batch, windowIdx int) {
	windowSize := it.b * it.s
	total := it.src.Len()
	base := windowIdx * windowSize

	for i := 0; i < windowSize; i++ {
		pos := base + i
		if pos >= total-1 {
			bat.InputIDs[i] = 0
			bat.TargetIDs[i] = 0
			bat.Mask[i] = 0
			continue
		}
		bat.InputIDs[i] = it.src.At(pos)
		bat.TargetIDs[i] = it.src.At(pos + 1)
		bat.Mask[i] = 1
	}
}
