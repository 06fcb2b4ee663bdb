// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package batch implements the fixed-shape batch type, its free-list
// pool, and the epoch-aware iterator a sphere worker pulls from
// (spec.md §4.5, component C5).
package batch

import (
	"sync/atomic"

	"github.com/ajroetker/cllm/internal/errs"
)

// Batch carries one fixed-shape (B, S) slice of tokenised corpus: flat
// input_ids/target_ids/mask of length B*S, plus the bookkeeping fields
// spec.md §3 lists. It is reference-counted: Release decrements the
// count and returns the backing slices to its owning Pool once it hits
// zero, so repeated epochs reuse allocations instead of growing the
// garbage collector's workload.
type Batch struct {
	InputIDs  []uint32
	TargetIDs []uint32
	Mask      []float32 // 1 = valid position, 0 = padding

	BatchID uint64
	Epoch   uint64
	B, S    int

	pool *Pool
	refs atomic.Int32
}

// Retain increments the reference count; paired with Release.
func (b *Batch) Retain() { b.refs.Add(1) }

// Release decrements the reference count and, if it reaches zero,
// returns the batch to its pool for reuse.
func (b *Batch) Release() {
	if b.refs.Add(-1) == 0 && b.pool != nil {
		b.pool.put(b)
	}
}

// Validate checks spec.md §3's batch invariant: every token id is within
// [0, vocabSize).
func (b *Batch) Validate(vocabSize int) error {
	for _, id := range b.InputIDs {
		if int(id) >= vocabSize {
			return errs.New(errs.Data, "input_ids token id out of vocabulary range")
		}
	}
	for _, id := range b.TargetIDs {
		if int(id) >= vocabSize {
			return errs.New(errs.Data, "target_ids token id out of vocabulary range")
		}
	}
	return nil
}

// Pool pre-allocates Batch values sized for a fixed (B, S) shape and
// recycles them through a free list, avoiding per-batch allocation
// churn across an epoch (spec.md §3 "Batch queue / pool").
type Pool struct {
	b, s  int
	freeC chan *Batch
}

// NewPool creates a pool that pre-allocates capacity batches of shape
// (b, s) up front.
func NewPool(b, s, capacity int) *Pool {
	p := &Pool{b: b, s: s, freeC: make(chan *Batch, capacity)}
	for i := 0; i < capacity; i++ {
		p.freeC <- p.alloc()
	}
	return p
}

func (p *Pool) alloc() *Batch {
	n := p.b * p.s
	return &Batch{
		InputIDs:  make([]uint32, n),
		TargetIDs: make([]uint32, n),
		Mask:      make([]float32, n),
		B:         p.b,
		S:         p.s,
		pool:      p,
	}
}

// Get returns a recycled Batch if the free list is non-empty, or
// allocates a fresh one otherwise. The returned batch starts with a
// reference count of one.
func (p *Pool) Get() *Batch {
	var bat *Batch
	select {
	case bat = <-p.freeC:
	default:
		bat = p.alloc()
	}
	bat.refs.Store(1)
	return bat
}

func (p *Pool) put(b *Batch) {
	select {
	case p.freeC <- b:
	default:
		// Free list is full; let this one be garbage collected.
	}
}
