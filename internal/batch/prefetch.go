// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Prefetcher runs a single background goroutine that keeps a bounded
// channel of ready Batch values filled ahead of consumers, overlapping
// corpus I/O with compute (spec.md §4.5's "optional pre-fetch task").
// Its goroutine is joined through errgroup so a corpus read failure
// surfaces to the driver as an error instead of vanishing silently.
type Prefetcher struct {
	it   *Iterator
	outC chan *Batch
	grp  *errgroup.Group
	ctx  context.Context
}

// NewPrefetcher starts prefetching from it into a channel of the given
// capacity (spec.md requires capacity >= 2).
func NewPrefetcher(ctx context.Context, it *Iterator, capacity int) *Prefetcher {
	if capacity < 2 {
		capacity = 2
	}
	grp, gctx := errgroup.WithContext(ctx)
	p := &Prefetcher{it: it, outC: make(chan *Batch, capacity), grp: grp, ctx: ctx}

	grp.Go(func() error {
		defer close(p.outC)
		for {
			b, err := it.Next(gctx)
			if err == EndOfEpoch {
				select {
				case p.outC <- nil: // nil marks EndOfEpoch downstream
				case <-gctx.Done():
					return gctx.Err()
				}
				continue
			}
			if err != nil {
				return err
			}
			select {
			case p.outC <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	return p
}

// Batches returns the channel consumers range over; a nil value on the
// channel signals EndOfEpoch for that epoch.
func (p *Prefetcher) Batches() <-chan *Batch { return p.outC }

// Wait blocks until the prefetch goroutine exits, returning its error
// (nil on context cancellation requested by the caller).
func (p *Prefetcher) Wait() error {
	err := p.grp.Wait()
	if err != nil && p.ctx.Err() != nil {
		return nil
	}
	return err
}
