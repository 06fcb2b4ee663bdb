// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"sync"
	"testing"
)

func TestIteratorDropLastExactCount(t *testing.T) {
	src := make(SliceSource, 101) // 100 tokens of window + 1 for the final target shift
	for i := range src {
		src[i] = uint32(i % 10)
	}
	it := New(src, 2, 5, true) // window = 10, total usable = 100 -> 10 windows

	if got := it.SizeHint(); got != 10 {
		t.Fatalf("SizeHint() = %d, want 10", got)
	}

	ctx := context.Background()
	count := 0
	for {
		b, err := it.Next(ctx)
		if err == EndOfEpoch {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
		b.Release()
	}
	if count != 10 {
		t.Errorf("batches yielded = %d, want 10", count)
	}
}

func TestIteratorNoDuplicateDelivery(t *testing.T) {
	src := make(SliceSource, 241)
	for i := range src {
		src[i] = uint32(i % 7)
	}
	it := New(src, 2, 4, true)

	seen := make(map[uint64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	ctx := context.Background()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				b, err := it.Next(ctx)
				if err == EndOfEpoch {
					return
				}
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}
				mu.Lock()
				if seen[b.BatchID] {
					t.Errorf("batch %d delivered twice", b.BatchID)
				}
				seen[b.BatchID] = true
				mu.Unlock()
				b.Release()
			}
		}()
	}
	wg.Wait()

	if len(seen) != it.SizeHint() {
		t.Errorf("delivered %d distinct batches, want %d", len(seen), it.SizeHint())
	}
}

func TestBatchValidate(t *testing.T) {
	b := &Batch{InputIDs: []uint32{1, 2, 50}, TargetIDs: []uint32{2, 3, 4}}
	if err := b.Validate(10); err == nil {
		t.Fatal("expected out-of-range input id to fail validation")
	}
	if err := b.Validate(100); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPoolRecycling(t *testing.T) {
	p := NewPool(2, 4, 1)
	b := p.Get()
	backing := &b.InputIDs[0]
	b.Release()

	b2 := p.Get()
	if &b2.InputIDs[0] != backing {
		t.Error("expected Get after Release to reuse the freed batch's backing slice")
	}
}
