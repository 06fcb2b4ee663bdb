// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"testing"
)

func TestLayerNormForwardNormalizes(t *testing.T) {
	const dim = 4
	x := []F{1, 2, 3, 4}
	gamma := []F{1, 1, 1, 1}
	beta := []F{0, 0, 0, 0}
	out := make([]F, dim)
	cache := NewLayerNormCache(1)

	LayerNormForward(x, gamma, beta, dim, cache, out)

	var mean F
	for _, v := range out {
		mean += v
	}
	mean /= dim
	if math.Abs(float64(mean)) > 1e-3 {
		t.Errorf("normalized mean = %v, want ~0", mean)
	}
}

func TestLayerNormBackwardShapes(t *testing.T) {
	const dim = 4
	x := []F{1, 2, 3, 4}
	gamma := []F{1, 1, 1, 1}
	beta := []F{0, 0, 0, 0}
	out := make([]F, dim)
	cache := NewLayerNormCache(1)
	LayerNormForward(x, gamma, beta, dim, cache, out)

	dout := []F{0.1, -0.2, 0.3, -0.1}
	dx := make([]F, dim)
	dgamma := make([]F, dim)
	dbeta := make([]F, dim)
	LayerNormBackward(dout, x, gamma, dim, cache, dx, dgamma, dbeta)

	for i, v := range dbeta {
		if v != dout[i] {
			t.Errorf("dbeta[%d] = %v, want %v", i, v, dout[i])
		}
	}
}

func TestAttentionForwardRowsSumToOne(t *testing.T) {
	const seqLen, dim, heads = 3, 4, 2
	x := make([]F, seqLen*dim)
	for i := range x {
		x[i] = F(i%5) * 0.1
	}
	wq := identity(dim)
	wk := identity(dim)
	wv := identity(dim)
	cache := NewAttentionCache(seqLen, dim, heads)
	out := make([]F, seqLen*dim)

	AttentionForward(x, wq, wk, wv, nil, seqLen, dim, heads, cache, out)

	for h := 0; h < heads; h++ {
		base := h * seqLen * seqLen
		for i := 0; i < seqLen; i++ {
			var sum F
			for j := 0; j < seqLen; j++ {
				sum += cache.A[base+i*seqLen+j]
			}
			if math.Abs(float64(sum)-1) > 1e-3 {
				t.Errorf("head %d row %d softmax sums to %v, want 1", h, i, sum)
			}
		}
	}
}

func TestAttentionFullyMaskedRowIsZero(t *testing.T) {
	const seqLen, dim, heads = 2, 2, 1
	x := []F{1, 2, 3, 4}
	wq, wk, wv := identity(dim), identity(dim), identity(dim)
	mask := []F{0, 0}
	cache := NewAttentionCache(seqLen, dim, heads)
	out := make([]F, seqLen*dim)

	AttentionForward(x, wq, wk, wv, mask, seqLen, dim, heads, cache, out)

	for _, v := range out {
		if v != 0 {
			t.Errorf("fully masked row output = %v, want 0", v)
		}
	}
}

func TestFeedForwardForwardBounded(t *testing.T) {
	const rows, dim, ff = 2, 4, 8
	x := make([]F, rows*dim)
	for i := range x {
		x[i] = F(i) * 0.3
	}
	w1 := make([]F, dim*ff)
	for i := range w1 {
		w1[i] = 0.1
	}
	b1 := make([]F, ff)
	w2 := make([]F, ff*dim)
	for i := range w2 {
		w2[i] = 0.1
	}
	b2 := make([]F, dim)

	h := make([]F, rows*ff)
	out := make([]F, rows*dim)
	FeedForwardForward(x, w1, b1, w2, b2, rows, dim, ff, h, out)

	for _, v := range h {
		if v <= -1 || v >= 1 {
			t.Errorf("tanh activation out of range: %v", v)
		}
	}
}

func TestCrossEntropyLossSanity(t *testing.T) {
	// spec.md §8 Property 7: an untrained model's loss on random logits
	// (here: all-zero logits, i.e. uniform distribution) should sit near
	// log(V).
	const rows, vocab = 4, 50
	logits := make([]F, rows*vocab)
	targets := []uint32{1, 2, 3, 4}
	perPos := make([]F, rows)
	cache := NewLossCache(rows, vocab)

	loss := CrossEntropyForward(logits, targets, nil, rows, vocab, cache, perPos)

	want := F(math.Log(float64(vocab)))
	if math.Abs(float64(loss-want)) > 0.5 {
		t.Errorf("loss = %v, want within 0.5 of log(V)=%v", loss, want)
	}
}

func TestCrossEntropyMaskZeroesPadded(t *testing.T) {
	const rows, vocab = 2, 10
	logits := make([]F, rows*vocab)
	targets := []uint32{0, 0}
	mask := []F{1, 0}
	perPos := make([]F, rows)
	cache := NewLossCache(rows, vocab)

	CrossEntropyForward(logits, targets, mask, rows, vocab, cache, perPos)
	if perPos[1] != 0 {
		t.Errorf("padded position loss = %v, want 0", perPos[1])
	}

	dLogits := make([]F, rows*vocab)
	CrossEntropyBackward(cache, targets, mask, rows, vocab, dLogits)
	for i := vocab; i < 2*vocab; i++ {
		if dLogits[i] != 0 {
			t.Errorf("padded position gradient = %v, want 0", dLogits[i])
		}
	}
}

func identity(n int) []F {
	m := make([]F, n*n)
	for i := 0; i < n; i++ {
		m[i*n+i] = 1
	}
	return m
}
