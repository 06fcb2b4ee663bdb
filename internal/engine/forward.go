// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package engine wires the clock lattice, geometric embedding, and
// transformer kernels into the single per-sequence forward/backward pass
// a sphere worker runs for one batch row. Nothing here owns concurrency;
// it is called once per worker per batch on whatever goroutine the
// scheduler assigned.
package engine

import (
	"github.com/ajroetker/cllm/internal/bignum"
	"github.com/ajroetker/cllm/internal/embed"
	"github.com/ajroetker/cllm/internal/model"
	"github.com/ajroetker/cllm/internal/nn"
)

// F is the scalar type threaded through every kernel call.
type F = bignum.F

// Forward runs the full embed -> N*(norm, attention, norm, feedforward)
// -> loss-head projection pipeline for one sequence of length seqLen,
// reading weights from params and writing every intermediate into cache
// (allocated once per worker, reused across batches). tokenIDs and mask
// both have length seqLen; mask may be nil (all positions valid).
//
// The residual stream follows a pre-norm layout: x -> norm -> sublayer
// -> x + sublayer(norm(x)), matching spec.md §4.4's per-layer pipeline
// order (norm, attention, norm, feed-forward).
func Forward(cfg model.Config, params *model.Params, cache *nn.Cache, tokenIDs []uint32, mask []F) {
	e := cfg.EmbeddingDim
	seqLen := len(tokenIDs)

	for i, tok := range tokenIDs {
		row := params.EmbeddingRow(int(tok))
		copy(cache.Embedded[i*e:(i+1)*e], row)
	}

	x := cache.Embedded
	for l := 0; l < cfg.NumLayers; l++ {
		lc := cache.Layers[l]

		nn.LayerNormForward(x, params.Gamma(l), params.Beta(l), e, lc.AttnNorm, lc.NormedAttnIn)
		nn.AttentionForward(lc.NormedAttnIn, params.Wq(l), params.Wk(l), params.Wv(l), mask, seqLen, e, cfg.NumHeads, lc.Attn, lc.AttnOut)
		addInto(lc.AfterAttn, x, lc.AttnOut)

		nn.LayerNormForward(lc.AfterAttn, params.Gamma(l), params.Beta(l), e, lc.FFNorm, lc.NormedFFIn)
		nn.FeedForwardForward(lc.NormedFFIn, params.W1(l), params.B1(l), params.W2(l), params.B2(l), seqLen, e, cfg.FFDim, lc.FFHidden, lc.FFOut)
		addInto(lc.FFOut, lc.AfterAttn, lc.FFOut)

		x = lc.FFOut
	}

	logitWeight := params.Embeddings() // weight tying: logits share the embedding table (spec.md §4.4.4)
	nn.Dense(x, logitWeight, nil, seqLen, e, cfg.VocabSize, cache.Logits)
}

// Backward runs the loss head and the full backward pass symmetric to
// Forward, accumulating every weight gradient directly into grad (the
// caller's exclusive segment view or private scratch buffer, per the
// sphere scheduler's gradient-accumulation contract). It returns the
// mean loss over valid positions.
func Backward(cfg model.Config, params *model.Params, cache *nn.Cache, tokenIDs, targetIDs []uint32, mask []F, grad *model.GradBuffer) F {
	e := cfg.EmbeddingDim
	seqLen := len(tokenIDs)
	layout := params.Layout

	perPosLoss := make([]F, seqLen)
	loss := nn.CrossEntropyForward(cache.Logits, targetIDs, mask, seqLen, cfg.VocabSize, cache.Loss, perPosLoss)

	dLogits := make([]F, seqLen*cfg.VocabSize)
	nn.CrossEntropyBackward(cache.Loss, targetIDs, mask, seqLen, cfg.VocabSize, dLogits)

	lastLayer := cache.Layers[cfg.NumLayers-1]
	x := lastLayer.FFOut
	logitWeight := params.Embeddings()
	dEmbeddingsFromLogits := grad.Data[layout.Embeddings : layout.Embeddings+cfg.VocabSize*e]
	dx := make([]F, seqLen*e)
	denseBackward(x, logitWeight, dLogits, seqLen, e, cfg.VocabSize, dx, dEmbeddingsFromLogits)

	dUp := dx
	for l := cfg.NumLayers - 1; l >= 0; l-- {
		lc := cache.Layers[l]
		lo := layout.Layers[l]

		dFFOut := dUp
		dNormedFFIn := make([]F, seqLen*e)
		nn.FeedForwardBackward(dFFOut, lc.NormedFFIn, params.W1(l), params.B1(l), params.W2(l), seqLen, e, cfg.FFDim,
			dNormedFFIn,
			grad.Data[lo.W1:lo.W1+e*cfg.FFDim], grad.Data[lo.B1:lo.B1+cfg.FFDim],
			grad.Data[lo.W2:lo.W2+cfg.FFDim*e], grad.Data[lo.B2:lo.B2+e])

		dAfterAttnFromNorm := make([]F, seqLen*e)
		nn.LayerNormBackward(dNormedFFIn, lc.AfterAttn, params.Gamma(l), e, lc.FFNorm, dAfterAttnFromNorm,
			grad.Data[lo.Gamma:lo.Gamma+e], grad.Data[lo.Beta:lo.Beta+e])

		dAfterAttn := make([]F, seqLen*e)
		addInto(dAfterAttn, dFFOut, dAfterAttnFromNorm) // residual: AfterAttn feeds both the norm and the skip connection

		dAttnOut := dAfterAttn
		dNormedAttnIn := make([]F, seqLen*e)
		nn.AttentionBackward(dAttnOut, lc.NormedAttnIn, params.Wq(l), params.Wk(l), params.Wv(l), seqLen, e, cfg.NumHeads, lc.Attn,
			dNormedAttnIn, grad.Data[lo.Wq:lo.Wq+e*e], grad.Data[lo.Wk:lo.Wk+e*e], grad.Data[lo.Wv:lo.Wv+e*e])

		var xForNorm []F
		if l == 0 {
			xForNorm = cache.Embedded
		} else {
			xForNorm = cache.Layers[l-1].FFOut
		}
		dXFromNorm := make([]F, seqLen*e)
		nn.LayerNormBackward(dNormedAttnIn, xForNorm, params.Gamma(l), e, lc.AttnNorm, dXFromNorm,
			grad.Data[lo.Gamma:lo.Gamma+e], grad.Data[lo.Beta:lo.Beta+e])

		dX := make([]F, seqLen*e)
		addInto(dX, dAfterAttn, dXFromNorm)
		dUp = dX
	}

	for i, tok := range tokenIDs {
		dRow := dUp[i*e : (i+1)*e]
		gRow := grad.Data[layout.Embeddings+int(tok)*e : layout.Embeddings+(int(tok)+1)*e]
		for d := 0; d < e; d++ {
			gRow[d] += dRow[d]
		}
	}

	return loss
}

func addInto(dst, a, b []F) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}

// denseBackward is Dense's backward, duplicated from the nn package
// (whose copy is unexported) because the logit projection here is
// weight-tied to the embedding table: its gradient accumulates into the
// same flat region as the embedding-table gradient (spec.md §4.4.4).
func denseBackward(x, weight, dout []F, rows, inFeatures, outFeatures int, dx, dWeight []F) {
	for r := 0; r < rows; r++ {
		xRow := x[r*inFeatures : (r+1)*inFeatures]
		dxRow := dx[r*inFeatures : (r+1)*inFeatures]
		doRow := dout[r*outFeatures : (r+1)*outFeatures]
		for j := 0; j < outFeatures; j++ {
			dy := doRow[j]
			if dy == 0 {
				continue
			}
			wRow := weight[j*inFeatures : (j+1)*inFeatures]
			dWRow := dWeight[j*inFeatures : (j+1)*inFeatures]
			for p := 0; p < inFeatures; p++ {
				dxRow[p] += dy * wRow[p]
				dWRow[p] += dy * xRow[p]
			}
		}
	}
}
