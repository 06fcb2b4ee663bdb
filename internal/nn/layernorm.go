// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package nn implements the transformer kernels (spec.md §4.4, component
// C4): layer normalisation, multi-head attention, feed-forward, and the
// loss head, plus their backward passes. Every transcendental (sqrt,
// exp, tanh) routes through internal/bignum rather than the host math
// library, matching the math facade's role as this module's sole
// provider of scalar transcendentals.
//
// Grounded on hwy/contrib/nn's *_base.go portable-tier kernels: this
// package keeps that tier's algorithmic shape (flat row-major slices,
// explicit per-group loops, tail-safe bounds) without the SIMD lane
// abstraction those files layer on top, since spec.md's non-goals
// exclude GPU/SIMD-specific execution (see DESIGN.md).
package nn

import "github.com/ajroetker/cllm/internal/bignum"

// F is the scalar type used by every kernel in this package.
type F = bignum.F

// Epsilon is the layer-norm numerical floor from spec.md §4.4.1.
const Epsilon F = 1e-5

// LayerNormCache holds the per-group statistics layer-norm's backward
// pass needs, computed once in Forward and reused rather than
// recomputed (unlike feed-forward's hidden activation, which is cheap
// enough to recompute for memory instead).
type LayerNormCache struct {
	Mean   []F // one per group
	InvStd []F // one per group
}

// NewLayerNormCache allocates a cache for numGroups normalization groups.
func NewLayerNormCache(numGroups int) *LayerNormCache {
	return &LayerNormCache{Mean: make([]F, numGroups), InvStd: make([]F, numGroups)}
}

// LayerNormForward computes, per contiguous group of normSize elements,
// y = gamma*(x-mean)/sqrt(var+eps) + beta (spec.md §4.4.1). gamma/beta
// may be nil to skip the affine transform.
func LayerNormForward(x, gamma, beta []F, normSize int, cache *LayerNormCache, out []F) {
	size := min(len(x), len(out))
	if size == 0 || normSize <= 0 {
		return
	}
	numGroups := size / normSize
	invN := F(1) / F(normSize)

	for g := 0; g < numGroups; g++ {
		off := g * normSize
		row := x[off : off+normSize]

		var sum F
		for _, v := range row {
			sum += v
		}
		mean := sum * invN

		var varSum F
		for _, v := range row {
			d := v - mean
			varSum += d * d
		}
		variance := varSum * invN
		invStd := 1 / bignum.Sqrt(variance+Epsilon)

		if cache != nil {
			cache.Mean[g] = mean
			cache.InvStd[g] = invStd
		}

		outRow := out[off : off+normSize]
		for i, v := range row {
			norm := (v - mean) * invStd
			if gamma != nil {
				norm *= gamma[i]
			}
			if beta != nil {
				norm += beta[i]
			}
			outRow[i] = norm
		}
	}
}

// LayerNormBackward computes dx, dgamma, dbeta from dout using the
// standard closed-form layer-norm gradient, accumulating dgamma/dbeta
// into the caller-provided slices (which are views into a worker's
// exclusive gradient segment, per spec.md §4.4.1).
func LayerNormBackward(dout, x, gamma []F, normSize int, cache *LayerNormCache, dx, dgamma, dbeta []F) {
	size := min(len(x), len(dout))
	if size == 0 || normSize <= 0 {
		return
	}
	numGroups := size / normSize
	invN := F(1) / F(normSize)

	for g := 0; g < numGroups; g++ {
		off := g * normSize
		xRow := x[off : off+normSize]
		doRow := dout[off : off+normSize]
		dxRow := dx[off : off+normSize]

		mean := cache.Mean[g]
		invStd := cache.InvStd[g]

		var sumDy, sumDyXhat F
		for i := 0; i < normSize; i++ {
			xhat := (xRow[i] - mean) * invStd
			gy := doRow[i]
			if gamma != nil {
				gy *= gamma[i]
			}
			sumDy += gy
			sumDyXhat += gy * xhat

			if dgamma != nil {
				dgamma[i] += doRow[i] * xhat
			}
			if dbeta != nil {
				dbeta[i] += doRow[i]
			}
		}

		for i := 0; i < normSize; i++ {
			xhat := (xRow[i] - mean) * invStd
			gy := doRow[i]
			if gamma != nil {
				gy *= gamma[i]
			}
			dxRow[i] = invStd * invN * (F(normSize)*gy - sumDy - xhat*sumDyXhat)
		}
	}
}
