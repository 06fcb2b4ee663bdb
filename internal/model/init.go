// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math/rand"

	"github.com/ajroetker/cllm/internal/bignum"
)

// InitWeights fills every attention/feed-forward weight matrix with
// Glorot/Xavier-uniform noise, biases at zero, and layer-norm gamma/beta
// at their identity values (1, 0). Without this, Wq/Wk start at
// NewParams's zeroed value and every attention row's softmax stays
// uniform forever: Q and K are identically zero, so their backward
// gradient is exactly zero on every step and Adam/SGD never move them.
// Embeddings are untouched; the caller seeds those separately via
// internal/embed.InitTable, in either order, since the two never touch
// the same range of Params.Data.
func InitWeights(p *Params, rng *rand.Rand) {
	e, ff := p.Cfg.EmbeddingDim, p.Cfg.FFDim
	for l := 0; l < p.Cfg.NumLayers; l++ {
		glorotUniform(p.Wq(l), e, e, rng)
		glorotUniform(p.Wk(l), e, e, rng)
		glorotUniform(p.Wv(l), e, e, rng)
		glorotUniform(p.W1(l), e, ff, rng)
		glorotUniform(p.W2(l), ff, e, rng)

		gamma := p.Gamma(l)
		for i := range gamma {
			gamma[i] = 1
		}
		// B1, B2, Beta stay at NewParams's zeroed value by design.
	}
}

// glorotUniform fills w (a fanIn x fanOut matrix, flattened) with
// samples from Uniform(-bound, bound), bound = sqrt(6/(fanIn+fanOut)).
func glorotUniform(w []F, fanIn, fanOut int, rng *rand.Rand) {
	bound := bignum.Sqrt(F(6) / F(fanIn+fanOut))
	for i := range w {
		w[i] = F(rng.Float64()*2-1) * bound
	}
}
