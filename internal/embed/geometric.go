// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package embed computes the geometric initial embedding (spec.md §4.3,
// component C3): a deterministic function of a token's clock coordinate,
// with no cache, no randomness, and no persisted table. Recomputation is
// O(1) per dimension, so this package stores nothing.
package embed

import (
	"github.com/ajroetker/cllm/internal/bignum"
	"github.com/ajroetker/cllm/internal/clock"
)

// F is the scalar type used for embedding values.
type F = bignum.F

// frequencyTable is the fixed, length-12 frequency table phi_d from
// spec.md §4.3, indexed by (d mod 12). Linearly increasing frequencies
// (1..12) give each symmetry-group's 12 "harmonics" a distinct angular
// sensitivity without favouring any one dimension class; spec.md leaves
// the exact table as an implementation decision (see DESIGN.md).
var frequencyTable = [12]F{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

// Row computes the embedding_dim-length initial embedding row for token
// t, writing into dst (which must have length embeddingDim). Row is a
// pure function of (t, embeddingDim): calling it twice with the same
// arguments, from any thread, on any machine of the same endianness,
// yields bit-identical output (spec.md §8 Property 1).
func Row(t uint32, embeddingDim int, dst []F) {
	p := clock.PositionOf(t)
	k := clock.SymmetryGroup(t)

	positionsInRing := F(clock.PositionsInRing(p.Ring))
	o := F(p.Ring) + F(p.Pos)/positionsInRing
	scale := bignum.Pow(3, o)

	gammaK := bignum.Cos(F(2) * bignum.Pi * F(k) / 12)

	for d := 0; d < embeddingDim; d++ {
		phiD := frequencyTable[d%12]
		gammaTK := bignum.Tanh(1 + F(0.1)*F(p.Ring) + F(0.01)*F(d))

		l := scale * bignum.Cos(p.Angle*phiD) * gammaK * gammaTK
		dst[d] = bignum.Tanh(l / 100)
	}
}

// InitTable fills params' embedding table (shape [vocab_size,
// embedding_dim]) by calling Row for every token id. Used once at model
// construction; never re-invoked during training, since embeddings only
// drift through gradient updates from that point on.
func InitTable(table []F, vocabSize, embeddingDim int) {
	for t := 0; t < vocabSize; t++ {
		off := t * embeddingDim
		Row(uint32(t), embeddingDim, table[off:off+embeddingDim])
	}
}
