// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package model owns the immutable model configuration and the parameter
// and gradient storage shared read-only by the sphere scheduler's workers
// (spec.md §3). It has no concurrency of its own: construction happens
// once on the driver goroutine before any worker is spawned.
package model

import (
	"fmt"

	"github.com/ajroetker/cllm/internal/bignum"
	"github.com/ajroetker/cllm/internal/errs"
)

// F is the scalar element type used across the engine, re-exported from
// the math facade so packages above model never need to import bignum
// just to spell the type.
type F = bignum.F

// Config is the immutable model configuration (spec.md §3). It is
// validated once at construction and never mutated afterwards.
type Config struct {
	VocabSize    int
	EmbeddingDim int
	NumHeads     int
	NumLayers    int
	FFDim        int
	MaxSeqLen    int
	Dropout      F // ignored by the core, reserved per spec.md §3
}

// HeadDim returns embedding_dim / num_heads.
func (c Config) HeadDim() int { return c.EmbeddingDim / c.NumHeads }

// Validate checks the invariants spec.md §3 requires, returning a
// *errs.Error of kind Config naming the first offending field.
func (c Config) Validate() error {
	switch {
	case c.VocabSize < 1:
		return errs.ConfigField("vocab_size", "must be >= 1")
	case c.NumHeads < 1:
		return errs.ConfigField("num_heads", "must be >= 1")
	case c.EmbeddingDim <= 0:
		return errs.ConfigField("embedding_dim", "must be > 0")
	case c.EmbeddingDim%c.NumHeads != 0:
		return errs.ConfigField("embedding_dim", fmt.Sprintf("must be a multiple of num_heads (%d)", c.NumHeads))
	case c.NumLayers < 1:
		return errs.ConfigField("num_layers", "must be >= 1")
	case c.FFDim < c.EmbeddingDim:
		return errs.ConfigField("ff_dim", "must be >= embedding_dim")
	case c.MaxSeqLen < 1:
		return errs.ConfigField("max_seq_len", "must be >= 1")
	}
	return nil
}

// NumWeights returns the total element count of the parameter vector,
// per the invariant P1 in spec.md §3. This is the single source of
// truth for that computation; nothing else in the module is allowed to
// recompute it independently.
func (c Config) NumWeights() int {
	e, ff, l := c.EmbeddingDim, c.FFDim, c.NumLayers
	perLayer := 3*e*e + e*ff + ff + ff*e + e + 2*e
	return c.VocabSize*e + l*perLayer
}
