// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package model

// LayerOffsets locates one transformer layer's tensors inside the flat
// parameter (and, identically, gradient) vector. Computed once at
// construction from Config so every reader agrees on layout without
// re-deriving it.
type LayerOffsets struct {
	Wq, Wk, Wv   int
	W1, B1       int
	W2, B2       int
	Gamma, Beta  int
}

// Layout describes where every tensor lives inside the flat vector. It
// is the concrete realisation of invariant P1: Config.NumWeights() must
// equal Layout.Total.
type Layout struct {
	cfg        Config
	Embeddings int // offset; length = VocabSize*EmbeddingDim
	Layers     []LayerOffsets
	Total      int
}

// NewLayout computes the flat layout for cfg, in the same tensor order
// spec.md §3 lists them: embeddings, then per layer Wq/Wk/Wv, W1/b1,
// W2/b2, gamma/beta.
func NewLayout(cfg Config) Layout {
	e, ff := cfg.EmbeddingDim, cfg.FFDim
	off := 0
	l := Layout{cfg: cfg}

	l.Embeddings = off
	off += cfg.VocabSize * e

	l.Layers = make([]LayerOffsets, cfg.NumLayers)
	for i := range l.Layers {
		var lo LayerOffsets
		lo.Wq = off
		off += e * e
		lo.Wk = off
		off += e * e
		lo.Wv = off
		off += e * e
		lo.W1 = off
		off += e * ff
		lo.B1 = off
		off += ff
		lo.W2 = off
		off += ff * e
		lo.B2 = off
		off += e
		lo.Gamma = off
		off += e
		lo.Beta = off
		off += e
		l.Layers[i] = lo
	}

	l.Total = off
	return l
}

// Params owns the model's learned weights as one flat backing slice,
// sliced into named tensors by Layout. It is created once by the
// training driver and shared read-only with sphere workers; only the
// optimiser step (driver-owned) ever mutates it, and only between
// accumulation windows (spec.md §5).
type Params struct {
	Cfg    Config
	Layout Layout
	Data   []F
}

// NewParams allocates a zeroed parameter vector for cfg. Initial values
// are filled in separately (embeddings from the geometric embedding,
// weights from the caller's chosen initialisation scheme).
func NewParams(cfg Config) *Params {
	layout := NewLayout(cfg)
	return &Params{Cfg: cfg, Layout: layout, Data: make([]F, layout.Total)}
}

// Embeddings returns the [vocab_size, embedding_dim] embedding table as
// a flat row-major slice.
func (p *Params) Embeddings() []F {
	n := p.Cfg.VocabSize * p.Cfg.EmbeddingDim
	return p.Data[p.Layout.Embeddings : p.Layout.Embeddings+n]
}

// EmbeddingRow returns the embedding_dim-length row for token id.
func (p *Params) EmbeddingRow(id int) []F {
	e := p.Cfg.EmbeddingDim
	off := p.Layout.Embeddings + id*e
	return p.Data[off : off+e]
}

// Wq, Wk, Wv return the [embedding_dim, embedding_dim] attention
// projection matrices for layer l.
func (p *Params) Wq(l int) []F { return p.square(p.Layout.Layers[l].Wq) }
func (p *Params) Wk(l int) []F { return p.square(p.Layout.Layers[l].Wk) }
func (p *Params) Wv(l int) []F { return p.square(p.Layout.Layers[l].Wv) }

func (p *Params) square(off int) []F {
	n := p.Cfg.EmbeddingDim * p.Cfg.EmbeddingDim
	return p.Data[off : off+n]
}

// W1 returns the [embedding_dim, ff_dim] first feed-forward matrix for layer l.
func (p *Params) W1(l int) []F {
	off := p.Layout.Layers[l].W1
	n := p.Cfg.EmbeddingDim * p.Cfg.FFDim
	return p.Data[off : off+n]
}

// B1 returns the [ff_dim] first feed-forward bias for layer l.
func (p *Params) B1(l int) []F {
	off := p.Layout.Layers[l].B1
	return p.Data[off : off+p.Cfg.FFDim]
}

// W2 returns the [ff_dim, embedding_dim] second feed-forward matrix for layer l.
func (p *Params) W2(l int) []F {
	off := p.Layout.Layers[l].W2
	n := p.Cfg.FFDim * p.Cfg.EmbeddingDim
	return p.Data[off : off+n]
}

// B2 returns the [embedding_dim] second feed-forward bias for layer l.
func (p *Params) B2(l int) []F {
	off := p.Layout.Layers[l].B2
	return p.Data[off : off+p.Cfg.EmbeddingDim]
}

// Gamma, Beta return the [embedding_dim] layer-norm affine parameters for layer l.
func (p *Params) Gamma(l int) []F {
	off := p.Layout.Layers[l].Gamma
	return p.Data[off : off+p.Cfg.EmbeddingDim]
}

func (p *Params) Beta(l int) []F {
	off := p.Layout.Layers[l].Beta
	return p.Data[off : off+p.Cfg.EmbeddingDim]
}

// GradBuffer is the flat gradient vector described in spec.md §3: same
// total size as Params.Data, logically partitioned identically, but
// physically partitioned into the exclusive per-worker segments the
// sphere scheduler assigns (see internal/sphere).
type GradBuffer struct {
	Data []F
}

// NewGradBuffer allocates a zeroed gradient vector matching layout.Total.
func NewGradBuffer(layout Layout) *GradBuffer {
	return &GradBuffer{Data: make([]F, layout.Total)}
}

// Zero clears the buffer; called by each worker at the start of its
// accumulation window (spec.md §3 "Lifecycles").
func (g *GradBuffer) Zero() {
	clear(g.Data)
}
