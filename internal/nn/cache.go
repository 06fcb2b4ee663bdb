// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package nn

// LayerCache holds one transformer layer's forward-pass scratch space:
// the pre-/post-attention layer-norm statistics, the attention Q/K/V/A
// buffers, and row buffers for the residual stream between sub-layers.
// FFHidden holds the forward pass's feed-forward hidden activation;
// FeedForwardBackward recomputes that activation rather than reading it.
type LayerCache struct {
	AttnNorm *LayerNormCache
	FFNorm   *LayerNormCache
	Attn     *AttentionCache

	NormedAttnIn []F // [seqLen, embeddingDim]
	AttnOut      []F
	AfterAttn    []F // residual: x + attnOut
	NormedFFIn   []F
	FFHidden     []F // [seqLen, ffDim]
	FFOut        []F
}

// NewLayerCache allocates one layer's scratch space for a sequence of
// length seqLen.
func NewLayerCache(seqLen, embeddingDim, ffDim, numHeads int) *LayerCache {
	numGroups := seqLen
	return &LayerCache{
		AttnNorm:     NewLayerNormCache(numGroups),
		FFNorm:       NewLayerNormCache(numGroups),
		Attn:         NewAttentionCache(seqLen, embeddingDim, numHeads),
		NormedAttnIn: make([]F, seqLen*embeddingDim),
		AttnOut:      make([]F, seqLen*embeddingDim),
		AfterAttn:    make([]F, seqLen*embeddingDim),
		NormedFFIn:   make([]F, seqLen*embeddingDim),
		FFHidden:     make([]F, seqLen*ffDim),
		FFOut:        make([]F, seqLen*embeddingDim),
	}
}

// Cache is the full per-thread activation cache a sphere worker
// allocates once at spawn and reuses across every batch it processes
// (spec.md §3 "Sphere worker" / §4.4: "per-thread activation caches").
type Cache struct {
	Embedded []F // [seqLen, embeddingDim], embedding lookup output
	Layers   []*LayerCache
	Logits   []F // [seqLen, vocabSize]
	Loss     *LossCache
}

// NewCache allocates a worker's activation cache for the given model
// shape and maximum sequence length it will ever be handed.
func NewCache(seqLen, embeddingDim, ffDim, vocabSize, numHeads, numLayers int) *Cache {
	layers := make([]*LayerCache, numLayers)
	for i := range layers {
		layers[i] = NewLayerCache(seqLen, embeddingDim, ffDim, numHeads)
	}
	return &Cache{
		Embedded: make([]F, seqLen*embeddingDim),
		Layers:   layers,
		Logits:   make([]F, seqLen*vocabSize),
		Loss:     NewLossCache(seqLen, vocabSize),
	}
}
