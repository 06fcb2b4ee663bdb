// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"math"
	"testing"

	"github.com/ajroetker/cllm/internal/embed"
	"github.com/ajroetker/cllm/internal/model"
	"github.com/ajroetker/cllm/internal/nn"
)

func tinyConfig() model.Config {
	return model.Config{
		VocabSize:    16,
		EmbeddingDim: 8,
		NumHeads:     2,
		NumLayers:    2,
		FFDim:        16,
		MaxSeqLen:    6,
	}
}

func newInitializedParams(cfg model.Config) *model.Params {
	p := model.NewParams(cfg)
	embed.InitTable(p.Embeddings(), cfg.VocabSize, cfg.EmbeddingDim)
	for l := 0; l < cfg.NumLayers; l++ {
		gamma := p.Gamma(l)
		for i := range gamma {
			gamma[i] = 1
		}
	}
	return p
}

func TestForwardProducesFiniteLogits(t *testing.T) {
	cfg := tinyConfig()
	params := newInitializedParams(cfg)
	cache := nn.NewCache(cfg.MaxSeqLen, cfg.EmbeddingDim, cfg.FFDim, cfg.VocabSize, cfg.NumHeads, cfg.NumLayers)

	tokens := []uint32{1, 2, 3, 4}
	Forward(cfg, params, cache, tokens, nil)

	for i, v := range cache.Logits[:len(tokens)*cfg.VocabSize] {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d = %v, want finite", i, v)
		}
	}
}

func TestBackwardAccumulatesNonZeroGradients(t *testing.T) {
	cfg := tinyConfig()
	params := newInitializedParams(cfg)
	cache := nn.NewCache(cfg.MaxSeqLen, cfg.EmbeddingDim, cfg.FFDim, cfg.VocabSize, cfg.NumHeads, cfg.NumLayers)

	tokens := []uint32{1, 2, 3, 4}
	targets := []uint32{2, 3, 4, 5}
	Forward(cfg, params, cache, tokens, nil)

	grad := model.NewGradBuffer(params.Layout)
	loss := Backward(cfg, params, cache, tokens, targets, nil, grad)

	if loss <= 0 || math.IsNaN(float64(loss)) {
		t.Fatalf("loss = %v, want finite positive", loss)
	}

	var nonZero int
	for _, g := range grad.Data {
		if g != 0 {
			nonZero++
		}
	}
	if nonZero == 0 {
		t.Fatal("expected backward to produce at least some non-zero gradients")
	}
}

func TestForwardDeterministic(t *testing.T) {
	cfg := tinyConfig()
	params := newInitializedParams(cfg)
	cacheA := nn.NewCache(cfg.MaxSeqLen, cfg.EmbeddingDim, cfg.FFDim, cfg.VocabSize, cfg.NumHeads, cfg.NumLayers)
	cacheB := nn.NewCache(cfg.MaxSeqLen, cfg.EmbeddingDim, cfg.FFDim, cfg.VocabSize, cfg.NumHeads, cfg.NumLayers)

	tokens := []uint32{5, 6, 7}
	Forward(cfg, params, cacheA, tokens, nil)
	Forward(cfg, params, cacheB, tokens, nil)

	n := len(tokens) * cfg.VocabSize
	for i := 0; i < n; i++ {
		if cacheA.Logits[i] != cacheB.Logits[i] {
			t.Fatalf("logit %d differs between identical runs: %v vs %v", i, cacheA.Logits[i], cacheB.Logits[i])
		}
	}
}
