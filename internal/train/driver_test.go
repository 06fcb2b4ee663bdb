// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/ajroetker/cllm/internal/batch"
	"github.com/ajroetker/cllm/internal/embed"
	"github.com/ajroetker/cllm/internal/model"
)

func tinyConfig() model.Config {
	return model.Config{VocabSize: 24, EmbeddingDim: 8, NumHeads: 2, NumLayers: 2, FFDim: 16, MaxSeqLen: 8}
}

func repeatedCorpus(vocab, n int) batch.SliceSource {
	tokens := make([]uint32, n)
	for i := range tokens {
		tokens[i] = uint32(i % vocab)
	}
	return batch.SliceSource(tokens)
}

func TestDriverRunProducesCheckpointsAndStopsOnBudget(t *testing.T) {
	cfg := tinyConfig()
	params := model.NewParams(cfg)
	embed.InitTable(params.Embeddings(), cfg.VocabSize, cfg.EmbeddingDim)
	model.InitWeights(params, rand.New(rand.NewSource(1)))

	opts := DefaultOptions()
	opts.BatchSize, opts.SeqLen = 2, 8
	opts.TotalSteps, opts.WarmupSteps = 6, 2
	opts.EvalInterval, opts.EvalBatches = 3, 2
	opts.CheckpointDir = t.TempDir()
	opts.Threads = 2
	opts.QueueCapacity = 8

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	d, err := New(ctx, cfg, params, opts, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Shutdown()

	train := repeatedCorpus(cfg.VocabSize, 4096)
	val := repeatedCorpus(cfg.VocabSize, 512)

	runCtx, runCancel := context.WithTimeout(ctx, 30*time.Second)
	defer runCancel()
	if err := d.Run(runCtx, train, val); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
