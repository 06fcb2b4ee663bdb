// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Command cllm is the clock-lattice transformer training engine's CLI
// surface (spec.md §6): `train <data_dir>` and `infer <checkpoint>`.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ajroetker/cllm/internal/batch"
	"github.com/ajroetker/cllm/internal/embed"
	"github.com/ajroetker/cllm/internal/errs"
	"github.com/ajroetker/cllm/internal/infer"
	"github.com/ajroetker/cllm/internal/model"
	"github.com/ajroetker/cllm/internal/nn"
	"github.com/ajroetker/cllm/internal/optim"
	"github.com/ajroetker/cllm/internal/train"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "cllm",
		Short: "Clock-lattice transformer training engine",
	}
	root.AddCommand(newTrainCmd(), newInferCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cllm:", err)
		return errs.KindOf(err).ExitCode()
	}
	return 0
}

// resolveThreads implements spec.md §6's "--threads 0 = auto" rule:
// cores-1, minimum 1.
func resolveThreads(flag int) int {
	if flag > 0 {
		return flag
	}
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

func newTrainCmd() *cobra.Command {
	var (
		vocabSize, embedDim, numHeads, numLayers, ffDim, maxSeqLen int
		batchSize, seqLen, epochs                                  int
		learningRate, minLR                                        float64
		warmupSteps                                                int
		maxNorm                                                    float64
		threads, recursiveDepth                                    int
		checkpointDir                                              string
		evalInterval, patience                                     int
		seed                                                       int64
	)

	cmd := &cobra.Command{
		Use:   "train <data_dir>",
		Short: "Train a model on a tokenised corpus directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := args[0]

			cfg := model.Config{
				VocabSize: vocabSize, EmbeddingDim: embedDim, NumHeads: numHeads,
				NumLayers: numLayers, FFDim: ffDim, MaxSeqLen: maxSeqLen,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			corpus, err := batch.LoadFileSource(dataDir)
			if err != nil {
				return err
			}
			valDir := filepath.Join(dataDir, "val")
			var valSrc batch.Source = corpus
			if val, err := batch.LoadFileSource(valDir); err == nil {
				valSrc = val
			}

			params := model.NewParams(cfg)
			seedParams(params, cfg, rand.New(rand.NewSource(seed)))

			opts := train.DefaultOptions()
			opts.CheckpointDir = checkpointDir
			if err := copyVocab(dataDir, opts.CheckpointDir); err != nil {
				return err
			}

			opts.BatchSize, opts.SeqLen = batchSize, seqLen
			opts.TotalSteps = epochs * corpus.Len() / max(batchSize*seqLen, 1)
			opts.WarmupSteps = warmupSteps
			opts.BaseLR, opts.MinLR = model.F(learningRate), model.F(minLR)
			opts.MaxNorm = model.F(maxNorm)
			opts.Threads = resolveThreads(threads)
			opts.RecursiveDepth = recursiveDepth
			opts.EvalInterval = evalInterval
			opts.Patience = patience

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			notifyOnSignal(cancel)

			d, err := train.New(ctx, cfg, params, opts, logger)
			if err != nil {
				return err
			}
			defer d.Shutdown()

			return d.Run(ctx, corpus, valSrc)
		},
	}

	f := cmd.Flags()
	f.IntVar(&vocabSize, "vocab-size", 0, "vocabulary size (required)")
	f.IntVar(&embedDim, "embed-dim", 256, "embedding dimension")
	f.IntVar(&numHeads, "num-heads", 4, "number of attention heads")
	f.IntVar(&numLayers, "num-layers", 4, "number of transformer layers")
	f.IntVar(&ffDim, "ff-dim", 1024, "feed-forward hidden dimension")
	f.IntVar(&maxSeqLen, "max-seq-len", 128, "maximum sequence length")
	f.IntVar(&batchSize, "batch-size", 8, "rows per batch")
	f.IntVar(&seqLen, "seq-len", 64, "tokens per batch row")
	f.IntVar(&epochs, "epochs", 1, "passes over the corpus")
	f.Float64Var(&learningRate, "learning-rate", 3e-4, "peak learning rate")
	f.Float64Var(&minLR, "min-lr", 3e-5, "learning rate floor")
	f.IntVar(&warmupSteps, "warmup-steps", 100, "linear warmup step count")
	f.Float64Var(&maxNorm, "max-norm", 1.0, "global gradient-norm clip")
	f.IntVar(&threads, "threads", 0, "worker thread count (0 = auto)")
	f.IntVar(&recursiveDepth, "recursive-depth", 0, "sphere hierarchy depth")
	f.StringVar(&checkpointDir, "checkpoint-dir", "models/default", "checkpoint/metrics output directory")
	f.IntVar(&evalInterval, "eval-interval", 100, "steps between validation evaluations")
	f.IntVar(&patience, "patience", 5, "evaluations without improvement before stopping")
	f.Int64Var(&seed, "seed", 1, "weight-initialisation RNG seed")
	cmd.MarkFlagRequired("vocab-size")

	return cmd
}

func newInferCmd() *cobra.Command {
	var (
		promptRaw   string
		maxTokens   int
		temperature float64
		topK        int
		topP        float64
	)

	cmd := &cobra.Command{
		Use:   "infer <checkpoint>",
		Short: "Generate a continuation from a trained checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := optim.Load(args[0])
			if err != nil {
				return err
			}
			cfg := state.Cfg
			params := &model.Params{Cfg: cfg, Layout: model.NewLayout(cfg), Data: state.Params}

			prompt, err := parseTokenList(promptRaw)
			if err != nil {
				return errs.Wrap(errs.Data, "parsing --prompt", err)
			}
			if len(prompt) == 0 {
				return errs.New(errs.Data, "--prompt must list at least one token id")
			}

			cache := nn.NewCache(cfg.MaxSeqLen, cfg.EmbeddingDim, cfg.FFDim, cfg.VocabSize, cfg.NumHeads, cfg.NumLayers)

			var out []uint32
			if temperature > 0 {
				out = infer.SampleDecode(cfg, params, cache, prompt, maxTokens, infer.SamplingOptions{
					Temperature: model.F(temperature), TopK: topK, TopP: model.F(topP),
					Rand: rand.New(rand.NewSource(state.Step)),
				})
			} else {
				out = infer.GreedyDecode(cfg, params, cache, prompt, maxTokens)
			}

			fmt.Println(formatTokenList(out))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&promptRaw, "prompt", "", "comma-separated prompt token ids")
	f.IntVar(&maxTokens, "max-tokens", 16, "number of tokens to generate")
	f.Float64Var(&temperature, "temperature", 0, "sampling temperature (0 = greedy)")
	f.IntVar(&topK, "top-k", 0, "top-k filter (0 = disabled)")
	f.Float64Var(&topP, "top-p", 0, "nucleus filter probability mass (0 = disabled)")
	cmd.MarkFlagRequired("prompt")

	return cmd
}

// copyVocab copies data_dir/vocab.txt into the model directory, per
// spec.md §6's models/<name>/vocab.txt layout. Absent is not an error:
// the core treats vocabulary surface forms as opaque and optional.
func copyVocab(dataDir, modelDir string) error {
	src := filepath.Join(dataDir, "vocab.txt")
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Data, "reading vocab.txt", err)
	}
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return errs.Wrap(errs.IO, "creating model directory", err)
	}
	if err := os.WriteFile(filepath.Join(modelDir, "vocab.txt"), data, 0o644); err != nil {
		return errs.Wrap(errs.IO, "writing vocab.txt", err)
	}
	return nil
}

// seedParams fills the embedding table via the geometric embedding and
// every other weight via Glorot/Xavier-uniform initialisation, so
// training starts from a point attention/feed-forward gradients can
// actually move away from (see model.InitWeights).
func seedParams(params *model.Params, cfg model.Config, rng *rand.Rand) {
	embed.InitTable(params.Embeddings(), cfg.VocabSize, cfg.EmbeddingDim)
	model.InitWeights(params, rng)
}

func parseTokenList(raw string) ([]uint32, error) {
	parts := strings.Split(raw, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

func formatTokenList(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

// notifyOnSignal cancels ctx on SIGINT/SIGTERM so the training loop's
// cooperative cancellation (spec.md §5) has a trigger at the process
// boundary.
func notifyOnSignal(cancel context.CancelFunc) {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigC
		cancel()
	}()
}
