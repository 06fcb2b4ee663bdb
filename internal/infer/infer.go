// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package infer implements the inference API spec.md §6 requires:
// forward_single for validation, plus greedy and sampled decoding.
package infer

import (
	"math/rand"
	"sort"

	"github.com/ajroetker/cllm/internal/bignum"
	"github.com/ajroetker/cllm/internal/engine"
	"github.com/ajroetker/cllm/internal/model"
	"github.com/ajroetker/cllm/internal/nn"
)

// F is the scalar type threaded through inference.
type F = bignum.F

// ForwardSingle runs one forward pass over tokenIDs and returns the
// vocab_size logits for the final position — the distribution over the
// next token, per spec.md §6's `forward_single(token_ids) -> logits`.
func ForwardSingle(cfg model.Config, params *model.Params, cache *nn.Cache, tokenIDs []uint32) []F {
	engine.Forward(cfg, params, cache, tokenIDs, nil)
	last := len(tokenIDs) - 1
	out := make([]F, cfg.VocabSize)
	copy(out, cache.Logits[last*cfg.VocabSize:(last+1)*cfg.VocabSize])
	return out
}

// argmax returns the index of the largest value in logits.
func argmax(logits []F) uint32 {
	best, bestIdx := logits[0], 0
	for i, v := range logits[1:] {
		if v > best {
			best, bestIdx = v, i+1
		}
	}
	return uint32(bestIdx)
}

// GreedyDecode appends maxNewTokens tokens to prompt, each chosen as the
// argmax of forward_single's output, truncating the context window to
// cfg.MaxSeqLen from the right once the sequence outgrows it. This is
// the decoding minimum spec.md §6 requires.
func GreedyDecode(cfg model.Config, params *model.Params, cache *nn.Cache, prompt []uint32, maxNewTokens int) []uint32 {
	seq := append([]uint32(nil), prompt...)
	for i := 0; i < maxNewTokens; i++ {
		window := contextWindow(seq, cfg.MaxSeqLen)
		logits := ForwardSingle(cfg, params, cache, window)
		seq = append(seq, argmax(logits))
	}
	return seq
}

// SamplingOptions controls SampleDecode's secondary decoding strategy
// (spec.md §6: "Sampling... is exposed but considered secondary").
// Temperature <= 0 falls back to greedy selection. TopK <= 0 disables
// top-k filtering; TopP <= 0 or >= 1 disables nucleus filtering.
type SamplingOptions struct {
	Temperature F
	TopK        int
	TopP        F
	Rand        *rand.Rand
}

// SampleDecode appends maxNewTokens tokens to prompt using temperature/
// top-k/top-p sampling over forward_single's logits.
func SampleDecode(cfg model.Config, params *model.Params, cache *nn.Cache, prompt []uint32, maxNewTokens int, opts SamplingOptions) []uint32 {
	if opts.Temperature <= 0 {
		return GreedyDecode(cfg, params, cache, prompt, maxNewTokens)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	seq := append([]uint32(nil), prompt...)
	for i := 0; i < maxNewTokens; i++ {
		window := contextWindow(seq, cfg.MaxSeqLen)
		logits := ForwardSingle(cfg, params, cache, window)
		probs := softmaxWithTemperature(logits, opts.Temperature)
		probs = applyTopK(probs, opts.TopK)
		probs = applyTopP(probs, opts.TopP)
		seq = append(seq, sampleFrom(probs, rng))
	}
	return seq
}

func contextWindow(seq []uint32, maxLen int) []uint32 {
	if len(seq) <= maxLen {
		return seq
	}
	return seq[len(seq)-maxLen:]
}

func softmaxWithTemperature(logits []F, temperature F) []F {
	out := make([]F, len(logits))
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum F
	for i, v := range logits {
		e := bignum.Exp((v - maxLogit) / temperature)
		out[i] = e
		sum += e
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

// candidate pairs a vocabulary index with its probability mass, used by
// the top-k/top-p filters below so they can sort without losing track
// of which original token each entry belongs to.
type candidate struct {
	id   uint32
	prob F
}

func applyTopK(probs []F, k int) []F {
	if k <= 0 || k >= len(probs) {
		return probs
	}
	cands := toCandidates(probs)
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })
	keep := make(map[uint32]bool, k)
	for _, c := range cands[:k] {
		keep[c.id] = true
	}
	return renormalize(probs, keep)
}

func applyTopP(probs []F, p F) []F {
	if p <= 0 || p >= 1 {
		return probs
	}
	cands := toCandidates(probs)
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })
	keep := make(map[uint32]bool, len(cands))
	var cum F
	for _, c := range cands {
		if cum >= p {
			break
		}
		keep[c.id] = true
		cum += c.prob
	}
	return renormalize(probs, keep)
}

func toCandidates(probs []F) []candidate {
	cands := make([]candidate, len(probs))
	for i, p := range probs {
		cands[i] = candidate{id: uint32(i), prob: p}
	}
	return cands
}

func renormalize(probs []F, keep map[uint32]bool) []F {
	out := make([]F, len(probs))
	var sum F
	for i, p := range probs {
		if keep[uint32(i)] {
			out[i] = p
			sum += p
		}
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

func sampleFrom(probs []F, rng *rand.Rand) uint32 {
	target := F(rng.Float64())
	var cum F
	for i, p := range probs {
		cum += p
		if target <= cum {
			return uint32(i)
		}
	}
	return uint32(len(probs) - 1)
}
