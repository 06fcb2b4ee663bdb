// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package nn

import "github.com/ajroetker/cllm/internal/bignum"

// logitClip and expClip are the numerical-safety clips spec.md §4.4.4
// makes part of the contract: logits are clipped to [-50,50] before
// exp, and exp results are clipped to magnitude 1e10 afterward.
const (
	logitClip F = 50
	expClip   F = 1e10
	lossSentinel F = 10.0
)

func clip(x, lo, hi F) F {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// LossCache holds the per-position softmax probabilities backward needs.
type LossCache struct {
	Probs []F // [rows, vocabSize]
}

// NewLossCache allocates a cache for rows positions over vocabSize logits.
func NewLossCache(rows, vocabSize int) *LossCache {
	return &LossCache{Probs: make([]F, rows*vocabSize)}
}

// CrossEntropyForward computes per-position cross-entropy loss from
// logits against targetIDs, honouring the validity mask (invalid/padded
// positions contribute zero, spec.md §4.4.4). Returns the mean loss over
// valid positions (the "per-sequence loss" spec.md calls it, here over
// the flattened batch of rows); NaN/Inf in any position's loss is
// replaced with lossSentinel so one bad batch cannot poison the average.
func CrossEntropyForward(logits []F, targetIDs []uint32, mask []F, rows, vocabSize int, cache *LossCache, perPosLoss []F) F {
	var sum F
	var validCount int

	for r := 0; r < rows; r++ {
		if mask != nil && mask[r] == 0 {
			perPosLoss[r] = 0
			row := cache.Probs[r*vocabSize : (r+1)*vocabSize]
			for i := range row {
				row[i] = 0
			}
			continue
		}
		validCount++

		row := logits[r*vocabSize : (r+1)*vocabSize]
		probs := cache.Probs[r*vocabSize : (r+1)*vocabSize]

		maxLogit := row[0]
		for _, v := range row {
			c := clip(v, -logitClip, logitClip)
			if c > maxLogit {
				maxLogit = c
			}
		}
		if maxLogit > logitClip {
			maxLogit = logitClip
		}

		var sumExp F
		for i, v := range row {
			c := clip(v, -logitClip, logitClip)
			e := clip(bignum.Exp(c-maxLogit), 0, expClip)
			probs[i] = e
			sumExp += e
		}
		invSum := 1 / sumExp
		for i := range probs {
			probs[i] *= invSum
		}

		target := targetIDs[r]
		p := probs[target]
		var loss F
		if p <= 0 {
			loss = lossSentinel
		} else {
			loss = -bignum.Log(p)
		}
		if bignum.IsNaN(loss) || bignum.IsInf(loss) {
			loss = lossSentinel
		}
		perPosLoss[r] = loss
		sum += loss
	}

	if validCount == 0 {
		return 0
	}
	return sum / F(validCount)
}

// CrossEntropyBackward writes dLogits = (probs - oneHot(target)) / validCount
// for valid positions and zero for invalid/padded ones (spec.md §4.4.4:
// "gradients at padded positions are zero").
func CrossEntropyBackward(cache *LossCache, targetIDs []uint32, mask []F, rows, vocabSize int, dLogits []F) {
	validCount := 0
	for r := 0; r < rows; r++ {
		if mask == nil || mask[r] != 0 {
			validCount++
		}
	}
	if validCount == 0 {
		for i := range dLogits[:rows*vocabSize] {
			dLogits[i] = 0
		}
		return
	}
	invValid := 1 / F(validCount)

	for r := 0; r < rows; r++ {
		dRow := dLogits[r*vocabSize : (r+1)*vocabSize]
		if mask != nil && mask[r] == 0 {
			for i := range dRow {
				dRow[i] = 0
			}
			continue
		}
		probs := cache.Probs[r*vocabSize : (r+1)*vocabSize]
		target := targetIDs[r]
		for i, p := range probs {
			d := p
			if uint32(i) == target {
				d -= 1
			}
			dRow[i] = d * invValid
		}
	}
}
