// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package optim implements the optimiser, learning-rate schedule,
// gradient clipping, checkpointing, and early-stopping logic of the
// training driver (spec.md §4.7, component C7).
package optim

import "github.com/ajroetker/cllm/internal/bignum"

// F is the scalar type the optimiser operates on.
type F = bignum.F

// GetLR is the pure learning-rate schedule function (spec.md §4.7,
// Property 5): linear warmup from 0 to baseLR over warmupSteps, then
// cosine decay from baseLR to minLR across the remaining steps up to
// totalSteps. step, warmupSteps, totalSteps are all >= 0.
func GetLR(step, warmupSteps, totalSteps int, baseLR, minLR F) F {
	if warmupSteps > 0 && step < warmupSteps {
		return baseLR * F(step) / F(warmupSteps)
	}
	if step >= totalSteps {
		return minLR
	}
	span := totalSteps - warmupSteps
	if span <= 0 {
		return minLR
	}
	progress := F(step-warmupSteps) / F(span)
	cos := bignum.Cos(bignum.Pi * progress)
	return minLR + (baseLR-minLR)*(1+cos)/2
}
