// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"sync"

	"github.com/ajroetker/cllm/internal/bignum"
	"github.com/ajroetker/cllm/internal/workerpool"
)

// GlobalL2Norm computes sqrt(sum(x_i^2)) over the whole vector, using
// pool to partition the reduction the same way the teacher's ParallelFor
// partitions any other "chunk an array, reduce" computation.
func GlobalL2Norm(pool *workerpool.Pool, x []F) F {
	var mu sync.Mutex
	var total float64

	pool.ParallelFor(len(x), func(start, end int) {
		var local float64
		for i := start; i < end; i++ {
			v := float64(x[i])
			local += v * v
		}
		mu.Lock()
		total += local
		mu.Unlock()
	})

	return F(bignum.Sqrt(F(total)))
}

// ClipByGlobalNorm scales x in place so its global L2 norm equals
// maxNorm whenever the actual norm exceeds it (spec.md §4.7). Returns
// the norm that was measured before any scaling, for metrics.
func ClipByGlobalNorm(pool *workerpool.Pool, x []F, maxNorm F) F {
	norm := GlobalL2Norm(pool, x)
	if norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := maxNorm / norm
	pool.ParallelFor(len(x), func(start, end int) {
		for i := start; i < end; i++ {
			x[i] *= scale
		}
	})
	return norm
}

// LossScaler implements spec.md §4.7's dynamic loss scaling: the scale
// doubles every upInterval consecutive non-overflowing steps and halves
// immediately whenever a step's gradient contains NaN/Inf (in which
// case that step's optimiser update is skipped entirely).
type LossScaler struct {
	scale      F
	upInterval int
	goodStreak int
	minScale   F
}

// NewLossScaler starts at initialScale, doubling every upInterval good
// steps and never dropping below minScale.
func NewLossScaler(initialScale F, upInterval int) *LossScaler {
	return &LossScaler{scale: initialScale, upInterval: upInterval, minScale: 1}
}

// Scale returns the current multiplier.
func (l *LossScaler) Scale() F { return l.scale }

// ReportOverflow halves the scale (floored at minScale) and resets the
// good-step streak; callers must discard the current step's update.
func (l *LossScaler) ReportOverflow() {
	l.goodStreak = 0
	l.scale /= 2
	if l.scale < l.minScale {
		l.scale = l.minScale
	}
}

// ReportGoodStep records a step whose gradient had no NaN/Inf, doubling
// the scale once upInterval consecutive good steps have accumulated.
func (l *LossScaler) ReportGoodStep() {
	l.goodStreak++
	if l.goodStreak >= l.upInterval {
		l.goodStreak = 0
		l.scale *= 2
	}
}

// HasOverflow reports whether grad contains any NaN or Inf element.
func HasOverflow(grad []F) bool {
	for _, g := range grad {
		if bignum.IsNaN(g) || bignum.IsInf(g) {
			return true
		}
	}
	return false
}
