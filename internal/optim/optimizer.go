// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"github.com/ajroetker/cllm/internal/bignum"
	"github.com/ajroetker/cllm/internal/workerpool"
)

// Kind is a closed, tag-dispatched enumeration of optimiser variants
// (spec.md §9: "dynamic dispatch... closed enumerations dispatched
// through tagged variants; do not model them as open inheritance").
type Kind int

const (
	Adam Kind = iota
	SGD
)

// Adam hyperparameters, fixed at the values spec.md §4.7 names.
const (
	adamBeta1 F = 0.9
	adamBeta2 F = 0.999
	adamEps   F = 1e-8
)

// sgdMomentum is SGD's fixed momentum coefficient.
const sgdMomentum F = 0.9

// Optimizer applies one parameter update given a clipped, scaled
// gradient vector. Step owns its own moment/velocity state internally;
// callers never reach into it.
type Optimizer interface {
	Kind() Kind
	// Step applies lr * update(grad) to params in place, using pool to
	// parallelise the elementwise pass the same way the gradient-norm
	// reduction in clip.go does.
	Step(pool *workerpool.Pool, params, grad []F, lr F)
	// StateSize returns how many F values State/LoadState read and
	// write, for the checkpoint format's fixed-layout optimiser state
	// block (spec.md §6).
	StateSize() int
	State(dst []F)
	LoadState(src []F)
}

// NewOptimizer constructs an Optimizer of the given kind sized for n
// parameters.
func NewOptimizer(kind Kind, n int) Optimizer {
	switch kind {
	case SGD:
		return &sgdOptimizer{velocity: make([]F, n)}
	default:
		return &adamOptimizer{m: make([]F, n), v: make([]F, n)}
	}
}

type adamOptimizer struct {
	m, v []F
	step int64
}

func (a *adamOptimizer) Kind() Kind { return Adam }

func (a *adamOptimizer) Step(pool *workerpool.Pool, params, grad []F, lr F) {
	a.step++
	t := F(a.step)
	bc1 := 1 - bignum.Pow(adamBeta1, t)
	bc2 := 1 - bignum.Pow(adamBeta2, t)

	pool.ParallelFor(len(params), func(start, end int) {
		for i := start; i < end; i++ {
			g := grad[i]
			a.m[i] = adamBeta1*a.m[i] + (1-adamBeta1)*g
			a.v[i] = adamBeta2*a.v[i] + (1-adamBeta2)*g*g

			mHat := a.m[i] / bc1
			vHat := a.v[i] / bc2
			params[i] -= lr * mHat / (bignum.Sqrt(vHat) + adamEps)
		}
	})
}

func (a *adamOptimizer) StateSize() int { return 2 * len(a.m) }

func (a *adamOptimizer) State(dst []F) {
	n := len(a.m)
	copy(dst[:n], a.m)
	copy(dst[n:2*n], a.v)
}

func (a *adamOptimizer) LoadState(src []F) {
	n := len(a.m)
	copy(a.m, src[:n])
	copy(a.v, src[n:2*n])
}

type sgdOptimizer struct {
	velocity []F
}

func (s *sgdOptimizer) Kind() Kind { return SGD }

func (s *sgdOptimizer) Step(pool *workerpool.Pool, params, grad []F, lr F) {
	pool.ParallelFor(len(params), func(start, end int) {
		for i := start; i < end; i++ {
			s.velocity[i] = sgdMomentum*s.velocity[i] + grad[i]
			params[i] -= lr * s.velocity[i]
		}
	})
}

func (s *sgdOptimizer) StateSize() int { return len(s.velocity) }

func (s *sgdOptimizer) State(dst []F)     { copy(dst, s.velocity) }
func (s *sgdOptimizer) LoadState(src []F) { copy(s.velocity, src) }
