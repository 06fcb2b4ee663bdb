// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"testing"

	"github.com/ajroetker/cllm/internal/workerpool"
)

func TestAdamStepReducesParamsTowardNegativeGradient(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()

	opt := NewOptimizer(Adam, 4)
	params := []F{1, 1, 1, 1}
	grad := []F{1, 1, 1, 1}

	opt.Step(pool, params, grad, 0.1)
	for i, p := range params {
		if p >= 1 {
			t.Errorf("params[%d] = %v, want < 1 after a positive-gradient step", i, p)
		}
	}
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()

	opt := NewOptimizer(Adam, 3)
	opt.Step(pool, []F{1, 1, 1}, []F{0.5, -0.5, 0.2}, 0.01)

	saved := make([]F, opt.StateSize())
	opt.State(saved)

	restored := NewOptimizer(Adam, 3)
	restored.LoadState(saved)

	got := make([]F, restored.StateSize())
	restored.State(got)
	for i := range saved {
		if saved[i] != got[i] {
			t.Errorf("state[%d] = %v, want %v", i, got[i], saved[i])
		}
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()

	opt := NewOptimizer(SGD, 2)
	params := []F{0, 0}
	grad := []F{1, 1}

	opt.Step(pool, params, grad, 1.0)
	firstDelta := -params[0] // update moved params by -firstDelta from zero
	before := params[0]
	opt.Step(pool, params, grad, 1.0)
	secondDelta := -(params[0] - before)

	if secondDelta <= firstDelta {
		t.Errorf("expected momentum to grow the step magnitude: first=%v second=%v", firstDelta, secondDelta)
	}
}
