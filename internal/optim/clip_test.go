// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"math"
	"testing"

	"github.com/ajroetker/cllm/internal/workerpool"
)

func TestGlobalL2Norm(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()

	norm := GlobalL2Norm(pool, []F{3, 4})
	if math.Abs(float64(norm)-5) > 1e-4 {
		t.Errorf("GlobalL2Norm = %v, want 5", norm)
	}
}

func TestClipByGlobalNormScalesDown(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()

	x := []F{3, 4}
	norm := ClipByGlobalNorm(pool, x, 1)
	if math.Abs(float64(norm)-5) > 1e-4 {
		t.Errorf("reported pre-clip norm = %v, want 5", norm)
	}
	got := GlobalL2Norm(pool, x)
	if math.Abs(float64(got)-1) > 1e-4 {
		t.Errorf("post-clip norm = %v, want 1", got)
	}
}

func TestClipByGlobalNormLeavesSmallVectorsUntouched(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()

	x := []F{0.1, 0.2}
	want := append([]F(nil), x...)
	ClipByGlobalNorm(pool, x, 10)
	for i := range x {
		if x[i] != want[i] {
			t.Errorf("x[%d] changed from %v to %v though norm was within max_norm", i, want[i], x[i])
		}
	}
}

func TestLossScalerDoublesAfterGoodStreak(t *testing.T) {
	s := NewLossScaler(8, 3)
	for i := 0; i < 2; i++ {
		s.ReportGoodStep()
	}
	if s.Scale() != 8 {
		t.Fatalf("scale = %v before streak completes, want 8", s.Scale())
	}
	s.ReportGoodStep()
	if s.Scale() != 16 {
		t.Fatalf("scale = %v after 3 good steps, want 16", s.Scale())
	}
}

func TestLossScalerHalvesOnOverflowAndFloors(t *testing.T) {
	s := NewLossScaler(2, 1000)
	s.ReportOverflow()
	if s.Scale() != 1 {
		t.Fatalf("scale = %v after halving 2, want 1", s.Scale())
	}
	s.ReportOverflow()
	if s.Scale() != 1 {
		t.Fatalf("scale = %v, want floor of 1", s.Scale())
	}
}

func TestHasOverflowDetectsNaNAndInf(t *testing.T) {
	if !HasOverflow([]F{1, F(math.NaN())}) {
		t.Error("expected NaN to be detected as overflow")
	}
	if !HasOverflow([]F{1, F(math.Inf(1))}) {
		t.Error("expected Inf to be detected as overflow")
	}
	if HasOverflow([]F{1, 2, 3}) {
		t.Error("expected finite gradient to report no overflow")
	}
}
