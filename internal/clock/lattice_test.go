// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package clock

import "testing"

func TestPositionOfDeterministic(t *testing.T) {
	for _, idx := range []uint32{0, 1, 11, 12, 71, 72, 131, 132, 231, 232, 1000000} {
		a := PositionOf(idx)
		b := PositionOf(idx)
		if a != b {
			t.Fatalf("PositionOf(%d) not deterministic: %+v vs %+v", idx, a, b)
		}
	}
}

func TestRingCoverage232(t *testing.T) {
	// spec.md §8 scenario 6: for vocab_size = 232, every token lands on a
	// distinct (ring, position) and the distribution matches {12,60,60,100}.
	seen := map[[2]uint32]bool{}
	counts := map[uint32]int{}
	for i := uint32(0); i < 232; i++ {
		p := PositionOf(i)
		key := [2]uint32{p.Ring, p.Pos}
		if seen[key] {
			t.Fatalf("duplicate (ring,pos) at index %d: %+v", i, p)
		}
		seen[key] = true
		counts[p.Ring]++
	}
	want := map[uint32]int{0: 12, 1: 60, 2: 60, 3: 100}
	for ring, n := range want {
		if counts[ring] != n {
			t.Errorf("ring %d has %d tokens, want %d", ring, counts[ring], n)
		}
	}
}

func TestRingBoundaries(t *testing.T) {
	cases := []struct {
		idx  uint32
		ring uint32
		pos  uint32
	}{
		{0, 0, 0},
		{11, 0, 11},
		{12, 1, 0},
		{71, 1, 59},
		{72, 2, 0},
		{131, 2, 59},
		{132, 3, 0},
		{231, 3, 99},
		{232, 4, 0},
	}
	for _, c := range cases {
		p := PositionOf(c.idx)
		if p.Ring != c.ring || p.Pos != c.pos {
			t.Errorf("PositionOf(%d) = {ring:%d pos:%d}, want {ring:%d pos:%d}", c.idx, p.Ring, p.Pos, c.ring, c.pos)
		}
	}
}

func TestFoldBounded(t *testing.T) {
	for i := uint32(0); i < 2000; i += 7 {
		c := Fold(PositionOf(i))
		for _, v := range []F{c.X, c.Y, c.Z} {
			if v < -1.0001 || v > 1.0001 {
				t.Fatalf("Fold(%d) coordinate out of unit range: %+v", i, c)
			}
		}
	}
}

func TestSymmetryGroup(t *testing.T) {
	if SymmetryGroup(0) != 0 || SymmetryGroup(12) != 0 || SymmetryGroup(13) != 1 {
		t.Errorf("SymmetryGroup mismatch")
	}
}
