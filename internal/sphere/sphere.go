// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package sphere builds the 12-ary fractal worker-tree topology and
// the lock-free batch distribution it trains through (spec.md §3/§4.6,
// component C6). Control spheres exist only for hierarchy bookkeeping;
// all actual forward/backward work happens on leaf Worker spheres.
package sphere

import (
	"github.com/ajroetker/cllm/internal/model"
)

// Kind distinguishes a sphere's role in the tree, dispatched by value
// rather than an open type hierarchy (spec.md §9's "no open inheritance"
// rule, applied here as it is to the optimiser variants in internal/optim).
type Kind int

const (
	Root Kind = iota
	Control
	Worker
)

func (k Kind) String() string {
	switch k {
	case Root:
		return "Root"
	case Control:
		return "Control"
	default:
		return "Worker"
	}
}

// fanOut is the fixed 12-fold branching factor every Control sphere has,
// mirroring the clock lattice's ring-0 symmetry (spec.md §3 "Rationale
// for 12-ary fractal").
const fanOut = 12

// Sphere is one node of the hierarchy. Only leaf nodes (Kind == Worker)
// carry a gradient segment and a training context; interior nodes exist
// purely to describe the tree shape spec.md §3 assigns a level/index to.
type Sphere struct {
	ID           int
	Level        int
	IndexAtLevel int
	Kind         Kind
	Parent       *Sphere
	Children     []*Sphere

	// SegmentOffset/SegmentSize describe this Worker's exclusive slice
	// of the flat gradient buffer (invariant P2). Zero for non-Workers.
	SegmentOffset int
	SegmentSize   int
}

// Hierarchy is the fully constructed sphere tree plus the flattened
// list of its leaf Workers, in tree order.
type Hierarchy struct {
	Root    *Sphere
	All     []*Sphere
	Workers []*Sphere
}

// BuildHierarchy constructs (12^(depth+1)-1)/11 sphere nodes (spec.md
// §4.6 "Construction") and partitions numWeights contiguously across
// the depth-d leaf Workers so their SegmentOffset/SegmentSize ranges
// satisfy invariant P2: pairwise disjoint, gap-free, summing to
// numWeights. depth=0 yields a single Root that is also the sole Worker.
func BuildHierarchy(depth, numWeights int) *Hierarchy {
	h := &Hierarchy{}
	nextID := 0

	var build func(level, indexAtLevel int, parent *Sphere) *Sphere
	build = func(level, indexAtLevel int, parent *Sphere) *Sphere {
		kind := Control
		switch {
		case level == 0:
			kind = Root // depth == 0 makes the root also the sole worker
		case level == depth:
			kind = Worker
		}

		s := &Sphere{ID: nextID, Level: level, IndexAtLevel: indexAtLevel, Kind: kind, Parent: parent}
		nextID++
		h.All = append(h.All, s)
		if kind == Worker || (level == 0 && depth == 0) {
			h.Workers = append(h.Workers, s)
		}

		if level < depth {
			s.Children = make([]*Sphere, fanOut)
			for i := 0; i < fanOut; i++ {
				s.Children[i] = build(level+1, i, s)
			}
		}
		return s
	}

	h.Root = build(0, 0, nil)
	assignSegments(h.Workers, numWeights)
	return h
}

// assignSegments splits [0, numWeights) into len(workers) contiguous,
// near-equal, gap-free, non-overlapping ranges (invariant P2). The
// first numWeights%len(workers) workers get one extra element so the
// sizes sum exactly to numWeights even when it doesn't divide evenly.
func assignSegments(workers []*Sphere, numWeights int) {
	n := len(workers)
	if n == 0 {
		return
	}
	base := numWeights / n
	extra := numWeights % n
	off := 0
	for i, w := range workers {
		size := base
		if i < extra {
			size++
		}
		w.SegmentOffset = off
		w.SegmentSize = size
		off += size
	}
}

// NumWorkersAtDepth returns how many leaf Workers BuildHierarchy(depth,
// ...) produces, without constructing the tree.
func NumWorkersAtDepth(depth int) int {
	n := 1
	for i := 0; i < depth; i++ {
		n *= fanOut
	}
	return n
}

// NumNodesAtDepth returns the total node count (12^(depth+1)-1)/11.
func NumNodesAtDepth(depth int) int {
	total := 0
	level := 1
	for i := 0; i <= depth; i++ {
		total += level
		level *= fanOut
	}
	return total
}

// segmentView returns the slice of buf.Data this worker exclusively owns.
func segmentView(buf *model.GradBuffer, s *Sphere) []model.F {
	return buf.Data[s.SegmentOffset : s.SegmentOffset+s.SegmentSize]
}
