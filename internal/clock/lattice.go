// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package clock implements the Babylonian clock-lattice geometry (spec.md
// §4.2, component C2): pure, stateless functions mapping a token index to
// a deterministic (ring, position, angle, radius) coordinate and folding
// that onto the unit 3-sphere. Nothing here allocates a cache or reads
// randomness — every call is a closed-form function of its argument.
package clock

import (
	"github.com/ajroetker/cllm/internal/bignum"
	"github.com/samber/lo"
)

// F is the scalar type used for angles, radii, and coordinates.
type F = bignum.F

// ringCapacities is the fixed ring-boundary schedule from spec.md §3:
// rings 0-3 are {12, 60, 60, 100}; ring >= 4 uses 1000.
var ringCapacities = []uint32{12, 60, 60, 100}

// capacityOfRing returns the number of positions in ring r.
func capacityOfRing(r uint32) uint32 {
	if int(r) < len(ringCapacities) {
		return ringCapacities[r]
	}
	return 1000
}

// Position is the clock coordinate of a token index, per spec.md §3.
type Position struct {
	Ring     uint32
	Pos      uint32
	Angle    F
	Radius   F
}

// radiusOfRing implements the radius schedule from spec.md §3: ring 0 ->
// 0.25, ring 1 -> 0.50, ring 2 -> 0.75, ring 3 -> 1.00, ring >= 4 -> 1.00
// + 0.25*(ring-3).
func radiusOfRing(ring uint32) F {
	switch ring {
	case 0:
		return 0.25
	case 1:
		return 0.50
	case 2:
		return 0.75
	case 3:
		return 1.00
	default:
		return 1.00 + 0.25*F(ring-3)
	}
}

// refPosition centres 3 o'clock (position 0) for ring 0, and the
// mid-ring position otherwise, per spec.md §3's angle definition.
func refPosition(ring, positionsInRing uint32) F {
	if ring == 0 {
		return 0
	}
	return F(positionsInRing) / 2
}

// PositionOf walks the ring schedule, subtracting ring capacities until
// index falls within a ring, per spec.md §4.2. It never fails for index
// < math.MaxUint32: ring capacities grow unboundedly from ring 4 onward.
func PositionOf(index uint32) Position {
	remaining := index
	ring := uint32(0)
	for {
		ringCap := capacityOfRing(ring)
		if remaining < ringCap {
			angle := F(2) * piF * (F(remaining) - refPosition(ring, ringCap)) / F(ringCap)
			return Position{
				Ring:   ring,
				Pos:    remaining,
				Angle:  angle,
				Radius: radiusOfRing(ring),
			}
		}
		remaining -= ringCap
		ring++
	}
}

// piF aliases the math facade's Pi constant so every angle in this
// package traces back to the same source of truth other components use.
const piF = bignum.Pi

// Coord3 is a point on the unit 3-sphere.
type Coord3 struct {
	X, Y, Z F
}

// Fold reduces p's angle into the first quadrant and stereographically
// projects the folded clock position onto the unit 3-sphere, per
// spec.md §4.2: phi = radius*pi is the polar angle, theta is the folded
// azimuth.
func Fold(p Position) Coord3 {
	halfPi := piF / 2
	theta := foldToFirstQuadrant(p.Angle, halfPi)
	phi := p.Radius * piF

	sinPhi, cosPhi := bignum.Sin(phi), bignum.Cos(phi)
	sinTheta, cosTheta := bignum.Sin(theta), bignum.Cos(theta)

	return Coord3{
		X: sinPhi * cosTheta,
		Y: sinPhi * sinTheta,
		Z: cosPhi,
	}
}

// foldToFirstQuadrant reduces angle modulo halfPi (pi/2) into [0, halfPi).
func foldToFirstQuadrant(angle, halfPi F) F {
	r := bignum.Abs(angle)
	q := bignum.Floor(r / halfPi)
	return r - q*halfPi
}

// PositionsInRing returns the number of positions in the given ring,
// exposed so callers (e.g. the geometric embedding) can compute
// fractional ring offsets without re-deriving the ring schedule.
func PositionsInRing(ring uint32) uint32 { return capacityOfRing(ring) }

// SymmetryGroup returns token_id mod 12, the ring-0 coset governing the
// 12-fold factors used by the geometric embedding (spec.md glossary).
func SymmetryGroup(tokenID uint32) uint32 { return tokenID % 12 }

// RingSchedule returns the fixed-capacity portion of the ring schedule
// (rings 0-3), used by tests and diagnostics that want to reason about
// coverage without re-deriving capacityOfRing.
func RingSchedule() []uint32 {
	return lo.Map(ringCapacities, func(c uint32, _ int) uint32 { return c })
}
