// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package bignum is the math facade (spec.md §4.1, component C1): the
// single place scalar transcendentals are computed, routed through an
// arbitrary-precision fixed-point backend (BigFixed, in bigfixed.go)
// instead of the host's libm. Every other component imports F and these
// functions rather than calling the standard "math" package's
// transcendentals directly.
package bignum

import "math"

// F is the scalar element type used throughout the training engine.
// float32 satisfies spec.md §3's "at least IEEE 754 binary32 precision"
// requirement; promoting F to a wider or arbitrary-precision type only
// requires changing this alias, since every caller goes through this
// facade rather than the host math library directly.
type F = float32

var (
	nanF    = math.Float32frombits(0x7fc00000)
	posInfF = math.Float32frombits(0x7f800000)
	negInfF = math.Float32frombits(0xff800000)
)

// expMaxF is the finite cap Exp clips its result to, per spec.md §4.1's
// "empirical cap >= 1e38" requirement.
const expMaxF F = 3.4e38

// Pi is the mathematical constant, exposed so callers building angles
// (e.g. the clock lattice) share one source of truth rather than each
// spelling their own literal.
const Pi F = 3.14159265358979323846

// IsNaN reports whether x is NaN, via direct bit inspection rather than
// a host math-library predicate.
func IsNaN(x F) bool {
	bits := math.Float32bits(x)
	exp := bits & 0x7f800000
	frac := bits & 0x007fffff
	return exp == 0x7f800000 && frac != 0
}

// IsInf reports whether x is positive or negative infinity.
func IsInf(x F) bool {
	bits := math.Float32bits(x) &^ 0x80000000
	return bits == 0x7f800000
}

// Abs returns |x|.
func Abs(x F) F {
	if x < 0 {
		return -x
	}
	return x
}

// Floor returns the largest integer value <= x, computed by truncating a
// BigFixed representation of x rather than calling a host math function.
func Floor(x F) F {
	if IsNaN(x) || IsInf(x) {
		return x
	}
	return toF(fromF(x).floor())
}

// Ceil returns the smallest integer value >= x.
func Ceil(x F) F {
	if IsNaN(x) || IsInf(x) {
		return x
	}
	f := fromF(x)
	fl := f.floor()
	if fl.cmp(f) == 0 {
		return toF(fl)
	}
	return toF(fl.add(bfOne))
}

func fromF(x F) BigFixed { return fromFloat64(float64(x)) }
func toF(x BigFixed) F   { return F(x.toFloat64()) }

// Sqrt returns sqrt(x). Sqrt(x < 0) is NaN, per spec.md §4.1.
func Sqrt(x F) F {
	if IsNaN(x) {
		return nanF
	}
	if x < 0 {
		return nanF
	}
	if x == 0 {
		return 0
	}
	if IsInf(x) {
		return posInfF
	}
	return toF(fromF(x).sqrtBig())
}

// Exp returns e^x, clipped to a finite maximum to prevent overflow.
func Exp(x F) F {
	if IsNaN(x) {
		return nanF
	}
	if IsInf(x) {
		if x > 0 {
			return expMaxF
		}
		return 0
	}
	bx := fromF(x)
	result := bigExp(bx)
	f := toF(result)
	if f > expMaxF {
		return expMaxF
	}
	if f < -expMaxF {
		return -expMaxF
	}
	return f
}

// bigExp computes e^x for a BigFixed x via range reduction |x| = m*ln2 + r,
// m = trunc(|x|/ln2) and r in [0, ln2), then e^|x| = 2^m * e^r (inverted
// for negative x) with e^r from a Taylor
// series and the 2^m factor applied as an exact bit shift (the backend
// is base-2 fixed point, so multiplying by a power of two never loses
// precision).
func bigExp(x BigFixed) BigFixed {
	if x.sign() == 0 {
		return bfOne
	}
	neg := x.sign() < 0
	ax := x.abs()

	mBig := ax.div(bfLn2)
	m := int(mBig.toFloat64())
	r := ax.sub(bfLn2.mulInt(int64(m)))

	er := r.expSeriesSmall()
	var result BigFixed
	if m >= 0 {
		result = er.shl(uint(m))
	} else {
		result = er.shrRound(uint(-m))
	}
	if neg {
		return bfOne.div(result)
	}
	return result
}

// Log returns the natural logarithm of x. Log(x <= 0) is NaN, per
// spec.md §4.1.
func Log(x F) F {
	if IsNaN(x) || x <= 0 {
		return nanF
	}
	if IsInf(x) {
		return posInfF
	}
	return toF(bigLog(fromF(x)))
}

// bigLog computes ln(x) for x > 0 via exponent extraction (x = mant *
// 2^e with mant in [1,2)) followed by ln(mant) = 2*atanh((mant-1)/(mant+1)),
// a series that converges quickly because its argument stays <= 1/3.
func bigLog(x BigFixed) BigFixed {
	e := x.mantissa.BitLen() - 1 - precisionBits
	mant := x
	if e > 0 {
		mant = x.shrRound(uint(e))
	} else if e < 0 {
		mant = x.shl(uint(-e))
	}
	z := mant.sub(bfOne).div(mant.add(bfOne))
	lnMant := z.atanhSeries().mulInt(2)
	return bfLn2.mulInt(int64(e)).add(lnMant)
}

// Pow returns x**y.
func Pow(x, y F) F {
	if y == 0 {
		return 1
	}
	if x == 0 {
		if y > 0 {
			return 0
		}
		return posInfF
	}
	if x < 0 {
		// Only well-defined for integral y; match math.Pow's convention
		// for the cases this facade is actually exercised with (integer
		// learning-rate-schedule style exponents).
		if y != Floor(y) {
			return nanF
		}
		mag := Exp(y * Log(-x))
		if int64(y)%2 != 0 {
			return -mag
		}
		return mag
	}
	return Exp(y * Log(x))
}

// Sin returns sin(x) via range reduction into [-pi, pi] and a Taylor
// series.
func Sin(x F) F {
	if IsNaN(x) || IsInf(x) {
		return nanF
	}
	return toF(bigSin(fromF(x)))
}

// Cos returns cos(x), computed as sin(x + pi/2) to share bigSin's series.
func Cos(x F) F {
	if IsNaN(x) || IsInf(x) {
		return nanF
	}
	halfPi := bfPi.divSmall(2)
	return toF(bigSin(fromF(x).add(halfPi)))
}

func bigSin(x BigFixed) BigFixed {
	r := reduceAngle(x)
	// sin Taylor series: r - r^3/3! + r^5/5! - ...
	r2 := r.mul(r)
	term := r
	sum := r
	sign := int64(-1)
	for k := int64(1); k <= taylorTerms/2; k++ {
		term = term.mul(r2)
		denom := (2*k + 1) * (2 * k)
		t := term.divSmall(denom)
		if sign < 0 {
			sum = sum.sub(t)
		} else {
			sum = sum.add(t)
		}
		sign = -sign
	}
	return sum
}

// reduceAngle folds x into [-pi, pi] by subtracting the nearest multiple
// of 2*pi.
func reduceAngle(x BigFixed) BigFixed {
	k := x.div(bfTwoPi)
	kf := math.Round(k.toFloat64())
	return x.sub(bfTwoPi.mulInt(int64(kf)))
}

// tanhMaxF is the largest float32 below 1; Tanh saturates at +-tanhMaxF.
const tanhMaxF F = 1 - 1.0/(1<<24)

// Tanh returns tanh(x) = (e^2x - 1) / (e^2x + 1), with symmetric
// saturation for large |x| to avoid overflow in the intermediate e^2x.
// Results stay strictly inside (-1, 1): they are clamped to
// +-(1 - 2^-24) where float32 rounding would otherwise give exactly +-1.
func Tanh(x F) F {
	if IsNaN(x) {
		return nanF
	}
	if x > 20 {
		return tanhMaxF
	}
	if x < -20 {
		return -tanhMaxF
	}
	e2x := Exp(2 * x)
	v := (e2x - 1) / (e2x + 1)
	if v > tanhMaxF {
		return tanhMaxF
	}
	if v < -tanhMaxF {
		return -tanhMaxF
	}
	return v
}
