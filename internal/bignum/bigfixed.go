// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package bignum

import (
	"math/big"

	"github.com/remyoudompheng/bigfft"
)

// precisionBits is the number of fractional bits kept in a BigFixed
// mantissa. 96 bits of fraction comfortably covers float32's ~24 bit
// mantissa with headroom for the intermediate error accumulated by a
// handful of Newton iterations or Taylor terms.
const precisionBits = 96

// bigfftThresholdBits is the mantissa bit length above which
// multiplication is delegated to bigfft's FFT-based algorithm instead of
// big.Int's schoolbook/Karatsuba Mul. FFT multiplication has constant
// overhead that only pays off once operands are large; for the
// typical 96-128 bit mantissas here schoolbook multiplication already
// wins, but layer-norm and attention backward passes can chain several
// multiplications before a rounding step, growing operands well past
// this threshold.
const bigfftThresholdBits = 2048

// BigFixed is a fixed-point arbitrary-precision scalar: value ==
// mantissa / 2^precisionBits. It is the module's own minimal stand-in for
// the spec's external BigInt/BigFixed collaborator (see spec.md §1), used
// exclusively by the math facade (facade.go) to route F (float32)
// transcendentals through arbitrary-precision arithmetic.
type BigFixed struct {
	mantissa *big.Int
}

func newBigFixed(m *big.Int) BigFixed { return BigFixed{mantissa: m} }

func fromFloat64(x float64) BigFixed {
	bf := new(big.Float).SetPrec(256).SetFloat64(x)
	scale := new(big.Float).SetPrec(256).SetMantExp(big.NewFloat(1), precisionBits)
	scaled := new(big.Float).SetPrec(256).Mul(bf, scale)
	i, _ := scaled.Int(nil)
	return newBigFixed(i)
}

func (x BigFixed) toFloat64() float64 {
	bf := new(big.Float).SetPrec(256).SetInt(x.mantissa)
	scale := new(big.Float).SetPrec(256).SetMantExp(big.NewFloat(1), precisionBits)
	f := new(big.Float).SetPrec(256).Quo(bf, scale)
	out, _ := f.Float64()
	return out
}

func (x BigFixed) sign() int { return x.mantissa.Sign() }

func (x BigFixed) add(y BigFixed) BigFixed {
	return newBigFixed(new(big.Int).Add(x.mantissa, y.mantissa))
}

func (x BigFixed) sub(y BigFixed) BigFixed {
	return newBigFixed(new(big.Int).Sub(x.mantissa, y.mantissa))
}

func mulMantissa(a, b *big.Int) *big.Int {
	if a.BitLen() > bigfftThresholdBits && b.BitLen() > bigfftThresholdBits {
		return bigfft.Mul(a, b)
	}
	return new(big.Int).Mul(a, b)
}

func (x BigFixed) mul(y BigFixed) BigFixed {
	prod := mulMantissa(x.mantissa, y.mantissa)
	return newBigFixed(new(big.Int).Rsh(prod, precisionBits))
}

func (x BigFixed) div(y BigFixed) BigFixed {
	num := new(big.Int).Lsh(x.mantissa, precisionBits)
	return newBigFixed(new(big.Int).Quo(num, y.mantissa))
}

// divSmall divides by a small positive integer exactly (used by Newton
// iterations and Taylor series, e.g. division by 2 or by k! terms).
func (x BigFixed) divSmall(n int64) BigFixed {
	return newBigFixed(new(big.Int).Quo(x.mantissa, big.NewInt(n)))
}

func (x BigFixed) shl(n uint) BigFixed {
	return newBigFixed(new(big.Int).Lsh(x.mantissa, n))
}

// shrRound is an arithmetic (floor) right shift, used to scale a value
// down by an exact power of two.
func (x BigFixed) shrRound(n uint) BigFixed {
	return newBigFixed(new(big.Int).Rsh(x.mantissa, n))
}

// mulInt multiplies by a small integer scalar.
func (x BigFixed) mulInt(n int64) BigFixed {
	return newBigFixed(new(big.Int).Mul(x.mantissa, big.NewInt(n)))
}

// floor truncates toward negative infinity. big.Int.Rsh performs an
// arithmetic (floor) shift for negative values, so Rsh followed by Lsh
// reproduces floor-to-fixed-point exactly.
func (x BigFixed) floor() BigFixed {
	whole := new(big.Int).Rsh(x.mantissa, precisionBits)
	return newBigFixed(new(big.Int).Lsh(whole, precisionBits))
}

func (x BigFixed) abs() BigFixed {
	return newBigFixed(new(big.Int).Abs(x.mantissa))
}

func (x BigFixed) cmp(y BigFixed) int { return x.mantissa.Cmp(y.mantissa) }

var (
	bfZero = fromFloat64(0)
	bfOne  = fromFloat64(1)
	// bfLn2/bfPi/bfTwoPi are taken from float64 constants, so they carry
	// about 53 bits of precision, far finer than float32 ULP. They enter
	// the exp/log range reduction and the sin/cos angle reduction
	// directly; the series themselves (Taylor for exp and sin, atanh for
	// log) are summed in full BigFixed precision, and sqrt uses
	// math/big.Float's Sqrt.
	bfLn2 = fromFloat64(0.6931471805599453)
	bfPi  = fromFloat64(3.141592653589793)
	bfTwoPi = fromFloat64(6.283185307179586)
)

// sqrtBig computes sqrt(x) for x >= 0 using math/big.Float's own
// arbitrary-precision Sqrt, which is the arithmetic-library primitive
// this facade is specified to delegate to (spec.md §4.1) rather than a
// hand-rolled iteration. Because precisionBits is even, sqrt(mantissa /
// 2^P) == sqrt(mantissa * 2^P) / 2^P, so shifting left by P before
// taking the integer square root keeps the result at the same fixed-point
// scale as x.
func (x BigFixed) sqrtBig() BigFixed {
	if x.sign() <= 0 {
		return bfZero
	}
	scaled := new(big.Float).SetPrec(384).SetInt(new(big.Int).Lsh(x.mantissa, precisionBits))
	root := new(big.Float).SetPrec(384).Sqrt(scaled)
	i, _ := root.Int(nil)
	return newBigFixed(i)
}

// expSeriesSmall computes e^x for x already range-reduced into [0, ln2)
// via a direct Taylor series; callers perform the 2^m scaling.
func (x BigFixed) expSeriesSmall() BigFixed {
	term := bfOne
	sum := bfOne
	for k := int64(1); k <= taylorTerms; k++ {
		term = term.mul(x).divSmall(k)
		sum = sum.add(term)
	}
	return sum
}

// atanhSeries computes atanh(z) = z + z^3/3 + z^5/5 + ... for |z| < 1,
// used by log's argument-reduced implementation.
func (z BigFixed) atanhSeries() BigFixed {
	z2 := z.mul(z)
	term := z
	sum := z
	for k := int64(1); k < taylorTerms; k++ {
		term = term.mul(z2)
		denom := 2*k + 1
		sum = sum.add(term.divSmall(denom))
	}
	return sum
}

const taylorTerms = 24
