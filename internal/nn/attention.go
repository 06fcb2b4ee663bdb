// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package nn

import "github.com/ajroetker/cllm/internal/bignum"

// AttentionCache holds the per-head Q, K, V, and softmax weight buffers
// spec.md §4.4.2 requires a worker to keep for its batch, so backward
// can use the real softmax Jacobian instead of an approximation (see
// spec.md §9's open question on this point, resolved here in favour of
// the full Jacobian as the spec mandates).
type AttentionCache struct {
	Q, K, V []F // [seqLen, embeddingDim] each, row-major, heads concatenated
	A       []F // [numHeads, seqLen, seqLen] softmax weights
}

// NewAttentionCache allocates buffers for a sequence of length seqLen.
func NewAttentionCache(seqLen, embeddingDim, numHeads int) *AttentionCache {
	return &AttentionCache{
		Q: make([]F, seqLen*embeddingDim),
		K: make([]F, seqLen*embeddingDim),
		V: make([]F, seqLen*embeddingDim),
		A: make([]F, numHeads*seqLen*seqLen),
	}
}

// Dense computes output = x @ weight^T, where x is [rows, inFeatures]
// and weight is [outFeatures, inFeatures] (PyTorch-style row-major),
// matching the teacher's BaseDense contract. bias may be nil.
func Dense(x, weight, bias []F, rows, inFeatures, outFeatures int, out []F) {
	for r := 0; r < rows; r++ {
		xRow := x[r*inFeatures : (r+1)*inFeatures]
		oRow := out[r*outFeatures : (r+1)*outFeatures]
		for j := 0; j < outFeatures; j++ {
			wRow := weight[j*inFeatures : (j+1)*inFeatures]
			var sum F
			for p := 0; p < inFeatures; p++ {
				sum += xRow[p] * wRow[p]
			}
			if bias != nil {
				sum += bias[j]
			}
			oRow[j] = sum
		}
	}
}

// AttentionForward computes multi-head scaled dot-product attention for
// one sequence (spec.md §4.4.2): per head h, Q=x·Wq_h, K=x·Wk_h,
// V=x·Wv_h, A=softmax(QK^T/sqrt(head_dim)) row-wise with masked
// positions zeroed, output = A·V, heads concatenated on the feature
// axis. mask (length seqLen, 1 = valid, 0 = padded) may be nil.
func AttentionForward(x, wq, wk, wv, mask []F, seqLen, embeddingDim, numHeads int, cache *AttentionCache, out []F) {
	headDim := embeddingDim / numHeads
	scale := 1 / bignum.Sqrt(F(headDim))

	Dense(x, wq, nil, seqLen, embeddingDim, embeddingDim, cache.Q)
	Dense(x, wk, nil, seqLen, embeddingDim, embeddingDim, cache.K)
	Dense(x, wv, nil, seqLen, embeddingDim, embeddingDim, cache.V)

	for h := 0; h < numHeads; h++ {
		hOff := h * headDim
		aBase := h * seqLen * seqLen

		for i := 0; i < seqLen; i++ {
			qRow := cache.Q[i*embeddingDim+hOff : i*embeddingDim+hOff+headDim]
			aRow := cache.A[aBase+i*seqLen : aBase+i*seqLen+seqLen]

			anyUnmasked := false
			maxScore := F(negInf)
			for j := 0; j < seqLen; j++ {
				if mask != nil && mask[j] == 0 {
					aRow[j] = F(negInf)
					continue
				}
				anyUnmasked = true
				kRow := cache.K[j*embeddingDim+hOff : j*embeddingDim+hOff+headDim]
				var dot F
				for d := 0; d < headDim; d++ {
					dot += qRow[d] * kRow[d]
				}
				score := dot * scale
				aRow[j] = score
				if score > maxScore {
					maxScore = score
				}
			}

			// spec.md §4.4.2 edge cases: a fully-masked row softmaxes to
			// uniform over unmasked columns; with none unmasked (all
			// padded), output is zero and the row contributes no gradient.
			if !anyUnmasked {
				for j := range aRow {
					aRow[j] = 0
				}
				outRow := out[i*embeddingDim+hOff : i*embeddingDim+hOff+headDim]
				for d := range outRow {
					outRow[d] = 0
				}
				continue
			}

			var sumExp F
			for j := 0; j < seqLen; j++ {
				if aRow[j] == F(negInf) {
					aRow[j] = 0
					continue
				}
				e := bignum.Exp(aRow[j] - maxScore)
				aRow[j] = e
				sumExp += e
			}
			invSum := 1 / sumExp
			for j := 0; j < seqLen; j++ {
				aRow[j] *= invSum
			}

			outRow := out[i*embeddingDim+hOff : i*embeddingDim+hOff+headDim]
			for d := 0; d < headDim; d++ {
				var sum F
				for j := 0; j < seqLen; j++ {
					sum += aRow[j] * cache.V[j*embeddingDim+hOff+d]
				}
				outRow[d] = sum
			}
		}
	}
}

const negInf = F(-1e30)

// AttentionBackward propagates dout through the attention output,
// softmax (full Jacobian dS/dA = diag(A) - A*A^T applied row-wise, per
// spec.md §9's resolution of the source's ambiguity), and the Q/K/V
// projections, accumulating dWq/dWk/dWv into the worker's exclusive
// gradient segment and writing dx (input gradient).
func AttentionBackward(dout, x, wq, wk, wv []F, seqLen, embeddingDim, numHeads int, cache *AttentionCache, dx, dWq, dWk, dWv []F) {
	headDim := embeddingDim / numHeads
	scale := 1 / bignum.Sqrt(F(headDim))

	dQ := make([]F, seqLen*embeddingDim)
	dK := make([]F, seqLen*embeddingDim)
	dV := make([]F, seqLen*embeddingDim)

	for h := 0; h < numHeads; h++ {
		hOff := h * headDim
		aBase := h * seqLen * seqLen

		dA := make([]F, seqLen*seqLen)
		for i := 0; i < seqLen; i++ {
			doRow := dout[i*embeddingDim+hOff : i*embeddingDim+hOff+headDim]
			dARow := dA[i*seqLen : i*seqLen+seqLen]
			for j := 0; j < seqLen; j++ {
				var sum F
				for d := 0; d < headDim; d++ {
					sum += doRow[d] * cache.V[j*embeddingDim+hOff+d]
				}
				dARow[j] = sum
			}
			// dV += A^T @ dout
			for j := 0; j < seqLen; j++ {
				a := cache.A[aBase+i*seqLen+j]
				if a == 0 {
					continue
				}
				dVRow := dV[j*embeddingDim+hOff : j*embeddingDim+hOff+headDim]
				for d := 0; d < headDim; d++ {
					dVRow[d] += a * doRow[d]
				}
			}
		}

		// Softmax backward: dScores = A * (dA - sum(dA*A))  (row Jacobian)
		dScores := make([]F, seqLen*seqLen)
		for i := 0; i < seqLen; i++ {
			aRow := cache.A[aBase+i*seqLen : aBase+i*seqLen+seqLen]
			dARow := dA[i*seqLen : i*seqLen+seqLen]
			var dot F
			for j := 0; j < seqLen; j++ {
				dot += dARow[j] * aRow[j]
			}
			dsRow := dScores[i*seqLen : i*seqLen+seqLen]
			for j := 0; j < seqLen; j++ {
				dsRow[j] = aRow[j] * (dARow[j] - dot)
			}
		}

		for i := 0; i < seqLen; i++ {
			dsRow := dScores[i*seqLen : i*seqLen+seqLen]
			qRow := cache.Q[i*embeddingDim+hOff : i*embeddingDim+hOff+headDim]
			dQRow := dQ[i*embeddingDim+hOff : i*embeddingDim+hOff+headDim]
			for j := 0; j < seqLen; j++ {
				ds := dsRow[j] * scale
				if ds == 0 {
					continue
				}
				kRow := cache.K[j*embeddingDim+hOff : j*embeddingDim+hOff+headDim]
				dKRow := dK[j*embeddingDim+hOff : j*embeddingDim+hOff+headDim]
				for d := 0; d < headDim; d++ {
					dQRow[d] += ds * kRow[d]
					dKRow[d] += ds * qRow[d]
				}
			}
		}
	}

	// Propagate through the three linear projections: dx = dQ@Wq + dK@Wk + dV@Wv,
	// dW_h = x^T @ dQ_h (etc), accumulated into the caller's gradient segment.
	denseBackward(x, wq, dQ, seqLen, embeddingDim, embeddingDim, dx, dWq)
	denseBackward(x, wk, dK, seqLen, embeddingDim, embeddingDim, dx, dWk)
	denseBackward(x, wv, dV, seqLen, embeddingDim, embeddingDim, dx, dWv)
}

// denseBackward accumulates the gradient of Dense's forward (out =
// x@weight^T) into dx (+=) and dWeight (+=), given dout.
func denseBackward(x, weight, dout []F, rows, inFeatures, outFeatures int, dx, dWeight []F) {
	for r := 0; r < rows; r++ {
		xRow := x[r*inFeatures : (r+1)*inFeatures]
		dxRow := dx[r*inFeatures : (r+1)*inFeatures]
		doRow := dout[r*outFeatures : (r+1)*outFeatures]
		for j := 0; j < outFeatures; j++ {
			dy := doRow[j]
			if dy == 0 {
				continue
			}
			wRow := weight[j*inFeatures : (j+1)*inFeatures]
			dWRow := dWeight[j*inFeatures : (j+1)*inFeatures]
			for p := 0; p < inFeatures; p++ {
				dxRow[p] += dy * wRow[p]
				dWRow[p] += dy * xRow[p]
			}
		}
	}
}
