// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package nn

import "github.com/ajroetker/cllm/internal/bignum"

// FeedForwardForward computes h = tanh(x@W1+b1), y = h@W2+b2 (spec.md
// §4.4.3). h is written to hOut so the caller can reuse the buffer
// across batches without reallocating, but FeedForwardBackward
// deliberately recomputes h from x rather than relying on hOut still
// being valid, trading compute for activation memory as the spec
// prescribes.
func FeedForwardForward(x, w1, b1, w2, b2 []F, rows, embeddingDim, ffDim int, hOut, out []F) {
	Dense(x, w1, b1, rows, embeddingDim, ffDim, hOut)
	for i := range hOut[:rows*ffDim] {
		hOut[i] = bignum.Tanh(hOut[i])
	}
	Dense(hOut, w2, b2, rows, ffDim, embeddingDim, out)
}

// FeedForwardBackward computes dx and accumulates dW1/db1/dW2/db2 from
// dout, recomputing h = tanh(x@W1+b1) instead of caching it (spec.md
// §4.4.3's explicit compute-for-memory trade) and using tanh'(h) =
// 1-h^2.
func FeedForwardBackward(dout, x, w1, b1, w2 []F, rows, embeddingDim, ffDim int, dx, dW1, dB1, dW2, dB2 []F) {
	h := make([]F, rows*ffDim)
	Dense(x, w1, b1, rows, embeddingDim, ffDim, h)
	for i := range h {
		h[i] = bignum.Tanh(h[i])
	}

	dH := make([]F, rows*ffDim)
	denseBackward(h, w2, dout, rows, ffDim, embeddingDim, dH, dW2)
	for r := 0; r < rows; r++ {
		doRow := dout[r*embeddingDim : (r+1)*embeddingDim]
		for j := 0; j < embeddingDim; j++ {
			dB2[j] += doRow[j]
		}
	}

	dHPre := make([]F, rows*ffDim)
	for i, hv := range h {
		dHPre[i] = dH[i] * (1 - hv*hv)
	}

	denseBackward(x, w1, dHPre, rows, embeddingDim, ffDim, dx, dW1)
	for r := 0; r < rows; r++ {
		row := dHPre[r*ffDim : (r+1)*ffDim]
		for j := 0; j < ffDim; j++ {
			dB1[j] += row[j]
		}
	}
}
