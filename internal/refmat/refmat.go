// Package refmat provides an unfused BLAS-backed attention reference.
//
// It materializes the full N x N score matrix per (batch, head) pair and
// is therefore only suitable for validation and benchmarking against the
// tiled kernel. With cgo enabled the cmd binaries register netlib so the
// Gemm calls hit the system BLAS.
package refmat

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// Forward computes O = softmax(QK^T / sqrt(D)) V via two Gemm calls and
// a row softmax, f32 only. Layout matches the kernel package: [B,H,N,D]
// row-major contiguous.
func Forward(q, k, v, o []float32, B, H, N, D int, causal bool) error {
	if B <= 0 || H <= 0 || N <= 0 || D <= 0 {
		return fmt.Errorf("invalid shape B=%d H=%d N=%d D=%d (all must be positive)", B, H, N, D)
	}
	want := B * H * N * D
	if len(q) != want || len(k) != want || len(v) != want || len(o) != want {
		return fmt.Errorf("buffer size mismatch: want %d elements per tensor", want)
	}

	bhTotal := B * H
	scale := float32(1.0 / math.Sqrt(float64(D)))

	var wg sync.WaitGroup
	for bh := 0; bh < bhTotal; bh++ {
		wg.Add(1)
		go func(bh int) {
			defer wg.Done()
			base := bh * N * D

			qm := blas32.General{Rows: N, Cols: D, Stride: D, Data: q[base : base+N*D]}
			km := blas32.General{Rows: N, Cols: D, Stride: D, Data: k[base : base+N*D]}
			vm := blas32.General{Rows: N, Cols: D, Stride: D, Data: v[base : base+N*D]}
			om := blas32.General{Rows: N, Cols: D, Stride: D, Data: o[base : base+N*D]}

			scores := blas32.General{Rows: N, Cols: N, Stride: N, Data: make([]float32, N*N)}

			// S = scale * Q K^T
			blas32.Gemm(blas.NoTrans, blas.Trans, scale, qm, km, 0, scores)

			for i := 0; i < N; i++ {
				row := scores.Data[i*N : (i+1)*N]
				limit := N
				if causal {
					limit = i + 1
				}
				softmaxRow(row, limit)
			}

			// O = P V
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, scores, vm, 0, om)
		}(bh)
	}
	wg.Wait()
	return nil
}

// softmaxRow normalizes row[:limit] in place and zeroes the masked tail.
func softmaxRow(row []float32, limit int) {
	m := simd.RowMax(row[:limit])
	var sum float32
	for i := 0; i < limit; i++ {
		row[i] = float32(math.Exp(float64(row[i] - m)))
		sum += row[i]
	}
	inv := 1.0 / sum
	for i := 0; i < limit; i++ {
		row[i] *= inv
	}
	for i := limit; i < len(row); i++ {
		row[i] = 0
	}
}
