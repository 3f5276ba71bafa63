package kernel

import (
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// NaiveForward is the O(N^2) f32 correctness oracle:
// O = softmax(QK^T / sqrt(D)) V computed row by row with the full score
// row materialized. It exists to validate the tiled kernel and is not on
// any serving path. Batch-head pairs are independent and are split
// across workers.
func NaiveForward(q, k, v, o []float32, B, H, N, D int, causal bool) error {
	if B <= 0 || H <= 0 || N <= 0 || D <= 0 {
		return fmt.Errorf("invalid shape B=%d H=%d N=%d D=%d (all must be positive)", B, H, N, D)
	}
	want := B * H * N * D
	for name, buf := range map[string][]float32{"Q": q, "K": k, "V": v, "O": o} {
		if len(buf) != want {
			return fmt.Errorf("%s buffer has %d elements, want B*H*N*D = %d", name, len(buf), want)
		}
	}

	bhTotal := B * H
	scale := float32(1.0 / math.Sqrt(float64(D)))

	workers := numWorkers
	if bhTotal < workers {
		workers = bhTotal
	}
	perWorker := (bhTotal + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if start >= bhTotal {
			break
		}
		if end > bhTotal {
			end = bhTotal
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			scores := make([]float32, N)
			probs := make([]float32, N)

			for bh := start; bh < end; bh++ {
				base := bh * N * D
				for i := 0; i < N; i++ {
					qRow := q[base+i*D : base+(i+1)*D]

					m := float32(math.Inf(-1))
					for j := 0; j < N; j++ {
						if causal && j > i {
							scores[j] = float32(math.Inf(-1))
							continue
						}
						s := simd.DotProduct(qRow, k[base+j*D:base+(j+1)*D]) * scale
						scores[j] = s
						if s > m {
							m = s
						}
					}

					var l float32
					for j := 0; j < N; j++ {
						if math.IsInf(float64(scores[j]), -1) {
							probs[j] = 0
							continue
						}
						p := float32(math.Exp(float64(scores[j] - m)))
						probs[j] = p
						l += p
					}
					invL := 1.0 / l

					outRow := o[base+i*D : base+(i+1)*D]
					simd.VecZero(outRow)
					for j := 0; j < N; j++ {
						w := probs[j] * invL
						if w == 0 {
							continue
						}
						simd.VecAddScaled(outRow, v[base+j*D:base+(j+1)*D], w)
					}
				}
			}
		}(start, end)
	}
	wg.Wait()
	return nil
}
