package kernel

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// numWorkers defines the default parallelism for the block grid
var numWorkers = runtime.NumCPU()

// blockScratch is the fast-memory working set of one block: the Q tile,
// the streamed K/V tiles, the score row, and the running (m, l, acc)
// statistics. One instance lives per worker for the duration of a launch
// and is reused across the blocks that worker executes.
type blockScratch struct {
	qTile  []float32 // Br x D
	kTile  []float32 // Bc x D
	vTile  []float32 // Bc x D
	scores []float32 // Bc, one query row's scores over the current K tile
	m      []float32 // Br, running max logit
	l      []float32 // Br, running sum of exponentials
	acc    []float32 // Br x D, unnormalized output accumulator
}

func newBlockScratch(p Params) *blockScratch {
	return &blockScratch{
		qTile:  make([]float32, p.Br*p.D),
		kTile:  make([]float32, p.Bc*p.D),
		vTile:  make([]float32, p.Bc*p.D),
		scores: make([]float32, p.Bc),
		m:      make([]float32, p.Br),
		l:      make([]float32, p.Br),
		acc:    make([]float32, p.Br*p.D),
	}
}

// Forward computes O = softmax(QK^T / sqrt(D)) V per (batch, head) pair
// without materializing the N x N score matrix, writing the f32 output
// into o (shape [B,H,N,D]) and the per-row logsumexp statistic into
// lse (shape [B,H,N]). Inputs are read in the element type named by
// p.DType and widened to f32 at tile-load time.
//
// The grid is ceil(N/Br) x (B*H) independent blocks scheduled over a
// worker pool; blocks share no mutable state.
func Forward(p Params, q, k, v Operand, o []float32, lse []float32) error {
	if err := validateLaunch(p, q, k, v, o, lse); err != nil {
		validationErrors.WithLabelValues("forward").Inc()
		return err
	}

	start := time.Now()
	launchesTotal.Inc()

	load := p.DType.loader()
	tr, bh := p.Grid()
	tasks := tr * bh

	workers := numWorkers
	if tasks < workers {
		workers = tasks
	}

	var wg sync.WaitGroup
	var done, skipped atomic.Int64
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			scratch := newBlockScratch(p)
			for task := w; task < tasks; task += workers {
				d, s := runBlock(p, load, q, k, v, o, lse, task/tr, task%tr, scratch)
				done.Add(d)
				skipped.Add(s)
			}
		}(w)
	}
	wg.Wait()

	tilesProcessed.Add(float64(done.Load()))
	tilesSkipped.Add(float64(skipped.Load()))
	kernelDuration.WithLabelValues("flashattn2_forward").Observe(time.Since(start).Seconds())
	return nil
}

func validateLaunch(p Params, q, k, v Operand, o []float32, lse []float32) error {
	if err := p.Validate(); err != nil {
		return err
	}
	want := p.Elems()
	if err := q.check(p.DType, "Q", want); err != nil {
		return err
	}
	if err := k.check(p.DType, "K", want); err != nil {
		return err
	}
	if err := v.check(p.DType, "V", want); err != nil {
		return err
	}
	if len(o) != want {
		return fmt.Errorf("O buffer has %d elements, want B*H*N*D = %d", len(o), want)
	}
	if len(lse) != p.RowStats() {
		return fmt.Errorf("L buffer has %d elements, want B*H*N = %d", len(lse), p.RowStats())
	}
	return nil
}

// runBlock executes one (batch*head, query-tile) block: the Q tile load,
// the streamed K/V tile loop with the online-softmax update, and the
// epilogue that normalizes acc and derives the logsumexp. Returns the
// number of K/V tiles processed and skipped (causal).
func runBlock(p Params, load tileLoader, q, k, v Operand, o, lse []float32, bh, ti int, s *blockScratch) (processed, skipped int64) {
	scale := float32(1.0 / math.Sqrt(float64(p.D)))

	base := bh * p.N * p.D // element offset of this batch-head pair
	q0 := ti * p.Br
	qn := p.Br
	if q0+qn > p.N {
		qn = p.N - q0
	}

	// Load the Br x D Q slice once per block
	load(s.qTile, q, base+q0*p.D, qn*p.D)
	for r := 0; r < qn; r++ {
		s.m[r] = float32(math.Inf(-1))
		s.l[r] = 0
	}
	simd.VecZero(s.acc[:qn*p.D])

	tc := ceilDiv(p.N, p.Bc)
	for tj := 0; tj < tc; tj++ {
		k0 := tj * p.Bc

		// Tiles strictly above the diagonal contribute nothing under
		// causal masking; tiles are visited in increasing index order
		// so the remainder of the loop can be skipped outright.
		if p.Causal && k0 > q0+qn-1 {
			skipped += int64(tc - tj)
			break
		}

		kn := p.Bc
		if k0+kn > p.N {
			kn = p.N - k0
		}

		load(s.kTile, k, base+k0*p.D, kn*p.D)
		load(s.vTile, v, base+k0*p.D, kn*p.D)
		processed++

		straddles := p.Causal && k0+kn-1 > q0

		for r := 0; r < qn; r++ {
			qIdx := q0 + r
			qRow := s.qTile[r*p.D : (r+1)*p.D]

			// Raw scores for this row over the K tile, masked before
			// any max or exp is taken
			rowMax := float32(math.Inf(-1))
			for c := 0; c < kn; c++ {
				kIdx := k0 + c
				if straddles && kIdx > qIdx {
					s.scores[c] = float32(math.Inf(-1))
					continue
				}
				sc := simd.DotProduct(qRow, s.kTile[c*p.D:(c+1)*p.D]) * scale
				s.scores[c] = sc
				if sc > rowMax {
					rowMax = sc
				}
			}

			mOld := s.m[r]
			mNew := mOld
			if rowMax > mNew {
				mNew = rowMax
			}
			if math.IsInf(float64(mNew), -1) {
				// Row fully masked so far, nothing to accumulate
				continue
			}

			// Rescale previously accumulated state to the new pivot.
			// On the first contributing tile mOld is -Inf and the
			// correction collapses to zero.
			var corr float32
			if !math.IsInf(float64(mOld), -1) {
				corr = float32(math.Exp(float64(mOld - mNew)))
			}
			accRow := s.acc[r*p.D : (r+1)*p.D]
			lNew := s.l[r] * corr
			simd.VecScale(accRow, corr)

			for c := 0; c < kn; c++ {
				sc := s.scores[c]
				if math.IsInf(float64(sc), -1) {
					continue
				}
				pw := float32(math.Exp(float64(sc - mNew)))
				lNew += pw
				simd.VecAddScaled(accRow, s.vTile[c*p.D:(c+1)*p.D], pw)
			}

			s.m[r] = mNew
			s.l[r] = lNew
		}
	}

	// Epilogue: O = acc / l, L = m + log(l). Rows are independent.
	for r := 0; r < qn; r++ {
		qIdx := q0 + r
		outRow := o[base+qIdx*p.D : base+(qIdx+1)*p.D]
		lr := s.l[r]
		if lr <= 0 {
			// A row with no valid keys cannot occur under the causal
			// rule (the diagonal is always unmasked) but must not
			// divide by zero.
			simd.VecZero(outRow)
			lse[bh*p.N+qIdx] = float32(math.Inf(-1))
			continue
		}
		copy(outRow, s.acc[r*p.D:(r+1)*p.D])
		simd.VecScale(outRow, 1.0/lr)
		lse[bh*p.N+qIdx] = s.m[r] + float32(math.Log(float64(lr)))
	}
	return processed, skipped
}
