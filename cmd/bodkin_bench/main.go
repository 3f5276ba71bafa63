package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/kernel"
	"github.com/23skdu/longbow-bodkin/internal/refmat"
)

var (
	flagBatch   = flag.Int("b", 1, "Batch size")
	flagHeads   = flag.Int("heads", 8, "Head count")
	flagSeqLen  = flag.Int("n", 512, "Sequence length")
	flagHeadDim = flag.Int("d", 64, "Head dimension")
	flagBr      = flag.Int("br", 32, "Query tile rows")
	flagBc      = flag.Int("bc", 32, "Key/value tile rows")
	flagCausal  = flag.Bool("causal", false, "Causal masking")
	iterations  = flag.Int("iters", 20, "Fused kernel iterations to time")
	duration    = flag.Duration("duration", 0, "Run a soak for this long instead of fixed iterations (e.g. 30s, 5m)")
	serverAddr  = flag.String("server", "", "Benchmark a remote Bodkin Flight server instead of the local kernel")
	noCompare   = flag.Bool("no-compare", false, "Skip the naive and BLAS reference passes")
	flagSeed    = flag.Int64("seed", 42, "RNG seed")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	flag.Parse()

	b, h, n, d := *flagBatch, *flagHeads, *flagSeqLen, *flagHeadDim
	size := b * h * n * d
	rows := b * h * n

	log.Info().
		Int("b", b).Int("heads", h).Int("n", n).Int("d", d).
		Int("br", *flagBr).Int("bc", *flagBc).
		Bool("causal", *flagCausal).
		Msg("Benchmark shape")

	rng := rand.New(rand.NewSource(*flagSeed))
	q := make([]float32, size)
	k := make([]float32, size)
	v := make([]float32, size)
	for i := 0; i < size; i++ {
		q[i] = rng.Float32()*2 - 1
		k[i] = rng.Float32()*2 - 1
		v[i] = rng.Float32()*2 - 1
	}

	if *serverAddr != "" {
		benchRemote(q, k, v, b, h, n, d)
		return
	}

	p := kernel.Params{
		B: b, H: h, N: n, D: d,
		Br: *flagBr, Bc: *flagBc,
		Causal: *flagCausal,
	}
	if err := p.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid kernel configuration")
	}

	o := make([]float32, size)
	lse := make([]float32, rows)

	if !*noCompare {
		naiveOut := make([]float32, size)
		start := time.Now()
		if err := kernel.NaiveForward(q, k, v, naiveOut, b, h, n, d, *flagCausal); err != nil {
			log.Fatal().Err(err).Msg("Naive pass failed")
		}
		naiveTime := time.Since(start)

		blasOut := make([]float32, size)
		start = time.Now()
		if err := refmat.Forward(q, k, v, blasOut, b, h, n, d, *flagCausal); err != nil {
			log.Fatal().Err(err).Msg("BLAS reference pass failed")
		}
		blasTime := time.Since(start)

		start = time.Now()
		if err := kernel.Forward(p, kernel.OperandF32(q), kernel.OperandF32(k), kernel.OperandF32(v), o, lse); err != nil {
			log.Fatal().Err(err).Msg("Fused pass failed")
		}
		fusedTime := time.Since(start)

		log.Info().
			Dur("naive", naiveTime).
			Dur("blas", blasTime).
			Dur("fused", fusedTime).
			Float64("speedup_vs_naive", naiveTime.Seconds()/fusedTime.Seconds()).
			Float64("max_rel_diff_naive", float64(kernel.MaxRelDiff(naiveOut, o))).
			Float64("max_rel_diff_blas", float64(kernel.MaxRelDiff(blasOut, o))).
			Msg("Single-pass comparison")
	}

	// Sustained throughput through the stream interface
	stream := kernel.NewStream()
	defer stream.Close()

	startTime := time.Now()
	var totalRows int64
	var iter int

	for {
		if *duration > 0 {
			if time.Since(startTime) >= *duration {
				break
			}
		} else if iter >= *iterations {
			break
		}

		stream.Launch(p, kernel.OperandF32(q), kernel.OperandF32(k), kernel.OperandF32(v), o, lse)
		if err := stream.Synchronize(); err != nil {
			log.Fatal().Err(err).Msg("Stream launch failed")
		}

		totalRows += int64(rows)
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_rows", totalRows).
				Float64("rows_per_sec", float64(totalRows)/elapsed.Seconds()).
				Msg("Benchmark progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int("iters", iter).
		Int64("total_rows", totalRows).
		Dur("total_time", totalElapsed).
		Float64("avg_rows_per_sec", float64(totalRows)/totalElapsed.Seconds()).
		Msg("Benchmark complete")
}

func benchRemote(q, k, v []float32, b, h, n, d int) {
	batch := client.AttentionBatch{
		B: b, H: h, N: n, D: d, Causal: *flagCausal,
		Q: q, K: k, V: v,
	}

	fc, err := client.NewFlightClient(*serverAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer fc.Close()

	rows := b * h * n
	startTime := time.Now()
	var totalRows int64
	var iter, failures int

	for {
		if *duration > 0 {
			if time.Since(startTime) >= *duration {
				break
			}
		} else if iter >= *iterations {
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		_, err := fc.Attention(ctx, batch)
		cancel()
		if err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("Remote call failed")
			if fc.Breaker().State() == client.StateOpen {
				log.Fatal().Msg("Circuit open, aborting benchmark")
			}
			continue
		}

		totalRows += int64(rows)
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Float64("rows_per_sec", float64(totalRows)/elapsed.Seconds()).
				Msg("Remote benchmark progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int("iters", iter).
		Int("failures", failures).
		Int64("total_rows", totalRows).
		Dur("total_time", totalElapsed).
		Float64("avg_rows_per_sec", float64(totalRows)/totalElapsed.Seconds()).
		Msg("Remote benchmark complete")
}
