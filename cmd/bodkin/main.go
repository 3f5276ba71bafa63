package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/kernel"
)

var (
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Remote Bodkin Flight address for the self-check (e.g. localhost:9090)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	maxConcurrent = flag.Int("max-concurrent-rows", 1<<20, "Maximum attention rows in flight")

	flagBr     = flag.Int("br", 32, "Query tile rows")
	flagBc     = flag.Int("bc", 32, "Key/value tile rows")
	flagBudget = flag.Int("tile-budget", 0, "Per-block fast-memory budget in bytes (0 = 48KiB default)")

	// Self-check shape, used when no server address is configured
	flagBatch   = flag.Int("b", 1, "Self-check batch size")
	flagHeads   = flag.Int("heads", 4, "Self-check head count")
	flagSeqLen  = flag.Int("n", 256, "Self-check sequence length")
	flagHeadDim = flag.Int("d", 64, "Self-check head dimension")
	flagCausal  = flag.Bool("causal", false, "Self-check causal masking")
	flagSeed    = flag.Int64("seed", 42, "Self-check RNG seed")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	eng := NewEngine(*flagBr, *flagBc, *flagBudget)

	if *listenAddr != "" {
		go startServer(*listenAddr, eng, *maxConcurrent)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, eng)
		return
	}

	// One-shot self-check: random tensors through the fused kernel,
	// cross-checked against the quadratic oracle.
	rng := rand.New(rand.NewSource(*flagSeed))
	size := *flagBatch * *flagHeads * *flagSeqLen * *flagHeadDim
	q := make([]float32, size)
	k := make([]float32, size)
	v := make([]float32, size)
	for i := 0; i < size; i++ {
		q[i] = rng.Float32()*2 - 1
		k[i] = rng.Float32()*2 - 1
		v[i] = rng.Float32()*2 - 1
	}

	start := time.Now()
	o, lse, err := eng.Run(*flagBatch, *flagHeads, *flagSeqLen, *flagHeadDim, *flagCausal, kernel.F32,
		kernel.OperandF32(q), kernel.OperandF32(k), kernel.OperandF32(v))
	if err != nil {
		log.Fatal().Err(err).Msg("Forward pass failed")
	}
	elapsed := time.Since(start)

	ref := make([]float32, size)
	if err := kernel.NaiveForward(q, k, v, ref, *flagBatch, *flagHeads, *flagSeqLen, *flagHeadDim, *flagCausal); err != nil {
		log.Fatal().Err(err).Msg("Oracle failed")
	}

	rows := *flagBatch * *flagHeads * *flagSeqLen
	log.Info().
		Int("rows", rows).
		Dur("elapsed", elapsed).
		Float64("rows_per_sec", float64(rows)/elapsed.Seconds()).
		Float64("max_rel_diff_vs_naive", float64(kernel.MaxRelDiff(ref, o))).
		Msg("Self-check complete")

	if *serverAddr != "" {
		batch := client.AttentionBatch{
			B: *flagBatch, H: *flagHeads, N: *flagSeqLen, D: *flagHeadDim,
			Causal: *flagCausal, Q: q, K: k, V: v,
		}
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to remote server")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		res, err := fc.Attention(ctx, batch)
		if err != nil {
			log.Fatal().Err(err).Msg("Remote attention failed")
		}
		log.Info().
			Float64("max_abs_diff_vs_local", float64(kernel.MaxAbsDiff(o, res.O))).
			Msg("Remote result received")
		return
	}

	// No server: emit the result as an Arrow IPC stream on stdout.
	builder := client.NewRecordBuilder(memory.NewGoAllocator())
	rec, err := builder.BuildResult(*flagHeadDim, o, lse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build result record")
	}
	defer rec.Release()
	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func writeArrowStream(w *os.File, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
