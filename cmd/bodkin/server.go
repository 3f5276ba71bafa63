package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/kernel"
)

var (
	rowsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_rows_processed_total",
		Help: "The total number of attention rows computed",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_request_duration_seconds",
		Help:    "Time spent processing attention requests",
		Buckets: prometheus.DefBuckets,
	})
)

// Engine turns decoded attention batches into kernel launches using the
// server's default tiling. Tile sizes are clipped to the sequence length
// so short sequences stay valid.
type Engine struct {
	br, bc int
	budget int
}

func NewEngine(br, bc, budget int) *Engine {
	return &Engine{br: br, bc: bc, budget: budget}
}

func (e *Engine) paramsFor(b, h, n, d int, causal bool, dt kernel.DType) kernel.Params {
	return kernel.Params{
		B: b, H: h, N: n, D: d,
		Br:               min(e.br, n),
		Bc:               min(e.bc, n),
		Causal:           causal,
		DType:            dt,
		TileMemoryBudget: e.budget,
	}
}

// Run executes one forward pass and returns freshly allocated output
// and log-sum-exp buffers.
func (e *Engine) Run(b, h, n, d int, causal bool, dt kernel.DType, q, k, v kernel.Operand) ([]float32, []float32, error) {
	p := e.paramsFor(b, h, n, d, causal, dt)
	o := make([]float32, p.Elems())
	lse := make([]float32, p.RowStats())
	if err := kernel.Forward(p, q, k, v, o, lse); err != nil {
		return nil, nil, err
	}
	return o, lse, nil
}

// RunBatch executes a decoded f32 wire batch.
func (e *Engine) RunBatch(batch client.AttentionBatch) ([]float32, []float32, error) {
	return e.Run(batch.B, batch.H, batch.N, batch.D, batch.Causal, kernel.F32,
		kernel.OperandF32(batch.Q), kernel.OperandF32(batch.K), kernel.OperandF32(batch.V))
}

type attentionRequest struct {
	Batch   int    `cbor:"batch"`
	Heads   int    `cbor:"heads"`
	SeqLen  int    `cbor:"seq_len"`
	HeadDim int    `cbor:"head_dim"`
	Causal  bool   `cbor:"causal"`
	DType   string `cbor:"dtype,omitempty"`

	Q []float32 `cbor:"q,omitempty"`
	K []float32 `cbor:"k,omitempty"`
	V []float32 `cbor:"v,omitempty"`

	// Raw half-precision bit patterns when dtype is f16 or bf16.
	QBits []uint16 `cbor:"q_bits,omitempty"`
	KBits []uint16 `cbor:"k_bits,omitempty"`
	VBits []uint16 `cbor:"v_bits,omitempty"`
}

func (r *attentionRequest) operands() (kernel.DType, kernel.Operand, kernel.Operand, kernel.Operand, error) {
	switch r.DType {
	case "", "f32":
		return kernel.F32, kernel.OperandF32(r.Q), kernel.OperandF32(r.K), kernel.OperandF32(r.V), nil
	case "f16":
		return kernel.F16, kernel.OperandBits(r.QBits), kernel.OperandBits(r.KBits), kernel.OperandBits(r.VBits), nil
	case "bf16":
		return kernel.BF16, kernel.OperandBits(r.QBits), kernel.OperandBits(r.KBits), kernel.OperandBits(r.VBits), nil
	}
	var none kernel.Operand
	return 0, none, none, none, fmt.Errorf("unknown dtype %q", r.DType)
}

type attentionResponse struct {
	O   []float32 `cbor:"o"`
	LSE []float32 `cbor:"lse"`
}

type Server struct {
	eng   *Engine
	alloc memory.Allocator
	sem   *semaphore.Weighted
}

func NewServer(eng *Engine, maxConcurrentRows int) *Server {
	return &Server{
		eng:   eng,
		alloc: memory.NewGoAllocator(),
		sem:   semaphore.NewWeighted(int64(maxConcurrentRows)),
	}
}

func startServer(addr string, eng *Engine, maxConcurrentRows int) {
	srv := NewServer(eng, maxConcurrentRows)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/attention", srv.handleAttention)
	http.HandleFunc("/attention/arrow", srv.handleAttentionArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Int("max_concurrent_rows", maxConcurrentRows).Msg("Starting Bodkin Server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("bodkin-server")

func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleAttention")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req attentionRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	dt, q, k, v, err := req.operands()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.Int("batch", req.Batch),
		attribute.Int("heads", req.Heads),
		attribute.Int("seq_len", req.SeqLen),
		attribute.Int("head_dim", req.HeadDim),
		attribute.String("dtype", dt.String()),
	)

	// Admission control, weighted by attention rows
	weight := int64(req.Batch * req.Heads * req.SeqLen)
	if weight <= 0 {
		http.Error(w, "Empty request shape", http.StatusBadRequest)
		return
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Int64("weight", weight).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	o, lse, err := s.eng.Run(req.Batch, req.Heads, req.SeqLen, req.HeadDim, req.Causal, dt, q, k, v)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rowsProcessed.Add(float64(weight))

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(attentionResponse{O: o, LSE: lse}); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) handleAttentionArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleAttentionArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	builder := client.NewRecordBuilder(s.alloc)
	var writer *ipc.Writer

	for reader.Next() {
		batch, err := client.ParseRequest(reader.Record())
		if err != nil {
			span.RecordError(err)
			if writer == nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			log.Error().Err(err).Msg("Bad batch mid-stream, aborting")
			break
		}

		weight := int64(batch.Rows())
		if err := s.sem.Acquire(ctx, weight); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
			break
		}
		o, lse, err := s.eng.RunBatch(batch)
		s.sem.Release(weight)
		if err != nil {
			span.RecordError(err)
			if writer == nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			log.Error().Err(err).Msg("Kernel error mid-stream, aborting")
			break
		}
		rowsProcessed.Add(float64(weight))

		out, err := builder.BuildResult(batch.D, o, lse)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build result record")
			break
		}
		if writer == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			writer = ipc.NewWriter(w, ipc.WithSchema(out.Schema()))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			log.Error().Err(err).Msg("Failed to write result record")
			break
		}
	}

	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		if writer == nil {
			http.Error(w, "Stream error", http.StatusInternalServerError)
			return
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close IPC writer")
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
