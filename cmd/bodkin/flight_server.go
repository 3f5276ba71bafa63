package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/client"
)

type BodkinFlightServer struct {
	flight.BaseFlightServer
	eng   *Engine
	alloc memory.Allocator
}

func NewBodkinFlightServer(eng *Engine) *BodkinFlightServer {
	return &BodkinFlightServer{
		eng:   eng,
		alloc: memory.NewGoAllocator(),
	}
}

// DoExchange reads request batches off the stream and answers each with
// a result batch on the same stream.
func (s *BodkinFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	builder := client.NewRecordBuilder(s.alloc)
	var writer *flight.Writer

	for reader.Next() {
		batch, err := client.ParseRequest(reader.Record())
		if err != nil {
			return err
		}

		o, lse, err := s.eng.RunBatch(batch)
		if err != nil {
			return err
		}
		rowsProcessed.Add(float64(batch.Rows()))
		log.Debug().Int("rows", batch.Rows()).Int("head_dim", batch.D).Msg("DoExchange batch served")

		out, err := builder.BuildResult(batch.D, o, lse)
		if err != nil {
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			return err
		}
	}
	return reader.Err()
}

func StartFlightServer(addr string, eng *Engine) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewBodkinFlightServer(eng))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Bodkin Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
