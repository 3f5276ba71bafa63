package client

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient runs attention batches on a remote bodkin server over
// Arrow Flight DoExchange. A circuit breaker guards the connection so a
// failing server is probed instead of hammered.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	mem     memory.Allocator
	builder *RecordBuilder
	breaker *CircuitBreaker
	addr    string
}

// NewFlightClient connects to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	mem := memory.NewGoAllocator()
	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		mem:     mem,
		builder: NewRecordBuilder(mem),
		breaker: NewCircuitBreaker(5, 10*time.Second),
		addr:    addr,
	}, nil
}

// Attention ships one batch through DoExchange and decodes the reply.
func (c *FlightClient) Attention(ctx context.Context, batch AttentionBatch) (*AttentionResult, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("circuit open for %s", c.addr)
	}
	res, err := c.exchange(ctx, batch)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()
	return res, nil
}

func (c *FlightClient) exchange(ctx context.Context, batch AttentionBatch) (*AttentionResult, error) {
	rec, err := c.builder.BuildRequest(batch)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte("attention"),
	})
	if err := writer.Write(rec); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("exchange returned no result batch")
	}
	return ParseResult(reader.Record())
}

// Breaker exposes the circuit breaker state for callers that report it.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
