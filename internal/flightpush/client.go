package flightpush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-prune/internal/metrics"
	"github.com/23skdu/longbow-prune/internal/tensor"
)

// Default longbow data port.
const PortData = 3000

// Client pushes sparsified layer weights to a longbow data node over Arrow
// Flight. Weights travel as one record per layer: a float32 weight column and
// a boolean keep-mask column, descriptor path ["sparsity", <layer>].
type Client struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// New prepares a client for the given data node. No connection is made until
// Connect.
func New(host string, port int) (*Client, error) {
	if host == "" {
		return nil, fmt.Errorf("flight host is required")
	}
	if port <= 0 {
		port = PortData
	}
	return &Client{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
	}, nil
}

// Addr returns the target address.
func (c *Client) Addr() string { return c.addr }

// Connect dials the Flight endpoint.
func (c *Client) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create flight client: %w", err)
	}
	c.client = client
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// PushLayer sends one layer's weights and keep-mask.
func (c *Client) PushLayer(ctx context.Context, layer string, weights *tensor.Tensor, mask []bool) error {
	if c.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	if weights == nil {
		return fmt.Errorf("no weights provided")
	}
	if mask != nil && len(mask) != weights.NumElements() {
		return fmt.Errorf("mask length %d does not match weights %d", len(mask), weights.NumElements())
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "weight", Type: arrow.PrimitiveTypes.Float32},
		{Name: "mask", Type: arrow.FixedWidthTypes.Boolean},
	}, nil)

	mem := memory.NewGoAllocator()
	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()
	bldr.Field(0).(*array.Float32Builder).AppendValues(weights.Data(), nil)
	if mask == nil {
		for range weights.Data() {
			bldr.Field(1).(*array.BooleanBuilder).Append(true)
		}
	} else {
		bldr.Field(1).(*array.BooleanBuilder).AppendValues(mask, nil)
	}
	rec := bldr.NewRecord()
	defer rec.Release()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		metrics.FlightPushTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"sparsity", layer},
	})
	if err := wr.Write(rec); err != nil {
		metrics.FlightPushTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := wr.Close(); err != nil {
		metrics.FlightPushTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		metrics.FlightPushTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to close stream: %w", err)
	}

	// Drain acknowledgements until the server finishes.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			metrics.FlightPushTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("push not acknowledged: %w", err)
		}
	}

	metrics.FlightPushTotal.WithLabelValues("ok").Inc()
	return nil
}
