package client

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-nock/internal/bridge"
)

// ensure interface compliance
var _ bridge.Vocoder = (*FlightVocoder)(nil)

// FlightVocoder synthesizes token windows on a remote Arrow Flight server.
// Each window is one DoExchange: a single-row WindowSchema record goes up,
// PCMSchema records come back.
type FlightVocoder struct {
	client  flight.Client
	conn    *grpc.ClientConn
	voice   string
	breaker *CircuitBreaker
	mem     memory.Allocator
}

// NewFlightVocoder connects to addr. The voice is sent as the flight
// descriptor path. A nil breaker never opens.
func NewFlightVocoder(addr, voice string, breaker *CircuitBreaker) (*FlightVocoder, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial vocoder: %w", err)
	}
	return &FlightVocoder{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		voice:   voice,
		breaker: breaker,
		mem:     memory.NewGoAllocator(),
	}, nil
}

// Synthesize implements bridge.Vocoder.
func (v *FlightVocoder) Synthesize(ctx context.Context, w bridge.Window) ([]float32, error) {
	if v.breaker != nil && !v.breaker.Allow() {
		vocoderRequests.WithLabelValues("rejected").Inc()
		return nil, ErrCircuitOpen
	}
	start := time.Now()
	pcm, err := v.exchange(ctx, w)
	vocoderDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if v.breaker != nil {
			v.breaker.Failure()
		}
		vocoderRequests.WithLabelValues("error").Inc()
		log.Warn().Err(err).Int("offset", w.Offset).Str("voice", v.voice).Msg("Vocoder exchange failed")
		return nil, fmt.Errorf("failed to synthesize window at %d: %w", w.Offset, err)
	}
	if v.breaker != nil {
		v.breaker.Success()
	}
	vocoderRequests.WithLabelValues("ok").Inc()
	return pcm, nil
}

func (v *FlightVocoder) exchange(ctx context.Context, w bridge.Window) ([]float32, error) {
	stream, err := v.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(WindowSchema), ipc.WithAllocator(v.mem))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{v.voice},
	})
	rec := WindowRecord(v.mem, w)
	defer rec.Release()
	if err := writer.Write(rec); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(v.mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var pcm []float32
	for reader.Next() {
		samples, err := ReadPCM(reader.Record())
		if err != nil {
			return nil, err
		}
		pcm = append(pcm, samples...)
	}
	return pcm, reader.Err()
}

// Close closes the client connection.
func (v *FlightVocoder) Close() error {
	return v.conn.Close()
}
