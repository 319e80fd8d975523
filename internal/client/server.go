package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/bridge"
)

// VocoderServer serves a bridge.Vocoder over Flight DoExchange, the
// counterpart of FlightVocoder.
type VocoderServer struct {
	flight.BaseFlightServer
	vocoder bridge.Vocoder
	alloc   memory.Allocator
}

// NewVocoderServer wraps vocoder.
func NewVocoderServer(vocoder bridge.Vocoder) *VocoderServer {
	return &VocoderServer{
		vocoder: vocoder,
		alloc:   memory.NewGoAllocator(),
	}
}

// DoExchange answers every window record with the synthesized samples.
func (s *VocoderServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(PCMSchema), ipc.WithAllocator(s.alloc))
	for reader.Next() {
		windows, err := ReadWindows(reader.Record())
		if err != nil {
			_ = writer.Close()
			return err
		}
		for _, w := range windows {
			pcm, err := s.vocoder.Synthesize(stream.Context(), w)
			if err != nil {
				_ = writer.Close()
				return fmt.Errorf("failed to synthesize window at %d: %w", w.Offset, err)
			}
			windowsServed.Inc()
			rec := PCMRecord(s.alloc, pcm)
			if rec == nil {
				continue
			}
			err = writer.Write(rec)
			rec.Release()
			if err != nil {
				_ = writer.Close()
				return err
			}
		}
	}
	if err := reader.Err(); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// NewVocoderFlightServer binds a Flight server serving vocoder on addr.
// The caller runs Serve and Shutdown.
func NewVocoderFlightServer(addr string, vocoder bridge.Vocoder) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewVocoderServer(vocoder))
	if err := server.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to init vocoder flight server: %w", err)
	}
	log.Info().Str("addr", server.Addr().String()).Msg("Vocoder Flight server bound")
	return server, nil
}
