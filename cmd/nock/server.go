package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/embed"
	"github.com/23skdu/longbow-nock/internal/engine"
	"github.com/23skdu/longbow-nock/internal/sampler"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nock_request_duration_seconds",
		Help:    "Time spent serving generate requests",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("nock-server")

const cborContentType = "application/cbor"

// GenerateRequest is the body of POST /generate, as JSON or CBOR.
type GenerateRequest struct {
	// Session names the session to run in; it is opened on first use.
	Session      string          `json:"session" cbor:"session"`
	SystemPrompt string          `json:"system_prompt,omitempty" cbor:"system_prompt,omitempty"`
	Sampling     *sampler.Config `json:"sampling,omitempty" cbor:"sampling,omitempty"`
	engine.Request
}

// Event is one NDJSON line of a generate response.
type Event struct {
	Session         string    `json:"session,omitempty"`
	Tokens          []int     `json:"tokens,omitempty"`
	Text            string    `json:"text,omitempty"`
	TokensPerSecond float64   `json:"tps,omitempty"`
	Final           bool      `json:"final,omitempty"`
	State           string    `json:"state,omitempty"`
	Samples         []float32 `json:"samples,omitempty"`
	Error           string    `json:"error,omitempty"`
}

type Server struct {
	manager *engine.Manager
	vocoder bridge.Vocoder
	sem     *semaphore.Weighted
}

// NewServer serves the sessions of m. vocoder may be nil for text variants.
func NewServer(m *engine.Manager, vocoder bridge.Vocoder, maxConcurrent int) *Server {
	return &Server{
		manager: m,
		vocoder: vocoder,
		sem:     semaphore.NewWeighted(int64(max(maxConcurrent, 1))),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /generate", s.handleGenerate)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("POST /sessions/{id}/{action}", s.handleSessionAction)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleClose)
	return mux
}

func startServer(addr string, s *Server) {
	log.Info().Str("addr", addr).Msg("Starting nock server")
	if err := http.ListenAndServe(addr, s.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, engine.ErrCapacity):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, engine.ErrUnsupported), errors.Is(err, engine.ErrNoContext),
		errors.Is(err, embed.ErrPlacement), errors.Is(err, embed.ErrTokenRange):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, route string, err error) {
	code := statusFor(err)
	requestsTotal.WithLabelValues(route, fmt.Sprint(code)).Inc()
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("route", route).Msg("Request failed")
	}
	http.Error(w, err.Error(), code)
}

func decodeBody(r *http.Request, v any) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), cborContentType) {
		return cbor.NewDecoder(r.Body).Decode(v)
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// eventWriter serializes NDJSON lines from the decode and vocoder
// goroutines.
type eventWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher http.Flusher
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	ew := &eventWriter{enc: json.NewEncoder(w)}
	ew.flusher, _ = w.(http.Flusher)
	return ew
}

func (ew *eventWriter) write(ev Event) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if err := ew.enc.Encode(ev); err != nil {
		return err
	}
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
	return nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	const route = "generate"
	ctx, span := tracer.Start(r.Context(), "handleGenerate")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	var req GenerateRequest
	if err := decodeBody(r, &req); err != nil {
		span.RecordError(err)
		requestsTotal.WithLabelValues(route, "400").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (decode): %v", err), http.StatusBadRequest)
		return
	}

	// Admission Control
	if !s.sem.TryAcquire(1) {
		requestsTotal.WithLabelValues(route, "503").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	eng := s.manager.Engine()
	var system []int
	if req.SystemPrompt != "" {
		system = eng.Tokenizer().Encode(req.SystemPrompt)
	}
	sess, err := s.manager.Open(ctx, req.Session, system, req.Sampling)
	if err != nil {
		span.RecordError(err)
		s.fail(w, route, err)
		return
	}
	span.SetAttributes(
		attribute.String("session", sess.ID),
		attribute.Int("images", len(req.Images)),
	)

	var (
		consumer *bridge.Consumer
		ew       = newEventWriter(w)
	)
	if eng.Capabilities().SpeechTokens && s.vocoder != nil {
		req.Tokens = bridge.NewTokenBuffer(eng.Config().Bridge)
		consumer = bridge.NewConsumer(req.Tokens, s.vocoder, func(pcm []float32) error {
			return ew.write(Event{Session: sess.ID, Samples: pcm})
		})
	}

	stream, err := eng.Generate(ctx, sess, req.Request)
	if err != nil {
		span.RecordError(err)
		s.fail(w, route, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	vocoderDone := make(chan error, 1)
	if consumer != nil {
		go func() { vocoderDone <- consumer.Run(ctx) }()
	} else {
		vocoderDone <- nil
	}

	for b := range stream.C() {
		ev := Event{
			Session:         sess.ID,
			Tokens:          b.Tokens,
			Text:            b.Text,
			TokensPerSecond: b.TokensPerSecond,
			Final:           b.Final,
		}
		if b.Final {
			ev.State = b.State.String()
		}
		if err := ew.write(ev); err != nil {
			// Client went away; let decode run out against the stop flag.
			sess.Stop()
		}
	}
	res, err := stream.Wait()
	if vErr := <-vocoderDone; vErr != nil && err == nil && !errors.Is(vErr, context.Canceled) {
		err = vErr
	}
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("session", sess.ID).Msg("Generation failed")
		_ = ew.write(Event{Session: sess.ID, Error: err.Error()})
		requestsTotal.WithLabelValues(route, "200").Inc()
		return
	}
	span.SetAttributes(attribute.Int("tokens", len(res.Tokens)), attribute.String("state", res.State.String()))
	requestsTotal.WithLabelValues(route, "200").Inc()
}

func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	route := "session_" + action
	ctx, span := tracer.Start(r.Context(), "handleSession")
	defer span.End()
	span.SetAttributes(attribute.String("session", id), attribute.String("action", action))

	var err error
	body := map[string]any{"session": id}
	switch action {
	case "save":
		err = s.manager.Save(id)
	case "restore":
		var restored bool
		restored, err = s.manager.Restore(ctx, id)
		body["restored"] = restored
	case "reset":
		err = s.manager.Reset(ctx, id)
	case "stop":
		err = s.manager.Stop(id)
	default:
		requestsTotal.WithLabelValues("session_unknown", "404").Inc()
		http.NotFound(w, r)
		return
	}
	if err != nil {
		span.RecordError(err)
		s.fail(w, route, err)
		return
	}
	requestsTotal.WithLabelValues(route, "200").Inc()
	writeJSON(w, body)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Close(id); err != nil {
		s.fail(w, "session_close", err)
		return
	}
	requestsTotal.WithLabelValues("session_close", "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	requestsTotal.WithLabelValues("sessions", "200").Inc()
	writeJSON(w, map[string]any{"sessions": s.manager.IDs()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
