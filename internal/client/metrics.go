package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	vocoderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_vocoder_requests_total",
		Help: "Remote vocoder exchanges by result",
	}, []string{"result"})

	vocoderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nock_vocoder_request_duration_seconds",
		Help:    "Round trip of one remote vocoder exchange",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_vocoder_breaker_transitions_total",
		Help: "Circuit breaker state changes by new state",
	}, []string{"state"})

	windowsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_vocoder_windows_served_total",
		Help: "Windows synthesized by the Flight vocoder server",
	})
)
