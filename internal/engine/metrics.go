package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tierSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nock_prefill_tier_selections_total",
			Help: "Prefill calls per selected cache tier",
		},
		[]string{"tier"},
	)

	capacityRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nock_prefill_capacity_rejections_total",
			Help: "Turns rejected because no tier could hold them",
		},
	)

	prefillChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nock_prefill_chunks_total",
			Help: "Chunk calls issued through the shard stack by prefill",
		},
	)

	prefillDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nock_prefill_duration_seconds",
			Help:    "Wall time of one prefill",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	decodeStepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nock_decode_step_duration_seconds",
			Help:    "Wall time of one decode step: head, sampling and decode-tier pass",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	tokensGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nock_tokens_generated_total",
			Help: "Tokens sampled by the decode loop",
		},
		[]string{"variant"},
	)

	generationsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nock_generations_total",
			Help: "Finished generations by final state",
		},
		[]string{"state"},
	)

	persistFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nock_persist_fallbacks_total",
			Help: "Restores that fell back to prefilling the system prompt",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nock_sessions_active",
			Help: "Sessions currently registered with the manager",
		},
	)

	portsLeased = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nock_tokenizer_ports_leased",
			Help: "Auxiliary tokenizer ports currently leased",
		},
	)
)
