package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nock_persist_save_duration_seconds",
		Help:    "Time spent saving a session",
		Buckets: prometheus.DefBuckets,
	})

	loadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nock_persist_load_duration_seconds",
		Help:    "Time spent restoring a session",
		Buckets: prometheus.DefBuckets,
	})

	loadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_persist_load_failures_total",
		Help: "Total number of session restores rejected, by reason",
	}, []string{"reason"})
)
