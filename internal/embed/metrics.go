package embed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsLooked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_embed_rows_total",
		Help: "Total number of embedding rows looked up",
	}, []string{"table"})

	lookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nock_embed_lookup_duration_seconds",
		Help:    "Time spent embedding one token sequence",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	blocksSpliced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_embed_blocks_spliced_total",
		Help: "Total number of multimodal embedding blocks spliced into prompts",
	})
)
