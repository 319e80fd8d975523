package sampler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_sampler_samples_total",
		Help: "Total number of tokens sampled by mode",
	}, []string{"mode"})

	forcedEnds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_sampler_forced_end_total",
		Help: "Total number of end tokens forced by the end window",
	})
)
