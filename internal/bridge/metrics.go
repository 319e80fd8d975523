package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	windowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_bridge_windows_total",
		Help: "Total number of token windows handed to the vocoder",
	}, []string{"kind"})

	pendingTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nock_bridge_pending_tokens",
		Help: "Tokens buffered but not yet consumed, summed over all streams",
	})

	samplesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_bridge_samples_total",
		Help: "Total number of waveform samples emitted after cross-fading",
	})
)
