package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_device_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_device_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	copiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_device_copies_total",
		Help: "Buffer copies between shards, by path (direct or staged through host)",
	}, []string{"path"})

	copyBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_device_copy_bytes_total",
		Help: "Bytes moved by buffer copies, by path",
	}, []string{"path"})
)
