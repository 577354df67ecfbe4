package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheCorrupt = "corrupt"
)

var (
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "cache_requests_total",
		Namespace: namespace,
		Subsystem: subsystem,
		Help:      "Tree cache lookups by result.",
	}, []string{"result"})
)

var (
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "cache_evictions_total",
		Namespace: namespace,
		Subsystem: subsystem,
		Help:      "Tree cache entries removed by pruning.",
	})
)

func CacheLookup(result string) {
	CacheRequests.WithLabelValues(result).Inc()
}
