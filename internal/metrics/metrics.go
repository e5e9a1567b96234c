package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters incremented by the serving pipeline. They are read by the admin
// surface; nothing in the hot path ever blocks on them.
var (
	ConnectionsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grux",
		Name:      "connections_accepted_total",
		Help:      "Accepted connections per listener.",
	}, []string{"listener"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grux",
		Name:      "requests_total",
		Help:      "Requests handled, labeled by dispatch outcome.",
	}, []string{"outcome"}) // cache, disk, proxy, fastcgi, not_found, error

	TLSHandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grux",
		Name:      "tls_handshake_failures_total",
		Help:      "TLS handshakes rejected, including unknown server names.",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grux",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Content cache lookups served from memory.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grux",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Content cache lookups that required a fill or disk read.",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grux",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted to stay under the capacity ceiling.",
	})

	CacheResidentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grux",
		Subsystem: "cache",
		Name:      "resident_bytes",
		Help:      "Bytes currently held by the content cache.",
	})

	UpstreamHealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grux",
		Subsystem: "upstream",
		Name:      "health_transitions_total",
		Help:      "Health state changes per target.",
	}, []string{"target", "state"})

	UpstreamRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grux",
		Subsystem: "upstream",
		Name:      "retries_total",
		Help:      "Proxy requests retried against a different target.",
	})

	CertRenewalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grux",
		Subsystem: "tls",
		Name:      "renewal_failures_total",
		Help:      "Certificate renewal attempts that failed and were rescheduled.",
	})
)

// Handler returns the Prometheus scrape handler for the admin listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
