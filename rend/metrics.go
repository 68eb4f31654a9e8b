package rend

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "quietwire"
	metricsSubsystem = "rend_cache"
)

// Metrics holds Prometheus counters for descriptor cache activity. Wiring
// it into a Cache is optional (Cache.Metrics is nil by default); when set,
// Lookup/Store/Clean increment the relevant counter alongside their normal
// work. Shaped after bfdmetrics.Collector in the BFD daemon this pattern
// is borrowed from: plain counters registered once at construction, no
// per-call registration.
type Metrics struct {
	Stored   prometheus.Counter
	Rejected prometheus.Counter
	Hits     prometheus.Counter
	Misses   prometheus.Counter
	Evicted  prometheus.Counter
}

// NewMetrics creates cache metrics and registers them against reg. A nil
// reg registers against prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "stored_total",
			Help:      "Service descriptors accepted and stored, including replacing an older descriptor for the same service ID.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rejected_total",
			Help:      "Service descriptors rejected: malformed, unsigned, stale, or future-dated.",
		}),
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "lookup_hits_total",
			Help:      "Well-formed lookups that found a cached descriptor.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "lookup_misses_total",
			Help:      "Well-formed lookups that found no cached descriptor.",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "evicted_total",
			Help:      "Entries removed by Clean for falling outside the freshness window.",
		}),
	}

	reg.MustRegister(m.Stored, m.Rejected, m.Hits, m.Misses, m.Evicted)
	return m
}
