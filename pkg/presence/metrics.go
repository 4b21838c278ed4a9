package presence

import (
	"github.com/illmade-knight/go-presence/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the presence counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	connects         prometheus.Counter
	rejectedConnects prometheus.Counter
	disconnects      prometheus.Counter
	online           prometheus.Gauge
	pushes           prometheus.Counter
	pushFailures     prometheus.Counter
	storeErrors      prometheus.Counter

	registerer prometheus.Registerer
}

// NewMetrics creates the presence collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "connects_total",
			Help: "Accepted connections.",
		}),
		rejectedConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "rejected_connects_total",
			Help: "Connections rejected for an invalid user id.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "disconnects_total",
			Help: "Handled disconnects.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence", Name: "online_users",
			Help: "Users currently registered.",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "pushes_total",
			Help: "Events pushed to connections.",
		}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "push_failures_total",
			Help: "Pushes that failed and were skipped.",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "friends_store_errors_total",
			Help: "Friend lookups that failed and degraded to an empty list.",
		}),
		registerer: reg,
	}
	for _, c := range []prometheus.Collector{
		m.connects, m.rejectedConnects, m.disconnects, m.online,
		m.pushes, m.pushFailures, m.storeErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observeCache exposes the hit and miss counters of a friends cache.
func (m *Metrics) observeCache(stats func() cache.Stats) error {
	if m == nil || stats == nil {
		return nil
	}
	hits := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "presence", Name: "friends_cache_hits_total",
		Help: "Friend lookups served from the cache.",
	}, func() float64 { return float64(stats().Hits) })
	misses := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "presence", Name: "friends_cache_misses_total",
		Help: "Friend lookups that went to the store.",
	}, func() float64 { return float64(stats().Misses) })
	if err := m.registerer.Register(hits); err != nil {
		return err
	}
	return m.registerer.Register(misses)
}

func (m *Metrics) incConnects() {
	if m != nil {
		m.connects.Inc()
	}
}

func (m *Metrics) incRejected() {
	if m != nil {
		m.rejectedConnects.Inc()
	}
}

func (m *Metrics) incDisconnects() {
	if m != nil {
		m.disconnects.Inc()
	}
}

func (m *Metrics) setOnline(n int) {
	if m != nil {
		m.online.Set(float64(n))
	}
}

func (m *Metrics) incPushes() {
	if m != nil {
		m.pushes.Inc()
	}
}

func (m *Metrics) incPushFailures() {
	if m != nil {
		m.pushFailures.Inc()
	}
}

func (m *Metrics) incStoreErrors() {
	if m != nil {
		m.storeErrors.Inc()
	}
}
