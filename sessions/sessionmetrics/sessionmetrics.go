// Package sessionmetrics exports session registry activity as Prometheus
// metrics.
package sessionmetrics

import (
	"context"

	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/ggoodman/mcp-session-router/transport"
	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = (*Metrics)(nil)

// Metrics counts sessions for one registry. Use ConstLabels to tell
// registries apart when several share a prometheus.Registerer.
type Metrics struct {
	live   prometheus.Gauge
	events *prometheus.CounterVec
	faults prometheus.Counter
}

// Option configures Metrics.
type Option func(*options)

type options struct {
	namespace string
	labels    prometheus.Labels
}

// WithNamespace prefixes every metric name. Defaults to "mcp".
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithConstLabels attaches fixed labels to every metric.
func WithConstLabels(l prometheus.Labels) Option {
	return func(o *options) { o.labels = l }
}

// New builds the collectors. Register them with a prometheus.Registerer and
// connect them to a registry with Observe.
func New(opts ...Option) *Metrics {
	o := options{namespace: "mcp"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Metrics{
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   o.namespace,
			Subsystem:   "sessions",
			Name:        "live",
			Help:        "Sessions currently held in the registry.",
			ConstLabels: o.labels,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Subsystem:   "sessions",
			Name:        "events_total",
			Help:        "Session lifecycle events by kind.",
			ConstLabels: o.labels,
		}, []string{"event"}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Subsystem:   "sessions",
			Name:        "observer_faults_total",
			Help:        "Lifecycle observers that failed or panicked.",
			ConstLabels: o.labels,
		}),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.live.Describe(ch)
	m.events.Describe(ch)
	m.faults.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.live.Collect(ch)
	m.events.Collect(ch)
	m.faults.Collect(ch)
}

// Observe feeds reg's lifecycle into m until the returned function is
// called. The live gauge starts from reg's current count.
func Observe[T transport.Transport](m *Metrics, reg *sessions.Registry[T]) func() {
	connected := m.events.WithLabelValues(string(sessions.EventConnected))
	terminated := m.events.WithLabelValues(string(sessions.EventTerminated))

	m.live.Add(float64(reg.Count()))
	offs := []func(){
		reg.OnConnected(func(context.Context, string) error {
			m.live.Inc()
			connected.Inc()
			return nil
		}),
		reg.OnTerminated(func(context.Context, string) error {
			m.live.Dec()
			terminated.Inc()
			return nil
		}),
		reg.OnFault(func(context.Context, error) {
			m.faults.Inc()
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
