package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/remote"
)

const metricsNamespace = "patchbay"

type Metrics struct {
	events       *prometheus.CounterVec
	fetches      prometheus.Counter
	staleFetches prometheus.Counter
	reconnects   prometheus.Counter
	commands     *prometheus.CounterVec
	entities     *prometheus.GaugeVec
	state        prometheus.Gauge
}

// NewMetrics builds the engine collectors and registers them with reg when
// it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Subscription events received, by type and facility.",
		}, []string{"type", "facility"}),
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "detail_fetches_total",
			Help:      "Detail fetches issued for new or changed objects.",
		}),
		staleFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "detail_fetches_discarded_total",
			Help:      "Detail fetch results dropped because they were superseded or the object was removed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resyncs_total",
			Help:      "Connection losses that triggered a full resync.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "User commands by name and outcome.",
		}, []string{"command", "outcome"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "entities",
			Help:      "Entities currently held, by kind.",
		}, []string{"kind"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Current connection state as its numeric code.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.fetches, m.staleFetches, m.reconnects, m.commands, m.entities, m.state)
	}
	return m
}

func (m *Metrics) event(ev remote.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(ev.Type.String(), ev.Facility.String()).Inc()
}

func (m *Metrics) fetch() {
	if m == nil {
		return
	}
	m.fetches.Inc()
}

func (m *Metrics) staleFetch() {
	if m == nil {
		return
	}
	m.staleFetches.Inc()
}

func (m *Metrics) resync() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) command(name, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) connectionState(s remote.State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) entityCounts(store *graph.Store) {
	if m == nil {
		return
	}
	for _, kind := range graph.Kinds {
		m.entities.WithLabelValues(kind.String()).Set(float64(store.Len(kind)))
	}
}
