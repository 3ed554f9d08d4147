// Package metrics exports connection engine activity as Prometheus metrics.
package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tabcounter/tabcounter.go/pkg/rews"
)

const namespace = "tabcounter"

// Metrics implements rews.Observer on top of its own registry,
// so several agents in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionState    *prometheus.GaugeVec
	ConnectionAttempts *prometheus.CounterVec
	Reconfigurations   *prometheus.CounterVec
	MessagesSent       prometheus.Counter
	MessagesDropped    prometheus.Counter
	RetrierStarts      prometheus.Counter
	OpenTabs           prometheus.Gauge
}

var _ rews.Observer = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current relay connection state (1 for the active state label, 0 otherwise)",
		}, []string{"state"}),
		ConnectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Total number of relay connection attempts",
		}, []string{"origin"}),
		Reconfigurations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconfigurations_total",
			Help:      "Total number of endpoint reconfigurations by result",
		}, []string{"result"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of tab counts handed to the relay connection",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of tab counts dropped for lack of an active connection",
		}),
		RetrierStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrier_starts_total",
			Help:      "Total number of times the background retrier was started",
		}),
		OpenTabs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_tabs",
			Help:      "Current number of open tabs",
		}),
	}

	m.registry.MustRegister(
		m.ConnectionState,
		m.ConnectionAttempts,
		m.Reconfigurations,
		m.MessagesSent,
		m.MessagesDropped,
		m.RetrierStarts,
		m.OpenTabs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
	)

	m.StateChanged(rews.StateDisconnected)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) StateChanged(state rews.State) {
	for _, s := range []rews.State{rews.StateDisconnected, rews.StatePending, rews.StateActive} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Metrics) ConnectionAttempt(origin string) {
	m.ConnectionAttempts.WithLabelValues(origin).Inc()
}

func (m *Metrics) Reconfigured(result string) {
	m.Reconfigurations.WithLabelValues(result).Inc()
}

func (m *Metrics) MessageSent() {
	m.MessagesSent.Inc()
}

func (m *Metrics) MessageDropped() {
	m.MessagesDropped.Inc()
}

func (m *Metrics) RetrierStarted() {
	m.RetrierStarts.Inc()
}

func (m *Metrics) SetOpenTabs(n int) {
	m.OpenTabs.Set(float64(n))
}
