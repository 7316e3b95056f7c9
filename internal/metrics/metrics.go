// Package metrics holds the Prometheus collectors exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "relaychat").
	Namespace string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics records room and session activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Members         prometheus.Gauge
	History         prometheus.Gauge
	FramesDelivered prometheus.Counter
	FramesFannedOut prometheus.Counter
	SessionsOpened  prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	AcceptErrors    *prometheus.CounterVec
}

// New registers the collectors.
func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "relaychat",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		Members: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "room_members",
			Help:      "Number of sessions currently joined to the room",
		}),
		History: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "room_history_frames",
			Help:      "Number of frames retained for replay",
		}),
		FramesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "frames_delivered_total",
			Help:      "Total number of frames delivered to the room",
		}),
		FramesFannedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "frames_fanned_out_total",
			Help:      "Total number of frames pushed to member outbound queues",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of accepted sessions",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of closed sessions by reason",
		}, []string{"reason"}),
		AcceptErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of listener accept failures",
		}, []string{"transport"}),
	}
}

// MembersChanged records the current member count.
func (m *Metrics) MembersChanged(n int) {
	if m != nil {
		m.Members.Set(float64(n))
	}
}

// Delivered records one frame delivered to the room, its fan-out width
// and the resulting history length.
func (m *Metrics) Delivered(fanout, history int) {
	if m != nil {
		m.FramesDelivered.Inc()
		m.FramesFannedOut.Add(float64(fanout))
		m.History.Set(float64(history))
	}
}

// SessionOpened records an accepted session.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsOpened.Inc()
	}
}

// SessionClosed records a session closure.
func (m *Metrics) SessionClosed(reason string) {
	if m != nil {
		m.SessionsClosed.WithLabelValues(reason).Inc()
	}
}

// AcceptFailed records a listener accept error.
func (m *Metrics) AcceptFailed(transport string) {
	if m != nil {
		m.AcceptErrors.WithLabelValues(transport).Inc()
	}
}
