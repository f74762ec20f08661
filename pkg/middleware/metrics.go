package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vango-dev/uxcore/pkg/component"
	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/server"
	"github.com/vango-dev/uxcore/pkg/session"
	"github.com/vango-dev/uxcore/pkg/strand"
	"github.com/vango-dev/uxcore/pkg/upload"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "uxcore").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for invocation duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "uxcore",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics exports gate activity to Prometheus. It is both a gate
// interceptor (durations and outcomes of session starts and events) and a
// gate observer (lifecycle, dropped events, command counts).
type Metrics struct {
	factory promauto.Factory
	config  MetricsConfig

	invocations     *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	sessionsStarted *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	commandsSent    prometheus.Counter
	commandsDropped prometheus.Counter
}

// Prometheus creates the metrics set and registers it with the configured
// registry. Creating two sets on the same registry panics on duplicate
// registration.
//
// Metrics collected:
//   - uxcore_invocations_total: session starts and events by op and status
//   - uxcore_invocation_duration_seconds: handler duration by op
//   - uxcore_invocation_errors_total: failures by op and error type
//   - uxcore_sessions_started_total: starts and refreshes by op
//   - uxcore_sessions_closed_total: closes by reason
//   - uxcore_events_dropped_total: dropped events by reason
//   - uxcore_commands_sent_total, uxcore_commands_dropped_total
//   - uxcore_active_sessions, uxcore_uploads_registered: after Install
//
// Example:
//
//	m := middleware.Prometheus(middleware.WithNamespace("myapp"))
//	m.Install(gate)
//
//	// Expose metrics endpoint
//	http.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if len(config.Buckets) == 0 {
		config.Buckets = prometheus.DefBuckets
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		factory: factory,
		config:  config,

		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "invocations_total",
			Help:        "Total number of session starts and events handled",
			ConstLabels: config.ConstLabels,
		}, []string{"op", "status"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "invocation_duration_seconds",
			Help:        "Session start and event handling duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"op"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "invocation_errors_total",
			Help:        "Total number of failed session starts and events",
			ConstLabels: config.ConstLabels,
		}, []string{"op", "error_type"}),

		sessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_started_total",
			Help:        "Total number of session starts and refreshes",
			ConstLabels: config.ConstLabels,
		}, []string{"op"}),

		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_closed_total",
			Help:        "Total number of closed sessions by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_dropped_total",
			Help:        "Total number of events dropped without running a handler",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		commandsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "commands_sent_total",
			Help:        "Total number of commands handed to client channels",
			ConstLabels: config.ConstLabels,
		}),

		commandsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "commands_dropped_total",
			Help:        "Total number of commands dropped after channel loss or close",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Install adds m to g as interceptor and observer and registers gauges
// reading g's registry and upload table. Call it once per gate.
func (m *Metrics) Install(g *server.Gate) {
	g.Use(m.Interceptor())
	g.Observe(m)

	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "active_sessions",
		Help:        "Number of live sessions",
		ConstLabels: m.config.ConstLabels,
	}, func() float64 { return float64(g.Registry().Count()) })

	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "uploads_registered",
		Help:        "Number of upload tokens currently registered",
		ConstLabels: m.config.ConstLabels,
	}, func() float64 { return float64(g.Uploads().Len()) })
}

// Interceptor returns the gate interceptor timing every invocation.
func (m *Metrics) Interceptor() server.Interceptor {
	return func(next server.Handler) server.Handler {
		return func(ctx context.Context, inv *server.Invocation) error {
			op := string(inv.Op)
			start := time.Now()

			// A panic unwinds through here to the gate, which recovers it.
			panicked := true
			defer func() {
				if panicked {
					m.observe(op, start, "panic")
				}
			}()

			err := next(ctx, inv)
			panicked = false

			errorType := ""
			if err != nil {
				errorType = categorizeError(err)
			}
			m.observe(op, start, errorType)
			return err
		}
	}
}

func (m *Metrics) observe(op string, start time.Time, errorType string) {
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	if errorType != "" {
		status = "error"
		m.errors.WithLabelValues(op, errorType).Inc()
	}
	m.invocations.WithLabelValues(op, status).Inc()
}

// SessionStarted implements server.Observer.
func (m *Metrics) SessionStarted(op server.Operation) {
	m.sessionsStarted.WithLabelValues(string(op)).Inc()
}

// SessionClosed implements server.Observer.
func (m *Metrics) SessionClosed(reason protocol.ClosingReason) {
	m.sessionsClosed.WithLabelValues(reason.String()).Inc()
}

// EventDropped implements server.Observer.
func (m *Metrics) EventDropped(reason string) {
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// CommandsSent implements server.Observer.
func (m *Metrics) CommandsSent(n int) {
	m.commandsSent.Add(float64(n))
}

// CommandsDropped implements server.Observer.
func (m *Metrics) CommandsDropped(n int) {
	m.commandsDropped.Add(float64(n))
}

// categorizeError maps an error to a bounded label value.
func categorizeError(err error) string {
	var pe *strand.PanicError
	switch {
	case errors.As(err, &pe):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, component.ErrDetached), errors.Is(err, session.ErrDestroyed):
		return "detached"
	case errors.Is(err, session.ErrDuplicateComponent), errors.Is(err, session.ErrInvalidComponent):
		return "component"
	case errors.Is(err, upload.ErrNotFound):
		return "not_found"
	case strings.Contains(strings.ToLower(err.Error()), "timeout"):
		return "timeout"
	default:
		return "internal"
	}
}

var _ server.Observer = (*Metrics)(nil)
