package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the network core.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
type Metrics struct {
	activeSessions      prometheus.Gauge
	acceptedTotal       prometheus.Counter
	rejectedTotal       prometheus.Counter
	messagesTotal       *prometheus.CounterVec
	decodeErrors        prometheus.Counter
	callbackErrors      *prometheus.CounterVec
	dispatchDuration    prometheus.Histogram
	queueDepth          prometheus.Gauge
	registeredCallbacks prometheus.Gauge
}

// NewMetrics registers the collectors with reg under the "ludistry" namespace.
//
// Precondition: reg must be non-nil and must not already hold these collectors.
// Postcondition: Returns a Metrics whose collectors are registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns = "ludistry"

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_sessions",
			Help:      "Number of connected sessions",
		}),
		acceptedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		rejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_rejected_total",
			Help:      "Connections closed immediately because the connection limit was reached",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_total",
			Help:      "Decoded messages by dispatch outcome",
		}, []string{"outcome"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "decode_errors_total",
			Help:      "Messages that failed to decode",
		}),
		callbackErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "callback_errors_total",
			Help:      "Script callback invocations that raised an error",
		}, []string{"action"}),
		dispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent inside script callbacks",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "dispatch_queue_depth",
			Help:      "Messages waiting for the script runtime",
		}),
		registeredCallbacks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "registered_callbacks",
			Help:      "Number of actions with a registered callback",
		}),
	}
}

// Dispatch outcomes recorded by MessageDispatched.
const (
	OutcomeHandled   = "handled"
	OutcomeUnhandled = "unhandled"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// SessionOpened records an accepted connection.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.acceptedTotal.Inc()
	m.activeSessions.Inc()
}

// SessionClosed records a finished connection.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// ConnectionRejected records a connection refused by the connection limit.
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.rejectedTotal.Inc()
}

// DecodeFailed records a malformed message.
func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// MessageDispatched records the outcome of one dispatch and its duration.
func (m *Metrics) MessageDispatched(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeHandled || outcome == OutcomeFailed {
		m.dispatchDuration.Observe(elapsed.Seconds())
	}
}

// CallbackFailed records a callback error for action.
func (m *Metrics) CallbackFailed(action string) {
	if m == nil {
		return
	}
	m.callbackErrors.WithLabelValues(action).Inc()
}

// SetQueueDepth records the dispatcher backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetRegisteredCallbacks records the registry size.
func (m *Metrics) SetRegisteredCallbacks(n int) {
	if m == nil {
		return
	}
	m.registeredCallbacks.Set(float64(n))
}
