// Package metrics holds the Prometheus collectors for the relay. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "comfyrelay"

// Outcome labels for JobsFinished.
const (
	OutcomeComplete    = "complete"
	OutcomeRejected    = "rejected"
	OutcomeUnreachable = "unreachable"
	OutcomeFailed      = "failed"
	OutcomeTimeout     = "timeout"
	OutcomeDelivery    = "delivery"
	OutcomeCancelled   = "cancelled"
)

type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	pollAttempts   prometheus.Counter
	pollErrors     prometheus.Counter
	genDuration    prometheus.Histogram
	artifactBytes  prometheus.Counter
	sessions       prometheus.Gauge
	inFlight       prometheus.Gauge
	eventsReceived *prometheus.CounterVec
}

// New creates the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "jobs_submitted_total",
			Help:      "Workflows accepted by ComfyUI.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "jobs_finished_total",
			Help:      "Generation attempts by final outcome.",
		}, []string{"outcome"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "poll_attempts_total",
			Help:      "History probes issued while waiting for completion.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "poll_errors_total",
			Help:      "History probes that failed and were retried.",
		}),
		genDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "generation_duration_seconds",
			Help:      "Time from submission to artifact delivery.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
		artifactBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "artifact_bytes_total",
			Help:      "Bytes of artifacts relayed to clients.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connected",
			Help:      "Event-channel sessions currently registered.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "generations_in_flight",
			Help:      "Event-channel generations currently running.",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_received_total",
			Help:      "Client events received on the event channel.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsSubmitted,
		m.jobsFinished,
		m.pollAttempts,
		m.pollErrors,
		m.genDuration,
		m.artifactBytes,
		m.sessions,
		m.inFlight,
		m.eventsReceived,
	)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobSubmitted() {
	if m != nil {
		m.jobsSubmitted.Inc()
	}
}

func (m *Metrics) JobFinished(outcome string) {
	if m != nil {
		m.jobsFinished.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) PollAttempt() {
	if m != nil {
		m.pollAttempts.Inc()
	}
}

func (m *Metrics) PollError() {
	if m != nil {
		m.pollErrors.Inc()
	}
}

// Generated records a delivered artifact and the end-to-end duration.
func (m *Metrics) Generated(elapsed time.Duration, size int) {
	if m == nil {
		return
	}
	m.genDuration.Observe(elapsed.Seconds())
	m.artifactBytes.Add(float64(size))
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) InFlightInc() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) InFlightDec() {
	if m != nil {
		m.inFlight.Dec()
	}
}

// EventUnknown labels every client event name outside the known set, so
// clients cannot mint new series.
const EventUnknown = "unknown"

var knownEvents = map[string]bool{
	"generate":       true,
	"generate_image": true,
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	if !knownEvents[event] {
		event = EventUnknown
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}
