package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	intakeOutcomes   *prometheus.CounterVec
	fareQuotes       prometheus.Counter
	driverPhaseMoves *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecore_trip_transitions_total",
				Help: "Committed trip status transitions",
			},
			[]string{"from", "to"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecore_trip_transition_rejections_total",
				Help: "Trip transitions rejected before or at commit",
			},
			[]string{"reason"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecore_events_published_total",
				Help: "Event delivery attempts by type and result",
			},
			[]string{"type", "result"},
		),
		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ridecore_event_publish_duration_seconds",
				Help:    "Time from enqueue to broker acknowledgement",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		intakeOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecore_intake_sessions_total",
				Help: "Rider intake sessions by outcome",
			},
			[]string{"outcome"},
		),
		fareQuotes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ridecore_fare_quotes_total",
				Help: "Fare quotes computed",
			},
		),
		driverPhaseMoves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecore_driver_phase_changes_total",
				Help: "Driver session phase changes",
			},
			[]string{"to"},
		),
	}

	reg.MustRegister(
		m.transitions,
		m.rejections,
		m.eventsPublished,
		m.publishDuration,
		m.intakeOutcomes,
		m.fareQuotes,
		m.driverPhaseMoves,
	)
	return m
}

// TripTransition counts a committed transition.
func (m *Metrics) TripTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// TripTransitionRejected counts a refused transition. reason is invalid, stale or conflict.
func (m *Metrics) TripTransitionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// EventPublished records one delivery attempt.
func (m *Metrics) EventPublished(eventType, result string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType, result).Inc()
}

// EventDelivered observes the latency of a confirmed delivery.
func (m *Metrics) EventDelivered(eventType string, since time.Time) {
	if m == nil {
		return
	}
	m.publishDuration.WithLabelValues(eventType).Observe(time.Since(since).Seconds())
}

// IntakeOutcome counts sessions by how they ended.
func (m *Metrics) IntakeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.intakeOutcomes.WithLabelValues(outcome).Inc()
}

// FareQuoted counts a computed quote.
func (m *Metrics) FareQuoted() {
	if m == nil {
		return
	}
	m.fareQuotes.Inc()
}

// DriverPhase counts a driver moving into phase.
func (m *Metrics) DriverPhase(phase string) {
	if m == nil {
		return
	}
	m.driverPhaseMoves.WithLabelValues(phase).Inc()
}
