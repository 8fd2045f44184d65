// Package metrics exposes Prometheus collectors for device links, the
// relay registry, elevators and the recurring task scheduler.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/graylift-core/internal/elevator"
	"github.com/nerrad567/graylift-core/internal/link"
	"github.com/nerrad567/graylift-core/internal/relay"
	"github.com/nerrad567/graylift-core/internal/schedule"
)

const namespace = "graylift"

// Command outcomes used as the "outcome" label.
const (
	OutcomeOK             = "ok"
	OutcomeTimeout        = "timeout"
	OutcomeRejected       = "rejected"
	OutcomeNotConnected   = "not_connected"
	OutcomeConnectionLost = "connection_lost"
	OutcomeError          = "error"
)

// StatsSource provides relay statistics at scrape time.
type StatsSource interface {
	Statistics() relay.Stats
}

// Metrics holds every collector. It implements link.Observer and
// schedule.Observer.
type Metrics struct {
	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	pending        *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec

	relayEvents *prometheus.CounterVec

	elevatorFloor    *prometheus.GaugeVec
	elevatorArrivals *prometheus.CounterVec
	elevatorFaults   *prometheus.CounterVec

	scans        prometheus.Counter
	scanErrors   prometheus.Counter
	enqueued     prometheus.Counter
	skipped      prometheus.Counter
	scanDuration prometheus.Histogram

	registerer prometheus.Registerer
}

var (
	_ link.Observer     = (*Metrics)(nil)
	_ schedule.Observer = (*Metrics)(nil)
)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link",
			Name: "commands_total",
			Help: "Commands settled per endpoint and outcome.",
		}, []string{"endpoint", "command", "outcome"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "link",
			Name:    "command_duration_seconds",
			Help:    "Time from send to response, timeout or loss.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"command"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "link",
			Name: "pending_commands",
			Help: "Commands awaiting a response.",
		}, []string{"endpoint"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link",
			Name: "reconnect_attempts_total",
			Help: "Reconnect attempts per endpoint.",
		}, []string{"endpoint"}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "events_total",
			Help: "Relay registry events by kind.",
		}, []string{"kind"}),
		elevatorFloor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "elevator",
			Name: "current_floor",
			Help: "Last known floor of each elevator.",
		}, []string{"relay_id"}),
		elevatorArrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "elevator",
			Name: "arrivals_total",
			Help: "Elevator arrivals.",
		}, []string{"relay_id"}),
		elevatorFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "elevator",
			Name: "faults_total",
			Help: "Elevator faults.",
		}, []string{"relay_id"}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler",
			Name: "scans_total",
			Help: "Recurring task scans.",
		}),
		scanErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler",
			Name: "scan_errors_total",
			Help: "Scans that ended with an error.",
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler",
			Name: "enqueued_total",
			Help: "Recurring tasks written to the queue.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler",
			Name: "malformed_skipped_total",
			Help: "Malformed definitions skipped by scans.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler",
			Name:    "scan_duration_seconds",
			Help:    "Duration of recurring task scans.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		registerer: reg,
	}

	reg.MustRegister(
		m.commands, m.commandLatency, m.pending, m.reconnects,
		m.relayEvents,
		m.elevatorFloor, m.elevatorArrivals, m.elevatorFaults,
		m.scans, m.scanErrors, m.enqueued, m.skipped, m.scanDuration,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// CommandSettled implements link.Observer.
func (m *Metrics) CommandSettled(endpoint, command string, elapsed time.Duration, err error) {
	m.commands.WithLabelValues(endpoint, command, Outcome(err)).Inc()
	m.commandLatency.WithLabelValues(command).Observe(elapsed.Seconds())
}

// PendingChanged implements link.Observer.
func (m *Metrics) PendingChanged(endpoint string, pending int) {
	m.pending.WithLabelValues(endpoint).Set(float64(pending))
}

// ReconnectAttempt implements link.Observer.
func (m *Metrics) ReconnectAttempt(endpoint string, _ int) {
	m.reconnects.WithLabelValues(endpoint).Inc()
}

// ScanCompleted implements schedule.Observer.
func (m *Metrics) ScanCompleted(enqueued, skipped int, took time.Duration, err error) {
	m.scans.Inc()
	if err != nil {
		m.scanErrors.Inc()
	}
	m.enqueued.Add(float64(enqueued))
	m.skipped.Add(float64(skipped))
	m.scanDuration.Observe(took.Seconds())
}

// Outcome classifies a command error for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, link.ErrCommandTimeout):
		return OutcomeTimeout
	case errors.Is(err, link.ErrCommandRejected):
		return OutcomeRejected
	case errors.Is(err, link.ErrNotConnected):
		return OutcomeNotConnected
	case errors.Is(err, link.ErrConnectionLost):
		return OutcomeConnectionLost
	default:
		return OutcomeError
	}
}

// WatchRegistry counts registry events and exports relay counts by status
// and per-building online ratios, read at scrape time.
func (m *Metrics) WatchRegistry(reg *relay.Registry) func() {
	m.registerer.MustRegister(newRelayCollector(reg))
	return reg.Subscribe(m.recordRelayEvent)
}

func (m *Metrics) recordRelayEvent(ev relay.Event) {
	m.relayEvents.WithLabelValues(ev.Kind.String()).Inc()
}

// WatchFleet tracks elevator floors, arrivals and faults.
func (m *Metrics) WatchFleet(f *elevator.Fleet) func() {
	return f.Subscribe(m.recordElevatorEvent)
}

func (m *Metrics) recordElevatorEvent(ev elevator.Event) {
	switch ev.Kind {
	case elevator.EventArrived:
		m.elevatorArrivals.WithLabelValues(ev.RelayID).Inc()
	case elevator.EventFault:
		m.elevatorFaults.WithLabelValues(ev.RelayID).Inc()
	}
	m.elevatorFloor.WithLabelValues(ev.RelayID).Set(float64(ev.State.CurrentFloor))
}

// relayCollector reads registry statistics on every scrape.
type relayCollector struct {
	src      StatsSource
	byStatus *prometheus.Desc
	online   *prometheus.Desc
}

func newRelayCollector(src StatsSource) *relayCollector {
	return &relayCollector{
		src: src,
		byStatus: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "relay", "count"),
			"Registered relays by status.",
			[]string{"status"}, nil,
		),
		online: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "relay", "building_online_ratio"),
			"Share of a building's relays that are online.",
			[]string{"building"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *relayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byStatus
	ch <- c.online
}

// Collect implements prometheus.Collector.
func (c *relayCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Statistics()
	ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(s.Online), string(relay.StatusOnline))
	ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(s.Offline), string(relay.StatusOffline))
	ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(s.Error), string(relay.StatusError))
	for building, b := range s.Buildings {
		ratio := 0.0
		if b.Total > 0 {
			ratio = float64(b.Online) / float64(b.Total)
		}
		ch <- prometheus.MustNewConstMetric(c.online, prometheus.GaugeValue, ratio, building)
	}
}
