package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricCommandsTotal        = "teleguard_commands_total"
	MetricCommandQueueDepth    = "teleguard_command_queue_depth"
	MetricActiveSessions       = "teleguard_active_sessions"
	MetricRateLimitRejections  = "teleguard_rate_limit_rejections_total"
	MetricAlertsRaised         = "teleguard_alerts_raised_total"
	MetricAuthAttemptsTotal    = "teleguard_auth_attempts_total"
	MetricAuditEventsTotal     = "teleguard_audit_events_total"
	MetricIntegrityCheckFailed = "teleguard_integrity_mismatches_total"
)

// Status constants for command and auth outcomes.
const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusRejected = "rejected"
)

// Metrics holds the Prometheus collectors for the control plane. A
// nil *Metrics is valid and turns every recorder into a no-op, so
// components never need to guard their calls.
type Metrics struct {
	commandsTotal       *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	activeSessions      prometheus.Gauge
	rateLimitRejections *prometheus.CounterVec
	alertsRaised        *prometheus.CounterVec
	authAttempts        *prometheus.CounterVec
	auditEvents         *prometheus.CounterVec
	integrityMismatches prometheus.Counter
}

// NewMetrics creates all collectors unregistered; call Register to
// attach them to a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCommandsTotal,
				Help: "Total commands processed by type and outcome",
			},
			[]string{"type", "status"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricCommandQueueDepth,
				Help: "Current depth of the command queue",
			},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricActiveSessions,
				Help: "Number of connected device sessions",
			},
		),
		rateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitRejections,
				Help: "Requests rejected by the rate limiter by action",
			},
			[]string{"action"},
		),
		alertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAlertsRaised,
				Help: "Security alerts raised by type and severity",
			},
			[]string{"type", "severity"},
		),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAuthAttemptsTotal,
				Help: "Authentication attempts by method and outcome",
			},
			[]string{"method", "status"},
		),
		auditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAuditEventsTotal,
				Help: "Audit events recorded by severity",
			},
			[]string{"severity"},
		),
		integrityMismatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricIntegrityCheckFailed,
				Help: "Audit entries that failed signature recomputation",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.queueDepth,
		m.activeSessions,
		m.rateLimitRejections,
		m.alertsRaised,
		m.authAttempts,
		m.auditEvents,
		m.integrityMismatches,
	}
}

func (m *Metrics) IncCommands(cmdType, status string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(cmdType, status).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) IncRateLimitRejections(action string) {
	if m == nil {
		return
	}
	m.rateLimitRejections.WithLabelValues(action).Inc()
}

func (m *Metrics) IncAlertsRaised(alertType, severity string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) IncAuthAttempts(method, status string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(method, status).Inc()
}

func (m *Metrics) IncAuditEvents(severity string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncIntegrityMismatches(n int) {
	if m == nil {
		return
	}
	m.integrityMismatches.Add(float64(n))
}
