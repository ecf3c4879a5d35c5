package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegisterAndGather(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	m.IncCommands("move", StatusSuccess)
	m.SetQueueDepth(3)
	m.SetActiveSessions(1)
	m.IncRateLimitRejections("move")
	m.IncAlertsRaised("rate-limit-exceeded", "medium")
	m.IncAuthAttempts("api-key", StatusFailure)
	m.IncAuditEvents("low")
	m.IncIntegrityMismatches(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	want := map[string]bool{
		MetricCommandsTotal:        false,
		MetricCommandQueueDepth:    false,
		MetricActiveSessions:       false,
		MetricRateLimitRejections:  false,
		MetricAlertsRaised:         false,
		MetricAuthAttemptsTotal:    false,
		MetricAuditEventsTotal:     false,
		MetricIntegrityCheckFailed: false,
	}
	for _, family := range families {
		if _, ok := want[family.GetName()]; ok {
			want[family.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("metric %s not found in gathered metrics", name)
		}
	}

	if err := m.Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("re-register in fresh registry failed: %v", err)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.IncCommands("move", StatusSuccess)
	m.SetQueueDepth(1)
	m.SetActiveSessions(1)
	m.IncRateLimitRejections("move")
	m.IncAlertsRaised("auth-failure", "high")
	m.IncAuthAttempts("certificate", StatusSuccess)
	m.IncAuditEvents("critical")
	m.IncIntegrityMismatches(1)
}
