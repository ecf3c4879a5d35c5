package audit

import (
	"fmt"
	"strings"
	"time"
)

// History gives matchers read access to recent ledger activity.
type History interface {
	CountRecent(actorID, action string, within time.Duration) (int64, error)
}

// PatternMatcher inspects each freshly logged event and returns any
// alerts it warrants. Implementations must be cheap; they run
// synchronously on the logging path.
type PatternMatcher interface {
	Analyze(ev *Event, history History) []Alert
}

// DefaultMatcher covers the built-in abuse signatures: suspicious
// command content, critical actions, repeated authentication failures,
// and rate-limit violations.
type DefaultMatcher struct {
	// AuthFailureThreshold triggers an alert once an actor accumulates
	// this many auth failures inside AuthFailureWindow.
	AuthFailureThreshold int64
	AuthFailureWindow    time.Duration
}

func NewDefaultMatcher() *DefaultMatcher {
	return &DefaultMatcher{
		AuthFailureThreshold: 5,
		AuthFailureWindow:    10 * time.Minute,
	}
}

// dangerousFragments are substrings that should never appear in command
// parameters coming from a gesture pipeline.
var dangerousFragments = []string{"script", "eval", "exec", "rm ", "delete", "drop"}

// criticalActions always warrant an alert regardless of context.
var criticalActions = map[string]AlertType{
	"emergency_stop":      AlertSuspiciousActivity,
	"password_change":     AlertSuspiciousActivity,
	"data_export":         AlertSuspiciousActivity,
	"account_deletion":    AlertSuspiciousActivity,
	"integrity_violation": AlertDataBreach,
}

func (m *DefaultMatcher) Analyze(ev *Event, history History) []Alert {
	var alerts []Alert

	if frag := m.suspiciousContent(ev); frag != "" {
		alerts = append(alerts, Alert{
			Type:     AlertSuspiciousActivity,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("dangerous content %q in action %s", frag, ev.Action),
			ActorID:  ev.ActorID,
		})
	}

	if alertType, ok := criticalActions[ev.Action]; ok && ev.Severity == SeverityCritical {
		alerts = append(alerts, Alert{
			Type:     alertType,
			Severity: SeverityCritical,
			Message:  "critical action performed: " + ev.Action,
			ActorID:  ev.ActorID,
		})
	}

	if ev.Action == "auth_failure" && history != nil {
		count, err := history.CountRecent(ev.ActorID, "auth_failure", m.AuthFailureWindow)
		if err == nil && count >= m.AuthFailureThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertAuthFailure,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("%d authentication failures within %s", count, m.AuthFailureWindow),
				ActorID:  ev.ActorID,
			})
		}
	}

	if ev.Action == "rate_limit_exceeded" {
		alerts = append(alerts, Alert{
			Type:     AlertRateLimitExceeded,
			Severity: SeverityMedium,
			Message:  "rate limit exceeded by " + ev.ActorID,
			ActorID:  ev.ActorID,
		})
	}

	return alerts
}

// suspiciousContent scans plain metadata values for known dangerous
// fragments. Sealed metadata was already scanned by the policy engine
// before sealing.
func (m *DefaultMatcher) suspiciousContent(ev *Event) string {
	if ev.Metadata.IsSealed() {
		return ""
	}
	for _, v := range ev.Metadata.Plain {
		lower := strings.ToLower(v)
		for _, frag := range dangerousFragments {
			if strings.Contains(lower, frag) {
				return strings.TrimSpace(frag)
			}
		}
	}
	return ""
}
