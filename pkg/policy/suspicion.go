package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/teleguard/teleguard/pkg/audit"
)

// repeatWindow bounds how long activity traces are kept for the
// repetition and multi-IP signals.
const repeatWindow = 5 * time.Minute

// repeatThreshold is how many same-type actions within repeatWindow
// count as repetitive.
const repeatThreshold = 5

// Independent signal weights. The scorer is heuristic, not
// cryptographic: false positives are expected and operator-resolvable.
const (
	weightRepetition = 0.30
	weightOffHours   = 0.20
	weightMultiIP    = 0.30
	weightHighRisk   = 0.25
	weightDangerous  = 0.35
)

var highRiskActions = map[string]bool{
	"password_change":  true,
	"data_export":      true,
	"emergency_stop":   true,
	"account_deletion": true,
}

var dangerousFragments = []string{"script", "eval", "exec", "rm ", "delete", "drop"}

// SuspicionResult is the outcome of scoring one action.
type SuspicionResult struct {
	Score      float64
	Suspicious bool
	Severity   audit.Severity
	Reasons    []string
}

// ScoreActivity records the action in the engine's activity traces and
// evaluates the weighted heuristics. A score above the suspicion
// threshold flags the activity and audits it; above the critical
// threshold the severity escalates to critical.
func (e *Engine) ScoreActivity(actor, action, ip string, metadata map[string]string) SuspicionResult {
	now := e.clock()

	e.mu.Lock()
	stamps := append(e.recent[actor], actionStamp{action: action, at: now})
	kept := stamps[:0]
	sameType := 0
	for _, s := range stamps {
		if now.Sub(s.at) <= repeatWindow {
			kept = append(kept, s)
			if s.action == action {
				sameType++
			}
		}
	}
	e.recent[actor] = kept

	if ip != "" {
		ips, ok := e.userIPs[actor]
		if !ok {
			ips = make(map[string]time.Time)
			e.userIPs[actor] = ips
		}
		ips[ip] = now
	}
	activeIPs := 0
	for _, seen := range e.userIPs[actor] {
		if now.Sub(seen) <= repeatWindow {
			activeIPs++
		}
	}
	e.mu.Unlock()

	var result SuspicionResult

	if sameType > repeatThreshold {
		result.Score += weightRepetition
		result.Reasons = append(result.Reasons, fmt.Sprintf("%d %s actions within %s", sameType, action, repeatWindow))
	}
	if e.isOffHours(now) {
		result.Score += weightOffHours
		result.Reasons = append(result.Reasons, "activity during off hours")
	}
	if activeIPs > 1 {
		result.Score += weightMultiIP
		result.Reasons = append(result.Reasons, fmt.Sprintf("active from %d addresses concurrently", activeIPs))
	}
	if highRiskActions[action] {
		result.Score += weightHighRisk
		result.Reasons = append(result.Reasons, "high-risk action "+action)
	}
	if frag := dangerousContent(metadata); frag != "" {
		result.Score += weightDangerous
		result.Reasons = append(result.Reasons, fmt.Sprintf("dangerous content %q", frag))
	}

	if result.Score > e.cfg.SuspicionThreshold {
		result.Suspicious = true
		result.Severity = audit.SeverityHigh
		if result.Score > e.cfg.CriticalThreshold {
			result.Severity = audit.SeverityCritical
		}

		md := map[string]string{
			"score":   fmt.Sprintf("%.2f", result.Score),
			"reasons": strings.Join(result.Reasons, "; "),
		}
		e.audit(audit.Entry{
			Action:    "suspicious_activity",
			ActorID:   actor,
			Severity:  result.Severity,
			IPAddress: ip,
			Metadata:  md,
		})
		if e.ledger != nil {
			if _, err := e.ledger.RaiseAlert(audit.AlertSuspiciousActivity, result.Severity,
				fmt.Sprintf("suspicious activity by %s (score %.2f): %s", actor, result.Score, strings.Join(result.Reasons, "; ")),
				actor); err != nil {
				e.log.Error().Err(err).Msg("failed to raise suspicion alert")
			}
		}
	}
	return result
}

func (e *Engine) isOffHours(now time.Time) bool {
	h := now.Hour()
	start, end := e.cfg.OffHoursStart, e.cfg.OffHoursEnd
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	// Window wraps midnight.
	return h >= start || h < end
}

func dangerousContent(metadata map[string]string) string {
	for _, v := range metadata {
		lower := strings.ToLower(v)
		for _, frag := range dangerousFragments {
			if strings.Contains(lower, frag) {
				return strings.TrimSpace(frag)
			}
		}
	}
	return ""
}
