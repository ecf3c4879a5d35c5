package policy

import (
	"time"

	"github.com/teleguard/teleguard/pkg/audit"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Blocked   bool
	Remaining int
	ResetAt   time.Time
}

// CheckRateLimit accounts one request from actor for action and
// reports whether it may proceed. Blocked IPs are rejected before any
// accounting, so a blocked source never advances a counter. Exceeding
// the limit increments a violation counter; past the block threshold
// the source IP is blocked for the configured duration.
func (e *Engine) CheckRateLimit(actor, action, ip string) Decision {
	now := e.clock()

	e.mu.Lock()

	if be, ok := e.blocked[ip]; ok && ip != "" {
		if now.Before(be.expiresAt) {
			e.mu.Unlock()
			return Decision{Blocked: true, ResetAt: be.expiresAt}
		}
		delete(e.blocked, ip)
	}

	rule, ok := e.cfg.Rules[action]
	if !ok {
		rule = e.cfg.DefaultRule
	}

	key := actor + "|" + action
	rec, ok := e.records[key]
	if !ok || now.After(rec.resetAt) {
		violations := 0
		if ok {
			violations = rec.violations
		}
		rec = &rateRecord{resetAt: now.Add(rule.Window), violations: violations}
		e.records[key] = rec
	}

	if rec.count >= rule.MaxRequests {
		rec.violations++
		resetAt := rec.resetAt
		blockedNow := false
		if rec.violations > e.cfg.BlockThreshold && ip != "" {
			e.blocked[ip] = blockEntry{
				reason:    "rate limit violations for " + action,
				expiresAt: now.Add(e.cfg.BlockDuration),
			}
			blockedNow = true
		}
		e.mu.Unlock()

		e.audit(audit.Entry{
			Action:    "rate_limit_exceeded",
			ActorID:   actor,
			Severity:  audit.SeverityMedium,
			IPAddress: ip,
			Metadata:  map[string]string{"action": action},
		})
		if blockedNow {
			e.log.Warn().Str("ip", ip).Str("actor", actor).Msg("ip blocked after repeated rate limit violations")
			e.audit(audit.Entry{
				Action:    "ip_blocked",
				ActorID:   actor,
				Severity:  audit.SeverityHigh,
				IPAddress: ip,
				Metadata:  map[string]string{"duration": e.cfg.BlockDuration.String()},
			})
		}
		return Decision{ResetAt: resetAt, Blocked: blockedNow}
	}

	rec.count++
	remaining := rule.MaxRequests - rec.count
	resetAt := rec.resetAt
	e.mu.Unlock()

	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// BlockIP suspends a source address outright, bypassing the violation
// counter. Used by operators and the suspicion scorer.
func (e *Engine) BlockIP(ip, reason string, d time.Duration) {
	if ip == "" {
		return
	}
	if d <= 0 {
		d = e.cfg.BlockDuration
	}
	e.mu.Lock()
	e.blocked[ip] = blockEntry{reason: reason, expiresAt: e.clock().Add(d)}
	e.mu.Unlock()

	e.audit(audit.Entry{
		Action:    "ip_blocked",
		Severity:  audit.SeverityHigh,
		IPAddress: ip,
		Metadata:  map[string]string{"reason": reason},
	})
}

// IsBlocked reports whether ip is currently suspended.
func (e *Engine) IsBlocked(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	be, ok := e.blocked[ip]
	return ok && e.clock().Before(be.expiresAt)
}
