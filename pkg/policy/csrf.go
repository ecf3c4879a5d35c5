package policy

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/teleguard/teleguard/pkg/audit"
	"github.com/teleguard/teleguard/pkg/errdefs"
)

// IssueCSRFToken mints an anti-forgery token bound to both the user
// and the session. Validation requires an exact match on both.
func (e *Engine) IssueCSRFToken(userID, sessionID string) (string, time.Time, error) {
	if userID == "" || sessionID == "" {
		return "", time.Time{}, &errdefs.ValidationError{Field: "csrf", Reason: "user and session are required"}
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate csrf token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expires := e.clock().Add(e.cfg.CSRFTokenTTL)

	e.mu.Lock()
	e.tokens[token] = csrfRecord{userID: userID, sessionID: sessionID, expiresAt: expires}
	e.mu.Unlock()

	return token, expires, nil
}

// ValidateCSRFToken checks existence, expiry, and the (user, session)
// binding. Any mismatch is audited and rejected, never silently
// ignored.
func (e *Engine) ValidateCSRFToken(token, userID, sessionID string) error {
	e.mu.Lock()
	rec, ok := e.tokens[token]
	if ok && e.clock().After(rec.expiresAt) {
		delete(e.tokens, token)
		ok = false
	}
	e.mu.Unlock()

	if !ok {
		e.audit(audit.Entry{
			Action:   "csrf_rejected",
			ActorID:  userID,
			Severity: audit.SeverityMedium,
			Metadata: map[string]string{"reason": "unknown or expired token"},
		})
		return &errdefs.AuthenticationError{Method: "csrf", Reason: "unknown or expired token"}
	}
	if rec.userID != userID || rec.sessionID != sessionID {
		e.audit(audit.Entry{
			Action:    "csrf_rejected",
			ActorID:   userID,
			Severity:  audit.SeverityHigh,
			SessionID: sessionID,
			Metadata:  map[string]string{"reason": "token binding mismatch"},
		})
		return &errdefs.AuthenticationError{Method: "csrf", Reason: "token binding mismatch"}
	}
	return nil
}

// RevokeCSRFTokens drops every token bound to the given session, used
// when a session terminates.
func (e *Engine) RevokeCSRFTokens(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for token, rec := range e.tokens {
		if rec.sessionID == sessionID {
			delete(e.tokens, token)
		}
	}
}
