// Package errdefs defines the error taxonomy shared by the control and
// audit services. Callers classify failures with errors.As against these
// types rather than matching message strings.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError reports a handshake or network failure. Connection
// errors are the only retryable class in the taxonomy.
type ConnectionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("connection failed during %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports rejected credentials or certificates.
// Never retried automatically; the caller must resupply credentials.
type AuthenticationError struct {
	Method string
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("authentication failed (%s): %s", e.Method, e.Reason)
	}
	return "authentication failed: " + e.Reason
}

// ValidationError reports a malformed action, command, or configuration.
// Rejected immediately and never queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return "validation failed: " + e.Reason
}

// SignatureError reports a signature mismatch on a command or audit
// entry. Always fatal to that item.
type SignatureError struct {
	Subject string
}

func (e *SignatureError) Error() string {
	return "signature verification failed for " + e.Subject
}

// RateLimitError is a soft failure; the caller may retry after ResetAt.
type RateLimitError struct {
	Action  string
	ResetAt time.Time
	Blocked bool
}

func (e *RateLimitError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("source blocked for action %q", e.Action)
	}
	return fmt.Sprintf("rate limit exceeded for action %q, retry after %s", e.Action, e.ResetAt.Format(time.RFC3339))
}

// SessionError reports a terminated or missing session. The caller must
// reconnect.
type SessionError struct {
	SessionID string
	Reason    string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s unavailable: %s", e.SessionID, e.Reason)
}

// IntegrityError reports audit-ledger tamper detection. Critical,
// surfaced to an operator, never auto-resolved.
type IntegrityError struct {
	EventIDs []uint
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit integrity violation in %d entries", len(e.EventIDs))
}

// IsRetryable reports whether err may be retried with backoff. Only
// connection errors qualify; authentication, signature, and integrity
// failures must surface to the caller.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
