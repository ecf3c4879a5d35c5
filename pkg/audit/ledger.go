// Package audit implements the append-only, signed event ledger and
// its derived security alerts. Every entry carries an HMAC over its
// canonical serialization so independent integrity verification can
// detect tampering after the fact.
package audit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/teleguard/teleguard/pkg/cryptocore"
	"github.com/teleguard/teleguard/pkg/errdefs"
	"github.com/teleguard/teleguard/pkg/events"
	"github.com/teleguard/teleguard/pkg/telemetry"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type AlertType string

const (
	AlertAuthFailure        AlertType = "auth-failure"
	AlertSuspiciousActivity AlertType = "suspicious-activity"
	AlertDataBreach         AlertType = "data-breach"
	AlertUnauthorizedAccess AlertType = "unauthorized-access"
	AlertRateLimitExceeded  AlertType = "rate-limit-exceeded"
)

// Event is one immutable audit entry.
type Event struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Action    string    `gorm:"index" json:"action"`
	ActorID   string    `gorm:"index" json:"actor_id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Severity  Severity  `gorm:"index" json:"severity"`
	SessionID string    `json:"session_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Metadata  Metadata  `gorm:"type:text" json:"metadata,omitempty"`
	Signature string    `json:"signature"`
}

// Alert is a derived security finding, resolved manually by an
// operator.
type Alert struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Type       AlertType  `gorm:"index" json:"type"`
	Severity   Severity   `gorm:"index" json:"severity"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `gorm:"index" json:"timestamp"`
	ActorID    string     `json:"actor_id,omitempty"`
	Resolved   bool       `gorm:"index" json:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Entry is the caller-facing input to Log.
type Entry struct {
	Action    string
	ActorID   string
	Severity  Severity
	SessionID string
	IPAddress string
	Metadata  map[string]string
	Timestamp time.Time
}

// IntegrityReport summarizes a full ledger verification pass.
type IntegrityReport struct {
	Valid     bool      `json:"valid"`
	CheckedAt time.Time `json:"checked_at"`
	Total     int64     `json:"total_events"`
	Tampered  []uint    `json:"tampered_ids,omitempty"`
}

var ErrAlertNotFound = errors.New("audit: alert not found")

// Ledger is the append-only signed event store.
type Ledger struct {
	db      *gorm.DB
	crypto  *cryptocore.Service
	matcher PatternMatcher
	alerts  *events.Bus[Alert]
	metrics *telemetry.Metrics
	log     zerolog.Logger
}

// SetMetrics attaches Prometheus instrumentation. Safe to skip; a nil
// receiver makes every recording a no-op.
func (l *Ledger) SetMetrics(m *telemetry.Metrics) {
	l.metrics = m
}

// NewLedger migrates the schema and wires the pattern matcher. A nil
// matcher disables pattern analysis.
func NewLedger(db *gorm.DB, crypto *cryptocore.Service, matcher PatternMatcher, logger zerolog.Logger) (*Ledger, error) {
	if err := db.AutoMigrate(&Event{}, &Alert{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &Ledger{
		db:      db,
		crypto:  crypto,
		matcher: matcher,
		alerts:  events.NewBus[Alert](32),
		log:     logger.With().Str("component", "audit").Logger(),
	}, nil
}

// Log signs and persists one event, sealing metadata at high and
// critical severity, then runs pattern analysis which may raise alerts
// synchronously.
func (l *Ledger) Log(entry Entry) (*Event, error) {
	if entry.Action == "" {
		return nil, &errdefs.ValidationError{Field: "action", Reason: "must not be empty"}
	}
	if entry.Severity == "" {
		entry.Severity = SeverityLow
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	ev := &Event{
		Action:    entry.Action,
		ActorID:   entry.ActorID,
		Timestamp: entry.Timestamp,
		Severity:  entry.Severity,
		SessionID: entry.SessionID,
		IPAddress: entry.IPAddress,
	}

	if len(entry.Metadata) > 0 {
		md := Metadata{Plain: entry.Metadata}
		if entry.Severity == SeverityHigh || entry.Severity == SeverityCritical {
			plaintext := []byte(md.Canonical())
			sealed, err := l.crypto.Seal(plaintext)
			if err != nil {
				return nil, fmt.Errorf("seal metadata: %w", err)
			}
			md = Metadata{Sealed: sealed}
		}
		ev.Metadata = md
	}

	ev.Signature = l.sign(ev)

	if err := l.db.Create(ev).Error; err != nil {
		return nil, fmt.Errorf("persist audit event: %w", err)
	}

	l.metrics.IncAuditEvents(string(ev.Severity))
	l.log.Debug().Str("action", ev.Action).Str("actor", ev.ActorID).Str("severity", string(ev.Severity)).Uint("event_id", ev.ID).Msg("audit event recorded")

	if l.matcher != nil {
		for _, alert := range l.matcher.Analyze(ev, l) {
			if err := l.raise(&alert); err != nil {
				l.log.Error().Err(err).Str("alert_type", string(alert.Type)).Msg("failed to raise alert")
			}
		}
	}
	return ev, nil
}

func (l *Ledger) sign(ev *Event) string {
	return l.crypto.Sign(canonicalEvent(ev))
}

// canonicalEvent covers every stored field; mutating any of them breaks
// the signature.
func canonicalEvent(ev *Event) []byte {
	parts := []string{
		ev.Action,
		ev.ActorID,
		strconv.FormatInt(ev.Timestamp.UTC().UnixNano(), 10),
		string(ev.Severity),
		ev.SessionID,
		ev.IPAddress,
		ev.Metadata.Canonical(),
	}
	return []byte(strings.Join(parts, "|"))
}

// VerifyIntegrity recomputes every stored signature. Any mismatch is
// itself a critical data-breach alert: the checker's failure path is
// part of the security surface.
func (l *Ledger) VerifyIntegrity() (*IntegrityReport, error) {
	report := &IntegrityReport{Valid: true, CheckedAt: time.Now().UTC()}

	const batch = 500
	var lastID uint
	for {
		var page []Event
		if err := l.db.Where("id > ?", lastID).Order("id asc").Limit(batch).Find(&page).Error; err != nil {
			return nil, fmt.Errorf("scan audit events: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			ev := &page[i]
			report.Total++
			if !l.crypto.Verify(canonicalEvent(ev), ev.Signature) {
				report.Valid = false
				report.Tampered = append(report.Tampered, ev.ID)
			}
			lastID = ev.ID
		}
	}

	if !report.Valid {
		l.metrics.IncIntegrityMismatches(len(report.Tampered))
		l.log.Error().Uints("tampered_ids", report.Tampered).Msg("audit ledger integrity violation")
		alert := Alert{
			Type:     AlertDataBreach,
			Severity: SeverityCritical,
			Message:  (&errdefs.IntegrityError{EventIDs: report.Tampered}).Error(),
		}
		if err := l.raise(&alert); err != nil {
			l.log.Error().Err(err).Msg("failed to raise integrity alert")
		}
	}
	return report, nil
}

// Query filters events by actor, action, severity, and time range.
type Query struct {
	ActorID  string
	Action   string
	Severity Severity
	From     time.Time
	To       time.Time
	Offset   int
	Limit    int
}

// Events returns the matching page plus the unpaginated total.
func (l *Ledger) Events(q Query) ([]Event, int64, error) {
	tx := l.db.Model(&Event{})
	if q.ActorID != "" {
		tx = tx.Where("actor_id = ?", q.ActorID)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if q.Severity != "" {
		tx = tx.Where("severity = ?", q.Severity)
	}
	if !q.From.IsZero() {
		tx = tx.Where("timestamp >= ?", q.From)
	}
	if !q.To.IsZero() {
		tx = tx.Where("timestamp <= ?", q.To)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []Event
	if err := tx.Order("id asc").Offset(q.Offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// CountRecent implements History for pattern matchers.
func (l *Ledger) CountRecent(actorID, action string, within time.Duration) (int64, error) {
	var n int64
	err := l.db.Model(&Event{}).
		Where("actor_id = ? AND action = ? AND timestamp >= ?", actorID, action, time.Now().UTC().Add(-within)).
		Count(&n).Error
	return n, err
}

// RaiseAlert records a new unresolved alert and publishes it to
// subscribers.
func (l *Ledger) RaiseAlert(alertType AlertType, severity Severity, message, actorID string) (*Alert, error) {
	alert := Alert{Type: alertType, Severity: severity, Message: message, ActorID: actorID}
	if err := l.raise(&alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// raise fills in the generated fields on the caller's alert so the
// persisted ID is visible to whoever resolves it later.
func (l *Ledger) raise(alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if err := l.db.Create(alert).Error; err != nil {
		return fmt.Errorf("persist alert: %w", err)
	}
	l.metrics.IncAlertsRaised(string(alert.Type), string(alert.Severity))
	l.log.Warn().Str("alert_id", alert.ID).Str("type", string(alert.Type)).Str("severity", string(alert.Severity)).Msg(alert.Message)
	l.alerts.Publish(*alert)
	return nil
}

// Alerts lists alerts, optionally including resolved ones.
func (l *Ledger) Alerts(includeResolved bool) ([]Alert, error) {
	tx := l.db.Model(&Alert{}).Order("timestamp desc")
	if !includeResolved {
		tx = tx.Where("resolved = ?", false)
	}
	var out []Alert
	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveAlert marks an alert handled by the given operator.
func (l *Ledger) ResolveAlert(id, resolver string) error {
	now := time.Now().UTC()
	result := l.db.Model(&Alert{}).Where("id = ? AND resolved = ?", id, false).Updates(map[string]any{
		"resolved":    true,
		"resolved_by": resolver,
		"resolved_at": now,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// SubscribeAlerts returns a live alert stream and its cancel function.
func (l *Ledger) SubscribeAlerts() (<-chan Alert, func()) {
	return l.alerts.Subscribe()
}

// Close shuts down the alert stream.
func (l *Ledger) Close() {
	l.alerts.Close()
}

// OpenMetadata decrypts sealed metadata for operator display. Plain
// metadata is returned canonicalized.
func (l *Ledger) OpenMetadata(ev *Event) (string, error) {
	if !ev.Metadata.IsSealed() {
		return ev.Metadata.Canonical(), nil
	}
	plaintext, err := l.crypto.Open(ev.Metadata.Sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
