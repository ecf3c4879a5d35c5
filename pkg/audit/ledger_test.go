package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/teleguard/teleguard/pkg/cryptocore"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:audit-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	key, err := cryptocore.NewSessionKey()
	require.NoError(t, err)
	crypto, err := cryptocore.NewServiceWithKey(key, zerolog.Nop())
	require.NoError(t, err)

	ledger, err := NewLedger(db, crypto, NewDefaultMatcher(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(ledger.Close)
	return ledger
}

func TestLogAssignsTimestampAndSignature(t *testing.T) {
	ledger := newTestLedger(t)

	ev, err := ledger.Log(Entry{Action: "session_connected", ActorID: "device-1", Severity: SeverityLow})
	require.NoError(t, err)
	require.NotZero(t, ev.ID)
	require.False(t, ev.Timestamp.IsZero())
	require.NotEmpty(t, ev.Signature)
}

func TestLogRejectsEmptyAction(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.Log(Entry{ActorID: "device-1"})
	require.Error(t, err)
}

func TestHighSeverityMetadataIsSealed(t *testing.T) {
	ledger := newTestLedger(t)

	low, err := ledger.Log(Entry{
		Action: "command_submitted", ActorID: "u1", Severity: SeverityLow,
		Metadata: map[string]string{"type": "move"},
	})
	require.NoError(t, err)
	require.False(t, low.Metadata.IsSealed())

	high, err := ledger.Log(Entry{
		Action: "auth_failure", ActorID: "u1", Severity: SeverityHigh,
		Metadata: map[string]string{"reason": "bad certificate"},
	})
	require.NoError(t, err)
	require.True(t, high.Metadata.IsSealed())

	// Sealed metadata is still recoverable by the owner of the master key.
	plain, err := ledger.OpenMetadata(high)
	require.NoError(t, err)
	require.Contains(t, plain, "bad certificate")
}

func TestVerifyIntegrityCleanLedger(t *testing.T) {
	ledger := newTestLedger(t)
	for i := 0; i < 10; i++ {
		_, err := ledger.Log(Entry{Action: "heartbeat", ActorID: "device-1"})
		require.NoError(t, err)
	}

	report, err := ledger.VerifyIntegrity()
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.EqualValues(t, 10, report.Total)
	require.Empty(t, report.Tampered)
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	ledger := newTestLedger(t)

	ok, err := ledger.Log(Entry{Action: "session_connected", ActorID: "device-1"})
	require.NoError(t, err)
	bad, err := ledger.Log(Entry{Action: "command_executed", ActorID: "device-1"})
	require.NoError(t, err)

	// Mutate one stored field behind the ledger's back.
	require.NoError(t, ledger.db.Model(&Event{}).Where("id = ?", bad.ID).Update("actor_id", "attacker").Error)

	report, err := ledger.VerifyIntegrity()
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Equal(t, []uint{bad.ID}, report.Tampered)
	require.NotContains(t, report.Tampered, ok.ID)

	// The integrity failure itself raised a critical data-breach alert.
	alerts, err := ledger.Alerts(false)
	require.NoError(t, err)
	var found bool
	for _, a := range alerts {
		if a.Type == AlertDataBreach && a.Severity == SeverityCritical {
			found = true
		}
	}
	require.True(t, found, "expected a critical data-breach alert")
}

func TestEventsQueryFiltersAndPagination(t *testing.T) {
	ledger := newTestLedger(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := ledger.Log(Entry{Action: "command_executed", ActorID: "u1", Timestamp: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := ledger.Log(Entry{Action: "session_connected", ActorID: "u2", Timestamp: base})
	require.NoError(t, err)

	got, total, err := ledger.Events(Query{ActorID: "u1", Limit: 2})
	require.NoError(t, err)
	require.EqualValues(t, 5, total)
	require.Len(t, got, 2)

	got, _, err = ledger.Events(Query{ActorID: "u1", Offset: 4, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, total, err = ledger.Events(Query{From: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, got, 2)

	got, _, err = ledger.Events(Query{Action: "session_connected"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "u2", got[0].ActorID)
}

func TestResolveAlert(t *testing.T) {
	ledger := newTestLedger(t)

	alert, err := ledger.RaiseAlert(AlertSuspiciousActivity, SeverityHigh, "multiple IPs", "u1")
	require.NoError(t, err)
	require.NotEmpty(t, alert.ID)
	require.False(t, alert.Timestamp.IsZero())

	require.NoError(t, ledger.ResolveAlert(alert.ID, "operator-1"))

	open, err := ledger.Alerts(false)
	require.NoError(t, err)
	require.Empty(t, open)

	all, err := ledger.Alerts(true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Resolved)
	require.Equal(t, "operator-1", all[0].ResolvedBy)
	require.NotNil(t, all[0].ResolvedAt)

	require.ErrorIs(t, ledger.ResolveAlert(alert.ID, "operator-1"), ErrAlertNotFound)
	require.ErrorIs(t, ledger.ResolveAlert("missing", "operator-1"), ErrAlertNotFound)
}

func TestAlertSubscription(t *testing.T) {
	ledger := newTestLedger(t)

	ch, cancel := ledger.SubscribeAlerts()
	defer cancel()

	_, err := ledger.RaiseAlert(AlertRateLimitExceeded, SeverityMedium, "too many commands", "u1")
	require.NoError(t, err)

	select {
	case alert := <-ch:
		require.Equal(t, AlertRateLimitExceeded, alert.Type)
	case <-time.After(time.Second):
		t.Fatal("no alert delivered to subscriber")
	}
}
