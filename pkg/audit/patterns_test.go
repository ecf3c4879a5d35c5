package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatcherFlagsDangerousContent(t *testing.T) {
	ledger := newTestLedger(t)

	_, err := ledger.Log(Entry{
		Action: "command_submitted", ActorID: "u1", Severity: SeverityLow,
		Metadata: map[string]string{"params": "move; rm -rf /"},
	})
	require.NoError(t, err)

	alerts, err := ledger.Alerts(false)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	require.Equal(t, AlertSuspiciousActivity, alerts[0].Type)
	require.Equal(t, SeverityHigh, alerts[0].Severity)
}

func TestMatcherFlagsRepeatedAuthFailures(t *testing.T) {
	ledger := newTestLedger(t)

	for i := 0; i < 5; i++ {
		_, err := ledger.Log(Entry{Action: "auth_failure", ActorID: "u1", Severity: SeverityMedium})
		require.NoError(t, err)
	}

	alerts, err := ledger.Alerts(false)
	require.NoError(t, err)

	var found bool
	for _, a := range alerts {
		if a.Type == AlertAuthFailure {
			found = true
		}
	}
	require.True(t, found, "expected an auth-failure alert after 5 failures")
}

func TestMatcherBelowThresholdStaysQuiet(t *testing.T) {
	ledger := newTestLedger(t)

	for i := 0; i < 3; i++ {
		_, err := ledger.Log(Entry{Action: "auth_failure", ActorID: "u1", Severity: SeverityMedium})
		require.NoError(t, err)
	}

	alerts, err := ledger.Alerts(false)
	require.NoError(t, err)
	for _, a := range alerts {
		require.NotEqual(t, AlertAuthFailure, a.Type)
	}
}

func TestMatcherRateLimitEvents(t *testing.T) {
	ledger := newTestLedger(t)

	_, err := ledger.Log(Entry{Action: "rate_limit_exceeded", ActorID: "u9", Severity: SeverityMedium})
	require.NoError(t, err)

	alerts, err := ledger.Alerts(false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertRateLimitExceeded, alerts[0].Type)
	require.Equal(t, "u9", alerts[0].ActorID)
}
