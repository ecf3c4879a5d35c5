package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/teleguard/teleguard/pkg/audit"
	"github.com/teleguard/teleguard/pkg/cryptocore"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *time.Time) {
	t.Helper()
	engine := NewEngine(cfg, nil, zerolog.Nop())
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	engine.clock = func() time.Time { return now }
	t.Cleanup(engine.Close)
	return engine, &now
}

func newTestEngineWithLedger(t *testing.T, cfg Config) (*Engine, *audit.Ledger, *time.Time) {
	t.Helper()
	dsn := fmt.Sprintf("file:policy-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	key, err := cryptocore.NewSessionKey()
	require.NoError(t, err)
	crypto, err := cryptocore.NewServiceWithKey(key, zerolog.Nop())
	require.NoError(t, err)
	ledger, err := audit.NewLedger(db, crypto, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(ledger.Close)

	engine := NewEngine(cfg, ledger, zerolog.Nop())
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	engine.clock = func() time.Time { return now }
	t.Cleanup(engine.Close)
	return engine, ledger, &now
}

func TestRateLimitBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = map[string]Rule{"command": {Window: time.Minute, MaxRequests: 3}}
	engine, now := newTestEngine(t, cfg)

	// Exactly maxRequests within the window are allowed.
	for i := 0; i < 3; i++ {
		d := engine.CheckRateLimit("u1", "command", "10.0.0.1")
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		require.Equal(t, 2-i, d.Remaining)
	}

	// The maxRequests+1-th is rejected.
	d := engine.CheckRateLimit("u1", "command", "10.0.0.1")
	require.False(t, d.Allowed)
	require.False(t, d.Blocked)
	require.Equal(t, now.Add(time.Minute), d.ResetAt)

	// After the window elapses the counter resets.
	*now = now.Add(time.Minute + time.Second)
	d = engine.CheckRateLimit("u1", "command", "10.0.0.1")
	require.True(t, d.Allowed)
}

func TestRateLimitActorsAreIndependent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = map[string]Rule{"command": {Window: time.Minute, MaxRequests: 1}}
	engine, _ := newTestEngine(t, cfg)

	require.True(t, engine.CheckRateLimit("u1", "command", "").Allowed)
	require.False(t, engine.CheckRateLimit("u1", "command", "").Allowed)
	require.True(t, engine.CheckRateLimit("u2", "command", "").Allowed)
	require.True(t, engine.CheckRateLimit("u1", "connect", "").Allowed)
}

func TestRepeatedViolationsBlockIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = map[string]Rule{"command": {Window: time.Hour, MaxRequests: 1}}
	cfg.BlockThreshold = 2
	engine, _ := newTestEngine(t, cfg)

	require.True(t, engine.CheckRateLimit("u1", "command", "10.0.0.9").Allowed)

	// Two violations tolerated, the third crosses the threshold.
	require.False(t, engine.CheckRateLimit("u1", "command", "10.0.0.9").Blocked)
	require.False(t, engine.CheckRateLimit("u1", "command", "10.0.0.9").Blocked)
	require.True(t, engine.CheckRateLimit("u1", "command", "10.0.0.9").Blocked)
	require.True(t, engine.IsBlocked("10.0.0.9"))

	// A blocked IP is rejected before any accounting, even for a fresh
	// actor and action.
	d := engine.CheckRateLimit("fresh-user", "connect", "10.0.0.9")
	require.False(t, d.Allowed)
	require.True(t, d.Blocked)
	engine.mu.Lock()
	_, tracked := engine.records["fresh-user|connect"]
	engine.mu.Unlock()
	require.False(t, tracked, "blocked source must not advance counters")
}

func TestBlockExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockDuration = time.Hour
	engine, now := newTestEngine(t, cfg)

	engine.BlockIP("10.1.1.1", "manual", 0)
	require.True(t, engine.IsBlocked("10.1.1.1"))

	*now = now.Add(time.Hour + time.Second)
	require.False(t, engine.IsBlocked("10.1.1.1"))
	require.True(t, engine.CheckRateLimit("u1", "command", "10.1.1.1").Allowed)
}

func TestCSRFTokenLifecycle(t *testing.T) {
	engine, now := newTestEngine(t, DefaultConfig())

	token, expires, err := engine.IssueCSRFToken("user-1", "session-1")
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), expires)

	require.NoError(t, engine.ValidateCSRFToken(token, "user-1", "session-1"))

	// Binding mismatches are rejected.
	require.Error(t, engine.ValidateCSRFToken(token, "user-2", "session-1"))
	require.Error(t, engine.ValidateCSRFToken(token, "user-1", "session-2"))
	require.Error(t, engine.ValidateCSRFToken("unknown", "user-1", "session-1"))

	// Expired tokens are rejected.
	*now = now.Add(2 * time.Hour)
	require.Error(t, engine.ValidateCSRFToken(token, "user-1", "session-1"))
}

func TestRevokeCSRFTokensForSession(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig())

	token, _, err := engine.IssueCSRFToken("user-1", "session-1")
	require.NoError(t, err)
	other, _, err := engine.IssueCSRFToken("user-1", "session-2")
	require.NoError(t, err)

	engine.RevokeCSRFTokens("session-1")
	require.Error(t, engine.ValidateCSRFToken(token, "user-1", "session-1"))
	require.NoError(t, engine.ValidateCSRFToken(other, "user-1", "session-2"))
}

func TestSuspicionScoring(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig())

	// A mundane action from one IP during work hours is not suspicious.
	result := engine.ScoreActivity("u1", "command_move", "10.0.0.1", nil)
	require.False(t, result.Suspicious)

	// High-risk action + dangerous metadata + two concurrent IPs
	// crosses both thresholds.
	engine.ScoreActivity("u2", "data_export", "10.0.0.1", nil)
	result = engine.ScoreActivity("u2", "data_export", "10.0.0.2", map[string]string{
		"target": "drop table users",
	})
	require.True(t, result.Suspicious)
	require.Equal(t, audit.SeverityCritical, result.Severity)
	require.GreaterOrEqual(t, result.Score, 0.8)
}

func TestSuspicionRepetitionSignal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspicionThreshold = 0.25
	engine, _ := newTestEngine(t, cfg)

	var result SuspicionResult
	for i := 0; i < 7; i++ {
		result = engine.ScoreActivity("u1", "command_wave", "10.0.0.1", nil)
	}
	require.True(t, result.Suspicious)
	require.Equal(t, audit.SeverityHigh, result.Severity)
}

func TestSuspicionOffHours(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspicionThreshold = 0.1
	engine, now := newTestEngine(t, cfg)

	*now = time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC) // inside 23..6 window
	result := engine.ScoreActivity("u1", "command_move", "10.0.0.1", nil)
	require.True(t, result.Suspicious)
	require.Contains(t, result.Reasons[0], "off hours")
}

func TestSuspicionRaisesAlert(t *testing.T) {
	engine, ledger, _ := newTestEngineWithLedger(t, DefaultConfig())

	engine.ScoreActivity("u2", "emergency_stop", "10.0.0.1", nil)
	result := engine.ScoreActivity("u2", "emergency_stop", "10.0.0.2", map[string]string{"cmd": "exec"})
	require.True(t, result.Suspicious)

	alerts, err := ledger.Alerts(false)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	require.Equal(t, audit.AlertSuspiciousActivity, alerts[0].Type)
}

func TestSweepPurgesExpiredState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = map[string]Rule{"command": {Window: time.Minute, MaxRequests: 10}}
	engine, now := newTestEngine(t, cfg)

	engine.CheckRateLimit("u1", "command", "10.0.0.1")
	_, _, err := engine.IssueCSRFToken("u1", "s1")
	require.NoError(t, err)
	engine.BlockIP("10.2.2.2", "test", time.Minute)
	engine.ScoreActivity("u1", "command_move", "10.0.0.1", nil)

	stats := engine.Stats()
	require.Equal(t, 1, stats.RateRecords)
	require.Equal(t, 1, stats.BlockedIPs)
	require.Equal(t, 1, stats.CSRFTokens)

	*now = now.Add(2 * time.Hour)
	engine.Sweep()

	stats = engine.Stats()
	require.Zero(t, stats.RateRecords)
	require.Zero(t, stats.BlockedIPs)
	require.Zero(t, stats.CSRFTokens)
}
