// Package session owns the per-device connection lifecycle and
// authentication state machine, heartbeat monitoring, and session
// expiry. At most one session is designated active at a time; its key
// material exists only while the session is connected and is zeroed
// synchronously on termination.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/teleguard/teleguard/pkg/audit"
	"github.com/teleguard/teleguard/pkg/cryptocore"
	"github.com/teleguard/teleguard/pkg/errdefs"
	"github.com/teleguard/teleguard/pkg/events"
	"github.com/teleguard/teleguard/pkg/policy"
)

type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusConnected      Status = "connected"
	StatusError          Status = "error"
)

// Termination reasons recorded in the audit trail.
const (
	ReasonDisconnect       = "disconnect"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSessionExpired   = "session_expired"
	ReasonSuperseded       = "superseded"
)

var (
	ErrNotFound        = errors.New("session: not found")
	ErrNoActiveSession = errors.New("session: no active session")
)

// Snapshot is an immutable view of one session, safe to hand out.
type Snapshot struct {
	ID                 string        `json:"id"`
	DeviceID           string        `json:"device_id"`
	DeviceType         DeviceType    `json:"device_type"`
	AuthMethod         AuthMethod    `json:"auth_method"`
	SecurityLevel      SecurityLevel `json:"security_level"`
	Status             Status        `json:"status"`
	Encrypted          bool          `json:"encrypted"`
	CreatedAt          time.Time     `json:"created_at"`
	LastAuthentication time.Time     `json:"last_authentication"`
	LastHeartbeat      time.Time     `json:"last_heartbeat"`
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	MaxQueueSize       int           `json:"max_queue_size"`
}

// StatusEvent is published on every lifecycle transition and
// heartbeat.
type StatusEvent struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type ManagerConfig struct {
	// MaxSessionAge bounds session lifetime since last authentication
	// regardless of heartbeat health.
	MaxSessionAge time.Duration
	SweepInterval time.Duration
	// HeartbeatInterval overrides the per-profile interval when set.
	// Intended for tests.
	HeartbeatInterval time.Duration

	RetryInitial     time.Duration
	RetryMax         time.Duration
	RetryMaxAttempts int
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
}

// live is the mutable session record, guarded by the manager mutex.
type live struct {
	id            string
	deviceID      string
	deviceType    DeviceType
	authMethod    AuthMethod
	securityLevel SecurityLevel
	status        Status
	encrypted     bool
	key           []byte
	createdAt     time.Time
	lastAuth      time.Time
	lastHeartbeat time.Time
	hbInterval    time.Duration
	maxQueue      int
	transport     Transport
	stopHB        chan struct{}
}

// Manager tracks connection attempts for multiple devices
// concurrently while designating at most one active session.
type Manager struct {
	mu         sync.Mutex
	byID       map[string]*live
	byDevice   map[string]*live
	activeID   string
	connecting map[string]bool

	crypto  *cryptocore.Service
	policy  *policy.Engine
	ledger  *audit.Ledger
	factory TransportFactory
	cfg     ManagerConfig
	status  *events.Bus[StatusEvent]
	retry   *retrier
	log     zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func NewManager(crypto *cryptocore.Service, pol *policy.Engine, ledger *audit.Ledger, factory TransportFactory, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	log := logger.With().Str("component", "session").Logger()
	return &Manager{
		byID:       make(map[string]*live),
		byDevice:   make(map[string]*live),
		connecting: make(map[string]bool),
		crypto:     crypto,
		policy:     pol,
		ledger:     ledger,
		factory:    factory,
		cfg:        cfg,
		status:     events.NewBus[StatusEvent](32),
		retry:      newRetrier(cfg.RetryInitial, cfg.RetryMax, cfg.RetryMaxAttempts, log),
		log:        log,
		done:       make(chan struct{}),
	}
}

// Start launches the session-aging sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Close terminates every session and stops background tasks.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Terminate(id, ReasonDisconnect)
	}

	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.wg.Wait()
	m.status.Close()
}

// Connect walks the full state machine for one device: validate the
// config against the device profile, dial with bounded retries, run
// the handshake certificate check where required, authenticate, then
// designate the session active. Any stage failure lands the session in
// Error status with an audit entry whose severity scales with the
// stage.
func (m *Manager) Connect(ctx context.Context, cfg Config) (*Snapshot, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	profile, err := ProfileFor(cfg.Type)
	if err != nil {
		return nil, err
	}
	if !profile.Permits(cfg.Credentials.Method) {
		return nil, &errdefs.ValidationError{
			Field:  "authentication method",
			Reason: fmt.Sprintf("%s not permitted for %s devices", cfg.Credentials.Method, cfg.Type),
		}
	}

	if m.policy != nil {
		if d := m.policy.CheckRateLimit(cfg.DeviceID, "connect", cfg.Address); !d.Allowed {
			return nil, &errdefs.RateLimitError{Action: "connect", ResetAt: d.ResetAt, Blocked: d.Blocked}
		}
	}

	hbInterval := profile.HeartbeatInterval
	if m.cfg.HeartbeatInterval > 0 {
		hbInterval = m.cfg.HeartbeatInterval
	}

	now := time.Now().UTC()
	l := &live{
		id:            uuid.NewString(),
		deviceID:      cfg.DeviceID,
		deviceType:    cfg.Type,
		authMethod:    cfg.Credentials.Method,
		securityLevel: profile.SecurityLevel,
		status:        StatusConnecting,
		encrypted:     cfg.Encrypt,
		createdAt:     now,
		hbInterval:    hbInterval,
		maxQueue:      profile.MaxQueueSize,
		stopHB:        make(chan struct{}),
	}

	m.mu.Lock()
	if m.connecting[cfg.DeviceID] {
		m.mu.Unlock()
		return nil, &errdefs.ValidationError{Field: "device", Reason: "connection already in progress"}
	}
	m.connecting[cfg.DeviceID] = true
	m.byID[l.id] = l
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connecting, cfg.DeviceID)
		m.mu.Unlock()
	}()

	m.publish(l, "")
	m.audit(audit.Entry{
		Action: "session_connecting", ActorID: cfg.DeviceID, Severity: audit.SeverityLow,
		SessionID: l.id, IPAddress: cfg.Address,
		Metadata: map[string]string{"type": string(cfg.Type), "method": string(cfg.ConnectionMethod)},
	})

	l.transport = m.factory(cfg)

	dialErr := m.retry.do(ctx, "dial", func() error {
		if err := l.transport.Dial(ctx, cfg.Address, cfg.Port); err != nil {
			return &errdefs.ConnectionError{Op: "dial", Err: err}
		}
		return nil
	})
	if dialErr != nil {
		m.fail(l, "connection_failed", audit.SeverityMedium, dialErr)
		return nil, dialErr
	}

	if profile.SecurityLevel != LevelBasic {
		if err := l.transport.ValidateCertificate(ctx, cfg.DeviceID); err != nil {
			authErr := &errdefs.AuthenticationError{Method: string(AuthCertificate), Reason: err.Error()}
			m.fail(l, "auth_failure", audit.SeverityHigh, authErr)
			return nil, authErr
		}
	}

	key, err := cryptocore.NewSessionKey()
	if err != nil {
		m.fail(l, "connection_failed", audit.SeverityMedium, err)
		return nil, err
	}

	m.mu.Lock()
	l.key = key
	l.status = StatusAuthenticating
	m.mu.Unlock()
	m.publish(l, "")

	req, err := m.buildAuthRequest(cfg, l.id)
	if err != nil {
		m.fail(l, "auth_failure", audit.SeverityHigh, err)
		return nil, err
	}
	if err := l.transport.Authenticate(ctx, req); err != nil {
		authErr := &errdefs.AuthenticationError{Method: string(cfg.Credentials.Method), Reason: err.Error()}
		m.fail(l, "auth_failure", audit.SeverityHigh, authErr)
		return nil, authErr
	}

	// Connected. Supersede any previous session for this device and
	// the previously active session.
	var superseded []string
	m.mu.Lock()
	now = time.Now().UTC()
	l.status = StatusConnected
	l.lastAuth = now
	l.lastHeartbeat = now
	if prev, ok := m.byDevice[cfg.DeviceID]; ok && prev.id != l.id && prev.status == StatusConnected {
		superseded = append(superseded, prev.id)
	}
	if m.activeID != "" && m.activeID != l.id {
		if prev, ok := m.byID[m.activeID]; ok && prev.status == StatusConnected && prev.deviceID != cfg.DeviceID {
			superseded = append(superseded, prev.id)
		}
	}
	m.byDevice[cfg.DeviceID] = l
	m.activeID = l.id
	m.mu.Unlock()

	for _, id := range superseded {
		m.Terminate(id, ReasonSuperseded)
	}

	m.wg.Add(1)
	go m.heartbeatLoop(l)

	m.publish(l, "")
	m.audit(audit.Entry{
		Action: "session_connected", ActorID: cfg.DeviceID, Severity: audit.SeverityLow,
		SessionID: l.id, IPAddress: cfg.Address,
		Metadata: map[string]string{
			"auth_method":    string(cfg.Credentials.Method),
			"security_level": string(profile.SecurityLevel),
			"encrypted":      fmt.Sprintf("%t", cfg.Encrypt),
		},
	})
	m.log.Info().Str("session_id", l.id).Str("device_id", cfg.DeviceID).Str("level", string(profile.SecurityLevel)).Msg("session connected")

	snap := m.snapshot(l)
	return &snap, nil
}

func (m *Manager) buildAuthRequest(cfg Config, sessionID string) (AuthRequest, error) {
	req := AuthRequest{
		DeviceID:  cfg.DeviceID,
		SessionID: sessionID,
		Method:    cfg.Credentials.Method,
	}
	switch cfg.Credentials.Method {
	case AuthCertificate:
		if cfg.Credentials.Certificate == "" {
			return req, &errdefs.AuthenticationError{Method: string(AuthCertificate), Reason: "no certificate supplied"}
		}
		req.Certificate = cfg.Credentials.Certificate

	case AuthAPIKey:
		if !validAPIKeyFormat(cfg.Credentials.APIKey) {
			return req, &errdefs.AuthenticationError{Method: string(AuthAPIKey), Reason: "malformed api key"}
		}
		tok, err := m.crypto.IssueToken(cfg.DeviceID, "controller")
		if err != nil {
			return req, fmt.Errorf("issue session token: %w", err)
		}
		req.APIKey = cfg.Credentials.APIKey
		req.BearerToken = tok.Raw

	case AuthUsernamePassword:
		if cfg.Credentials.Username == "" || cfg.Credentials.Password == "" {
			return req, &errdefs.AuthenticationError{Method: string(AuthUsernamePassword), Reason: "missing credentials"}
		}
		sealed, err := m.crypto.Seal([]byte(cfg.Credentials.Password))
		if err != nil {
			return req, fmt.Errorf("seal password: %w", err)
		}
		req.Username = cfg.Credentials.Username
		req.PasswordCiphertext = sealed

	default:
		return req, &errdefs.ValidationError{Field: "authentication method", Reason: "unknown method " + string(cfg.Credentials.Method)}
	}
	return req, nil
}

func validAPIKeyFormat(key string) bool {
	return strings.HasPrefix(key, "rk_") && len(key) >= 20
}

// fail moves a session into Error status, zeroes its key, and records
// the stage.
func (m *Manager) fail(l *live, action string, severity audit.Severity, cause error) {
	m.mu.Lock()
	l.status = StatusError
	cryptocore.Zero(l.key)
	l.key = nil
	m.mu.Unlock()

	m.publish(l, cause.Error())
	m.audit(audit.Entry{
		Action: action, ActorID: l.deviceID, Severity: severity,
		SessionID: l.id,
		Metadata:  map[string]string{"error": cause.Error()},
	})
	m.log.Warn().Err(cause).Str("session_id", l.id).Str("device_id", l.deviceID).Msg("session failed")
}

// Disconnect terminates the device's current session.
func (m *Manager) Disconnect(deviceID string) error {
	m.mu.Lock()
	l, ok := m.byDevice[deviceID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return m.Terminate(l.id, ReasonDisconnect)
}

// Terminate ends a session: key material is zeroed synchronously so
// commands signed under the old key fail verification from this point
// on. Terminating an already-terminated session is a no-op.
func (m *Manager) Terminate(sessionID, reason string) error {
	m.mu.Lock()
	l, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if l.status == StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	wasConnected := l.status == StatusConnected
	l.status = StatusDisconnected
	cryptocore.Zero(l.key)
	l.key = nil
	if wasConnected {
		close(l.stopHB)
	}
	if m.activeID == sessionID {
		m.activeID = ""
	}
	if cur, ok := m.byDevice[l.deviceID]; ok && cur.id == sessionID {
		delete(m.byDevice, l.deviceID)
	}
	transport := l.transport
	m.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("transport close failed")
		}
	}
	if m.policy != nil {
		m.policy.RevokeCSRFTokens(sessionID)
	}

	severity := audit.SeverityLow
	switch reason {
	case ReasonHeartbeatTimeout, ReasonSessionExpired:
		severity = audit.SeverityMedium
	}
	m.publish(l, reason)
	m.audit(audit.Entry{
		Action: "session_terminated", ActorID: l.deviceID, Severity: severity,
		SessionID: sessionID,
		Metadata:  map[string]string{"reason": reason},
	})
	m.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("session terminated")
	return nil
}

func (m *Manager) heartbeatLoop(l *live) {
	defer m.wg.Done()
	ticker := time.NewTicker(l.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopHB:
			return
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.hbInterval)
			err := l.transport.Heartbeat(ctx, l.id)
			cancel()

			m.mu.Lock()
			if l.status != StatusConnected {
				m.mu.Unlock()
				return
			}
			if err == nil {
				l.lastHeartbeat = time.Now().UTC()
				m.mu.Unlock()
				m.publish(l, "heartbeat")
				continue
			}
			stale := time.Since(l.lastHeartbeat) > 3*l.hbInterval
			m.mu.Unlock()

			m.log.Warn().Err(err).Str("session_id", l.id).Bool("stale", stale).Msg("heartbeat failed")
			if stale {
				if terr := m.Terminate(l.id, ReasonHeartbeatTimeout); terr != nil && !errors.Is(terr, ErrNotFound) {
					m.log.Error().Err(terr).Str("session_id", l.id).Msg("failed to terminate stale session")
				}
				return
			}
		}
	}
}

// sweep terminates sessions whose last authentication is older than
// the configured maximum, regardless of heartbeat health, and prunes
// terminated records of the same age.
func (m *Manager) sweep() {
	cutoff := time.Now().UTC().Add(-m.cfg.MaxSessionAge)
	m.mu.Lock()
	var expired []string
	for id, l := range m.byID {
		switch l.status {
		case StatusConnected:
			if l.lastAuth.Before(cutoff) {
				expired = append(expired, id)
			}
		case StatusDisconnected, StatusError:
			if l.createdAt.Before(cutoff) {
				delete(m.byID, id)
			}
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		if err := m.Terminate(id, ReasonSessionExpired); err != nil && !errors.Is(err, ErrNotFound) {
			m.log.Error().Err(err).Str("session_id", id).Msg("failed to expire session")
		}
	}
}

// Active returns the designated active session, which must be
// connected.
func (m *Manager) Active() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return nil, ErrNoActiveSession
	}
	l, ok := m.byID[m.activeID]
	if !ok || l.status != StatusConnected {
		return nil, ErrNoActiveSession
	}
	snap := m.snapshot(l)
	return &snap, nil
}

// Get looks up the device's current session.
func (m *Manager) Get(deviceID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byDevice[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	snap := m.snapshot(l)
	return &snap, nil
}

// Sessions lists every tracked session.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.byID))
	for _, l := range m.byID {
		out = append(out, m.snapshot(l))
	}
	return out
}

// Key returns a copy of the session key. Only connected sessions have
// key material; a terminated session yields a session error, which is
// how commands signed under a stale key get rejected.
func (m *Manager) Key(sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byID[sessionID]
	if !ok || l.status != StatusConnected || l.key == nil {
		return nil, &errdefs.SessionError{SessionID: sessionID, Reason: "not connected"}
	}
	return append([]byte(nil), l.key...), nil
}

// Execute delivers a payload over the session's transport.
func (m *Manager) Execute(ctx context.Context, sessionID string, payload []byte) error {
	m.mu.Lock()
	l, ok := m.byID[sessionID]
	if !ok || l.status != StatusConnected {
		m.mu.Unlock()
		return &errdefs.SessionError{SessionID: sessionID, Reason: "not connected"}
	}
	transport := l.transport
	m.mu.Unlock()
	return transport.Execute(ctx, payload)
}

// SubscribeStatus returns the lifecycle/heartbeat event stream.
func (m *Manager) SubscribeStatus() (<-chan StatusEvent, func()) {
	return m.status.Subscribe()
}

func (m *Manager) snapshot(l *live) Snapshot {
	return Snapshot{
		ID:                 l.id,
		DeviceID:           l.deviceID,
		DeviceType:         l.deviceType,
		AuthMethod:         l.authMethod,
		SecurityLevel:      l.securityLevel,
		Status:             l.status,
		Encrypted:          l.encrypted,
		CreatedAt:          l.createdAt,
		LastAuthentication: l.lastAuth,
		LastHeartbeat:      l.lastHeartbeat,
		HeartbeatInterval:  l.hbInterval,
		MaxQueueSize:       l.maxQueue,
	}
}

func (m *Manager) publish(l *live, reason string) {
	m.mu.Lock()
	ev := StatusEvent{
		SessionID: l.id,
		DeviceID:  l.deviceID,
		Status:    l.status,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	m.mu.Unlock()
	m.status.Publish(ev)
}

func (m *Manager) audit(entry audit.Entry) {
	if m.ledger == nil {
		return
	}
	if _, err := m.ledger.Log(entry); err != nil {
		m.log.Error().Err(err).Str("action", entry.Action).Msg("failed to audit session event")
	}
}
