package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/teleguard/teleguard/pkg/cryptocore"
	"github.com/teleguard/teleguard/pkg/errdefs"
)

type managerEnv struct {
	manager *Manager
	sim     *SimTransport
}

func newTestManager(t *testing.T, cfg ManagerConfig) *managerEnv {
	t.Helper()
	sim := NewSimTransport()
	env := &managerEnv{sim: sim}
	env.manager = newTestManagerWithFactory(t, cfg, SimFactory(sim))
	return env
}

func newTestManagerWithFactory(t *testing.T, cfg ManagerConfig, factory TransportFactory) *Manager {
	t.Helper()
	crypto, err := cryptocore.NewServiceWithKey(make([]byte, cryptocore.KeySize), zerolog.Nop())
	require.NoError(t, err)
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = time.Millisecond
		cfg.RetryMax = 5 * time.Millisecond
	}
	m := NewManager(crypto, nil, nil, factory, cfg, zerolog.Nop())
	t.Cleanup(m.Close)
	return m
}

func customConfig(deviceID string) Config {
	return Config{
		DeviceID:         deviceID,
		Type:             DeviceCustom,
		ConnectionMethod: MethodWiFi,
		Address:          "192.168.1.50",
		Port:             9090,
		Credentials:      Credentials{Method: AuthAPIKey, APIKey: "rk_0123456789abcdef0123"},
	}
}

func TestConnectLifecycle(t *testing.T) {
	env := newTestManager(t, ManagerConfig{})

	snap, err := env.manager.Connect(context.Background(), customConfig("arm-01"))
	require.NoError(t, err)
	require.Equal(t, StatusConnected, snap.Status)
	require.Equal(t, DeviceCustom, snap.DeviceType)
	require.Equal(t, LevelBasic, snap.SecurityLevel)
	require.NotEmpty(t, snap.ID)
	require.Equal(t, 128, snap.MaxQueueSize)

	active, err := env.manager.Active()
	require.NoError(t, err)
	require.Equal(t, snap.ID, active.ID)

	key, err := env.manager.Key(snap.ID)
	require.NoError(t, err)
	require.Len(t, key, cryptocore.KeySize)

	got, err := env.manager.Get("arm-01")
	require.NoError(t, err)
	require.Equal(t, snap.ID, got.ID)
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	env := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	cfg := customConfig("arm-01")
	cfg.ConnectionMethod = "carrier-pigeon"
	_, err := env.manager.Connect(ctx, cfg)
	var verr *errdefs.ValidationError
	require.ErrorAs(t, err, &verr)

	cfg = customConfig("arm-01")
	cfg.Type = "roomba"
	_, err = env.manager.Connect(ctx, cfg)
	require.ErrorAs(t, err, &verr)

	// Custom devices never accept certificates.
	cfg = customConfig("arm-01")
	cfg.Credentials = Credentials{Method: AuthCertificate, Certificate: "pem"}
	_, err = env.manager.Connect(ctx, cfg)
	require.ErrorAs(t, err, &verr)
}

func TestConnectMalformedAPIKey(t *testing.T) {
	env := newTestManager(t, ManagerConfig{})

	cfg := customConfig("arm-01")
	cfg.Credentials.APIKey = "short"
	_, err := env.manager.Connect(context.Background(), cfg)
	var aerr *errdefs.AuthenticationError
	require.ErrorAs(t, err, &aerr)

	_, err = env.manager.Active()
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestConnectCertificateCheckFailure(t *testing.T) {
	env := newTestManager(t, ManagerConfig{})
	env.sim.CertErr = errors.New("certificate expired")

	cfg := Config{
		DeviceID:         "g1-01",
		Type:             DeviceUnitreeG1,
		ConnectionMethod: MethodEthernet,
		Address:          "10.0.0.7",
		Port:             8443,
		Credentials:      Credentials{Method: AuthCertificate, Certificate: "pem"},
	}
	_, err := env.manager.Connect(context.Background(), cfg)
	var aerr *errdefs.AuthenticationError
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, string(AuthCertificate), aerr.Method)
}

func TestConnectAuthenticateFailure(t *testing.T) {
	env := newTestManager(t, ManagerConfig{})
	env.sim.AuthErr = errors.New("device rejected key")

	_, err := env.manager.Connect(context.Background(), customConfig("arm-01"))
	var aerr *errdefs.AuthenticationError
	require.ErrorAs(t, err, &aerr)
}

func TestDialRetriesTransientFailures(t *testing.T) {
	env := newTestManager(t, ManagerConfig{RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond, RetryMaxAttempts: 3})
	env.sim.DialErr = errors.New("connection refused")
	env.sim.DialFailures = 2

	snap, err := env.manager.Connect(context.Background(), customConfig("arm-01"))
	require.NoError(t, err)
	require.Equal(t, StatusConnected, snap.Status)
	require.Equal(t, 3, env.sim.DialCount())
}

func TestDialExhaustsRetries(t *testing.T) {
	env := newTestManager(t, ManagerConfig{RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond, RetryMaxAttempts: 2})
	env.sim.DialErr = errors.New("connection refused")
	env.sim.DialFailures = 10

	_, err := env.manager.Connect(context.Background(), customConfig("arm-01"))
	require.Error(t, err)
	require.True(t, errdefs.IsRetryable(err))
	require.Equal(t, 2, env.sim.DialCount())

	_, err = env.manager.Get("arm-01")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewConnectionSupersedesActive(t *testing.T) {
	sims := map[string]*SimTransport{
		"arm-01": NewSimTransport(),
		"arm-02": NewSimTransport(),
	}
	m := newTestManagerWithFactory(t, ManagerConfig{}, func(cfg Config) Transport {
		return sims[cfg.DeviceID]
	})

	events, cancel := m.SubscribeStatus()
	defer cancel()

	first, err := m.Connect(context.Background(), customConfig("arm-01"))
	require.NoError(t, err)
	second, err := m.Connect(context.Background(), customConfig("arm-02"))
	require.NoError(t, err)

	active, err := m.Active()
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)

	_, err = m.Key(first.ID)
	var serr *errdefs.SessionError
	require.ErrorAs(t, err, &serr)

	_, err = m.Get("arm-01")
	require.ErrorIs(t, err, ErrNotFound)

	var sawSuperseded bool
	deadline := time.After(time.Second)
	for !sawSuperseded {
		select {
		case ev := <-events:
			if ev.SessionID == first.ID && ev.Status == StatusDisconnected && ev.Reason == ReasonSuperseded {
				sawSuperseded = true
			}
		case <-deadline:
			t.Fatal("no superseded event observed")
		}
	}
}

func TestTerminateZerosKeyAndIsIdempotent(t *testing.T) {
	env := newTestManager(t, ManagerConfig{})

	snap, err := env.manager.Connect(context.Background(), customConfig("arm-01"))
	require.NoError(t, err)

	_, err = env.manager.Key(snap.ID)
	require.NoError(t, err)

	require.NoError(t, env.manager.Terminate(snap.ID, ReasonDisconnect))

	_, err = env.manager.Key(snap.ID)
	var serr *errdefs.SessionError
	require.ErrorAs(t, err, &serr)

	// Second terminate is a no-op, not a double close.
	require.NoError(t, env.manager.Terminate(snap.ID, ReasonDisconnect))

	_, err = env.manager.Active()
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestHeartbeatTimeoutTerminatesSession(t *testing.T) {
	env := newTestManager(t, ManagerConfig{HeartbeatInterval: 10 * time.Millisecond})

	snap, err := env.manager.Connect(context.Background(), customConfig("arm-01"))
	require.NoError(t, err)

	env.sim.SetHeartbeatErr(errors.New("device unreachable"))

	require.Eventually(t, func() bool {
		_, err := env.manager.Get("arm-01")
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = env.manager.Key(snap.ID)
	require.Error(t, err)
}

func TestSweepExpiresAgedSessions(t *testing.T) {
	env := newTestManager(t, ManagerConfig{MaxSessionAge: 30 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	env.manager.Start()

	_, err := env.manager.Connect(context.Background(), customConfig("arm-01"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := env.manager.Get("arm-01")
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteDeliversPayload(t *testing.T) {
	env := newTestManager(t, ManagerConfig{})

	snap, err := env.manager.Connect(context.Background(), customConfig("arm-01"))
	require.NoError(t, err)

	require.NoError(t, env.manager.Execute(context.Background(), snap.ID, []byte(`{"type":"move"}`)))
	require.Len(t, env.sim.Executed(), 1)

	require.NoError(t, env.manager.Terminate(snap.ID, ReasonDisconnect))
	err = env.manager.Execute(context.Background(), snap.ID, []byte(`{"type":"move"}`))
	var serr *errdefs.SessionError
	require.ErrorAs(t, err, &serr)
}

type recordingTransport struct {
	*SimTransport
	lastAuth AuthRequest
}

func (t *recordingTransport) Authenticate(ctx context.Context, req AuthRequest) error {
	t.lastAuth = req
	return t.SimTransport.Authenticate(ctx, req)
}

func TestPasswordsAreSealedBeforeTransport(t *testing.T) {
	rec := &recordingTransport{SimTransport: NewSimTransport()}
	m := newTestManagerWithFactory(t, ManagerConfig{}, func(Config) Transport { return rec })

	cfg := customConfig("arm-01")
	cfg.Credentials = Credentials{Method: AuthUsernamePassword, Username: "operator", Password: "hunter2"}
	_, err := m.Connect(context.Background(), cfg)
	require.NoError(t, err)

	require.Equal(t, "operator", rec.lastAuth.Username)
	require.NotNil(t, rec.lastAuth.PasswordCiphertext)
	require.NotContains(t, string(rec.lastAuth.PasswordCiphertext.Ciphertext), "hunter2")
}
