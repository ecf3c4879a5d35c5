package session

import (
	"context"
	"sync"
	"time"
)

// SimTransport is an in-process transport for demos and tests. Failure
// injection is explicit per stage rather than probabilistic, so every
// error branch can be forced deterministically.
type SimTransport struct {
	mu sync.Mutex

	DialErr      error
	CertErr      error
	AuthErr      error
	HeartbeatErr error
	ExecErr      error

	DialDelay time.Duration
	ExecDelay time.Duration

	// DialFailures makes the first N dials fail with DialErr before
	// succeeding, for exercising the retry path.
	DialFailures int

	dialCount int
	executed  [][]byte
	closed    bool
}

func NewSimTransport() *SimTransport {
	return &SimTransport{}
}

// SimFactory returns the same transport for every connection attempt.
func SimFactory(tr *SimTransport) TransportFactory {
	return func(Config) Transport { return tr }
}

func (t *SimTransport) Dial(ctx context.Context, address string, port int) error {
	if err := t.wait(ctx, t.DialDelay); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialCount++
	if t.DialFailures > 0 && t.dialCount <= t.DialFailures {
		return t.DialErr
	}
	if t.DialFailures == 0 && t.DialErr != nil {
		return t.DialErr
	}
	return nil
}

func (t *SimTransport) ValidateCertificate(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CertErr
}

func (t *SimTransport) Authenticate(ctx context.Context, req AuthRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AuthErr
}

func (t *SimTransport) Heartbeat(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.HeartbeatErr
}

func (t *SimTransport) Execute(ctx context.Context, payload []byte) error {
	if err := t.wait(ctx, t.ExecDelay); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ExecErr != nil {
		return t.ExecErr
	}
	t.executed = append(t.executed, append([]byte(nil), payload...))
	return nil
}

func (t *SimTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Executed returns copies of every payload delivered so far.
func (t *SimTransport) Executed() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.executed))
	copy(out, t.executed)
	return out
}

// DialCount reports how many dial attempts were made.
func (t *SimTransport) DialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialCount
}

// SetHeartbeatErr toggles heartbeat failures at runtime.
func (t *SimTransport) SetHeartbeatErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.HeartbeatErr = err
}

// SetExecErr toggles execution failures at runtime.
func (t *SimTransport) SetExecErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ExecErr = err
}

func (t *SimTransport) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
