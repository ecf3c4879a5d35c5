package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/teleguard/teleguard/pkg/audit"
	"github.com/teleguard/teleguard/pkg/cryptocore"
	"github.com/teleguard/teleguard/pkg/errdefs"
	"github.com/teleguard/teleguard/pkg/events"
	"github.com/teleguard/teleguard/pkg/policy"
	"github.com/teleguard/teleguard/pkg/session"
)

// Sessions is the slice of the session manager the pipeline needs.
type Sessions interface {
	Active() (*session.Snapshot, error)
	Key(sessionID string) ([]byte, error)
	Execute(ctx context.Context, sessionID string, payload []byte) error
}

// Stage tags one point in a command's life for event subscribers.
type Stage string

const (
	StageQueued    Stage = "queued"
	StageEvicted   Stage = "evicted"
	StageExecuting Stage = "executing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageRejected  Stage = "rejected"
	StageEmergency Stage = "emergency_stop"
)

// Event reports command progress on the pipeline's event stream.
type Event struct {
	CommandID string    `json:"command_id"`
	Stage     Stage     `json:"stage"`
	Type      Type      `json:"type"`
	Priority  Priority  `json:"priority"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type Config struct {
	// PollInterval is the consumer cadence.
	PollInterval time.Duration
	// QueueSize overrides the session profile's maximum when set.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
}

// Pipeline owns the bounded FIFO command queue and its single
// consumer. Producers may submit concurrently; the mutex keeps
// submission order authoritative.
type Pipeline struct {
	mu    sync.Mutex
	queue []*Command

	sessions Sessions
	policy   *policy.Engine
	ledger   *audit.Ledger
	bus      *events.Bus[Event]
	cfg      Config
	log      zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func NewPipeline(sessions Sessions, pol *policy.Engine, ledger *audit.Ledger, cfg Config, logger zerolog.Logger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		sessions: sessions,
		policy:   pol,
		ledger:   ledger,
		bus:      events.NewBus[Event](64),
		cfg:      cfg,
		log:      logger.With().Str("component", "pipeline").Logger(),
		done:     make(chan struct{}),
	}
}

// Start launches the consumer loop.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				p.step(context.Background())
			}
		}
	}()
}

func (p *Pipeline) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()
	p.bus.Close()
}

// Submit validates an action against the fixed action table, binds a
// signed command to the active session, and enqueues it. The queue is
// bounded by the device profile; when full the oldest command is
// evicted so fresh input is never the one dropped.
func (p *Pipeline) Submit(action Action) (string, error) {
	def, err := resolve(action)
	if err != nil {
		return "", err
	}

	snap, err := p.sessions.Active()
	if err != nil {
		return "", err
	}

	if p.policy != nil {
		if d := p.policy.CheckRateLimit(snap.DeviceID, action.Type, ""); !d.Allowed {
			return "", &errdefs.RateLimitError{Action: action.Type, ResetAt: d.ResetAt, Blocked: d.Blocked}
		}
		p.policy.ScoreActivity(snap.DeviceID, action.Type, "", stringify(action.Parameters))
	}

	key, err := p.sessions.Key(snap.ID)
	if err != nil {
		return "", err
	}
	defer cryptocore.Zero(key)

	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	cmd := &Command{
		ID:                xid.New().String(),
		SessionID:         snap.ID,
		Type:              def.command,
		Priority:          PriorityFor(action.Confidence),
		Nonce:             nonce,
		CreatedAt:         time.Now().UTC(),
		EstimatedDuration: def.duration,
	}
	if snap.Encrypted {
		plain, err := json.Marshal(action.Parameters)
		if err != nil {
			return "", fmt.Errorf("marshal parameters: %w", err)
		}
		sealed, err := cryptocore.Encrypt(plain, key)
		if err != nil {
			return "", fmt.Errorf("encrypt parameters: %w", err)
		}
		cmd.Sealed = sealed
	} else {
		cmd.Parameters = action.Parameters
	}
	cmd.Sign(key)

	maxQueue := snap.MaxQueueSize
	if p.cfg.QueueSize > 0 {
		maxQueue = p.cfg.QueueSize
	}

	var evicted *Command
	p.mu.Lock()
	if maxQueue > 0 && len(p.queue) >= maxQueue {
		evicted = p.queue[0]
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, cmd)
	p.mu.Unlock()

	if evicted != nil {
		p.publish(evicted, StageEvicted, "queue full")
		p.audit(audit.Entry{
			Action: "command_evicted", ActorID: snap.DeviceID, Severity: audit.SeverityLow,
			SessionID: snap.ID,
			Metadata:  map[string]string{"command_id": evicted.ID, "type": string(evicted.Type)},
		})
	}

	p.publish(cmd, StageQueued, "")
	p.audit(audit.Entry{
		Action: "command_submitted", ActorID: snap.DeviceID, Severity: audit.SeverityLow,
		SessionID: snap.ID,
		Metadata: map[string]string{
			"command_id": cmd.ID,
			"type":       string(cmd.Type),
			"priority":   string(cmd.Priority),
		},
	})
	p.log.Debug().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Str("priority", string(cmd.Priority)).Msg("command queued")
	return cmd.ID, nil
}

// step dequeues and executes at most one command. The signature is
// re-verified against the current session key at execution time, so a
// command signed under a terminated session's key is rejected here no
// matter how it got queued.
func (p *Pipeline) step(ctx context.Context) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	cmd := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	key, err := p.sessions.Key(cmd.SessionID)
	if err != nil {
		p.publish(cmd, StageRejected, "session key unavailable")
		p.audit(audit.Entry{
			Action: "command_rejected", Severity: audit.SeverityMedium,
			SessionID: cmd.SessionID,
			Metadata:  map[string]string{"command_id": cmd.ID, "reason": "session key unavailable"},
		})
		return
	}
	defer cryptocore.Zero(key)

	if !cmd.Verify(key) {
		sigErr := &errdefs.SignatureError{Subject: "command " + cmd.ID}
		p.publish(cmd, StageRejected, sigErr.Error())
		p.audit(audit.Entry{
			Action: "command_rejected", Severity: audit.SeverityHigh,
			SessionID: cmd.SessionID,
			Metadata:  map[string]string{"command_id": cmd.ID, "reason": "signature mismatch"},
		})
		p.log.Warn().Str("command_id", cmd.ID).Msg("dropping command with invalid signature")
		return
	}

	p.publish(cmd, StageExecuting, "")
	payload, err := json.Marshal(cmd)
	if err == nil {
		err = p.sessions.Execute(ctx, cmd.SessionID, payload)
	}
	if err != nil {
		p.publish(cmd, StageFailed, err.Error())
		p.audit(audit.Entry{
			Action: "command_failed", Severity: audit.SeverityMedium,
			SessionID: cmd.SessionID,
			Metadata:  map[string]string{"command_id": cmd.ID, "error": err.Error()},
		})
		p.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("command execution failed")
		return
	}
	p.publish(cmd, StageCompleted, "")
	p.audit(audit.Entry{
		Action: "command_executed", Severity: audit.SeverityLow,
		SessionID: cmd.SessionID,
		Metadata:  map[string]string{"command_id": cmd.ID, "type": string(cmd.Type)},
	})
}

// EmergencyStop purges the queue and delivers one signed stop command
// out-of-band at emergency priority. It never goes through the
// consumer and works even while the consumer is mid-execution.
func (p *Pipeline) EmergencyStop(ctx context.Context) error {
	p.mu.Lock()
	purged := len(p.queue)
	p.queue = nil
	p.mu.Unlock()

	p.audit(audit.Entry{
		Action: "emergency_stop", Severity: audit.SeverityCritical,
		Metadata: map[string]string{"purged": fmt.Sprintf("%d", purged)},
	})
	p.log.Warn().Int("purged", purged).Msg("emergency stop")

	snap, err := p.sessions.Active()
	if err != nil {
		// Nothing connected: the purge is the whole job.
		return nil
	}
	key, err := p.sessions.Key(snap.ID)
	if err != nil {
		return err
	}
	defer cryptocore.Zero(key)

	nonce, err := newNonce()
	if err != nil {
		return err
	}
	stop := &Command{
		ID:                xid.New().String(),
		SessionID:         snap.ID,
		Type:              TypeStop,
		Priority:          PriorityEmergency,
		Nonce:             nonce,
		CreatedAt:         time.Now().UTC(),
		EstimatedDuration: 500 * time.Millisecond,
	}
	stop.Sign(key)

	payload, err := json.Marshal(stop)
	if err != nil {
		return fmt.Errorf("marshal stop command: %w", err)
	}
	if err := p.sessions.Execute(ctx, snap.ID, payload); err != nil {
		p.publish(stop, StageFailed, err.Error())
		return fmt.Errorf("execute emergency stop: %w", err)
	}
	p.publish(stop, StageEmergency, "")
	return nil
}

// Pending reports the queue depth.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Subscribe returns the command progress stream.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	return p.bus.Subscribe()
}

func (p *Pipeline) publish(cmd *Command, stage Stage, errMsg string) {
	p.bus.Publish(Event{
		CommandID: cmd.ID,
		Stage:     stage,
		Type:      cmd.Type,
		Priority:  cmd.Priority,
		Error:     errMsg,
		At:        time.Now().UTC(),
	})
}

func (p *Pipeline) audit(entry audit.Entry) {
	if p.ledger == nil {
		return
	}
	if _, err := p.ledger.Log(entry); err != nil {
		p.log.Error().Err(err).Str("action", entry.Action).Msg("failed to audit command event")
	}
}

func stringify(params map[string]any) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
