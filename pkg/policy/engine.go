// Package policy implements the adaptive security policy engine:
// per-actor rate limiting with IP blocking, anti-forgery tokens bound
// to a user and session, and a heuristic suspicious-activity scorer.
// Findings are mirrored into the audit ledger, which owns alerting.
package policy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teleguard/teleguard/pkg/audit"
)

// Rule bounds how many requests one actor may make per window for one
// action.
type Rule struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// Config carries the engine's tunables. Zero values fall back to the
// defaults in DefaultConfig.
type Config struct {
	DefaultRule    Rule
	Rules          map[string]Rule
	BlockThreshold int           // violations before an IP block
	BlockDuration  time.Duration // how long a blocked IP stays blocked
	SweepInterval  time.Duration
	CSRFTokenTTL   time.Duration

	SuspicionThreshold float64 // score that flags activity as suspicious
	CriticalThreshold  float64 // score that escalates severity to critical
	OffHoursStart      int     // hour of day, inclusive
	OffHoursEnd        int     // hour of day, exclusive
}

func DefaultConfig() Config {
	return Config{
		DefaultRule:        Rule{Window: time.Minute, MaxRequests: 60},
		BlockThreshold:     5,
		BlockDuration:      time.Hour,
		SweepInterval:      5 * time.Minute,
		CSRFTokenTTL:       time.Hour,
		SuspicionThreshold: 0.6,
		CriticalThreshold:  0.8,
		OffHoursStart:      23,
		OffHoursEnd:        6,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DefaultRule.Window <= 0 || c.DefaultRule.MaxRequests <= 0 {
		c.DefaultRule = def.DefaultRule
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = def.BlockThreshold
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = def.BlockDuration
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.CSRFTokenTTL <= 0 {
		c.CSRFTokenTTL = def.CSRFTokenTTL
	}
	if c.SuspicionThreshold <= 0 {
		c.SuspicionThreshold = def.SuspicionThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = def.CriticalThreshold
	}
	if c.OffHoursStart == 0 && c.OffHoursEnd == 0 {
		c.OffHoursStart = def.OffHoursStart
		c.OffHoursEnd = def.OffHoursEnd
	}
}

type rateRecord struct {
	count      int
	resetAt    time.Time
	violations int
}

type blockEntry struct {
	reason    string
	expiresAt time.Time
}

type csrfRecord struct {
	userID    string
	sessionID string
	expiresAt time.Time
}

type actionStamp struct {
	action string
	at     time.Time
}

// Engine holds all ephemeral policy state behind one mutex. The state
// is swept periodically; nothing here is durable.
type Engine struct {
	mu      sync.Mutex
	records map[string]*rateRecord // actor|action
	blocked map[string]blockEntry  // ip
	tokens  map[string]csrfRecord  // token value
	recent  map[string][]actionStamp
	userIPs map[string]map[string]time.Time

	cfg    Config
	ledger *audit.Ledger
	log    zerolog.Logger
	clock  func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

func NewEngine(cfg Config, ledger *audit.Ledger, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		records: make(map[string]*rateRecord),
		blocked: make(map[string]blockEntry),
		tokens:  make(map[string]csrfRecord),
		recent:  make(map[string][]actionStamp),
		userIPs: make(map[string]map[string]time.Time),
		cfg:     cfg,
		ledger:  ledger,
		log:     logger.With().Str("component", "policy").Logger(),
		clock:   time.Now,
		done:    make(chan struct{}),
	}
}

// Start launches the periodic sweep. Close stops it.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.done:
				return
			case <-ticker.C:
				e.Sweep()
			}
		}
	}()
}

func (e *Engine) Close() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	e.wg.Wait()
}

// Sweep purges expired rate-limit windows, anti-forgery tokens, IP
// blocks, and stale activity traces.
func (e *Engine) Sweep() {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, rec := range e.records {
		if now.After(rec.resetAt) && rec.violations == 0 {
			delete(e.records, key)
		}
	}
	for token, rec := range e.tokens {
		if now.After(rec.expiresAt) {
			delete(e.tokens, token)
		}
	}
	for ip, be := range e.blocked {
		if now.After(be.expiresAt) {
			delete(e.blocked, ip)
		}
	}
	for actor, stamps := range e.recent {
		kept := stamps[:0]
		for _, s := range stamps {
			if now.Sub(s.at) <= repeatWindow {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(e.recent, actor)
		} else {
			e.recent[actor] = kept
		}
	}
	for actor, ips := range e.userIPs {
		for ip, seen := range ips {
			if now.Sub(seen) > repeatWindow {
				delete(ips, ip)
			}
		}
		if len(ips) == 0 {
			delete(e.userIPs, actor)
		}
	}
}

// Stats reports current table sizes, mainly for health endpoints.
type Stats struct {
	RateRecords int `json:"rate_records"`
	BlockedIPs  int `json:"blocked_ips"`
	CSRFTokens  int `json:"csrf_tokens"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		RateRecords: len(e.records),
		BlockedIPs:  len(e.blocked),
		CSRFTokens:  len(e.tokens),
	}
}

func (e *Engine) audit(entry audit.Entry) {
	if e.ledger == nil {
		return
	}
	if _, err := e.ledger.Log(entry); err != nil {
		e.log.Error().Err(err).Str("action", entry.Action).Msg("failed to audit policy event")
	}
}
