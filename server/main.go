package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/teleguard/teleguard/pkg/audit"
	"github.com/teleguard/teleguard/pkg/command"
	"github.com/teleguard/teleguard/pkg/config"
	"github.com/teleguard/teleguard/pkg/cryptocore"
	"github.com/teleguard/teleguard/pkg/policy"
	"github.com/teleguard/teleguard/pkg/session"
	"github.com/teleguard/teleguard/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/etc/teleguard/teleguard.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	Version    = "dev"
)

// Server bundles the subsystem services behind the HTTP facade.
type Server struct {
	db       *gorm.DB
	crypto   *cryptocore.Service
	ledger   *audit.Ledger
	policy   *policy.Engine
	sessions *session.Manager
	pipeline *command.Pipeline
	metrics  *telemetry.Metrics
	log      zerolog.Logger
}

func main() {
	flag.Parse()

	bootLog := zerolog.New(os.Stderr)
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	if err := cfg.Validate(); err != nil {
		bootLog.Fatal().Err(err).Msg("invalid config")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("teleguard server starting")

	ctx := context.Background()
	provider, err := telemetry.SetupTracing(ctx, "teleguard-server", Version,
		cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio, cfg.Tracing.LogSpans)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	srv, err := buildServer(cfg, session.SimFactory(session.NewSimTransport()), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}
	defer srv.Close()
	srv.Start()

	registry := prometheus.NewRegistry()
	if err := srv.metrics.Register(registry); err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(logger))
	srv.registerRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.RequestTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
}

// buildServer wires every service from config. The transport factory
// is a parameter so tests can inject their own.
func buildServer(cfg *config.Config, factory session.TransportFactory, logger zerolog.Logger) (*Server, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Storage.DatabasePath), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	store := cryptocore.NewKeyStore(cfg.Storage.KeyStorePath)
	crypto, err := cryptocore.NewService(store, logger)
	if err != nil {
		return nil, err
	}

	matcher := &audit.DefaultMatcher{
		AuthFailureThreshold: int64(cfg.Audit.AuthFailureThreshold),
		AuthFailureWindow:    time.Duration(cfg.Audit.AuthFailureWindowS) * time.Second,
	}
	ledger, err := audit.NewLedger(db, crypto, matcher, logger)
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics()
	ledger.SetMetrics(metrics)

	rules := make(map[string]policy.Rule, len(cfg.Policy.Rules))
	for action, rule := range cfg.Policy.Rules {
		rules[action] = policy.Rule{
			Window:      time.Duration(rule.WindowMs) * time.Millisecond,
			MaxRequests: rule.MaxRequests,
		}
	}
	engine := policy.NewEngine(policy.Config{
		DefaultRule: policy.Rule{
			Window:      time.Duration(cfg.Policy.DefaultWindowMs) * time.Millisecond,
			MaxRequests: cfg.Policy.DefaultMaxRequests,
		},
		Rules:          rules,
		BlockThreshold: cfg.Policy.BlockThreshold,
		BlockDuration:  time.Duration(cfg.Policy.BlockDurationS) * time.Second,
		SweepInterval:  time.Duration(cfg.Policy.SweepIntervalS) * time.Second,
		CSRFTokenTTL:   time.Duration(cfg.Policy.CSRFTokenTTLS) * time.Second,
		OffHoursStart:  cfg.Policy.OffHoursStart,
		OffHoursEnd:    cfg.Policy.OffHoursEnd,
	}, ledger, logger)

	sessions := session.NewManager(crypto, engine, ledger, factory, session.ManagerConfig{
		MaxSessionAge:    time.Duration(cfg.Session.MaxAgeS) * time.Second,
		SweepInterval:    time.Duration(cfg.Session.SweepIntervalS) * time.Second,
		RetryInitial:     time.Duration(cfg.Session.RetryInitialMs) * time.Millisecond,
		RetryMax:         time.Duration(cfg.Session.RetryMaxMs) * time.Millisecond,
		RetryMaxAttempts: cfg.Session.RetryMaxAttempts,
	}, logger)

	pipeline := command.NewPipeline(sessions, engine, ledger, command.Config{
		PollInterval: time.Duration(cfg.Pipeline.PollIntervalMs) * time.Millisecond,
		QueueSize:    cfg.Pipeline.QueueSize,
	}, logger)

	return &Server{
		db:       db,
		crypto:   crypto,
		ledger:   ledger,
		policy:   engine,
		sessions: sessions,
		pipeline: pipeline,
		metrics:  metrics,
		log:      logger,
	}, nil
}

// Start launches the background loops.
func (s *Server) Start() {
	s.policy.Start()
	s.sessions.Start()
	s.pipeline.Start()
}

func (s *Server) Close() {
	s.pipeline.Close()
	s.sessions.Close()
	s.policy.Close()
	s.ledger.Close()
}

func (s *Server) registerRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")

	v1.POST("/sessions", s.handleConnect)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/active", s.getActiveSession)
	v1.DELETE("/sessions/:device", s.handleDisconnect)

	v1.POST("/csrf", s.issueCSRFToken)
	v1.POST("/commands", s.handleSubmit)
	v1.POST("/emergency-stop", s.handleEmergencyStop)

	v1.GET("/audit/events", s.listAuditEvents)
	v1.GET("/audit/export", s.exportAudit)
	v1.POST("/audit/verify", s.verifyAudit)

	v1.GET("/alerts", s.listAlerts)
	v1.POST("/alerts/:id/resolve", s.resolveAlert)

	v1.GET("/events", s.streamEvents)
	v1.GET("/health", s.handleHealth)
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.JSON || !cfg.HumanReadable {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
