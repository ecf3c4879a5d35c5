package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/teleguard/teleguard/pkg/audit"
	"github.com/teleguard/teleguard/pkg/command"
	"github.com/teleguard/teleguard/pkg/errdefs"
	"github.com/teleguard/teleguard/pkg/session"
	"github.com/teleguard/teleguard/pkg/telemetry"
)

type connectRequest struct {
	DeviceID         string             `json:"device_id" binding:"required"`
	Type             string             `json:"type" binding:"required"`
	ConnectionMethod string             `json:"connection_method" binding:"required"`
	Address          string             `json:"address" binding:"required"`
	Port             int                `json:"port"`
	Encrypt          bool               `json:"encrypt"`
	Credentials      credentialsPayload `json:"credentials" binding:"required"`
}

type credentialsPayload struct {
	Method      string `json:"method" binding:"required"`
	Certificate string `json:"certificate,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
}

type submitRequest struct {
	UserID    string         `json:"user_id" binding:"required"`
	CSRFToken string         `json:"csrf_token" binding:"required"`
	Action    command.Action `json:"action" binding:"required"`
}

type submitResponse struct {
	Success   bool   `json:"success"`
	CommandID string `json:"command_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type csrfRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
}

// respondServiceError translates the error taxonomy into HTTP status
// codes.
func (s *Server) respondServiceError(c *gin.Context, err error) {
	var (
		verr *errdefs.ValidationError
		aerr *errdefs.AuthenticationError
		rerr *errdefs.RateLimitError
		cerr *errdefs.ConnectionError
		serr *errdefs.SessionError
	)
	switch {
	case errors.As(err, &verr):
		respondError(c, http.StatusBadRequest, verr.Error(), s.log)
	case errors.As(err, &aerr):
		respondError(c, http.StatusUnauthorized, aerr.Error(), s.log)
	case errors.As(err, &rerr):
		s.metrics.IncRateLimitRejections(rerr.Action)
		respondError(c, http.StatusTooManyRequests, rerr.Error(), s.log)
	case errors.As(err, &cerr):
		respondError(c, http.StatusBadGateway, cerr.Error(), s.log)
	case errors.As(err, &serr):
		respondError(c, http.StatusConflict, serr.Error(), s.log)
	case errors.Is(err, session.ErrNoActiveSession), errors.Is(err, session.ErrNotFound):
		respondError(c, http.StatusNotFound, err.Error(), s.log)
	case errors.Is(err, audit.ErrAlertNotFound):
		respondError(c, http.StatusNotFound, err.Error(), s.log)
	default:
		respondError(c, http.StatusInternalServerError, err.Error(), s.log)
	}
}

func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	cfg := session.Config{
		DeviceID:         req.DeviceID,
		Type:             session.DeviceType(req.Type),
		ConnectionMethod: session.ConnectionMethod(req.ConnectionMethod),
		Address:          req.Address,
		Port:             req.Port,
		Encrypt:          req.Encrypt,
		Credentials: session.Credentials{
			Method:      session.AuthMethod(req.Credentials.Method),
			Certificate: req.Credentials.Certificate,
			APIKey:      req.Credentials.APIKey,
			Username:    req.Credentials.Username,
			Password:    req.Credentials.Password,
		},
	}

	snap, err := s.sessions.Connect(c.Request.Context(), cfg)
	if err != nil {
		s.metrics.IncAuthAttempts(req.Credentials.Method, telemetry.StatusFailure)
		s.respondServiceError(c, err)
		return
	}
	s.metrics.IncAuthAttempts(req.Credentials.Method, telemetry.StatusSuccess)
	s.updateSessionGauge()

	logger := requestLogger(c, s.log)
	logger.Info().Str("session_id", snap.ID).Str("device_id", snap.DeviceID).Msg("session established")
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.Sessions())
}

func (s *Server) getActiveSession(c *gin.Context) {
	snap, err := s.sessions.Active()
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.sessions.Disconnect(c.Param("device")); err != nil {
		s.respondServiceError(c, err)
		return
	}
	s.updateSessionGauge()
	c.Status(http.StatusNoContent)
}

func (s *Server) issueCSRFToken(c *gin.Context) {
	var req csrfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	snap, err := s.sessions.Active()
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	token, expiresAt, err := s.policy.IssueCSRFToken(req.UserID, snap.ID)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"session_id": snap.ID,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	snap, err := s.sessions.Active()
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	if err := s.policy.ValidateCSRFToken(req.CSRFToken, req.UserID, snap.ID); err != nil {
		respondError(c, http.StatusForbidden, "invalid anti-forgery token", s.log)
		return
	}

	id, err := s.pipeline.Submit(req.Action)
	if err != nil {
		s.metrics.IncCommands(req.Action.Type, telemetry.StatusRejected)
		s.respondServiceError(c, err)
		return
	}
	s.metrics.IncCommands(req.Action.Type, telemetry.StatusSuccess)
	s.metrics.SetQueueDepth(s.pipeline.Pending())

	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
		span.SetAttributes(
			attribute.String("command.id", id),
			attribute.String("command.type", req.Action.Type),
			attribute.String("command.priority", string(command.PriorityFor(req.Action.Confidence))),
		)
	}

	c.JSON(http.StatusAccepted, submitResponse{Success: true, CommandID: id})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	if err := s.pipeline.EmergencyStop(c.Request.Context()); err != nil {
		s.metrics.IncCommands(string(command.TypeStop), telemetry.StatusFailure)
		s.respondServiceError(c, err)
		return
	}
	s.metrics.IncCommands(string(command.TypeStop), telemetry.StatusSuccess)
	s.metrics.SetQueueDepth(s.pipeline.Pending())
	logger := requestLogger(c, s.log)
	logger.Warn().Msg("emergency stop executed")
	c.JSON(http.StatusOK, submitResponse{Success: true})
}

func (s *Server) listAuditEvents(c *gin.Context) {
	q, err := auditQueryFromRequest(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	events, total, err := s.ledger.Events(q)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  total,
		"offset": q.Offset,
		"limit":  q.Limit,
	})
}

func (s *Server) exportAudit(c *gin.Context) {
	q, err := auditQueryFromRequest(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	format := audit.ExportFormat(c.DefaultQuery("format", "json"))
	operator := c.DefaultQuery("operator", "unknown")

	switch format {
	case audit.FormatJSON:
		c.Header("Content-Type", "application/json")
		c.Header("Content-Disposition", `attachment; filename="audit-export.json"`)
	case audit.FormatCSV:
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="audit-export.csv"`)
	default:
		respondError(c, http.StatusBadRequest, "unsupported export format", s.log)
		return
	}

	if err := s.ledger.Export(c.Writer, format, q, operator); err != nil {
		logger := requestLogger(c, s.log)
		logger.Error().Err(err).Msg("audit export failed")
		c.Status(http.StatusInternalServerError)
	}
}

func (s *Server) verifyAudit(c *gin.Context) {
	report, err := s.ledger.VerifyIntegrity()
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) listAlerts(c *gin.Context) {
	includeResolved := c.Query("include_resolved") == "true"
	alerts, err := s.ledger.Alerts(includeResolved)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) resolveAlert(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	if err := s.ledger.ResolveAlert(c.Param("id"), req.ResolvedBy); err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (s *Server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"version":          Version,
		"pending_commands": s.pipeline.Pending(),
	})
}

func (s *Server) updateSessionGauge() {
	var connected int
	for _, snap := range s.sessions.Sessions() {
		if snap.Status == session.StatusConnected {
			connected++
		}
	}
	s.metrics.SetActiveSessions(connected)
}

func auditQueryFromRequest(c *gin.Context) (audit.Query, error) {
	q := audit.Query{
		ActorID:  c.Query("actor"),
		Action:   c.Query("action"),
		Severity: audit.Severity(c.Query("severity")),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, err
		}
		q.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, err
		}
		q.To = t
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, err
		}
		q.Offset = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, err
		}
		q.Limit = n
	}
	return q, nil
}
