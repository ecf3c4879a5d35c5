package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEnvelope frames one pushed event so UI clients can
// demultiplex alerts, session transitions, and command progress on a
// single socket.
type streamEnvelope struct {
	Kind    string    `json:"kind"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

const streamWriteTimeout = 10 * time.Second

// streamEvents upgrades the connection and forwards every alert,
// session status change, and command progress event until the client
// goes away.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	alerts, cancelAlerts := s.ledger.SubscribeAlerts()
	defer cancelAlerts()
	status, cancelStatus := s.sessions.SubscribeStatus()
	defer cancelStatus()
	commands, cancelCommands := s.pipeline.Subscribe()
	defer cancelCommands()

	logger := requestLogger(c, s.log)
	logger.Debug().Msg("event stream opened")

	// The read pump exists only to observe the close handshake.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(kind string, payload any) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			return false
		}
		env := streamEnvelope{Kind: kind, Payload: payload, At: time.Now().UTC()}
		if err := conn.WriteJSON(env); err != nil {
			logger.Debug().Err(err).Msg("event stream write failed")
			return false
		}
		return true
	}

	for {
		select {
		case <-closed:
			logger.Debug().Msg("event stream closed by client")
			return
		case alert, ok := <-alerts:
			if !ok || !write("alert", alert) {
				return
			}
		case ev, ok := <-status:
			if !ok || !write("session", ev) {
				return
			}
		case ev, ok := <-commands:
			if !ok || !write("command", ev) {
				return
			}
		}
	}
}
