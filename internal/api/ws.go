package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/planningpoker/internal/errors"
	"github.com/victornm/planningpoker/internal/hub"
	"github.com/victornm/planningpoker/internal/protocol"
	"github.com/victornm/planningpoker/internal/telemetry"
)

type WebSocketConfig struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 << 10,
		CheckOrigin:    func(*http.Request) bool { return true },
	}
}

// WebSocket serves session connections at GET /sessions/hub.
type WebSocket struct {
	router   *Router
	hub      *hub.Hub
	metrics  *telemetry.Metrics
	config   WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWebSocket(r *Router, h *hub.Hub, m *telemetry.Metrics, c WebSocketConfig) *WebSocket {
	return &WebSocket{
		router:  r,
		hub:     h,
		metrics: m,
		config:  c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     c.CheckOrigin,
		},
	}
}

func (ws *WebSocket) Register(e gin.IRoutes) {
	e.GET("/sessions/hub", ws.Serve)
	e.GET("/ws/stats", ws.Stats)
}

func (ws *WebSocket) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, ws.hub.Stats())
}

// Serve upgrades the request. The participant_id query parameter asks to
// keep a participant id from an earlier connection.
func (ws *WebSocket) Serve(c *gin.Context) {
	conn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.ErrorContext(c, "api: websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	m := ws.hub.Register(connID, c.Query("participant_id"))
	caller := Caller{ConnID: connID, ParticipantID: m.ParticipantID}

	ws.metrics.ConnectionOpened()
	slog.InfoContext(c, "api: connection opened", "connection_id", connID, "participant_id", m.ParticipantID)

	ctx := context.WithoutCancel(c.Request.Context())
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		ws.writePump(ctx, conn, caller, m)
	}()

	ws.readPump(ctx, conn, caller)

	ws.router.Disconnected(caller)
	<-writerDone
	ws.metrics.ConnectionClosed()
	slog.InfoContext(ctx, "api: connection closed", "connection_id", connID, "participant_id", m.ParticipantID)
}

// readPump runs the connection's commands one at a time in arrival order.
// Replies join the member's queue, so the writer sends them in line with
// notifications.
func (ws *WebSocket) readPump(ctx context.Context, conn *websocket.Conn, caller Caller) {
	defer conn.Close()

	conn.SetReadLimit(ws.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(ws.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ws.config.PongTimeout))
	})

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.WarnContext(ctx, "api: connection lost", "connection_id", caller.ConnID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(ws.config.PongTimeout))

		var f protocol.Frame
		if err := json.Unmarshal(b, &f); err != nil {
			ws.hub.Reply(caller.ConnID, protocol.NewError("", "", errors.InvalidArgument("malformed frame: %v", err)))
			continue
		}
		ws.router.Respond(ctx, caller, f)
	}
}

// writePump owns all writes: the welcome frame, replies, group
// notifications and pings.
func (ws *WebSocket) writePump(ctx context.Context, conn *websocket.Conn, caller Caller, m *hub.Member) {
	ticker := time.NewTicker(ws.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	welcome, err := protocol.NewWelcome(protocol.Welcome{ConnectionID: caller.ConnID, ParticipantID: caller.ParticipantID})
	if err != nil || ws.write(conn, welcome) != nil {
		return
	}

	for {
		select {
		case n := <-m.Events():
			if n.Reply != nil {
				if err := ws.write(conn, *n.Reply); err != nil {
					slog.WarnContext(ctx, "api: write reply failed", "connection_id", caller.ConnID, "error", err)
					return
				}
				continue
			}

			f, err := protocol.NewEvent(n.SessionID, n.Event)
			if err != nil {
				slog.ErrorContext(ctx, "api: encode event failed", "event", n.Event.Name(), "error", err)
				continue
			}
			if err := ws.write(conn, f); err != nil {
				slog.WarnContext(ctx, "api: write event failed", "connection_id", caller.ConnID, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(ws.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-m.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(ws.config.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "outbound queue full"))
			return
		}
	}
}

func (ws *WebSocket) write(conn *websocket.Conn, f protocol.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(ws.config.WriteTimeout))
	return conn.WriteJSON(f)
}
