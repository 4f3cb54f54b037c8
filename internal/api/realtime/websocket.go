package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// TokenVerifier resolves a session token to a principal.
type TokenVerifier interface {
	Verify(token string) (middleware.Principal, error)
}

// Handler upgrades authenticated requests to websocket connections.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler binds a websocket endpoint to hub. checkOrigin may be nil to accept
// any origin.
func NewHandler(hub *Hub, verifier TokenVerifier, checkOrigin func(*http.Request) bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

type errorFrame struct {
	Error string `json:"error"`
}

// ServeHTTP authenticates via the token query parameter or bearer header, then
// upgrades and registers the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := h.verifier.Verify(middleware.BearerToken(r))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(errorFrame{Error: err.Error()})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), p, sendBuffer)
	h.hub.Register(c)
	h.logger.Debug("websocket connected",
		zap.String("client_id", c.ID),
		zap.String("role", string(p.Role)),
		zap.String("subject", p.ID))

	go h.writePump(c, ws)
	go h.readPump(c, ws)
}

func (h *Handler) readPump(c *Client, ws *websocket.Conn) {
	defer func() {
		h.hub.Unregister(c)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.reply(c, errorFrame{Error: "malformed message"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err = h.hub.ProcessMessage(ctx, c, msg)
		cancel()
		if err != nil {
			h.reply(c, errorFrame{Error: err.Error()})
		}
	}
}

// reply queues a control response without blocking the read loop.
func (h *Handler) reply(c *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	if _, ok := h.hub.all[c]; !ok {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (h *Handler) writePump(c *Client, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
