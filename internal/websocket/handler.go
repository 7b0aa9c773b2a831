package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"careflow/internal/auth"
	"careflow/internal/logging"
	"careflow/pkg/interfaces"
	"careflow/pkg/types"
)

// Authenticator validates the bearer token presented at upgrade time.
type Authenticator interface {
	Authenticate(token string) (types.Identity, error)
}

// Settings tune heartbeat and buffering per connection.
type Settings struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	MaxMessage   int64
}

// DefaultSettings matches the config defaults.
func DefaultSettings() Settings {
	return Settings{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   100,
		MaxMessage:   4096,
	}
}

var upgrader = websocket.Upgrader{
	// Origins are not checked; the bearer token is the access control.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades authenticated requests and pumps control messages to
// the gateway.
type Handler struct {
	auth     Authenticator
	gateway  interfaces.Gateway
	settings Settings
	log      *zap.Logger
}

func NewHandler(authenticator Authenticator, gateway interfaces.Gateway, settings Settings, logger *zap.Logger) *Handler {
	return &Handler{
		auth:     authenticator,
		gateway:  gateway,
		settings: settings,
		log:      logging.Component(logger, "websocket"),
	}
}

// HandleWebSocket authenticates first and only then upgrades, so a refused
// client never reaches the point where it could send a join.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		h.log.Info("connection refused", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		status := http.StatusUnauthorized
		if !errors.Is(err, types.ErrAuthentication) {
			status = http.StatusInternalServerError
		}
		http.Error(w, "Authentication error", status)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(ws, identity, h.settings.BufferSize, h.settings.WriteTimeout)
	if err := h.gateway.Register(conn); err != nil {
		h.log.Warn("gateway registration failed", zap.String("user_id", identity.UserID), zap.Error(err))
		_ = conn.Close()
		return
	}

	h.log.Info("connection established",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", identity.UserID),
		zap.String("role", string(identity.Role)))

	go h.readPump(conn)
}

// readPump owns the socket's read side. When it returns the connection is
// unregistered, which drops it from every room.
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		if err := h.gateway.Unregister(conn); err != nil {
			h.log.Warn("gateway unregister failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
		_ = conn.Close()
	}()

	ws := conn.conn
	if h.settings.MaxMessage > 0 {
		ws.SetReadLimit(h.settings.MaxMessage)
	}
	if err := ws.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket closed unexpectedly", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug("ignoring malformed control message", zap.String("conn_id", conn.ID()), zap.Error(err))
			continue
		}
		if err := h.gateway.Control(conn.ID(), msg); err != nil {
			h.log.Warn("control message not queued", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.settings.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
