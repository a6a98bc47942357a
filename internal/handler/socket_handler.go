package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/loadlink-ai/dispatch-voice-service/internal/rooms"
	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sessionBuffer bounds how far a subscriber can fall behind before
	// events are dropped for it.
	sessionBuffer = 64
)

// SocketHandler upgrades UI connections and bridges them to call rooms.
type SocketHandler struct {
	registry *rooms.Registry
	upgrader websocket.Upgrader
}

// NewSocketHandler creates a websocket handler that accepts connections
// from the allowed origins. Requests without an Origin header are accepted
// so local tooling can connect.
func NewSocketHandler(registry *rooms.Registry, allowedOrigins []string) *SocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &SocketHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

// clientMessage is what the UI sends over the socket.
type clientMessage struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
}

// SetupSocketRoutes sets up the websocket route.
func (h *SocketHandler) SetupSocketRoutes(router *mux.Router) {
	router.HandleFunc("/ws", h.HandleWS)
	logger.Base().Info("websocket route registered")
}

// HandleWS handles GET /ws. Each connection is one subscriber session; a
// join message switches which call room it watches.
func (h *SocketHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := rooms.NewSession(sessionBuffer)
	logger.Base().Info("websocket connected",
		zap.String("session_id", session.ID),
		zap.String("remote_addr", r.RemoteAddr))

	done := make(chan struct{})
	go h.writePump(conn, session, done)
	h.readPump(conn, session)
	close(done)
}

// readPump consumes join/leave messages until the connection drops. The
// session is removed from its room on the way out.
func (h *SocketHandler) readPump(conn *websocket.Conn, session *rooms.Session) {
	joined := ""
	defer func() {
		if joined != "" {
			h.registry.Leave(joined, session)
		}
		conn.Close()
		logger.Base().Info("websocket disconnected", zap.String("session_id", session.ID))
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Base().Warn("websocket read error",
					zap.String("session_id", session.ID),
					zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "join":
			if msg.CallID == "" || msg.CallID == joined {
				continue
			}
			if joined != "" {
				h.registry.Leave(joined, session)
			}
			h.registry.Join(msg.CallID, session)
			joined = msg.CallID
		case "leave":
			if joined != "" {
				h.registry.Leave(joined, session)
				joined = ""
			}
		default:
			logger.Base().Debug("ignoring unknown socket message",
				zap.String("session_id", session.ID),
				zap.String("type", msg.Type))
		}
	}
}

// writePump drains the session queue onto the wire and keeps the
// connection alive with pings. It is the connection's only writer.
func (h *SocketHandler) writePump(conn *websocket.Conn, session *rooms.Session, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env := <-session.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
