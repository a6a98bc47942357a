package monitor

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// reconnectDelay is the fixed pause between connection attempts.
const reconnectDelay = time.Second

// Stream keeps one websocket connection to the service's /ws endpoint,
// joined to a call room, and feeds incoming events into a Session. It
// reconnects and rejoins on its own until the session ends or the context
// is cancelled.
type Stream struct {
	serverURL string
	session   *Session
}

// NewStream creates a stream for session against the service at serverURL
// (http or ws scheme, with or without the /ws path).
func NewStream(serverURL string, session *Session) *Stream {
	return &Stream{
		serverURL: serverURL,
		session:   session,
	}
}

// envelope mirrors the wire shape the service publishes.
type envelope struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

// Run dials, joins, and consumes until ctx is cancelled or the session
// reaches its terminal state. It blocks; run it on its own goroutine.
func (st *Stream) Run(ctx context.Context) {
	wsURL, err := websocketURL(st.serverURL)
	if err != nil {
		logger.Base().Error("invalid server url",
			zap.String("url", st.serverURL),
			zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil || st.session.State() == StateEnded {
			return
		}

		st.connectAndConsume(ctx, wsURL)

		select {
		case <-ctx.Done():
			return
		case <-st.session.stop:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// connectAndConsume runs one connection lifetime, from dial to read error.
func (st *Stream) connectAndConsume(ctx context.Context, wsURL string) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		logger.Base().Warn("websocket dial failed",
			zap.String("url", wsURL),
			zap.Error(err))
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{
		"type":   "join",
		"callId": st.session.callID,
	}); err != nil {
		logger.Base().Warn("websocket join failed", zap.Error(err))
		return
	}
	logger.Base().Info("joined call room",
		zap.String("call_id", st.session.callID))

	// unblock ReadJSON when the session ends or the context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-st.session.stop:
		case <-done:
		}
		conn.Close()
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil && st.session.State() != StateEnded {
				logger.Base().Warn("websocket read error, reconnecting", zap.Error(err))
			}
			return
		}
		st.session.HandleEnvelope(env.Event, env.Data)
	}
}

// websocketURL converts an http(s) base URL into the ws(s) endpoint.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}
