// Package monitor is the client-side companion to the dispatch voice
// service: it follows one call through the service's websocket and HTTP
// API, tracks the call's lifecycle state, and rebuilds the conversation
// transcript for display.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loadlink-ai/dispatch-voice-service/internal/event"
	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// State is the call panel's lifecycle state.
type State string

const (
	// StateConnecting covers dialing and ringing, before any sign the
	// conversation is underway.
	StateConnecting State = "connecting"
	// StateLive means the conversation is in progress.
	StateLive State = "live"
	// StateEnded is terminal.
	StateEnded State = "ended"
)

var (
	// ErrCallEnded is returned by EndCall once the call is already over.
	ErrCallEnded = errors.New("monitor: call already ended")
	// ErrEndInProgress is returned while an earlier EndCall is still in
	// flight.
	ErrEndInProgress = errors.New("monitor: end request already in progress")
)

const (
	// defaultConnectTimeout promotes the panel to live even when the
	// provider never sends an explicit started event.
	defaultConnectTimeout = 20 * time.Second
	// defaultPollInterval is the status poll safety net that catches a
	// call ending while the websocket is down.
	defaultPollInterval = 3 * time.Second
)

// CallState is the service's answer to one status query.
type CallState struct {
	CallID string
	Status string
	Ended  bool
}

// Gateway is the slice of the service HTTP API the session uses.
type Gateway interface {
	EndCall(ctx context.Context, callID, controlURL string) error
	CallStatus(ctx context.Context, callID string) (*CallState, error)
}

// SessionConfig configures one call session.
type SessionConfig struct {
	CallID     string
	ControlURL string
	Gateway    Gateway

	ConnectTimeout time.Duration
	PollInterval   time.Duration

	// OnStateChange is invoked outside the session lock on every
	// transition. Optional.
	OnStateChange func(State)
}

// Session tracks a single call from placement to hang-up.
type Session struct {
	callID  string
	gateway Gateway
	cfg     SessionConfig

	mu         sync.Mutex
	state      State
	controlURL string
	ending     bool
	liveAt     time.Time
	endedAt    time.Time

	transcript *Transcript

	now          func() time.Time
	connectTimer *time.Timer
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewSession creates a session in the connecting state. Call Start to arm
// the connect timeout and the status poll.
func NewSession(cfg SessionConfig) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Session{
		callID:     cfg.CallID,
		gateway:    cfg.Gateway,
		cfg:        cfg,
		state:      StateConnecting,
		controlURL: event.NormalizeControlURL(cfg.ControlURL),
		transcript: NewTranscript(),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Start arms the connect timeout and launches the status poll loop.
func (s *Session) Start() {
	s.mu.Lock()
	if s.state == StateConnecting && s.connectTimer == nil {
		s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, func() {
			s.markLive("connect timeout")
		})
	}
	s.mu.Unlock()

	if s.gateway != nil {
		go s.pollLoop()
	}
}

// Stop tears the session down without changing its state. Safe to call
// more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ControlURL returns the latest control URL seen for this call.
func (s *Session) ControlURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlURL
}

// Transcript returns the session's transcript reconstructor.
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// TranscriptText renders the conversation so far as plain text.
func (s *Session) TranscriptText() string {
	return s.transcript.Text()
}

// Elapsed reports how long the conversation has been live. Zero before the
// call goes live; frozen once it ends.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveAt.IsZero() {
		return 0
	}
	if s.state == StateEnded {
		return s.endedAt.Sub(s.liveAt)
	}
	return s.now().Sub(s.liveAt)
}

// HandleEnvelope processes one websocket message from the service.
func (s *Session) HandleEnvelope(eventName string, data map[string]interface{}) {
	switch eventName {
	case "transcript":
		text, _ := data["text"].(string)
		if text != "" {
			s.transcript.AddBlob(text, s.eventTimeMS(data))
			s.markLive("transcript text")
		}
	case "vapi_event":
		s.handleProviderEvent(data)
	}
}

func (s *Session) handleProviderEvent(body event.Body) {
	if url := event.ControlURL(body); url != "" {
		s.mu.Lock()
		s.controlURL = url
		s.mu.Unlock()
	}

	if s.ingestConversation(body) {
		s.markLive("conversation update")
	} else if text := event.TranscriptText(body); text != "" {
		s.transcript.AddBlob(text, s.eventTimeMS(body))
		s.markLive("transcript text")
	}

	if event.IsProgressType(event.Type(body)) {
		s.markLive(event.Type(body))
	}
	if event.Ended(body) {
		s.markEnded("provider event")
	}
}

// eventTimeMS is the turn time fallback for payloads whose items carry no
// usable timestamp of their own: the event timestamp, else receipt time.
func (s *Session) eventTimeMS(body event.Body) int64 {
	if ts := event.TimestampMillis(body); ts > 0 {
		return ts
	}
	return s.now().UnixMilli()
}

// conversationPaths are the places a conversation snapshot shows up.
var conversationPaths = [][]string{
	{"message", "conversation"},
	{"conversation"},
	{"message", "artifact", "messages"},
	{"artifact", "messages"},
}

// ingestConversation pulls structured turns out of a conversation-update
// payload. Snapshots repeat the whole history, so dedup happens inside the
// transcript. Reports whether any new turn was appended; when one was, the
// raw transcript string on the same event must be skipped or the same
// utterance lands in both dedup key spaces.
func (s *Session) ingestConversation(body event.Body) bool {
	fallback := s.eventTimeMS(body)
	for _, path := range conversationPaths {
		items, ok := dig(body, path).([]interface{})
		if !ok || len(items) == 0 {
			continue
		}
		added := 0
		for _, item := range items {
			msg, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			if s.transcript.AddStructured(role, turnTimeMS(msg, fallback), turnText(msg)) {
				added++
			}
		}
		return added > 0
	}
	return false
}

func dig(body event.Body, path []string) interface{} {
	var cur interface{} = body
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func turnText(msg map[string]interface{}) string {
	for _, key := range []string{"message", "content", "text"} {
		if s, _ := msg[key].(string); s != "" {
			return s
		}
	}
	return ""
}

func turnTimeMS(msg map[string]interface{}, fallback int64) int64 {
	for _, key := range []string{"time", "timestamp"} {
		if t, ok := msg[key].(float64); ok && t > 0 {
			return int64(t)
		}
	}
	if t, ok := msg["secondsFromStart"].(float64); ok && t > 0 {
		return int64(t * 1000)
	}
	return fallback
}

// markLive promotes connecting to live. Idempotent; never demotes.
func (s *Session) markLive(reason string) {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateLive
	s.liveAt = s.now()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	s.mu.Unlock()

	logger.Base().Info("call is live",
		zap.String("call_id", s.callID),
		zap.String("reason", reason))
	s.notify(StateLive)
}

// markEnded moves to the terminal state and stops every timer. Idempotent.
func (s *Session) markEnded(reason string) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	if s.liveAt.IsZero() {
		s.liveAt = s.now()
	}
	s.state = StateEnded
	s.endedAt = s.now()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	logger.Base().Info("call ended",
		zap.String("call_id", s.callID),
		zap.String("reason", reason))
	s.notify(StateEnded)
}

func (s *Session) notify(state State) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state)
	}
}

// EndCall asks the service to terminate the call. On success the session
// ends locally right away; the provider's confirmation only affects
// server-side bookkeeping. On failure the session is left untouched so
// the user can try again.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrCallEnded
	}
	if s.ending {
		s.mu.Unlock()
		return ErrEndInProgress
	}
	s.ending = true
	callID := s.callID
	controlURL := s.controlURL
	s.mu.Unlock()

	err := s.gateway.EndCall(ctx, callID, controlURL)

	s.mu.Lock()
	s.ending = false
	s.mu.Unlock()

	if err != nil {
		logger.Base().Warn("end call request failed",
			zap.String("call_id", callID),
			zap.Error(err))
		return err
	}
	s.markEnded("user hang up")
	return nil
}

// pollLoop is the status poll safety net. The first poll fires
// immediately so a call that ended before the panel mounted is caught at
// once.
func (s *Session) pollLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.pollOnce()
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PollInterval)
	defer cancel()

	state, err := s.gateway.CallStatus(ctx, s.callID)
	if err != nil || state == nil {
		return
	}
	if state.Ended {
		s.markEnded("status poll: " + state.Status)
	}
}
