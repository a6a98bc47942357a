package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway scripts the service API for session tests.
type fakeGateway struct {
	mu         sync.Mutex
	endErr     error
	endCalls   int
	endBlocked chan struct{}
	lastCallID string
	lastCtrl   string
	state      *CallState
}

func (g *fakeGateway) EndCall(_ context.Context, callID, controlURL string) error {
	g.mu.Lock()
	g.endCalls++
	g.lastCallID = callID
	g.lastCtrl = controlURL
	blocked := g.endBlocked
	err := g.endErr
	g.mu.Unlock()
	if blocked != nil {
		<-blocked
	}
	return err
}

func (g *fakeGateway) CallStatus(context.Context, string) (*CallState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, nil
}

// stateRecorder counts transitions per state.
type stateRecorder struct {
	live  atomic.Int32
	ended atomic.Int32
}

func (r *stateRecorder) hook() func(State) {
	return func(s State) {
		switch s {
		case StateLive:
			r.live.Add(1)
		case StateEnded:
			r.ended.Add(1)
		}
	}
}

func providerEvent(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	return body
}

func TestProgressEventPromotesToLiveOnce(t *testing.T) {
	rec := &stateRecorder{}
	s := NewSession(SessionConfig{CallID: "call-1", OnStateChange: rec.hook()})
	require.Equal(t, StateConnecting, s.State())

	s.HandleEnvelope("vapi_event", providerEvent(t, `{"type":"status-update","callId":"call-1","call":{"status":"in-progress"}}`))
	assert.Equal(t, StateLive, s.State())

	s.HandleEnvelope("vapi_event", providerEvent(t, `{"type":"speech-update","callId":"call-1"}`))
	assert.Equal(t, StateLive, s.State())
	assert.Equal(t, int32(1), rec.live.Load())
}

func TestConnectTimeoutPromotesToLive(t *testing.T) {
	rec := &stateRecorder{}
	s := NewSession(SessionConfig{
		CallID:         "call-1",
		ConnectTimeout: 10 * time.Millisecond,
		OnStateChange:  rec.hook(),
	})
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return s.State() == StateLive },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), rec.live.Load())
}

func TestEndedEventIsTerminalAndIdempotent(t *testing.T) {
	rec := &stateRecorder{}
	s := NewSession(SessionConfig{CallID: "call-1", OnStateChange: rec.hook()})

	s.HandleEnvelope("vapi_event", providerEvent(t, `{"type":"call-ended","callId":"call-1"}`))
	s.HandleEnvelope("vapi_event", providerEvent(t, `{"type":"status-update","callId":"call-1","call":{"status":"ended"}}`))
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, int32(1), rec.ended.Load())

	// a progress event after the end must not resurrect the call
	s.HandleEnvelope("vapi_event", providerEvent(t, `{"type":"speech-update","callId":"call-1"}`))
	assert.Equal(t, StateEnded, s.State())
}

func TestTranscriptEventFeedsTranscriptAndGoesLive(t *testing.T) {
	s := NewSession(SessionConfig{CallID: "call-1"})
	s.HandleEnvelope("transcript", map[string]interface{}{
		"callId": "call-1",
		"text":   "AI: Hello there\nBroker: Hi, who is this?",
	})

	assert.Equal(t, StateLive, s.State())
	assert.Len(t, s.Transcript().Turns(), 2)
}

func TestConversationUpdateIngestsStructuredTurns(t *testing.T) {
	s := NewSession(SessionConfig{CallID: "call-1"})
	raw := `{
		"type": "conversation-update",
		"callId": "call-1",
		"conversation": [
			{"role": "system", "content": "You are a dispatcher."},
			{"role": "assistant", "content": "Hello, this is dispatch.", "time": 1200},
			{"role": "user", "content": "Hi, who is this?", "secondsFromStart": 3.4}
		]
	}`
	s.HandleEnvelope("vapi_event", providerEvent(t, raw))
	// repeated snapshot must not duplicate
	s.HandleEnvelope("vapi_event", providerEvent(t, raw))

	turns := s.Transcript().Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleAI, turns[0].Role)
	assert.Equal(t, int64(1200), turns[0].TimeMS)
	assert.Equal(t, RoleCounterparty, turns[1].Role)
	assert.Equal(t, int64(3400), turns[1].TimeMS)
	assert.Equal(t, StateLive, s.State())
}

func TestEventWithArtifactAndTranscriptIngestsOnce(t *testing.T) {
	s := NewSession(SessionConfig{CallID: "call-1"})
	s.HandleEnvelope("vapi_event", providerEvent(t, `{
		"type": "conversation-update",
		"callId": "call-1",
		"message": {
			"artifact": {
				"messages": [{"role": "assistant", "content": "Hello there", "time": 1200}],
				"transcript": "AI: Hello there"
			}
		}
	}`))

	turns := s.Transcript().Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "Hello there", turns[0].Text)
}

func TestTurnTimeFallsBackToEventTimestamp(t *testing.T) {
	s := NewSession(SessionConfig{CallID: "call-1"})
	s.HandleEnvelope("vapi_event", providerEvent(t, `{
		"type": "conversation-update",
		"callId": "call-1",
		"message": {
			"timestamp": 1700000000123,
			"artifact": {"messages": [{"role": "user", "content": "Hi"}]}
		}
	}`))

	turns := s.Transcript().Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, int64(1700000000123), turns[0].TimeMS)
}

func TestTurnTimeFallsBackToReceiptTime(t *testing.T) {
	s := NewSession(SessionConfig{CallID: "call-1"})
	s.now = func() time.Time { return time.UnixMilli(1700000000999) }

	s.HandleEnvelope("transcript", map[string]interface{}{
		"callId": "call-1",
		"text":   "AI: Hello there",
	})

	turns := s.Transcript().Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, int64(1700000000999), turns[0].TimeMS)
}

func TestControlURLLastWriteWins(t *testing.T) {
	s := NewSession(SessionConfig{CallID: "call-1", ControlURL: "https://c.vapi.ai/old"})
	require.Equal(t, "https://c.vapi.ai/old", s.ControlURL())

	s.HandleEnvelope("vapi_event", providerEvent(t,
		`{"callId":"call-1","type":"status-update","call":{"monitor":{"controlUrl":"<https://c.vapi.ai/new>"}}}`))
	assert.Equal(t, "https://c.vapi.ai/new", s.ControlURL())
}

func TestEndCallSuccessEndsLocally(t *testing.T) {
	g := &fakeGateway{}
	s := NewSession(SessionConfig{CallID: "call-1", ControlURL: "https://c.vapi.ai/x", Gateway: g})

	require.NoError(t, s.EndCall(context.Background()))
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, "call-1", g.lastCallID)
	assert.Equal(t, "https://c.vapi.ai/x", g.lastCtrl)

	assert.ErrorIs(t, s.EndCall(context.Background()), ErrCallEnded)
	assert.Equal(t, 1, g.endCalls)
}

func TestEndCallFailureIsReenterable(t *testing.T) {
	g := &fakeGateway{endErr: errors.New("control url not available yet")}
	s := NewSession(SessionConfig{CallID: "call-1", Gateway: g})

	err := s.EndCall(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateConnecting, s.State())

	g.mu.Lock()
	g.endErr = nil
	g.mu.Unlock()
	require.NoError(t, s.EndCall(context.Background()))
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, 2, g.endCalls)
}

func TestEndCallRejectsConcurrentRequests(t *testing.T) {
	g := &fakeGateway{endBlocked: make(chan struct{})}
	s := NewSession(SessionConfig{CallID: "call-1", Gateway: g})

	firstDone := make(chan error, 1)
	go func() { firstDone <- s.EndCall(context.Background()) }()

	assert.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.endCalls == 1
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.EndCall(context.Background()), ErrEndInProgress)

	close(g.endBlocked)
	require.NoError(t, <-firstDone)
	assert.Equal(t, StateEnded, s.State())
}

func TestStatusPollCatchesEndedCall(t *testing.T) {
	g := &fakeGateway{state: &CallState{CallID: "call-1", Status: "ended", Ended: true}}
	rec := &stateRecorder{}
	s := NewSession(SessionConfig{
		CallID:        "call-1",
		Gateway:       g,
		PollInterval:  5 * time.Millisecond,
		OnStateChange: rec.hook(),
	})
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return s.State() == StateEnded },
		time.Second, time.Millisecond)
	assert.Equal(t, int32(1), rec.ended.Load())
}

func TestElapsedFreezesAtEnd(t *testing.T) {
	s := NewSession(SessionConfig{CallID: "call-1"})

	base := time.Unix(1700000000, 0)
	current := base
	s.now = func() time.Time { return current }

	assert.Equal(t, time.Duration(0), s.Elapsed())

	s.markLive("test")
	current = base.Add(42 * time.Second)
	assert.Equal(t, 42*time.Second, s.Elapsed())

	s.markEnded("test")
	current = base.Add(5 * time.Minute)
	assert.Equal(t, 42*time.Second, s.Elapsed())
}
