package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loadlink-ai/dispatch-voice-service/internal/rooms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postWebhook(t *testing.T, h *WebhookHandler, body, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/vapi", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.HandleVapiWebhook(rec, req)
	return rec
}

func TestWebhookPublishesRawAndTranscript(t *testing.T) {
	reg := rooms.NewRegistry()
	s := rooms.NewSession(8)
	reg.Join("call-1", s)

	h := NewWebhookHandler(reg, false, false)
	rec := postWebhook(t, h, `{
		"message": {
			"type": "transcript",
			"call": {"id": "call-1"},
			"transcript": {"text": "AI: Hello there"},
			"timestamp": 1700000000123
		}
	}`, "application/json")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	raw := <-s.C()
	assert.Equal(t, "vapi_event", raw.Event)

	derived := <-s.C()
	require.Equal(t, "transcript", derived.Event)
	update := derived.Data.(TranscriptUpdate)
	assert.Equal(t, "call-1", update.CallID)
	assert.Equal(t, "AI: Hello there", update.Text)
	assert.Equal(t, "transcript", update.EventType)
	assert.Equal(t, int64(1700000000123), update.Timestamp)
}

func TestWebhookWithoutTranscriptPublishesRawOnly(t *testing.T) {
	reg := rooms.NewRegistry()
	s := rooms.NewSession(8)
	reg.Join("call-1", s)

	h := NewWebhookHandler(reg, false, false)
	rec := postWebhook(t, h, `{"type":"status-update","call":{"id":"call-1","status":"in-progress"}}`, "application/json")
	assert.Equal(t, http.StatusOK, rec.Code)

	raw := <-s.C()
	assert.Equal(t, "vapi_event", raw.Event)
	select {
	case env := <-s.C():
		t.Fatalf("unexpected second event %q", env.Event)
	default:
	}
}

func TestWebhookWithoutCallIDIsDroppedButAcked(t *testing.T) {
	reg := rooms.NewRegistry()
	s := rooms.NewSession(8)
	reg.Join("call-1", s)

	h := NewWebhookHandler(reg, false, false)
	rec := postWebhook(t, h, `{"type":"transcript","transcript":"orphan text"}`, "application/json")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	select {
	case env := <-s.C():
		t.Fatalf("unroutable payload was published as %q", env.Event)
	default:
	}
}

func TestWebhookNonJSONBodyIsAcked(t *testing.T) {
	h := NewWebhookHandler(rooms.NewRegistry(), false, false)
	rec := postWebhook(t, h, "not json at all", "text/plain")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestWebhookAcceptsAnyContentType(t *testing.T) {
	reg := rooms.NewRegistry()
	s := rooms.NewSession(8)
	reg.Join("call-2", s)

	h := NewWebhookHandler(reg, false, false)
	rec := postWebhook(t, h, `{"callId":"call-2","type":"call-started"}`, "text/plain; charset=utf-8")
	assert.Equal(t, http.StatusOK, rec.Code)

	raw := <-s.C()
	assert.Equal(t, "vapi_event", raw.Event)
}
