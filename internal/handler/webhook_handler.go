package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/loadlink-ai/dispatch-voice-service/internal/event"
	"github.com/loadlink-ai/dispatch-voice-service/internal/rooms"
	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// WebhookHandler ingests provider webhooks and republishes them to the
// call rooms. The provider treats any non-2xx as a delivery failure and
// re-sends, so this handler acknowledges everything it manages to read;
// payloads it cannot route are logged and dropped, never bounced.
type WebhookHandler struct {
	registry     *rooms.Registry
	debug        bool
	webhookDebug bool
}

// NewWebhookHandler creates a new provider webhook handler.
func NewWebhookHandler(registry *rooms.Registry, debug, webhookDebug bool) *WebhookHandler {
	return &WebhookHandler{
		registry:     registry,
		debug:        debug,
		webhookDebug: webhookDebug,
	}
}

// TranscriptUpdate is the derived event pushed to call rooms whenever a
// webhook carries transcript text.
type TranscriptUpdate struct {
	CallID    string `json:"callId"`
	Text      string `json:"text"`
	EventType string `json:"eventType"`
	Timestamp int64  `json:"ts,omitempty"`
}

// SetupWebhookRoutes sets up the provider webhook route.
func (h *WebhookHandler) SetupWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/webhook/vapi", h.HandleVapiWebhook).Methods("POST")
	logger.Base().Info("provider webhook route registered")
}

// HandleVapiWebhook handles POST /webhook/vapi. The provider is not
// consistent about Content-Type, so the body is always treated as JSON.
func (h *WebhookHandler) HandleVapiWebhook(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Base().Error("Failed to read webhook body", zap.Error(err))
		h.sendOKResponse(w)
		return
	}
	defer r.Body.Close()

	if h.webhookDebug {
		logger.Base().Info("webhook body", zap.String("body", string(bodyBytes)))
	}

	var body event.Body
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		logger.Base().Warn("Webhook payload is not JSON, dropping",
			zap.String("content_type", r.Header.Get("Content-Type")),
			zap.Int("body_bytes", len(bodyBytes)))
		h.sendOKResponse(w)
		return
	}

	eventType := event.Type(body)
	callID := event.CallID(body)
	if callID == "" {
		logger.Base().Warn("Webhook without a call id, dropping",
			zap.String("event_type", eventType))
		h.sendOKResponse(w)
		return
	}

	if h.debug {
		logger.Base().Info("webhook event",
			zap.String("event_type", eventType),
			zap.String("call_id", callID),
			zap.Bool("ended", event.Ended(body)))
	}

	delivered := h.registry.Publish(callID, "vapi_event", body)

	if text := event.TranscriptText(body); text != "" {
		h.registry.Publish(callID, "transcript", TranscriptUpdate{
			CallID:    callID,
			Text:      text,
			EventType: eventType,
			Timestamp: event.TimestampMillis(body),
		})
	}

	if h.debug && delivered == 0 {
		logger.Base().Debug("No sessions watching call", zap.String("call_id", callID))
	}

	h.sendOKResponse(w)
}

// sendOKResponse acknowledges a webhook delivery.
func (h *WebhookHandler) sendOKResponse(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
