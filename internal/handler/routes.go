package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/loadlink-ai/dispatch-voice-service/internal/adapters/vapi"
	"github.com/loadlink-ai/dispatch-voice-service/internal/config"
	"github.com/loadlink-ai/dispatch-voice-service/internal/rooms"
	"github.com/loadlink-ai/dispatch-voice-service/internal/services/call"
	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
)

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	config   *config.VapiConfig
	registry *rooms.Registry
	client   *vapi.Client
	service  *call.Service
}

// NewHandlerManager creates and initializes all handlers and services
func NewHandlerManager(cfg *config.VapiConfig) *HandlerManager {
	client := vapi.NewClient(cfg.VapiBaseURL, cfg.VapiAPIKey, cfg.VapiAssistantID, cfg.VapiPhoneNumberID)
	if !cfg.HasCredential() {
		logger.Base().Warn("VAPI_API_KEY not set; call placement and status queries will be rejected")
	}

	return &HandlerManager{
		config:   cfg,
		registry: rooms.NewRegistry(),
		client:   client,
		service:  call.NewService(client),
	}
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(CORSMiddleware(hm.config.AllowedOrigins))
	router.Use(GlobalLoggingMiddleware)

	router.HandleFunc("/healthz", hm.handleHealthz).Methods("GET")

	webhookHandler := NewWebhookHandler(hm.registry, hm.config.Debug, hm.config.WebhookDebug)
	webhookHandler.SetupWebhookRoutes(router)

	hm.SetupAPIRoutes(router)

	socketHandler := NewSocketHandler(hm.registry, hm.config.AllowedOrigins)
	socketHandler.SetupSocketRoutes(router)

	logger.Base().Info("all application routes registered")
}

// SetupAPIRoutes sets up the call API routes and their middleware
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(ValidationMiddleware)
	apiRouter.Use(RateLimitMiddleware(hm.config.APIRateLimit, hm.config.APIRateBurst))

	callHandler := NewCallHandler(hm.service)
	callHandler.SetupCallRoutes(apiRouter)
}

// handleHealthz reports process liveness and room pressure.
func (hm *HandlerManager) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"rooms":      hm.registry.RoomCount(),
		"configured": hm.config.HasCredential(),
	})
}

// Registry returns the room registry.
func (hm *HandlerManager) Registry() *rooms.Registry {
	return hm.registry
}

// Service returns the call lifecycle service.
func (hm *HandlerManager) Service() *call.Service {
	return hm.service
}
