package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/loadlink-ai/dispatch-voice-service/internal/config"
	"github.com/loadlink-ai/dispatch-voice-service/internal/handler"
	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// Server represents the dispatch voice service
type Server struct {
	config         *config.VapiConfig
	router         *mux.Router
	handlerManager *handler.HandlerManager
}

// NewServer creates the dispatch voice service server
func NewServer(cfg *config.VapiConfig) *Server {
	// Initialize zap logger and redirect stdlib log to it
	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		logger.Base().Error("Failed to initialize zap logger, falling back to std log")
	}

	router := mux.NewRouter()

	handlerManager := handler.NewHandlerManager(cfg)
	handlerManager.SetupAllRoutes(router)

	return &Server{
		config:         cfg,
		router:         router,
		handlerManager: handlerManager,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Base().Info("Starting server", zap.String("addr", addr))
	return server.ListenAndServe()
}

// LoadConfigFromEnv loads the service configuration from environment
func LoadConfigFromEnv() *config.VapiConfig {
	cfg := &config.VapiConfig{
		Port: getEnvOrDefault("PORT", "5000"),

		// Vapi provider configuration
		VapiBaseURL:       getEnvOrDefault("VAPI_BASE_URL", "https://api.vapi.ai"),
		VapiAPIKey:        getEnvOrDefault("VAPI_API_KEY", ""),
		VapiAssistantID:   getEnvOrDefault("VAPI_ASSISTANT_ID", ""),
		VapiPhoneNumberID: getEnvOrDefault("VAPI_PHONE_NUMBER_ID", ""),

		AllowedOrigins: config.DefaultAllowedOrigins,

		Debug:        getEnvAsBoolOrDefault("DEBUG", false),
		WebhookDebug: getEnvAsBoolOrDefault("VAPI_WEBHOOK_DEBUG", false),

		APIRateLimit: getEnvAsFloatOrDefault("API_RATE_LIMIT", 10),
		APIRateBurst: getEnvAsIntOrDefault("API_RATE_BURST", 20),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrimStrings(origins, ",")
		logger.Base().Info("Using custom allowed origins", zap.Strings("origins", cfg.AllowedOrigins))
	}

	return cfg
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// splitAndTrimStrings splits a string by delimiter and trims whitespace from each part
func splitAndTrimStrings(s, delimiter string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func main() {
	// Load .env file for local development if it exists.
	// This will not override environment variables set by the deployment.
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	cfg := LoadConfigFromEnv()

	server := NewServer(cfg)
	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.Bool("provider_configured", cfg.HasCredential()))
	defer logger.Sync()

	if err := server.Start(); err != nil {
		logger.Base().Fatal("Server stopped", zap.Error(err))
	}
}
