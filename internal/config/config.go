package config

// VapiConfig holds everything the dispatch call gateway needs to talk to
// the Vapi voice provider and serve the dispatcher UI.
type VapiConfig struct {
	Port string

	// Vapi provider configuration
	VapiBaseURL       string
	VapiAPIKey        string
	VapiAssistantID   string
	VapiPhoneNumberID string

	// Browser origins allowed to call the HTTP API and open the
	// real-time channel. Requests without an Origin header (server to
	// server, curl) are always allowed.
	AllowedOrigins []string

	// Debug toggles verbose event logging; WebhookDebug additionally
	// dumps full webhook payloads.
	Debug        bool
	WebhookDebug bool

	// API rate limiting (requests per second with burst headroom).
	APIRateLimit float64
	APIRateBurst int
}

// DefaultAllowedOrigins are the two local development origins of the
// dispatcher frontend.
var DefaultAllowedOrigins = []string{
	"http://localhost:5173",
	"http://127.0.0.1:5173",
}

// HasCredential reports whether a provider API key is configured.
// When it is not, status queries degrade to an explicit
// missing-credential result instead of failing mid-request.
func (c *VapiConfig) HasCredential() bool {
	return c.VapiAPIKey != ""
}
