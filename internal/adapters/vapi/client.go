// Package vapi is the HTTP client for the Vapi voice provider: starting
// outbound phone calls, querying call status and terminating live calls
// through their per-call control endpoint.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// ErrMissingCredential is returned when an operation needs the provider API
// key and none is configured.
var ErrMissingCredential = errors.New("vapi: api key not configured")

// DefaultBaseURL is the public Vapi API endpoint.
const DefaultBaseURL = "https://api.vapi.ai"

// maxCallDurationSeconds caps runaway calls on the provider side.
const maxCallDurationSeconds = 3600

// endCallRetryDelays is the wait before each termination attempt. The first
// attempt fires immediately; the control endpoint is served by ephemeral
// per-call infrastructure that returns 5xx while it spins down, so the
// later attempts back off without giving the call time to run long.
var endCallRetryDelays = []time.Duration{
	0,
	350 * time.Millisecond,
	900 * time.Millisecond,
	1800 * time.Millisecond,
}

// Client handles communication with the Vapi API.
type Client struct {
	BaseURL       string
	APIKey        string
	AssistantID   string
	PhoneNumberID string
	HTTPClient    *http.Client

	// retryDelays overrides endCallRetryDelays in tests.
	retryDelays []time.Duration
}

// NewClient creates a new Vapi API client.
func NewClient(baseURL, apiKey, assistantID, phoneNumberID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		AssistantID:   assistantID,
		PhoneNumberID: phoneNumberID,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryDelays: endCallRetryDelays,
	}
}

// HasCredential reports whether the client can authenticate to the provider.
func (c *Client) HasCredential() bool {
	return c.APIKey != ""
}

// StartCallRequest carries everything needed to place an outbound call.
// VariableValues are template variables substituted into the assistant's
// prompt by the provider.
type StartCallRequest struct {
	CustomerNumber string
	VariableValues map[string]string
}

// StartCallResponse is the provider's view of the freshly created call.
// Raw keeps the full decoded payload so callers can surface fields we do
// not model (monitor URLs in particular).
type StartCallResponse struct {
	ID     string
	Status string
	Raw    map[string]interface{}
}

// StartCall places an outbound phone call through the provider.
func (c *Client) StartCall(ctx context.Context, callReq StartCallRequest) (*StartCallResponse, error) {
	if !c.HasCredential() {
		return nil, ErrMissingCredential
	}

	payload := map[string]interface{}{
		"type":          "outboundPhoneCall",
		"assistantId":   c.AssistantID,
		"phoneNumberId": c.PhoneNumberID,
		"customer": map[string]interface{}{
			"number": callReq.CustomerNumber,
		},
		"maxDurationSeconds": maxCallDurationSeconds,
		"assistantOverrides": map[string]interface{}{
			"variableValues": callReq.VariableValues,
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	url := c.BaseURL + "/call"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	logger.Base().Info("Starting outbound call via Vapi",
		zap.String("customer_number", callReq.CustomerNumber),
		zap.String("assistant_id", c.AssistantID))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	logger.Base().Info("Vapi create-call response",
		zap.Int("status_code", resp.StatusCode),
		zap.Int("body_bytes", len(bodyBytes)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("Vapi API error: status=%d, body=%s", resp.StatusCode, string(bodyBytes))
	}

	raw := map[string]interface{}{}
	if err := json.Unmarshal(bodyBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}

	out := &StartCallResponse{Raw: raw}
	out.ID, _ = raw["id"].(string)
	out.Status, _ = raw["status"].(string)

	logger.Base().Info("Outbound call created", zap.String("call_id", out.ID), zap.String("status", out.Status))
	return out, nil
}

// StatusResult is the outcome of a call status query. OK is true for any
// 2xx response; Status carries the HTTP status; JSON carries the decoded
// body when the provider returned one.
type StatusResult struct {
	OK     bool
	Status int
	JSON   map[string]interface{}
}

// GetCallStatus fetches the current provider record for a call.
func (c *Client) GetCallStatus(ctx context.Context, callID string) (StatusResult, error) {
	if !c.HasCredential() {
		return StatusResult{}, ErrMissingCredential
	}

	url := fmt.Sprintf("%s/call/%s", c.BaseURL, callID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return StatusResult{}, fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusResult{}, fmt.Errorf("failed to read response body: %v", err)
	}

	result := StatusResult{
		OK:     resp.StatusCode >= 200 && resp.StatusCode <= 299,
		Status: resp.StatusCode,
	}
	if len(bodyBytes) > 0 {
		// a non-JSON error body is not fatal; the caller gets status only
		_ = json.Unmarshal(bodyBytes, &result.JSON)
	}

	logger.Base().Debug("Vapi call status",
		zap.String("call_id", callID),
		zap.Int("status_code", resp.StatusCode),
		zap.Bool("ok", result.OK))
	return result, nil
}

// EndCallResult is the outcome of the last termination attempt. Status is 0
// when every attempt failed at the network level.
type EndCallResult struct {
	OK     bool
	Status int
	Body   string
}

// EndCall posts the end-call command to a call's control endpoint. Gateway
// errors (502, 503, 504) and network failures are retried on a short fixed
// schedule; any other response is taken as the provider's final word.
// The control URL is unauthenticated, it is a capability URL minted per
// call, so no API key is required.
func (c *Client) EndCall(ctx context.Context, controlURL string) EndCallResult {
	var last EndCallResult
	for attempt, delay := range c.retryDelays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return last
			case <-time.After(delay):
			}
		}

		last = c.postEndCall(ctx, controlURL)
		if last.OK {
			logger.Base().Info("End-call command accepted",
				zap.Int("attempt", attempt+1),
				zap.Int("status_code", last.Status))
			return last
		}
		if !retryableStatus(last.Status) {
			logger.Base().Warn("End-call command rejected",
				zap.Int("attempt", attempt+1),
				zap.Int("status_code", last.Status),
				zap.String("body", last.Body))
			return last
		}
		logger.Base().Warn("End-call attempt failed, will retry",
			zap.Int("attempt", attempt+1),
			zap.Int("status_code", last.Status))
	}
	return last
}

func (c *Client) postEndCall(ctx context.Context, controlURL string) EndCallResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL,
		bytes.NewBufferString(`{"type":"end-call"}`))
	if err != nil {
		return EndCallResult{Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// status 0 marks a network-level failure
		return EndCallResult{Body: err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	return EndCallResult{
		OK:     resp.StatusCode >= 200 && resp.StatusCode <= 299,
		Status: resp.StatusCode,
		Body:   string(bodyBytes),
	}
}

// retryableStatus reports whether a termination attempt with this HTTP
// status is worth retrying. 0 means the request never got a response.
func retryableStatus(status int) bool {
	switch status {
	case 0, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
