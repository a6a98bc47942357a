package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient talks to the dispatch voice service's HTTP API. It implements
// Gateway.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient creates a client for the service at baseURL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// EndCall posts the end-call request. A non-2xx response is an error
// carrying the service's message so the UI can show it.
func (c *APIClient) EndCall(ctx context.Context, callID, controlURL string) error {
	payload, err := json.Marshal(map[string]string{
		"callId":     callID,
		"controlUrl": controlURL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/end-vapi-call", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(bodyBytes, &body)
	if body.Error != "" {
		return fmt.Errorf("end call failed: status=%d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("end call failed: status=%d", resp.StatusCode)
}

// CallStatus fetches the call's status from the service, or nil when the
// service could not produce a definitive answer; the caller just polls
// again.
func (c *APIClient) CallStatus(ctx context.Context, callID string) (*CallState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/vapi-call-status/"+callID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool   `json:"success"`
		CallID  string `json:"callId"`
		Status  string `json:"status"`
		Ended   bool   `json:"ended"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}
	if !body.Success {
		return nil, nil
	}
	return &CallState{CallID: body.CallID, Status: body.Status, Ended: body.Ended}, nil
}
