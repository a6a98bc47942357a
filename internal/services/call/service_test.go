package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loadlink-ai/dispatch-voice-service/internal/adapters/vapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider scripts the provider client for orchestration tests.
type fakeProvider struct {
	credential bool

	startReq  vapi.StartCallRequest
	startResp *vapi.StartCallResponse
	startErr  error

	statusResults []vapi.StatusResult
	statusErr     error
	statusCalls   int

	endResult vapi.EndCallResult
	endedURLs []string
}

func (f *fakeProvider) HasCredential() bool { return f.credential }

func (f *fakeProvider) StartCall(_ context.Context, req vapi.StartCallRequest) (*vapi.StartCallResponse, error) {
	f.startReq = req
	return f.startResp, f.startErr
}

func (f *fakeProvider) GetCallStatus(_ context.Context, _ string) (vapi.StatusResult, error) {
	if f.statusErr != nil {
		return vapi.StatusResult{}, f.statusErr
	}
	i := f.statusCalls
	f.statusCalls++
	if i >= len(f.statusResults) {
		i = len(f.statusResults) - 1
	}
	if i < 0 {
		return vapi.StatusResult{}, nil
	}
	return f.statusResults[i], nil
}

func (f *fakeProvider) EndCall(_ context.Context, controlURL string) vapi.EndCallResult {
	f.endedURLs = append(f.endedURLs, controlURL)
	return f.endResult
}

func newTestService(p *fakeProvider) *Service {
	s := NewService(p)
	s.confirmInterval = time.Millisecond
	return s
}

func TestStartCallRequiresPhone(t *testing.T) {
	s := newTestService(&fakeProvider{credential: true})
	_, err := s.StartCall(context.Background(), StartCallInput{})
	assert.ErrorIs(t, err, ErrMissingPhone)
}

func TestStartCallAppliesVariableDefaults(t *testing.T) {
	p := &fakeProvider{
		credential: true,
		startResp: &vapi.StartCallResponse{
			ID:     "call-9",
			Status: "queued",
			Raw:    map[string]interface{}{"id": "call-9"},
		},
	}
	s := newTestService(p)

	out, err := s.StartCall(context.Background(), StartCallInput{
		PhoneNumber: "+15550001234",
		CompanyName: "Acme Freight",
		MCNumber:    "MC123",
	})
	require.NoError(t, err)
	assert.Equal(t, "call-9", out.CallID)
	assert.Equal(t, "queued", out.Status)

	vars := p.startReq.VariableValues
	assert.Equal(t, "+15550001234", p.startReq.CustomerNumber)
	assert.Equal(t, "Dispatcher", vars["dispatcherName"])
	assert.Equal(t, "Acme Freight", vars["companyName"])
	assert.Equal(t, "MC123", vars["mcNumber"])
	// unset profile fields become placeholders, not empty substitutions
	assert.Equal(t, "-", vars["usdotNumber"])
	assert.Equal(t, "-", vars["categoryType"])
	assert.Equal(t, "-", vars["cargoCarried"])
}

func TestEndCallRequiresAnIdentifier(t *testing.T) {
	s := newTestService(&fakeProvider{})
	_, err := s.EndCall(context.Background(), EndCallInput{})
	assert.ErrorIs(t, err, ErrMissingIdentifier)
}

func TestEndCallUsesSuppliedControlURL(t *testing.T) {
	p := &fakeProvider{
		endResult: vapi.EndCallResult{OK: true, Status: 200},
	}
	s := newTestService(p)

	out, err := s.EndCall(context.Background(), EndCallInput{
		ControlURL: " <https://c.vapi.ai/control/x> ",
	})
	require.NoError(t, err)
	require.Len(t, p.endedURLs, 1)
	assert.Equal(t, "https://c.vapi.ai/control/x", p.endedURLs[0])
	// no call ID, so nothing to confirm against
	assert.False(t, out.Confirmed)
	assert.Zero(t, p.statusCalls)
}

func TestEndCallResolvesControlURLFromStatus(t *testing.T) {
	p := &fakeProvider{
		credential: true,
		statusResults: []vapi.StatusResult{
			{OK: true, Status: 200, JSON: map[string]interface{}{
				"status": "in-progress",
				"monitor": map[string]interface{}{
					"controlUrl": "https://c.vapi.ai/control/resolved",
				},
			}},
			{OK: true, Status: 200, JSON: map[string]interface{}{"status": "ended"}},
		},
		endResult: vapi.EndCallResult{OK: true, Status: 200},
	}
	s := newTestService(p)

	out, err := s.EndCall(context.Background(), EndCallInput{CallID: "call-9"})
	require.NoError(t, err)
	require.Len(t, p.endedURLs, 1)
	assert.Equal(t, "https://c.vapi.ai/control/resolved", p.endedURLs[0])
	assert.True(t, out.Confirmed)
	assert.Equal(t, "ended", out.Status)
}

func TestEndCallFallsBackToMonitorURL(t *testing.T) {
	p := &fakeProvider{
		statusResults: []vapi.StatusResult{
			{OK: true, Status: 200, JSON: map[string]interface{}{
				"monitorUrl": "<https://c.vapi.ai/monitor/x>",
			}},
		},
		endResult: vapi.EndCallResult{OK: true, Status: 200},
	}
	s := newTestService(p)

	_, err := s.EndCall(context.Background(), EndCallInput{CallID: "call-9"})
	require.NoError(t, err)
	require.Len(t, p.endedURLs, 1)
	assert.Equal(t, "https://c.vapi.ai/monitor/x", p.endedURLs[0])
}

func TestEndCallControlURLNotReady(t *testing.T) {
	p := &fakeProvider{
		statusResults: []vapi.StatusResult{
			{OK: true, Status: 200, JSON: map[string]interface{}{"status": "queued"}},
		},
	}
	s := newTestService(p)

	_, err := s.EndCall(context.Background(), EndCallInput{CallID: "call-9"})
	assert.ErrorIs(t, err, ErrControlURLNotReady)
	assert.Empty(t, p.endedURLs)
}

func TestEndCallSurfacesProviderRejection(t *testing.T) {
	p := &fakeProvider{
		endResult: vapi.EndCallResult{OK: false, Status: 404, Body: `{"message":"call is not active"}`},
	}
	s := newTestService(p)

	_, err := s.EndCall(context.Background(), EndCallInput{ControlURL: "https://c.vapi.ai/x"})
	var rejected *EndRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 404, rejected.StatusCode)
	assert.Contains(t, rejected.Body, "not active")
}

func TestEndCallUnconfirmedIsStillSuccess(t *testing.T) {
	p := &fakeProvider{
		credential: true,
		statusResults: []vapi.StatusResult{
			{OK: true, Status: 200, JSON: map[string]interface{}{"status": "in-progress"}},
		},
		endResult: vapi.EndCallResult{OK: true, Status: 200},
	}
	s := newTestService(p)

	out, err := s.EndCall(context.Background(), EndCallInput{
		CallID:     "call-9",
		ControlURL: "https://c.vapi.ai/x",
	})
	require.NoError(t, err)
	assert.False(t, out.Confirmed)
	assert.Equal(t, "in-progress", out.Status)
	// the whole poll schedule ran
	assert.Equal(t, 8, p.statusCalls)
}

func TestEndCallConfirmSkippedWithoutCredential(t *testing.T) {
	p := &fakeProvider{
		credential: false,
		endResult:  vapi.EndCallResult{OK: true, Status: 200},
	}
	s := newTestService(p)

	out, err := s.EndCall(context.Background(), EndCallInput{
		CallID:     "call-9",
		ControlURL: "https://c.vapi.ai/x",
	})
	require.NoError(t, err)
	assert.False(t, out.Confirmed)
	assert.Zero(t, p.statusCalls)
}

func TestEndCallConfirmStopsOnContextCancel(t *testing.T) {
	p := &fakeProvider{
		credential: true,
		statusResults: []vapi.StatusResult{
			{OK: true, Status: 200, JSON: map[string]interface{}{"status": "in-progress"}},
		},
		endResult: vapi.EndCallResult{OK: true, Status: 200},
	}
	s := NewService(p)
	s.confirmInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := s.EndCall(ctx, EndCallInput{CallID: "call-9", ControlURL: "https://c.vapi.ai/x"})
	require.NoError(t, err)
	assert.False(t, out.Confirmed)
	assert.Zero(t, p.statusCalls)
}
