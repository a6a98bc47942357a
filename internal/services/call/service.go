// Package call orchestrates the provider-side lifecycle of dispatcher
// verification calls: placing them, reporting their status and driving the
// end-call sequence to a confirmed stop.
package call

import (
	"context"
	"time"

	"github.com/loadlink-ai/dispatch-voice-service/internal/adapters/vapi"
	"github.com/loadlink-ai/dispatch-voice-service/internal/event"
	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// Provider is the slice of the Vapi client this service depends on.
type Provider interface {
	HasCredential() bool
	StartCall(ctx context.Context, req vapi.StartCallRequest) (*vapi.StartCallResponse, error)
	GetCallStatus(ctx context.Context, callID string) (vapi.StatusResult, error)
	EndCall(ctx context.Context, controlURL string) vapi.EndCallResult
}

// Service manages dispatcher call lifecycle operations.
type Service struct {
	provider Provider

	// Confirm poll cadence after a successful end command; overridden in
	// tests so they never sleep for the real schedule.
	confirmInterval time.Duration
	confirmAttempts int
}

// NewService creates a call service around the given provider client.
func NewService(provider Provider) *Service {
	return &Service{
		provider:        provider,
		confirmInterval: time.Second,
		confirmAttempts: 8,
	}
}

// StartCall places an outbound verification call. Blank optional fields get
// the placeholder the assistant's prompt expects rather than an empty
// substitution.
func (s *Service) StartCall(ctx context.Context, in StartCallInput) (*StartCallOutcome, error) {
	if in.PhoneNumber == "" {
		return nil, ErrMissingPhone
	}

	resp, err := s.provider.StartCall(ctx, vapi.StartCallRequest{
		CustomerNumber: in.PhoneNumber,
		VariableValues: in.variableValues(),
	})
	if err != nil {
		return nil, err
	}

	monitorURL, _ := resp.Raw["monitorUrl"].(string)
	logger.Base().Info("Verification call placed",
		zap.String("call_id", resp.ID),
		zap.String("status", resp.Status),
		zap.String("company", in.CompanyName))
	return &StartCallOutcome{
		CallID:     resp.ID,
		Status:     resp.Status,
		MonitorURL: monitorURL,
		Raw:        resp.Raw,
	}, nil
}

// variableValues maps the carrier profile onto the assistant's prompt
// variables, applying defaults for the fields the prompt always references.
func (in StartCallInput) variableValues() map[string]string {
	orDash := func(v string) string {
		if v == "" {
			return "-"
		}
		return v
	}
	dispatcher := in.DispatcherName
	if dispatcher == "" {
		dispatcher = "Dispatcher"
	}
	return map[string]string{
		"dispatcherName":     dispatcher,
		"entityType":         orDash(in.EntityType),
		"usdotNumber":        orDash(in.USDOTNumber),
		"dateFound":          orDash(in.DateFound),
		"opStates":           orDash(in.OpStates),
		"companyName":        orDash(in.CompanyName),
		"mcNumber":           orDash(in.MCNumber),
		"address":            orDash(in.Address),
		"carrierPhoneNumber": orDash(in.CarrierPhoneNumber),
		"powerUnits":         orDash(in.PowerUnits),
		"drivers":            orDash(in.Drivers),
		"cargoCarried":       orDash(in.CargoCarried),
		"categoryType":       orDash(in.CategoryType),
	}
}

// CallStatus fetches the provider record for a call.
func (s *Service) CallStatus(ctx context.Context, callID string) (vapi.StatusResult, error) {
	return s.provider.GetCallStatus(ctx, callID)
}

// EndCall terminates a live call. The sequence is resolve the control URL,
// post the end command, then poll for a terminal status to confirm. The
// confirm step is best effort: the command was accepted either way.
func (s *Service) EndCall(ctx context.Context, in EndCallInput) (*EndCallOutcome, error) {
	if in.CallID == "" && in.ControlURL == "" {
		return nil, ErrMissingIdentifier
	}

	controlURL := event.NormalizeControlURL(in.ControlURL)
	if controlURL == "" {
		resolved, err := s.resolveControlURL(ctx, in.CallID)
		if err != nil {
			return nil, err
		}
		controlURL = resolved
	}
	if controlURL == "" {
		return nil, ErrControlURLNotReady
	}

	res := s.provider.EndCall(ctx, controlURL)
	if !res.OK {
		return nil, &EndRejectedError{StatusCode: res.Status, Body: res.Body}
	}

	outcome := &EndCallOutcome{CallID: in.CallID}
	if in.CallID != "" && s.provider.HasCredential() {
		outcome.Confirmed, outcome.Status = s.confirmEnded(ctx, in.CallID)
	}

	logger.Base().Info("Call termination accepted",
		zap.String("call_id", in.CallID),
		zap.Bool("confirmed", outcome.Confirmed),
		zap.String("status", outcome.Status))
	return outcome, nil
}

// resolveControlURL looks the control URL up from the call's provider
// record. Older provider responses exposed it under different keys.
func (s *Service) resolveControlURL(ctx context.Context, callID string) (string, error) {
	res, err := s.provider.GetCallStatus(ctx, callID)
	if err != nil {
		return "", err
	}
	if !res.OK || res.JSON == nil {
		return "", nil
	}
	if url := event.ControlURL(res.JSON); url != "" {
		return url, nil
	}
	if raw, _ := res.JSON["controlUrl"].(string); raw != "" {
		return event.NormalizeControlURL(raw), nil
	}
	// last resort; on some call records the monitor URL doubles as the
	// control endpoint
	raw, _ := res.JSON["monitorUrl"].(string)
	return event.NormalizeControlURL(raw), nil
}

// confirmEnded polls the call status until it reaches a terminal state or
// the schedule runs out. Returns the last status seen either way.
func (s *Service) confirmEnded(ctx context.Context, callID string) (bool, string) {
	lastStatus := ""
	for attempt := 0; attempt < s.confirmAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false, lastStatus
		case <-time.After(s.confirmInterval):
		}

		res, err := s.provider.GetCallStatus(ctx, callID)
		if err != nil || !res.OK || res.JSON == nil {
			continue
		}
		status, _ := res.JSON["status"].(string)
		if status != "" {
			lastStatus = status
		}
		if event.IsTerminalStatus(status) {
			return true, status
		}
	}
	logger.Base().Warn("Call end not confirmed within poll window",
		zap.String("call_id", callID),
		zap.String("last_status", lastStatus))
	return false, lastStatus
}
