package call

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingPhone is returned when a start request has no carrier
	// phone number to dial.
	ErrMissingPhone = errors.New("call: phone number is required")

	// ErrMissingIdentifier is returned when an end request carries
	// neither a call ID nor a control URL.
	ErrMissingIdentifier = errors.New("call: callId or controlUrl is required")

	// ErrControlURLNotReady is returned when the provider has not yet
	// minted a control URL for the call. The caller can retry once the
	// webhook stream delivers one.
	ErrControlURLNotReady = errors.New("call: control url not available yet")
)

// EndRejectedError reports that the provider refused the end-call command
// with a definitive status, so retrying the same command is pointless.
type EndRejectedError struct {
	StatusCode int
	Body       string
}

func (e *EndRejectedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("call: end command failed before reaching the provider: %s", e.Body)
	}
	return fmt.Sprintf("call: provider rejected end command: status=%d body=%s", e.StatusCode, e.Body)
}

// StartCallInput is the dispatcher-entered carrier profile for one outbound
// verification call. Every field lands in the assistant's prompt as a
// template variable.
type StartCallInput struct {
	PhoneNumber string

	DispatcherName     string
	EntityType         string
	USDOTNumber        string
	DateFound          string
	OpStates           string
	CompanyName        string
	MCNumber           string
	Address            string
	CarrierPhoneNumber string
	PowerUnits         string
	Drivers            string
	CargoCarried       string
	CategoryType       string
}

// StartCallOutcome is what the UI needs to follow the call it just placed.
type StartCallOutcome struct {
	CallID string
	Status string
	// MonitorURL is the listen endpoint the provider attaches to some call
	// records at creation; empty when it has not been minted yet.
	MonitorURL string
	// Raw is the full provider response; it carries the monitor URLs the
	// browser uses before the first webhook arrives.
	Raw map[string]interface{}
}

// EndCallInput identifies the call to terminate. ControlURL wins when both
// are set; CallID alone triggers a status fetch to resolve the URL.
type EndCallInput struct {
	CallID     string
	ControlURL string
}

// EndCallOutcome reports a termination the provider accepted. Confirmed is
// true only when a follow-up status poll saw the call reach a terminal
// state; an unconfirmed outcome is still a success.
type EndCallOutcome struct {
	CallID    string
	Confirmed bool
	Status    string
}
