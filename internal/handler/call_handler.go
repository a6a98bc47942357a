package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/loadlink-ai/dispatch-voice-service/internal/adapters/vapi"
	"github.com/loadlink-ai/dispatch-voice-service/internal/event"
	"github.com/loadlink-ai/dispatch-voice-service/internal/services/call"
	"github.com/loadlink-ai/dispatch-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// CallHandler exposes the call lifecycle API the dispatcher UI talks to.
type CallHandler struct {
	service *call.Service
}

// NewCallHandler creates a new call API handler.
func NewCallHandler(service *call.Service) *CallHandler {
	return &CallHandler{service: service}
}

// StartCallRequest is the JSON body of POST /api/start-vapi-call: the
// number to dial plus the carrier profile form as the UI submitted it.
type StartCallRequest struct {
	CarrierPhone string      `json:"carrierPhone"`
	FormData     CarrierForm `json:"formData"`
}

// CarrierForm is the carrier profile form from the dispatcher UI.
type CarrierForm struct {
	DispatcherName     string `json:"dispatcherName"`
	EntityType         string `json:"entityType"`
	USDOTNumber        string `json:"usdotNumber"`
	DateFound          string `json:"dateFound"`
	OpStates           string `json:"opStates"`
	CompanyName        string `json:"companyName"`
	MCNumber           string `json:"mcNumber"`
	Address            string `json:"address"`
	CarrierPhoneNumber string `json:"carrierPhoneNumber"`
	PowerUnits         string `json:"powerUnits"`
	Drivers            string `json:"drivers"`
	CargoCarried       string `json:"cargoCarried"`
	CategoryType       string `json:"categoryType"`
}

// EndCallRequest is the JSON body of POST /api/end-vapi-call.
type EndCallRequest struct {
	CallID     string `json:"callId"`
	ControlURL string `json:"controlUrl"`
}

// SetupCallRoutes sets up the call lifecycle API routes on the API subrouter.
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/start-vapi-call", h.HandleStartCall).Methods("POST")
	router.HandleFunc("/end-vapi-call", h.HandleEndCall).Methods("POST")
	router.HandleFunc("/vapi-call-status/{callId}", h.HandleCallStatus).Methods("GET")
	logger.Base().Info("call api routes registered")
}

// HandleStartCall handles POST /api/start-vapi-call.
func (h *CallHandler) HandleStartCall(w http.ResponseWriter, r *http.Request) {
	var req StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := h.service.StartCall(r.Context(), call.StartCallInput{
		PhoneNumber:        req.CarrierPhone,
		DispatcherName:     req.FormData.DispatcherName,
		EntityType:         req.FormData.EntityType,
		USDOTNumber:        req.FormData.USDOTNumber,
		DateFound:          req.FormData.DateFound,
		OpStates:           req.FormData.OpStates,
		CompanyName:        req.FormData.CompanyName,
		MCNumber:           req.FormData.MCNumber,
		Address:            req.FormData.Address,
		CarrierPhoneNumber: req.FormData.CarrierPhoneNumber,
		PowerUnits:         req.FormData.PowerUnits,
		Drivers:            req.FormData.Drivers,
		CargoCarried:       req.FormData.CargoCarried,
		CategoryType:       req.FormData.CategoryType,
	})
	if err != nil {
		switch {
		case errors.Is(err, call.ErrMissingPhone):
			sendErrorResponse(w, http.StatusBadRequest, "carrierPhone is required")
		case errors.Is(err, vapi.ErrMissingCredential):
			sendErrorResponse(w, http.StatusServiceUnavailable, "voice provider is not configured")
		default:
			logger.Base().Error("Failed to start call", zap.Error(err))
			sendErrorResponse(w, http.StatusInternalServerError, "failed to start call")
		}
		return
	}

	sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"callId":     out.CallID,
		"monitorUrl": out.MonitorURL,
	})
}

// HandleEndCall handles POST /api/end-vapi-call. A not-ready control URL is
// a 400 with retryable set so the UI knows to try again after the next
// webhook; a provider-side 5xx is mirrored so the UI can tell a dead
// provider from a bad request.
func (h *CallHandler) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	var req EndCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := h.service.EndCall(r.Context(), call.EndCallInput{
		CallID:     req.CallID,
		ControlURL: req.ControlURL,
	})
	if err != nil {
		var rejected *call.EndRejectedError
		switch {
		case errors.Is(err, call.ErrMissingIdentifier):
			sendErrorResponse(w, http.StatusBadRequest, "callId or controlUrl is required")
		case errors.Is(err, call.ErrControlURLNotReady):
			sendJSONResponse(w, http.StatusBadRequest, map[string]interface{}{
				"success":   false,
				"error":     "control url not available yet, retry shortly",
				"retryable": true,
			})
		case errors.Is(err, vapi.ErrMissingCredential):
			sendErrorResponse(w, http.StatusServiceUnavailable, "voice provider is not configured")
		case errors.As(err, &rejected):
			status := http.StatusBadGateway
			if rejected.StatusCode >= 500 {
				status = rejected.StatusCode
			}
			sendJSONResponse(w, status, map[string]interface{}{
				"success": false,
				"error":   "provider rejected end-call command",
				"status":  rejected.StatusCode,
				"body":    rejected.Body,
			})
		default:
			logger.Base().Error("Failed to end call", zap.Error(err))
			sendErrorResponse(w, http.StatusBadGateway, "failed to end call")
		}
		return
	}

	sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"callId":    out.CallID,
		"confirmed": out.Confirmed,
		"status":    out.Status,
	})
}

// HandleCallStatus handles GET /api/vapi-call-status/{callId}. A provider
// failure mirrors the provider's status code with its body attached.
func (h *CallHandler) HandleCallStatus(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]
	if callID == "" {
		sendErrorResponse(w, http.StatusBadRequest, "callId is required")
		return
	}

	res, err := h.service.CallStatus(r.Context(), callID)
	if err != nil {
		if errors.Is(err, vapi.ErrMissingCredential) {
			sendErrorResponse(w, http.StatusServiceUnavailable, "voice provider is not configured")
			return
		}
		logger.Base().Error("Failed to fetch call status", zap.String("call_id", callID), zap.Error(err))
		sendErrorResponse(w, http.StatusBadGateway, "failed to fetch call status")
		return
	}

	if !res.OK {
		code := res.Status
		if code == 0 {
			code = http.StatusInternalServerError
		}
		sendJSONResponse(w, code, map[string]interface{}{
			"success": false,
			"error":   "failed to fetch call status",
			"status":  res.Status,
			"body":    res.JSON,
		})
		return
	}

	status, _ := res.JSON["status"].(string)
	sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"callId":  callID,
		"status":  status,
		"ended":   event.IsTerminalStatus(status),
	})
}

// sendJSONResponse writes payload as JSON with the given status code.
func sendJSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Base().Error("Failed to encode response", zap.Error(err))
	}
}

// sendErrorResponse writes a standard error body.
func sendErrorResponse(w http.ResponseWriter, status int, message string) {
	sendJSONResponse(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
