package handlers

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/api/jsonrpcx"
	"github.com/danghamo/busline/internal/attendance"
	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/internal/fingerprint"
	"github.com/danghamo/busline/pkg/logger"
)

// Application error codes, in the JSON-RPC server error range
const (
	ErrCodeCameraUnavailable = -32001
	ErrCodeInvalidState      = -32002
	ErrCodeRejected          = -32003
	ErrCodeBackendDown       = -32004
)

// Kiosk runs the student's verification flow
type Kiosk interface {
	StartWith(signals fingerprint.Source) error
	Retry() error
	State() attendance.State
}

// StartScanRequest starts a scan. Signals are the browser's fingerprint
// inputs; without them the kiosk's defaults are used.
type StartScanRequest struct {
	AvailableFacings []string             `json:"available_facings,omitempty"`
	Signals          *fingerprint.Signals `json:"signals,omitempty"`
}

// DecodedRequest carries text the page's decoder produced
type DecodedRequest struct {
	Text string `json:"text"`
}

// ScanResponse is the flow state after a scan call
type ScanResponse struct {
	State    attendance.State `json:"state"`
	Facing   string           `json:"facing,omitempty"`
	Accepted *bool            `json:"accepted,omitempty"`
}

// ScanHandler handles the student page's scan calls
type ScanHandler struct {
	logger *logger.Logger
	bridge *ScanBridge
	kiosk  Kiosk
}

// NewScanHandler creates a new scan handler
func NewScanHandler(logger *logger.Logger, bridge *ScanBridge, kiosk Kiosk) *ScanHandler {
	return &ScanHandler{
		logger: logger.WithComponent("scan-handler"),
		bridge: bridge,
		kiosk:  kiosk,
	}
}

// HandleStart handles POST /api/v1/scan.Start
func (h *ScanHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonrpcx.Error(w, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return
	}

	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.Error(w, nil, jsonrpcx.ParseError, "Invalid JSON-RPC request")
		return
	}

	var params StartScanRequest
	if len(req.Params) > 0 {
		if err := req.BindParams(&params); err != nil {
			jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, "Invalid params")
			return
		}
	}
	var signals fingerprint.Source
	if params.Signals != nil {
		if strings.TrimSpace(params.Signals.UserAgent) == "" {
			jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, "signals.user_agent cannot be empty")
			return
		}
		signals = fingerprint.StaticSource(*params.Signals)
	}
	h.bridge.SetFacings(params.AvailableFacings)

	if err := h.kiosk.StartWith(signals); err != nil {
		h.writeFlowError(w, req.ID, err)
		return
	}

	jsonrpcx.Success(w, req.ID, h.response(nil))
}

// HandleDecoded handles POST /api/v1/scan.Decoded
func (h *ScanHandler) HandleDecoded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonrpcx.Error(w, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return
	}

	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.Error(w, nil, jsonrpcx.ParseError, "Invalid JSON-RPC request")
		return
	}

	var params DecodedRequest
	if err := req.BindParams(&params); err != nil {
		jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, "Invalid params")
		return
	}
	if strings.TrimSpace(params.Text) == "" {
		jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, "text cannot be empty")
		return
	}

	accepted := h.bridge.Deliver(params.Text)
	if !accepted {
		h.logger.Debug("Decoded text with no open scanner dropped")
	}

	jsonrpcx.Success(w, req.ID, h.response(&accepted))
}

// HandleRetry handles POST /api/v1/scan.Retry
func (h *ScanHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonrpcx.Error(w, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return
	}

	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.Error(w, nil, jsonrpcx.ParseError, "Invalid JSON-RPC request")
		return
	}

	if err := h.kiosk.Retry(); err != nil {
		h.writeFlowError(w, req.ID, err)
		return
	}

	jsonrpcx.Success(w, req.ID, h.response(nil))
}

func (h *ScanHandler) response(accepted *bool) ScanResponse {
	resp := ScanResponse{State: h.kiosk.State(), Accepted: accepted}
	if facing, ok := h.bridge.ActiveFacing(); ok {
		resp.Facing = string(facing)
	}
	return resp
}

func (h *ScanHandler) writeFlowError(w http.ResponseWriter, id any, err error) {
	if errors.Is(err, shared.ErrCameraUnavailable) {
		h.logger.Warn("No camera could be opened", zap.Error(err))
		jsonrpcx.Error(w, id, ErrCodeCameraUnavailable, shared.Reason(err))
		return
	}
	jsonrpcx.Error(w, id, ErrCodeInvalidState, err.Error())
}
