package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/api/jsonrpcx"
	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/pkg/logger"
)

// Console is the driver's bus console
type Console interface {
	ManualAttendance(ctx context.Context, identifier string) (string, error)
	ConfirmBusEmpty(ctx context.Context) error
}

// ManualAttendanceRequest boards a student by ID or name
type ManualAttendanceRequest struct {
	Identifier string `json:"identifier"`
}

// DriverHandler handles the driver page's calls
type DriverHandler struct {
	logger  *logger.Logger
	console Console
}

// NewDriverHandler creates a new driver handler
func NewDriverHandler(logger *logger.Logger, console Console) *DriverHandler {
	return &DriverHandler{
		logger:  logger.WithComponent("driver-handler"),
		console: console,
	}
}

// HandleManualAttendance handles POST /api/v1/driver.ManualAttendance
func (h *DriverHandler) HandleManualAttendance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonrpcx.Error(w, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return
	}

	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.Error(w, nil, jsonrpcx.ParseError, "Invalid JSON-RPC request")
		return
	}

	var params ManualAttendanceRequest
	if err := req.BindParams(&params); err != nil {
		jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, "Invalid params")
		return
	}

	identifier := strings.TrimSpace(params.Identifier)
	if identifier == "" {
		jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, "identifier cannot be empty")
		return
	}

	message, err := h.console.ManualAttendance(r.Context(), identifier)
	if err != nil {
		h.writeBackendError(w, req.ID, err)
		return
	}

	jsonrpcx.Success(w, req.ID, map[string]string{"message": message})
}

// HandleConfirmBusEmpty handles POST /api/v1/driver.ConfirmBusEmpty
func (h *DriverHandler) HandleConfirmBusEmpty(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonrpcx.Error(w, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return
	}

	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.Error(w, nil, jsonrpcx.ParseError, "Invalid JSON-RPC request")
		return
	}

	if err := h.console.ConfirmBusEmpty(r.Context()); err != nil {
		h.writeBackendError(w, req.ID, err)
		return
	}

	jsonrpcx.Success(w, req.ID, map[string]bool{"confirmed": true})
}

func (h *DriverHandler) writeBackendError(w http.ResponseWriter, id any, err error) {
	if errors.Is(err, shared.ErrServerRejected) {
		jsonrpcx.Error(w, id, ErrCodeRejected, shared.Reason(err))
		return
	}
	h.logger.Warn("Backend call failed", zap.Error(err))
	jsonrpcx.Error(w, id, ErrCodeBackendDown, shared.Reason(err))
}
