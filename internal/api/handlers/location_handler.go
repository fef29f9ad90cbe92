package handlers

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/api/jsonrpcx"
	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/internal/geo"
	"github.com/danghamo/busline/pkg/logger"
)

// ReportLocationRequest is a fix taken by the page
type ReportLocationRequest struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	HighAccuracy bool    `json:"high_accuracy"`
	// CapturedAt is milliseconds since the epoch, as the page's clock reads it
	CapturedAt int64 `json:"captured_at,omitempty"`
}

// ReportLocationErrorRequest is a failure of the page's position capability
type ReportLocationErrorRequest struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// LocationHandler feeds page fixes into the agent's position sensor
type LocationHandler struct {
	logger *logger.Logger
	feed   *geo.FeedSensor
}

// NewLocationHandler creates a new location handler
func NewLocationHandler(logger *logger.Logger, feed *geo.FeedSensor) *LocationHandler {
	return &LocationHandler{
		logger: logger.WithComponent("location-handler"),
		feed:   feed,
	}
}

// HandleReport handles POST /api/v1/location.Report
func (h *LocationHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonrpcx.Error(w, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return
	}

	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.Error(w, nil, jsonrpcx.ParseError, "Invalid JSON-RPC request")
		return
	}

	var params ReportLocationRequest
	if err := req.BindParams(&params); err != nil {
		jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, "Invalid params")
		return
	}

	if err := validateCoordinates(params.Lat, params.Lng); err != nil {
		jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, err.Error())
		return
	}

	pos := shared.NewPosition(params.Lat, params.Lng)
	if params.CapturedAt > 0 {
		pos.CapturedAt = time.UnixMilli(params.CapturedAt)
	}
	h.feed.Report(pos, params.HighAccuracy)

	h.logger.Debug("Fix reported",
		zap.Float64("lat", params.Lat),
		zap.Float64("lng", params.Lng),
		zap.Bool("highAccuracy", params.HighAccuracy))

	jsonrpcx.Success(w, req.ID, map[string]interface{}{
		"accepted": true,
		"watchers": h.feed.WatcherCount(),
	})
}

// HandleError handles POST /api/v1/location.Error
func (h *LocationHandler) HandleError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonrpcx.Error(w, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return
	}

	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.Error(w, nil, jsonrpcx.ParseError, "Invalid JSON-RPC request")
		return
	}

	var params ReportLocationErrorRequest
	if err := req.BindParams(&params); err != nil {
		jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, "Invalid params")
		return
	}

	if params.Code < geo.CodePermissionDenied || params.Code > geo.CodeTimeout {
		jsonrpcx.Error(w, req.ID, jsonrpcx.InvalidParams, fmt.Sprintf("unknown position error code %d", params.Code))
		return
	}

	h.feed.ReportError(params.Code, params.Message)

	h.logger.Info("Position capability error reported",
		zap.Int("code", params.Code),
		zap.String("message", params.Message))

	jsonrpcx.Success(w, req.ID, map[string]bool{"accepted": true})
}

func validateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return fmt.Errorf("coordinates must be numbers")
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude %v out of range", lng)
	}
	return nil
}
