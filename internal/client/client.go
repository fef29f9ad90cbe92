// Package client talks to the attendance backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/attendance"
	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/internal/manifest"
	"github.com/danghamo/busline/pkg/logger"
)

// Backend endpoints, relative to the base URL
const (
	EndpointHeartbeat        = "/api/driver-heartbeat"
	EndpointManifest         = "/api/bus-manifest"
	EndpointCode             = "/api/get-qr"
	EndpointMarkAttendance   = "/api/mark-attendance"
	EndpointManualAttendance = "/api/manual-attendance"
	EndpointBusEmptyCheck    = "/api/bus-empty-check"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	maxBodyBytes = 1 << 20
)

// Config holds backend connection settings
type Config struct {
	BaseURL string
	Token   string
	BusNo   string
	Timeout time.Duration
}

// Client implements the backend contracts used by the tracking session, the
// credential rotator, the manifest poller and the verification flow.
type Client struct {
	baseURL    string
	token      string
	busNo      string
	httpClient *http.Client
	logger     *logger.Logger
}

// envelope is the union of every backend response body
type envelope struct {
	Status   string           `json:"status"`
	Message  string           `json:"message"`
	Sync     bool             `json:"sync"`
	QRData   string           `json:"qr_data"`
	Count    *int             `json:"count"`
	Manifest []manifest.Entry `json:"manifest"`
}

type heartbeatRequest struct {
	BusNo string  `json:"bus_no"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

type markAttendanceRequest struct {
	QRData   string  `json:"qr_data"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	DeviceID string  `json:"device_id"`
}

type manualAttendanceRequest struct {
	BusNo      string `json:"bus_no"`
	Identifier string `json:"identifier"`
}

type busEmptyRequest struct {
	BusNo string `json:"bus_no"`
}

// New creates a backend client
func New(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		busNo:      cfg.BusNo,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.WithComponent("backend-client"),
	}, nil
}

// BusNo returns the bus this client reports for
func (c *Client) BusNo() string {
	return c.busNo
}

// Heartbeat reports the bus position
func (c *Client) Heartbeat(ctx context.Context, busNo string, pos shared.Position) error {
	_, err := c.do(ctx, http.MethodPost, EndpointHeartbeat, nil, heartbeatRequest{
		BusNo: busNo,
		Lat:   pos.Latitude,
		Lng:   pos.Longitude,
	})
	return err
}

// FetchManifest returns today's roster for the bus
func (c *Client) FetchManifest(ctx context.Context) (manifest.Snapshot, error) {
	env, err := c.do(ctx, http.MethodGet, EndpointManifest, c.busQuery(), nil)
	if err != nil {
		return manifest.Snapshot{}, err
	}

	snap := manifest.Snapshot{Manifest: env.Manifest}
	if env.Count != nil {
		snap.Count = *env.Count
	} else {
		snap.Count = len(env.Manifest)
	}
	return snap, nil
}

// FetchCode returns a freshly issued rotating code payload
func (c *Client) FetchCode(ctx context.Context) (string, error) {
	env, err := c.do(ctx, http.MethodGet, EndpointCode, c.busQuery(), nil)
	if err != nil {
		return "", err
	}
	if env.QRData == "" {
		return "", shared.WrapNetworkError(fmt.Errorf("response has no qr_data"), EndpointCode)
	}
	return env.QRData, nil
}

// MarkAttendance submits a decoded code with the student's fix and device
// fingerprint. It returns the server's message on success.
func (c *Client) MarkAttendance(ctx context.Context, sub attendance.Submission) (string, error) {
	env, err := c.do(ctx, http.MethodPost, EndpointMarkAttendance, nil, markAttendanceRequest{
		QRData:   sub.Code,
		Lat:      sub.Position.Latitude,
		Lng:      sub.Position.Longitude,
		DeviceID: sub.Fingerprint,
	})
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// ManualAttendance lets a driver board a student by ID or name
func (c *Client) ManualAttendance(ctx context.Context, busNo, identifier string) (string, error) {
	env, err := c.do(ctx, http.MethodPost, EndpointManualAttendance, nil, manualAttendanceRequest{
		BusNo:      busNo,
		Identifier: identifier,
	})
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// ConfirmBusEmpty records the driver's end-of-trip empty check
func (c *Client) ConfirmBusEmpty(ctx context.Context, busNo string) error {
	_, err := c.do(ctx, http.MethodPost, EndpointBusEmptyCheck, nil, busEmptyRequest{BusNo: busNo})
	return err
}

func (c *Client) busQuery() url.Values {
	if c.busNo == "" {
		return nil
	}
	return url.Values{"bus_no": []string{c.busNo}}
}

// do sends one request. Transport failures and bodies that are not JSON are
// network failures; a JSON body with status "error" is a rejection whatever
// the HTTP status.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body interface{}) (*envelope, error) {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, shared.WrapNetworkError(err, endpoint)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, shared.WrapNetworkError(err, endpoint)
	}

	c.logger.Debug("Backend request completed",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, shared.WrapNetworkError(
			fmt.Errorf("undecodable response (HTTP %d): %w", resp.StatusCode, err), endpoint)
	}

	if env.Status == statusError {
		reason := env.Message
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, shared.NewRejection(endpoint, reason)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, shared.WrapNetworkError(fmt.Errorf("unexpected HTTP status %d", resp.StatusCode), endpoint)
	}

	return &env, nil
}
