package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/danghamo/busline/internal/api/handlers"
	"github.com/danghamo/busline/internal/api/jsonrpcx"
	"github.com/danghamo/busline/internal/api/middleware"
	"github.com/danghamo/busline/internal/attendance"
	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/internal/fingerprint"
	"github.com/danghamo/busline/internal/geo"
	"github.com/danghamo/busline/pkg/logger"
	"github.com/danghamo/busline/pkg/sse"
)

type locatorFunc func(ctx context.Context) (shared.Position, error)

func (f locatorFunc) Acquire(ctx context.Context) (shared.Position, error) { return f(ctx) }

type submitterFunc func(ctx context.Context, sub attendance.Submission) (string, error)

func (f submitterFunc) MarkAttendance(ctx context.Context, sub attendance.Submission) (string, error) {
	return f(ctx, sub)
}

type fakeConsole struct {
	identifiers []string
	emptyChecks int
	err         error
}

func (c *fakeConsole) ManualAttendance(_ context.Context, identifier string) (string, error) {
	c.identifiers = append(c.identifiers, identifier)
	if c.err != nil {
		return "", c.err
	}
	return "Added " + identifier, nil
}

func (c *fakeConsole) ConfirmBusEmpty(context.Context) error {
	c.emptyChecks++
	return c.err
}

func newTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()
	if deps.Broadcaster == nil {
		deps.Broadcaster = sse.NewSSEBroadcaster(logger.NewNop())
		t.Cleanup(deps.Broadcaster.Close)
	}
	s, err := NewServer(ServerConfig{Host: "localhost", Port: 0}, deps, logger.NewNop())
	require.NoError(t, err)
	return s
}

func call(t *testing.T, h http.Handler, path string, params interface{}) (int, jsonrpcx.JSONRPCResponse) {
	t.Helper()
	body := map[string]interface{}{"jsonrpc": "2.0", "method": path, "id": 1}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))

	var resp jsonrpcx.JSONRPCResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec.Code, resp
}

func result(t *testing.T, resp jsonrpcx.JSONRPCResponse) map[string]interface{} {
	t.Helper()
	require.Nil(t, resp.Error)
	m, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	return m
}

func TestNewServer_RequiresBroadcaster(t *testing.T) {
	_, err := NewServer(ServerConfig{}, Dependencies{}, logger.NewNop())
	assert.Error(t, err)

	b := sse.NewSSEBroadcaster(logger.NewNop())
	defer b.Close()
	_, err = NewServer(ServerConfig{}, Dependencies{Broadcaster: b, Kiosk: &attendance.Flow{}}, logger.NewNop())
	assert.Error(t, err)
}

func TestServer_HealthWithoutRedis(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_PingAndInfo(t *testing.T) {
	s := newTestServer(t, Dependencies{Info: handlers.AgentInfo{Role: "student", StationID: "gate 1"}})

	_, resp := call(t, s.Handler(), "/api/v1/ping", nil)
	assert.Equal(t, "pong", result(t, resp)["message"])

	_, resp = call(t, s.Handler(), "/api/v1/agent.Info", nil)
	info := result(t, resp)
	assert.Equal(t, "student", info["role"])
	assert.Equal(t, "/api/v1/stream?station=gate+1", info["stream_url"])
}

func TestServer_RoleRoutesAbsentWithoutDependencies(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	for _, path := range []string{"/api/v1/location.Report", "/api/v1/scan.Start", "/api/v1/driver.ConfirmBusEmpty"} {
		code, _ := call(t, s.Handler(), path, nil)
		assert.Equal(t, http.StatusNotFound, code, path)
	}
}

func TestServer_LocationReportFeedsWatchers(t *testing.T) {
	feed := geo.NewFeedSensor()
	s := newTestServer(t, Dependencies{Feed: feed})

	got := make(chan shared.Position, 1)
	sub, err := feed.Watch(context.Background(), func(p shared.Position) { got <- p }, nil)
	require.NoError(t, err)
	defer sub.Stop()

	_, resp := call(t, s.Handler(), "/api/v1/location.Report", map[string]interface{}{
		"lat": 12.9716, "lng": 77.5946, "high_accuracy": true,
	})
	assert.Equal(t, true, result(t, resp)["accepted"])

	select {
	case p := <-got:
		assert.Equal(t, 12.9716, p.Latitude)
		assert.Equal(t, 77.5946, p.Longitude)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive the fix")
	}

	_, resp = call(t, s.Handler(), "/api/v1/location.Report", map[string]interface{}{"lat": 120.0, "lng": 0.0})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpcx.InvalidParams, resp.Error.Code)
}

func TestServer_LocationErrorFailsPendingRequest(t *testing.T) {
	feed := geo.NewFeedSensor()
	s := newTestServer(t, Dependencies{Feed: feed})

	errCh := make(chan error, 1)
	go func() {
		_, err := feed.CurrentPosition(context.Background(), geo.PositionOptions{Timeout: 2 * time.Second})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return feed.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	_, resp := call(t, s.Handler(), "/api/v1/location.Error", map[string]interface{}{"code": 1, "message": "User denied Geolocation"})
	result(t, resp)

	err := <-errCh
	var posErr *geo.PositionError
	require.True(t, errors.As(err, &posErr))
	assert.Equal(t, geo.CodePermissionDenied, posErr.Code)

	_, resp = call(t, s.Handler(), "/api/v1/location.Error", map[string]interface{}{"code": 9})
	require.NotNil(t, resp.Error)
}

func newKiosk(t *testing.T, bridge *handlers.ScanBridge, submit submitterFunc) *attendance.Flow {
	t.Helper()
	locator := locatorFunc(func(context.Context) (shared.Position, error) {
		return shared.NewPosition(12.9, 77.6), nil
	})
	flow := attendance.NewFlow(attendance.Config{StationID: "gate-1"}, bridge, locator, submit,
		fingerprint.StaticSource{UserAgent: "kiosk"}, nil, nil, nil, logger.NewNop())
	t.Cleanup(flow.Close)
	return flow
}

func TestServer_ScanFlowEndToEnd(t *testing.T) {
	bridge := handlers.NewScanBridge()
	var submitted attendance.Submission
	flow := newKiosk(t, bridge, func(_ context.Context, sub attendance.Submission) (string, error) {
		submitted = sub
		return "Welcome aboard", nil
	})
	s := newTestServer(t, Dependencies{Bridge: bridge, Kiosk: flow})

	_, resp := call(t, s.Handler(), "/api/v1/scan.Start", map[string]interface{}{"available_facings": []string{"user"}})
	started := result(t, resp)
	assert.Equal(t, string(attendance.StateScanning), started["state"])
	assert.Equal(t, string(attendance.FacingFront), started["facing"])

	_, resp = call(t, s.Handler(), "/api/v1/scan.Decoded", map[string]interface{}{"text": "CODE-123"})
	assert.Equal(t, true, result(t, resp)["accepted"])

	flow.Wait()
	assert.Equal(t, attendance.StateSuccess, flow.State())
	assert.Equal(t, "CODE-123", submitted.Code)

	// the scanner is closed after the first decode
	_, resp = call(t, s.Handler(), "/api/v1/scan.Decoded", map[string]interface{}{"text": "CODE-456"})
	assert.Equal(t, false, result(t, resp)["accepted"])

	_, resp = call(t, s.Handler(), "/api/v1/scan.Retry", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, handlers.ErrCodeInvalidState, resp.Error.Code)
}

func TestServer_ScanStartFingerprintsPostedSignals(t *testing.T) {
	signals := fingerprint.Signals{
		UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X)",
		Language:       "hi-IN",
		ColorDepth:     32,
		ScreenWidth:    390,
		ScreenHeight:   844,
		TimezoneOffset: -330,
	}

	tests := []struct {
		name   string
		params map[string]interface{}
		want   string
	}{
		{
			name:   "posted signals",
			params: map[string]interface{}{"signals": signals},
			want:   fingerprint.FromSignals(signals),
		},
		{
			name:   "kiosk defaults without signals",
			params: map[string]interface{}{},
			want:   fingerprint.Compute(fingerprint.StaticSource{UserAgent: "kiosk"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := handlers.NewScanBridge()
			var submitted attendance.Submission
			flow := newKiosk(t, bridge, func(_ context.Context, sub attendance.Submission) (string, error) {
				submitted = sub
				return "Welcome aboard", nil
			})
			s := newTestServer(t, Dependencies{Bridge: bridge, Kiosk: flow})

			_, resp := call(t, s.Handler(), "/api/v1/scan.Start", tt.params)
			result(t, resp)
			_, resp = call(t, s.Handler(), "/api/v1/scan.Decoded", map[string]interface{}{"text": "CODE-123"})
			result(t, resp)
			flow.Wait()

			assert.Equal(t, tt.want, submitted.Fingerprint)
		})
	}

	t.Run("signals without a user agent", func(t *testing.T) {
		bridge := handlers.NewScanBridge()
		flow := newKiosk(t, bridge, func(context.Context, attendance.Submission) (string, error) { return "", nil })
		s := newTestServer(t, Dependencies{Bridge: bridge, Kiosk: flow})

		_, resp := call(t, s.Handler(), "/api/v1/scan.Start", map[string]interface{}{
			"signals": map[string]interface{}{"language": "en-US"},
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpcx.InvalidParams, resp.Error.Code)
		assert.Equal(t, attendance.StateIdle, flow.State())
	})
}

func TestServer_ScanStartWithoutCamera(t *testing.T) {
	bridge := handlers.NewScanBridge()
	flow := newKiosk(t, bridge, func(context.Context, attendance.Submission) (string, error) { return "", nil })
	s := newTestServer(t, Dependencies{Bridge: bridge, Kiosk: flow})

	_, resp := call(t, s.Handler(), "/api/v1/scan.Start", map[string]interface{}{"available_facings": []string{"none"}})

	require.NotNil(t, resp.Error)
	assert.Equal(t, handlers.ErrCodeCameraUnavailable, resp.Error.Code)
	assert.Equal(t, shared.MessageCameraUnavailable, resp.Error.Message)
	assert.Equal(t, attendance.StateFailure, flow.State())
}

func TestServer_DriverRoutes(t *testing.T) {
	console := &fakeConsole{}
	s := newTestServer(t, Dependencies{Console: console})

	_, resp := call(t, s.Handler(), "/api/v1/driver.ManualAttendance", map[string]string{"identifier": " S-101 "})
	assert.Equal(t, "Added S-101", result(t, resp)["message"])

	_, resp = call(t, s.Handler(), "/api/v1/driver.ManualAttendance", map[string]string{"identifier": ""})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpcx.InvalidParams, resp.Error.Code)

	_, resp = call(t, s.Handler(), "/api/v1/driver.ConfirmBusEmpty", nil)
	assert.Equal(t, true, result(t, resp)["confirmed"])
	assert.Equal(t, 1, console.emptyChecks)

	console.err = shared.NewRejection("manual-attendance", "Student not found")
	_, resp = call(t, s.Handler(), "/api/v1/driver.ManualAttendance", map[string]string{"identifier": "S-404"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, handlers.ErrCodeRejected, resp.Error.Code)
	assert.Equal(t, "Student not found", resp.Error.Message)

	console.err = shared.WrapNetworkError(errors.New("connection refused"), "bus-empty-check")
	_, resp = call(t, s.Handler(), "/api/v1/driver.ConfirmBusEmpty", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, handlers.ErrCodeBackendDown, resp.Error.Code)
}

func TestServer_IngestionIsRateLimited(t *testing.T) {
	limit := middleware.RateLimitConfig{Limit: rate.Every(time.Hour), Burst: 1}
	s := newTestServer(t, Dependencies{Feed: geo.NewFeedSensor(), RateLimit: &limit})

	params := map[string]interface{}{"lat": 1.0, "lng": 2.0}
	code, _ := call(t, s.Handler(), "/api/v1/location.Report", params)
	assert.Equal(t, http.StatusOK, code)
	code, _ = call(t, s.Handler(), "/api/v1/location.Report", params)
	assert.Equal(t, http.StatusTooManyRequests, code)

	// non-ingestion routes are not limited
	code, _ = call(t, s.Handler(), "/api/v1/ping", nil)
	assert.Equal(t, http.StatusOK, code)
}
