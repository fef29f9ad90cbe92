package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/api/handlers"
	"github.com/danghamo/busline/internal/api/jsonrpcx"
	"github.com/danghamo/busline/internal/api/middleware"
	"github.com/danghamo/busline/internal/geo"
	"github.com/danghamo/busline/pkg/logger"
	"github.com/danghamo/busline/pkg/redisx"
	"github.com/danghamo/busline/pkg/sse"
)

// StreamPath is where pages subscribe to agent notifications
const StreamPath = "/api/v1/stream"

// Server represents the HTTP server the local page talks to
type Server struct {
	httpServer      *http.Server
	logger          *logger.Logger
	redisClient     *redisx.Client
	mux             *http.ServeMux
	sseBroadcaster  *sse.SSEBroadcaster
	agentHandler    *handlers.AgentHandler
	locationHandler *handlers.LocationHandler
	scanHandler     *handlers.ScanHandler
	driverHandler   *handlers.DriverHandler
	rateLimit       middleware.RateLimitConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// Dependencies are the role-specific parts the server exposes. Nil parts
// leave their routes unregistered.
type Dependencies struct {
	Info        handlers.AgentInfo
	Broadcaster *sse.SSEBroadcaster
	Redis       *redisx.Client
	Feed        *geo.FeedSensor
	Bridge      *handlers.ScanBridge
	Kiosk       handlers.Kiosk
	Console     handlers.Console
	RateLimit   *middleware.RateLimitConfig
}

// NewServer creates a new HTTP server
func NewServer(config ServerConfig, deps Dependencies, logger *logger.Logger) (*Server, error) {
	if deps.Broadcaster == nil {
		return nil, fmt.Errorf("sse broadcaster is required")
	}
	if deps.Kiosk != nil && deps.Bridge == nil {
		return nil, fmt.Errorf("scan bridge is required with a kiosk")
	}

	mux := http.NewServeMux()
	apiLogger := logger.WithComponent("api")

	info := deps.Info
	if info.StreamURL == "" {
		info.StreamURL = StreamPath
		if info.StationID != "" {
			info.StreamURL += "?station=" + url.QueryEscape(info.StationID)
		}
	}

	server := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
			Handler:      mux,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		logger:         apiLogger,
		redisClient:    deps.Redis,
		mux:            mux,
		sseBroadcaster: deps.Broadcaster,
		agentHandler:   handlers.NewAgentHandler(info),
		rateLimit:      middleware.DefaultRateLimit,
	}
	if deps.RateLimit != nil {
		server.rateLimit = *deps.RateLimit
	}
	if deps.Feed != nil {
		server.locationHandler = handlers.NewLocationHandler(apiLogger, deps.Feed)
	}
	if deps.Kiosk != nil {
		server.scanHandler = handlers.NewScanHandler(apiLogger, deps.Bridge, deps.Kiosk)
	}
	if deps.Console != nil {
		server.driverHandler = handlers.NewDriverHandler(apiLogger, deps.Console)
	}

	server.setupRoutes()
	server.setupMiddleware()

	return server, nil
}

// setupRoutes configures the server routes
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.healthCheckHandler)
	s.mux.HandleFunc("/api/v1/ping", s.handlePing)
	s.mux.HandleFunc("/api/v1/agent.Info", s.agentHandler.HandleInfo)

	// Page notifications
	s.mux.HandleFunc(StreamPath, s.sseBroadcaster.HandleSSE)

	// Sensor ingestion is rate limited per page
	ingest := middleware.RateLimit(s.logger, s.rateLimit)

	if s.locationHandler != nil {
		s.mux.Handle("/api/v1/location.Report", ingest(http.HandlerFunc(s.locationHandler.HandleReport)))
		s.mux.Handle("/api/v1/location.Error", ingest(http.HandlerFunc(s.locationHandler.HandleError)))
	}

	if s.scanHandler != nil {
		s.mux.Handle("/api/v1/scan.Start", ingest(http.HandlerFunc(s.scanHandler.HandleStart)))
		s.mux.Handle("/api/v1/scan.Decoded", ingest(http.HandlerFunc(s.scanHandler.HandleDecoded)))
		s.mux.Handle("/api/v1/scan.Retry", ingest(http.HandlerFunc(s.scanHandler.HandleRetry)))
	}

	if s.driverHandler != nil {
		s.mux.HandleFunc("/api/v1/driver.ManualAttendance", s.driverHandler.HandleManualAttendance)
		s.mux.HandleFunc("/api/v1/driver.ConfirmBusEmpty", s.driverHandler.HandleConfirmBusEmpty)
	}
}

// setupMiddleware applies middleware to all routes
func (s *Server) setupMiddleware() {
	middlewareChain := middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.CORS(),
		middleware.Logging(s.logger),
	)

	s.httpServer.Handler = middlewareChain(s.mux)
}

// Handler returns the fully wrapped handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("address", s.httpServer.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.sseBroadcaster.Close()
		return err
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down HTTP server")

	// Close SSE clients first so Shutdown does not wait on open streams
	s.logger.Debug("Closing SSE broadcaster")
	s.sseBroadcaster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown error", zap.Error(err))
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// GetAddr returns the server address
func (s *Server) GetAddr() string {
	return s.httpServer.Addr
}

type healthCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// healthCheckHandler reports the agent and, when configured, Redis health
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]healthCheck{
		"sse": {Status: fmt.Sprintf("up (%d clients)", s.sseBroadcaster.GetClientCount())},
	}

	if s.redisClient != nil {
		if err := s.redisClient.HealthCheck(r.Context()); err != nil {
			s.logger.Error("Redis health check failed", zap.Error(err))
			checks["redis"] = healthCheck{Status: "down", Error: err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			checks["redis"] = healthCheck{Status: "up"}
		}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}

// handlePing handles ping requests (hybrid JSON-RPC)
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonrpcx.Error(w, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return
	}

	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.Error(w, nil, jsonrpcx.ParseError, "Invalid JSON-RPC request")
		return
	}

	jsonrpcx.Success(w, req.ID, map[string]string{"message": "pong"})
}
