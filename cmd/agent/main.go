package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/api"
	"github.com/danghamo/busline/internal/api/handlers"
	"github.com/danghamo/busline/internal/app/service"
	"github.com/danghamo/busline/internal/attendance"
	"github.com/danghamo/busline/internal/client"
	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/fingerprint"
	"github.com/danghamo/busline/internal/geo"
	"github.com/danghamo/busline/internal/tracking"
	"github.com/danghamo/busline/internal/ui"
	"github.com/danghamo/busline/pkg/config"
	"github.com/danghamo/busline/pkg/logger"
	"github.com/danghamo/busline/pkg/redisx"
	"github.com/danghamo/busline/pkg/sse"
)

const version = "0.1.0"

func main() {
	// Initialize configuration and logger
	cfg, log, err := config.Initialize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize agent: %v\n", err)
		os.Exit(1)
	}

	// Ensure logger is flushed on exit
	defer func() {
		_ = log.Sync()
	}()

	busNo := resolveBusNo(cfg, log)

	log.Info("Starting Busline agent",
		zap.String("version", version),
		zap.String("role", cfg.Agent.Role),
		zap.String("busNo", busNo),
		zap.String("environment", cfg.Server.Environment),
		zap.Bool("production", cfg.Server.IsProduction()),
	)

	// Redis backs the shared location slot and the stream event transport
	var redisClient *redisx.Client
	if cfg.NeedsRedis() {
		redisClient, err = redisx.NewClient(cfg.Redis.URL, log)
		if err != nil {
			log.Fatal("Failed to initialize Redis client", zap.Error(err))
		}
		defer redisClient.Close()
	}

	busConfig := events.BusConfig{
		Backend:       cfg.Events.Backend,
		TopicPrefix:   cfg.Events.TopicPrefix,
		ConsumerGroup: cfg.Events.ConsumerGroup,
	}
	if redisClient != nil {
		busConfig.Redis = redisClient.Client
	}

	bus, err := events.NewBus(busConfig, log)
	if err != nil {
		log.Fatal("Failed to create event bus", zap.Error(err))
	}
	defer bus.Close()

	broadcaster := sse.NewSSEBroadcaster(log)
	if err := bus.RegisterSSE(events.NewSSEEventHandler(broadcaster, log)); err != nil {
		log.Fatal("Failed to register SSE handlers", zap.Error(err))
	}

	backend, err := client.New(client.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		BusNo:   busNo,
		Timeout: cfg.API.Timeout,
	}, log)
	if err != nil {
		log.Fatal("Failed to create backend client", zap.Error(err))
	}

	// The browser page reports fixes into the feed unless a fixed point is configured
	feed := geo.NewFeedSensor()
	var sensor geo.Sensor = feed
	var watcher geo.Watcher = feed
	if cfg.Geo.Static {
		static := geo.StaticSensor{Latitude: cfg.Geo.StaticLat, Longitude: cfg.Geo.StaticLng}
		sensor, watcher = static, static
	}
	acquirer := geo.NewAcquirer(sensor, cfg.Geo.Timeout, log)

	stationID := cfg.Agent.StationID
	if stationID == "" {
		stationID = busNo
	}
	renderer := ui.NewRenderer(bus, stationID, log)

	deps := api.Dependencies{
		Info: handlers.AgentInfo{
			Role:      cfg.Agent.Role,
			BusNo:     busNo,
			StationID: stationID,
		},
		Broadcaster: broadcaster,
		Redis:       redisClient,
		Feed:        feed,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := bus.Run(ctx); err != nil {
			log.Error("Event router stopped", zap.Error(err))
		}
	}()
	<-bus.Running()

	var stopRole func()
	switch cfg.Agent.Role {
	case config.RoleDriver:
		console, err := newDriverConsole(cfg, busNo, backend, renderer, acquirer, watcher, redisClient, bus, log)
		if err != nil {
			log.Fatal("Failed to create driver console", zap.Error(err))
		}
		if err := console.Start(ctx); err != nil {
			log.Fatal("Failed to start driver console", zap.Error(err))
		}
		deps.Console = console
		stopRole = console.Stop

	case config.RoleStudent:
		bridge := handlers.NewScanBridge()
		kiosk, err := service.NewStudentKiosk(attendance.Config{
			StationID:   stationID,
			ReloadDelay: cfg.Attendance.ReloadDelay,
		}, bridge, acquirer, backend, localSignals(), renderer, bus, log)
		if err != nil {
			log.Fatal("Failed to create student kiosk", zap.Error(err))
		}
		deps.Bridge = bridge
		deps.Kiosk = kiosk
		stopRole = kiosk.Close
	}

	serverConfig := api.ServerConfig{
		Port:         cfg.Server.Port,
		Host:         cfg.Server.Host,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	apiServer, err := api.NewServer(serverConfig, deps, log)
	if err != nil {
		log.Fatal("Failed to create API server", zap.Error(err))
	}

	log.Info("Serving agent page API", zap.String("address", apiServer.GetAddr()))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down agent...")
		cancel()
	}()

	err = apiServer.Start(ctx)
	if stopRole != nil {
		stopRole()
	}
	if err != nil {
		log.Error("Server error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Agent gracefully stopped")
}

// resolveBusNo prefers the configured bus and falls back to the session token
func resolveBusNo(cfg *config.Config, log *logger.Logger) string {
	if cfg.Agent.BusNo != "" || cfg.API.Token == "" {
		return cfg.Agent.BusNo
	}

	claims, err := client.ParseSessionClaims(cfg.API.Token)
	if err != nil {
		log.Warn("Could not read bus from session token", zap.Error(err))
		return ""
	}
	return claims.BusNo
}

func newDriverConsole(
	cfg *config.Config,
	busNo string,
	backend *client.Client,
	renderer *ui.Renderer,
	locator tracking.Locator,
	watcher geo.Watcher,
	redisClient *redisx.Client,
	publisher events.EventPublisher,
	log *logger.Logger,
) (*service.DriverConsole, error) {
	if busNo == "" {
		return nil, fmt.Errorf("agent.bus_no is required for the driver role")
	}

	var slot tracking.Slot = tracking.NewMemorySlot()
	if cfg.Tracking.Slot == config.BackendRedis {
		slot = tracking.NewRedisSlot(redisClient, busNo, cfg.Tracking.SlotTTL)
	}

	return service.NewDriverConsole(service.DriverConfig{
		BusNo:             busNo,
		TrackingMode:      tracking.Mode(cfg.Tracking.Mode),
		PollInterval:      cfg.Tracking.PollInterval,
		HeartbeatInterval: cfg.Tracking.HeartbeatInterval,
		CredentialWindow:  cfg.Credential.Window,
		CountdownTick:     cfg.Credential.CountdownTick,
		CodeSizeHint:      cfg.Credential.SizeHint,
		ManifestInterval:  cfg.Manifest.PollInterval,
	}, backend, renderer, locator, watcher, slot, publisher, log)
}

// localSignals describes the kiosk host when no browser reports its own
func localSignals() fingerprint.StaticSource {
	_, offset := time.Now().Zone()
	lang := os.Getenv("LANG")
	if lang == "" {
		lang = "en-US"
	}
	return fingerprint.StaticSource{
		UserAgent:      "busline-agent/" + version,
		Language:       lang,
		ColorDepth:     24,
		ScreenWidth:    1280,
		ScreenHeight:   800,
		TimezoneOffset: -offset / 60,
	}
}
