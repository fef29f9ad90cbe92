package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/credential"
	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/geo"
	"github.com/danghamo/busline/internal/manifest"
	"github.com/danghamo/busline/internal/schedule"
	"github.com/danghamo/busline/internal/tracking"
	"github.com/danghamo/busline/pkg/logger"
)

// DriverBackend is the part of the backend a driver console uses
type DriverBackend interface {
	tracking.Transmitter
	credential.Fetcher
	manifest.Fetcher
	ManualAttendance(ctx context.Context, busNo, identifier string) (string, error)
	ConfirmBusEmpty(ctx context.Context, busNo string) error
}

// DriverDisplay is everything the driver page shows
type DriverDisplay interface {
	tracking.StatusDisplay
	credential.CountdownDisplay
	credential.CodeRenderer
	manifest.Renderer
	manifest.Notifier
}

// DriverConfig configures a driver console
type DriverConfig struct {
	BusNo             string
	TrackingMode      tracking.Mode
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	CredentialWindow  time.Duration
	CountdownTick     time.Duration
	CodeSizeHint      int
	ManifestInterval  time.Duration
}

// DriverConsole runs everything a driver's page needs: location tracking,
// the rotating boarding code with its countdown, and the roster poll.
type DriverConsole struct {
	cfg       DriverConfig
	backend   DriverBackend
	display   DriverDisplay
	session   *tracking.Session
	countdown *credential.Countdown
	rotator   *credential.Rotator
	poller    *manifest.Poller
	scheduler *schedule.Scheduler
	logger    *logger.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewDriverConsole wires the console. locator serves poll mode and watcher
// serves watch mode; slot may be nil for an in-memory slot.
func NewDriverConsole(
	cfg DriverConfig,
	backend DriverBackend,
	display DriverDisplay,
	locator tracking.Locator,
	watcher geo.Watcher,
	slot tracking.Slot,
	publisher events.EventPublisher,
	log *logger.Logger,
) (*DriverConsole, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if display == nil {
		return nil, fmt.Errorf("display is required")
	}
	if cfg.CredentialWindow < time.Second {
		cfg.CredentialWindow = 10 * time.Second
	}
	if cfg.CountdownTick <= 0 {
		cfg.CountdownTick = time.Second
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	session, err := tracking.NewSession(tracking.Config{
		BusNo:             cfg.BusNo,
		Mode:              cfg.TrackingMode,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, locator, watcher, slot, backend, display, publisher, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracking session: %w", err)
	}

	consoleLog := log.WithComponent("driver-console").WithBusNo(cfg.BusNo)
	countdown := credential.NewCountdown(int(cfg.CredentialWindow/cfg.CountdownTick), display)

	return &DriverConsole{
		cfg:       cfg,
		backend:   backend,
		display:   display,
		session:   session,
		countdown: countdown,
		rotator: credential.NewRotator(cfg.BusNo, cfg.CredentialWindow, cfg.CountdownTick, cfg.CodeSizeHint,
			backend, display, countdown, publisher, log),
		poller:    manifest.NewPoller(cfg.BusNo, backend, display, display, publisher, log),
		scheduler: schedule.New(consoleLog),
		logger:    consoleLog,
	}, nil
}

// Start begins tracking and the page's periodic tasks. It runs at most once.
func (c *DriverConsole) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return fmt.Errorf("driver console already started")
	}

	tasks := append(c.rotator.Tasks(), c.poller.Task(c.cfg.ManifestInterval))
	for _, task := range tasks {
		if err := c.scheduler.Add(task); err != nil {
			return err
		}
	}

	if err := c.session.Start(ctx); err != nil {
		// tracking failure does not take the code and roster down with it
		c.logger.Warn("Tracking did not start", zap.Error(err))
	}

	c.scheduler.Start(ctx)
	c.started = true

	c.logger.Info("Driver console started",
		zap.String("trackingMode", string(c.cfg.TrackingMode)),
		zap.Int("tasks", len(tasks)))
	return nil
}

// Stop stops tracking and every periodic task. Calling it again has no effect.
func (c *DriverConsole) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.session.Stop()
	c.scheduler.Stop()

	c.logger.Info("Driver console stopped")
}

// ManualAttendance boards a student by ID or name
func (c *DriverConsole) ManualAttendance(ctx context.Context, identifier string) (string, error) {
	message, err := c.backend.ManualAttendance(ctx, c.cfg.BusNo, identifier)
	if err != nil {
		c.logger.Info("Manual attendance refused",
			zap.String("identifier", identifier),
			zap.Error(err))
		return "", err
	}

	c.display.Notify(message, "success")
	return message, nil
}

// ConfirmBusEmpty records the end-of-trip empty check
func (c *DriverConsole) ConfirmBusEmpty(ctx context.Context) error {
	if err := c.backend.ConfirmBusEmpty(ctx, c.cfg.BusNo); err != nil {
		return err
	}

	c.display.Notify("Bus confirmed empty", "success")
	c.logger.Info("Bus confirmed empty")
	return nil
}

// Status returns every timer the console runs
func (c *DriverConsole) Status() []schedule.TaskStatus {
	return append(c.session.Tasks(), c.scheduler.Status()...)
}

// LastSentAt returns when the last heartbeat went out
func (c *DriverConsole) LastSentAt() time.Time {
	return c.session.LastSentAt()
}

// BoardedCount returns the last observed roster size
func (c *DriverConsole) BoardedCount() int {
	return c.poller.LastCount()
}
