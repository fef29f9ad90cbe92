package service

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/attendance"
	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/fingerprint"
	"github.com/danghamo/busline/pkg/logger"
)

// KioskPage is what the student page shows and does
type KioskPage interface {
	attendance.OutcomeRenderer
	attendance.Reloader
}

// StudentKiosk owns one verification flow at a time. A success reloads the
// page and replaces the flow, so the next start is a fresh attempt.
type StudentKiosk struct {
	cfg       attendance.Config
	camera    attendance.Camera
	locator   attendance.Locator
	submitter attendance.Submitter
	signals   fingerprint.Source
	page      KioskPage
	publisher events.EventPublisher
	opts      []attendance.Option
	flowLog   *logger.Logger
	logger    *logger.Logger

	mu     sync.Mutex
	flow   *attendance.Flow
	flows  int
	closed bool
}

// NewStudentKiosk creates a kiosk with an idle flow
func NewStudentKiosk(
	cfg attendance.Config,
	camera attendance.Camera,
	locator attendance.Locator,
	submitter attendance.Submitter,
	signals fingerprint.Source,
	page KioskPage,
	publisher events.EventPublisher,
	log *logger.Logger,
	opts ...attendance.Option,
) (*StudentKiosk, error) {
	if camera == nil || locator == nil || submitter == nil {
		return nil, fmt.Errorf("camera, locator and submitter are required")
	}
	if signals == nil {
		return nil, fmt.Errorf("fingerprint source is required")
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	k := &StudentKiosk{
		cfg:       cfg,
		camera:    camera,
		locator:   locator,
		submitter: submitter,
		signals:   signals,
		page:      page,
		publisher: publisher,
		opts:      opts,
		flowLog:   log,
		logger:    log.WithComponent("student-kiosk"),
	}
	k.flow = k.newFlow()
	return k, nil
}

// Start starts scanning on the current flow
func (k *StudentKiosk) Start() error {
	return k.current().Start()
}

// StartWith starts scanning with the page's own fingerprint signals. A nil
// source falls back to the kiosk's default signals.
func (k *StudentKiosk) StartWith(signals fingerprint.Source) error {
	return k.current().StartWith(signals)
}

// Retry restarts the current flow after a failure
func (k *StudentKiosk) Retry() error {
	return k.current().Retry()
}

// State returns the current flow's state
func (k *StudentKiosk) State() attendance.State {
	return k.current().State()
}

// Flow returns the current flow
func (k *StudentKiosk) Flow() *attendance.Flow {
	return k.current()
}

// Flows returns how many flows the kiosk has created
func (k *StudentKiosk) Flows() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.flows
}

// Reload replaces the finished flow with a fresh one and reloads the page.
// Flows call it after a success.
func (k *StudentKiosk) Reload() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	old := k.flow
	k.flow = k.newFlow()
	k.mu.Unlock()

	old.Close()
	if k.page != nil {
		k.page.Reload()
	}

	k.logger.Debug("Kiosk reloaded", zap.Int("flows", k.Flows()))
}

// Close closes the current flow. Calling it again has no effect.
func (k *StudentKiosk) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	flow := k.flow
	k.mu.Unlock()

	flow.Close()
}

func (k *StudentKiosk) current() *attendance.Flow {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.flow
}

// newFlow must be called with k.mu held or before k is shared
func (k *StudentKiosk) newFlow() *attendance.Flow {
	k.flows++
	var renderer attendance.OutcomeRenderer
	if k.page != nil {
		renderer = k.page
	}
	return attendance.NewFlow(k.cfg, k.camera, k.locator, k.submitter, k.signals,
		renderer, k, k.publisher, k.flowLog, k.opts...)
}
