// Package attendance runs one student's boarding verification: scan the
// rotating code, capture a fix, submit both with the device fingerprint and
// show the verdict.
package attendance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/fingerprint"
	"github.com/danghamo/busline/pkg/logger"
)

// State of a verification flow
type State string

const (
	StateIdle       State = "idle"
	StateScanning   State = "scanning"
	StateDecoded    State = "decoded"
	StateLocating   State = "locating"
	StateSubmitting State = "submitting"
	StateSuccess    State = "success"
	StateFailure    State = "failure"
)

// Facing selects a camera
type Facing string

const (
	FacingRear  Facing = "environment"
	FacingFront Facing = "user"
)

// DefaultReloadDelay is how long the success screen stays up
const DefaultReloadDelay = 2 * time.Second

// MessageLocationRequired prefixes location failures during verification
const MessageLocationRequired = "Location is required to mark attendance."

// Scanner is an open camera stream
type Scanner interface {
	Stop()
}

// Camera opens a decoding stream. onDecode receives every decoded text until
// the scanner is stopped.
type Camera interface {
	Open(ctx context.Context, facing Facing, onDecode func(text string)) (Scanner, error)
}

// Locator acquires one fresh fix
type Locator interface {
	Acquire(ctx context.Context) (shared.Position, error)
}

// Submission is what the verification endpoint receives
type Submission struct {
	Code        string
	Position    shared.Position
	Fingerprint string
}

// Submitter sends a submission and returns the server's success message. A
// refusal is returned as an error carrying the server's reason.
type Submitter interface {
	MarkAttendance(ctx context.Context, sub Submission) (string, error)
}

// OutcomeRenderer shows the verdict; a failure comes with a retry action
type OutcomeRenderer interface {
	RenderOutcome(success bool, message string)
}

// FailureRenderer is an OutcomeRenderer that also learns whether a failure
// comes from a capability the device lacks
type FailureRenderer interface {
	OutcomeRenderer
	RenderFailure(message string, terminal bool)
}

// Reloader returns the page to its initial state
type Reloader interface {
	Reload()
}

// Outcome of an attempt
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Attempt is the transient record of one verification
type Attempt struct {
	ID          string
	RawCode     string
	Position    *shared.Position
	Fingerprint string
	Outcome     Outcome
	Message     string
	Err         error
}

// Config holds flow settings
type Config struct {
	StationID   string
	ReloadDelay time.Duration
}

// AfterFunc schedules f after d and returns a function that cancels it
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// Option customizes a Flow
type Option func(*Flow)

// WithAfterFunc replaces the reload timer, for tests
func WithAfterFunc(fn AfterFunc) Option {
	return func(f *Flow) { f.afterFunc = fn }
}

// Flow is a single-use verification state machine. Transitions only move
// forward; the only way back to Idle is Retry after a failure.
type Flow struct {
	cfg       Config
	camera    Camera
	locator   Locator
	submitter Submitter
	signals   fingerprint.Source
	renderer  OutcomeRenderer
	reloader  Reloader
	publisher events.EventPublisher
	afterFunc AfterFunc
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	history     []State
	attempt     *Attempt
	scanner     Scanner
	device      fingerprint.Source
	decoded     bool
	stopReload  func() bool
	closed      bool
	terminalErr error
}

// NewFlow creates a flow in the Idle state
func NewFlow(
	cfg Config,
	camera Camera,
	locator Locator,
	submitter Submitter,
	signals fingerprint.Source,
	renderer OutcomeRenderer,
	reloader Reloader,
	publisher events.EventPublisher,
	log *logger.Logger,
	opts ...Option,
) *Flow {
	if cfg.ReloadDelay <= 0 {
		cfg.ReloadDelay = DefaultReloadDelay
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		cfg:       cfg,
		camera:    camera,
		locator:   locator,
		submitter: submitter,
		signals:   signals,
		renderer:  renderer,
		reloader:  reloader,
		publisher: publisher,
		afterFunc: func(d time.Duration, fn func()) func() bool { return time.AfterFunc(d, fn).Stop },
		logger:    log.WithComponent("attendance"),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		history:   []State{StateIdle},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start opens the rear camera, falling back once to the front camera. It is
// valid only in Idle.
func (f *Flow) Start() error {
	return f.StartWith(nil)
}

// StartWith starts an attempt whose fingerprint comes from signals, or from
// the flow's default source when signals is nil
func (f *Flow) StartWith(signals fingerprint.Source) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("attendance flow closed")
	}
	if f.state != StateIdle {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("cannot start scanning from state %s", state)
	}
	f.attempt = &Attempt{ID: uuid.New().String(), Outcome: OutcomePending}
	f.device = signals
	if f.device == nil {
		f.device = f.signals
	}
	f.decoded = false
	f.setStateLocked(StateScanning)
	log := f.logger.WithAttempt(f.attempt.ID)
	f.mu.Unlock()

	scanner, err := f.camera.Open(f.ctx, FacingRear, f.onDecode)
	if err != nil {
		log.Debug("Rear camera unavailable, trying front", zap.Error(err))
		scanner, err = f.camera.Open(f.ctx, FacingFront, f.onDecode)
	}

	if err != nil {
		camErr := shared.NewCameraError(err)
		f.finish(camErr, shared.Reason(camErr))
		return camErr
	}

	f.mu.Lock()
	if f.closed || f.decoded {
		// decoded during Open, or torn down meanwhile
		f.mu.Unlock()
		scanner.Stop()
		return nil
	}
	f.scanner = scanner
	f.mu.Unlock()

	log.Info("Scanning started")
	return nil
}

// Retry re-enters Idle after a failure and starts a fresh attempt with the
// failed attempt's signals
func (f *Flow) Retry() error {
	f.mu.Lock()
	if f.state != StateFailure {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("retry is only possible after a failure, not in state %s", state)
	}
	f.setStateLocked(StateIdle)
	f.attempt = nil
	f.terminalErr = nil
	device := f.device
	f.mu.Unlock()

	return f.StartWith(device)
}

// Close stops the camera, cancels in-flight work and any pending reload, and
// waits for the verification goroutine. Calling it again has no effect.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	scanner, stopReload := f.scanner, f.stopReload
	f.scanner, f.stopReload = nil, nil
	f.mu.Unlock()

	f.cancel()
	if scanner != nil {
		scanner.Stop()
	}
	if stopReload != nil {
		stopReload()
	}
	f.wg.Wait()
}

// Wait blocks until the current verification, if any, has finished
func (f *Flow) Wait() {
	f.wg.Wait()
}

// State returns the current state
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// History returns every state entered, in order
func (f *Flow) History() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.history...)
}

// Attempt returns a copy of the current attempt
func (f *Flow) Attempt() (Attempt, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempt == nil {
		return Attempt{}, false
	}
	return *f.attempt, true
}

// Err returns the failure of the last attempt
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminalErr
}

// onDecode honors only the first decode of an attempt
func (f *Flow) onDecode(text string) {
	f.mu.Lock()
	if f.closed || f.state != StateScanning || f.decoded {
		f.mu.Unlock()
		return
	}
	f.decoded = true
	f.attempt.RawCode = text
	f.setStateLocked(StateDecoded)
	scanner := f.scanner
	f.scanner = nil
	f.wg.Add(1)
	f.mu.Unlock()

	if scanner != nil {
		scanner.Stop()
	}

	go func() {
		defer f.wg.Done()
		f.verify(text)
	}()
}

func (f *Flow) verify(code string) {
	if !f.advance(StateLocating) {
		return
	}
	pos, err := f.locator.Acquire(f.ctx)
	if err != nil {
		f.finish(err, MessageLocationRequired+" "+shared.Reason(err))
		return
	}

	f.mu.Lock()
	f.attempt.Position = &pos
	f.mu.Unlock()

	if !f.advance(StateSubmitting) {
		return
	}
	f.mu.Lock()
	fp := fingerprint.Compute(f.device)
	f.attempt.Fingerprint = fp
	f.mu.Unlock()

	message, err := f.submitter.MarkAttendance(f.ctx, Submission{
		Code:        code,
		Position:    pos,
		Fingerprint: fp,
	})
	if err != nil {
		f.finish(err, shared.Reason(err))
		return
	}

	f.finish(nil, message)
}

// advance moves to next unless the flow was closed
func (f *Flow) advance(next State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.setStateLocked(next)
	return true
}

// finish enters Success (err == nil) or Failure, then renders and
// publishes the verdict outside the lock
func (f *Flow) finish(err error, message string) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}

	a := f.attempt
	a.Message = message
	a.Err = err
	f.terminalErr = err
	if err == nil {
		a.Outcome = OutcomeSuccess
		f.setStateLocked(StateSuccess)
		f.stopReload = f.afterFunc(f.cfg.ReloadDelay, f.reload)
	} else {
		a.Outcome = OutcomeFailure
		f.setStateLocked(StateFailure)
	}
	event := &events.AttendanceOutcomeEvent{
		AttemptID:   a.ID,
		StationID:   f.cfg.StationID,
		Success:     err == nil,
		Code:        shared.Code(err),
		Message:     message,
		Fingerprint: a.Fingerprint,
		Timestamp:   time.Now(),
	}
	f.mu.Unlock()

	log := f.logger.WithAttempt(event.AttemptID)
	if err == nil {
		log.Info("Attendance verified", zap.String("message", message))
	} else {
		log.Warn("Attendance failed",
			zap.String("code", event.Code),
			zap.String("message", message),
			zap.Error(err))
	}

	if fr, ok := f.renderer.(FailureRenderer); ok && err != nil {
		fr.RenderFailure(message, shared.IsTerminal(err))
	} else if f.renderer != nil {
		f.renderer.RenderOutcome(err == nil, message)
	}
	if perr := f.publisher.Publish(f.ctx, event); perr != nil {
		log.Debug("Failed to publish outcome event", zap.Error(perr))
	}
}

func (f *Flow) reload() {
	f.mu.Lock()
	closed := f.closed
	f.stopReload = nil
	f.mu.Unlock()

	if !closed && f.reloader != nil {
		f.reloader.Reload()
	}
}

func (f *Flow) setStateLocked(next State) {
	f.state = next
	f.history = append(f.history, next)
}
