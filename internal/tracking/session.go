// Package tracking broadcasts a driver's location to the backend in one of
// two modes: an interval poll of fresh fixes, or a continuous watch feeding a
// last-value slot that an independent heartbeat drains.
package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/geo"
	"github.com/danghamo/busline/internal/schedule"
	"github.com/danghamo/busline/pkg/logger"
)

// Mode selects how fixes are sensed and sent
type Mode string

const (
	ModePoll  Mode = "poll"
	ModeWatch Mode = "watch"
)

const (
	DefaultPollInterval      = 10 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

// Locator acquires one fresh fix
type Locator interface {
	Acquire(ctx context.Context) (shared.Position, error)
}

// Transmitter delivers a fix to the backend
type Transmitter interface {
	Heartbeat(ctx context.Context, busNo string, pos shared.Position) error
}

// StatusDisplay shows tracking progress to the driver
type StatusDisplay interface {
	ShowFix(pos shared.Position)
	ShowSent(at time.Time)
	ShowError(message string)
}

// Config configures a session
type Config struct {
	BusNo             string
	Mode              Mode
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Session is one driver's tracking run. It owns its slot, timers and watch
// subscription; Stop tears all of them down.
type Session struct {
	cfg       Config
	locator   Locator
	watcher   geo.Watcher
	slot      Slot
	tx        Transmitter
	status    StatusDisplay
	publisher events.EventPublisher
	scheduler *schedule.Scheduler
	logger    *logger.Logger
	sendLog   *rate.Sometimes

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	sub        geo.Subscription
	lastSentAt time.Time
	sends      sync.WaitGroup
}

// NewSession validates cfg against the collaborators its mode needs. A nil
// slot defaults to a MemorySlot and a nil publisher drops events.
func NewSession(
	cfg Config,
	locator Locator,
	watcher geo.Watcher,
	slot Slot,
	tx Transmitter,
	status StatusDisplay,
	publisher events.EventPublisher,
	log *logger.Logger,
) (*Session, error) {
	if cfg.BusNo == "" {
		return nil, fmt.Errorf("bus number cannot be empty")
	}
	if tx == nil {
		return nil, fmt.Errorf("transmitter is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	switch cfg.Mode {
	case ModePoll:
		if locator == nil {
			return nil, fmt.Errorf("poll mode requires a locator")
		}
	case ModeWatch:
		if watcher == nil {
			return nil, fmt.Errorf("watch mode requires a position watcher")
		}
	default:
		return nil, fmt.Errorf("unknown tracking mode: %q", cfg.Mode)
	}

	if slot == nil {
		slot = NewMemorySlot()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	sessionLog := log.WithComponent("tracking").WithBusNo(cfg.BusNo)

	return &Session{
		cfg:       cfg,
		locator:   locator,
		watcher:   watcher,
		slot:      slot,
		tx:        tx,
		status:    status,
		publisher: publisher,
		scheduler: schedule.New(sessionLog),
		logger:    sessionLog,
		sendLog:   &rate.Sometimes{First: 3, Interval: time.Minute},
	}, nil
}

// Start begins tracking. A session starts at most once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return fmt.Errorf("tracking session already started")
	}
	sessCtx, cancel := context.WithCancel(ctx)

	switch s.cfg.Mode {
	case ModePoll:
		if err := s.scheduler.Add(schedule.Task{
			Name:      "location-poll",
			Phase:     schedule.PhasePoll,
			Interval:  s.cfg.PollInterval,
			Fn:        s.PollOnce,
			Immediate: true,
		}); err != nil {
			cancel()
			return err
		}

	case ModeWatch:
		sub, err := s.watcher.Watch(sessCtx, s.onPosition(sessCtx), s.onWatchError)
		if err != nil {
			cancel()
			classified := geo.Classify(err)
			s.showError(classified)
			return classified
		}
		s.sub = sub

		if err := s.scheduler.Add(schedule.Task{
			Name:     "heartbeat",
			Phase:    schedule.PhasePoll,
			Interval: s.cfg.HeartbeatInterval,
			Fn:       s.HeartbeatOnce,
		}); err != nil {
			sub.Stop()
			cancel()
			return err
		}
	}

	s.cancel = cancel
	s.started = true
	s.scheduler.Start(sessCtx)

	s.logger.Info("Tracking session started",
		zap.String("mode", string(s.cfg.Mode)),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("heartbeat_interval", s.cfg.HeartbeatInterval))

	return nil
}

// Stop cancels the timers and the watch and waits for in-flight sends. Calling
// it again has no effect.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, sub := s.cancel, s.sub
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Stop()
	}
	s.scheduler.Stop()
	s.sends.Wait()

	s.logger.Info("Tracking session stopped")
}

// PollOnce acquires a fix and, only on success, sends it. The returned error
// ends this tick only.
func (s *Session) PollOnce(ctx context.Context) error {
	pos, err := s.locator.Acquire(ctx)
	if err != nil {
		s.showError(err)
		return err
	}

	if s.status != nil {
		s.status.ShowFix(pos)
	}
	s.send(ctx, pos)
	return nil
}

// HeartbeatOnce sends the latest watched fix. Nothing is sent before the
// watch has delivered its first fix.
func (s *Session) HeartbeatOnce(ctx context.Context) error {
	pos, ok, err := s.slot.Load(ctx)
	if err != nil {
		return fmt.Errorf("read location slot: %w", err)
	}
	if !ok {
		s.logger.Debug("No fix yet, skipping heartbeat")
		return nil
	}

	s.send(ctx, pos)
	return nil
}

// LastSentAt returns when the last heartbeat was dispatched
func (s *Session) LastSentAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSentAt
}

// Tasks returns the session's timer status
func (s *Session) Tasks() []schedule.TaskStatus {
	return s.scheduler.Status()
}

func (s *Session) onPosition(ctx context.Context) func(shared.Position) {
	return func(pos shared.Position) {
		if err := s.slot.Store(ctx, pos); err != nil {
			s.logger.Warn("Failed to store watched fix", zap.Error(err))
			return
		}
		if s.status != nil {
			s.status.ShowFix(pos)
		}
	}
}

func (s *Session) onWatchError(err error) {
	classified := geo.Classify(err)
	s.logger.Warn("Position watch error", zap.String("code", shared.Code(classified)), zap.Error(err))
	s.showError(classified)
}

// send dispatches pos without waiting for the result
func (s *Session) send(ctx context.Context, pos shared.Position) {
	now := time.Now()
	s.mu.Lock()
	s.lastSentAt = now
	s.mu.Unlock()
	if s.status != nil {
		s.status.ShowSent(now)
	}

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()

		if err := s.tx.Heartbeat(ctx, s.cfg.BusNo, pos); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.sendLog.Do(func() {
				s.logger.Warn("Heartbeat failed", zap.String("position", pos.String()), zap.Error(err))
			})
			s.showError(err)
			return
		}

		if err := s.publisher.Publish(ctx, &events.HeartbeatSentEvent{
			BusNo:     s.cfg.BusNo,
			Position:  pos,
			Mode:      string(s.cfg.Mode),
			SentAt:    now,
			RequestID: uuid.New().String(),
		}); err != nil {
			s.logger.Debug("Failed to publish heartbeat event", zap.Error(err))
		}
	}()
}

func (s *Session) showError(err error) {
	if s.status != nil {
		s.status.ShowError(shared.Reason(err))
	}
}
