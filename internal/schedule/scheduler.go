// Package schedule runs independently-phased repeating tasks. Each task owns
// its own timer and counters; tasks share nothing unless a caller wires them
// together explicitly.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/danghamo/busline/pkg/logger"
)

// Phase labels what a task does
type Phase string

const (
	PhaseCountdown Phase = "countdown"
	PhaseRegen     Phase = "regen"
	PhasePoll      Phase = "poll"
)

// Task is a fixed-period unit of work
type Task struct {
	Name     string
	Phase    Phase
	Interval time.Duration
	Fn       func(ctx context.Context) error
	// Immediate runs Fn once as soon as the task starts, before the first tick.
	Immediate bool
}

// TaskStatus is a point-in-time view of a task
type TaskStatus struct {
	Name        string
	Phase       Phase
	Interval    time.Duration
	LastFiredAt time.Time
	Runs        int
	Failures    int
}

type scheduledTask struct {
	Task

	mu          sync.Mutex
	lastFiredAt time.Time
	runs        int
	failures    int
	failureLog  *rate.Sometimes
}

// Scheduler manages scheduled tasks
type Scheduler struct {
	logger *logger.Logger

	mu      sync.Mutex
	tasks   []*scheduledTask
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates a new scheduler
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Scheduler{
		logger: log.WithComponent("scheduler"),
	}
}

// Add registers a task. Tasks added after Start begin running immediately.
func (s *Scheduler) Add(task Task) error {
	if task.Interval <= 0 {
		return fmt.Errorf("task %q: interval must be positive", task.Name)
	}
	if task.Fn == nil {
		return fmt.Errorf("task %q: missing function", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("task %q: scheduler already stopped", task.Name)
	}

	st := &scheduledTask{
		Task: task,
		// Always log the first few failures, then at most one a minute.
		failureLog: &rate.Sometimes{First: 3, Interval: time.Minute},
	}
	s.tasks = append(s.tasks, st)

	s.logger.Debug("Task registered",
		zap.String("name", task.Name),
		zap.String("phase", string(task.Phase)),
		zap.Duration("interval", task.Interval))

	if s.started {
		s.launch(st)
	}
	return nil
}

// Start begins running all registered tasks until ctx ends or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, st := range s.tasks {
		s.launch(st)
	}

	s.logger.Info("Scheduler started", zap.Int("task_count", len(s.tasks)))
}

// Stop cancels every task and waits for in-flight runs to return. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Status returns a snapshot of every task
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	tasks := append([]*scheduledTask(nil), s.tasks...)
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, st := range tasks {
		st.mu.Lock()
		out = append(out, TaskStatus{
			Name:        st.Name,
			Phase:       st.Phase,
			Interval:    st.Interval,
			LastFiredAt: st.lastFiredAt,
			Runs:        st.runs,
			Failures:    st.failures,
		})
		st.mu.Unlock()
	}
	return out
}

// launch must be called with s.mu held
func (s *Scheduler) launch(st *scheduledTask) {
	s.wg.Add(1)
	go s.run(s.ctx, st)
}

func (s *Scheduler) run(ctx context.Context, st *scheduledTask) {
	defer s.wg.Done()

	ticker := time.NewTicker(st.Interval)
	defer ticker.Stop()

	if st.Immediate {
		s.execute(ctx, st)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Task stopping", zap.String("name", st.Name))
			return
		case <-ticker.C:
			s.execute(ctx, st)
		}
	}
}

// execute runs one tick. Failures and panics end the tick, never the task.
func (s *Scheduler) execute(ctx context.Context, st *scheduledTask) {
	start := time.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic recovered: %v", r)
			}
		}()
		err = st.Fn(ctx)
	}()

	st.mu.Lock()
	st.lastFiredAt = start
	st.runs++
	if err != nil {
		st.failures++
	}
	failures := st.failures
	st.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		st.failureLog.Do(func() {
			s.logger.Warn("Task failed, retrying next tick",
				zap.String("name", st.Name),
				zap.String("phase", string(st.Phase)),
				zap.Int("failures", failures),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		})
		return
	}

	s.logger.Debug("Task completed",
		zap.String("name", st.Name),
		zap.Duration("duration", time.Since(start)))
}
