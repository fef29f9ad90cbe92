package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danghamo/busline/internal/domain/shared"
)

type fixResult struct {
	pos shared.Position
	err error
}

type waiter struct {
	highAccuracy bool
	result       chan fixResult
}

// FeedSensor is a Sensor and Watcher driven by fixes pushed from outside the
// process, typically the browser page the agent serves.
type FeedSensor struct {
	mu       sync.Mutex
	waiters  []*waiter
	watchers map[uint64]*feedSubscription
	nextID   uint64
	last     shared.Position
	lastHigh bool
	haveLast bool
	// denied holds a permission denial until the next fix arrives
	denied *PositionError
}

// NewFeedSensor creates an empty feed
func NewFeedSensor() *FeedSensor {
	return &FeedSensor{watchers: make(map[uint64]*feedSubscription)}
}

// Report publishes a fix. Pending requests are resolved when the fix meets
// their accuracy requirement; every watcher receives it.
func (f *FeedSensor) Report(pos shared.Position, highAccuracy bool) {
	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = time.Now()
	}

	f.mu.Lock()
	f.last, f.lastHigh, f.haveLast = pos, highAccuracy, true
	f.denied = nil

	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if w.highAccuracy && !highAccuracy {
			pending = append(pending, w)
			continue
		}
		w.result <- fixResult{pos: pos}
	}
	f.waiters = pending
	watchers := f.snapshotWatchers()
	f.mu.Unlock()

	for _, sub := range watchers {
		sub.onPosition(pos)
	}
}

// ReportError fails every pending request and notifies watchers. A
// permission denial also fails every later request until the next Report.
func (f *FeedSensor) ReportError(code int, message string) {
	err := &PositionError{Code: code, Message: message}

	f.mu.Lock()
	if code == CodePermissionDenied {
		f.denied = err
	}
	for _, w := range f.waiters {
		w.result <- fixResult{err: err}
	}
	f.waiters = nil
	watchers := f.snapshotWatchers()
	f.mu.Unlock()

	for _, sub := range watchers {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

// CurrentPosition waits for the next fix that satisfies opts
func (f *FeedSensor) CurrentPosition(ctx context.Context, opts PositionOptions) (shared.Position, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	w := &waiter{highAccuracy: opts.EnableHighAccuracy, result: make(chan fixResult, 1)}

	f.mu.Lock()
	if f.denied != nil {
		err := f.denied
		f.mu.Unlock()
		return shared.Position{}, err
	}
	if opts.MaximumAge > 0 && f.haveLast && (f.lastHigh || !opts.EnableHighAccuracy) &&
		time.Since(f.last.CapturedAt) <= opts.MaximumAge {
		pos := f.last
		f.mu.Unlock()
		return pos, nil
	}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case res := <-w.result:
		return res.pos, res.err
	case <-ctx.Done():
		f.removeWaiter(w)
		// A fix may have raced the deadline
		select {
		case res := <-w.result:
			return res.pos, res.err
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return shared.Position{}, &PositionError{Code: CodeTimeout, Message: "timeout expired"}
		}
		return shared.Position{}, ctx.Err()
	}
}

// Watch subscribes to every subsequent fix until the subscription is stopped
// or ctx ends.
func (f *FeedSensor) Watch(ctx context.Context, onPosition func(shared.Position), onError func(error)) (Subscription, error) {
	if onPosition == nil {
		return nil, errors.New("onPosition callback is required")
	}

	f.mu.Lock()
	f.nextID++
	sub := &feedSubscription{
		id:         f.nextID,
		feed:       f,
		onPosition: onPosition,
		onError:    onError,
		done:       make(chan struct{}),
	}
	f.watchers[sub.id] = sub
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Stop()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// WatcherCount returns the number of active watches
func (f *FeedSensor) WatcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

// Denied reports whether a permission denial is in effect
func (f *FeedSensor) Denied() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.denied != nil
}

// PendingCount returns the number of unresolved position requests
func (f *FeedSensor) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *FeedSensor) removeWaiter(target *waiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w == target {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

func (f *FeedSensor) snapshotWatchers() []*feedSubscription {
	subs := make([]*feedSubscription, 0, len(f.watchers))
	for _, sub := range f.watchers {
		subs = append(subs, sub)
	}
	return subs
}

type feedSubscription struct {
	id         uint64
	feed       *FeedSensor
	onPosition func(shared.Position)
	onError    func(error)
	done       chan struct{}
	once       sync.Once
}

// Stop ends the watch; calling it more than once has no further effect
func (s *feedSubscription) Stop() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.watchers, s.id)
		s.feed.mu.Unlock()
		close(s.done)
	})
}
