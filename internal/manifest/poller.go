// Package manifest polls the bus roster, renders it and announces boardings.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/schedule"
	"github.com/danghamo/busline/pkg/logger"
)

// DefaultInterval is the roster polling period
const DefaultInterval = 5 * time.Second

// Entry is one boarded student
type Entry struct {
	StudentName string `json:"student_name"`
	Timestamp   string `json:"timestamp"`
	Method      string `json:"method"`
	Status      string `json:"status,omitempty"`
}

// Snapshot is one roster response
type Snapshot struct {
	Count    int     `json:"count"`
	Manifest []Entry `json:"manifest"`
}

// Fetcher reads the current roster
type Fetcher interface {
	FetchManifest(ctx context.Context) (Snapshot, error)
}

// Renderer draws the roster list
type Renderer interface {
	RenderManifest(entries []Entry)
}

// Notifier raises a one-shot user notification
type Notifier interface {
	Notify(message, level string)
}

// Poller compares each snapshot's count with the last observed count
type Poller struct {
	busNo     string
	fetcher   Fetcher
	renderer  Renderer
	notifier  Notifier
	publisher events.EventPublisher
	logger    *logger.Logger

	mu        sync.Mutex
	lastCount int
	lastDoc   []byte
	lastNames map[string]struct{}
}

// NewPoller creates a poller whose baseline count is zero
func NewPoller(busNo string, fetcher Fetcher, renderer Renderer, notifier Notifier, publisher events.EventPublisher, log *logger.Logger) *Poller {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Poller{
		busNo:     busNo,
		fetcher:   fetcher,
		renderer:  renderer,
		notifier:  notifier,
		publisher: publisher,
		logger:    log.WithComponent("manifest-poller").WithBusNo(busNo),
		lastDoc:   []byte("{}"),
		lastNames: map[string]struct{}{},
	}
}

// Tick fetches one snapshot, renders it and notifies exactly when the count
// strictly increased. The baseline always becomes the observed count, so a
// drop lowers it.
func (p *Poller) Tick(ctx context.Context) error {
	snap, err := p.fetcher.FetchManifest(ctx)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}

	if p.renderer != nil {
		p.renderer.RenderManifest(snap.Manifest)
	}

	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	p.mu.Lock()
	previous := p.lastCount
	prevDoc := p.lastDoc
	newcomers := p.newcomers(snap.Manifest)
	p.lastCount = snap.Count
	p.lastDoc = doc
	p.mu.Unlock()

	if snap.Count > previous {
		if p.notifier != nil {
			p.notifier.Notify(boardedMessage(snap.Count-previous), "success")
		}
		p.publish(ctx, &events.PassengerBoardedEvent{
			BusNo:         p.busNo,
			PreviousCount: previous,
			Count:         snap.Count,
			Newcomers:     newcomers,
			Timestamp:     time.Now(),
			RequestID:     uuid.New().String(),
		})
	}

	p.publishChanges(ctx, prevDoc, doc, snap.Count)
	return nil
}

// LastCount returns the baseline the next snapshot is compared with
func (p *Poller) LastCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCount
}

// Task returns the polling task
func (p *Poller) Task(interval time.Duration) schedule.Task {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return schedule.Task{
		Name:      "manifest-poll",
		Phase:     schedule.PhasePoll,
		Interval:  interval,
		Fn:        p.Tick,
		Immediate: true,
	}
}

// newcomers must be called with p.mu held
func (p *Poller) newcomers(entries []Entry) []string {
	current := make(map[string]struct{}, len(entries))
	var fresh []string
	for _, e := range entries {
		key := e.StudentName + "@" + e.Timestamp
		current[key] = struct{}{}
		if _, seen := p.lastNames[key]; !seen {
			fresh = append(fresh, e.StudentName)
		}
	}
	p.lastNames = current
	return fresh
}

func (p *Poller) publishChanges(ctx context.Context, prevDoc, doc []byte, count int) {
	patch, err := jsonpatch.CreateMergePatch(prevDoc, doc)
	if err != nil {
		p.logger.Debug("Failed to diff manifest", zap.Error(err))
		return
	}

	var changes map[string]interface{}
	if err := json.Unmarshal(patch, &changes); err != nil || len(changes) == 0 {
		return
	}

	p.publish(ctx, &events.RosterChangedEvent{
		BusNo:     p.busNo,
		Count:     count,
		Changes:   changes,
		Timestamp: time.Now(),
		RequestID: uuid.New().String(),
	})
}

func (p *Poller) publish(ctx context.Context, event interface{}) {
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Debug("Failed to publish manifest event", zap.Error(err))
	}
}

func boardedMessage(n int) string {
	if n == 1 {
		return "1 new student boarded"
	}
	return fmt.Sprintf("%d new students boarded", n)
}
