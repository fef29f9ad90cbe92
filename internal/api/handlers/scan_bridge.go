package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/danghamo/busline/internal/attendance"
)

// ScanBridge is the camera of the verification flow. The page does the frame
// decoding and posts decoded text; the bridge hands it to the open scanner.
type ScanBridge struct {
	mu      sync.Mutex
	facings map[attendance.Facing]bool
	active  *bridgeScanner
}

// NewScanBridge creates a bridge that accepts every facing until the page
// declares what it has
func NewScanBridge() *ScanBridge {
	return &ScanBridge{}
}

// SetFacings records the camera facings the page can open. An empty list
// means unknown, and every facing is tried.
func (b *ScanBridge) SetFacings(facings []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(facings) == 0 {
		b.facings = nil
		return
	}
	b.facings = make(map[attendance.Facing]bool, len(facings))
	for _, f := range facings {
		b.facings[attendance.Facing(f)] = true
	}
}

// Open implements attendance.Camera
func (b *ScanBridge) Open(ctx context.Context, facing attendance.Facing, onDecode func(text string)) (attendance.Scanner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.facings != nil && !b.facings[facing] {
		return nil, fmt.Errorf("camera facing %q unavailable", facing)
	}

	if b.active != nil {
		b.active.stopped = true
	}
	s := &bridgeScanner{bridge: b, facing: facing, onDecode: onDecode}
	b.active = s
	return s, nil
}

// Deliver passes decoded text to the open scanner. It reports false when no
// scanner is open.
func (b *ScanBridge) Deliver(text string) bool {
	b.mu.Lock()
	s := b.active
	if s == nil || s.stopped {
		b.mu.Unlock()
		return false
	}
	onDecode := s.onDecode
	b.mu.Unlock()

	onDecode(text)
	return true
}

// ActiveFacing returns the facing of the open scanner
func (b *ScanBridge) ActiveFacing() (attendance.Facing, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil || b.active.stopped {
		return "", false
	}
	return b.active.facing, true
}

type bridgeScanner struct {
	bridge   *ScanBridge
	facing   attendance.Facing
	onDecode func(string)
	stopped  bool // guarded by bridge.mu
}

func (s *bridgeScanner) Stop() {
	s.bridge.mu.Lock()
	defer s.bridge.mu.Unlock()
	s.stopped = true
	if s.bridge.active == s {
		s.bridge.active = nil
	}
}
