// Package credential keeps a rotating boarding code on the driver's screen: a
// regeneration task fetches and renders a new code every window, and a
// cosmetic one-second countdown shows how long the current code has left.
package credential

import (
	"context"
	"sync"
)

// CountdownDisplay shows the seconds left on the current code
type CountdownDisplay interface {
	ShowCountdown(remaining int)
}

// Countdown is a purely visual timer over a window of R seconds. It owns its
// counter; the rotator pins it back to R after every successful rotation.
type Countdown struct {
	window  int
	display CountdownDisplay

	mu        sync.Mutex
	remaining int
}

// NewCountdown creates a countdown starting at the full window
func NewCountdown(window int, display CountdownDisplay) *Countdown {
	if window < 1 {
		window = 1
	}
	return &Countdown{window: window, remaining: window, display: display}
}

// Tick decrements the counter, wrapping to the full window on reaching zero
func (c *Countdown) Tick(context.Context) error {
	c.mu.Lock()
	c.remaining--
	if c.remaining <= 0 {
		c.remaining = c.window
	}
	remaining := c.remaining
	c.mu.Unlock()

	c.show(remaining)
	return nil
}

// Reset pins the counter to the full window
func (c *Countdown) Reset() {
	c.mu.Lock()
	c.remaining = c.window
	c.mu.Unlock()

	c.show(c.window)
}

// Remaining returns the seconds currently displayed
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Window returns R
func (c *Countdown) Window() int {
	return c.window
}

func (c *Countdown) show(remaining int) {
	if c.display != nil {
		c.display.ShowCountdown(remaining)
	}
}
