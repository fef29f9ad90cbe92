package shared

import (
	"fmt"
	"time"
)

// Position is a single geographic fix. It is immutable once captured and is
// only ever transmitted or held momentarily, never persisted.
type Position struct {
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewPosition creates a position captured now
func NewPosition(lat, lng float64) Position {
	return Position{Latitude: lat, Longitude: lng, CapturedAt: time.Now()}
}

// String returns string representation of position
func (p Position) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", p.Latitude, p.Longitude)
}
