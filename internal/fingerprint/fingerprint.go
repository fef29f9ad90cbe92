// Package fingerprint derives a low-assurance device identifier from ambient
// client signals. It is a fast, deterministic, non-cryptographic hash: the same
// browser on the same device usually reproduces the same id, and collisions
// between devices are possible and acceptable.
package fingerprint

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// Prefix is prepended to every fingerprint
const Prefix = "DEV-"

// Delimiter joins the signals before hashing
const Delimiter = "||"

// Signals is the fixed, ordered tuple of environment signals
type Signals struct {
	UserAgent      string `json:"user_agent"`
	Language       string `json:"language"`
	ColorDepth     int    `json:"color_depth"`
	ScreenWidth    int    `json:"screen_width"`
	ScreenHeight   int    `json:"screen_height"`
	TimezoneOffset int    `json:"timezone_offset"` // minutes
}

// Source supplies the signals of the current session
type Source interface {
	Signals() Signals
}

// StaticSource is a Source that always returns the same signals
type StaticSource Signals

// Signals implements Source
func (s StaticSource) Signals() Signals {
	return Signals(s)
}

// Compute returns the fingerprint for the source's current signals
func Compute(src Source) string {
	return FromSignals(src.Signals())
}

// FromSignals returns "DEV-" followed by the absolute value of the 32-bit
// rolling hash of the joined signals.
func FromSignals(s Signals) string {
	h := Hash(s.Join())
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return Prefix + strconv.FormatInt(abs, 10)
}

// Join concatenates the signals in their fixed order
func (s Signals) Join() string {
	return strings.Join([]string{
		s.UserAgent,
		s.Language,
		strconv.Itoa(s.ColorDepth),
		strconv.Itoa(s.ScreenWidth) + "x" + strconv.Itoa(s.ScreenHeight),
		strconv.Itoa(s.TimezoneOffset),
	}, Delimiter)
}

// Hash is the multiply-accumulate rolling hash h = h*31 + c, computed as
// (h<<5)-h+c and folded to signed 32 bits on every step. Characters are
// consumed as UTF-16 code units so ids match those computed in a browser.
func Hash(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(c)
	}
	return h
}
