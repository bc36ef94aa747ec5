// Package telemetry defines the optional sensor publishers the roamer
// reports through. Every publisher is optional: a nil slot is replaced
// with a no-op so the roamer never has to check for presence.
package telemetry

import "math"

// Number publishes a numeric sensor state. NaN means "unknown".
type Number interface {
	Publish(v float64)
}

// Text publishes a string sensor state. Empty means "none".
type Text interface {
	Publish(s string)
}

// Sensors groups the four roam sensors. Any field may be nil.
type Sensors struct {
	CurrentRSSI  Number
	BestRSSI     Number
	CurrentBSSID Text
	BestBSSID    Text
}

// WithDefaults returns a copy of s with nil publishers replaced by no-ops.
func (s Sensors) WithDefaults() Sensors {
	if s.CurrentRSSI == nil {
		s.CurrentRSSI = Nop{}
	}
	if s.BestRSSI == nil {
		s.BestRSSI = Nop{}
	}
	if s.CurrentBSSID == nil {
		s.CurrentBSSID = NopText{}
	}
	if s.BestBSSID == nil {
		s.BestBSSID = NopText{}
	}
	return s
}

// Nop discards numeric states.
type Nop struct{}

// Publish implements Number.
func (Nop) Publish(float64) {}

// NopText discards text states.
type NopText struct{}

// Publish implements Text.
func (NopText) Publish(string) {}

// Unknown is the numeric state published when there is no value.
func Unknown() float64 { return math.NaN() }

// NumberFunc adapts a plain function to Number.
type NumberFunc func(float64)

// Publish implements Number.
func (f NumberFunc) Publish(v float64) { f(v) }

// TextFunc adapts a plain function to Text.
type TextFunc func(string)

// Publish implements Text.
func (f TextFunc) Publish(s string) { f(s) }
