// Package wifi defines the radio driver surface consumed by the roamer:
// link sampling, synchronous scanning, and BSSID steering. Concrete
// drivers live in subpackages (wpasupplicant, nmcli) and are selected
// at configuration time; callers depend only on the interfaces here.
package wifi

import (
	"context"
	"strings"
)

// LinkState is a snapshot of the station's current association. It is
// recomputed on every roam check and never persisted.
type LinkState struct {
	Associated bool
	SSID       string
	BSSID      string // lowercase, colon-separated
	RSSI       int    // dBm
	Channel    int
}

// ScanRecord is one access point seen during a scan.
type ScanRecord struct {
	SSID    string
	BSSID   string
	RSSI    int // dBm
	Channel int
}

// SteerCommand asks a driver to reassociate to a specific access point.
// SSID is re-affirmed by drivers that support it; Channel is a hint and
// is ignored when zero or by drivers that cannot use it.
type SteerCommand struct {
	SSID    string
	BSSID   BSSID
	Channel int
}

// Radio samples the current link and performs blocking scans.
type Radio interface {
	// Link returns the current association state. A disassociated
	// station returns a LinkState with Associated false and a nil error.
	Link(ctx context.Context) (LinkState, error)

	// Scan triggers an active scan, including hidden networks, and
	// blocks until results are available or the driver's own timeout
	// expires.
	Scan(ctx context.Context) ([]ScanRecord, error)
}

// ScanReleaser is implemented by radios that keep scan results in
// driver-side storage which should be freed once a selection is made.
type ScanReleaser interface {
	ReleaseScan(ctx context.Context) error
}

// Steerer forces a disassociation and reassociation pinned to a target
// BSSID, keeping previously configured credentials. Success is not
// confirmed; the next link sample is the only observable result.
type Steerer interface {
	Steer(ctx context.Context, cmd SteerCommand) error
}

// Driver is a complete radio backend.
type Driver interface {
	Radio
	Steerer
}

// NormalizeBSSID lowercases and trims a BSSID string for comparison.
func NormalizeBSSID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ChannelFromFrequency converts a centre frequency in MHz to an IEEE
// 802.11 channel number. Unknown frequencies return 0.
func ChannelFromFrequency(mhz int) int {
	switch {
	case mhz == 2484:
		return 14
	case mhz >= 2412 && mhz < 2484:
		return (mhz - 2407) / 5
	case mhz >= 5150 && mhz <= 5925:
		return (mhz - 5000) / 5
	case mhz > 5950 && mhz <= 7125:
		return (mhz - 5950) / 5
	default:
		return 0
	}
}
