// Package roam implements the periodic roam check: sample the current
// link, scan for alternate access points on the same SSID, pick the
// strongest one, and steer to it when it beats the current link by the
// configured hysteresis margin.
package roam

import (
	"time"

	"github.com/nugget/smartroam/internal/wifi"
)

// Policy defaults.
const (
	DefaultStrongerByDB = 6
	DefaultMinRSSI      = -85
	DefaultInterval     = time.Hour
)

// NoCandidateRSSI is the sentinel signal strength reported when no
// alternate access point qualifies.
const NoCandidateRSSI = -127

// Policy controls when the roamer steers. It is copied into the Roamer
// at construction and never modified afterwards.
type Policy struct {
	// TargetSSID restricts roaming to this network name. Empty means
	// "whatever the station is currently associated with".
	TargetSSID string

	// StrongerByDB is the hysteresis margin: a candidate must be at
	// least this many dB stronger than the current link to trigger a roam.
	StrongerByDB int

	// MinRSSI is the weakest candidate signal considered at all.
	MinRSSI int

	// Interval is the minimum time between roam checks.
	Interval time.Duration
}

// DefaultPolicy returns the stock roaming policy.
func DefaultPolicy() Policy {
	return Policy{
		StrongerByDB: DefaultStrongerByDB,
		MinRSSI:      DefaultMinRSSI,
		Interval:     DefaultInterval,
	}
}

// Candidate is the best alternate access point found by a scan.
type Candidate struct {
	RSSI    int
	BSSID   string
	Channel int
}

// noCandidate is the sentinel returned when nothing qualifies.
var noCandidate = Candidate{RSSI: NoCandidateRSSI}

// Found reports whether c is a real candidate rather than the sentinel.
func (c Candidate) Found() bool {
	return c.RSSI > NoCandidateRSSI
}

// SelectCandidate returns the strongest record broadcasting ssid whose
// BSSID differs from exclude and whose RSSI is at least minRSSI. Ties
// keep the record seen first. When nothing qualifies the sentinel
// candidate is returned.
func SelectCandidate(records []wifi.ScanRecord, ssid, exclude string, minRSSI int) Candidate {
	best := noCandidate
	exclude = wifi.NormalizeBSSID(exclude)
	for _, r := range records {
		if r.SSID != ssid {
			continue
		}
		if wifi.NormalizeBSSID(r.BSSID) == exclude {
			continue
		}
		if r.RSSI < minRSSI {
			continue
		}
		if r.RSSI > best.RSSI {
			best = Candidate{
				RSSI:    r.RSSI,
				BSSID:   wifi.NormalizeBSSID(r.BSSID),
				Channel: r.Channel,
			}
		}
	}
	return best
}

// Decide reports whether the roamer should steer from a link at
// currentRSSI to candidate given the hysteresis margin. A sentinel
// candidate never wins.
func Decide(currentRSSI int, candidate Candidate, margin int) bool {
	if !candidate.Found() {
		return false
	}
	return candidate.RSSI >= currentRSSI+margin
}

// resolveSSID picks the network to roam within.
func (p Policy) resolveSSID(current wifi.LinkState) string {
	if p.TargetSSID != "" {
		return p.TargetSSID
	}
	return current.SSID
}
