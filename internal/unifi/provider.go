// Package unifi resolves access point BSSIDs to the names configured
// on a UniFi Network controller, so roam logs and events say
// "Kitchen" instead of a MAC address.
package unifi

import "context"

// APInfo is one radio interface (VAP) of an access point.
type APInfo struct {
	BSSID   string // lowercase, colon-separated
	Name    string // AP name as configured on the controller
	SSID    string
	Channel int
	Radio   string // "ng" (2.4 GHz), "na" (5 GHz), "6e"
}

// APSource lists access points from a network controller. The UniFi
// Client implements it; tests substitute a fake.
type APSource interface {
	// ListAPs returns every broadcasting VAP known to the controller.
	ListAPs(ctx context.Context) ([]APInfo, error)

	// Ping checks if the network controller is reachable.
	Ping(ctx context.Context) error
}
