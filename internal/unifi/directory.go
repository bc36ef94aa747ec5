package unifi

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/smartroam/internal/roam"
)

// DirectoryConfig configures the AP name directory.
type DirectoryConfig struct {
	// Source lists access points from the network controller.
	Source APSource

	// RefreshInterval is how often the AP list is reloaded.
	RefreshInterval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Directory maps BSSIDs to AP names. It refreshes periodically and
// keeps the last good table when a refresh fails, so a controller
// outage never erases names that were already known.
type Directory struct {
	cfg DirectoryConfig

	mu    sync.RWMutex
	names map[string]string // bssid -> AP name
}

var _ roam.APNamer = (*Directory)(nil)

// NewDirectory creates an empty directory. Call [Directory.Refresh] or
// [Directory.Start] to populate it.
func NewDirectory(cfg DirectoryConfig) *Directory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}
	return &Directory{
		cfg:   cfg,
		names: make(map[string]string),
	}
}

// APName implements [roam.APNamer]. It returns "" for unknown BSSIDs.
func (d *Directory) APName(bssid string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[strings.ToLower(strings.TrimSpace(bssid))]
}

// Len returns the number of known BSSIDs.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.names)
}

// Refresh reloads the AP list from the controller.
func (d *Directory) Refresh(ctx context.Context) error {
	aps, err := d.cfg.Source.ListAPs(ctx)
	if err != nil {
		return err
	}

	names := make(map[string]string, len(aps))
	for _, ap := range aps {
		names[ap.BSSID] = ap.Name
	}

	d.mu.Lock()
	d.names = names
	d.mu.Unlock()

	d.cfg.Logger.Debug("unifi AP directory refreshed", "bssids", len(names))
	return nil
}

// Start runs the refresh loop until ctx is cancelled. It blocks.
func (d *Directory) Start(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()

	// Refresh immediately on start.
	d.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

func (d *Directory) refresh(ctx context.Context) {
	if err := d.Refresh(ctx); err != nil {
		d.cfg.Logger.Warn("unifi AP directory refresh failed",
			"error", err, "known_bssids", d.Len())
	}
}
