// Package connwatch tracks the reachability of the services SmartRoam
// talks to: the radio control daemon, Home Assistant, the UniFi
// controller and the MQTT broker.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second transient dial errors. connwatch handles outages that last
// seconds to hours, such as a restarting wpa_supplicant or an HA update.
//
// A Watcher probes one service. While the service is down it retries
// with exponential backoff (2s, 4s, 8s, ... capped at 60s); once it is
// up it polls every PollInterval. Transitions fire OnReady and OnDown.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failed probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// PollInterval is the check interval while the service is up (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s doubling to 60s, with 60s polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next returns the delay that follows d.
func (b BackoffConfig) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status (e.g., "homeassistant").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls probe timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called on every down-to-up transition, including the
	// first successful probe. Runs in its own goroutine. Optional.
	OnReady func()

	// OnDown is called on every up-to-down transition. Runs in its own
	// goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger.With("service", w.config.Name)

	delay := cfg.InitialDelay
	failures := 0
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.recordResult(err)

		wasReady := w.ready.Load()
		switch {
		case err == nil && !wasReady:
			w.ready.Store(true)
			logger.Info("service connected", "after_failures", failures)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case err != nil && wasReady:
			w.ready.Store(false)
			logger.Warn("service became unreachable", "error", err)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case err != nil:
			logger.Debug("service unreachable",
				"failures", failures+1,
				"next_delay", delay.String(),
				"error", err,
			)
		}

		var wait time.Duration
		if err == nil {
			failures = 0
			delay = cfg.InitialDelay
			wait = cfg.PollInterval
		} else {
			failures++
			wait = delay
			delay = cfg.next(delay)
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a new service watcher. The watcher runs in a
// background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health status of all watched services, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		status = append(status, w.Status())
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
