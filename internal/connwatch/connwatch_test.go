package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", cfg.ProbeTimeout)
	}
}

func TestBackoffConfig_Next(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	d := cfg.InitialDelay
	for i, w := range want {
		d = cfg.next(d)
		if d != w {
			t.Errorf("step %d = %v, want %v", i, d, w)
		}
	}
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{PollInterval: time.Minute, Multiplier: 0.5}.withDefaults()

	if got.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v, want explicit 1m kept", got.PollInterval)
	}
	if got.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want non-growing value replaced with 2.0", got.Multiplier)
	}
	if got.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want default 2s", got.InitialDelay)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "wpa_supplicant",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	waitFor(t, "ready", w.IsReady)
	waitFor(t, "OnReady", func() bool { return readyCalled.Load() == 1 })

	if s := w.Status(); s.LastError != "" {
		t.Errorf("LastError = %q, want empty", s.LastError)
	}

	// Further successful polls must not call OnReady again.
	time.Sleep(30 * time.Millisecond)
	if n := readyCalled.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want 1", n)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("connection refused")
	var attempts atomic.Int32

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "homeassistant",
		Probe: func(ctx context.Context) error {
			if attempts.Add(1) <= 3 {
				return errDown
			}
			return nil
		},
		Backoff: testBackoff(),
	})

	waitFor(t, "recovery", w.IsReady)
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
}

func TestWatcher_NeverReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var downCalled atomic.Int32
	var attempts atomic.Int32

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "unifi",
		Probe: func(ctx context.Context) error {
			attempts.Add(1)
			return errors.New("no route to host")
		},
		Backoff: testBackoff(),
		OnDown:  func(error) { downCalled.Add(1) },
	})

	waitFor(t, "several probes", func() bool { return attempts.Load() >= 5 })

	if w.IsReady() {
		t.Error("IsReady() = true for a service that never answered")
	}
	if downCalled.Load() != 0 {
		t.Error("OnDown must only fire on an up-to-down transition")
	}
	if s := w.Status(); s.LastError != "no route to host" {
		t.Errorf("LastError = %q", s.LastError)
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthy atomic.Bool
	healthy.Store(true)
	var readyCalled, downCalled atomic.Int32

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "mqtt",
		Probe: func(ctx context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("broker gone")
		},
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(error) { downCalled.Add(1) },
	})

	waitFor(t, "initial ready", w.IsReady)

	healthy.Store(false)
	waitFor(t, "down", func() bool { return !w.IsReady() })
	waitFor(t, "OnDown", func() bool { return downCalled.Load() == 1 })

	healthy.Store(true)
	waitFor(t, "recovered", w.IsReady)
	waitFor(t, "second OnReady", func() bool { return readyCalled.Load() == 2 })
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})

	waitFor(t, "timed-out probe", func() bool { return w.Status().LastError != "" })
	if w.IsReady() {
		t.Error("IsReady() = true after probe timeout")
	}
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	m := NewManager(testLogger())
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "stop",
		Probe:   func(ctx context.Context) error { attempts.Add(1); return nil },
		Backoff: testBackoff(),
	})

	waitFor(t, "first probe", func() bool { return attempts.Load() > 0 })
	w.Stop()

	after := attempts.Load()
	time.Sleep(20 * time.Millisecond)
	if attempts.Load() != after {
		t.Error("probes continued after Stop")
	}
}

func TestManager_Status(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(testLogger())
	m.Watch(ctx, WatcherConfig{Name: "unifi", Probe: func(context.Context) error { return errors.New("down") }, Backoff: testBackoff()})
	up := m.Watch(ctx, WatcherConfig{Name: "homeassistant", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})

	waitFor(t, "homeassistant ready", up.IsReady)

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() returned %d entries, want 2", len(status))
	}
	if status[0].Name != "homeassistant" || status[1].Name != "unifi" {
		t.Errorf("Status() order = %s, %s; want sorted by name", status[0].Name, status[1].Name)
	}
	if !status[0].Ready || status[1].Ready {
		t.Errorf("Status() = %+v", status)
	}

	m.Stop()
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	m := NewManager(testLogger())

	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch() should panic")
				}
			}()
			m.Watch(context.Background(), tt.cfg)
		})
	}
}
