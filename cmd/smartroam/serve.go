package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/smartroam/internal/buildinfo"
	"github.com/nugget/smartroam/internal/connwatch"
	"github.com/nugget/smartroam/internal/homeassistant"
	"github.com/nugget/smartroam/internal/mqtt"
	"github.com/nugget/smartroam/internal/opstate"
	"github.com/nugget/smartroam/internal/roam"
	"github.com/nugget/smartroam/internal/telemetry"
	"github.com/nugget/smartroam/internal/unifi"
)

// runServe runs the roamer until SIGINT/SIGTERM or ctx cancellation,
// along with whichever integrations are configured.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting SmartRoam", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, closeLog := configuredLogger(stdout, cfg)
	defer closeLog()

	logger.Info("config loaded",
		"path", cfgPath,
		"driver", cfg.Driver.Type,
		"interface", cfg.Driver.Interface,
		"interval", cfg.Roam.Interval.String(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Radio driver ---
	drv, err := openDriver(cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s driver: %w", cfg.Driver.Type, err)
	}
	defer closeDriver(drv, logger)

	// --- Connection resilience ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    cfg.Driver.Type,
		Probe:   drv.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	var notifiers roam.Notifiers
	var sensors telemetry.Sensors

	// --- MQTT publishing ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		dbPath := filepath.Join(cfg.DataDir, "smartroam.db")
		store, err := opstate.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open state database %s: %w", dbPath, err)
		}
		defer store.Close()

		instanceID, err := mqtt.LoadOrCreateInstanceID(store)
		if err != nil {
			return err
		}

		mqttPub = mqtt.New(cfg.MQTT, instanceID, logger)
		sensors = mqttPub.Sensors()
		notifiers = append(notifiers, mqttPub)

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	} else {
		logger.Debug("mqtt not configured, sensors disabled")
	}

	// --- Home Assistant events ---
	var haWS *homeassistant.WSClient
	if cfg.HomeAssistant.Configured() {
		ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		haWS = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		defer haWS.Close()

		source, _ := os.Hostname()
		notifiers = append(notifiers, homeassistant.NewNotifier(haWS, ha, cfg.HomeAssistant.EventType, source, logger))

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   ha.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: func() {
				wsCtx, wsCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer wsCancel()
				if err := haWS.Reconnect(wsCtx); err != nil {
					logger.Error("WebSocket reconnect failed", "error", err)
					return
				}
				logger.Info("connected to Home Assistant", "url", cfg.HomeAssistant.URL)
			},
		})
	}

	// --- UniFi AP names ---
	var namer roam.APNamer
	var apDir *unifi.Directory
	if cfg.UniFi.Configured() {
		uc := unifi.NewClient(cfg.UniFi.URL, cfg.UniFi.APIKey, logger)
		apDir = unifi.NewDirectory(unifi.DirectoryConfig{
			Source:          uc,
			RefreshInterval: cfg.UniFi.RefreshInterval,
			Logger:          logger,
		})
		namer = apDir

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "unifi",
			Probe:   uc.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	}

	roamer := roam.New(roam.Config{
		Policy:   policyFromConfig(cfg.Roam),
		Radio:    drv,
		Steerer:  drv,
		Sensors:  sensors,
		Notifier: notifiers,
		Namer:    namer,
		DryRun:   cfg.Roam.DryRun,
		Logger:   logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		roamer.Run(gctx, cfg.Tick)
		return nil
	})

	if mqttPub != nil {
		g.Go(func() error {
			if err := mqttPub.Start(gctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	}

	if apDir != nil {
		g.Go(func() error {
			apDir.Start(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutting down")

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	for _, s := range connMgr.Status() {
		logger.Debug("service status at shutdown", "service", s.Name, "ready", s.Ready, "last_error", s.LastError)
	}

	logger.Info("SmartRoam stopped")
	return err
}
