package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/smartroam/internal/buildinfo"
	"github.com/nugget/smartroam/internal/config"
	"github.com/nugget/smartroam/internal/roam"
	"github.com/nugget/smartroam/internal/telemetry"
)

// Entity suffixes. They double as HA object IDs.
const (
	EntityCurrentRSSI  = "current_rssi"
	EntityBestRSSI     = "best_rssi"
	EntityCurrentBSSID = "current_bssid"
	EntityBestBSSID    = "best_bssid"
	EntityLastRoam     = "last_roam"
	EntityUptime       = "uptime"
	EntityVersion      = "version"
)

// payloadUnknown is what HA's MQTT sensor reads as an unknown state.
const payloadUnknown = "None"

// diagnosticInterval is how often uptime and version are refreshed.
const diagnosticInterval = time.Minute

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and forwards sensor states to the broker.
// Values reported through [Publisher.Sensors] are cached, so a broker
// that comes up late still receives the latest state.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	states  map[string]string // topic -> payload
	pending map[string]bool   // topics changed since the last flush
	wake    chan struct{}
}

var _ roam.Notifier = (*Publisher)(nil)

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
		now:        time.Now,
		states:     make(map[string]string),
		pending:    make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
}

// Device returns the HA device block shared by every entity.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Sensors returns telemetry handles backed by this publisher. They
// never block; publishing happens on the Start goroutine.
func (p *Publisher) Sensors() telemetry.Sensors {
	return telemetry.Sensors{
		CurrentRSSI:  telemetry.NumberFunc(func(v float64) { p.set(p.stateTopic(EntityCurrentRSSI), formatNumber(v)) }),
		BestRSSI:     telemetry.NumberFunc(func(v float64) { p.set(p.stateTopic(EntityBestRSSI), formatNumber(v)) }),
		CurrentBSSID: telemetry.TextFunc(func(s string) { p.set(p.stateTopic(EntityCurrentBSSID), formatText(s)) }),
		BestBSSID:    telemetry.TextFunc(func(s string) { p.set(p.stateTopic(EntityBestBSSID), formatText(s)) }),
	}
}

// Roamed records the steer as the last_roam timestamp, with the event
// itself as the entity's attributes.
func (p *Publisher) Roamed(_ context.Context, ev roam.Event) {
	attrs, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal roam attributes", "error", err)
		return
	}
	p.set(p.attributesTopic(EntityLastRoam), string(attrs))
	p.set(p.stateTopic(EntityLastRoam), p.now().UTC().Format(time.RFC3339))
}

// Start connects to the MQTT broker and begins the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes
// discovery configs, a birth message and every cached state.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.flush(ctx, cm, true)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "smartroam-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, cm)
	return nil
}

// Stop publishes an "offline" availability message and closes the
// MQTT connection. ctx bounds the publish and disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.connection()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.connection()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) connection() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "smartroam/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- State cache ---

func (p *Publisher) set(topic, payload string) {
	p.mu.Lock()
	if p.states[topic] != payload {
		p.pending[topic] = true
	}
	p.states[topic] = payload
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// take returns the topics to publish. With all set it returns every
// cached state; otherwise only those changed since the last call.
func (p *Publisher) take(all bool) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]string)
	for topic, payload := range p.states {
		if all || p.pending[topic] {
			out[topic] = payload
		}
	}
	clear(p.pending)
	return out
}

func formatNumber(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return payloadUnknown
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatText(s string) string {
	if s == "" {
		return payloadUnknown
	}
	return s
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	currentRSSI := p.sensor(EntityCurrentRSSI, "Current RSSI", "mdi:wifi")
	currentRSSI.DeviceClass = "signal_strength"
	currentRSSI.UnitOfMeasurement = "dBm"
	currentRSSI.StateClass = "measurement"

	bestRSSI := p.sensor(EntityBestRSSI, "Best RSSI", "mdi:wifi-arrow-up")
	bestRSSI.DeviceClass = "signal_strength"
	bestRSSI.UnitOfMeasurement = "dBm"
	bestRSSI.StateClass = "measurement"

	lastRoam := p.sensor(EntityLastRoam, "Last Roam", "mdi:access-point-network")
	lastRoam.DeviceClass = "timestamp"
	lastRoam.JsonAttributesTopic = p.attributesTopic(EntityLastRoam)

	uptime := p.sensor(EntityUptime, "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	version := p.sensor(EntityVersion, "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{EntityCurrentRSSI, currentRSSI},
		{EntityBestRSSI, bestRSSI},
		{EntityCurrentBSSID, p.sensor(EntityCurrentBSSID, "Current BSSID", "mdi:access-point")},
		{EntityBestBSSID, p.sensor(EntityBestBSSID, "Best BSSID", "mdi:router-wireless")},
		{EntityLastRoam, lastRoam},
		{EntityUptime, uptime},
		{EntityVersion, version},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Publish loop ---

func (p *Publisher) runLoop(ctx context.Context, cm *autopaho.ConnectionManager) {
	ticker := time.NewTicker(diagnosticInterval)
	defer ticker.Stop()

	p.setDiagnostics()
	p.flush(ctx, cm, false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.flush(ctx, cm, false)
		case <-ticker.C:
			p.setDiagnostics()
		}
	}
}

func (p *Publisher) setDiagnostics() {
	p.set(p.stateTopic(EntityUptime), buildinfo.Uptime().Truncate(time.Second).String())
	p.set(p.stateTopic(EntityVersion), buildinfo.Version)
}

// flush publishes cached states. A failed publish is retried on the
// next (re-)connect, which republishes everything.
func (p *Publisher) flush(ctx context.Context, cm *autopaho.ConnectionManager, all bool) {
	states := p.take(all)
	for topic, payload := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: []byte(payload),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"topic", topic, "error", err)
			continue
		}
		p.logger.Log(ctx, config.LevelTrace, "mqtt state published",
			"topic", topic, "payload", payload)
	}
	if len(states) > 0 {
		p.logger.Debug("mqtt sensor states published", "entities", len(states))
	}
}
