// Package config handles SmartRoam configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Driver types accepted in driver.type.
const (
	DriverWPASupplicant = "wpa_supplicant"
	DriverNmcli         = "nmcli"
)

// Roam defaults. They mirror the roam package defaults; config keeps
// its own copy so it does not import domain packages.
const (
	defaultStrongerByDB = 6
	defaultMinRSSI      = -85
	defaultInterval     = time.Hour
	defaultTick         = time.Second
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, $XDG_CONFIG_HOME/smartroam/config.yaml, each
// $XDG_CONFIG_DIRS entry, and /etc/smartroam/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if xdg.ConfigHome != "" {
		paths = append(paths, filepath.Join(xdg.ConfigHome, "smartroam", "config.yaml"))
	}
	for _, dir := range xdg.ConfigDirs {
		paths = append(paths, filepath.Join(dir, "smartroam", "config.yaml"))
	}

	paths = append(paths, "/etc/smartroam/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all SmartRoam configuration.
type Config struct {
	Roam          RoamConfig          `yaml:"roam"`
	Driver        DriverConfig        `yaml:"driver"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	UniFi         UniFiConfig         `yaml:"unifi"`

	// DataDir holds the state database.
	DataDir string `yaml:"data_dir"`

	// Tick is how often the periodic hook is invoked. The roam
	// interval gate runs inside it, so this only bounds latency.
	Tick time.Duration `yaml:"tick"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json

	// LogFile, when set, sends logs to a size-rotated file instead of
	// stdout.
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
}

// RoamConfig is the roaming policy.
type RoamConfig struct {
	// TargetSSID restricts roaming to one network. Empty follows the
	// currently associated SSID.
	TargetSSID string `yaml:"target_ssid"`

	// StrongerByDB is the hysteresis margin in dB (default 6). A
	// pointer so an explicit 0 is kept.
	StrongerByDB *int `yaml:"stronger_by_db"`

	// MinRSSIToConsider is the weakest candidate RSSI in dBm (default -85).
	MinRSSIToConsider *int `yaml:"min_rssi_to_consider"`

	// Interval between roam checks (default 1h). IntervalMS is accepted
	// for configs written in milliseconds and wins when both are set.
	Interval   time.Duration `yaml:"interval"`
	IntervalMS uint32        `yaml:"interval_ms"`

	// DryRun logs roam decisions without steering.
	DryRun bool `yaml:"dry_run"`
}

// Margin returns the effective hysteresis margin.
func (r RoamConfig) Margin() int {
	if r.StrongerByDB == nil {
		return defaultStrongerByDB
	}
	return *r.StrongerByDB
}

// MinRSSI returns the effective minimum candidate RSSI.
func (r RoamConfig) MinRSSI() int {
	if r.MinRSSIToConsider == nil {
		return defaultMinRSSI
	}
	return *r.MinRSSIToConsider
}

// DriverConfig selects and configures the radio backend.
type DriverConfig struct {
	// Type is wpa_supplicant (default) or nmcli.
	Type string `yaml:"type"`

	// Interface is the wireless interface (default wlan0).
	Interface string `yaml:"interface"`

	// CtrlDir is the wpa_supplicant control socket directory.
	CtrlDir string `yaml:"ctrl_dir"`

	// NmcliPath overrides the nmcli binary location.
	NmcliPath string `yaml:"nmcli_path"`

	// ScanTimeout bounds a blocking scan (default 10s).
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// SettleDelay is the wpa_supplicant pause between disconnect and
	// reconnect (default 150ms). A pointer so an explicit 0 is kept.
	SettleDelay *time.Duration `yaml:"settle_delay"`
}

// Settle returns the effective settle delay.
func (d DriverConfig) Settle() time.Duration {
	if d.SettleDelay == nil {
		return 150 * time.Millisecond
	}
	return *d.SettleDelay
}

// MQTTConfig configures the Home Assistant MQTT telemetry publisher.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// HomeAssistantConfig configures roam event notifications.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// EventType is the event fired on every steer (default smartroam_roamed).
	EventType string `yaml:"event_type"`
}

// Configured reports whether Home Assistant notifications are enabled.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// UniFiConfig configures the optional AP name directory.
type UniFiConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	// RefreshInterval is how often the AP list is reloaded (default 15m).
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Configured reports whether the UniFi directory is enabled.
func (c UniFiConfig) Configured() bool {
	return c.URL != "" && c.APIKey != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Roam.IntervalMS > 0 {
		c.Roam.Interval = time.Duration(c.Roam.IntervalMS) * time.Millisecond
	}
	if c.Roam.Interval <= 0 {
		c.Roam.Interval = defaultInterval
	}
	if c.Driver.Type == "" {
		c.Driver.Type = DriverWPASupplicant
	}
	if c.Driver.Interface == "" {
		c.Driver.Interface = "wlan0"
	}
	if c.Driver.ScanTimeout <= 0 {
		c.Driver.ScanTimeout = 10 * time.Second
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.HomeAssistant.EventType == "" {
		c.HomeAssistant.EventType = "smartroam_roamed"
	}
	if c.UniFi.RefreshInterval <= 0 {
		c.UniFi.RefreshInterval = 15 * time.Minute
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/smartroam"
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 5
	}
	if c.LogMaxBackups <= 0 {
		c.LogMaxBackups = 2
	}
}

// Validate checks the configuration for values that would make the
// daemon misbehave rather than merely run with defaults.
func (c *Config) Validate() error {
	var problems []string

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q (valid: text, json)", c.LogFormat))
	}

	switch c.Driver.Type {
	case DriverWPASupplicant, DriverNmcli:
	default:
		problems = append(problems, fmt.Sprintf("driver.type %q (valid: %s, %s)", c.Driver.Type, DriverWPASupplicant, DriverNmcli))
	}
	if c.Driver.SettleDelay != nil && *c.Driver.SettleDelay < 0 {
		problems = append(problems, "driver.settle_delay must not be negative")
	}

	if c.Roam.Margin() < 0 {
		problems = append(problems, fmt.Sprintf("roam.stronger_by_db %d must not be negative", c.Roam.Margin()))
	}
	if c.Roam.MinRSSI() > 0 || c.Roam.MinRSSI() < -127 {
		problems = append(problems, fmt.Sprintf("roam.min_rssi_to_consider %d outside -127..0 dBm", c.Roam.MinRSSI()))
	}

	if c.MQTT.Broker != "" {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			problems = append(problems, fmt.Sprintf("mqtt.broker %q is not a URL", c.MQTT.Broker))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
