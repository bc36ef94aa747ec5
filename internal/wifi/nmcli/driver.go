// Package nmcli drives a station through NetworkManager's command line
// client. Steering rewrites the active connection profile to pin the
// target BSSID (and channel, when known) and brings it back up, so the
// stored credentials of the profile are reused.
package nmcli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/smartroam/internal/wifi"
)

// DefaultScanTimeout bounds a blocking rescan.
const DefaultScanTimeout = 30 * time.Second

// Runner executes nmcli. The default runs the real binary; tests
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the nmcli binary found at Path (default "nmcli").
type ExecRunner struct {
	Path string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	path := r.Path
	if path == "" {
		path = "nmcli"
	}
	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return out, fmt.Errorf("nmcli %s: %w", strings.Join(args, " "), err)
		}
		return out, fmt.Errorf("nmcli %s: %w: %s", strings.Join(args, " "), err, msg)
	}
	return out, nil
}

// Config configures a Driver.
type Config struct {
	// Interface is the wireless device name (e.g. "wlan0").
	Interface string

	// ScanTimeout bounds a blocking rescan.
	ScanTimeout time.Duration

	// Runner executes nmcli. Defaults to ExecRunner{}.
	Runner Runner

	Logger *slog.Logger
}

// Driver implements [wifi.Driver] using nmcli.
type Driver struct {
	cfg Config
}

var _ wifi.Driver = (*Driver)(nil)

// New creates a Driver. It does not touch NetworkManager.
func New(cfg Config) (*Driver, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("nmcli: interface is required")
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{cfg: cfg}, nil
}

// Ping checks that NetworkManager is running.
func (d *Driver) Ping(ctx context.Context) error {
	out, err := d.cfg.Runner.Run(ctx, "-t", "-f", "RUNNING", "general")
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) != "running" {
		return fmt.Errorf("NetworkManager not running: %q", strings.TrimSpace(string(out)))
	}
	return nil
}

const listFields = "IN-USE,SSID,BSSID,CHAN,SIGNAL"

// Link implements [wifi.Radio] from the cached AP list.
func (d *Driver) Link(ctx context.Context) (wifi.LinkState, error) {
	out, err := d.cfg.Runner.Run(ctx, "-t", "-f", listFields, "device", "wifi", "list", "ifname", d.cfg.Interface, "--rescan", "no")
	if err != nil {
		return wifi.LinkState{}, err
	}
	for _, ap := range parseList(out) {
		if ap.inUse {
			return wifi.LinkState{
				Associated: true,
				SSID:       ap.record.SSID,
				BSSID:      ap.record.BSSID,
				RSSI:       ap.record.RSSI,
				Channel:    ap.record.Channel,
			}, nil
		}
	}
	return wifi.LinkState{}, nil
}

// Scan implements [wifi.Radio]. nmcli blocks until the rescan finishes.
func (d *Driver) Scan(ctx context.Context) ([]wifi.ScanRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ScanTimeout)
	defer cancel()

	out, err := d.cfg.Runner.Run(ctx, "-t", "-f", listFields, "device", "wifi", "list", "ifname", d.cfg.Interface, "--rescan", "yes")
	if err != nil {
		return nil, err
	}
	aps := parseList(out)
	records := make([]wifi.ScanRecord, 0, len(aps))
	for _, ap := range aps {
		records = append(records, ap.record)
	}
	return records, nil
}

// Steer implements [wifi.Steerer]. The device is disconnected first,
// the active profile is rewritten, and the profile is brought back up
// on the same device. A positive channel hint is applied to the
// profile together with the band it implies.
func (d *Driver) Steer(ctx context.Context, cmd wifi.SteerCommand) error {
	profile, err := d.activeConnection(ctx)
	if err != nil {
		return err
	}

	if _, err := d.cfg.Runner.Run(ctx, "device", "disconnect", d.cfg.Interface); err != nil {
		return err
	}

	args := []string{"connection", "modify", profile, "802-11-wireless.bssid", cmd.BSSID.String()}
	if cmd.SSID != "" {
		args = append(args, "802-11-wireless.ssid", cmd.SSID)
	}
	if cmd.Channel > 0 {
		args = append(args,
			"802-11-wireless.band", bandForChannel(cmd.Channel),
			"802-11-wireless.channel", strconv.Itoa(cmd.Channel),
		)
	}
	if _, err := d.cfg.Runner.Run(ctx, args...); err != nil {
		return err
	}

	if _, err := d.cfg.Runner.Run(ctx, "connection", "up", profile, "ifname", d.cfg.Interface); err != nil {
		return err
	}
	d.cfg.Logger.Debug("reassociation requested", "profile", profile, "bssid", cmd.BSSID.String(), "channel", cmd.Channel)
	return nil
}

func (d *Driver) activeConnection(ctx context.Context) (string, error) {
	out, err := d.cfg.Runner.Run(ctx, "-t", "-f", "GENERAL.CONNECTION", "device", "show", d.cfg.Interface)
	if err != nil {
		return "", err
	}
	_, name, _ := strings.Cut(strings.TrimSpace(string(out)), ":")
	if name == "" || name == "--" {
		return "", fmt.Errorf("no active connection on %s", d.cfg.Interface)
	}
	return name, nil
}

// bandForChannel maps a channel number to NetworkManager's band name.
func bandForChannel(ch int) string {
	if ch <= 14 {
		return "bg"
	}
	return "a"
}

// signalToDBm converts NetworkManager's 0-100 signal quality back to an
// approximate RSSI. NetworkManager derives quality as 2*(dBm+100).
func signalToDBm(quality int) int {
	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}
	return quality/2 - 100
}

type listedAP struct {
	inUse  bool
	record wifi.ScanRecord
}

// parseList parses terse "device wifi list" output with listFields.
func parseList(out []byte) []listedAP {
	var aps []listedAP
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := splitTerse(line)
		if len(f) != 5 {
			continue
		}
		ch, _ := strconv.Atoi(f[3])
		sig, err := strconv.Atoi(f[4])
		if err != nil {
			continue
		}
		aps = append(aps, listedAP{
			inUse: f[0] == "*",
			record: wifi.ScanRecord{
				SSID:    f[1],
				BSSID:   wifi.NormalizeBSSID(f[2]),
				RSSI:    signalToDBm(sig),
				Channel: ch,
			},
		})
	}
	return aps
}

// splitTerse splits one line of nmcli terse output on unescaped colons,
// removing the backslash escapes nmcli adds for ':' and '\'.
func splitTerse(line string) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}
