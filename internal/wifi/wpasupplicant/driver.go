package wpasupplicant

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/smartroam/internal/wifi"
)

// Defaults for Config.
const (
	DefaultCtrlDir     = "/var/run/wpa_supplicant"
	DefaultScanTimeout = 10 * time.Second
	DefaultSettleDelay = 150 * time.Millisecond
)

// Config configures a Driver.
type Config struct {
	// Interface is the wireless interface name (e.g. "wlan0").
	Interface string

	// CtrlDir holds the per-interface control sockets.
	CtrlDir string

	// ScanTimeout bounds how long Scan waits for results.
	ScanTimeout time.Duration

	// SettleDelay is the pause between DISCONNECT and RECONNECT.
	SettleDelay time.Duration

	Logger *slog.Logger
}

// Driver implements [wifi.Driver] on top of wpa_supplicant.
type Driver struct {
	cfg  Config
	ctrl *conn
}

var _ wifi.Driver = (*Driver)(nil)
var _ wifi.ScanReleaser = (*Driver)(nil)

// Open connects to the control socket for cfg.Interface.
func Open(cfg Config) (*Driver, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("wpa_supplicant: interface is required")
	}
	if cfg.CtrlDir == "" {
		cfg.CtrlDir = DefaultCtrlDir
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctrl, err := dial(cfg.socketPath())
	if err != nil {
		return nil, fmt.Errorf("wpa_supplicant: %w", err)
	}
	return &Driver{cfg: cfg, ctrl: ctrl}, nil
}

// Close releases the control socket.
func (d *Driver) Close() error {
	return d.ctrl.close()
}

// Ping checks that wpa_supplicant is answering on the control socket.
func (d *Driver) Ping(ctx context.Context) error {
	reply, err := d.ctrl.request(ctx, "PING")
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) != "PONG" {
		return fmt.Errorf("unexpected PING reply %q", strings.TrimSpace(reply))
	}
	return nil
}

func (c Config) socketPath() string {
	return filepath.Join(c.CtrlDir, c.Interface)
}

// Link implements [wifi.Radio].
func (d *Driver) Link(ctx context.Context) (wifi.LinkState, error) {
	status, err := d.status(ctx)
	if err != nil {
		return wifi.LinkState{}, err
	}
	if status["wpa_state"] != "COMPLETED" {
		return wifi.LinkState{}, nil
	}

	link := wifi.LinkState{
		Associated: true,
		SSID:       decodeSSID(status["ssid"]),
		BSSID:      wifi.NormalizeBSSID(status["bssid"]),
	}
	if freq, err := strconv.Atoi(status["freq"]); err == nil {
		link.Channel = wifi.ChannelFromFrequency(freq)
	}

	reply, err := d.ctrl.request(ctx, "SIGNAL_POLL")
	if err != nil {
		return link, err
	}
	poll := parseKeyValues(reply)
	rssi, err := strconv.Atoi(poll["RSSI"])
	if err != nil {
		return link, fmt.Errorf("parse SIGNAL_POLL RSSI %q: %w", poll["RSSI"], err)
	}
	link.RSSI = rssi
	return link, nil
}

// Scan implements [wifi.Radio]. It requests a scan and blocks until
// wpa_supplicant announces results or ScanTimeout expires. A scan that
// is already running (FAIL-BUSY) is waited on rather than treated as an
// error.
func (d *Driver) Scan(ctx context.Context) ([]wifi.ScanRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ScanTimeout)
	defer cancel()

	mon, err := dial(d.cfg.socketPath())
	if err != nil {
		return nil, fmt.Errorf("open monitor: %w", err)
	}
	defer mon.close()

	if err := mon.expectOK(ctx, "ATTACH"); err != nil {
		return nil, fmt.Errorf("attach monitor: %w", err)
	}
	defer func() {
		detachCtx, detachCancel := context.WithTimeout(context.Background(), time.Second)
		defer detachCancel()
		_ = mon.expectOK(detachCtx, "DETACH")
	}()

	reply, err := d.ctrl.request(ctx, "SCAN")
	if err != nil {
		return nil, err
	}
	switch strings.TrimSpace(reply) {
	case "OK":
	case "FAIL-BUSY":
		d.cfg.Logger.Debug("scan already in progress, waiting for its results")
	default:
		return nil, fmt.Errorf("SCAN: %s", strings.TrimSpace(reply))
	}

	ev, err := mon.waitEvent(ctx, "CTRL-EVENT-SCAN-RESULTS", "CTRL-EVENT-SCAN-FAILED")
	if err != nil {
		return nil, err
	}
	if strings.Contains(ev, "CTRL-EVENT-SCAN-FAILED") {
		return nil, fmt.Errorf("scan failed: %s", strings.TrimSpace(ev))
	}

	results, err := d.ctrl.request(ctx, "SCAN_RESULTS")
	if err != nil {
		return nil, err
	}
	return parseScanResults(results), nil
}

// ReleaseScan implements [wifi.ScanReleaser] by dropping every BSS
// entry wpa_supplicant is not currently using.
func (d *Driver) ReleaseScan(ctx context.Context) error {
	return d.ctrl.expectOK(ctx, "BSS_FLUSH 0")
}

// Steer implements [wifi.Steerer]. The BSSID is pinned on the network
// block currently in use, so stored credentials are kept. The channel
// hint is not used by this driver.
func (d *Driver) Steer(ctx context.Context, cmd wifi.SteerCommand) error {
	status, err := d.status(ctx)
	if err != nil {
		return err
	}
	id := status["id"]
	if id == "" {
		return fmt.Errorf("no active network block")
	}

	if err := d.ctrl.expectOK(ctx, fmt.Sprintf("SET_NETWORK %s bssid %s", id, cmd.BSSID)); err != nil {
		return err
	}
	if err := d.ctrl.expectOK(ctx, "DISCONNECT"); err != nil {
		return err
	}

	if d.cfg.SettleDelay > 0 {
		timer := time.NewTimer(d.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := d.ctrl.expectOK(ctx, "RECONNECT"); err != nil {
		return err
	}
	d.cfg.Logger.Debug("reassociation requested", "network_id", id, "bssid", cmd.BSSID.String())
	return nil
}

func (d *Driver) status(ctx context.Context) (map[string]string, error) {
	reply, err := d.ctrl.request(ctx, "STATUS")
	if err != nil {
		return nil, err
	}
	return parseKeyValues(reply), nil
}

// parseKeyValues parses "key=value" lines as returned by STATUS and
// SIGNAL_POLL.
func parseKeyValues(reply string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(reply))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// parseScanResults parses the tab-separated SCAN_RESULTS table:
//
//	bssid / frequency / signal level / flags / ssid
//	aa:bb:cc:dd:ee:ff	2437	-61	[WPA2-PSK-CCMP][ESS]	home
//
// Hidden networks have an empty SSID column and are kept.
func parseScanResults(reply string) []wifi.ScanRecord {
	var records []wifi.ScanRecord
	sc := bufio.NewScanner(strings.NewReader(reply))
	sc.Buffer(make([]byte, 0, 4096), maxReply)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "bssid /") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 5)
		if len(fields) < 3 {
			continue
		}
		freq, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		rssi, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		var ssid string
		if len(fields) == 5 {
			ssid = decodeSSID(fields[4])
		}
		records = append(records, wifi.ScanRecord{
			SSID:    ssid,
			BSSID:   wifi.NormalizeBSSID(fields[0]),
			RSSI:    rssi,
			Channel: wifi.ChannelFromFrequency(freq),
		})
	}
	return records
}

// decodeSSID reverses wpa_supplicant's printf-style SSID escaping
// (\\, \", \e, \n, \r, \t and \xHH).
func decodeSSID(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case '\\', '"':
			b.WriteByte(s[i])
		case 'e':
			b.WriteByte(0x1b)
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'x':
			if i+2 < len(s) {
				if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					b.WriteByte(byte(v))
					i += 2
					continue
				}
			}
			b.WriteString(`\x`)
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
