package wpasupplicant

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/smartroam/internal/wifi"
)

// fakeSupplicant answers control interface requests on a unixgram
// socket the way wpa_supplicant does.
type fakeSupplicant struct {
	t        *testing.T
	uc       *net.UnixConn
	replies  map[string]string
	scanFail bool

	mu       sync.Mutex
	commands []string
	monitor  *net.UnixAddr
}

func startFakeSupplicant(t *testing.T, iface string, replies map[string]string) (*fakeSupplicant, string) {
	t.Helper()

	// Unix socket paths are length-limited; keep the directory short.
	dir, err := os.MkdirTemp("", "wpa")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	addr := &net.UnixAddr{Name: filepath.Join(dir, iface), Net: "unixgram"}
	uc, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		t.Fatalf("ListenUnixgram: %v", err)
	}
	t.Cleanup(func() { uc.Close() })

	f := &fakeSupplicant{t: t, uc: uc, replies: replies}
	go f.serve()
	return f, dir
}

func (f *fakeSupplicant) serve() {
	buf := make([]byte, 4096)
	for {
		n, from, err := f.uc.ReadFromUnix(buf)
		if err != nil {
			return
		}
		cmd := string(buf[:n])

		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()

		switch {
		case cmd == "ATTACH":
			f.mu.Lock()
			f.monitor = from
			f.mu.Unlock()
			f.reply(from, "OK\n")
		case cmd == "DETACH":
			f.reply(from, "OK\n")
		case cmd == "SCAN":
			f.reply(from, "OK\n")
			f.mu.Lock()
			mon, fail := f.monitor, f.scanFail
			f.mu.Unlock()
			if mon != nil {
				if fail {
					f.reply(mon, "<3>CTRL-EVENT-SCAN-FAILED ret=-16")
				} else {
					f.reply(mon, "<3>CTRL-EVENT-SCAN-STARTED ")
					f.reply(mon, "<2>CTRL-EVENT-SCAN-RESULTS ")
				}
			}
		default:
			if r, ok := f.replies[cmd]; ok {
				f.reply(from, r)
			} else if strings.HasPrefix(cmd, "SET_NETWORK") || cmd == "DISCONNECT" || cmd == "RECONNECT" || cmd == "BSS_FLUSH 0" {
				f.reply(from, "OK\n")
			} else {
				f.reply(from, "UNKNOWN COMMAND\n")
			}
		}
	}
}

func (f *fakeSupplicant) reply(to *net.UnixAddr, msg string) {
	if _, err := f.uc.WriteToUnix([]byte(msg), to); err != nil {
		f.t.Logf("fake supplicant write: %v", err)
	}
}

func (f *fakeSupplicant) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

const statusCompleted = "bssid=AA:BB:CC:00:00:01\nfreq=2437\nssid=home\nid=0\nmode=station\nwpa_state=COMPLETED\nip_address=192.168.1.50\n"

func openTestDriver(t *testing.T, replies map[string]string) (*Driver, *fakeSupplicant) {
	t.Helper()
	fake, dir := startFakeSupplicant(t, "wlan0", replies)
	d, err := Open(Config{
		Interface:   "wlan0",
		CtrlDir:     dir,
		ScanTimeout: 2 * time.Second,
		SettleDelay: time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, fake
}

func TestOpen_RequiresInterface(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open() without interface should error")
	}
}

func TestDriver_Link(t *testing.T) {
	d, _ := openTestDriver(t, map[string]string{
		"STATUS":      statusCompleted,
		"SIGNAL_POLL": "RSSI=-67\nLINKSPEED=72\nNOISE=9999\nFREQUENCY=2437\n",
	})

	link, err := d.Link(context.Background())
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	want := wifi.LinkState{Associated: true, SSID: "home", BSSID: "aa:bb:cc:00:00:01", RSSI: -67, Channel: 6}
	if link != want {
		t.Errorf("Link() = %+v, want %+v", link, want)
	}
}

func TestDriver_LinkNotAssociated(t *testing.T) {
	d, _ := openTestDriver(t, map[string]string{
		"STATUS": "wpa_state=SCANNING\n",
	})

	link, err := d.Link(context.Background())
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if link.Associated {
		t.Errorf("Link() = %+v, want not associated", link)
	}
}

func TestDriver_Scan(t *testing.T) {
	d, fake := openTestDriver(t, map[string]string{
		"SCAN_RESULTS": "bssid / frequency / signal level / flags / ssid\n" +
			"aa:bb:cc:00:00:02\t5180\t-58\t[WPA2-PSK-CCMP][ESS]\thome\n" +
			"AA:BB:CC:00:00:03\t2412\t-71\t[WPA2-PSK-CCMP][ESS]\thome\n" +
			"aa:bb:cc:00:00:04\t2462\t-80\t[ESS]\t\n",
	})

	records, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := []wifi.ScanRecord{
		{SSID: "home", BSSID: "aa:bb:cc:00:00:02", RSSI: -58, Channel: 36},
		{SSID: "home", BSSID: "aa:bb:cc:00:00:03", RSSI: -71, Channel: 1},
		{SSID: "", BSSID: "aa:bb:cc:00:00:04", RSSI: -80, Channel: 11},
	}
	if len(records) != len(want) {
		t.Fatalf("Scan() returned %d records, want %d", len(records), len(want))
	}
	for i := range want {
		if records[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, records[i], want[i])
		}
	}

	cmds := fake.received()
	if !contains(cmds, "ATTACH") || !contains(cmds, "SCAN") || !contains(cmds, "SCAN_RESULTS") {
		t.Errorf("commands = %v, want ATTACH, SCAN and SCAN_RESULTS", cmds)
	}
}

func TestDriver_ScanFailed(t *testing.T) {
	d, fake := openTestDriver(t, nil)
	fake.mu.Lock()
	fake.scanFail = true
	fake.mu.Unlock()

	if _, err := d.Scan(context.Background()); err == nil {
		t.Fatal("Scan() should error on CTRL-EVENT-SCAN-FAILED")
	}
}

func TestDriver_Steer(t *testing.T) {
	d, fake := openTestDriver(t, map[string]string{"STATUS": statusCompleted})

	target, _ := wifi.ParseBSSID("aa:bb:cc:00:00:02")
	if err := d.Steer(context.Background(), wifi.SteerCommand{SSID: "home", BSSID: target, Channel: 36}); err != nil {
		t.Fatalf("Steer: %v", err)
	}

	want := []string{"STATUS", "SET_NETWORK 0 bssid aa:bb:cc:00:00:02", "DISCONNECT", "RECONNECT"}
	got := fake.received()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q, want %q", got, want)
	}
}

func TestDriver_SteerWithoutNetwork(t *testing.T) {
	d, _ := openTestDriver(t, map[string]string{"STATUS": "wpa_state=DISCONNECTED\n"})

	if err := d.Steer(context.Background(), wifi.SteerCommand{}); err == nil {
		t.Fatal("Steer() with no active network block should error")
	}
}

func TestDriver_ReleaseScan(t *testing.T) {
	d, fake := openTestDriver(t, nil)

	if err := d.ReleaseScan(context.Background()); err != nil {
		t.Fatalf("ReleaseScan: %v", err)
	}
	if !contains(fake.received(), "BSS_FLUSH 0") {
		t.Errorf("commands = %v, want BSS_FLUSH 0", fake.received())
	}
}

func TestDriver_Ping(t *testing.T) {
	d, _ := openTestDriver(t, map[string]string{"PING": "PONG\n"})
	if err := d.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestDecodeSSID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"home", "home"},
		{`caf\xc3\xa9`, "café"},
		{`say \"hi\"`, `say "hi"`},
		{`back\\slash`, `back\slash`},
		{`tab\there`, "tab\there"},
		{`bad\xzz`, `bad\xzz`},
	}
	for _, tt := range tests {
		if got := decodeSSID(tt.in); got != tt.want {
			t.Errorf("decodeSSID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsEvent(t *testing.T) {
	if !isEvent("<3>CTRL-EVENT-SCAN-RESULTS ") {
		t.Error("isEvent should match level-prefixed message")
	}
	if isEvent("OK\n") {
		t.Error("isEvent should not match a reply")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
