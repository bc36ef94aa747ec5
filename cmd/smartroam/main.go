// SmartRoam keeps a WiFi station on the strongest access point of its
// network.
//
// Once per roam interval it scans for other BSSIDs of the current (or
// configured) SSID and, when one beats the current link by the
// hysteresis margin, forces a reassociation pinned to that BSSID.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	smartroam serve              Run the periodic roamer
//	smartroam scan               Scan and report the best candidate
//	smartroam check [-dry-run]   Run one roam check now
//	smartroam init [dir]         Write an example config.yaml
//	smartroam version            Print version and build information
//	smartroam -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nugget/smartroam/internal/buildinfo"
	"github.com/nugget/smartroam/internal/config"
	"github.com/nugget/smartroam/internal/roam"
	"github.com/nugget/smartroam/internal/wifi"
	"github.com/nugget/smartroam/internal/wifi/nmcli"
	"github.com/nugget/smartroam/internal/wifi/wpasupplicant"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so run can
// be called concurrently from tests without the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var dryRun bool
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-dry-run" || args[i] == "--dry-run":
			dryRun = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "scan":
		return runScan(ctx, stdout, stderr, configPath, outputFmt)
	case "check":
		return runCheck(ctx, stdout, stderr, configPath, outputFmt, dryRun)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "SmartRoam - steer a WiFi station to the strongest access point")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: smartroam [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the periodic roamer")
	fmt.Fprintln(w, "  scan         Scan and report the best candidate without steering")
	fmt.Fprintln(w, "  check        Run one roam check now")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -dry-run          check: decide but do not steer")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// newLogger builds the process logger. A non-empty format of "json"
// selects the JSON handler; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger returns the logger described by cfg. When cfg names
// a log file, output goes to a size-rotated file instead of w. The
// returned func closes the file and must be called on exit.
func configuredLogger(w io.Writer, cfg *config.Config) (*slog.Logger, func()) {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Already validated by config.Validate.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}

	if cfg.LogFile == "" {
		return newLogger(w, level, cfg.LogFormat), func() {}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	}
	return newLogger(rotator, level, cfg.LogFormat), func() { rotator.Close() }
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// policyFromConfig maps the roam config section onto a roam policy.
func policyFromConfig(rc config.RoamConfig) roam.Policy {
	return roam.Policy{
		TargetSSID:   rc.TargetSSID,
		StrongerByDB: rc.Margin(),
		MinRSSI:      rc.MinRSSI(),
		Interval:     rc.Interval,
	}
}

// radioDriver is a wifi.Driver that can also report whether its control
// daemon is reachable.
type radioDriver interface {
	wifi.Driver
	Ping(ctx context.Context) error
}

// openDriver connects the radio backend named by cfg.Driver.Type.
func openDriver(cfg *config.Config, logger *slog.Logger) (radioDriver, error) {
	dc := cfg.Driver
	switch dc.Type {
	case config.DriverNmcli:
		d, err := nmcli.New(nmcli.Config{
			Interface:   dc.Interface,
			ScanTimeout: dc.ScanTimeout,
			Runner:      nmcli.ExecRunner{Path: dc.NmcliPath},
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DriverWPASupplicant, "":
		d, err := wpasupplicant.Open(wpasupplicant.Config{
			Interface:   dc.Interface,
			CtrlDir:     dc.CtrlDir,
			ScanTimeout: dc.ScanTimeout,
			SettleDelay: dc.Settle(),
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown driver type %q", dc.Type)
	}
}

// closeDriver releases driver resources when the backend holds any.
func closeDriver(d radioDriver, logger *slog.Logger) {
	c, ok := d.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("close radio driver failed", "error", err)
	}
}
