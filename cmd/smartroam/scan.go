package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/smartroam/internal/config"
	"github.com/nugget/smartroam/internal/homeassistant"
	"github.com/nugget/smartroam/internal/roam"
	"github.com/nugget/smartroam/internal/unifi"
	"github.com/nugget/smartroam/internal/wifi"
)

// checkReport is the printable outcome of a scan or check.
type checkReport struct {
	Outcome       string `json:"outcome,omitempty"`
	SSID          string `json:"ssid"`
	Associated    bool   `json:"associated"`
	CurrentBSSID  string `json:"current_bssid,omitempty"`
	CurrentRSSI   int    `json:"current_rssi,omitempty"`
	CurrentAP     string `json:"current_ap,omitempty"`
	Scanned       int    `json:"scanned"`
	ScanDuration  string `json:"scan_duration,omitempty"`
	CandidateSeen bool   `json:"candidate_found"`
	BestBSSID     string `json:"best_bssid,omitempty"`
	BestRSSI      int    `json:"best_rssi"`
	BestChannel   int    `json:"best_channel,omitempty"`
	BestAP        string `json:"best_ap,omitempty"`
	MinRSSI       int    `json:"min_rssi"`
	StrongerByDB  int    `json:"stronger_by_db"`
	WouldRoam     bool   `json:"would_roam"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

// runScan samples the link, scans once and reports the best candidate
// and whether the policy would roam to it. It never steers.
func runScan(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closeLog := configuredLogger(stderr, cfg)
	defer closeLog()

	drv, err := openDriver(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDriver(drv, logger)

	policy := policyFromConfig(cfg.Roam)
	namer := loadDirectory(ctx, cfg, logger)

	link, err := drv.Link(ctx)
	if err != nil {
		return fmt.Errorf("query link: %w", err)
	}

	ssid := policy.TargetSSID
	if ssid == "" {
		ssid = link.SSID
	}
	if ssid == "" {
		return fmt.Errorf("no SSID to scan for: not associated and no target_ssid configured")
	}

	start := time.Now()
	records, err := drv.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if rel, ok := drv.(wifi.ScanReleaser); ok {
		if err := rel.ReleaseScan(ctx); err != nil {
			logger.Debug("release scan results failed", "error", err)
		}
	}

	cand := roam.SelectCandidate(records, ssid, link.BSSID, policy.MinRSSI)
	report := checkReport{
		SSID:          ssid,
		Associated:    link.Associated,
		CurrentBSSID:  wifi.NormalizeBSSID(link.BSSID),
		CurrentRSSI:   link.RSSI,
		Scanned:       len(records),
		BestBSSID:     cand.BSSID,
		BestRSSI:      cand.RSSI,
		BestChannel:   cand.Channel,
		StrongerByDB:  policy.StrongerByDB,
		MinRSSI:       policy.MinRSSI,
		CandidateSeen: cand.Found(),
		WouldRoam:     link.Associated && roam.Decide(link.RSSI, cand, policy.StrongerByDB),
		ScanDuration:  time.Since(start).Round(time.Millisecond).String(),
	}
	report.label(namer)

	return writeReport(stdout, outputFmt, report)
}

// runCheck performs one full roam check immediately, bypassing the
// interval gate. Steers are reported to Home Assistant over REST when
// it is configured.
func runCheck(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, dryRun bool) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closeLog := configuredLogger(stderr, cfg)
	defer closeLog()

	drv, err := openDriver(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDriver(drv, logger)

	var notifier roam.Notifier
	if cfg.HomeAssistant.Configured() {
		rest := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		notifier = homeassistant.NewNotifier(nil, rest, cfg.HomeAssistant.EventType, "check", logger)
	}

	rcfg := roam.Config{
		Policy:   policyFromConfig(cfg.Roam),
		Radio:    drv,
		Steerer:  drv,
		Notifier: notifier,
		DryRun:   dryRun || cfg.Roam.DryRun,
		Logger:   logger,
	}
	rcfg.Namer = loadDirectory(ctx, cfg, logger)
	roamer := roam.New(rcfg)

	res := roamer.Check(ctx)
	policy := roamer.Policy()
	report := checkReport{
		Outcome:       string(res.Outcome),
		SSID:          res.SSID,
		Associated:    res.Current.Associated,
		CurrentBSSID:  wifi.NormalizeBSSID(res.Current.BSSID),
		CurrentRSSI:   res.Current.RSSI,
		Scanned:       res.Scanned,
		BestBSSID:     res.Candidate.BSSID,
		BestRSSI:      res.Candidate.RSSI,
		BestChannel:   res.Candidate.Channel,
		StrongerByDB:  policy.StrongerByDB,
		MinRSSI:       policy.MinRSSI,
		CandidateSeen: res.Candidate.Found(),
		WouldRoam:     res.Outcome == roam.OutcomeRoamed || res.Outcome == roam.OutcomeDryRun || res.Outcome == roam.OutcomeNoSteerer,
		DryRun:        rcfg.DryRun,
	}
	report.label(rcfg.Namer)

	return writeReport(stdout, outputFmt, report)
}

// loadDirectory fetches the UniFi AP table once for one-shot commands.
// It returns nil when UniFi is not configured or unreachable.
func loadDirectory(ctx context.Context, cfg *config.Config, logger *slog.Logger) roam.APNamer {
	if !cfg.UniFi.Configured() {
		return nil
	}
	dir := unifi.NewDirectory(unifi.DirectoryConfig{
		Source: unifi.NewClient(cfg.UniFi.URL, cfg.UniFi.APIKey, logger),
		Logger: logger,
	})
	refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dir.Refresh(refreshCtx); err != nil {
		logger.Warn("unifi AP names unavailable", "error", err)
		return nil
	}
	return dir
}

// label fills in AP names when a namer is available.
func (r *checkReport) label(namer roam.APNamer) {
	if namer == nil {
		return
	}
	if r.CurrentBSSID != "" {
		r.CurrentAP = namer.APName(r.CurrentBSSID)
	}
	if r.BestBSSID != "" {
		r.BestAP = namer.APName(r.BestBSSID)
	}
}

func writeReport(w io.Writer, outputFmt string, r checkReport) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if r.Outcome != "" {
		fmt.Fprintf(w, "outcome:    %s\n", r.Outcome)
	}
	fmt.Fprintf(w, "ssid:       %s\n", r.SSID)
	if r.Associated {
		fmt.Fprintf(w, "current:    %s %d dBm%s\n", r.CurrentBSSID, r.CurrentRSSI, apSuffix(r.CurrentAP))
	} else {
		fmt.Fprintln(w, "current:    not associated")
	}
	fmt.Fprintf(w, "scanned:    %d\n", r.Scanned)
	if r.CandidateSeen {
		fmt.Fprintf(w, "best:       %s %d dBm ch %d%s\n", r.BestBSSID, r.BestRSSI, r.BestChannel, apSuffix(r.BestAP))
	} else {
		fmt.Fprintf(w, "best:       none at or above %d dBm\n", r.MinRSSI)
	}
	fmt.Fprintf(w, "would roam: %t (margin %d dB)\n", r.WouldRoam, r.StrongerByDB)
	return nil
}

func apSuffix(name string) string {
	if name == "" {
		return ""
	}
	return " (" + name + ")"
}
