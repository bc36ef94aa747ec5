package roam

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/smartroam/internal/telemetry"
	"github.com/nugget/smartroam/internal/wifi"
)

// Outcome describes how a roam check ended.
type Outcome string

const (
	OutcomeNotAssociated Outcome = "not_associated"
	OutcomeNoSSID        Outcome = "no_ssid"
	OutcomeScanEmpty     Outcome = "scan_empty"
	OutcomeNoCandidate   Outcome = "no_candidate"
	OutcomeStay          Outcome = "stay"
	OutcomeBadBSSID      Outcome = "bad_bssid"
	OutcomeDryRun        Outcome = "dry_run"
	OutcomeNoSteerer     Outcome = "no_steerer"
	OutcomeRoamed        Outcome = "roamed"
)

// Result is the record of one roam check.
type Result struct {
	Outcome   Outcome
	SSID      string
	Current   wifi.LinkState
	Candidate Candidate
	Scanned   int
}

// Event describes a steer the roamer just issued.
type Event struct {
	SSID      string `json:"ssid"`
	FromBSSID string `json:"from_bssid"`
	FromRSSI  int    `json:"from_rssi"`
	FromAP    string `json:"from_ap,omitempty"`
	ToBSSID   string `json:"to_bssid"`
	ToRSSI    int    `json:"to_rssi"`
	ToAP      string `json:"to_ap,omitempty"`
	Channel   int    `json:"channel,omitempty"`
}

// Notifier is told about every steer the roamer issues. Implementations
// must not block for long; they run inline in the roam check.
type Notifier interface {
	Roamed(ctx context.Context, ev Event)
}

// Notifiers fans an event out to every non-nil notifier in order.
type Notifiers []Notifier

// Roamed implements Notifier.
func (ns Notifiers) Roamed(ctx context.Context, ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Roamed(ctx, ev)
		}
	}
}

// APNamer resolves a BSSID to a human-readable access point name. It
// returns "" when the BSSID is unknown.
type APNamer interface {
	APName(bssid string) string
}

// Config configures a Roamer.
type Config struct {
	// Policy is copied at construction and used as given, except that
	// a non-positive Interval is replaced with DefaultInterval.
	Policy Policy

	// Radio samples the link and scans. Required.
	Radio wifi.Radio

	// Steerer performs the reassociation. Without one, due steers are
	// reported as OutcomeNoSteerer.
	Steerer wifi.Steerer

	// Sensors receive current and best link telemetry. Optional.
	Sensors telemetry.Sensors

	// Notifier is told about issued steers. Optional.
	Notifier Notifier

	// Namer labels BSSIDs in logs and events. Optional.
	Namer APNamer

	// DryRun evaluates and logs the decision without steering.
	DryRun bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging.
	Logger *slog.Logger
}

// Roamer owns the roam policy and the interval gate. Setup is called
// once and Loop repeatedly, from a single goroutine; Roamer holds no
// locks and must not be shared between goroutines.
type Roamer struct {
	policy   Policy
	radio    wifi.Radio
	steerer  wifi.Steerer
	sensors  telemetry.Sensors
	notifier Notifier
	namer    APNamer
	dryRun   bool
	now      func() time.Time
	logger   *slog.Logger

	lastRun time.Time
}

// New creates a Roamer.
func New(cfg Config) *Roamer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy.Interval <= 0 {
		cfg.Policy.Interval = DefaultInterval
	}
	return &Roamer{
		policy:   cfg.Policy,
		radio:    cfg.Radio,
		steerer:  cfg.Steerer,
		sensors:  cfg.Sensors.WithDefaults(),
		notifier: cfg.Notifier,
		namer:    cfg.Namer,
		dryRun:   cfg.DryRun,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// Policy returns the roamer's effective policy.
func (r *Roamer) Policy() Policy {
	return r.policy
}

// Setup starts the interval clock and publishes the current link. The
// best-candidate sensors stay unpublished until the first check.
func (r *Roamer) Setup(ctx context.Context) {
	r.lastRun = r.now()
	r.publishCurrent(ctx)
}

// Loop is the periodic hook. It runs a roam check when at least one
// interval has elapsed since the previous check (or Setup) and reports
// whether it did.
func (r *Roamer) Loop(ctx context.Context) bool {
	now := r.now()
	if now.Sub(r.lastRun) < r.policy.Interval {
		return false
	}
	r.lastRun = now

	r.Check(ctx)
	return true
}

// Run calls Setup and then Loop every tick until ctx is cancelled. It
// blocks. The tick only bounds gate latency; checks still happen once
// per policy interval.
func (r *Roamer) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}

	r.Setup(ctx)
	r.logger.Info("roamer started",
		"target_ssid", r.policy.TargetSSID,
		"stronger_by_db", r.policy.StrongerByDB,
		"min_rssi", r.policy.MinRSSI,
		"interval", r.policy.Interval.String(),
		"dry_run", r.dryRun,
	)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Loop(ctx)
		}
	}
}

// Check performs one roam check immediately, bypassing the interval
// gate. It never fails; every problem degrades to "no action".
func (r *Roamer) Check(ctx context.Context) Result {
	link, err := r.radio.Link(ctx)
	if err != nil {
		r.logger.Debug("link query failed", "error", err)
		return Result{Outcome: OutcomeNotAssociated}
	}
	if !link.Associated {
		r.logger.Debug("not associated, skipping roam check")
		return Result{Outcome: OutcomeNotAssociated, Current: link}
	}

	res := Result{Current: link, Candidate: noCandidate}
	res.SSID = r.policy.resolveSSID(link)
	if res.SSID == "" {
		res.Outcome = OutcomeNoSSID
		return res
	}

	r.publishLink(link)

	records, err := r.radio.Scan(ctx)
	if err != nil {
		r.logger.Debug("scan failed", "error", err)
	}
	res.Scanned = len(records)
	if len(records) == 0 {
		r.logger.Debug("scan returned no networks", "ssid", res.SSID)
		res.Outcome = OutcomeScanEmpty
		return res
	}

	res.Candidate = SelectCandidate(records, res.SSID, link.BSSID, r.policy.MinRSSI)
	r.releaseScan(ctx)

	if res.Candidate.Found() {
		r.sensors.BestRSSI.Publish(float64(res.Candidate.RSSI))
		r.sensors.BestBSSID.Publish(res.Candidate.BSSID)
	} else {
		r.sensors.BestRSSI.Publish(telemetry.Unknown())
		r.sensors.BestBSSID.Publish("")
	}

	if !res.Candidate.Found() {
		r.logger.Debug("no alternate BSSID found", "ssid", res.SSID, "scanned", res.Scanned)
		res.Outcome = OutcomeNoCandidate
		return res
	}

	if !Decide(link.RSSI, res.Candidate, r.policy.StrongerByDB) {
		r.logger.Debug("best candidate not strong enough, staying",
			"best_rssi", res.Candidate.RSSI,
			"best_bssid", res.Candidate.BSSID,
			"current_rssi", link.RSSI,
			"stronger_by_db", r.policy.StrongerByDB,
		)
		res.Outcome = OutcomeStay
		return res
	}

	res.Outcome = r.steer(ctx, res)
	return res
}

func (r *Roamer) steer(ctx context.Context, res Result) Outcome {
	ev := Event{
		SSID:      res.SSID,
		FromBSSID: wifi.NormalizeBSSID(res.Current.BSSID),
		FromRSSI:  res.Current.RSSI,
		ToBSSID:   res.Candidate.BSSID,
		ToRSSI:    res.Candidate.RSSI,
		Channel:   res.Candidate.Channel,
	}
	if r.namer != nil {
		ev.FromAP = r.namer.APName(ev.FromBSSID)
		ev.ToAP = r.namer.APName(ev.ToBSSID)
	}

	r.logger.Info("roaming",
		"ssid", ev.SSID,
		"from_rssi", ev.FromRSSI,
		"from_bssid", ev.FromBSSID,
		"from_ap", ev.FromAP,
		"to_rssi", ev.ToRSSI,
		"to_bssid", ev.ToBSSID,
		"to_ap", ev.ToAP,
		"channel", ev.Channel,
	)

	target, ok := wifi.ParseBSSID(res.Candidate.BSSID)
	if !ok {
		r.logger.Debug("candidate BSSID unparsable, skipping steer", "bssid", res.Candidate.BSSID)
		return OutcomeBadBSSID
	}

	if r.dryRun {
		return OutcomeDryRun
	}
	if r.steerer == nil {
		r.logger.Warn("roam due but no steerer configured", "bssid", target.String())
		return OutcomeNoSteerer
	}

	cmd := wifi.SteerCommand{SSID: res.SSID, BSSID: target, Channel: res.Candidate.Channel}
	if err := r.steerer.Steer(ctx, cmd); err != nil {
		r.logger.Warn("steer request failed", "bssid", target.String(), "error", err)
	}

	if r.notifier != nil {
		r.notifier.Roamed(ctx, ev)
	}
	return OutcomeRoamed
}

// publishCurrent samples the link and publishes it when associated.
func (r *Roamer) publishCurrent(ctx context.Context) {
	link, err := r.radio.Link(ctx)
	if err != nil {
		r.logger.Debug("link query failed", "error", err)
		return
	}
	if link.Associated {
		r.publishLink(link)
	}
}

func (r *Roamer) publishLink(link wifi.LinkState) {
	r.sensors.CurrentRSSI.Publish(float64(link.RSSI))
	r.sensors.CurrentBSSID.Publish(wifi.NormalizeBSSID(link.BSSID))
}

func (r *Roamer) releaseScan(ctx context.Context) {
	rel, ok := r.radio.(wifi.ScanReleaser)
	if !ok {
		return
	}
	if err := rel.ReleaseScan(ctx); err != nil {
		r.logger.Debug("release scan results failed", "error", err)
	}
}
