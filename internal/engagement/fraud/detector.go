// Package fraud flags suspicious scanning behavior: impossible travel speed
// between stalls and machine-gun scan bursts.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
)

// Defaults for the detection thresholds. MaxSpeed models a brisk walking
// pace in floor-plan units per second.
const (
	DefaultHistoryLimit = 5
	DefaultMaxSpeed     = 2.5
	DefaultHighSpeed    = 10.0
	DefaultBurstWindow  = 60 * time.Second
	DefaultBurstLimit   = 3
)

// Config tunes the detector thresholds.
type Config struct {
	HistoryLimit int
	MaxSpeed     float64
	HighSpeed    float64
	BurstWindow  time.Duration
	BurstLimit   int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		HistoryLimit: DefaultHistoryLimit,
		MaxSpeed:     DefaultMaxSpeed,
		HighSpeed:    DefaultHighSpeed,
		BurstWindow:  DefaultBurstWindow,
		BurstLimit:   DefaultBurstLimit,
	}
}

// Detector evaluates freshly recorded scans against an attendee's recent
// history. Stateless between calls: every evaluation re-reads history from
// the store and only ever appends alerts, never mutating scans, wallets, or
// locations.
type Detector struct {
	store storage.Store
	cfg   Config
	clock func() time.Time
	newID func() (string, error)

	// OnAlert, when set, observes every persisted alert. Used for metrics.
	OnAlert func(domain.FraudAlert)
}

// NewDetector creates a Detector with default dependencies.
func NewDetector(store storage.Store, cfg Config) *Detector {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = DefaultMaxSpeed
	}
	if cfg.HighSpeed <= 0 {
		cfg.HighSpeed = DefaultHighSpeed
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultBurstWindow
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = DefaultBurstLimit
	}
	return &Detector{
		store: store,
		cfg:   cfg,
		clock: time.Now,
		newID: domain.NewID,
	}
}

// WithClock overrides the detector's clock. Test hook.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Evaluate runs the velocity and burst checks for a just-recorded scan.
// Anonymous scans carry no attendee and are skipped. Both checks are
// independent and may each emit an alert for the same scan.
func (d *Detector) Evaluate(ctx context.Context, scan domain.ScanEvent) error {
	if d == nil || d.store == nil {
		return fmt.Errorf("detector store is not configured")
	}
	if scan.AttendeeID == "" {
		return nil
	}

	history, err := d.store.RecentScans(ctx, scan.AttendeeID, d.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load scan history: %w", err)
	}
	// History includes the scan that triggered the evaluation. With fewer
	// than two entries there is nothing to compare against.
	if len(history) < 2 {
		return nil
	}

	var errs []error
	if err := d.checkVelocity(ctx, scan, history); err != nil {
		errs = append(errs, err)
	}
	if err := d.checkBurst(ctx, scan, history); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Detector) checkVelocity(ctx context.Context, scan domain.ScanEvent, history []domain.ScanEvent) error {
	prev := history[1]

	currLoc, err := d.store.FindLocation(ctx, scan.LocationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // stale reference, nothing to measure
		}
		return fmt.Errorf("resolve current location: %w", err)
	}
	prevLoc, err := d.store.FindLocation(ctx, prev.LocationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolve previous location: %w", err)
	}

	distance := currLoc.Coord.DistanceTo(prevLoc.Coord)
	elapsed := scan.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed < 1 {
		elapsed = 1 // clock skew tolerance, avoids division by zero
	}
	speed := distance / elapsed
	if speed <= d.cfg.MaxSpeed {
		return nil
	}

	severity := domain.SeverityMedium
	if speed > d.cfg.HighSpeed {
		severity = domain.SeverityHigh
	}
	return d.logAlert(ctx, scan, severity, fmt.Sprintf(
		"impossible travel: %.0f units in %.0fs (%.2f units/s)", distance, elapsed, speed))
}

func (d *Detector) checkBurst(ctx context.Context, scan domain.ScanEvent, history []domain.ScanEvent) error {
	windowStart := scan.Timestamp.Add(-d.cfg.BurstWindow)
	recent := 0
	for _, entry := range history {
		if entry.Timestamp.After(windowStart) {
			recent++
		}
	}
	if recent < d.cfg.BurstLimit {
		return nil
	}
	return d.logAlert(ctx, scan, domain.SeverityLow, fmt.Sprintf(
		"burst limit exceeded: %d scans in %.0fs", recent, d.cfg.BurstWindow.Seconds()))
}

func (d *Detector) logAlert(ctx context.Context, scan domain.ScanEvent, severity domain.Severity, reason string) error {
	id, err := d.newID()
	if err != nil {
		return fmt.Errorf("alert id: %w", err)
	}
	alert := domain.FraudAlert{
		ID:          id,
		AttendeeID:  scan.AttendeeID,
		ScanEventID: scan.ID,
		Reason:      reason,
		Severity:    severity,
		Timestamp:   d.clock().UTC(),
		Status:      domain.AlertOpen,
	}
	if err := d.store.InsertFraudAlert(ctx, alert); err != nil {
		return fmt.Errorf("persist fraud alert: %w", err)
	}
	if d.OnAlert != nil {
		d.OnAlert(alert)
	}
	return nil
}
