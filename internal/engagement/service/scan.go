// Package service implements the engagement engine's two entry points: scan
// ingestion and reward redemption.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventflowhq/eventflow/internal/engagement/crowd"
	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/fraud"
	"github.com/eventflowhq/eventflow/internal/engagement/metrics"
	"github.com/eventflowhq/eventflow/internal/engagement/rarity"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
)

// DefaultSpawnTTL is how long a rare drop stays featured at a location.
const DefaultSpawnTTL = time.Hour

var tracer = otel.Tracer("github.com/eventflowhq/eventflow/internal/engagement/service")

// ScanOutcome is the response to one scan submission. Unknown is set when
// the location id resolves to nothing; the scan flow stays non-exceptional
// during live events, so that case is an outcome, not an error.
type ScanOutcome struct {
	Unknown      bool
	LocationName string
	ScanID       string
	Collectible  domain.Collectible
	Tier         domain.Tier
	Points       int
	Flash        bool
	Credited     bool
	TotalScans   int
}

// ScanService coordinates one scan submission end to end: density lookup,
// rarity resolution, persistence, wallet credit, spawn refresh, and the
// fraud side channel.
type ScanService struct {
	store      storage.Store
	tracker    *crowd.Tracker
	resolver   *rarity.Resolver
	dispatcher *fraud.Dispatcher
	metrics    *metrics.Metrics

	window   time.Duration
	spawnTTL time.Duration
	clock    func() time.Time
	newID    func() (string, error)
	logf     func(format string, args ...any)
}

// NewScanService wires a ScanService with default clock and id generation.
// The dispatcher and metrics may be nil; both degrade to no-ops.
func NewScanService(store storage.Store, tracker *crowd.Tracker, resolver *rarity.Resolver, dispatcher *fraud.Dispatcher, m *metrics.Metrics) *ScanService {
	return &ScanService{
		store:      store,
		tracker:    tracker,
		resolver:   resolver,
		dispatcher: dispatcher,
		metrics:    m,
		window:     crowd.DefaultShortWindow,
		spawnTTL:   DefaultSpawnTTL,
		clock:      time.Now,
		newID:      domain.NewID,
		logf:       log.Printf,
	}
}

// WithWindow overrides the density window used for rarity resolution.
func (s *ScanService) WithWindow(window time.Duration) *ScanService {
	if window > 0 {
		s.window = window
	}
	return s
}

// WithSpawnTTL overrides how long rare drops stay featured.
func (s *ScanService) WithSpawnTTL(ttl time.Duration) *ScanService {
	if ttl > 0 {
		s.spawnTTL = ttl
	}
	return s
}

// WithClock overrides the service clock. Test hook.
func (s *ScanService) WithClock(clock func() time.Time) *ScanService {
	s.clock = clock
	return s
}

// SubmitScan processes one badge scan. An empty attendeeID is a walk-up
// scan: it still earns the location a density entry and can still refresh
// the spawn, but credits no wallet.
//
// The scan is durably recorded before the wallet is touched. A crash in
// between leaves an orphan scan, which is recoverable by re-deriving wallet
// totals from the scan log; the reverse order would not be.
func (s *ScanService) SubmitScan(ctx context.Context, attendeeID, locationID string) (ScanOutcome, error) {
	ctx, span := tracer.Start(ctx, "engagement.SubmitScan",
		trace.WithAttributes(attribute.String("location.id", locationID)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return ScanOutcome{}, err
	}
	if locationID == "" {
		return ScanOutcome{Unknown: true, LocationName: "Unknown"}, nil
	}

	location, err := s.store.FindLocation(ctx, locationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ScanOutcome{Unknown: true, LocationName: "Unknown"}, nil
		}
		return ScanOutcome{}, fmt.Errorf("resolve location: %w", err)
	}

	// Density is measured before this scan is inserted, so the first scan
	// at a quiet stall sees zero and lands in the rare band.
	density, err := s.tracker.Density(ctx, locationID, s.window)
	if err != nil {
		return ScanOutcome{}, fmt.Errorf("measure density: %w", err)
	}
	drop := s.resolver.Resolve(density)

	id, err := s.newID()
	if err != nil {
		return ScanOutcome{}, fmt.Errorf("scan id: %w", err)
	}
	now := s.clock().UTC()
	scan := domain.ScanEvent{
		ID:          id,
		AttendeeID:  attendeeID,
		LocationID:  locationID,
		Timestamp:   now,
		Collectible: drop.Collectible,
		Points:      drop.Points,
		Flash:       drop.Flash,
		SyncStatus:  domain.SyncSynced,
	}
	if err := s.store.InsertScan(ctx, scan); err != nil {
		return ScanOutcome{}, fmt.Errorf("record scan: %w", err)
	}

	credited := false
	if attendeeID != "" {
		legendaryDelta := 0
		if drop.Tier == domain.TierRare {
			legendaryDelta = 1
		}
		owned := domain.OwnedCollectible{
			LocationID:   locationID,
			LocationName: location.Name,
			Name:         drop.Collectible.Name,
			Rarity:       drop.Tier,
			EarnedAt:     now,
		}
		err := s.store.CreditAttendee(ctx, attendeeID, drop.Points, legendaryDelta, owned)
		switch {
		case err == nil:
			credited = true
		case errors.Is(err, storage.ErrNotFound):
			// Unregistered badge. The scan stands, the credit does not.
			s.logf("scan %s: attendee %s not found, credit skipped", scan.ID, attendeeID)
		default:
			return ScanOutcome{}, fmt.Errorf("credit attendee: %w", err)
		}
	}

	if drop.Tier == domain.TierRare {
		spawn := domain.Spawn{
			Name:      drop.Collectible.Name,
			Rarity:    drop.Tier,
			ExpiresAt: now.Add(s.spawnTTL),
		}
		if err := s.store.UpdateLocationSpawn(ctx, locationID, spawn); err != nil {
			s.logf("scan %s: spawn update for location %s: %v", scan.ID, locationID, err)
		}
	}

	s.dispatcher.Enqueue(scan)
	s.metrics.ObserveScan(string(drop.Tier))

	total, err := s.store.CountScansSince(ctx, locationID, time.Time{})
	if err != nil {
		s.logf("scan %s: total count for location %s: %v", scan.ID, locationID, err)
		total = 0
	}

	return ScanOutcome{
		LocationName: location.Name,
		ScanID:       scan.ID,
		Collectible:  drop.Collectible,
		Tier:         drop.Tier,
		Points:       drop.Points,
		Flash:        drop.Flash,
		Credited:     credited,
		TotalScans:   total,
	}, nil
}
