// Package crowd computes trailing-window scan density for event locations.
package crowd

import (
	"context"
	"fmt"
	"time"
)

// Default trailing windows. The short window drives reward rarity and fraud
// heuristics; the long window drives the live heat display.
const (
	DefaultShortWindow = 10 * time.Minute
	DefaultLongWindow  = 30 * time.Minute
)

// CountStore is the read the tracker needs from the collaborator store.
type CountStore interface {
	CountScansSince(ctx context.Context, locationID string, since time.Time) (int, error)
}

// Tracker answers density queries. Pure reads; density is always recomputed
// from the scan log, never cached.
type Tracker struct {
	store CountStore
	clock func() time.Time
}

// NewTracker creates a Tracker reading from store.
func NewTracker(store CountStore) *Tracker {
	return &Tracker{store: store, clock: time.Now}
}

// WithClock overrides the tracker's clock. Test hook.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Density counts scans at the location with timestamp >= now - window.
// Zero history yields zero, not an error.
func (t *Tracker) Density(ctx context.Context, locationID string, window time.Duration) (int, error) {
	if t == nil || t.store == nil {
		return 0, fmt.Errorf("tracker store is not configured")
	}
	if window <= 0 {
		return 0, fmt.Errorf("window must be positive")
	}
	since := t.clock().Add(-window)
	count, err := t.store.CountScansSince(ctx, locationID, since)
	if err != nil {
		return 0, fmt.Errorf("count scans since %s: %w", since.Format(time.RFC3339), err)
	}
	return count, nil
}

// Level bands a density count against the rarity threshold for the heat
// display: below threshold is Low, below three times threshold is Medium.
func Level(count, threshold int) string {
	if threshold <= 0 {
		threshold = 1
	}
	switch {
	case count < threshold:
		return "Low"
	case count < 3*threshold:
		return "Medium"
	default:
		return "High"
	}
}
