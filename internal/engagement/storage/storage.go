// Package storage defines the collaborator store consumed by the engagement
// engine. Implementations live in subpackages (sqlite, postgres).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract of the scan and redemption paths.
//
// Attendee balance mutations must be atomic increments/decrements at the
// store, never read-modify-write in the caller. ConditionalDecrementStock is
// a compare-and-decrement: it succeeds only while stock is still positive at
// the moment of the write.
type Store interface {
	FindLocation(ctx context.Context, id string) (domain.Location, error)
	FindAttendee(ctx context.Context, id string) (domain.Attendee, error)
	FindReward(ctx context.Context, id string) (domain.Reward, error)
	ListLocations(ctx context.Context) ([]domain.Location, error)

	// CountScansSince counts scan events at a location with
	// timestamp >= since. Timestamp comparison, not insertion order.
	CountScansSince(ctx context.Context, locationID string, since time.Time) (int, error)

	// RecentScans returns an attendee's scans sorted newest-first by
	// timestamp, at most limit entries.
	RecentScans(ctx context.Context, attendeeID string, limit int) ([]domain.ScanEvent, error)

	// InsertScan appends one immutable scan event.
	InsertScan(ctx context.Context, scan domain.ScanEvent) error

	// CreditAttendee atomically adds points and legendaryDelta to the
	// attendee's wallet and appends owned to the collection, in one
	// transaction. Returns ErrNotFound for an unknown attendee.
	CreditAttendee(ctx context.Context, id string, points, legendaryDelta int, owned domain.OwnedCollectible) error

	// ConditionalDecrementStock decrements a reward's stock by one only if
	// it is still positive. Returns false when the guard fails (stock
	// already exhausted, possibly by a concurrent redemption).
	ConditionalDecrementStock(ctx context.Context, rewardID string) (bool, error)

	// DebitAttendee atomically subtracts points and legendaryDelta, guarded
	// so balances never go negative. Returns ErrInsufficientBalance when the
	// guard fails.
	DebitAttendee(ctx context.Context, id string, points, legendaryDelta int) error

	InsertFraudAlert(ctx context.Context, alert domain.FraudAlert) error

	// UpdateLocationSpawn overwrites the featured collectible of a location.
	// Last write wins; the spawn is informational state.
	UpdateLocationSpawn(ctx context.Context, locationID string, spawn domain.Spawn) error

	// SumScanPoints re-derives an attendee's awarded points from the scan
	// log. Used for wallet reconciliation.
	SumScanPoints(ctx context.Context, attendeeID string) (int, error)
}

// ErrInsufficientBalance indicates a guarded debit found the wallet short,
// typically because a concurrent redemption drained it first.
var ErrInsufficientBalance = errors.New("insufficient balance")
