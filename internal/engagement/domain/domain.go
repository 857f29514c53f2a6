// Package domain holds the entities of the scan integrity and reward engine:
// attendees, locations, scan events, fraud alerts, and catalog rewards.
package domain

import (
	"math"
	"time"
)

// Tier classifies a collectible drop. Low crowd density yields rare drops.
type Tier string

const (
	TierCommon Tier = "common"
	TierRare   Tier = "rare"
)

// Severity ranks a fraud alert for human triage.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// AlertStatus tracks moderation state of a fraud alert.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "OPEN"
	AlertResolved AlertStatus = "RESOLVED"
)

// SyncSynced marks a scan event that reached the durable store directly.
// Offline-captured scans replayed later carry a different status.
const SyncSynced = "synced"

// Coordinate is a fixed 2-D position on the event floor plan.
type Coordinate struct {
	X float64
	Y float64
}

// DistanceTo returns the Euclidean distance to other in floor-plan units.
func (c Coordinate) DistanceTo(other Coordinate) float64 {
	dx := other.X - c.X
	dy := other.Y - c.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Collectible is a virtual item granted by a scan.
type Collectible struct {
	Name     string
	Category string
	Rarity   Tier
}

// OwnedCollectible is one entry in an attendee's ordered collection.
type OwnedCollectible struct {
	LocationID   string
	LocationName string
	Name         string
	Rarity       Tier
	EarnedAt     time.Time
}

// Attendee is a participant earning points and collectibles by scanning
// location badges. Credited by scan ingestion, debited by redemption.
type Attendee struct {
	ID             string
	Name           string
	Points         int
	LegendaryCount int
	Owned          []OwnedCollectible
}

// Spawn is the collectible currently featured at a location. Informational
// state with last-write-wins semantics under concurrent rare scans.
type Spawn struct {
	Name      string
	Rarity    Tier
	ExpiresAt time.Time
}

// Location is a sponsor stall with a fixed coordinate and a featured spawn.
type Location struct {
	ID              string
	Name            string
	Category        string
	Coord           Coordinate
	Spawn           Spawn
	SponsorshipCost float64
}

// ScanEvent records one attendee scanning one location. Immutable once
// written; the append-only scan log is the system of record for wallet
// totals and crowd density.
type ScanEvent struct {
	ID          string
	AttendeeID  string // empty for anonymous walk-up scans
	LocationID  string
	Timestamp   time.Time
	Collectible Collectible
	Points      int
	Flash       bool
	SyncStatus  string
}

// FraudAlert flags a suspicious scan for human review. Appended with status
// OPEN; repeated violations each produce a fresh alert on purpose, since
// frequency itself is a moderation signal.
type FraudAlert struct {
	ID          string
	AttendeeID  string
	ScanEventID string
	Reason      string
	Severity    Severity
	Timestamp   time.Time
	Status      AlertStatus
}

// Reward is a finite-stock catalog item redeemable for points or a
// legendary credential.
type Reward struct {
	ID                string
	Name              string
	Category          string
	CostPoints        int
	RequiresLegendary bool
	Stock             int
}
