// Package postgres provides a Postgres-backed engagement storage
// implementation for multi-node deployments. Schema bootstrap uses
// idempotent CREATE TABLE IF NOT EXISTS statements on open.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
)

// Store persists engagement state in Postgres.
type Store struct {
	sqlDB *sql.DB
}

// Open connects to Postgres and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}
	if err := ensureSchema(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the Postgres handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func ensureSchema(sqlDB *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS attendees (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
			legendary_count INTEGER NOT NULL DEFAULT 0 CHECK (legendary_count >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS locations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			x DOUBLE PRECISION NOT NULL DEFAULT 0,
			y DOUBLE PRECISION NOT NULL DEFAULT 0,
			sponsorship_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			spawn_name TEXT NOT NULL DEFAULT '',
			spawn_rarity TEXT NOT NULL DEFAULT '',
			spawn_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS scan_events (
			id TEXT PRIMARY KEY,
			attendee_id TEXT NOT NULL DEFAULT '',
			location_id TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			collectible_name TEXT NOT NULL,
			collectible_category TEXT NOT NULL DEFAULT '',
			rarity TEXT NOT NULL,
			points_awarded INTEGER NOT NULL,
			flash BOOLEAN NOT NULL DEFAULT FALSE,
			sync_status TEXT NOT NULL DEFAULT 'synced'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_events_location_ts ON scan_events (location_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_events_attendee_ts ON scan_events (attendee_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS attendee_collectibles (
			seq BIGSERIAL PRIMARY KEY,
			attendee_id TEXT NOT NULL,
			location_id TEXT NOT NULL DEFAULT '',
			location_name TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			rarity TEXT NOT NULL,
			earned_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attendee_collectibles_attendee ON attendee_collectibles (attendee_id, seq)`,
		`CREATE TABLE IF NOT EXISTS rewards (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			cost_points INTEGER NOT NULL DEFAULT 0,
			requires_legendary BOOLEAN NOT NULL DEFAULT FALSE,
			stock_remaining INTEGER NOT NULL DEFAULT 0 CHECK (stock_remaining >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS fraud_alerts (
			id TEXT PRIMARY KEY,
			attendee_id TEXT NOT NULL,
			scan_event_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			severity TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'OPEN'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fraud_alerts_attendee ON fraud_alerts (attendee_id, timestamp)`,
	}
	for _, stmt := range statements {
		if _, err := sqlDB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// FindLocation loads one location by id.
func (s *Store) FindLocation(ctx context.Context, id string) (domain.Location, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Location{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, category, x, y, sponsorship_cost, spawn_name, spawn_rarity, spawn_expires_at
FROM locations
WHERE id = $1
`, strings.TrimSpace(id))

	var location domain.Location
	var spawnRarity string
	var spawnExpires int64
	err := row.Scan(
		&location.ID,
		&location.Name,
		&location.Category,
		&location.Coord.X,
		&location.Coord.Y,
		&location.SponsorshipCost,
		&location.Spawn.Name,
		&spawnRarity,
		&spawnExpires,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Location{}, storage.ErrNotFound
		}
		return domain.Location{}, fmt.Errorf("scan location: %w", err)
	}
	location.Spawn.Rarity = domain.Tier(spawnRarity)
	if spawnExpires != 0 {
		location.Spawn.ExpiresAt = fromMillis(spawnExpires)
	}
	return location, nil
}

// ListLocations returns every location ordered by name.
func (s *Store) ListLocations(ctx context.Context) ([]domain.Location, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, name, category, x, y, sponsorship_cost, spawn_name, spawn_rarity, spawn_expires_at
FROM locations
ORDER BY name, id
`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var locations []domain.Location
	for rows.Next() {
		var location domain.Location
		var spawnRarity string
		var spawnExpires int64
		if err := rows.Scan(
			&location.ID,
			&location.Name,
			&location.Category,
			&location.Coord.X,
			&location.Coord.Y,
			&location.SponsorshipCost,
			&location.Spawn.Name,
			&spawnRarity,
			&spawnExpires,
		); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		location.Spawn.Rarity = domain.Tier(spawnRarity)
		if spawnExpires != 0 {
			location.Spawn.ExpiresAt = fromMillis(spawnExpires)
		}
		locations = append(locations, location)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return locations, nil
}

// FindAttendee loads an attendee and their ordered collection.
func (s *Store) FindAttendee(ctx context.Context, id string) (domain.Attendee, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Attendee{}, err
	}
	id = strings.TrimSpace(id)

	var attendee domain.Attendee
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, points, legendary_count
FROM attendees
WHERE id = $1
`, id)
	if err := row.Scan(&attendee.ID, &attendee.Name, &attendee.Points, &attendee.LegendaryCount); err != nil {
		if err == sql.ErrNoRows {
			return domain.Attendee{}, storage.ErrNotFound
		}
		return domain.Attendee{}, fmt.Errorf("scan attendee: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT location_id, location_name, name, rarity, earned_at
FROM attendee_collectibles
WHERE attendee_id = $1
ORDER BY seq
`, id)
	if err != nil {
		return domain.Attendee{}, fmt.Errorf("list collectibles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owned domain.OwnedCollectible
		var rarity string
		var earnedAt int64
		if err := rows.Scan(&owned.LocationID, &owned.LocationName, &owned.Name, &rarity, &earnedAt); err != nil {
			return domain.Attendee{}, fmt.Errorf("scan collectible: %w", err)
		}
		owned.Rarity = domain.Tier(rarity)
		owned.EarnedAt = fromMillis(earnedAt)
		attendee.Owned = append(attendee.Owned, owned)
	}
	if err := rows.Err(); err != nil {
		return domain.Attendee{}, fmt.Errorf("iterate collectibles: %w", err)
	}
	return attendee, nil
}

// FindReward loads one catalog reward by id.
func (s *Store) FindReward(ctx context.Context, id string) (domain.Reward, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Reward{}, err
	}
	var reward domain.Reward
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, category, cost_points, requires_legendary, stock_remaining
FROM rewards
WHERE id = $1
`, strings.TrimSpace(id))
	if err := row.Scan(&reward.ID, &reward.Name, &reward.Category, &reward.CostPoints, &reward.RequiresLegendary, &reward.Stock); err != nil {
		if err == sql.ErrNoRows {
			return domain.Reward{}, storage.ErrNotFound
		}
		return domain.Reward{}, fmt.Errorf("scan reward: %w", err)
	}
	return reward, nil
}

// CountScansSince counts scan events at a location with timestamp >= since.
func (s *Store) CountScansSince(ctx context.Context, locationID string, since time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var count int
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM scan_events
WHERE location_id = $1 AND timestamp >= $2
`, strings.TrimSpace(locationID), toMillis(since))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return count, nil
}

// RecentScans returns an attendee's newest scans by timestamp.
func (s *Store) RecentScans(ctx context.Context, attendeeID string, limit int) ([]domain.ScanEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, attendee_id, location_id, timestamp, collectible_name, collectible_category, rarity, points_awarded, flash, sync_status
FROM scan_events
WHERE attendee_id = $1
ORDER BY timestamp DESC, id DESC
LIMIT $2
`, strings.TrimSpace(attendeeID), limit)
	if err != nil {
		return nil, fmt.Errorf("recent scans: %w", err)
	}
	defer rows.Close()

	scans := make([]domain.ScanEvent, 0, limit)
	for rows.Next() {
		var scan domain.ScanEvent
		var ts int64
		var rarity string
		if err := rows.Scan(
			&scan.ID,
			&scan.AttendeeID,
			&scan.LocationID,
			&ts,
			&scan.Collectible.Name,
			&scan.Collectible.Category,
			&rarity,
			&scan.Points,
			&scan.Flash,
			&scan.SyncStatus,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		scan.Timestamp = fromMillis(ts)
		scan.Collectible.Rarity = domain.Tier(rarity)
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return scans, nil
}

// InsertScan appends one immutable scan event.
func (s *Store) InsertScan(ctx context.Context, scan domain.ScanEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	scan.ID = strings.TrimSpace(scan.ID)
	scan.LocationID = strings.TrimSpace(scan.LocationID)
	if scan.ID == "" {
		return fmt.Errorf("scan id is required")
	}
	if scan.LocationID == "" {
		return fmt.Errorf("location id is required")
	}
	if scan.Timestamp.IsZero() {
		return fmt.Errorf("scan timestamp is required")
	}
	if scan.SyncStatus == "" {
		scan.SyncStatus = domain.SyncSynced
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO scan_events (
	id,
	attendee_id,
	location_id,
	timestamp,
	collectible_name,
	collectible_category,
	rarity,
	points_awarded,
	flash,
	sync_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`,
		scan.ID,
		strings.TrimSpace(scan.AttendeeID),
		scan.LocationID,
		toMillis(scan.Timestamp),
		scan.Collectible.Name,
		scan.Collectible.Category,
		string(scan.Collectible.Rarity),
		scan.Points,
		scan.Flash,
		scan.SyncStatus,
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// CreditAttendee adds points and legendaryDelta to the wallet and appends the
// owned collectible, in one transaction.
func (s *Store) CreditAttendee(ctx context.Context, id string, points, legendaryDelta int, owned domain.OwnedCollectible) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("attendee id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE attendees
SET points = points + $1, legendary_count = legendary_count + $2
WHERE id = $3
`, points, legendaryDelta, id)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("credit attendee: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("credit rows affected: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return storage.ErrNotFound
	}

	earnedAt := owned.EarnedAt
	if earnedAt.IsZero() {
		earnedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO attendee_collectibles (attendee_id, location_id, location_name, name, rarity, earned_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, id, owned.LocationID, owned.LocationName, owned.Name, string(owned.Rarity), toMillis(earnedAt)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("append collectible: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit: %w", err)
	}
	return nil
}

// ConditionalDecrementStock decrements stock by one only while it is still
// positive at the moment of the write.
func (s *Store) ConditionalDecrementStock(ctx context.Context, rewardID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE rewards
SET stock_remaining = stock_remaining - 1
WHERE id = $1 AND stock_remaining > 0
`, strings.TrimSpace(rewardID))
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement rows affected: %w", err)
	}
	return affected > 0, nil
}

// DebitAttendee subtracts points and legendaryDelta, guarded so balances
// never go negative.
func (s *Store) DebitAttendee(ctx context.Context, id string, points, legendaryDelta int) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE attendees
SET points = points - $1, legendary_count = legendary_count - $2
WHERE id = $3 AND points >= $1 AND legendary_count >= $2
`, points, legendaryDelta, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("debit attendee: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrInsufficientBalance
	}
	return nil
}

// InsertFraudAlert appends one alert to the fraud log.
func (s *Store) InsertFraudAlert(ctx context.Context, alert domain.FraudAlert) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	alert.ID = strings.TrimSpace(alert.ID)
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	if alert.Reason == "" {
		return fmt.Errorf("alert reason is required")
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.Status == "" {
		alert.Status = domain.AlertOpen
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO fraud_alerts (id, attendee_id, scan_event_id, reason, severity, timestamp, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`,
		alert.ID,
		strings.TrimSpace(alert.AttendeeID),
		strings.TrimSpace(alert.ScanEventID),
		alert.Reason,
		string(alert.Severity),
		toMillis(alert.Timestamp),
		string(alert.Status),
	)
	if err != nil {
		return fmt.Errorf("insert fraud alert: %w", err)
	}
	return nil
}

// UpdateLocationSpawn overwrites the featured collectible fields.
func (s *Store) UpdateLocationSpawn(ctx context.Context, locationID string, spawn domain.Spawn) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE locations
SET spawn_name = $1, spawn_rarity = $2, spawn_expires_at = $3
WHERE id = $4
`, spawn.Name, string(spawn.Rarity), toMillis(spawn.ExpiresAt), strings.TrimSpace(locationID))
	if err != nil {
		return fmt.Errorf("update spawn: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("spawn rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SumScanPoints re-derives an attendee's awarded points from the scan log.
func (s *Store) SumScanPoints(ctx context.Context, attendeeID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var total int
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(points_awarded), 0)
FROM scan_events
WHERE attendee_id = $1
`, strings.TrimSpace(attendeeID))
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum scan points: %w", err)
	}
	return total, nil
}

var _ storage.Store = (*Store)(nil)
