// Package sqlite provides a SQLite-backed engagement storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
	"github.com/eventflowhq/eventflow/internal/engagement/storage/sqlite/migrations"
	sqlitemigrate "github.com/eventflowhq/eventflow/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store persists engagement state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite engagement store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
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

// FindLocation loads one location by id.
func (s *Store) FindLocation(ctx context.Context, id string) (domain.Location, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Location{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, category, x, y, sponsorship_cost, spawn_name, spawn_rarity, spawn_expires_at
FROM locations
WHERE id = ?
`, strings.TrimSpace(id))
	return scanLocation(row)
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
		location, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return locations, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (domain.Location, error) {
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
WHERE id = ?
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
WHERE attendee_id = ?
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
	var requiresLegendary int
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, category, cost_points, requires_legendary, stock_remaining
FROM rewards
WHERE id = ?
`, strings.TrimSpace(id))
	if err := row.Scan(&reward.ID, &reward.Name, &reward.Category, &reward.CostPoints, &requiresLegendary, &reward.Stock); err != nil {
		if err == sql.ErrNoRows {
			return domain.Reward{}, storage.ErrNotFound
		}
		return domain.Reward{}, fmt.Errorf("scan reward: %w", err)
	}
	reward.RequiresLegendary = requiresLegendary != 0
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
WHERE location_id = ? AND timestamp >= ?
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
WHERE attendee_id = ?
ORDER BY timestamp DESC, id DESC
LIMIT ?
`, strings.TrimSpace(attendeeID), limit)
	if err != nil {
		return nil, fmt.Errorf("recent scans: %w", err)
	}
	defer rows.Close()

	scans := make([]domain.ScanEvent, 0, limit)
	for rows.Next() {
		scan, err := scanScanEvent(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return scans, nil
}

func scanScanEvent(row rowScanner) (domain.ScanEvent, error) {
	var scan domain.ScanEvent
	var ts int64
	var rarity string
	var flash int
	err := row.Scan(
		&scan.ID,
		&scan.AttendeeID,
		&scan.LocationID,
		&ts,
		&scan.Collectible.Name,
		&scan.Collectible.Category,
		&rarity,
		&scan.Points,
		&flash,
		&scan.SyncStatus,
	)
	if err != nil {
		return domain.ScanEvent{}, fmt.Errorf("scan event row: %w", err)
	}
	scan.Timestamp = fromMillis(ts)
	scan.Collectible.Rarity = domain.Tier(rarity)
	scan.Flash = flash != 0
	return scan, nil
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		scan.ID,
		strings.TrimSpace(scan.AttendeeID),
		scan.LocationID,
		toMillis(scan.Timestamp),
		scan.Collectible.Name,
		scan.Collectible.Category,
		string(scan.Collectible.Rarity),
		scan.Points,
		boolToInt(scan.Flash),
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
SET points = points + ?, legendary_count = legendary_count + ?
WHERE id = ?
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
VALUES (?, ?, ?, ?, ?, ?)
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
WHERE id = ? AND stock_remaining > 0
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
SET points = points - ?, legendary_count = legendary_count - ?
WHERE id = ? AND points >= ? AND legendary_count >= ?
`, points, legendaryDelta, strings.TrimSpace(id), points, legendaryDelta)
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
VALUES (?, ?, ?, ?, ?, ?, ?)
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

// ListFraudAlerts returns newest-first alerts for moderation surfaces.
func (s *Store) ListFraudAlerts(ctx context.Context, limit int) ([]domain.FraudAlert, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, attendee_id, scan_event_id, reason, severity, timestamp, status
FROM fraud_alerts
ORDER BY timestamp DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list fraud alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]domain.FraudAlert, 0, limit)
	for rows.Next() {
		var alert domain.FraudAlert
		var severity, status string
		var ts int64
		if err := rows.Scan(&alert.ID, &alert.AttendeeID, &alert.ScanEventID, &alert.Reason, &severity, &ts, &status); err != nil {
			return nil, fmt.Errorf("scan fraud alert: %w", err)
		}
		alert.Severity = domain.Severity(severity)
		alert.Status = domain.AlertStatus(status)
		alert.Timestamp = fromMillis(ts)
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fraud alerts: %w", err)
	}
	return alerts, nil
}

// UpdateLocationSpawn overwrites the featured collectible fields.
func (s *Store) UpdateLocationSpawn(ctx context.Context, locationID string, spawn domain.Spawn) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE locations
SET spawn_name = ?, spawn_rarity = ?, spawn_expires_at = ?
WHERE id = ?
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
WHERE attendee_id = ?
`, strings.TrimSpace(attendeeID))
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum scan points: %w", err)
	}
	return total, nil
}

// PutAttendee upserts one attendee record. Provisioning helper for the
// registration surface and tests; the engine itself never creates attendees.
func (s *Store) PutAttendee(ctx context.Context, attendee domain.Attendee) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(attendee.ID) == "" {
		return fmt.Errorf("attendee id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO attendees (id, name, points, legendary_count)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	points = excluded.points,
	legendary_count = excluded.legendary_count
`, strings.TrimSpace(attendee.ID), attendee.Name, attendee.Points, attendee.LegendaryCount)
	if err != nil {
		return fmt.Errorf("put attendee: %w", err)
	}
	return nil
}

// PutLocation upserts one location record.
func (s *Store) PutLocation(ctx context.Context, location domain.Location) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(location.ID) == "" {
		return fmt.Errorf("location id is required")
	}
	var spawnExpires int64
	if !location.Spawn.ExpiresAt.IsZero() {
		spawnExpires = toMillis(location.Spawn.ExpiresAt)
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO locations (id, name, category, x, y, sponsorship_cost, spawn_name, spawn_rarity, spawn_expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	category = excluded.category,
	x = excluded.x,
	y = excluded.y,
	sponsorship_cost = excluded.sponsorship_cost,
	spawn_name = excluded.spawn_name,
	spawn_rarity = excluded.spawn_rarity,
	spawn_expires_at = excluded.spawn_expires_at
`,
		strings.TrimSpace(location.ID),
		location.Name,
		location.Category,
		location.Coord.X,
		location.Coord.Y,
		location.SponsorshipCost,
		location.Spawn.Name,
		string(location.Spawn.Rarity),
		spawnExpires,
	)
	if err != nil {
		return fmt.Errorf("put location: %w", err)
	}
	return nil
}

// PutReward upserts one catalog reward record.
func (s *Store) PutReward(ctx context.Context, reward domain.Reward) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(reward.ID) == "" {
		return fmt.Errorf("reward id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO rewards (id, name, category, cost_points, requires_legendary, stock_remaining)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	category = excluded.category,
	cost_points = excluded.cost_points,
	requires_legendary = excluded.requires_legendary,
	stock_remaining = excluded.stock_remaining
`,
		strings.TrimSpace(reward.ID),
		reward.Name,
		reward.Category,
		reward.CostPoints,
		boolToInt(reward.RequiresLegendary),
		reward.Stock,
	)
	if err != nil {
		return fmt.Errorf("put reward: %w", err)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

var _ storage.Store = (*Store)(nil)
