// Package bolt provides a BoltDB-backed engagement store. Single-file and
// transactional, suited to kiosk deployments that cannot run a SQL engine.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
)

const (
	attendeeBucket = "attendees"
	locationBucket = "locations"
	rewardBucket   = "rewards"
	scanBucket     = "scans"
	alertBucket    = "alerts"
)

// Store implements the engagement store on BoltDB. Bolt serializes writers,
// so the guarded wallet and stock mutations run inside single Update
// transactions and need no extra coordination.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{attendeeBucket, locationBucket, rewardBucket, scanBucket, alertBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// Scan keys embed the millisecond timestamp so a cursor walk visits events
// in timestamp order regardless of insertion order.
func scanKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d/%s", ts.UnixMilli(), id))
}

func getJSON(bucket *bbolt.Bucket, key string, into any) error {
	payload := bucket.Get([]byte(key))
	if payload == nil {
		return storage.ErrNotFound
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func putJSON(bucket *bbolt.Bucket, key []byte, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return bucket.Put(key, payload)
}

func (s *Store) FindLocation(ctx context.Context, id string) (domain.Location, error) {
	var location domain.Location
	if err := s.ready(ctx); err != nil {
		return location, err
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(locationBucket)), id, &location)
	})
	return location, err
}

func (s *Store) FindAttendee(ctx context.Context, id string) (domain.Attendee, error) {
	var attendee domain.Attendee
	if err := s.ready(ctx); err != nil {
		return attendee, err
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(attendeeBucket)), id, &attendee)
	})
	return attendee, err
}

func (s *Store) FindReward(ctx context.Context, id string) (domain.Reward, error) {
	var reward domain.Reward
	if err := s.ready(ctx); err != nil {
		return reward, err
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(rewardBucket)), id, &reward)
	})
	return reward, err
}

func (s *Store) ListLocations(ctx context.Context) ([]domain.Location, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var locations []domain.Location
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(locationBucket)).ForEach(func(_, payload []byte) error {
			var location domain.Location
			if err := json.Unmarshal(payload, &location); err != nil {
				return fmt.Errorf("unmarshal location: %w", err)
			}
			locations = append(locations, location)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].Name < locations[j].Name })
	return locations, nil
}

func (s *Store) CountScansSince(ctx context.Context, locationID string, since time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(scanBucket)).Cursor()
		start := []byte(fmt.Sprintf("%020d", since.UnixMilli()))
		for key, payload := cursor.Seek(start); key != nil; key, payload = cursor.Next() {
			var scan domain.ScanEvent
			if err := json.Unmarshal(payload, &scan); err != nil {
				return fmt.Errorf("unmarshal scan: %w", err)
			}
			if scan.LocationID == locationID && !scan.Timestamp.Before(since) {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *Store) RecentScans(ctx context.Context, attendeeID string, limit int) ([]domain.ScanEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var scans []domain.ScanEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(scanBucket)).Cursor()
		for key, payload := cursor.Last(); key != nil && len(scans) < limit; key, payload = cursor.Prev() {
			var scan domain.ScanEvent
			if err := json.Unmarshal(payload, &scan); err != nil {
				return fmt.Errorf("unmarshal scan: %w", err)
			}
			if scan.AttendeeID == attendeeID {
				scans = append(scans, scan)
			}
		}
		return nil
	})
	return scans, err
}

func (s *Store) InsertScan(ctx context.Context, scan domain.ScanEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(scan.ID) == "" {
		return fmt.Errorf("scan id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(scanBucket)), scanKey(scan.Timestamp, scan.ID), scan)
	})
}

func (s *Store) CreditAttendee(ctx context.Context, id string, points, legendaryDelta int, owned domain.OwnedCollectible) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attendeeBucket))
		var attendee domain.Attendee
		if err := getJSON(bucket, id, &attendee); err != nil {
			return err
		}
		attendee.Points += points
		attendee.LegendaryCount += legendaryDelta
		attendee.Owned = append(attendee.Owned, owned)
		return putJSON(bucket, []byte(id), attendee)
	})
}

func (s *Store) ConditionalDecrementStock(ctx context.Context, rewardID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	granted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(rewardBucket))
		var reward domain.Reward
		if err := getJSON(bucket, rewardID, &reward); err != nil {
			return err
		}
		if reward.Stock <= 0 {
			return nil
		}
		reward.Stock--
		granted = true
		return putJSON(bucket, []byte(rewardID), reward)
	})
	return granted, err
}

func (s *Store) DebitAttendee(ctx context.Context, id string, points, legendaryDelta int) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attendeeBucket))
		var attendee domain.Attendee
		if err := getJSON(bucket, id, &attendee); err != nil {
			return err
		}
		if attendee.Points < points || attendee.LegendaryCount < legendaryDelta {
			return storage.ErrInsufficientBalance
		}
		attendee.Points -= points
		attendee.LegendaryCount -= legendaryDelta
		return putJSON(bucket, []byte(id), attendee)
	})
}

func (s *Store) InsertFraudAlert(ctx context.Context, alert domain.FraudAlert) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(alert.ID) == "" {
		return fmt.Errorf("alert id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(alertBucket)), []byte(alert.ID), alert)
	})
}

func (s *Store) UpdateLocationSpawn(ctx context.Context, locationID string, spawn domain.Spawn) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(locationBucket))
		var location domain.Location
		if err := getJSON(bucket, locationID, &location); err != nil {
			return err
		}
		location.Spawn = spawn
		return putJSON(bucket, []byte(locationID), location)
	})
}

func (s *Store) SumScanPoints(ctx context.Context, attendeeID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	total := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(scanBucket)).ForEach(func(_, payload []byte) error {
			var scan domain.ScanEvent
			if err := json.Unmarshal(payload, &scan); err != nil {
				return fmt.Errorf("unmarshal scan: %w", err)
			}
			if scan.AttendeeID == attendeeID {
				total += scan.Points
			}
			return nil
		})
	})
	return total, err
}

// PutAttendee upserts an attendee record. Seeding helper.
func (s *Store) PutAttendee(ctx context.Context, attendee domain.Attendee) error {
	return s.put(ctx, attendeeBucket, attendee.ID, attendee)
}

// PutLocation upserts a location record. Seeding helper.
func (s *Store) PutLocation(ctx context.Context, location domain.Location) error {
	return s.put(ctx, locationBucket, location.ID, location)
}

// PutReward upserts a reward record. Seeding helper.
func (s *Store) PutReward(ctx context.Context, reward domain.Reward) error {
	return s.put(ctx, rewardBucket, reward.ID, reward)
}

func (s *Store) put(ctx context.Context, bucketName, id string, value any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("record id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(bucketName)), []byte(id), value)
	})
}

var _ storage.Store = (*Store)(nil)
