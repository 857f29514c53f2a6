// Package engagementfakes provides an in-memory engagement Store fake for
// tests.
package engagementfakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
)

// Store is a lightweight in-memory storage.Store fake. Error fields let
// tests inject failures per operation.
type Store struct {
	mu sync.Mutex

	Attendees map[string]domain.Attendee
	Locations map[string]domain.Location
	Rewards   map[string]domain.Reward
	Scans     []domain.ScanEvent
	Alerts    []domain.FraudAlert

	FindLocationErr error
	InsertScanErr   error
	CreditErr       error
	DebitErr        error
	DecrementErr    error
	AlertErr        error
	SpawnErr        error
	RecentScansErr  error
	CountErr        error
}

// NewStore constructs a Store fake with initialized state maps.
func NewStore() *Store {
	return &Store{
		Attendees: make(map[string]domain.Attendee),
		Locations: make(map[string]domain.Location),
		Rewards:   make(map[string]domain.Reward),
	}
}

func (s *Store) FindLocation(_ context.Context, id string) (domain.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindLocationErr != nil {
		return domain.Location{}, s.FindLocationErr
	}
	location, ok := s.Locations[id]
	if !ok {
		return domain.Location{}, storage.ErrNotFound
	}
	return location, nil
}

func (s *Store) FindAttendee(_ context.Context, id string) (domain.Attendee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attendee, ok := s.Attendees[id]
	if !ok {
		return domain.Attendee{}, storage.ErrNotFound
	}
	return attendee, nil
}

func (s *Store) FindReward(_ context.Context, id string) (domain.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reward, ok := s.Rewards[id]
	if !ok {
		return domain.Reward{}, storage.ErrNotFound
	}
	return reward, nil
}

func (s *Store) ListLocations(_ context.Context) ([]domain.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	locations := make([]domain.Location, 0, len(s.Locations))
	for _, location := range s.Locations {
		locations = append(locations, location)
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].Name < locations[j].Name })
	return locations, nil
}

func (s *Store) CountScansSince(_ context.Context, locationID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CountErr != nil {
		return 0, s.CountErr
	}
	count := 0
	for _, scan := range s.Scans {
		if scan.LocationID == locationID && !scan.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) RecentScans(_ context.Context, attendeeID string, limit int) ([]domain.ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecentScansErr != nil {
		return nil, s.RecentScansErr
	}
	var scans []domain.ScanEvent
	for _, scan := range s.Scans {
		if scan.AttendeeID == attendeeID {
			scans = append(scans, scan)
		}
	}
	sort.Slice(scans, func(i, j int) bool {
		if scans[i].Timestamp.Equal(scans[j].Timestamp) {
			return scans[i].ID > scans[j].ID
		}
		return scans[i].Timestamp.After(scans[j].Timestamp)
	})
	if len(scans) > limit {
		scans = scans[:limit]
	}
	return scans, nil
}

func (s *Store) InsertScan(_ context.Context, scan domain.ScanEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertScanErr != nil {
		return s.InsertScanErr
	}
	s.Scans = append(s.Scans, scan)
	return nil
}

func (s *Store) CreditAttendee(_ context.Context, id string, points, legendaryDelta int, owned domain.OwnedCollectible) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreditErr != nil {
		return s.CreditErr
	}
	attendee, ok := s.Attendees[id]
	if !ok {
		return storage.ErrNotFound
	}
	attendee.Points += points
	attendee.LegendaryCount += legendaryDelta
	attendee.Owned = append(attendee.Owned, owned)
	s.Attendees[id] = attendee
	return nil
}

func (s *Store) ConditionalDecrementStock(_ context.Context, rewardID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DecrementErr != nil {
		return false, s.DecrementErr
	}
	reward, ok := s.Rewards[rewardID]
	if !ok || reward.Stock <= 0 {
		return false, nil
	}
	reward.Stock--
	s.Rewards[rewardID] = reward
	return true, nil
}

func (s *Store) DebitAttendee(_ context.Context, id string, points, legendaryDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DebitErr != nil {
		return s.DebitErr
	}
	attendee, ok := s.Attendees[id]
	if !ok {
		return storage.ErrNotFound
	}
	if attendee.Points < points || attendee.LegendaryCount < legendaryDelta {
		return storage.ErrInsufficientBalance
	}
	attendee.Points -= points
	attendee.LegendaryCount -= legendaryDelta
	s.Attendees[id] = attendee
	return nil
}

func (s *Store) InsertFraudAlert(_ context.Context, alert domain.FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AlertErr != nil {
		return s.AlertErr
	}
	s.Alerts = append(s.Alerts, alert)
	return nil
}

func (s *Store) UpdateLocationSpawn(_ context.Context, locationID string, spawn domain.Spawn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SpawnErr != nil {
		return s.SpawnErr
	}
	location, ok := s.Locations[locationID]
	if !ok {
		return storage.ErrNotFound
	}
	location.Spawn = spawn
	s.Locations[locationID] = location
	return nil
}

func (s *Store) SumScanPoints(_ context.Context, attendeeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, scan := range s.Scans {
		if scan.AttendeeID == attendeeID {
			total += scan.Points
		}
	}
	return total, nil
}

// SnapshotAlerts returns a copy of the alert log for assertions.
func (s *Store) SnapshotAlerts() []domain.FraudAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FraudAlert, len(s.Alerts))
	copy(out, s.Alerts)
	return out
}

// SnapshotScans returns a copy of the scan log for assertions.
func (s *Store) SnapshotScans() []domain.ScanEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScanEvent, len(s.Scans))
	copy(out, s.Scans)
	return out
}

var _ storage.Store = (*Store)(nil)
