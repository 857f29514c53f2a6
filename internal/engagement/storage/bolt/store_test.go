package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
)

var base = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "engagement.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestFindMissingRecords(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if _, err := store.FindAttendee(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("attendee err = %v, want ErrNotFound", err)
	}
	if _, err := store.FindLocation(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("location err = %v, want ErrNotFound", err)
	}
	if _, err := store.FindReward(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("reward err = %v, want ErrNotFound", err)
	}
}

func TestScanLogOrderingAndWindow(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	// Insert out of order; timestamp keys must keep the log ordered.
	for i, offset := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
		scan := domain.ScanEvent{
			ID:         []string{"scan-a", "scan-b", "scan-c"}[i],
			AttendeeID: "att-1",
			LocationID: "loc-1",
			Timestamp:  base.Add(offset),
		}
		if err := store.InsertScan(ctx, scan); err != nil {
			t.Fatalf("InsertScan: %v", err)
		}
	}

	scans, err := store.RecentScans(ctx, "att-1", 2)
	if err != nil {
		t.Fatalf("RecentScans: %v", err)
	}
	if len(scans) != 2 || scans[0].ID != "scan-a" || scans[1].ID != "scan-c" {
		t.Errorf("scans = %+v, want newest-first scan-a then scan-c", scans)
	}

	// Inclusive lower bound at exactly now - window.
	count, err := store.CountScansSince(ctx, "loc-1", base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("CountScansSince: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 (boundary scan included)", count)
	}
}

func TestCreditAndDebitAttendee(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutAttendee(ctx, domain.Attendee{ID: "att-1", Name: "Avery"}); err != nil {
		t.Fatalf("PutAttendee: %v", err)
	}

	owned := domain.OwnedCollectible{LocationID: "loc-1", Name: "Golden Gear", Rarity: domain.TierRare, EarnedAt: base}
	if err := store.CreditAttendee(ctx, "att-1", 50, 1, owned); err != nil {
		t.Fatalf("CreditAttendee: %v", err)
	}
	if err := store.CreditAttendee(ctx, "ghost", 50, 0, owned); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("credit ghost err = %v, want ErrNotFound", err)
	}

	attendee, err := store.FindAttendee(ctx, "att-1")
	if err != nil {
		t.Fatalf("FindAttendee: %v", err)
	}
	if attendee.Points != 50 || attendee.LegendaryCount != 1 || len(attendee.Owned) != 1 {
		t.Errorf("attendee = %+v, want 50 points, 1 legendary, 1 owned", attendee)
	}

	if err := store.DebitAttendee(ctx, "att-1", 60, 0); !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Errorf("overdraft err = %v, want ErrInsufficientBalance", err)
	}
	if err := store.DebitAttendee(ctx, "att-1", 0, 1); err != nil {
		t.Fatalf("DebitAttendee: %v", err)
	}
	attendee, _ = store.FindAttendee(ctx, "att-1")
	if attendee.Points != 50 || attendee.LegendaryCount != 0 {
		t.Errorf("attendee after debit = %+v, want points intact and credential spent", attendee)
	}
}

func TestConditionalDecrementStockConcurrent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutReward(ctx, domain.Reward{ID: "rw-1", Name: "Poster", Stock: 3}); err != nil {
		t.Fatalf("PutReward: %v", err)
	}

	var wg sync.WaitGroup
	grants := make(chan bool, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := store.ConditionalDecrementStock(ctx, "rw-1")
			if err != nil {
				t.Errorf("ConditionalDecrementStock: %v", err)
				return
			}
			grants <- granted
		}()
	}
	wg.Wait()
	close(grants)

	won := 0
	for granted := range grants {
		if granted {
			won++
		}
	}
	if won != 3 {
		t.Errorf("grants = %d, want exactly 3", won)
	}
	reward, err := store.FindReward(ctx, "rw-1")
	if err != nil {
		t.Fatalf("FindReward: %v", err)
	}
	if reward.Stock != 0 {
		t.Errorf("stock = %d, want 0", reward.Stock)
	}
}

func TestUpdateLocationSpawn(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	location := domain.Location{ID: "loc-1", Name: "Sponsor Hall", Coord: domain.Coordinate{X: 1, Y: 2}}
	if err := store.PutLocation(ctx, location); err != nil {
		t.Fatalf("PutLocation: %v", err)
	}

	spawn := domain.Spawn{Name: "Golden Gear", Rarity: domain.TierRare, ExpiresAt: base.Add(time.Hour)}
	if err := store.UpdateLocationSpawn(ctx, "loc-1", spawn); err != nil {
		t.Fatalf("UpdateLocationSpawn: %v", err)
	}
	if err := store.UpdateLocationSpawn(ctx, "ghost", spawn); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ghost spawn err = %v, want ErrNotFound", err)
	}

	got, err := store.FindLocation(ctx, "loc-1")
	if err != nil {
		t.Fatalf("FindLocation: %v", err)
	}
	if got.Spawn.Name != "Golden Gear" || !got.Spawn.ExpiresAt.Equal(spawn.ExpiresAt) {
		t.Errorf("spawn = %+v, want %+v", got.Spawn, spawn)
	}
	if got.Coord != location.Coord {
		t.Errorf("coord mutated by spawn update: %+v", got.Coord)
	}
}

func TestSumScanPoints(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	for i, points := range []int{10, 50, 10} {
		scan := domain.ScanEvent{
			ID:         []string{"s1", "s2", "s3"}[i],
			AttendeeID: "att-1",
			LocationID: "loc-1",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Points:     points,
		}
		if err := store.InsertScan(ctx, scan); err != nil {
			t.Fatalf("InsertScan: %v", err)
		}
	}
	if err := store.InsertScan(ctx, domain.ScanEvent{ID: "other", AttendeeID: "att-2", LocationID: "loc-1", Timestamp: base, Points: 99}); err != nil {
		t.Fatalf("InsertScan: %v", err)
	}

	total, err := store.SumScanPoints(ctx, "att-1")
	if err != nil {
		t.Fatalf("SumScanPoints: %v", err)
	}
	if total != 70 {
		t.Errorf("total = %d, want 70", total)
	}
}
