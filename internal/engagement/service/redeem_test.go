package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
	"github.com/eventflowhq/eventflow/internal/testkit/engagementfakes"
)

func seedRedemption(store *engagementfakes.Store) {
	store.Attendees["att-1"] = domain.Attendee{ID: "att-1", Name: "Riley", Points: 100, LegendaryCount: 1}
	store.Rewards["rw-shirt"] = domain.Reward{ID: "rw-shirt", Name: "Event Shirt", CostPoints: 60, Stock: 5}
	store.Rewards["rw-vip"] = domain.Reward{ID: "rw-vip", Name: "VIP Pass", RequiresLegendary: true, Stock: 2}
	store.Rewards["rw-jacket"] = domain.Reward{ID: "rw-jacket", Name: "Crew Jacket", CostPoints: 500, Stock: 3}
	store.Rewards["rw-gone"] = domain.Reward{ID: "rw-gone", Name: "Poster", CostPoints: 10, Stock: 0}
}

func TestRedeemUnknownIDs(t *testing.T) {
	store := engagementfakes.NewStore()
	seedRedemption(store)
	svc := NewRedemptionService(store, nil)

	if _, err := svc.Redeem(context.Background(), "att-1", "rw-ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown reward: err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Redeem(context.Background(), "att-ghost", "rw-shirt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown attendee: err = %v, want ErrNotFound", err)
	}
}

func TestRedeemApproved(t *testing.T) {
	store := engagementfakes.NewStore()
	seedRedemption(store)
	svc := NewRedemptionService(store, nil)
	svc.newVoucher = func() string { return "voucher-7" }

	result, err := svc.Redeem(context.Background(), "att-1", "rw-shirt")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !result.Approved || result.Voucher != "voucher-7" {
		t.Fatalf("result = %+v, want approval with voucher-7", result)
	}
	if result.RemainingPoints != 40 || result.RemainingStock != 4 {
		t.Errorf("balances = %d points, %d stock, want 40 and 4", result.RemainingPoints, result.RemainingStock)
	}
	if result.RemainingLegendary != 1 {
		t.Errorf("legendary = %d, want untouched 1", result.RemainingLegendary)
	}
	if store.Attendees["att-1"].Points != 40 {
		t.Errorf("stored points = %d, want 40", store.Attendees["att-1"].Points)
	}
	if store.Rewards["rw-shirt"].Stock != 4 {
		t.Errorf("stored stock = %d, want 4", store.Rewards["rw-shirt"].Stock)
	}
}

func TestRedeemLegendaryGatedDebitsCredential(t *testing.T) {
	store := engagementfakes.NewStore()
	seedRedemption(store)
	svc := NewRedemptionService(store, nil)

	result, err := svc.Redeem(context.Background(), "att-1", "rw-vip")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !result.Approved {
		t.Fatalf("result = %+v, want approval", result)
	}
	attendee := store.Attendees["att-1"]
	if attendee.LegendaryCount != 0 || attendee.Points != 100 {
		t.Errorf("wallet = %d points / %d legendary, want points intact and credential spent",
			attendee.Points, attendee.LegendaryCount)
	}
}

func TestRedeemDeclinedLeavesStateUntouched(t *testing.T) {
	cases := []struct {
		name     string
		attendee domain.Attendee
		rewardID string
		code     string
	}{
		{
			name:     "insufficient points",
			attendee: domain.Attendee{ID: "att-1", Points: 100},
			rewardID: "rw-jacket",
			code:     DeclineInsufficientPoints,
		},
		{
			name:     "missing legendary",
			attendee: domain.Attendee{ID: "att-1", Points: 100},
			rewardID: "rw-vip",
			code:     DeclineMissingLegendary,
		},
		{
			name:     "out of stock",
			attendee: domain.Attendee{ID: "att-1", Points: 100},
			rewardID: "rw-gone",
			code:     DeclineOutOfStock,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := engagementfakes.NewStore()
			seedRedemption(store)
			store.Attendees["att-1"] = tc.attendee
			before := store.Rewards[tc.rewardID]
			svc := NewRedemptionService(store, nil)

			result, err := svc.Redeem(context.Background(), "att-1", tc.rewardID)
			if err != nil {
				t.Fatalf("Redeem: %v", err)
			}
			if result.Approved || result.Code != tc.code {
				t.Fatalf("result = %+v, want decline %s", result, tc.code)
			}
			if result.Reason == "" || result.Voucher != "" {
				t.Errorf("decline should carry a reason and no voucher: %+v", result)
			}
			if got := store.Attendees["att-1"]; got.Points != tc.attendee.Points || got.LegendaryCount != tc.attendee.LegendaryCount {
				t.Errorf("wallet mutated on decline: %+v", got)
			}
			if got := store.Rewards[tc.rewardID]; got.Stock != before.Stock {
				t.Errorf("stock mutated on decline: %d -> %d", before.Stock, got.Stock)
			}
		})
	}
}

// raceStore simulates losing the compare-and-decrement to a concurrent
// redemption after the stock read saw a positive value.
type raceStore struct {
	*engagementfakes.Store
}

func (raceStore) ConditionalDecrementStock(context.Context, string) (bool, error) {
	return false, nil
}

func TestRedeemRaceLost(t *testing.T) {
	store := engagementfakes.NewStore()
	seedRedemption(store)
	svc := NewRedemptionService(raceStore{store}, nil)

	result, err := svc.Redeem(context.Background(), "att-1", "rw-shirt")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if result.Approved || result.Code != DeclineRaceLost {
		t.Fatalf("result = %+v, want %s decline", result, DeclineRaceLost)
	}
	if store.Attendees["att-1"].Points != 100 {
		t.Errorf("wallet debited on a lost race: %d", store.Attendees["att-1"].Points)
	}
}

func TestRedeemConcurrentLastUnit(t *testing.T) {
	store := engagementfakes.NewStore()
	store.Attendees["att-1"] = domain.Attendee{ID: "att-1", Points: 1000}
	store.Attendees["att-2"] = domain.Attendee{ID: "att-2", Points: 1000}
	store.Rewards["rw-last"] = domain.Reward{ID: "rw-last", Name: "Last Print", CostPoints: 10, Stock: 1}
	svc := NewRedemptionService(store, nil)

	results := make([]RedemptionResult, 2)
	var wg sync.WaitGroup
	for i, attendee := range []string{"att-1", "att-2"} {
		wg.Add(1)
		go func(slot int, id string) {
			defer wg.Done()
			result, err := svc.Redeem(context.Background(), id, "rw-last")
			if err != nil {
				t.Errorf("Redeem %s: %v", id, err)
				return
			}
			results[slot] = result
		}(i, attendee)
	}
	wg.Wait()

	approved := 0
	for _, result := range results {
		if result.Approved {
			approved++
		}
	}
	if approved != 1 {
		t.Fatalf("approved = %d, want exactly 1", approved)
	}
	if store.Rewards["rw-last"].Stock != 0 {
		t.Errorf("stock = %d, want 0", store.Rewards["rw-last"].Stock)
	}
	debited := 0
	for _, id := range []string{"att-1", "att-2"} {
		if store.Attendees[id].Points == 990 {
			debited++
		}
	}
	if debited != 1 {
		t.Errorf("debited wallets = %d, want exactly 1", debited)
	}
}
