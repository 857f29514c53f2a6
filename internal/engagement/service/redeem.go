package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/metrics"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
)

// Decline codes carried by a RedemptionResult. Business-rule failures are
// results, not errors.
const (
	DeclineInsufficientPoints = "INSUFFICIENT_POINTS"
	DeclineMissingLegendary   = "MISSING_LEGENDARY"
	DeclineOutOfStock         = "OUT_OF_STOCK"
	DeclineRaceLost           = "RACE_LOST"
)

// RedemptionResult reports one redemption attempt. Declined attempts carry
// a code, a human-readable reason, and the attendee's unchanged balances.
type RedemptionResult struct {
	Approved           bool
	Code               string
	Reason             string
	Voucher            string
	RewardName         string
	RemainingPoints    int
	RemainingLegendary int
	RemainingStock     int
}

// RedemptionService exchanges wallet balances for finite-stock rewards. The
// stock decrement is a compare-and-decrement at the store, so concurrent
// claims of the last unit resolve to exactly one approval.
type RedemptionService struct {
	store   storage.Store
	metrics *metrics.Metrics

	newVoucher func() string
	logf       func(format string, args ...any)
}

// NewRedemptionService wires a RedemptionService. Metrics may be nil.
func NewRedemptionService(store storage.Store, m *metrics.Metrics) *RedemptionService {
	return &RedemptionService{
		store:      store,
		metrics:    m,
		newVoucher: uuid.NewString,
		logf:       log.Printf,
	}
}

// Redeem attempts to claim a reward for an attendee. Unknown ids are
// errors; every business-rule failure is a declined result. The attendee is
// debited only after the stock decrement is confirmed, never before.
func (s *RedemptionService) Redeem(ctx context.Context, attendeeID, rewardID string) (RedemptionResult, error) {
	ctx, span := tracer.Start(ctx, "engagement.Redeem",
		trace.WithAttributes(attribute.String("reward.id", rewardID)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return RedemptionResult{}, err
	}

	reward, err := s.store.FindReward(ctx, rewardID)
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("resolve reward: %w", err)
	}
	attendee, err := s.store.FindAttendee(ctx, attendeeID)
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("resolve attendee: %w", err)
	}

	if reward.RequiresLegendary {
		if attendee.LegendaryCount < 1 {
			return s.declined(reward, attendee, DeclineMissingLegendary,
				fmt.Sprintf("%s requires a legendary collectible", reward.Name)), nil
		}
	} else if attendee.Points < reward.CostPoints {
		return s.declined(reward, attendee, DeclineInsufficientPoints,
			fmt.Sprintf("%s costs %d points, balance is %d", reward.Name, reward.CostPoints, attendee.Points)), nil
	}

	if reward.Stock <= 0 {
		return s.declined(reward, attendee, DeclineOutOfStock,
			fmt.Sprintf("%s is out of stock", reward.Name)), nil
	}

	granted, err := s.store.ConditionalDecrementStock(ctx, rewardID)
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("decrement stock: %w", err)
	}
	if !granted {
		// Another redemption claimed the last unit between the read and
		// the write. Balances are untouched.
		return s.declined(reward, attendee, DeclineRaceLost,
			fmt.Sprintf("%s sold out during checkout", reward.Name)), nil
	}

	debitPoints, debitLegendary := reward.CostPoints, 0
	if reward.RequiresLegendary {
		debitPoints, debitLegendary = 0, 1
	}
	if err := s.store.DebitAttendee(ctx, attendeeID, debitPoints, debitLegendary); err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			// A concurrent redemption drained the wallet after the
			// eligibility read. The unit already left stock; log the
			// mismatch and decline rather than go negative.
			s.logf("redeem %s/%s: wallet drained after stock decrement", attendeeID, rewardID)
			return s.declined(reward, attendee, DeclineInsufficientPoints,
				fmt.Sprintf("balance changed during checkout for %s", reward.Name)), nil
		}
		return RedemptionResult{}, fmt.Errorf("debit attendee: %w", err)
	}

	s.metrics.ObserveRedemption("approved")
	result := RedemptionResult{
		Approved:           true,
		Voucher:            s.newVoucher(),
		RewardName:         reward.Name,
		RemainingPoints:    attendee.Points - debitPoints,
		RemainingLegendary: attendee.LegendaryCount - debitLegendary,
		RemainingStock:     reward.Stock - 1,
	}
	if fresh, err := s.store.FindAttendee(ctx, attendeeID); err == nil {
		result.RemainingPoints = fresh.Points
		result.RemainingLegendary = fresh.LegendaryCount
	}
	if fresh, err := s.store.FindReward(ctx, rewardID); err == nil {
		result.RemainingStock = fresh.Stock
	}
	return result, nil
}

func (s *RedemptionService) declined(reward domain.Reward, attendee domain.Attendee, code, reason string) RedemptionResult {
	s.metrics.ObserveRedemption("declined")
	return RedemptionResult{
		Code:               code,
		Reason:             reason,
		RewardName:         reward.Name,
		RemainingPoints:    attendee.Points,
		RemainingLegendary: attendee.LegendaryCount,
		RemainingStock:     reward.Stock,
	}
}
