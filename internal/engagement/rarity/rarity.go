// Package rarity maps crowd density to a collectible drop. Low density means
// the stall is quiet, so the engine steers traffic there with a rare flash
// drop worth more points.
package rarity

import (
	"math/rand"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
)

// Defaults per the reward policy.
const (
	DefaultThreshold    = 5
	DefaultRarePoints   = 50
	DefaultCommonPoints = 10
)

// Drop is a resolved reward for one scan.
type Drop struct {
	Collectible domain.Collectible
	Tier        domain.Tier
	Points      int
	Flash       bool
}

// Resolver picks a drop from density. Pure apart from the injected
// randomness, so tests can pin the draw.
type Resolver struct {
	Threshold    int
	RarePoints   int
	CommonPoints int
	CommonPool   []domain.Collectible
	RarePool     []domain.Collectible

	// Intn returns a uniform value in [0, n). Defaults to math/rand.
	Intn func(n int) int
}

// NewResolver creates a Resolver with the default thresholds and pools.
func NewResolver(commonPool, rarePool []domain.Collectible) *Resolver {
	return &Resolver{
		Threshold:    DefaultThreshold,
		RarePoints:   DefaultRarePoints,
		CommonPoints: DefaultCommonPoints,
		CommonPool:   commonPool,
		RarePool:     rarePool,
		Intn:         rand.Intn,
	}
}

// Resolve maps a short-window density to a drop: density below the threshold
// yields a rare flash drop, anything else a common one.
func (r *Resolver) Resolve(density int) Drop {
	if density < r.Threshold {
		return Drop{
			Collectible: r.draw(r.RarePool, domain.TierRare),
			Tier:        domain.TierRare,
			Points:      r.RarePoints,
			Flash:       true,
		}
	}
	return Drop{
		Collectible: r.draw(r.CommonPool, domain.TierCommon),
		Tier:        domain.TierCommon,
		Points:      r.CommonPoints,
		Flash:       false,
	}
}

func (r *Resolver) draw(pool []domain.Collectible, tier domain.Tier) domain.Collectible {
	if len(pool) == 0 {
		// Empty pool is a misconfiguration; fall back to a placeholder
		// rather than failing the scan.
		return domain.Collectible{Name: "Mystery Token", Category: "token", Rarity: tier}
	}
	intn := r.Intn
	if intn == nil {
		intn = rand.Intn
	}
	return pool[intn(len(pool))]
}
