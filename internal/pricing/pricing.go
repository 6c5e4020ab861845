// Package pricing holds the pure computation behind prices, shipping fees
// and loyalty. Nothing here touches storage, so every function is safe to
// call both for previews outside a transaction and for final figures inside
// one.
package pricing

import (
	"math"
	"sort"

	"vinylhub/internal/domain"
)

// Tiered markup over cost basis: cheap units carry a lower multiplier.
// All amounts are integer cents.
func SuggestedPrice(costCents int64) int64 {
	switch {
	case costCents <= 2000:
		return mulRound(costCents, 1.50)
	case costCents <= 5000:
		return mulRound(costCents, 1.60)
	case costCents <= 10000:
		return mulRound(costCents, 1.70)
	default:
		return mulRound(costCents, 1.80)
	}
}

var conditionCostMultiplier = map[domain.Condition]float64{
	domain.ConditionNew:    1.00,
	domain.ConditionMint:   0.95,
	domain.ConditionNM:     0.85,
	domain.ConditionVGPlus: 0.70,
	domain.ConditionVG:     0.55,
}

// ConditionAdjustedCost derives the cost basis of a unit from the base cost
// of its release. Grades without an explicit multiplier keep the base cost.
func ConditionAdjustedCost(baseCostCents int64, grade domain.Condition) int64 {
	mult, ok := conditionCostMultiplier[grade]
	if !ok {
		return baseCostCents
	}
	return mulRound(baseCostCents, mult)
}

// PointsEarned credits one point per whole currency unit spent.
func PointsEarned(amountCents int64) int64 {
	if amountCents < 0 {
		return 0
	}
	return amountCents / 100
}

// ShippingPolicy is the single canonical shipping-fee rule, configured at
// startup. FreeOverCents of 0 disables the free-shipping threshold.
type ShippingPolicy struct {
	FlatFeeCents  int64
	FreeOverCents int64
}

func ShippingFee(subtotalCents int64, fulfillment string, policy ShippingPolicy) int64 {
	if fulfillment != domain.FulfillmentShipping {
		return 0
	}
	if policy.FreeOverCents > 0 && subtotalCents >= policy.FreeOverCents {
		return 0
	}
	return policy.FlatFeeCents
}

// PickTier returns the highest tier whose threshold the balance meets or
// exceeds, ties broken by highest threshold. Returns nil when no tier
// qualifies.
func PickTier(tiers []domain.MembershipTier, points int64) *domain.MembershipTier {
	sorted := make([]domain.MembershipTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ThresholdPoints > sorted[j].ThresholdPoints
	})
	for i := range sorted {
		if points >= sorted[i].ThresholdPoints {
			return &sorted[i]
		}
	}
	return nil
}

// RecomputeTier reports the tier movement caused by adding pointsDelta to a
// balance. currentTierID and points must come from a snapshot read before
// any mutation in the same transaction; computing after the write hides the
// upgrade. Purchases only add points, so the result never ranks below the
// snapshot tier.
func RecomputeTier(tiers []domain.MembershipTier, currentTierID string, points int64, pointsDelta int64) (newTierID string, change domain.TierChange) {
	var current *domain.MembershipTier
	for i := range tiers {
		if tiers[i].ID == currentTierID {
			current = &tiers[i]
			break
		}
	}
	oldName := ""
	if current != nil {
		oldName = current.Name
	}

	next := PickTier(tiers, points+pointsDelta)
	if next == nil || (current != nil && next.ThresholdPoints < current.ThresholdPoints) {
		// A purchase never demotes.
		return currentTierID, domain.TierChange{OldTier: oldName, NewTier: oldName}
	}
	return next.ID, domain.TierChange{
		OldTier:  oldName,
		NewTier:  next.Name,
		Upgraded: next.ID != currentTierID,
	}
}

// DiscountedPrice applies a tier discount rate to a list price.
func DiscountedPrice(listCents int64, rate float64) int64 {
	if rate <= 0 {
		return listCents
	}
	if rate >= 1 {
		return 0
	}
	return mulRound(listCents, 1-rate)
}

func mulRound(cents int64, mult float64) int64 {
	return int64(math.Round(float64(cents) * mult))
}
