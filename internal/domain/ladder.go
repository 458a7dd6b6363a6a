package domain

// ladder.go — ladder planning: pure computation, no venue calls.
//
// Small/Medium pools split total size 30/70 across two price steps: the first
// step is the most volatile, so it carries less size; the second step is one
// increment cheaper and carries the bulk, biasing average cost down if both
// fill. Large pools use fine increments where the split buys nothing, so they
// rest a single full-size leg.

import "math"

// DefaultSplitPrimary is the share of total size on the Primary leg.
const DefaultSplitPrimary = 0.30

// PlanInput agrupa los parámetros del planner para un mercado.
type PlanInput struct {
	Market       Market
	FairPrice    float64
	CapitalShare float64 // USDC granted by the allocation controller
	SplitPrimary float64 // 0 → DefaultSplitPrimary
	// MaxIncentiveSpread clamps leg prices into the reward-qualifying band
	// below the midpoint. 0 disables the clamp.
	MaxIncentiveSpread float64
	// Widen moves every leg one extra increment away from fair price.
	// Set when the fair price is stale and a safety margin is needed.
	Widen bool
}

// PlanLadder computes the target ladder for a market. It never places orders;
// the LadderManager reconciles the result against live legs.
//
// Devuelve un ladder sin legs si no hay capital o el precio no deja sitio
// para un bid positivo.
func PlanLadder(in PlanInput) Ladder {
	ladder := Ladder{ConditionID: in.Market.ConditionID}

	inc := in.Market.Increment
	if inc <= 0 || in.FairPrice <= 0 || in.CapitalShare <= 0 {
		return ladder
	}

	split := in.SplitPrimary
	if split <= 0 || split >= 1 {
		split = DefaultSplitPrimary
	}

	offset := 1
	if in.Widen {
		offset = 2
	}

	totalSize := in.CapitalShare / in.FairPrice
	tokenID := in.Market.YesToken().TokenID

	primaryPrice := snapToIncrement(in.FairPrice-float64(offset)*inc, inc)
	secondaryPrice := snapToIncrement(in.FairPrice-float64(offset+1)*inc, inc)

	if in.MaxIncentiveSpread > 0 {
		floor := snapToIncrement(in.FairPrice-in.MaxIncentiveSpread, inc)
		primaryPrice = math.Max(primaryPrice, floor)
		secondaryPrice = math.Max(secondaryPrice, floor)
	}

	if primaryPrice <= 0 {
		return ladder
	}

	if in.Market.Tier == TierLarge {
		ladder.Legs = append(ladder.Legs, OrderLeg{
			ConditionID: in.Market.ConditionID,
			TokenID:     tokenID,
			Role:        RolePrimary,
			Side:        SideBuy,
			Price:       primaryPrice,
			Size:        totalSize,
			Status:      LegPending,
		})
		return ladder
	}

	// fair − 2 increments at or below zero: no room for the secondary step,
	// all size routes to the primary.
	if secondaryPrice <= 0 {
		ladder.Legs = append(ladder.Legs, OrderLeg{
			ConditionID: in.Market.ConditionID,
			TokenID:     tokenID,
			Role:        RolePrimary,
			Side:        SideBuy,
			Price:       primaryPrice,
			Size:        totalSize,
			Status:      LegPending,
		})
		return ladder
	}

	ladder.Legs = append(ladder.Legs,
		OrderLeg{
			ConditionID: in.Market.ConditionID,
			TokenID:     tokenID,
			Role:        RolePrimary,
			Side:        SideBuy,
			Price:       primaryPrice,
			Size:        totalSize * split,
			Status:      LegPending,
		},
		OrderLeg{
			ConditionID: in.Market.ConditionID,
			TokenID:     tokenID,
			Role:        RoleSecondary,
			Side:        SideBuy,
			Price:       secondaryPrice,
			Size:        totalSize * (1 - split),
			Status:      LegPending,
		},
	)
	return ladder
}

// snapToIncrement redondea un precio al múltiplo de increment más cercano.
func snapToIncrement(price, inc float64) float64 {
	if inc <= 0 {
		return price
	}
	steps := math.Round(price / inc)
	return math.Round(steps*inc*1e9) / 1e9
}
