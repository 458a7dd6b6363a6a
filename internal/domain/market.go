package domain

import "time"

// Tier is the pool-size bucket of a market, derived from its price increment.
// Smaller pools use coarser increments, so a one-increment move is a larger
// relative loss and the ladder is split across two legs.
type Tier string

const (
	TierSmall  Tier = "SMALL"
	TierMedium Tier = "MEDIUM"
	TierLarge  Tier = "LARGE"
)

// TierBoundaries son los umbrales de tamaño de increment que separan tiers.
type TierBoundaries struct {
	SmallMin  float64 // increment >= SmallMin → Small
	MediumMin float64 // increment >= MediumMin (y < SmallMin) → Medium
}

// DefaultTierBoundaries matches Polymarket tick sizes: 0.01 ticks are coarse
// small pools, 0.001 medium, anything finer is a large pool.
func DefaultTierBoundaries() TierBoundaries {
	return TierBoundaries{SmallMin: 0.01, MediumMin: 0.001}
}

// TierFor buckets an increment size into a tier.
func TierFor(increment float64, b TierBoundaries) Tier {
	switch {
	case increment >= b.SmallMin:
		return TierSmall
	case increment >= b.MediumMin:
		return TierMedium
	default:
		return TierLarge
	}
}

// Market representa un mercado de predicción binario en Polymarket.
type Market struct {
	ConditionID string
	Question    string
	Tokens      [2]Token

	Increment  float64 // smallest price step (tick size)
	Tier       Tier
	RewardRate float64 // estimated USDC/day paid to liquidity providers

	FairPrice      float64
	FairConfidence float64
	FairStale      bool // feed had no usable data; FairPrice is last-known-good

	BestBid float64
	BestAsk float64

	LastActive   time.Time // last trade activity reported by the feed
	OpenInterest float64
}

// Token es uno de los dos lados del mercado (YES/NO).
type Token struct {
	TokenID string
	Outcome string // "Yes" | "No"
}

// YesToken devuelve el token YES del mercado.
func (m Market) YesToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "Yes" {
			return t
		}
	}
	return m.Tokens[0]
}

// NoToken devuelve el token NO del mercado.
func (m Market) NoToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "No" {
			return t
		}
	}
	return m.Tokens[1]
}

// ComplementOf returns the opposite-outcome token for a given token ID.
// The hedge policy uses it to neutralize exposure on the sibling outcome.
func (m Market) ComplementOf(tokenID string) Token {
	if m.Tokens[0].TokenID == tokenID {
		return m.Tokens[1]
	}
	return m.Tokens[0]
}

// InactiveFor devuelve cuánto tiempo lleva el mercado sin actividad.
// Devuelve 0 si el feed nunca reportó actividad.
func (m Market) InactiveFor(now time.Time) time.Duration {
	if m.LastActive.IsZero() {
		return 0
	}
	return now.Sub(m.LastActive)
}

// TruncateQuestion devuelve la pregunta del mercado truncada a maxLen caracteres.
// Si la pregunta está vacía usa los primeros caracteres del conditionID como fallback.
func TruncateQuestion(question, conditionID string, maxLen int) string {
	q := question
	if q == "" {
		if len(conditionID) > 20 {
			q = conditionID[:20] + "..."
		} else {
			q = conditionID
		}
	}
	if len(q) > maxLen {
		q = q[:maxLen-3] + "..."
	}
	return q
}
