package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
	"github.com/alejandrodnm/polyladder/internal/ports"
)

const (
	defaultFairWindow = 7 * 24 * time.Hour
	defaultMinTrades  = 20
)

// Estimate es la salida del modelo de fair price.
type Estimate struct {
	Price      float64
	Confidence float64
	// Stale: the feed returned nothing usable and Price is a fallback
	// (book midpoint or last-known-good). Confidence is always 0 when set.
	// Callers must treat confidence 0 as liquidity-provision-only mode.
	Stale bool
}

// FairPriceModel derives a reference price independent of the current best
// bid/ask: the volume-weighted average of the trailing trade window, with
// confidence scaled down on sparse data. Pure read + compute, no side effects
// on the market.
type FairPriceModel struct {
	feed      ports.MarketDataFeed
	window    time.Duration
	minTrades int
}

// NewFairPriceModel crea el modelo sobre el feed dado.
func NewFairPriceModel(feed ports.MarketDataFeed, window time.Duration, minTrades int) *FairPriceModel {
	if window <= 0 {
		window = defaultFairWindow
	}
	if minTrades <= 0 {
		minTrades = defaultMinTrades
	}
	return &FairPriceModel{feed: feed, window: window, minTrades: minTrades}
}

// EstimateMarket computes (price, confidence) for a market. Missing or partial
// feed data never raises: it yields confidence 0 with the stale flag set and
// the best fallback price available.
func (m *FairPriceModel) EstimateMarket(ctx context.Context, market domain.Market) Estimate {
	now := time.Now()
	tokenID := market.YesToken().TokenID

	trades, err := m.feed.HistoricalTrades(ctx, tokenID, now.Add(-m.window), now)
	if err != nil {
		slog.Debug("fairprice: trades unavailable", "market", market.ConditionID, "err", err)
		return m.fallback(market)
	}

	var volume, notional float64
	for _, t := range trades {
		if t.Price <= 0 || t.Size <= 0 {
			continue
		}
		volume += t.Size
		notional += t.Price * t.Size
	}
	if volume == 0 {
		return m.fallback(market)
	}

	vwap := notional / volume

	confidence := float64(len(trades)) / float64(m.minTrades)
	if confidence > 1 {
		confidence = 1
	}

	// Aggregate liquidity is a secondary signal: thin books halve confidence.
	if metrics, merr := m.feed.AggregatedMetrics(ctx, market.ConditionID); merr == nil {
		if metrics.Liquidity <= 0 {
			confidence *= 0.5
		}
	} else {
		confidence *= 0.5
	}

	return Estimate{Price: vwap, Confidence: confidence}
}

// fallback devuelve el midpoint del book, o el último fair conocido.
func (m *FairPriceModel) fallback(market domain.Market) Estimate {
	if market.BestBid > 0 && market.BestAsk > 0 {
		return Estimate{Price: (market.BestBid + market.BestAsk) / 2, Stale: true}
	}
	return Estimate{Price: market.FairPrice, Stale: true}
}
