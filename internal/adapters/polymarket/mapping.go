package polymarket

import (
	"sort"
	"strconv"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

// mapSamplingMarkets convierte los DTOs del CLOB a domain.Market, aplicando
// las boundaries de tier sobre el tick size.
func mapSamplingMarkets(raw []samplingMarket, boundaries domain.TierBoundaries) []domain.Market {
	markets := make([]domain.Market, 0, len(raw))
	for _, r := range raw {
		if !r.Active || r.Closed {
			continue
		}
		markets = append(markets, mapSamplingMarket(r, boundaries))
	}
	return markets
}

// mapSamplingMarket convierte un samplingMarket DTO a domain.Market.
func mapSamplingMarket(r samplingMarket, boundaries domain.TierBoundaries) domain.Market {
	increment := 0.01
	if v, err := r.MinimumTickSize.Float64(); err == nil && v > 0 {
		increment = v
	}

	m := domain.Market{
		ConditionID: r.ConditionID,
		Question:    r.Question,
		Increment:   increment,
		Tier:        domain.TierFor(increment, boundaries),
	}

	for _, rate := range r.Rewards.Rates {
		m.RewardRate += rate.RewardsDailyRate
	}

	for i, t := range r.Tokens {
		if i >= 2 {
			break
		}
		m.Tokens[i] = domain.Token{
			TokenID: t.TokenID,
			Outcome: t.Outcome,
		}
	}

	return m
}

// mapOrderBook convierte la respuesta de GET /book a domain.OrderBook.
func mapOrderBook(r orderBookResponse) domain.OrderBook {
	return domain.OrderBook{
		TokenID: r.AssetID,
		Bids:    mapBookEntries(r.Bids, false),
		Asks:    mapBookEntries(r.Asks, true),
	}
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})

	return entries
}
