package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

// fakeVenue registra todas las llamadas al gateway para los asserts.
type fakeVenue struct {
	mu        sync.Mutex
	books     map[string]domain.OrderBook
	placed    []domain.PlaceOrderRequest
	placedIDs []string
	cancelled []string
	open      []domain.OpenOrder
	placeErrs []error // popped one per PlaceOrder call; nil = success
	cancelErr error
	nextID    int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{books: make(map[string]domain.OrderBook)}
}

func (v *fakeVenue) setBook(tokenID string, bid, ask, size float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[tokenID] = domain.OrderBook{
		TokenID: tokenID,
		Bids:    []domain.BookEntry{{Price: bid, Size: size}},
		Asks:    []domain.BookEntry{{Price: ask, Size: size}},
	}
}

func (v *fakeVenue) FetchOrderBook(_ context.Context, tokenID string) (domain.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.books[tokenID], nil
}

func (v *fakeVenue) PlaceOrder(_ context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.placeErrs) > 0 {
		err := v.placeErrs[0]
		v.placeErrs = v.placeErrs[1:]
		if err != nil {
			return domain.PlacedOrder{}, err
		}
	}

	v.nextID++
	id := fmt.Sprintf("ord-%d", v.nextID)
	v.placed = append(v.placed, req)
	v.placedIDs = append(v.placedIDs, id)
	return domain.PlacedOrder{VenueID: id, Status: "LIVE"}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, venueID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelErr != nil {
		return v.cancelErr
	}
	v.cancelled = append(v.cancelled, venueID)
	return nil
}

func (v *fakeVenue) OpenOrders(_ context.Context) ([]domain.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open, nil
}

func (v *fakeVenue) placeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.placed)
}

func (v *fakeVenue) cancelCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cancelled)
}

// memJournal es un Journal en memoria con el mismo dedup por
// (venue_id, cumulative_qty) que la implementación SQLite.
type memJournal struct {
	mu         sync.Mutex
	legs       map[string]domain.OrderLeg
	fills      []domain.FillRecord
	seen       map[string]bool
	roundTrips []domain.RoundTrip
	summaries  []domain.DailySummary
}

func newMemJournal() *memJournal {
	return &memJournal{
		legs: make(map[string]domain.OrderLeg),
		seen: make(map[string]bool),
	}
}

func (j *memJournal) ApplySchema(context.Context) error { return nil }

func (j *memJournal) SaveLeg(_ context.Context, leg domain.OrderLeg) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.legs[leg.ID] = leg
	return nil
}

func (j *memJournal) UpdateLeg(_ context.Context, leg domain.OrderLeg) error {
	return j.SaveLeg(context.Background(), leg)
}

func (j *memJournal) OpenLegs(context.Context) ([]domain.OrderLeg, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.OrderLeg
	for _, l := range j.legs {
		if l.Status.Open() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (j *memJournal) SaveFill(_ context.Context, fill domain.FillRecord) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := fmt.Sprintf("%s|%.9f", fill.VenueID, fill.CumulativeQty)
	if j.seen[key] {
		return false, nil
	}
	j.seen[key] = true
	j.fills = append(j.fills, fill)
	return true, nil
}

func (j *memJournal) FillsByMarket(_ context.Context, conditionID string) ([]domain.FillRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.FillRecord
	for _, f := range j.fills {
		if f.ConditionID == conditionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (j *memJournal) SaveRoundTrip(_ context.Context, rt domain.RoundTrip) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.roundTrips = append(j.roundTrips, rt)
	return nil
}

func (j *memJournal) SaveDailySummary(_ context.Context, d domain.DailySummary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.summaries = append(j.summaries, d)
	return nil
}

func (j *memJournal) RoundTrips(context.Context) ([]domain.RoundTrip, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.RoundTrip(nil), j.roundTrips...), nil
}

func (j *memJournal) ActivityCounts(_ context.Context, since time.Time) (domain.ActivityCounts, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var counts domain.ActivityCounts
	for _, l := range j.legs {
		if l.PlacedAt.Before(since) {
			continue
		}
		counts.LegsPlaced++
		if l.Status == domain.LegCancelled {
			counts.LegsCancelled++
		}
	}
	for _, f := range j.fills {
		if !f.Timestamp.Before(since) {
			counts.Fills++
		}
	}
	return counts, nil
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) fillCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.fills)
}

// fakeFeed devuelve datos fijos para el modelo de fair price.
type fakeFeed struct {
	trades     []domain.Trade
	tradesErr  error
	metrics    domain.MarketMetrics
	metricsErr error
	info       domain.MarketInfo
	infoErr    error
}

func (f *fakeFeed) MarketInfo(context.Context, string) (domain.MarketInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeFeed) HistoricalTrades(context.Context, string, time.Time, time.Time) ([]domain.Trade, error) {
	return f.trades, f.tradesErr
}

func (f *fakeFeed) AggregatedMetrics(context.Context, string) (domain.MarketMetrics, error) {
	return f.metrics, f.metricsErr
}

func makeEngineMarket() domain.Market {
	return domain.Market{
		ConditionID: "0xcond",
		Question:    "Will the test pass?",
		Tokens: [2]domain.Token{
			{TokenID: "tok-yes", Outcome: "Yes"},
			{TokenID: "tok-no", Outcome: "No"},
		},
		Increment: 0.01,
		Tier:      domain.TierSmall,
		FairPrice: 0.50,
	}
}
