package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

type fakeStream struct {
	mu         sync.Mutex
	subscribed []string
	events     chan domain.OrderEvent
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan domain.OrderEvent, 16)}
}

func (s *fakeStream) Subscribe(conditionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, conditionIDs...)
	return nil
}

func (s *fakeStream) Events() <-chan domain.OrderEvent { return s.events }

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][]domain.MarketStatus
}

func (n *fakeNotifier) Notify(_ context.Context, statuses []domain.MarketStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, statuses)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeVenue, *memJournal, *fakeStream) {
	t.Helper()

	venue := newFakeVenue()
	venue.setBook("tok-yes", 0.48, 0.52, 500)
	venue.setBook("tok-no", 0.46, 0.50, 500)
	journal := newMemJournal()
	stream := newFakeStream()
	feed := &fakeFeed{
		info:    domain.MarketInfo{LastActive: time.Now(), OpenInterest: 500},
		trades:  tradesAt([2]float64{0.50, 100}, [2]float64{0.50, 100}),
		metrics: domain.MarketMetrics{Liquidity: 1000},
	}

	eng := NewEngine(EngineConfig{
		Allocation: AllocationConfig{GlobalCap: 100, PerMarketCap: 50},
		Supervisor: SupervisorConfig{
			TickInterval: time.Hour, // only the startup tick runs in tests
			CallTimeout:  time.Second,
		},
		FairMinTrades: 2,
	}, venue, feed, stream, journal, &fakeNotifier{})
	return eng, venue, journal, stream
}

func TestEngine_ActivateSubscribesAndDeactivateStops(t *testing.T) {
	eng, _, _, stream := newTestEngine(t)
	market := makeEngineMarket()

	require.NoError(t, eng.Activate(context.Background(), market, domain.PolicyImmediateCut))
	assert.Equal(t, []string{"0xcond"}, stream.subscribed)

	// Activar dos veces el mismo mercado es un error.
	err := eng.Activate(context.Background(), market, domain.PolicyImmediateCut)
	require.Error(t, err)

	require.NoError(t, eng.Deactivate("0xcond"))
	assert.Zero(t, eng.Allocator().TotalGranted())

	err = eng.Deactivate("0xcond")
	require.Error(t, err)
}

func TestEngine_ActivateRecoversJournaledLegs(t *testing.T) {
	eng, venue, journal, _ := newTestEngine(t)
	ctx := context.Background()

	// Dos legs abiertas en el journal; el venue solo conoce una.
	liveLeg := domain.OrderLeg{
		ID: "leg-live", VenueID: "ord-live", ConditionID: "0xcond",
		TokenID: "tok-yes", Role: domain.RolePrimary, Side: domain.SideBuy,
		Price: 0.49, Size: 30, Status: domain.LegResting,
	}
	deadLeg := domain.OrderLeg{
		ID: "leg-dead", VenueID: "ord-dead", ConditionID: "0xcond",
		TokenID: "tok-yes", Role: domain.RoleSecondary, Side: domain.SideBuy,
		Price: 0.48, Size: 70, Status: domain.LegResting,
	}
	require.NoError(t, journal.SaveLeg(ctx, liveLeg))
	require.NoError(t, journal.SaveLeg(ctx, deadLeg))

	venue.open = []domain.OpenOrder{{
		VenueID: "ord-live", TokenID: "tok-yes", Side: domain.SideBuy,
		Price: 0.49, Size: 30, MatchedQty: 5,
	}}

	require.NoError(t, eng.Activate(ctx, makeEngineMarket(), domain.PolicyImmediateCut))
	require.NoError(t, eng.Deactivate("0xcond"))

	// La leg muerta queda cerrada en el journal; la viva se adopta con su
	// cantidad matcheada.
	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Equal(t, domain.LegCancelled, journal.legs["leg-dead"].Status)
}

func TestEngine_WriteSummaryAggregatesRecentTrips(t *testing.T) {
	eng, _, journal, _ := newTestEngine(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, journal.SaveRoundTrip(ctx, domain.RoundTrip{
		ConditionID: "0xcond", Policy: domain.PolicyImmediateCut,
		RealizedPnL: -0.3, ClosedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, journal.SaveRoundTrip(ctx, domain.RoundTrip{
		ConditionID: "0xcond", Policy: domain.PolicyHedge,
		RealizedPnL: 0.8, ClosedAt: now.Add(-2 * time.Hour),
	}))
	// Fuera de la ventana del resumen.
	require.NoError(t, journal.SaveRoundTrip(ctx, domain.RoundTrip{
		ConditionID: "0xcond", Policy: domain.PolicyHedge,
		RealizedPnL: 5, ClosedAt: now.Add(-48 * time.Hour),
	}))

	// Actividad reciente: dos legs (una cancelada) y un fill.
	require.NoError(t, journal.SaveLeg(ctx, domain.OrderLeg{
		ID: "leg-1", ConditionID: "0xcond", Status: domain.LegResting,
		PlacedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, journal.SaveLeg(ctx, domain.OrderLeg{
		ID: "leg-2", ConditionID: "0xcond", Status: domain.LegCancelled,
		PlacedAt: now.Add(-time.Hour),
	}))
	_, err := journal.SaveFill(ctx, domain.FillRecord{
		VenueID: "ord-1", ConditionID: "0xcond",
		Qty: 10, CumulativeQty: 10, Timestamp: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, eng.writeSummary(ctx))

	require.Len(t, journal.summaries, 1)
	summary := journal.summaries[0]
	assert.Equal(t, 2, summary.RoundTrips)
	assert.InDelta(t, 0.5, summary.RealizedPnL, 1e-9)
	assert.Equal(t, 2, summary.LegsPlaced)
	assert.Equal(t, 1, summary.LegsCancelled)
	assert.Equal(t, 1, summary.Fills)
}

func TestEngine_StatusesSortedByAllocation(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	m1 := makeEngineMarket()
	m2 := makeEngineMarket()
	m2.ConditionID = "0xother"

	require.NoError(t, eng.Activate(ctx, m1, domain.PolicyImmediateCut))
	require.NoError(t, eng.Activate(ctx, m2, domain.PolicyHedge))

	// El primer mercado agota el global cap (50) y el segundo recibe el resto.
	assert.Eventually(t, func() bool {
		statuses := eng.Statuses()
		if len(statuses) != 2 {
			return false
		}
		return statuses[0].Allocated >= statuses[1].Allocated && statuses[0].Allocated > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, eng.Deactivate("0xcond"))
	require.NoError(t, eng.Deactivate("0xother"))
}
