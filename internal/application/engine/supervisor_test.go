package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

func newTestSupervisor(t *testing.T) (*MarketSupervisor, *fakeVenue, *memJournal, *fakeFeed) {
	t.Helper()

	venue := newFakeVenue()
	venue.setBook("tok-yes", 0.48, 0.52, 500)
	venue.setBook("tok-no", 0.46, 0.50, 500)

	feed := &fakeFeed{
		info:    domain.MarketInfo{LastActive: time.Now(), OpenInterest: 500, Increment: 0.01},
		trades:  tradesAt([2]float64{0.50, 100}, [2]float64{0.50, 100}),
		metrics: domain.MarketMetrics{Liquidity: 1000},
	}
	journal := newMemJournal()
	alloc := NewAllocationController(AllocationConfig{GlobalCap: 100, PerMarketCap: 50})
	fair := NewFairPriceModel(feed, 7*24*time.Hour, 2)

	s := NewMarketSupervisor(makeEngineMarket(), SupervisorConfig{
		Policy:      domain.PolicyImmediateCut,
		CallTimeout: time.Second,
		Risk:        RiskReactorConfig{CallTimeout: time.Second},
	}, venue, feed, journal, alloc, fair, nil)
	return s, venue, journal, feed
}

func TestSupervisor_TickQuotesLadder(t *testing.T) {
	s, venue, _, _ := newTestSupervisor(t)

	require.NoError(t, s.tick(context.Background(), time.Now().UTC()))

	// Per-market cap 50 at fair 0.50: two legs, 30/70 de 100 shares.
	require.Equal(t, 2, venue.placeCount())
	live := s.ladder.Ladder()
	assert.InDelta(t, 0.49, live.Leg(domain.RolePrimary).Price, 1e-9)
	assert.InDelta(t, 30, live.Leg(domain.RolePrimary).Size, 1e-9)
	assert.InDelta(t, 70, live.Leg(domain.RoleSecondary).Size, 1e-9)

	status := s.Status()
	assert.Equal(t, domain.RiskNeutral, status.State)
	assert.InDelta(t, 50, status.Allocated, 1e-9)
	assert.False(t, status.Paused)
}

func TestSupervisor_DuplicateEventJournaledOnce(t *testing.T) {
	s, venue, journal, _ := newTestSupervisor(t)
	require.NoError(t, s.tick(context.Background(), time.Now().UTC()))

	primary := s.ladder.Ladder().Leg(domain.RolePrimary)
	ev := domain.OrderEvent{
		VenueID:     primary.VenueID,
		ConditionID: "0xcond",
		FilledQty:   primary.Size,
		Status:      domain.EventFilled,
		Timestamp:   time.Now(),
	}

	require.NoError(t, s.handleEvent(context.Background(), ev))
	assert.Equal(t, 1, journal.fillCount())
	// Cascade: la secondary queda cancelada en el mismo paso y la policy
	// corre sobre la cantidad expuesta.
	assert.Equal(t, 1, venue.cancelCount())
	assert.Equal(t, domain.RiskLiquidating, s.risk.State())
	assert.InDelta(t, primary.Size, s.risk.Position().Quantity, 1e-9)
	placedAfterFill := venue.placeCount()

	// La redelivery no duplica ni cantidad, ni registro, ni órdenes.
	require.NoError(t, s.handleEvent(context.Background(), ev))
	assert.Equal(t, 1, journal.fillCount())
	assert.InDelta(t, primary.Size, s.risk.Position().Quantity, 1e-9)
	assert.Equal(t, placedAfterFill, venue.placeCount())
}

func TestSupervisor_FailedCascadeWaitsForAck(t *testing.T) {
	s, venue, _, _ := newTestSupervisor(t)
	require.NoError(t, s.tick(context.Background(), time.Now().UTC()))

	live := s.ladder.Ladder()
	primary := live.Leg(domain.RolePrimary)
	secondary := live.Leg(domain.RoleSecondary)

	// La cancel de la sibling falla: la leg sigue viva y el reactor espera
	// en Cascading en vez de exponer una cantidad que aún puede crecer.
	venue.cancelErr = errors.New("cancel failed")
	require.NoError(t, s.handleEvent(context.Background(), domain.OrderEvent{
		VenueID:   primary.VenueID,
		FilledQty: primary.Size,
		Status:    domain.EventFilled,
		Timestamp: time.Now(),
	}))
	require.Equal(t, domain.RiskCascading, s.risk.State())
	placedBefore := venue.placeCount()

	// El ack llega por el stream: el cascade se completa y la policy corre.
	venue.cancelErr = nil
	require.NoError(t, s.handleEvent(context.Background(), domain.OrderEvent{
		VenueID:   secondary.VenueID,
		Status:    domain.EventCancelled,
		Timestamp: time.Now(),
	}))

	assert.Equal(t, domain.RiskLiquidating, s.risk.State())
	assert.Equal(t, placedBefore+2, venue.placeCount())
}

func TestSupervisor_FailedCascadeRetriedOnTick(t *testing.T) {
	s, venue, _, _ := newTestSupervisor(t)
	require.NoError(t, s.tick(context.Background(), time.Now().UTC()))

	live := s.ladder.Ladder()
	primary := live.Leg(domain.RolePrimary)
	secondary := live.Leg(domain.RoleSecondary)

	venue.cancelErr = errors.New("cancel failed")
	require.NoError(t, s.handleEvent(context.Background(), domain.OrderEvent{
		VenueID:   primary.VenueID,
		FilledQty: primary.Size,
		Status:    domain.EventFilled,
		Timestamp: time.Now(),
	}))
	require.Equal(t, domain.RiskCascading, s.risk.State())

	// El venue se recupera: el siguiente tick reemite la cancel de la
	// sibling y el cascade completa sin depender de ningún evento.
	venue.cancelErr = nil
	require.NoError(t, s.tick(context.Background(), time.Now().UTC()))

	assert.Contains(t, venue.cancelled, secondary.VenueID)
	assert.False(t, s.ladder.SiblingOpen(primary.ID))
	assert.Equal(t, domain.RiskLiquidating, s.risk.State())
}

func TestSupervisor_CycleCloseRearmsLadder(t *testing.T) {
	s, venue, journal, _ := newTestSupervisor(t)
	require.NoError(t, s.tick(context.Background(), time.Now().UTC()))

	primary := s.ladder.Ladder().Leg(domain.RolePrimary)
	require.NoError(t, s.handleEvent(context.Background(), domain.OrderEvent{
		VenueID:   primary.VenueID,
		FilledQty: primary.Size,
		Status:    domain.EventFilled,
		Timestamp: time.Now(),
	}))
	require.Equal(t, domain.RiskLiquidating, s.risk.State())

	// Se rellenan las dos órdenes de de-risk del reactor.
	for id, ro := range copyRiskOrders(s.risk) {
		require.NoError(t, s.handleEvent(context.Background(), domain.OrderEvent{
			VenueID:   id,
			FilledQty: ro,
			Status:    domain.EventFilled,
			Timestamp: time.Now(),
		}))
	}

	assert.Equal(t, domain.RiskNeutral, s.risk.State())
	require.Len(t, journal.roundTrips, 1)
	assert.Equal(t, domain.PolicyImmediateCut, journal.roundTrips[0].Policy)

	// El siguiente tick vuelve a colocar el ladder desde cero.
	placedBefore := venue.placeCount()
	require.NoError(t, s.tick(context.Background(), time.Now().UTC()))
	assert.Equal(t, placedBefore+2, venue.placeCount())
}

func copyRiskOrders(r *RiskReactor) map[string]float64 {
	out := make(map[string]float64, len(r.orders))
	for id, ro := range r.orders {
		out[id] = ro.size
	}
	return out
}

func TestSupervisor_VolatilityCooldownStopsQuoting(t *testing.T) {
	s, venue, _, _ := newTestSupervisor(t)
	now := time.Now().UTC()
	require.NoError(t, s.tick(context.Background(), now))
	require.Equal(t, 2, venue.placeCount())

	// Midpoint salta de 0.50 a 0.60: cooldown y cancelación de quotes.
	venue.setBook("tok-yes", 0.58, 0.62, 500)
	require.NoError(t, s.tick(context.Background(), now.Add(15*time.Second)))

	assert.Equal(t, 2, venue.cancelCount())
	assert.Equal(t, 2, venue.placeCount())
	assert.True(t, s.Status().Paused)

	// Pasado el cooldown vuelve a cotizar.
	require.NoError(t, s.tick(context.Background(), now.Add(10*time.Minute)))
	assert.Equal(t, 4, venue.placeCount())
}

func TestSupervisor_InactiveMarketRetires(t *testing.T) {
	var retiredID string

	venue := newFakeVenue()
	venue.setBook("tok-yes", 0.48, 0.52, 500)
	feed := &fakeFeed{
		info: domain.MarketInfo{LastActive: time.Now().Add(-100 * time.Hour)},
	}
	journal := newMemJournal()
	alloc := NewAllocationController(AllocationConfig{GlobalCap: 100, PerMarketCap: 50})
	fair := NewFairPriceModel(feed, 7*24*time.Hour, 2)

	s := NewMarketSupervisor(makeEngineMarket(), SupervisorConfig{
		Policy:              domain.PolicyImmediateCut,
		InactivityThreshold: 72 * time.Hour,
		CallTimeout:         time.Second,
	}, venue, feed, journal, alloc, fair, func(id string) { retiredID = id })

	require.NoError(t, s.tick(context.Background(), time.Now().UTC()))

	assert.Equal(t, "0xcond", retiredID)
	// Un mercado retirado no coloca órdenes en ese tick.
	assert.Zero(t, venue.placeCount())
}
