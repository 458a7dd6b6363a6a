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

func newTestLadder(t *testing.T) (*LadderManager, *fakeVenue, *memJournal) {
	t.Helper()
	venue := newFakeVenue()
	journal := newMemJournal()
	lm := NewLadderManager(makeEngineMarket(), venue, journal, 1e-9, time.Second)
	return lm, venue, journal
}

func desiredLadder(fair float64) domain.Ladder {
	return domain.PlanLadder(domain.PlanInput{
		Market:       makeEngineMarket(),
		FairPrice:    fair,
		CapitalShare: 50,
	})
}

func TestLadderManager_ReconcilePlacesBothLegs(t *testing.T) {
	lm, venue, journal := newTestLadder(t)

	res, err := lm.Reconcile(context.Background(), desiredLadder(0.50))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Placed)
	assert.Zero(t, res.Cancelled)
	assert.Equal(t, 2, venue.placeCount())
	assert.Len(t, journal.legs, 2)

	live := lm.Ladder()
	require.NotNil(t, live.Leg(domain.RolePrimary))
	require.NotNil(t, live.Leg(domain.RoleSecondary))
	assert.Equal(t, domain.LegResting, live.Leg(domain.RolePrimary).Status)
}

func TestLadderManager_ReconcileIdempotent(t *testing.T) {
	lm, venue, _ := newTestLadder(t)

	_, err := lm.Reconcile(context.Background(), desiredLadder(0.50))
	require.NoError(t, err)

	// Mismo ladder deseado: cero venue calls.
	res, err := lm.Reconcile(context.Background(), desiredLadder(0.50))
	require.NoError(t, err)
	assert.Zero(t, res.Placed)
	assert.Zero(t, res.Cancelled)
	assert.Equal(t, 2, venue.placeCount())
	assert.Zero(t, venue.cancelCount())
}

func TestLadderManager_ReconcileReplacesDriftedLegs(t *testing.T) {
	lm, venue, _ := newTestLadder(t)

	_, err := lm.Reconcile(context.Background(), desiredLadder(0.50))
	require.NoError(t, err)

	res, err := lm.Reconcile(context.Background(), desiredLadder(0.54))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cancelled)
	assert.Equal(t, 2, res.Placed)

	live := lm.Ladder()
	assert.InDelta(t, 0.53, live.Leg(domain.RolePrimary).Price, 1e-9)
	assert.InDelta(t, 0.52, live.Leg(domain.RoleSecondary).Price, 1e-9)
	assert.Equal(t, 2, venue.cancelCount())
}

func TestLadderManager_FillCascadesSiblingCancel(t *testing.T) {
	lm, venue, _ := newTestLadder(t)

	_, err := lm.Reconcile(context.Background(), desiredLadder(0.50))
	require.NoError(t, err)

	primary := lm.Ladder().Leg(domain.RolePrimary)
	secondary := lm.Ladder().Leg(domain.RoleSecondary)

	fill, cascaded, err := lm.ApplyEvent(context.Background(), domain.OrderEvent{
		VenueID:   primary.VenueID,
		FilledQty: primary.Size,
		Status:    domain.EventFilled,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NotNil(t, fill)
	assert.True(t, cascaded)
	assert.InDelta(t, primary.Size, fill.Qty, 1e-9)
	assert.Equal(t, []string{secondary.VenueID}, venue.cancelled)
	assert.False(t, lm.SiblingOpen(fill.LegID))
}

func TestLadderManager_RedeliveryProducesNoFill(t *testing.T) {
	lm, _, _ := newTestLadder(t)

	_, err := lm.Reconcile(context.Background(), desiredLadder(0.50))
	require.NoError(t, err)
	primary := lm.Ladder().Leg(domain.RolePrimary)

	ev := domain.OrderEvent{
		VenueID:   primary.VenueID,
		FilledQty: 10,
		Status:    domain.EventPartial,
		Timestamp: time.Now(),
	}

	fill, _, err := lm.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	require.NotNil(t, fill)
	assert.InDelta(t, 10, fill.Qty, 1e-9)

	// Redelivery: la cantidad acumulada no avanza.
	fill, _, err = lm.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Nil(t, fill)
}

func TestLadderManager_CancelAckAfterFillKeepsFilled(t *testing.T) {
	lm, _, _ := newTestLadder(t)

	_, err := lm.Reconcile(context.Background(), desiredLadder(0.50))
	require.NoError(t, err)
	primary := lm.Ladder().Leg(domain.RolePrimary)

	_, _, err = lm.ApplyEvent(context.Background(), domain.OrderEvent{
		VenueID:   primary.VenueID,
		FilledQty: primary.Size,
		Status:    domain.EventFilled,
	})
	require.NoError(t, err)

	// El ack de una cancel que corrió contra el fill no borra la cantidad.
	fill, _, err := lm.ApplyEvent(context.Background(), domain.OrderEvent{
		VenueID: primary.VenueID,
		Status:  domain.EventCancelled,
	})
	require.NoError(t, err)
	assert.Nil(t, fill)
	assert.Equal(t, domain.LegFilled, lm.Ladder().Leg(domain.RolePrimary).Status)
}

func TestLadderManager_UnknownOrderIgnored(t *testing.T) {
	lm, _, _ := newTestLadder(t)

	fill, cascaded, err := lm.ApplyEvent(context.Background(), domain.OrderEvent{
		VenueID:   "ord-unknown",
		FilledQty: 5,
		Status:    domain.EventFilled,
	})
	require.NoError(t, err)
	assert.Nil(t, fill)
	assert.False(t, cascaded)
	assert.False(t, lm.Owns("ord-unknown"))
}

func TestLadderManager_TransientPlaceRetried(t *testing.T) {
	lm, venue, _ := newTestLadder(t)
	venue.placeErrs = []error{
		&domain.TransientVenueError{Op: "place", Err: errors.New("503")},
	}

	res, err := lm.Reconcile(context.Background(), desiredLadder(0.50))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Placed)
	assert.Equal(t, 2, venue.placeCount())
}

func TestLadderManager_RejectionSurfaces(t *testing.T) {
	lm, venue, _ := newTestLadder(t)
	venue.placeErrs = []error{
		&domain.RejectedOrderError{Reason: "not enough balance"},
	}

	_, err := lm.Reconcile(context.Background(), desiredLadder(0.50))
	require.Error(t, err)

	var rejected *domain.RejectedOrderError
	assert.True(t, errors.As(err, &rejected))
}
