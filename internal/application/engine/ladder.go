package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyladder/internal/domain"
	"github.com/alejandrodnm/polyladder/internal/ports"
)

const (
	placeRetryWait = 500 * time.Millisecond
	// sizeTolerance: relative size drift below this is not worth a replace.
	sizeTolerance = 0.01
)

// ReconcileResult cuenta las venue calls de una reconciliación.
// Una segunda llamada con el mismo ladder deseado debe devolver ceros.
type ReconcileResult struct {
	Placed    int
	Cancelled int
}

// LadderManager owns the live order legs for one market. It is the only
// writer of its ladder: the supervisor serializes every call, so no lock is
// needed here.
type LadderManager struct {
	market      domain.Market
	venue       ports.VenueGateway
	journal     ports.Journal
	ladder      domain.Ladder
	driftTol    float64
	callTimeout time.Duration
}

// NewLadderManager crea el manager para un mercado.
func NewLadderManager(market domain.Market, venue ports.VenueGateway, journal ports.Journal, driftTol float64, callTimeout time.Duration) *LadderManager {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &LadderManager{
		market:      market,
		venue:       venue,
		journal:     journal,
		ladder:      domain.Ladder{ConditionID: market.ConditionID},
		driftTol:    driftTol,
		callTimeout: callTimeout,
	}
}

// Ladder devuelve una copia del ladder vivo.
func (lm *LadderManager) Ladder() domain.Ladder {
	cp := domain.Ladder{ConditionID: lm.ladder.ConditionID}
	cp.Legs = append(cp.Legs, lm.ladder.Legs...)
	return cp
}

// Adopt restores previously journaled legs as the live ladder. Used on
// startup recovery, before the first reconcile.
func (lm *LadderManager) Adopt(legs []domain.OrderLeg) {
	lm.ladder = domain.Ladder{ConditionID: lm.market.ConditionID, Legs: legs}
}

// Reconcile diffs the desired ladder against the live legs: drifted or
// obsolete legs are cancelled, missing legs are placed. Idempotent — an
// unchanged desired ladder issues no venue calls.
func (lm *LadderManager) Reconcile(ctx context.Context, desired domain.Ladder) (ReconcileResult, error) {
	var res ReconcileResult

	for _, role := range []domain.LegRole{domain.RolePrimary, domain.RoleSecondary} {
		want := desired.Leg(role)
		live := lm.ladder.Leg(role)

		switch {
		case want == nil && live == nil:
			continue

		case want == nil:
			// Leg no longer desired (tier change, capital withdrawn).
			if live.Status.Open() && live.FilledQty == 0 {
				if err := lm.cancelLeg(ctx, live); err != nil {
					return res, err
				}
				res.Cancelled++
			}
			lm.removeLeg(role)

		case live == nil || !live.Status.Open():
			placed, err := lm.placeLeg(ctx, *want)
			if err != nil {
				return res, err
			}
			lm.removeLeg(role)
			lm.ladder.Legs = append(lm.ladder.Legs, placed)
			res.Placed++

		case lm.drifted(live, want):
			// Legs with fills in progress belong to the risk path; never
			// cancel them from the reconcile loop.
			if live.FilledQty > 0 {
				continue
			}
			if err := lm.cancelLeg(ctx, live); err != nil {
				return res, err
			}
			res.Cancelled++
			placed, err := lm.placeLeg(ctx, *want)
			if err != nil {
				lm.removeLeg(role)
				return res, err
			}
			lm.removeLeg(role)
			lm.ladder.Legs = append(lm.ladder.Legs, placed)
			res.Placed++
		}
	}

	return res, nil
}

func (lm *LadderManager) drifted(live, want *domain.OrderLeg) bool {
	if abs64(live.Price-want.Price) > lm.driftTol {
		return true
	}
	if live.Size > 0 && abs64(live.Size-want.Size)/live.Size > sizeTolerance {
		return true
	}
	return false
}

// ApplyEvent aplica un evento del venue a la leg correspondiente. Devuelve el
// fill incremental (nil si el evento es una redelivery o una cancel-ack) y si
// se disparó el cascade cancel de la sibling.
//
// Regla cascade: cuando una leg pasa a Partial/Filled mientras su sibling
// sigue Resting, la cancel de la sibling se emite en este mismo paso de
// proceso — nunca se deja exposición colgando en la otra leg.
func (lm *LadderManager) ApplyEvent(ctx context.Context, ev domain.OrderEvent) (fill *domain.FillRecord, cascaded bool, err error) {
	leg := lm.ladder.ByVenueID(ev.VenueID)
	if leg == nil {
		return nil, false, nil
	}

	switch ev.Status {
	case domain.EventCancelled:
		// A cancel ack can race a fill: quantity already matched stands.
		if leg.Status != domain.LegFilled {
			leg.Status = domain.LegCancelled
		}
		lm.journalUpdate(ctx, *leg)
		return nil, false, nil

	case domain.EventPartial, domain.EventFilled:
		incremental := ev.FilledQty - leg.FilledQty
		if incremental <= 0 {
			// Redelivery: cumulative qty did not advance.
			return nil, false, nil
		}

		wasCancelled := leg.Status == domain.LegCancelled

		leg.FilledQty = ev.FilledQty
		if ev.Status == domain.EventFilled || leg.Remaining() <= 0 {
			leg.Status = domain.LegFilled
		} else if !wasCancelled {
			leg.Status = domain.LegPartial
		}
		lm.journalUpdate(ctx, *leg)

		f := &domain.FillRecord{
			LegID:         leg.ID,
			VenueID:       leg.VenueID,
			ConditionID:   leg.ConditionID,
			Side:          leg.Side,
			Price:         leg.Price,
			Qty:           incremental,
			CumulativeQty: ev.FilledQty,
			Timestamp:     ev.Timestamp,
		}

		cascaded = lm.cascadeCancel(ctx, leg.ID)
		return f, cascaded, nil
	}

	return nil, false, nil
}

// cascadeCancel emite la cancel de la sibling si sigue abierta.
func (lm *LadderManager) cascadeCancel(ctx context.Context, filledLegID string) bool {
	sibling := lm.ladder.Sibling(filledLegID)
	if sibling == nil || !sibling.Status.Open() || sibling.FilledQty > 0 {
		return false
	}

	if err := lm.cancelLeg(ctx, sibling); err != nil {
		// RetryCascade re-issues this from the supervisor tick; the risk
		// state machine stays in Cascading until the sibling is dead.
		slog.Warn("ladder: cascade cancel failed",
			"market", lm.market.ConditionID, "leg", sibling.ID, "err", err)
		return false
	}
	slog.Info("ladder: cascade cancel issued",
		"market", domain.TruncateQuestion(lm.market.Question, lm.market.ConditionID, 40),
		"role", sibling.Role)
	return true
}

// RetryCascade re-emite la cancel de una sibling que sobrevivió a un cascade
// fallido. Devuelve true cuando ya no queda ninguna sibling abierta junto a
// una leg con fills.
func (lm *LadderManager) RetryCascade(ctx context.Context) (bool, error) {
	for i := range lm.ladder.Legs {
		leg := &lm.ladder.Legs[i]
		if leg.FilledQty <= 0 {
			continue
		}
		sibling := lm.ladder.Sibling(leg.ID)
		if sibling == nil || !sibling.Status.Open() || sibling.FilledQty > 0 {
			continue
		}
		if err := lm.cancelLeg(ctx, sibling); err != nil {
			return false, fmt.Errorf("ladder.RetryCascade: %w", err)
		}
		slog.Info("ladder: cascade cancel re-issued",
			"market", domain.TruncateQuestion(lm.market.Question, lm.market.ConditionID, 40),
			"role", sibling.Role)
	}
	return true, nil
}

// Owns reports whether a venue order ID belongs to one of the ladder legs.
func (lm *LadderManager) Owns(venueID string) bool {
	return venueID != "" && lm.ladder.ByVenueID(venueID) != nil
}

// UpdateMarket refresca el snapshot del mercado (increment, fair price).
func (lm *LadderManager) UpdateMarket(m domain.Market) {
	lm.market = m
}

// SiblingOpen devuelve true si la otra leg del ladder sigue abierta.
func (lm *LadderManager) SiblingOpen(legID string) bool {
	s := lm.ladder.Sibling(legID)
	return s != nil && s.Status.Open()
}

// CancelAll cancela todas las legs abiertas (pause/retire del mercado).
func (lm *LadderManager) CancelAll(ctx context.Context) error {
	for i := range lm.ladder.Legs {
		leg := &lm.ladder.Legs[i]
		if !leg.Status.Open() {
			continue
		}
		if err := lm.cancelLeg(ctx, leg); err != nil {
			return err
		}
	}
	return nil
}

// Rearm descarta las legs terminadas para el siguiente ciclo del ladder.
func (lm *LadderManager) Rearm() {
	lm.ladder = domain.Ladder{ConditionID: lm.market.ConditionID}
}

// placeLeg submits one leg with a bounded timeout and a single backoff retry
// for transient errors. Rejections are surfaced immediately; the supervisor
// pauses the market instead of retry-storming.
func (lm *LadderManager) placeLeg(ctx context.Context, leg domain.OrderLeg) (domain.OrderLeg, error) {
	leg.ID = uuid.New().String()
	leg.Status = domain.LegPending
	leg.PlacedAt = time.Now().UTC()

	req := domain.PlaceOrderRequest{
		TokenID:     leg.TokenID,
		ConditionID: leg.ConditionID,
		Side:        leg.Side,
		Price:       leg.Price,
		Size:        leg.Size,
	}

	placed, err := lm.placeWithRetry(ctx, req)
	if err != nil {
		leg.Status = domain.LegCancelled
		lm.journalUpdate(ctx, leg)
		return leg, fmt.Errorf("ladder.placeLeg %s: %w", leg.Role, err)
	}

	leg.VenueID = placed.VenueID
	leg.Status = domain.LegResting
	if lm.journal != nil {
		if err := lm.journal.SaveLeg(ctx, leg); err != nil {
			slog.Warn("ladder: error saving leg", "leg", leg.ID, "err", err)
		}
	}

	slog.Info("ladder: leg placed",
		"market", domain.TruncateQuestion(lm.market.Question, lm.market.ConditionID, 40),
		"role", leg.Role,
		"price", fmt.Sprintf("%.3f", leg.Price),
		"size", fmt.Sprintf("%.2f", leg.Size),
	)
	return leg, nil
}

func (lm *LadderManager) placeWithRetry(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	callCtx, cancel := context.WithTimeout(ctx, lm.callTimeout)
	placed, err := lm.venue.PlaceOrder(callCtx, req)
	cancel()
	if err == nil || !domain.IsTransient(err) {
		return placed, err
	}

	select {
	case <-time.After(placeRetryWait):
	case <-ctx.Done():
		return domain.PlacedOrder{}, ctx.Err()
	}

	callCtx, cancel = context.WithTimeout(ctx, lm.callTimeout)
	defer cancel()
	return lm.venue.PlaceOrder(callCtx, req)
}

func (lm *LadderManager) cancelLeg(ctx context.Context, leg *domain.OrderLeg) error {
	if leg.VenueID == "" {
		leg.Status = domain.LegCancelled
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, lm.callTimeout)
	err := lm.venue.CancelOrder(callCtx, leg.VenueID)
	cancel()
	if err != nil && domain.IsTransient(err) {
		select {
		case <-time.After(placeRetryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
		callCtx, cancel = context.WithTimeout(ctx, lm.callTimeout)
		err = lm.venue.CancelOrder(callCtx, leg.VenueID)
		cancel()
	}
	if err != nil {
		return fmt.Errorf("ladder.cancelLeg %s: %w", leg.Role, err)
	}

	leg.Status = domain.LegCancelled
	lm.journalUpdate(ctx, *leg)
	return nil
}

func (lm *LadderManager) removeLeg(role domain.LegRole) {
	legs := lm.ladder.Legs[:0]
	for _, l := range lm.ladder.Legs {
		if l.Role != role {
			legs = append(legs, l)
		}
	}
	lm.ladder.Legs = legs
}

func (lm *LadderManager) journalUpdate(ctx context.Context, leg domain.OrderLeg) {
	if lm.journal == nil {
		return
	}
	if err := lm.journal.UpdateLeg(ctx, leg); err != nil {
		slog.Warn("ladder: error updating leg", "leg", leg.ID, "err", err)
	}
}

func abs64(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
