package engine

// risk.go — per-market fill-reaction state machine.
//
// Neutral → Cascading → Exposed → {Liquidating | Hedged → Unwinding} → Closed.
// Transitions fire only on venue events (fills, cancel acks) and on the
// supervisor tick for timeout escalation. Every branch is total: there is a
// defined action for every state/event combination, including race fills for
// orders already believed cancelled.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
	"github.com/alejandrodnm/polyladder/internal/ports"
)

const (
	// cutFraction is the share of an exposed position sold at market by the
	// immediate-cut policy; the remainder rests at the best ask.
	cutFraction = 0.5
)

type riskPurpose string

const (
	purposeCutMarket   riskPurpose = "cut_market"   // aggressive sell, half position
	purposeCutRest     riskPurpose = "cut_rest"     // resting ask, other half
	purposeHedge       riskPurpose = "hedge"        // complement buy
	purposeUnwindMain  riskPurpose = "unwind_main"  // passive ask, main token
	purposeUnwindHedge riskPurpose = "unwind_hedge" // passive ask, hedge token
)

// riskOrder es una orden de de-risking viva, indexada por venue ID.
type riskOrder struct {
	venueID   string
	tokenID   string
	side      domain.Side
	price     float64
	size      float64
	filledQty float64
	purpose   riskPurpose
	open      bool
	placedAt  time.Time
}

// RiskReactorConfig controla tiempos y offsets del reactor.
type RiskReactorConfig struct {
	CallTimeout   time.Duration
	UnwindTimeout time.Duration // resting unwind asks escalate to market after this
	// UnwindOffsetIncrements: how many increments above the current price the
	// passive unwind asks rest.
	UnwindOffsetIncrements int
}

// RiskReactor decides, per fill, whether to cascade-cancel, liquidate in a
// 50/50 split, or hedge-and-unwind. One instance per market, driven only by
// the market's supervisor, so state needs no lock.
type RiskReactor struct {
	market    domain.Market
	policy    domain.Policy
	venue     ports.VenueGateway
	cfg       RiskReactorConfig
	state     domain.RiskState
	position  domain.Position // main (YES) outcome token
	hedgePos  domain.Position // complementary outcome token
	orders    map[string]*riskOrder
	realized  float64
	cycleQty  float64 // exposed quantity at the moment the policy ran
	cycleCost float64
	openedAt  time.Time
	unwindAt  time.Time
}

// NewRiskReactor crea el reactor con la policy elegida en la activación.
func NewRiskReactor(market domain.Market, policy domain.Policy, venue ports.VenueGateway, cfg RiskReactorConfig) *RiskReactor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.UnwindTimeout <= 0 {
		cfg.UnwindTimeout = 30 * time.Minute
	}
	if cfg.UnwindOffsetIncrements <= 0 {
		cfg.UnwindOffsetIncrements = 1
	}
	return &RiskReactor{
		market: market,
		policy: policy,
		venue:  venue,
		cfg:    cfg,
		state:  domain.RiskNeutral,
		orders: make(map[string]*riskOrder),
	}
}

// State devuelve el estado actual.
func (r *RiskReactor) State() domain.RiskState { return r.state }

// Position devuelve la posición neta del token principal.
func (r *RiskReactor) Position() domain.Position { return r.position }

// RealizedPnL devuelve el PnL realizado acumulado de los ciclos de de-risk.
func (r *RiskReactor) RealizedPnL() float64 { return r.realized }

// OnLegFill processes a ladder leg fill. siblingOpen reports whether the
// other leg can still fill (cancel not yet acknowledged).
//
// A fill for a leg the ladder already considered cancelled lands here too:
// the quantity is never discarded, and the reactor fast-forwards to Exposed
// as if the cascade had just completed.
func (r *RiskReactor) OnLegFill(ctx context.Context, fill domain.FillRecord, siblingOpen bool) error {
	if r.position.Quantity == 0 && r.openedAt.IsZero() {
		r.openedAt = fill.Timestamp
	}
	r.position.ApplyFill(fill.Side, fill.Qty, fill.Price)

	switch r.state {
	case domain.RiskNeutral, domain.RiskClosed:
		if siblingOpen {
			r.transition(domain.RiskCascading)
			return nil
		}
		return r.expose(ctx)

	case domain.RiskCascading:
		// The sibling filled before its cancel landed: both legs are in the
		// position now, with the Secondary's larger weight averaging down
		// cost by construction. Accepted risk, not an error.
		if !siblingOpen {
			return r.expose(ctx)
		}
		return nil

	case domain.RiskExposed, domain.RiskLiquidating, domain.RiskHedged, domain.RiskUnwinding:
		// Late race fill while de-risking is already underway: the quantity
		// is accounted; the completion check re-de-risks any remainder.
		slog.Warn("risk: late leg fill while de-risking",
			"market", r.market.ConditionID, "state", r.state, "qty", fill.Qty)
		return nil
	}
	return nil
}

// OnSiblingCancelAck completes the cascade: the sibling can no longer fill,
// the position is what it is, time to de-risk it.
func (r *RiskReactor) OnSiblingCancelAck(ctx context.Context) error {
	if r.state != domain.RiskCascading {
		return nil
	}
	return r.expose(ctx)
}

// OnEvent routes a venue event to the reactor's own de-risk orders. Returns
// the incremental fill (nil if none) and whether the event was for one of the
// reactor's orders.
func (r *RiskReactor) OnEvent(ctx context.Context, ev domain.OrderEvent) (*domain.FillRecord, bool, error) {
	ro, ok := r.orders[ev.VenueID]
	if !ok {
		return nil, false, nil
	}

	var fill *domain.FillRecord

	switch ev.Status {
	case domain.EventCancelled:
		// Terminal ack. Any fill that matched before the cancel landed has
		// already arrived on the ordered stream, so the order can be
		// forgotten now and not before.
		ro.open = false
		delete(r.orders, ev.VenueID)

	case domain.EventPartial, domain.EventFilled:
		// Cumulative-qty advances are honored even for orders already
		// believed cancelled (ro.open == false): the quantity is real.
		incremental := ev.FilledQty - ro.filledQty
		if incremental > 0 {
			ro.filledQty = ev.FilledQty
			r.applyRiskFill(ro, incremental)
			fill = &domain.FillRecord{
				VenueID:       ro.venueID,
				ConditionID:   r.market.ConditionID,
				Side:          ro.side,
				Price:         ro.price,
				Qty:           incremental,
				CumulativeQty: ev.FilledQty,
				Timestamp:     ev.Timestamp,
			}
		}
		if ev.Status == domain.EventFilled || ro.filledQty >= ro.size {
			ro.open = false
			delete(r.orders, ev.VenueID)
		}
	}

	err := r.progress(ctx)
	return fill, true, err
}

// openOrderCount cuenta las órdenes de de-risk todavía vivas en el venue.
// Las canceladas localmente siguen en el mapa hasta su ack para no perder
// fills que cruzaron la cancelación.
func (r *RiskReactor) openOrderCount() int {
	n := 0
	for _, ro := range r.orders {
		if ro.open {
			n++
		}
	}
	return n
}

func (r *RiskReactor) applyRiskFill(ro *riskOrder, qty float64) {
	switch ro.purpose {
	case purposeHedge, purposeUnwindHedge:
		r.realized += r.hedgePos.ApplyFill(ro.side, qty, ro.price)
	default:
		r.realized += r.position.ApplyFill(ro.side, qty, ro.price)
	}
}

// Tick runs timeout escalation: replace a cancelled resting half during
// liquidation, and convert passive unwind asks into market sells once the
// unwind timeout expires — a repricing market must not strand the position.
func (r *RiskReactor) Tick(ctx context.Context, now time.Time) error {
	switch r.state {
	case domain.RiskLiquidating:
		return r.tickLiquidating(ctx)
	case domain.RiskUnwinding:
		if r.unwindAt.IsZero() || now.Sub(r.unwindAt) < r.cfg.UnwindTimeout {
			return nil
		}
		return r.escalateUnwind(ctx)
	}
	return nil
}

// expose transitions to Exposed and immediately runs the configured policy.
func (r *RiskReactor) expose(ctx context.Context) error {
	r.transition(domain.RiskExposed)
	r.cycleQty = r.position.Quantity
	r.cycleCost = r.position.AvgCost

	if r.position.Flat() {
		return r.close(ctx)
	}

	switch r.policy {
	case domain.PolicyHedge:
		return r.placeHedge(ctx)
	default:
		return r.liquidateSplit(ctx)
	}
}

// liquidateSplit: market-sell half the position for a fast downside bound,
// rest the other half at the current best ask. Immediate-cut policy.
func (r *RiskReactor) liquidateSplit(ctx context.Context) error {
	tokenID := r.market.YesToken().TokenID

	book, err := r.fetchBook(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("risk.liquidateSplit: book: %w", err)
	}

	qty := r.position.Quantity
	cutQty := qty * cutFraction
	restQty := qty - cutQty

	bid := book.BestBid()
	if bid <= 0 {
		// Empty bid side: nothing to cross. Rest everything and let the
		// tick escalation path keep chasing.
		restQty = qty
		cutQty = 0
	}

	if cutQty > 0 {
		if err := r.placeRiskOrder(ctx, tokenID, domain.SideSell, bid, cutQty, purposeCutMarket); err != nil {
			return err
		}
	}

	askPrice := book.BestAsk()
	if askPrice <= 0 {
		askPrice = r.position.AvgCost + float64(r.cfg.UnwindOffsetIncrements)*r.market.Increment
	}
	if restQty > 0 {
		if err := r.placeRiskOrder(ctx, tokenID, domain.SideSell, askPrice, restQty, purposeCutRest); err != nil {
			return err
		}
	}

	r.transition(domain.RiskLiquidating)
	return nil
}

// placeHedge neutraliza la exposición comprando el outcome complementario.
func (r *RiskReactor) placeHedge(ctx context.Context) error {
	hedgeToken := r.market.ComplementOf(r.market.YesToken().TokenID)

	book, err := r.fetchBook(ctx, hedgeToken.TokenID)
	if err != nil {
		return fmt.Errorf("risk.placeHedge: book: %w", err)
	}

	price := book.BestAsk()
	if price <= 0 {
		// No asks on the complement: hedging is impossible right now, cut
		// losses instead of waiting with open exposure.
		slog.Warn("risk: hedge book empty, falling back to immediate cut",
			"market", r.market.ConditionID)
		return r.liquidateSplit(ctx)
	}

	return r.placeRiskOrder(ctx, hedgeToken.TokenID, domain.SideBuy, price, r.position.Quantity, purposeHedge)
}

// progress runs the completion checks after any de-risk order event.
func (r *RiskReactor) progress(ctx context.Context) error {
	switch r.state {
	case domain.RiskExposed:
		// Hedge entry pending: once the hedge quantity matches the exposed
		// quantity, market exposure is neutral.
		if r.policy == domain.PolicyHedge && r.hedgePos.Quantity >= r.position.Quantity-1e-9 && r.hedgePos.Quantity > 0 {
			r.transition(domain.RiskHedged)
			return r.startUnwind(ctx)
		}
		// Hedge order vanished without filling (cancelled by the venue):
		// re-run the policy on whatever exposure remains.
		if r.openOrderCount() == 0 && !r.position.Flat() {
			return r.expose(ctx)
		}

	case domain.RiskLiquidating:
		if r.position.Flat() {
			return r.close(ctx)
		}

	case domain.RiskUnwinding:
		if r.position.Flat() && r.hedgePos.Flat() {
			return r.close(ctx)
		}
	}
	return nil
}

// tickLiquidating re-places the resting half if the venue cancelled it
// (cancelled-and-replaced semantics from the immediate-cut policy).
func (r *RiskReactor) tickLiquidating(ctx context.Context) error {
	if r.position.Flat() {
		return r.close(ctx)
	}
	if r.openOrderCount() > 0 {
		return nil
	}

	// All de-risk orders are gone but quantity remains: chase the ask.
	book, err := r.fetchBook(ctx, r.market.YesToken().TokenID)
	if err != nil {
		return fmt.Errorf("risk.tickLiquidating: book: %w", err)
	}
	price := book.BestAsk()
	if price <= 0 {
		price = book.BestBid()
	}
	if price <= 0 {
		return nil
	}
	return r.placeRiskOrder(ctx, r.market.YesToken().TokenID, domain.SideSell, price, r.position.Quantity, purposeCutRest)
}

// startUnwind rests asks slightly above current price on both outcome legs.
func (r *RiskReactor) startUnwind(ctx context.Context) error {
	offset := float64(r.cfg.UnwindOffsetIncrements) * r.market.Increment

	mainToken := r.market.YesToken().TokenID
	hedgeToken := r.market.ComplementOf(mainToken).TokenID

	if r.position.Quantity > 0 {
		price := r.unwindPrice(ctx, mainToken, r.position.AvgCost, offset)
		if err := r.placeRiskOrder(ctx, mainToken, domain.SideSell, price, r.position.Quantity, purposeUnwindMain); err != nil {
			return err
		}
	}
	if r.hedgePos.Quantity > 0 {
		price := r.unwindPrice(ctx, hedgeToken, r.hedgePos.AvgCost, offset)
		if err := r.placeRiskOrder(ctx, hedgeToken, domain.SideSell, price, r.hedgePos.Quantity, purposeUnwindHedge); err != nil {
			return err
		}
	}

	r.unwindAt = time.Now()
	r.transition(domain.RiskUnwinding)
	return nil
}

func (r *RiskReactor) unwindPrice(ctx context.Context, tokenID string, fallback, offset float64) float64 {
	book, err := r.fetchBook(ctx, tokenID)
	if err == nil && book.BestAsk() > 0 {
		return book.BestAsk() + offset
	}
	return fallback + offset
}

// escalateUnwind cancels the passive asks and crosses the book with whatever
// is left. Timed out passive unwinds never wait a second round.
func (r *RiskReactor) escalateUnwind(ctx context.Context) error {
	slog.Warn("risk: unwind timeout, escalating to market orders",
		"market", r.market.ConditionID,
		"main_qty", fmt.Sprintf("%.2f", r.position.Quantity),
		"hedge_qty", fmt.Sprintf("%.2f", r.hedgePos.Quantity),
	)

	for venueID, ro := range r.orders {
		if !ro.open {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		err := r.venue.CancelOrder(callCtx, venueID)
		cancel()
		if err != nil {
			slog.Warn("risk: escalation cancel failed", "order", venueID, "err", err)
			continue
		}
		// The order stays in the map until its CANCELLED ack: a fill that
		// matched just before the cancel landed must still be accounted.
		ro.open = false
	}

	mainToken := r.market.YesToken().TokenID
	hedgeToken := r.market.ComplementOf(mainToken).TokenID

	if r.position.Quantity > 0 {
		if err := r.marketSell(ctx, mainToken, r.position.Quantity, purposeUnwindMain); err != nil {
			return err
		}
	}
	if r.hedgePos.Quantity > 0 {
		if err := r.marketSell(ctx, hedgeToken, r.hedgePos.Quantity, purposeUnwindHedge); err != nil {
			return err
		}
	}

	// Re-arm the timeout so a failed sweep escalates again next tick.
	r.unwindAt = time.Now()
	return nil
}

func (r *RiskReactor) marketSell(ctx context.Context, tokenID string, qty float64, purpose riskPurpose) error {
	book, err := r.fetchBook(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("risk.marketSell: book: %w", err)
	}
	price := book.BestBid()
	if price <= 0 {
		price = r.market.Increment
	}
	return r.placeRiskOrder(ctx, tokenID, domain.SideSell, price, qty, purpose)
}

// close re-zeroes the cycle, reports it, and returns to a state from which
// the supervisor re-arms the ladder.
func (r *RiskReactor) close(ctx context.Context) error {
	_ = ctx
	r.transition(domain.RiskClosed)
	r.position = domain.Position{ConditionID: r.market.ConditionID}
	r.hedgePos = domain.Position{ConditionID: r.market.ConditionID}
	r.orders = make(map[string]*riskOrder)
	r.unwindAt = time.Time{}
	return nil
}

// CompletedCycle devuelve (y consume) el resumen del ciclo al llegar a
// Closed. El supervisor lo persiste y rearma el ladder.
func (r *RiskReactor) CompletedCycle(now time.Time) (domain.RoundTrip, bool) {
	if r.state != domain.RiskClosed {
		return domain.RoundTrip{}, false
	}
	rt := domain.RoundTrip{
		ConditionID: r.market.ConditionID,
		Policy:      r.policy,
		Quantity:    r.cycleQty,
		AvgCost:     r.cycleCost,
		RealizedPnL: r.realized,
		OpenedAt:    r.openedAt,
		ClosedAt:    now,
	}
	r.state = domain.RiskNeutral
	r.realized = 0
	r.cycleQty = 0
	r.cycleCost = 0
	r.openedAt = time.Time{}
	return rt, true
}

func (r *RiskReactor) placeRiskOrder(ctx context.Context, tokenID string, side domain.Side, price, qty float64, purpose riskPurpose) error {
	if qty <= 0 {
		return nil
	}

	req := domain.PlaceOrderRequest{
		TokenID:     tokenID,
		ConditionID: r.market.ConditionID,
		Side:        side,
		Price:       price,
		Size:        qty,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	placed, err := r.venue.PlaceOrder(callCtx, req)
	cancel()
	if err != nil && domain.IsTransient(err) {
		select {
		case <-time.After(placeRetryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		placed, err = r.venue.PlaceOrder(callCtx, req)
		cancel()
	}
	if err != nil {
		return fmt.Errorf("risk.placeRiskOrder %s: %w", purpose, err)
	}

	r.orders[placed.VenueID] = &riskOrder{
		venueID:  placed.VenueID,
		tokenID:  tokenID,
		side:     side,
		price:    price,
		size:     qty,
		purpose:  purpose,
		open:     true,
		placedAt: time.Now().UTC(),
	}

	slog.Info("risk: de-risk order placed",
		"market", domain.TruncateQuestion(r.market.Question, r.market.ConditionID, 40),
		"purpose", purpose,
		"side", side,
		"price", fmt.Sprintf("%.3f", price),
		"qty", fmt.Sprintf("%.2f", qty),
	)
	return nil
}

func (r *RiskReactor) fetchBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.venue.FetchOrderBook(callCtx, tokenID)
}

func (r *RiskReactor) transition(to domain.RiskState) {
	if r.state == to {
		return
	}
	slog.Debug("risk: state transition",
		"market", r.market.ConditionID, "from", r.state, "to", to)
	r.state = to
}
