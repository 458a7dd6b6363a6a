package engine

// crossing.go — opportunistic fair-price crossing, independent of the ladder.
//
// When the book's best ask trades below the modeled fair price by more than a
// threshold, the engine buys a clip and rests it back out just under fair.
// Capital is drawn from the market's crossing bucket so ladder sizing never
// shrinks because a crossing trade is in flight.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
	"github.com/alejandrodnm/polyladder/internal/ports"
)

// CrossingConfig son los parámetros del motor de crossing.
type CrossingConfig struct {
	// Threshold: minimum edge (fair − best ask) before a buy triggers.
	Threshold float64
	// ClipSize: maximum quantity bought per entry.
	ClipSize float64
	// ExitOffsetIncrements: the resting exit ask sits this many increments
	// below fair price.
	ExitOffsetIncrements int
	CallTimeout          time.Duration
}

// CrossingEngine runs at most one entry/exit cycle at a time per market. It
// is driven by the market supervisor's tick and event loop, so it carries no
// lock of its own.
type CrossingEngine struct {
	market domain.Market
	venue  ports.VenueGateway
	alloc  *AllocationController
	cfg    CrossingConfig

	active     bool
	acquired   float64 // quantity bought and not yet exited
	entryCost  float64 // capital granted for the live cycle
	entryID    string  // venue ID of the entry buy, if still open
	exitID     string  // venue ID of the resting exit ask
	entryPrice float64
	exitPrice  float64
	entryQty   float64 // cumulative filled on the entry order
	exitQty    float64 // cumulative filled on the exit order
	realized   float64

	// Exit replaced by a flush whose cancel ack has not arrived yet. Fills
	// that raced the cancel are still owned and accounted against it.
	staleExitID    string
	staleExitPrice float64
	staleExitQty   float64
}

// NewCrossingEngine crea el motor con defaults razonables.
func NewCrossingEngine(market domain.Market, venue ports.VenueGateway, alloc *AllocationController, cfg CrossingConfig) *CrossingEngine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.02
	}
	if cfg.ClipSize <= 0 {
		cfg.ClipSize = 50
	}
	if cfg.ExitOffsetIncrements <= 0 {
		cfg.ExitOffsetIncrements = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &CrossingEngine{market: market, venue: venue, alloc: alloc, cfg: cfg}
}

// Active reports whether a crossing cycle is in flight.
func (c *CrossingEngine) Active() bool { return c.active }

// RealizedPnL devuelve el PnL realizado acumulado de los ciclos de crossing.
func (c *CrossingEngine) RealizedPnL() float64 { return c.realized }

// OnTick evaluates the trigger against the latest book and fair estimate.
// A stale estimate never triggers an entry: crossing is the one strategy
// that trades on the model's opinion rather than around it.
func (c *CrossingEngine) OnTick(ctx context.Context, book domain.OrderBook, est Estimate) error {
	if c.active {
		return c.checkExit(ctx, book, est)
	}

	if est.Stale || est.Price <= 0 {
		return nil
	}
	ask := book.BestAsk()
	if ask <= 0 || ask >= est.Price-c.cfg.Threshold {
		return nil
	}

	return c.enter(ctx, book, est, ask)
}

func (c *CrossingEngine) enter(ctx context.Context, book domain.OrderBook, est Estimate, ask float64) error {
	// Size by what the book actually offers below the trigger boundary.
	depth := book.AskDepth(est.Price - c.cfg.Threshold)
	qty := c.cfg.ClipSize
	if depth < qty {
		qty = depth
	}
	if qty <= 0 {
		return nil
	}

	wanted := qty * ask
	granted := c.alloc.Admit(c.market.ConditionID, BucketCrossing, wanted, c.market.OpenInterest)
	if granted <= 0 {
		return nil
	}
	if granted < wanted {
		qty = granted / ask
	}

	placed, err := c.placeOrder(ctx, domain.PlaceOrderRequest{
		TokenID:     c.market.YesToken().TokenID,
		ConditionID: c.market.ConditionID,
		Side:        domain.SideBuy,
		Price:       ask,
		Size:        qty,
	})
	if err != nil {
		c.alloc.Release(c.market.ConditionID, BucketCrossing, granted)
		return fmt.Errorf("crossing.enter: %w", err)
	}

	c.active = true
	c.entryID = placed.VenueID
	c.entryPrice = ask
	c.entryCost = granted
	c.entryQty = 0
	c.exitQty = 0
	c.acquired = 0

	slog.Info("crossing: entry placed",
		"market", domain.TruncateQuestion(c.market.Question, c.market.ConditionID, 40),
		"ask", fmt.Sprintf("%.3f", ask),
		"fair", fmt.Sprintf("%.3f", est.Price),
		"qty", fmt.Sprintf("%.2f", qty),
	)
	return nil
}

// OnEvent routes venue events for the crossing orders. Returns the
// incremental fill (nil if none) and whether the event belonged here.
func (c *CrossingEngine) OnEvent(ctx context.Context, ev domain.OrderEvent) (*domain.FillRecord, bool, error) {
	switch ev.VenueID {
	case "":
		return nil, false, nil
	case c.entryID:
		return c.onEntryEvent(ctx, ev)
	case c.exitID:
		return c.onExitEvent(ctx, ev)
	case c.staleExitID:
		return c.onStaleExitEvent(ev)
	}
	return nil, false, nil
}

func (c *CrossingEngine) onEntryEvent(ctx context.Context, ev domain.OrderEvent) (*domain.FillRecord, bool, error) {
	var fill *domain.FillRecord

	// Cumulative advances are honored on any status: a CANCELLED ack can
	// carry matched quantity the partials never reported.
	incremental := ev.FilledQty - c.entryQty
	if incremental > 0 {
		c.entryQty = ev.FilledQty
		c.acquired += incremental
		fill = &domain.FillRecord{
			VenueID:       ev.VenueID,
			ConditionID:   c.market.ConditionID,
			Side:          domain.SideBuy,
			Price:         c.entryPrice,
			Qty:           incremental,
			CumulativeQty: ev.FilledQty,
			Timestamp:     ev.Timestamp,
		}
	}

	var err error
	switch ev.Status {
	case domain.EventFilled:
		c.entryID = ""
		err = c.placeExit(ctx)
	case domain.EventCancelled:
		c.entryID = ""
		if c.acquired > 0 {
			err = c.placeExit(ctx)
		} else {
			c.settle()
		}
	}
	return fill, true, err
}

func (c *CrossingEngine) onExitEvent(ctx context.Context, ev domain.OrderEvent) (*domain.FillRecord, bool, error) {
	var fill *domain.FillRecord

	incremental := ev.FilledQty - c.exitQty
	if incremental > 0 {
		c.exitQty = ev.FilledQty
		c.acquired -= incremental
		c.realized += (c.exitPrice - c.entryPrice) * incremental
		fill = &domain.FillRecord{
			VenueID:       ev.VenueID,
			ConditionID:   c.market.ConditionID,
			Side:          domain.SideSell,
			Price:         c.exitPrice,
			Qty:           incremental,
			CumulativeQty: ev.FilledQty,
			Timestamp:     ev.Timestamp,
		}
	}

	var err error
	switch ev.Status {
	case domain.EventFilled:
		c.exitID = ""
		c.settle()
	case domain.EventCancelled:
		c.exitID = ""
		if c.acquired <= 1e-9 {
			c.settle()
		} else {
			err = c.placeExit(ctx)
		}
	}
	return fill, true, err
}

// onStaleExitEvent accounts fills that raced the flush cancel of a replaced
// exit. The stale order is forgotten only on its terminal event.
func (c *CrossingEngine) onStaleExitEvent(ev domain.OrderEvent) (*domain.FillRecord, bool, error) {
	var fill *domain.FillRecord

	incremental := ev.FilledQty - c.staleExitQty
	if incremental > 0 {
		c.staleExitQty = ev.FilledQty
		c.acquired -= incremental
		c.realized += (c.staleExitPrice - c.entryPrice) * incremental
		fill = &domain.FillRecord{
			VenueID:       ev.VenueID,
			ConditionID:   c.market.ConditionID,
			Side:          domain.SideSell,
			Price:         c.staleExitPrice,
			Qty:           incremental,
			CumulativeQty: ev.FilledQty,
			Timestamp:     ev.Timestamp,
		}
	}

	if ev.Status == domain.EventFilled || ev.Status == domain.EventCancelled {
		c.staleExitID = ""
		c.staleExitQty = 0
	}
	return fill, true, nil
}

// checkExit abandons the cycle once the edge is gone: best ask back at or
// above fair means the resting exit is unlikely to fill at an advantage.
// While a previous flush cancel is still unacknowledged, no new flush starts.
func (c *CrossingEngine) checkExit(ctx context.Context, book domain.OrderBook, est Estimate) error {
	if c.exitID == "" || c.staleExitID != "" || est.Price <= 0 {
		return nil
	}
	if book.BestAsk() > 0 && book.BestAsk() < est.Price {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	err := c.venue.CancelOrder(callCtx, c.exitID)
	cancel()
	if err != nil {
		return fmt.Errorf("crossing.checkExit: cancel: %w", err)
	}

	// The old exit stays tracked until its terminal event: a fill that
	// matched just before the cancel landed must still be accounted.
	c.staleExitID = c.exitID
	c.staleExitPrice = c.exitPrice
	c.staleExitQty = c.exitQty

	// Flush the remainder at the bid rather than carrying inventory.
	bid := book.BestBid()
	if bid <= 0 {
		bid = c.market.Increment
	}
	placed, err := c.placeOrder(ctx, domain.PlaceOrderRequest{
		TokenID:     c.market.YesToken().TokenID,
		ConditionID: c.market.ConditionID,
		Side:        domain.SideSell,
		Price:       bid,
		Size:        c.acquired,
	})
	if err != nil {
		return fmt.Errorf("crossing.checkExit: flush: %w", err)
	}
	c.exitID = placed.VenueID
	c.exitPrice = bid
	c.exitQty = 0
	return nil
}

// placeExit rests the acquired quantity just under fair price.
func (c *CrossingEngine) placeExit(ctx context.Context) error {
	if c.acquired <= 1e-9 {
		c.settle()
		return nil
	}

	est := c.market.FairPrice
	price := est - float64(c.cfg.ExitOffsetIncrements)*c.market.Increment
	if price <= 0 {
		price = c.market.Increment
	}

	placed, err := c.placeOrder(ctx, domain.PlaceOrderRequest{
		TokenID:     c.market.YesToken().TokenID,
		ConditionID: c.market.ConditionID,
		Side:        domain.SideSell,
		Price:       price,
		Size:        c.acquired,
	})
	if err != nil {
		return fmt.Errorf("crossing.placeExit: %w", err)
	}
	c.exitID = placed.VenueID
	c.exitPrice = price
	c.exitQty = 0

	slog.Info("crossing: exit resting",
		"market", domain.TruncateQuestion(c.market.Question, c.market.ConditionID, 40),
		"price", fmt.Sprintf("%.3f", price),
		"qty", fmt.Sprintf("%.2f", c.acquired),
	)
	return nil
}

// settle cierra el ciclo y devuelve el capital al ledger.
func (c *CrossingEngine) settle() {
	if c.entryCost > 0 {
		c.alloc.Release(c.market.ConditionID, BucketCrossing, c.entryCost)
	}
	c.active = false
	c.entryID = ""
	c.exitID = ""
	c.staleExitID = ""
	c.staleExitQty = 0
	c.entryCost = 0
	c.acquired = 0
}

// UpdateMarket refreshes the cached market snapshot (fair price feeds the
// exit pricing).
func (c *CrossingEngine) UpdateMarket(m domain.Market) { c.market = m }

// CancelAll cancela las órdenes vivas del ciclo (shutdown / retirada).
func (c *CrossingEngine) CancelAll(ctx context.Context) error {
	for _, id := range []string{c.entryID, c.exitID} {
		if id == "" {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		err := c.venue.CancelOrder(callCtx, id)
		cancel()
		if err != nil {
			return fmt.Errorf("crossing.CancelAll: %w", err)
		}
	}
	c.settle()
	return nil
}

func (c *CrossingEngine) placeOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	placed, err := c.venue.PlaceOrder(callCtx, req)
	cancel()
	if err != nil && domain.IsTransient(err) {
		select {
		case <-time.After(placeRetryWait):
		case <-ctx.Done():
			return domain.PlacedOrder{}, ctx.Err()
		}
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		placed, err = c.venue.PlaceOrder(callCtx, req)
		cancel()
	}
	return placed, err
}
