package engine

// engine.go — process-level orchestration: one supervisor goroutine per
// activated market, a single dispatch loop fanning venue events out to them,
// periodic operator reports, and startup recovery from the journal.

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
	"github.com/alejandrodnm/polyladder/internal/ports"
)

// EngineConfig son los parámetros globales del proceso.
type EngineConfig struct {
	Allocation AllocationConfig
	Supervisor SupervisorConfig // per-market defaults
	// FairWindow / FairMinTrades parametrizan el modelo de fair price.
	FairWindow     time.Duration
	FairMinTrades  int
	ReportInterval time.Duration
	// SummaryInterval: cadence of persisted aggregate summaries.
	SummaryInterval time.Duration
	CallTimeout     time.Duration
}

func (c *EngineConfig) setDefaults() {
	if c.ReportInterval <= 0 {
		c.ReportInterval = time.Minute
	}
	if c.SummaryInterval <= 0 {
		c.SummaryInterval = 24 * time.Hour
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// Engine coordina los supervisores de mercado y el stream de eventos.
type Engine struct {
	cfg      EngineConfig
	venue    ports.VenueGateway
	feed     ports.MarketDataFeed
	stream   ports.EventStream
	journal  ports.Journal
	notifier ports.Notifier
	alloc    *AllocationController
	fair     *FairPriceModel

	mu   sync.Mutex
	sups map[string]*MarketSupervisor
	wg   sync.WaitGroup
}

// NewEngine construye el engine con sus adapters ya inicializados.
func NewEngine(
	cfg EngineConfig,
	venue ports.VenueGateway,
	feed ports.MarketDataFeed,
	stream ports.EventStream,
	journal ports.Journal,
	notifier ports.Notifier,
) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:      cfg,
		venue:    venue,
		feed:     feed,
		stream:   stream,
		journal:  journal,
		notifier: notifier,
		alloc:    NewAllocationController(cfg.Allocation),
		fair:     NewFairPriceModel(feed, cfg.FairWindow, cfg.FairMinTrades),
		sups:     make(map[string]*MarketSupervisor),
	}
}

// Allocator expone el ledger de capital (estado para reporting y tests).
func (e *Engine) Allocator() *AllocationController { return e.alloc }

// Activate starts supervising a market under the given policy. Recovers any
// journaled open legs that the venue still knows about before the first
// reconcile, so a restart adopts its live quotes instead of duplicating them.
func (e *Engine) Activate(ctx context.Context, market domain.Market, policy domain.Policy) error {
	e.mu.Lock()
	if _, exists := e.sups[market.ConditionID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("engine.Activate: market %s already active", market.ConditionID)
	}
	e.mu.Unlock()

	cfg := e.cfg.Supervisor
	cfg.Policy = policy

	sup := NewMarketSupervisor(market, cfg, e.venue, e.feed, e.journal, e.alloc, e.fair, e.onRetired)

	legs, err := e.recoverLegs(ctx, market.ConditionID)
	if err != nil {
		return fmt.Errorf("engine.Activate: recover: %w", err)
	}
	if len(legs) > 0 {
		sup.Adopt(legs)
		slog.Info("engine: adopted journaled legs",
			"market", market.ConditionID, "legs", len(legs))
	}

	if err := e.stream.Subscribe([]string{market.ConditionID}); err != nil {
		return fmt.Errorf("engine.Activate: subscribe: %w", err)
	}

	e.mu.Lock()
	e.sups[market.ConditionID] = sup
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		sup.Run(ctx)
	}()
	return nil
}

// Deactivate stops a market's supervisor and waits for its loop to exit
// (cancelling live orders and freeing capital on the way out).
func (e *Engine) Deactivate(conditionID string) error {
	e.mu.Lock()
	sup, ok := e.sups[conditionID]
	if ok {
		delete(e.sups, conditionID)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("engine.Deactivate: market %s not active", conditionID)
	}
	sup.Stop()
	<-sup.Done()
	return nil
}

func (e *Engine) onRetired(conditionID string) {
	// Called from inside the supervisor's own loop: stopping must happen
	// elsewhere or Done() would never close.
	go func() {
		if err := e.Deactivate(conditionID); err != nil {
			slog.Debug("engine: retire", "market", conditionID, "err", err)
		}
	}()
}

// Run drives the event dispatch and reporting loops until ctx is cancelled,
// then stops every supervisor and waits for them.
func (e *Engine) Run(ctx context.Context) error {
	reportTicker := time.NewTicker(e.cfg.ReportInterval)
	defer reportTicker.Stop()
	summaryTicker := time.NewTicker(e.cfg.SummaryInterval)
	defer summaryTicker.Stop()

	events := e.stream.Events()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				e.shutdown()
				return fmt.Errorf("engine.Run: event stream closed")
			}
			e.dispatch(ev)

		case <-reportTicker.C:
			e.report(ctx)

		case <-summaryTicker.C:
			if err := e.writeSummary(ctx); err != nil {
				slog.Error("engine: summary failed", "err", err)
			}
		}
	}
}

// dispatch routes one venue event to the owning market's queue. Routing is
// by condition ID so per-market ordering is exactly stream order.
func (e *Engine) dispatch(ev domain.OrderEvent) {
	e.mu.Lock()
	sup := e.sups[ev.ConditionID]
	e.mu.Unlock()

	if sup == nil {
		slog.Debug("engine: event for inactive market",
			"market", ev.ConditionID, "order", ev.VenueID)
		return
	}
	sup.Deliver(ev)
}

// Status devuelve el snapshot de un mercado activo.
func (e *Engine) Status(conditionID string) (domain.MarketStatus, bool) {
	e.mu.Lock()
	sup, ok := e.sups[conditionID]
	e.mu.Unlock()
	if !ok {
		return domain.MarketStatus{}, false
	}
	return sup.Status(), true
}

// Statuses devuelve los snapshots de todos los mercados activos, ordenados
// por capital asignado descendente.
func (e *Engine) Statuses() []domain.MarketStatus {
	e.mu.Lock()
	sups := make([]*MarketSupervisor, 0, len(e.sups))
	for _, s := range e.sups {
		sups = append(sups, s)
	}
	e.mu.Unlock()

	statuses := make([]domain.MarketStatus, 0, len(sups))
	for _, s := range sups {
		statuses = append(statuses, s.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Allocated > statuses[j].Allocated
	})
	return statuses
}

func (e *Engine) report(ctx context.Context) {
	statuses := e.Statuses()
	if len(statuses) == 0 {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.notifier.Notify(callCtx, statuses); err != nil {
		slog.Warn("engine: notify failed", "err", err)
	}
}

// writeSummary aggregates the journaled round trips into a daily summary row.
func (e *Engine) writeSummary(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	trips, err := e.journal.RoundTrips(callCtx)
	if err != nil {
		return fmt.Errorf("engine.writeSummary: %w", err)
	}

	now := time.Now().UTC()
	cutoff := now.Add(-e.cfg.SummaryInterval)

	var summary domain.DailySummary
	summary.Date = now.Truncate(24 * time.Hour)
	for _, rt := range trips {
		if rt.ClosedAt.Before(cutoff) {
			continue
		}
		summary.RoundTrips++
		summary.RealizedPnL += rt.RealizedPnL
	}

	counts, err := e.journal.ActivityCounts(callCtx, cutoff)
	if err != nil {
		return fmt.Errorf("engine.writeSummary: counts: %w", err)
	}
	summary.LegsPlaced = counts.LegsPlaced
	summary.LegsCancelled = counts.LegsCancelled
	summary.Fills = counts.Fills
	summary.CapitalInUse = e.alloc.TotalGranted()
	summary.ActiveMarkets = len(e.Statuses())

	if err := e.journal.SaveDailySummary(callCtx, summary); err != nil {
		return fmt.Errorf("engine.writeSummary: save: %w", err)
	}
	slog.Info("engine: summary written",
		"round_trips", summary.RoundTrips,
		"pnl", fmt.Sprintf("%.4f", summary.RealizedPnL),
		"capital", fmt.Sprintf("%.2f", summary.CapitalInUse),
	)
	return nil
}

// recoverLegs cross-checks journaled open legs against the venue's live
// orders: a leg the venue no longer knows is closed in the journal, the rest
// are adopted with their matched quantities.
func (e *Engine) recoverLegs(ctx context.Context, conditionID string) ([]domain.OrderLeg, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	journaled, err := e.journal.OpenLegs(callCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	var mine []domain.OrderLeg
	for _, leg := range journaled {
		if leg.ConditionID == conditionID {
			mine = append(mine, leg)
		}
	}
	if len(mine) == 0 {
		return nil, nil
	}

	callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
	open, err := e.venue.OpenOrders(callCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	live := make(map[string]domain.OpenOrder, len(open))
	for _, o := range open {
		live[o.VenueID] = o
	}

	var adopted []domain.OrderLeg
	for _, leg := range mine {
		o, stillLive := live[leg.VenueID]
		if !stillLive {
			leg.Status = domain.LegCancelled
			callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
			if uerr := e.journal.UpdateLeg(callCtx, leg); uerr != nil {
				slog.Warn("engine: recovery leg update failed", "leg", leg.ID, "err", uerr)
			}
			cancel()
			continue
		}
		leg.FilledQty = o.MatchedQty
		if o.MatchedQty > 0 {
			leg.Status = domain.LegPartial
		} else {
			leg.Status = domain.LegResting
		}
		adopted = append(adopted, leg)
	}
	return adopted, nil
}

// shutdown detiene todos los supervisores y espera a que terminen.
func (e *Engine) shutdown() {
	e.mu.Lock()
	for _, sup := range e.sups {
		sup.Stop()
	}
	e.sups = make(map[string]*MarketSupervisor)
	e.mu.Unlock()
	e.wg.Wait()
	slog.Info("engine: all supervisors stopped")
}
