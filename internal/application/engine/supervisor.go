package engine

// supervisor.go — one goroutine per market. The supervisor owns the market's
// ladder, risk reactor, and crossing engine, and is the only writer of their
// state. Venue events arrive on a buffered channel and are processed strictly
// in arrival order, interleaved with periodic ticks.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
	"github.com/alejandrodnm/polyladder/internal/ports"
)

const (
	// eventQueueSize bounds the per-market event buffer. Overflow drops the
	// newest event with a warning; cumulative fill quantities make a later
	// redelivery self-healing.
	eventQueueSize = 256
)

// SupervisorConfig agrupa los parámetros de un mercado supervisado.
type SupervisorConfig struct {
	Policy             domain.Policy
	TickInterval       time.Duration
	SplitPrimary       float64
	MaxIncentiveSpread float64
	DriftTolerance     float64
	// VolatilityThreshold: midpoint move between ticks that triggers the
	// cooldown (the book is repricing, stop quoting into it).
	VolatilityThreshold float64
	VolatilityCooldown  time.Duration
	// InactivityThreshold retires markets whose last venue activity is
	// older than this.
	InactivityThreshold time.Duration
	CallTimeout         time.Duration
	// PauseOnReject: how long to stop quoting after the venue rejects an
	// order outright.
	PauseOnReject time.Duration
	Risk          RiskReactorConfig
	Crossing      CrossingConfig
}

func (c *SupervisorConfig) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.SplitPrimary <= 0 || c.SplitPrimary >= 1 {
		c.SplitPrimary = domain.DefaultSplitPrimary
	}
	if c.MaxIncentiveSpread <= 0 {
		c.MaxIncentiveSpread = 0.03
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = 1e-9
	}
	if c.VolatilityThreshold <= 0 {
		c.VolatilityThreshold = 0.05
	}
	if c.VolatilityCooldown <= 0 {
		c.VolatilityCooldown = 2 * time.Minute
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = 72 * time.Hour
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.PauseOnReject <= 0 {
		c.PauseOnReject = 5 * time.Minute
	}
}

// MarketSupervisor runs the full quoting lifecycle for a single market.
type MarketSupervisor struct {
	market   domain.Market
	cfg      SupervisorConfig
	venue    ports.VenueGateway
	journal  ports.Journal
	alloc    *AllocationController
	fair     *FairPriceModel
	info     *marketInfoCache
	ladder   *LadderManager
	risk     *RiskReactor
	crossing *CrossingEngine

	events  chan domain.OrderEvent
	stop    chan struct{}
	done    chan struct{}
	retired func(conditionID string) // inactivity callback into the engine

	lastMid     float64
	cooldownTil time.Time
	pausedTil   time.Time
	ladderGrant float64

	statusMu sync.Mutex
	status   domain.MarketStatus
}

// NewMarketSupervisor wires a supervisor for one market. Call Run to start it.
func NewMarketSupervisor(
	market domain.Market,
	cfg SupervisorConfig,
	venue ports.VenueGateway,
	feed ports.MarketDataFeed,
	journal ports.Journal,
	alloc *AllocationController,
	fair *FairPriceModel,
	retired func(conditionID string),
) *MarketSupervisor {
	cfg.setDefaults()
	s := &MarketSupervisor{
		market:  market,
		cfg:     cfg,
		venue:   venue,
		journal: journal,
		alloc:   alloc,
		fair:    fair,
		info:    newMarketInfoCache(feed, 0, 0),
		events:  make(chan domain.OrderEvent, eventQueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		retired: retired,
	}
	s.ladder = NewLadderManager(market, venue, journal, cfg.DriftTolerance, cfg.CallTimeout)
	s.risk = NewRiskReactor(market, cfg.Policy, venue, cfg.Risk)
	s.crossing = NewCrossingEngine(market, venue, alloc, cfg.Crossing)
	return s
}

// Adopt seeds the ladder with legs recovered from the journal at startup.
func (s *MarketSupervisor) Adopt(legs []domain.OrderLeg) {
	s.ladder.Adopt(legs)
}

// Deliver hands a venue event to the supervisor's queue. Never blocks the
// caller: the dispatch loop feeds every market and must not stall on one.
func (s *MarketSupervisor) Deliver(ev domain.OrderEvent) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("supervisor: event queue full, dropping",
			"market", s.market.ConditionID, "order", ev.VenueID)
	}
}

// Stop señala la salida; Run cancela las órdenes vivas antes de terminar.
func (s *MarketSupervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Done se cierra cuando el goroutine del supervisor ha terminado.
func (s *MarketSupervisor) Done() <-chan struct{} { return s.done }

// Run is the market's event loop. Blocks until Stop or ctx cancellation.
func (s *MarketSupervisor) Run(ctx context.Context) {
	defer close(s.done)

	slog.Info("supervisor: started",
		"market", domain.TruncateQuestion(s.market.Question, s.market.ConditionID, 60),
		"policy", s.cfg.Policy,
		"tier", s.market.Tier,
	)

	if err := s.tick(ctx, time.Now().UTC()); err != nil {
		s.noteError("tick", err)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.stop:
			s.shutdown()
			return
		case ev := <-s.events:
			if err := s.handleEvent(ctx, ev); err != nil {
				s.noteError("event", err)
			}
		case now := <-ticker.C:
			if err := s.tick(ctx, now.UTC()); err != nil {
				s.noteError("tick", err)
			}
		}
	}
}

// tick refreshes market data, re-plans the ladder, and drives the risk and
// crossing engines forward.
func (s *MarketSupervisor) tick(ctx context.Context, now time.Time) error {
	if retired, err := s.checkInactivity(ctx, now); err != nil {
		slog.Debug("supervisor: market info unavailable",
			"market", s.market.ConditionID, "err", err)
	} else if retired {
		return nil
	}

	bookCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	book, err := s.venue.FetchOrderBook(bookCtx, s.market.YesToken().TokenID)
	cancel()
	if err != nil {
		return fmt.Errorf("supervisor.tick: book: %w", err)
	}

	s.market.BestBid = book.BestBid()
	s.market.BestAsk = book.BestAsk()

	s.applyVolatilityGuard(ctx, book, now)

	estCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	est := s.fair.EstimateMarket(estCtx, s.market)
	cancel()
	s.market.FairPrice = est.Price
	s.market.FairConfidence = est.Confidence
	s.market.FairStale = est.Stale
	s.ladder.UpdateMarket(s.market)
	s.crossing.UpdateMarket(s.market)

	if err := s.risk.Tick(ctx, now); err != nil {
		s.noteError("risk", err)
	}

	// A cascade whose cancel failed leaves the sibling live with no pending
	// ack: keep re-issuing the cancel until the sibling is dead.
	if s.risk.State() == domain.RiskCascading {
		cleared, err := s.ladder.RetryCascade(ctx)
		if err != nil {
			s.noteError("cascade retry", err)
		} else if cleared {
			if err := s.risk.OnSiblingCancelAck(ctx); err != nil {
				s.noteError("cascade retry", err)
			}
		}
	}
	s.harvestCycle(now)

	if s.quotingAllowed(now) && s.risk.State() == domain.RiskNeutral {
		if err := s.reconcileLadder(ctx, est); err != nil {
			s.noteError("reconcile", err)
		}
	}

	if s.quotingAllowed(now) {
		if err := s.crossing.OnTick(ctx, book, est); err != nil {
			s.noteError("crossing", err)
		}
	}

	s.publishStatus(now)
	return nil
}

// reconcileLadder sizes the ladder from the capital ledger and diffs it
// against the venue. Admitting zero capital is not an error, it just means
// no quotes this round.
func (s *MarketSupervisor) reconcileLadder(ctx context.Context, est Estimate) error {
	if s.ladderGrant <= 0 {
		// Ask for the per-market cap; the controller scales it by global
		// headroom and open interest.
		s.ladderGrant = s.alloc.Admit(s.market.ConditionID, BucketLadder, s.alloc.PerMarketCap(), s.market.OpenInterest)
	}
	if s.ladderGrant <= 0 {
		return nil
	}

	plan := domain.PlanLadder(domain.PlanInput{
		Market:             s.market,
		FairPrice:          est.Price,
		CapitalShare:       s.ladderGrant,
		SplitPrimary:       s.cfg.SplitPrimary,
		MaxIncentiveSpread: s.cfg.MaxIncentiveSpread,
		Widen:              est.Stale,
	})

	_, err := s.ladder.Reconcile(ctx, plan)
	if err != nil {
		var rejected *domain.RejectedOrderError
		if errors.As(err, &rejected) {
			s.pause(fmt.Sprintf("order rejected: %s", rejected.Reason))
			return nil
		}
		return err
	}
	return nil
}

// handleEvent routes a venue event to whichever component owns the order.
func (s *MarketSupervisor) handleEvent(ctx context.Context, ev domain.OrderEvent) error {
	// Ladder legs first: they are the common case.
	if s.ladder.Owns(ev.VenueID) {
		return s.handleLegEvent(ctx, ev)
	}

	if fill, owned, err := s.risk.OnEvent(ctx, ev); owned {
		if fill != nil {
			s.journalFill(ctx, *fill)
		}
		s.harvestCycle(ev.Timestamp)
		return err
	}

	if fill, owned, err := s.crossing.OnEvent(ctx, ev); owned {
		if fill != nil {
			s.journalFill(ctx, *fill)
		}
		return err
	}

	slog.Debug("supervisor: event for unknown order",
		"market", s.market.ConditionID, "order", ev.VenueID)
	return nil
}

func (s *MarketSupervisor) handleLegEvent(ctx context.Context, ev domain.OrderEvent) error {
	fill, _, err := s.ladder.ApplyEvent(ctx, ev)
	if err != nil {
		return err
	}

	if fill != nil {
		if fresh := s.journalFill(ctx, *fill); fresh {
			siblingOpen := s.ladder.SiblingOpen(fill.LegID)
			if err := s.risk.OnLegFill(ctx, *fill, siblingOpen); err != nil {
				return err
			}
		}
	}

	// A cancel ack while cascading means the sibling is dead for good.
	if ev.Status == domain.EventCancelled && s.risk.State() == domain.RiskCascading {
		if err := s.risk.OnSiblingCancelAck(ctx); err != nil {
			return err
		}
	}

	s.harvestCycle(ev.Timestamp)
	return nil
}

// journalFill persists the fill and reports whether it was first-seen. The
// journal's uniqueness on (order, cumulative quantity) makes redeliveries
// across restarts a no-op.
func (s *MarketSupervisor) journalFill(ctx context.Context, fill domain.FillRecord) bool {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	fresh, err := s.journal.SaveFill(callCtx, fill)
	if err != nil {
		slog.Error("supervisor: journal fill failed",
			"market", s.market.ConditionID, "order", fill.VenueID, "err", err)
		// Persistence failure must not lose the qty: treat as fresh.
		return true
	}
	if !fresh {
		slog.Debug("supervisor: duplicate fill ignored",
			"market", s.market.ConditionID, "order", fill.VenueID, "cum", fill.CumulativeQty)
	}
	return fresh
}

// harvestCycle persists a finished de-risk cycle and re-arms the ladder.
func (s *MarketSupervisor) harvestCycle(now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	rt, ok := s.risk.CompletedCycle(now)
	if !ok {
		return
	}

	callCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	if err := s.journal.SaveRoundTrip(callCtx, rt); err != nil {
		slog.Error("supervisor: journal round trip failed",
			"market", s.market.ConditionID, "err", err)
	}
	cancel()

	s.ladder.Rearm()

	slog.Info("supervisor: de-risk cycle closed",
		"market", domain.TruncateQuestion(s.market.Question, s.market.ConditionID, 40),
		"policy", rt.Policy,
		"pnl", fmt.Sprintf("%.4f", rt.RealizedPnL),
	)
}

// applyVolatilityGuard cancels quotes and starts a cooldown when the
// midpoint jumps more than the threshold between ticks.
func (s *MarketSupervisor) applyVolatilityGuard(ctx context.Context, book domain.OrderBook, now time.Time) {
	mid := book.Midpoint()
	if mid <= 0 {
		return
	}
	prev := s.lastMid
	s.lastMid = mid
	if prev <= 0 {
		return
	}

	if math.Abs(mid-prev) < s.cfg.VolatilityThreshold {
		return
	}

	s.cooldownTil = now.Add(s.cfg.VolatilityCooldown)
	slog.Warn("supervisor: volatility cooldown",
		"market", domain.TruncateQuestion(s.market.Question, s.market.ConditionID, 40),
		"move", fmt.Sprintf("%.3f", mid-prev),
		"until", s.cooldownTil.Format(time.TimeOnly),
	)

	if s.risk.State() == domain.RiskNeutral {
		if err := s.ladder.CancelAll(ctx); err != nil {
			s.noteError("volatility cancel", err)
		}
	}
}

// checkInactivity retires the market when the venue reports no activity for
// longer than the threshold. Returns true when retirement was triggered.
func (s *MarketSupervisor) checkInactivity(ctx context.Context, now time.Time) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	info, err := s.info.Get(callCtx, s.market.ConditionID)
	cancel()
	if err != nil {
		return false, err
	}

	s.market.LastActive = info.LastActive
	s.market.OpenInterest = info.OpenInterest
	if info.Increment > 0 {
		s.market.Increment = info.Increment
	}

	if info.LastActive.IsZero() || now.Sub(info.LastActive) < s.cfg.InactivityThreshold {
		return false, nil
	}

	slog.Info("supervisor: market inactive, retiring",
		"market", domain.TruncateQuestion(s.market.Question, s.market.ConditionID, 40),
		"last_active", info.LastActive.Format(time.DateTime),
	)
	if s.retired != nil {
		s.retired(s.market.ConditionID)
	} else {
		s.Stop()
	}
	return true, nil
}

func (s *MarketSupervisor) quotingAllowed(now time.Time) bool {
	return now.After(s.cooldownTil) && now.After(s.pausedTil)
}

func (s *MarketSupervisor) pause(reason string) {
	s.pausedTil = time.Now().UTC().Add(s.cfg.PauseOnReject)
	slog.Warn("supervisor: quoting paused",
		"market", s.market.ConditionID, "reason", reason,
		"until", s.pausedTil.Format(time.TimeOnly))
}

// shutdown cancela todas las órdenes vivas y libera el capital del ledger.
func (s *MarketSupervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.CallTimeout)
	defer cancel()

	if err := s.ladder.CancelAll(ctx); err != nil {
		slog.Warn("supervisor: shutdown ladder cancel", "market", s.market.ConditionID, "err", err)
	}
	if err := s.crossing.CancelAll(ctx); err != nil {
		slog.Warn("supervisor: shutdown crossing cancel", "market", s.market.ConditionID, "err", err)
	}

	released := s.alloc.ReleaseAll(s.market.ConditionID)
	s.ladderGrant = 0

	slog.Info("supervisor: stopped",
		"market", domain.TruncateQuestion(s.market.Question, s.market.ConditionID, 40),
		"released", fmt.Sprintf("%.2f", released),
	)
}

func (s *MarketSupervisor) noteError(op string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	slog.Error("supervisor: "+op+" failed",
		"market", s.market.ConditionID, "err", err)
}

func (s *MarketSupervisor) publishStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = domain.MarketStatus{
		Market:    s.market,
		State:     s.risk.State(),
		Policy:    s.cfg.Policy,
		Position:  s.risk.Position(),
		Ladder:    s.ladder.Ladder(),
		Allocated: s.alloc.Granted(s.market.ConditionID),
		Paused:    !s.quotingAllowed(now),
		UpdatedAt: now,
	}
}

// Status devuelve el último snapshot publicado por el loop.
func (s *MarketSupervisor) Status() domain.MarketStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}
