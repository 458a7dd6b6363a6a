package engine

import (
	"log/slog"
	"sync"
)

// AllocBucket separates the ladder's capital from the crossing strategy's
// capital inside one market's ledger entry.
type AllocBucket string

const (
	BucketLadder   AllocBucket = "ladder"
	BucketCrossing AllocBucket = "crossing"
)

// AllocationConfig controla el ledger de capital global.
type AllocationConfig struct {
	GlobalCap    float64
	PerMarketCap float64
	// DiminishOpenInterest: markets above this open interest get their grant
	// scaled by DiminishScale instead of a full denial.
	DiminishOpenInterest float64
	DiminishScale        float64
}

type marketAlloc struct {
	buckets map[AllocBucket]float64
}

func (ma *marketAlloc) total() float64 {
	var t float64
	for _, v := range ma.buckets {
		t += v
	}
	return t
}

// AllocationController is the process-wide capital ledger. Every market loop
// reads and writes it, so all mutations go through one mutex. Invariant:
// the sum of grants never exceeds GlobalCap.
type AllocationController struct {
	mu      sync.Mutex
	cfg     AllocationConfig
	granted map[string]*marketAlloc
	total   float64
}

// NewAllocationController crea el ledger con la configuración dada.
func NewAllocationController(cfg AllocationConfig) *AllocationController {
	if cfg.PerMarketCap <= 0 || cfg.PerMarketCap > cfg.GlobalCap {
		cfg.PerMarketCap = cfg.GlobalCap
	}
	if cfg.DiminishScale <= 0 || cfg.DiminishScale > 1 {
		cfg.DiminishScale = 0.5
	}
	return &AllocationController{
		cfg:     cfg,
		granted: make(map[string]*marketAlloc),
	}
}

// Admit grants min(requested, remaining market headroom, remaining global
// capacity), scaled down for high open-interest markets. A zero grant is not
// an error: the market simply stays inactive.
func (a *AllocationController) Admit(conditionID string, bucket AllocBucket, requested, openInterest float64) float64 {
	if requested <= 0 {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ma := a.granted[conditionID]
	if ma == nil {
		ma = &marketAlloc{buckets: make(map[AllocBucket]float64)}
		a.granted[conditionID] = ma
	}

	grant := requested
	if a.cfg.DiminishOpenInterest > 0 && openInterest > a.cfg.DiminishOpenInterest {
		grant *= a.cfg.DiminishScale
	}

	if headroom := a.cfg.PerMarketCap - ma.total(); grant > headroom {
		grant = headroom
	}
	if remaining := a.cfg.GlobalCap - a.total; grant > remaining {
		grant = remaining
	}
	if grant <= 0 {
		slog.Debug("alloc: admission denied, capital exhausted",
			"market", conditionID, "requested", requested)
		return 0
	}

	ma.buckets[bucket] += grant
	a.total += grant
	return grant
}

// Release devuelve capital al pool. Cantidades mayores que lo concedido se
// recortan al grant vivo para mantener el invariante del ledger.
func (a *AllocationController) Release(conditionID string, bucket AllocBucket, amount float64) {
	if amount <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ma := a.granted[conditionID]
	if ma == nil {
		return
	}
	if amount > ma.buckets[bucket] {
		amount = ma.buckets[bucket]
	}
	ma.buckets[bucket] -= amount
	a.total -= amount
	if ma.total() <= 0 {
		delete(a.granted, conditionID)
	}
}

// Granted devuelve el capital asignado a un mercado (todos los buckets).
func (a *AllocationController) Granted(conditionID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ma := a.granted[conditionID]; ma != nil {
		return ma.total()
	}
	return 0
}

// PerMarketCap expone el tope por mercado configurado.
func (a *AllocationController) PerMarketCap() float64 {
	return a.cfg.PerMarketCap
}

// ReleaseAll returns every bucket of a market to the pool and reports the
// amount freed. Used when a market is retired or the process shuts down.
func (a *AllocationController) ReleaseAll(conditionID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ma := a.granted[conditionID]
	if ma == nil {
		return 0
	}
	freed := ma.total()
	a.total -= freed
	delete(a.granted, conditionID)
	return freed
}

// TotalGranted devuelve el capital total asignado en el proceso.
func (a *AllocationController) TotalGranted() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
