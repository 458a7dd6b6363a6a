package domain

import "time"

// FillRecord es un fill aplicado a una posición, tal y como se persiste en el
// journal. La pareja (VenueID, CumulativeQty) es la clave de deduplicación:
// una redelivery del mismo evento no crea una segunda fila.
type FillRecord struct {
	ID            int64
	LegID         string
	VenueID       string
	ConditionID   string
	Side          Side
	Price         float64
	Qty           float64 // incremental quantity of this fill
	CumulativeQty float64 // venue-reported cumulative for the order
	Timestamp     time.Time
}

// RoundTrip is one completed Exposed→Closed cycle: the position that was
// accumulated and the realized PnL of de-risking it.
type RoundTrip struct {
	ID          int64
	ConditionID string
	Policy      Policy
	Quantity    float64
	AvgCost     float64
	RealizedPnL float64
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// DailySummary agrega la actividad de un día de farming.
type DailySummary struct {
	Date          time.Time
	ActiveMarkets int
	LegsPlaced    int
	LegsCancelled int
	Fills         int
	RoundTrips    int
	RealizedPnL   float64
	CapitalInUse  float64
}

// ActivityCounts agrega la actividad del journal en una ventana: legs
// colocadas, legs que acabaron canceladas y fills registrados.
type ActivityCounts struct {
	LegsPlaced    int
	LegsCancelled int
	Fills         int
}

// MarketStatus is the observable state of one supervised market, exposed to
// alerting/reporting collaborators.
type MarketStatus struct {
	Market    Market
	State     RiskState
	Policy    Policy
	Position  Position
	Ladder    Ladder
	Allocated float64
	Paused    bool
	UpdatedAt time.Time
}
