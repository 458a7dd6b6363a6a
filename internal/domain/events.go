package domain

import "time"

// OrderEventStatus is the venue-reported status on a fill/cancel event.
type OrderEventStatus string

const (
	EventPartial   OrderEventStatus = "PARTIAL"
	EventFilled    OrderEventStatus = "FILLED"
	EventCancelled OrderEventStatus = "CANCELLED"
)

// OrderEvent is one entry of the venue's fill/cancel stream. FilledQty is
// cumulative: redeliveries carry the same cumulative quantity, which is what
// makes deduplication by (order id, cumulative qty) possible.
type OrderEvent struct {
	VenueID      string
	ConditionID  string
	FilledQty    float64 // cumulative matched quantity
	RemainingQty float64
	Status       OrderEventStatus
	Timestamp    time.Time
}

// Trade es un trade histórico del mercado reportado por el feed.
type Trade struct {
	Price     float64
	Size      float64
	Timestamp time.Time
}

// MarketInfo son los metadatos de actividad de un mercado según el feed.
type MarketInfo struct {
	ConditionID  string
	LastActive   time.Time
	OpenInterest float64
	Increment    float64
}

// MarketMetrics son las métricas agregadas de liquidez de un mercado.
type MarketMetrics struct {
	TotalVolume  float64
	OpenInterest float64
	Liquidity    float64
}
