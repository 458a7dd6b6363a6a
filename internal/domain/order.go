package domain

import "time"

// Side of an order relative to the outcome token.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// LegStatus represents the lifecycle of one ladder leg on the CLOB.
type LegStatus string

const (
	LegPending   LegStatus = "PENDING" // submitted, no venue ack yet
	LegResting   LegStatus = "RESTING"
	LegPartial   LegStatus = "PARTIAL"
	LegFilled    LegStatus = "FILLED"
	LegCancelled LegStatus = "CANCELLED"
)

// Open devuelve true si la leg todavía puede recibir fills.
func (s LegStatus) Open() bool {
	return s == LegPending || s == LegResting || s == LegPartial
}

// LegRole identifies a leg's place in a split ladder.
type LegRole string

const (
	RolePrimary   LegRole = "PRIMARY"   // closer to the spread, smaller size
	RoleSecondary LegRole = "SECONDARY" // one increment further, larger size
)

// OrderLeg is one resting bid of a ladder. Owned exclusively by the
// LadderManager of its market; nobody else mutates it.
type OrderLeg struct {
	ID          string // UUID (local tracking)
	VenueID     string // CLOB order hash, empty until acknowledged
	ConditionID string
	TokenID     string
	Role        LegRole
	Side        Side
	Price       float64
	Size        float64
	FilledQty   float64 // cumulative, as reported by the venue
	Status      LegStatus
	PlacedAt    time.Time
}

// Remaining devuelve la cantidad aún sin fill.
func (l OrderLeg) Remaining() float64 {
	r := l.Size - l.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Ladder is the bid side of liquidity provision for one market: a Primary leg
// and, for Small/Medium tiers, a Secondary leg one increment further out.
type Ladder struct {
	ConditionID string
	Legs        []OrderLeg
}

// Primary devuelve la leg primaria, o nil si no existe.
func (ld Ladder) Primary() *OrderLeg {
	return ld.Leg(RolePrimary)
}

// Secondary devuelve la leg secundaria, o nil si el ladder es de una sola leg.
func (ld Ladder) Secondary() *OrderLeg {
	return ld.Leg(RoleSecondary)
}

// Leg devuelve la leg con el rol dado, o nil.
func (ld Ladder) Leg(role LegRole) *OrderLeg {
	for i := range ld.Legs {
		if ld.Legs[i].Role == role {
			return &ld.Legs[i]
		}
	}
	return nil
}

// Sibling returns the other leg of a split ladder, or nil for single-leg
// ladders. Cascade cancellation acts on the sibling of a filled leg.
func (ld Ladder) Sibling(legID string) *OrderLeg {
	for i := range ld.Legs {
		if ld.Legs[i].ID != legID {
			return &ld.Legs[i]
		}
	}
	return nil
}

// ByVenueID busca una leg por su order ID del venue.
func (ld Ladder) ByVenueID(venueID string) *OrderLeg {
	if venueID == "" {
		return nil
	}
	for i := range ld.Legs {
		if ld.Legs[i].VenueID == venueID {
			return &ld.Legs[i]
		}
	}
	return nil
}

// TotalSize devuelve el tamaño total del ladder.
func (ld Ladder) TotalSize() float64 {
	var total float64
	for _, l := range ld.Legs {
		total += l.Size
	}
	return total
}

// PlaceOrderRequest is sent to the venue gateway. All orders are GTC limit
// orders; marketable prices emulate market orders (crossing the book).
type PlaceOrderRequest struct {
	TokenID     string
	ConditionID string
	Side        Side
	Price       float64
	Size        float64
}

// PlacedOrder is the venue's acknowledgement of a placement.
type PlacedOrder struct {
	VenueID     string
	Status      string
	TakenAmount float64 // immediately matched (taker portion)
	MadeAmount  float64 // resting in book (maker portion)
}

// OpenOrder es una orden viva según el venue, usada en la reconciliación
// de arranque contra el journal local.
type OpenOrder struct {
	VenueID    string
	TokenID    string
	Side       Side
	Price      float64
	Size       float64
	MatchedQty float64
}
