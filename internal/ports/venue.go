package ports

import (
	"context"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

// VenueGateway places, cancels, and monitors orders on the CLOB.
// Implementations carry a bounded per-call timeout; callers treat a timeout
// as a TransientVenueError and retry once with backoff.
type VenueGateway interface {
	// FetchOrderBook devuelve el orderbook actual de un token.
	FetchOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)

	// PlaceOrder signs and submits a GTC limit order.
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error)

	// CancelOrder cancels an order by its venue order ID.
	CancelOrder(ctx context.Context, venueID string) error

	// OpenOrders returns all live orders for this wallet. Used on startup to
	// reconcile venue state against the local journal.
	OpenOrders(ctx context.Context) ([]domain.OpenOrder, error)
}

// EventStream delivers fill/cancel events in venue order. Within one market
// events must never be reordered — cascade-cancel correctness depends on it.
type EventStream interface {
	// Subscribe registra interés en los mercados dados (condition IDs). Los
	// eventos llegan por el canal de Events hasta que el stream se cierra.
	Subscribe(conditionIDs []string) error

	// Events devuelve el canal de eventos compartido del stream.
	Events() <-chan domain.OrderEvent
}
