package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

// MarketDataFeed expone métricas agregadas y trades históricos por mercado.
// La fuente real es el subgraph de Polymarket más la Data API pública.
type MarketDataFeed interface {
	// MarketInfo devuelve actividad, open interest e increment del mercado.
	MarketInfo(ctx context.Context, conditionID string) (domain.MarketInfo, error)

	// HistoricalTrades devuelve los trades del mercado en la ventana dada.
	HistoricalTrades(ctx context.Context, tokenID string, from, to time.Time) ([]domain.Trade, error)

	// AggregatedMetrics devuelve volumen/open interest/liquidez agregados.
	AggregatedMetrics(ctx context.Context, conditionID string) (domain.MarketMetrics, error)
}
