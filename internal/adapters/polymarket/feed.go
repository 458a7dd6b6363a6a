package polymarket

// feed.go — ports.MarketDataFeed sobre tres fuentes públicas:
//   Data API   → trades históricos por token
//   Subgraph   → lastActiveTimestamp / openInterest por condition
//   Gamma API  → métricas agregadas (volume, liquidity)

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

const (
	tradesPerPage  = 1000
	tradesMaxPages = 3

	gammaMarketsPath = "/markets"
)

const conditionQuery = `
query Condition($id: ID!) {
  condition(id: $id) {
    id
    lastActiveTimestamp
    openInterest
    tickSize
  }
}`

// Feed implementa ports.MarketDataFeed sobre un Client compartido.
type Feed struct {
	client *Client
}

// NewFeed crea el feed sobre el client dado.
func NewFeed(client *Client) *Feed {
	return &Feed{client: client}
}

// HistoricalTrades devuelve los trades del token dentro de la ventana.
// La Data API no filtra por fecha, así que pagina hacia atrás y corta en
// cuanto sale de la ventana.
func (f *Feed) HistoricalTrades(ctx context.Context, tokenID string, from, to time.Time) ([]domain.Trade, error) {
	var all []domain.Trade

	for page := 0; page < tradesMaxPages; page++ {
		offset := page * tradesPerPage
		url := fmt.Sprintf("%s/trades?asset=%s&limit=%d&offset=%d",
			f.client.dataBase, tokenID, tradesPerPage, offset)

		var resp []rawDataTrade
		if err := f.client.get(ctx, f.client.clobLimiter, url, &resp); err != nil {
			return nil, fmt.Errorf("feed.HistoricalTrades: %w", err)
		}

		if len(resp) == 0 {
			break
		}

		pastWindow := false
		for _, rt := range resp {
			ts := parseTradeTimestamp(rt.Timestamp)
			if ts.Before(from) {
				pastWindow = true
				continue
			}
			if !to.IsZero() && ts.After(to) {
				continue
			}
			price, _ := rt.Price.Float64()
			size, _ := rt.Size.Float64()
			if price <= 0 || size <= 0 {
				continue
			}
			all = append(all, domain.Trade{Price: price, Size: size, Timestamp: ts})
		}

		slog.Debug("fetched trades page",
			"token", shortID(tokenID),
			"page", page,
			"count", len(resp),
			"kept", len(all),
		)

		if pastWindow || len(resp) < tradesPerPage {
			break
		}
	}

	return all, nil
}

// MarketInfo consulta el subgraph para actividad y open interest.
func (f *Feed) MarketInfo(ctx context.Context, conditionID string) (domain.MarketInfo, error) {
	body := subgraphQuery{
		Query:     conditionQuery,
		Variables: map[string]string{"id": conditionID},
	}

	var resp subgraphMarketResponse
	if err := f.client.post(ctx, f.client.gammaLimiter, f.client.subgraphBase, body, &resp); err != nil {
		return domain.MarketInfo{}, fmt.Errorf("feed.MarketInfo: %w", err)
	}
	if len(resp.Errors) > 0 {
		return domain.MarketInfo{}, fmt.Errorf("feed.MarketInfo: subgraph: %s", resp.Errors[0].Message)
	}
	if resp.Data.Condition == nil {
		return domain.MarketInfo{}, fmt.Errorf("feed.MarketInfo: condition %s not found", conditionID)
	}

	cond := resp.Data.Condition
	info := domain.MarketInfo{ConditionID: conditionID}

	if ts, err := strconv.ParseInt(cond.LastActiveTimestamp.String(), 10, 64); err == nil && ts > 0 {
		info.LastActive = time.Unix(ts, 0).UTC()
	}
	if oi, err := cond.OpenInterest.Float64(); err == nil {
		// El subgraph reporta open interest en micro-USDC.
		info.OpenInterest = oi / 1e6
	}
	if tick, err := cond.TickSize.Float64(); err == nil && tick > 0 {
		info.Increment = tick
	}

	return info, nil
}

// AggregatedMetrics obtiene volumen y liquidez agregados desde Gamma.
func (f *Feed) AggregatedMetrics(ctx context.Context, conditionID string) (domain.MarketMetrics, error) {
	url := fmt.Sprintf("%s%s?condition_ids=%s&limit=1",
		f.client.gammaBase, gammaMarketsPath, conditionID)

	var resp gammaMarketsResponse
	if err := f.client.get(ctx, f.client.gammaLimiter, url, &resp); err != nil {
		return domain.MarketMetrics{}, fmt.Errorf("feed.AggregatedMetrics: %w", err)
	}
	if len(resp) == 0 {
		return domain.MarketMetrics{}, fmt.Errorf("feed.AggregatedMetrics: %s not in gamma", conditionID)
	}

	gm := resp[0]
	var metrics domain.MarketMetrics
	if v, err := gm.Volume.Float64(); err == nil {
		metrics.TotalVolume = v
	}
	if v, err := gm.Liquidity.Float64(); err == nil {
		metrics.Liquidity = v
	}
	return metrics, nil
}

// parseTradeTimestamp acepta unix (s o ms), float o ISO 8601.
func parseTradeTimestamp(n json.Number) time.Time {
	s := n.String()
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.Unix(sec/1000, (sec%1000)*int64(time.Millisecond))
		}
		return time.Unix(sec, 0)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec)
	}
	for _, layout := range []string{
		time.RFC3339Nano, time.RFC3339,
		"2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
