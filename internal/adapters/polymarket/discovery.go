package polymarket

// discovery.go — reward-market discovery via the CLOB sampling-markets API.

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

const (
	samplingMarketsPath = "/sampling-markets"
	pageSize            = 100
)

// FetchRewardMarkets devuelve todos los mercados con rewards activos.
// Pagina automáticamente usando next_cursor hasta agotar los resultados.
func (c *Client) FetchRewardMarkets(ctx context.Context, boundaries domain.TierBoundaries) ([]domain.Market, error) {
	var all []domain.Market
	cursor := ""

	for {
		url := fmt.Sprintf("%s%s?limit=%d", c.clobBase, samplingMarketsPath, pageSize)
		if cursor != "" {
			url += "&next_cursor=" + cursor
		}

		var resp samplingMarketsResponse
		if err := c.get(ctx, c.clobLimiter, url, &resp); err != nil {
			return nil, fmt.Errorf("discovery.FetchRewardMarkets: %w", err)
		}

		all = append(all, mapSamplingMarkets(resp.Data, boundaries)...)

		slog.Debug("fetched sampling markets page",
			"count", len(resp.Data),
			"total", len(all),
			"has_more", resp.NextCursor != "" && resp.NextCursor != "LTE=",
		)

		// "LTE=" es el cursor vacío codificado en base64 que indica última página
		if resp.NextCursor == "" || resp.NextCursor == "LTE=" {
			break
		}
		cursor = resp.NextCursor
	}

	slog.Info("reward markets fetched", "total", len(all))
	return all, nil
}
