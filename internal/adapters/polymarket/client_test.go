package polymarket_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyladder/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyladder/internal/domain"
)

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

const samplingPage = `{
	"limit": 100, "count": 2, "next_cursor": "LTE=",
	"data": [
		{
			"condition_id": "0xaaa",
			"question": "Market A?",
			"minimum_tick_size": 0.01,
			"active": true, "closed": false,
			"tokens": [
				{"token_id": "a_yes", "outcome": "Yes", "price": 0.55},
				{"token_id": "a_no",  "outcome": "No",  "price": 0.45}
			],
			"rewards": {"rates": [{"asset_address": "0x1", "rewards_daily_rate": 20.0}]}
		},
		{
			"condition_id": "0xbbb",
			"question": "Market B?",
			"minimum_tick_size": 0.001,
			"active": true, "closed": true,
			"tokens": [],
			"rewards": {"rates": []}
		}
	]
}`

func TestFetchRewardMarkets(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(samplingPage))
	defer srv.Close()

	client := polymarket.NewClient(polymarket.ClientConfig{CLOBBase: srv.URL})
	markets, err := client.FetchRewardMarkets(context.Background(), domain.DefaultTierBoundaries())
	require.NoError(t, err)

	// El mercado cerrado se filtra en el mapping.
	require.Len(t, markets, 1)
	m := markets[0]
	assert.Equal(t, "0xaaa", m.ConditionID)
	assert.Equal(t, domain.TierSmall, m.Tier)
	assert.InDelta(t, 20, m.RewardRate, 1e-9)
	assert.Equal(t, "a_yes", m.YesToken().TokenID)
}

func TestFetchRewardMarkets_Paginates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			assert.Empty(t, r.URL.Query().Get("next_cursor"))
			fmt.Fprint(w, `{"next_cursor": "ABC=", "data": [{
				"condition_id": "0x1", "active": true, "closed": false,
				"tokens": [], "rewards": {"rates": []}
			}]}`)
			return
		}
		assert.Equal(t, "ABC=", r.URL.Query().Get("next_cursor"))
		fmt.Fprint(w, `{"next_cursor": "LTE=", "data": [{
			"condition_id": "0x2", "active": true, "closed": false,
			"tokens": [], "rewards": {"rates": []}
		}]}`)
	}))
	defer srv.Close()

	client := polymarket.NewClient(polymarket.ClientConfig{CLOBBase: srv.URL})
	markets, err := client.FetchRewardMarkets(context.Background(), domain.DefaultTierBoundaries())
	require.NoError(t, err)
	assert.Len(t, markets, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": [], "next_cursor": "LTE="}`)
	}))
	defer srv.Close()

	client := polymarket.NewClient(polymarket.ClientConfig{CLOBBase: srv.URL})
	_, err := client.FetchRewardMarkets(context.Background(), domain.DefaultTierBoundaries())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ClientErrorsAreNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := polymarket.NewClient(polymarket.ClientConfig{CLOBBase: srv.URL})
	_, err := client.FetchRewardMarkets(context.Background(), domain.DefaultTierBoundaries())
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestFeed_HistoricalTradesWindowFilter(t *testing.T) {
	now := time.Now().UTC()
	inWindow := now.Add(-time.Hour).Unix()
	outOfWindow := now.Add(-10 * 24 * time.Hour).Unix()

	srv := httptest.NewServer(jsonHandler(fmt.Sprintf(`[
		{"asset": "tok-yes", "price": "0.50", "size": "100", "timestamp": %d},
		{"asset": "tok-yes", "price": "0.52", "size": "50",  "timestamp": %d},
		{"asset": "tok-yes", "price": "0",    "size": "10",  "timestamp": %d},
		{"asset": "tok-yes", "price": "0.48", "size": "25",  "timestamp": %d}
	]`, inWindow, inWindow, inWindow, outOfWindow)))
	defer srv.Close()

	feed := polymarket.NewFeed(polymarket.NewClient(polymarket.ClientConfig{DataAPIBase: srv.URL}))
	trades, err := feed.HistoricalTrades(context.Background(), "tok-yes", now.Add(-7*24*time.Hour), now)
	require.NoError(t, err)

	// El trade fuera de ventana y el de precio cero se descartan.
	require.Len(t, trades, 2)
	assert.InDelta(t, 0.50, trades[0].Price, 1e-9)
	assert.InDelta(t, 100, trades[0].Size, 1e-9)
}

func TestFeed_MarketInfo(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(`{
		"data": {
			"condition": {
				"id": "0xcond",
				"lastActiveTimestamp": "1714000000",
				"openInterest": "2500000000",
				"tickSize": "0.01"
			}
		}
	}`))
	defer srv.Close()

	feed := polymarket.NewFeed(polymarket.NewClient(polymarket.ClientConfig{SubgraphBase: srv.URL}))
	info, err := feed.MarketInfo(context.Background(), "0xcond")
	require.NoError(t, err)

	assert.Equal(t, int64(1714000000), info.LastActive.Unix())
	// Open interest en micro-USDC: 2_500_000_000 → 2500.
	assert.InDelta(t, 2500, info.OpenInterest, 1e-9)
	assert.InDelta(t, 0.01, info.Increment, 1e-9)
}

func TestFeed_MarketInfoNotFound(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(`{"data": {"condition": null}}`))
	defer srv.Close()

	feed := polymarket.NewFeed(polymarket.NewClient(polymarket.ClientConfig{SubgraphBase: srv.URL}))
	_, err := feed.MarketInfo(context.Background(), "0xmissing")
	assert.Error(t, err)
}

func TestFeed_AggregatedMetrics(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(`[
		{"conditionId": "0xcond", "volume": "125000.5", "liquidity": "8000", "active": true}
	]`))
	defer srv.Close()

	feed := polymarket.NewFeed(polymarket.NewClient(polymarket.ClientConfig{GammaBase: srv.URL}))
	metrics, err := feed.AggregatedMetrics(context.Background(), "0xcond")
	require.NoError(t, err)

	assert.InDelta(t, 125000.5, metrics.TotalVolume, 1e-9)
	assert.InDelta(t, 8000, metrics.Liquidity, 1e-9)
}
