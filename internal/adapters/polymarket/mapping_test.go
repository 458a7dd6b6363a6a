package polymarket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

func sampleMarket(tick string) samplingMarket {
	return samplingMarket{
		ConditionID:     "0xabc",
		Question:        "Will it rain tomorrow?",
		MinimumTickSize: json.Number(tick),
		Active:          true,
		Tokens: []clobToken{
			{TokenID: "tid_yes", Outcome: "Yes", Price: 0.6},
			{TokenID: "tid_no", Outcome: "No", Price: 0.4},
		},
		Rewards: clobRewards{
			Rates: []rewardRate{
				{AssetAddress: "0xa", RewardsDailyRate: 10},
				{AssetAddress: "0xb", RewardsDailyRate: 15},
			},
		},
	}
}

func TestMapSamplingMarket(t *testing.T) {
	m := mapSamplingMarket(sampleMarket("0.01"), domain.DefaultTierBoundaries())

	assert.Equal(t, "0xabc", m.ConditionID)
	assert.InDelta(t, 0.01, m.Increment, 1e-9)
	assert.Equal(t, domain.TierSmall, m.Tier)
	// Las rates se suman: 10 + 15.
	assert.InDelta(t, 25, m.RewardRate, 1e-9)
	assert.Equal(t, "tid_yes", m.YesToken().TokenID)
	assert.Equal(t, "tid_no", m.NoToken().TokenID)
}

func TestMapSamplingMarket_TickSizeDrivesTier(t *testing.T) {
	b := domain.DefaultTierBoundaries()

	assert.Equal(t, domain.TierMedium, mapSamplingMarket(sampleMarket("0.001"), b).Tier)
	assert.Equal(t, domain.TierLarge, mapSamplingMarket(sampleMarket("0.0001"), b).Tier)

	// Tick ausente o inválido: default 0.01.
	m := mapSamplingMarket(sampleMarket(""), b)
	assert.InDelta(t, 0.01, m.Increment, 1e-9)
	assert.Equal(t, domain.TierSmall, m.Tier)
}

func TestMapSamplingMarkets_FiltersInactive(t *testing.T) {
	closed := sampleMarket("0.01")
	closed.Closed = true
	inactive := sampleMarket("0.01")
	inactive.Active = false

	markets := mapSamplingMarkets(
		[]samplingMarket{sampleMarket("0.01"), closed, inactive},
		domain.DefaultTierBoundaries(),
	)
	require.Len(t, markets, 1)
}

func TestMapBookEntries(t *testing.T) {
	raw := []bookEntryRaw{
		{Price: "0.48", Size: "100"},
		{Price: "0.52", Size: "50"},
		{Price: "0.50", Size: "0"},  // size cero se descarta
		{Price: "bogus", Size: "5"}, // precio inválido se descarta
	}

	asks := mapBookEntries(raw, true)
	require.Len(t, asks, 2)
	assert.InDelta(t, 0.48, asks[0].Price, 1e-9)
	assert.InDelta(t, 0.52, asks[1].Price, 1e-9)

	bids := mapBookEntries(raw, false)
	require.Len(t, bids, 2)
	assert.InDelta(t, 0.52, bids[0].Price, 1e-9)
}

func TestMapOrderMsg(t *testing.T) {
	base := wsOrderMsg{
		EventType:    "order",
		ID:           "ord-1",
		Market:       "0xcond",
		Type:         "UPDATE",
		Timestamp:    json.Number("1714000000"),
		OriginalSize: json.Number("100"),
	}

	t.Run("partial", func(t *testing.T) {
		m := base
		m.SizeMatched = json.Number("40")
		ev, ok := mapOrderMsg(m)
		require.True(t, ok)
		assert.Equal(t, domain.EventPartial, ev.Status)
		assert.InDelta(t, 40, ev.FilledQty, 1e-9)
		assert.InDelta(t, 60, ev.RemainingQty, 1e-9)
	})

	t.Run("filled", func(t *testing.T) {
		m := base
		m.SizeMatched = json.Number("100")
		ev, ok := mapOrderMsg(m)
		require.True(t, ok)
		assert.Equal(t, domain.EventFilled, ev.Status)
	})

	t.Run("cancellation", func(t *testing.T) {
		m := base
		m.Type = "CANCELLATION"
		m.SizeMatched = json.Number("40")
		ev, ok := mapOrderMsg(m)
		require.True(t, ok)
		assert.Equal(t, domain.EventCancelled, ev.Status)
		// La cantidad ya matcheada viaja con el ack.
		assert.InDelta(t, 40, ev.FilledQty, 1e-9)
	})

	t.Run("placement ack dropped", func(t *testing.T) {
		m := base
		m.Type = "PLACEMENT"
		m.SizeMatched = json.Number("0")
		_, ok := mapOrderMsg(m)
		assert.False(t, ok)
	})
}

func TestDetectPricePrecision(t *testing.T) {
	assert.Equal(t, int64(100), detectPricePrecision(0.60))
	assert.Equal(t, int64(1000), detectPricePrecision(0.673))
	assert.Equal(t, int64(10000), detectPricePrecision(0.1234))
}

func TestParseTradeTimestamp(t *testing.T) {
	// Unix en segundos.
	ts := parseTradeTimestamp(json.Number("1714000000"))
	assert.Equal(t, int64(1714000000), ts.Unix())

	// Unix en milisegundos.
	ts = parseTradeTimestamp(json.Number("1714000000500"))
	assert.Equal(t, int64(1714000000), ts.Unix())

	// ISO 8601.
	ts = parseTradeTimestamp(json.Number("2024-04-24T22:26:40Z"))
	assert.Equal(t, time.Date(2024, 4, 24, 22, 26, 40, 0, time.UTC), ts.UTC())

	// Basura: zero time.
	assert.True(t, parseTradeTimestamp(json.Number("not-a-time")).IsZero())
}
