package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeBook() OrderBook {
	return OrderBook{
		TokenID: "tok-yes",
		Bids: []BookEntry{
			{Price: 0.48, Size: 100},
			{Price: 0.47, Size: 200},
			{Price: 0.40, Size: 500},
		},
		Asks: []BookEntry{
			{Price: 0.52, Size: 80},
			{Price: 0.53, Size: 150},
			{Price: 0.60, Size: 300},
		},
	}
}

func TestOrderBookTopOfBook(t *testing.T) {
	ob := makeBook()

	assert.InDelta(t, 0.48, ob.BestBid(), 1e-9)
	assert.InDelta(t, 0.52, ob.BestAsk(), 1e-9)
	assert.InDelta(t, 0.50, ob.Midpoint(), 1e-9)
	assert.InDelta(t, 0.04, ob.Spread(), 1e-9)
}

func TestOrderBookEmptySides(t *testing.T) {
	ob := OrderBook{}

	assert.Zero(t, ob.BestBid())
	assert.Zero(t, ob.BestAsk())
	assert.Zero(t, ob.Midpoint())
	assert.Zero(t, ob.Spread())
}

func TestOrderBookAskDepth(t *testing.T) {
	ob := makeBook()

	assert.InDelta(t, 80, ob.AskDepth(0.52), 1e-9)
	assert.InDelta(t, 230, ob.AskDepth(0.55), 1e-9)
	assert.Zero(t, ob.AskDepth(0.50))
}

func TestOrderBookBidDepthWithin(t *testing.T) {
	ob := makeBook()

	// midpoint 0.50: bids at 0.48 y 0.47 caen dentro de 0.03
	assert.InDelta(t, 300, ob.BidDepthWithin(0.03), 1e-9)
	assert.InDelta(t, 100, ob.BidDepthWithin(0.02), 1e-9)
}

func TestParsePrice(t *testing.T) {
	assert.InDelta(t, 0.515, ParsePrice("0.515"), 1e-9)
	assert.Zero(t, ParsePrice("garbage"))
}
