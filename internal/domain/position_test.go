package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionApplyFillBuysWeightAverage(t *testing.T) {
	p := Position{ConditionID: "0xcond"}

	realized := p.ApplyFill(SideBuy, 30, 0.49)
	assert.Zero(t, realized)
	realized = p.ApplyFill(SideBuy, 70, 0.48)
	assert.Zero(t, realized)

	assert.InDelta(t, 100, p.Quantity, 1e-9)
	assert.InDelta(t, 0.483, p.AvgCost, 1e-9)
	assert.InDelta(t, 48.3, p.Notional(), 1e-9)
}

func TestPositionApplyFillSellRealizesPnL(t *testing.T) {
	p := Position{ConditionID: "0xcond"}
	p.ApplyFill(SideBuy, 100, 0.48)

	realized := p.ApplyFill(SideSell, 40, 0.50)
	assert.InDelta(t, 0.8, realized, 1e-9)
	assert.InDelta(t, 60, p.Quantity, 1e-9)
	assert.InDelta(t, 0.48, p.AvgCost, 1e-9)

	realized = p.ApplyFill(SideSell, 60, 0.45)
	assert.InDelta(t, -1.8, realized, 1e-9)
	assert.True(t, p.Flat())
	assert.Zero(t, p.AvgCost)
}

func TestPositionFlatTolerance(t *testing.T) {
	p := Position{}
	p.ApplyFill(SideBuy, 10, 0.5)
	p.ApplyFill(SideSell, 10-1e-12, 0.5)
	assert.True(t, p.Flat())

	p = Position{}
	p.ApplyFill(SideBuy, 10, 0.5)
	assert.False(t, p.Flat())
}

func TestPositionFlatOnLiteral(t *testing.T) {
	assert.True(t, Position{}.Flat())
	assert.Zero(t, Position{}.Notional())
}

func TestPositionIgnoresNonPositiveQty(t *testing.T) {
	p := Position{}
	assert.Zero(t, p.ApplyFill(SideBuy, 0, 0.5))
	assert.Zero(t, p.ApplyFill(SideSell, -1, 0.5))
	assert.True(t, p.Flat())
}
