package domain

// Position es la posición neta de un mercado, acumulada desde los fills de
// todas las legs creadas para ese mercado (ventas en negativo).
type Position struct {
	ConditionID string
	Quantity    float64 // net signed shares
	AvgCost     float64 // volume-weighted average entry price
}

// ApplyFill accumulates a fill into the position. Buys increase quantity and
// move AvgCost by volume weighting; sells reduce quantity and realize PnL
// against AvgCost. Returns the realized PnL of this fill (0 for buys).
func (p *Position) ApplyFill(side Side, qty, price float64) float64 {
	if qty <= 0 {
		return 0
	}

	if side == SideBuy {
		total := p.Quantity + qty
		if total > 0 {
			p.AvgCost = (p.AvgCost*p.Quantity + price*qty) / total
		}
		p.Quantity = total
		return 0
	}

	realized := (price - p.AvgCost) * qty
	p.Quantity -= qty
	if p.Flat() {
		p.Quantity = 0
		p.AvgCost = 0
	}
	return realized
}

// Flat devuelve true si la posición es (prácticamente) cero.
func (p Position) Flat() bool {
	const eps = 1e-9
	return p.Quantity < eps && p.Quantity > -eps
}

// Notional devuelve el valor de la posición a su coste medio.
func (p Position) Notional() float64 {
	return p.Quantity * p.AvgCost
}
