package domain

import "fmt"

// RiskState is the per-market fill-reaction state. Transitions are driven
// only by fill/cancel-ack events and liquidation completion events.
type RiskState string

const (
	RiskNeutral     RiskState = "NEUTRAL"     // no fill, ladder intact
	RiskCascading   RiskState = "CASCADING"   // one leg filled, sibling cancel in flight
	RiskExposed     RiskState = "EXPOSED"     // position open, no de-risk action started
	RiskLiquidating RiskState = "LIQUIDATING" // de-risk orders in flight
	RiskHedged      RiskState = "HEDGED"      // opposite-outcome offset established
	RiskUnwinding   RiskState = "UNWINDING"   // both sides being closed passively
	RiskClosed      RiskState = "CLOSED"      // flat
)

// Policy selecciona cómo se gestiona una posición una vez Exposed.
// Se fija por mercado en la activación y es mutuamente exclusiva por posición.
type Policy string

const (
	// PolicyImmediateCut: market-sell half immediately, rest the other half
	// at the best ask. Bounds downside fast, accepts slippage.
	PolicyImmediateCut Policy = "immediate_cut"
	// PolicyHedge: buy the complementary outcome to neutralize exposure,
	// then unwind both sides passively.
	PolicyHedge Policy = "hedge"
)

// ParsePolicy valida el selector de policy de la configuración.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyImmediateCut, PolicyHedge:
		return Policy(s), nil
	case "":
		return PolicyImmediateCut, nil
	default:
		return "", fmt.Errorf("domain.ParsePolicy: unknown policy %q", s)
	}
}
