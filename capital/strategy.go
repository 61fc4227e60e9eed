package capital

import "strings"

const (
	TierWash    = "wash"
	TierArb     = "arb"
	TierReserve = "reserve"
)

// DefaultTierFractions 三层资金划分的默认占比。
func DefaultTierFractions() map[string]float64 {
	return map[string]float64{
		TierArb:     0.7,
		TierWash:    0.2,
		TierReserve: 0.1,
	}
}

// DefaultStrategyTiers 策略标签到资金层的固定映射。
func DefaultStrategyTiers() map[string]string {
	return map[string]string{
		"arbitrage":   TierArb,
		"arb":         TierArb,
		"cross_venue": TierArb,
		"funding_arb": TierArb,
		"wash":        TierWash,
		"volume":      TierWash,
		"market_make": TierWash,
		"hedge":       TierReserve,
		"reserve":     TierReserve,
		"emergency":   TierReserve,
		"reduce_only": TierReserve,
	}
}

func normalizeStrategy(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
