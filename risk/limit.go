package risk

// MaxNotionalGuard 单笔名义价值上限，等于上限时放行。
type MaxNotionalGuard struct {
	MaxNotional float64
}

func NewMaxNotionalGuard(maxNotional float64) *MaxNotionalGuard {
	return &MaxNotionalGuard{MaxNotional: maxNotional}
}

func (g *MaxNotionalGuard) Name() string { return "max_notional" }

func (g *MaxNotionalGuard) Evaluate(ctx PreTradeContext) GuardResult {
	if ctx.Notional > g.MaxNotional {
		return fail(g.Name(), map[string]float64{
			"notional": ctx.Notional,
			"limit":    g.MaxNotional,
			"excess":   ctx.Notional - g.MaxNotional,
		}, "notional %.2f > limit %.2f (exceeds by %.2f)", ctx.Notional, g.MaxNotional, ctx.Notional-g.MaxNotional)
	}
	return pass(g.Name())
}

// MaxExposureGuard 成交后总敞口上限；GrossExposure 由调用方按成交后计算。
type MaxExposureGuard struct {
	MaxGrossExposure float64
}

func NewMaxExposureGuard(maxGross float64) *MaxExposureGuard {
	return &MaxExposureGuard{MaxGrossExposure: maxGross}
}

func (g *MaxExposureGuard) Name() string { return "max_exposure" }

func (g *MaxExposureGuard) Evaluate(ctx PreTradeContext) GuardResult {
	if ctx.GrossExposure > g.MaxGrossExposure {
		excess := ctx.GrossExposure - g.MaxGrossExposure
		return fail(g.Name(), map[string]float64{
			"gross_exposure": ctx.GrossExposure,
			"limit":          g.MaxGrossExposure,
			"excess":         excess,
		}, "post-trade gross exposure %.2f > limit %.2f (exceeds by %.2f)", ctx.GrossExposure, g.MaxGrossExposure, excess)
	}
	return pass(g.Name())
}

// MaxLeverageGuard 账户杠杆上限。
type MaxLeverageGuard struct {
	MaxLeverage float64
}

func NewMaxLeverageGuard(maxLeverage float64) *MaxLeverageGuard {
	return &MaxLeverageGuard{MaxLeverage: maxLeverage}
}

func (g *MaxLeverageGuard) Name() string { return "max_leverage" }

func (g *MaxLeverageGuard) Evaluate(ctx PreTradeContext) GuardResult {
	if ctx.Leverage > g.MaxLeverage {
		return fail(g.Name(), map[string]float64{
			"leverage": ctx.Leverage,
			"limit":    g.MaxLeverage,
			"excess":   ctx.Leverage - g.MaxLeverage,
		}, "leverage %.2fx > limit %.2fx", ctx.Leverage, g.MaxLeverage)
	}
	return pass(g.Name())
}

// MarginGuard 按给定杠杆计算所需初始保证金，超过可用保证金则拒绝。
type MarginGuard struct {
	Leverage float64
}

func NewMarginGuard(leverage float64) *MarginGuard {
	return &MarginGuard{Leverage: leverage}
}

func (g *MarginGuard) Name() string { return "margin" }

func (g *MarginGuard) Evaluate(ctx PreTradeContext) GuardResult {
	if g.Leverage <= 0 {
		return pass(g.Name())
	}
	required := ctx.Notional / g.Leverage
	if required > ctx.AvailableMargin {
		return fail(g.Name(), map[string]float64{
			"required_margin":  required,
			"available_margin": ctx.AvailableMargin,
			"shortfall":        required - ctx.AvailableMargin,
		}, "required margin %.2f > available %.2f at %.1fx (short by %.2f)",
			required, ctx.AvailableMargin, g.Leverage, required-ctx.AvailableMargin)
	}
	return pass(g.Name())
}

// VolatilityGuard 行情波动率过高时暂停开单。
type VolatilityGuard struct {
	MaxVolatility float64
}

func NewVolatilityGuard(maxVol float64) *VolatilityGuard {
	return &VolatilityGuard{MaxVolatility: maxVol}
}

func (g *VolatilityGuard) Name() string { return "volatility" }

func (g *VolatilityGuard) Evaluate(ctx PreTradeContext) GuardResult {
	if ctx.Volatility > g.MaxVolatility {
		return fail(g.Name(), map[string]float64{
			"volatility": ctx.Volatility,
			"limit":      g.MaxVolatility,
		}, "volatility %.4f > limit %.4f", ctx.Volatility, g.MaxVolatility)
	}
	return pass(g.Name())
}
