package risk

import (
	"fmt"
	"time"
)

// Limits 风控参数，0 表示关闭对应守卫。
type Limits struct {
	MaxNotional      float64
	MaxGrossExposure float64
	MaxOrders        int
	OrderWindow      time.Duration
	MaxLeverage      float64
	MarginLeverage   float64
	MaxVolatility    float64
}

// Validate 拒绝负值以及不完整的频率配置。
func (l Limits) Validate() error {
	if l.MaxNotional < 0 || l.MaxGrossExposure < 0 || l.MaxLeverage < 0 || l.MarginLeverage < 0 || l.MaxVolatility < 0 {
		return fmt.Errorf("%w: limits must be >= 0", ErrInvalidLimit)
	}
	if l.MaxOrders < 0 {
		return fmt.Errorf("%w: maxOrders must be >= 0", ErrInvalidLimit)
	}
	if l.MaxOrders > 0 && l.OrderWindow <= 0 {
		return fmt.Errorf("%w: orderWindow must be > 0 when maxOrders is set", ErrInvalidLimit)
	}
	return nil
}

// BuildGuards 按固定顺序组装常用风控组合。
func BuildGuards(l Limits) (*Engine, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	e := NewEngine()
	if l.MaxNotional > 0 {
		e.AddGuard(NewMaxNotionalGuard(l.MaxNotional))
	}
	if l.MaxGrossExposure > 0 {
		e.AddGuard(NewMaxExposureGuard(l.MaxGrossExposure))
	}
	if l.MaxOrders > 0 {
		e.AddGuard(NewOrderFrequencyGuard(l.MaxOrders, l.OrderWindow))
	}
	if l.MaxLeverage > 0 {
		e.AddGuard(NewMaxLeverageGuard(l.MaxLeverage))
	}
	if l.MarginLeverage > 0 {
		e.AddGuard(NewMarginGuard(l.MarginLeverage))
	}
	if l.MaxVolatility > 0 {
		e.AddGuard(NewVolatilityGuard(l.MaxVolatility))
	}
	return e, nil
}
