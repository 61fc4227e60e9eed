package risk

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Side 订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 接受 buy/sell（大小写不敏感）。
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: side %q", ErrInvalidContext, s)
	}
}

// Sign 买为 +1，卖为 -1。
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// ContextParams 构造 PreTradeContext 的原始输入。
type ContextParams struct {
	Exchange        string
	Symbol          string
	Side            Side
	Size            float64
	Price           float64
	Equity          float64
	AvailableMargin float64
	NetExposure     float64 // 有符号，多头为正
	GrossExposure   float64 // 已包含本单的假设成交后敞口
	Leverage        float64
	Volatility      float64
	RecentOrders    []time.Time
	Now             time.Time
}

// PreTradeContext 是下单前风控检查所需的只读快照，构造后不再修改。
type PreTradeContext struct {
	Exchange        string
	Symbol          string
	Side            Side
	Size            float64
	Price           float64
	Notional        float64
	Equity          float64
	AvailableMargin float64
	NetExposure     float64
	GrossExposure   float64
	Leverage        float64
	Volatility      float64
	RecentOrders    []time.Time
	Now             time.Time
}

// NewPreTradeContext 校验输入并计算 notional = size * price。
func NewPreTradeContext(p ContextParams) (PreTradeContext, error) {
	if p.Exchange == "" || p.Symbol == "" {
		return PreTradeContext{}, fmt.Errorf("%w: exchange and symbol are required", ErrInvalidContext)
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return PreTradeContext{}, fmt.Errorf("%w: side %q", ErrInvalidContext, p.Side)
	}
	nonNeg := []struct {
		name string
		v    float64
	}{
		{"size", p.Size},
		{"price", p.Price},
		{"equity", p.Equity},
		{"available_margin", p.AvailableMargin},
		{"gross_exposure", p.GrossExposure},
		{"leverage", p.Leverage},
		{"volatility", p.Volatility},
	}
	var errs []error
	for _, f := range nonNeg {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must be a non-negative number, got %v", f.name, f.v))
		}
	}
	if math.IsNaN(p.NetExposure) || math.IsInf(p.NetExposure, 0) {
		errs = append(errs, fmt.Errorf("net_exposure must be finite, got %v", p.NetExposure))
	}
	if len(errs) > 0 {
		return PreTradeContext{}, fmt.Errorf("%w: %w", ErrInvalidContext, errors.Join(errs...))
	}

	now := p.Now
	if now.IsZero() {
		now = NowUTC.Now()
	}
	recent := make([]time.Time, len(p.RecentOrders))
	copy(recent, p.RecentOrders)

	return PreTradeContext{
		Exchange:        p.Exchange,
		Symbol:          p.Symbol,
		Side:            p.Side,
		Size:            p.Size,
		Price:           p.Price,
		Notional:        p.Size * p.Price,
		Equity:          p.Equity,
		AvailableMargin: p.AvailableMargin,
		NetExposure:     p.NetExposure,
		GrossExposure:   p.GrossExposure,
		Leverage:        p.Leverage,
		Volatility:      p.Volatility,
		RecentOrders:    recent,
		Now:             now,
	}, nil
}
