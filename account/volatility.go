package account

import (
	"math"
	"time"
)

// volatilityWindow 滚动窗口内的已实现波动率（对数收益率标准差，不年化）。
type volatilityWindow struct {
	size   int
	prices []float64
	times  []time.Time
}

func newVolatilityWindow(size int) *volatilityWindow {
	if size < 2 {
		size = 2
	}
	return &volatilityWindow{
		size:   size,
		prices: make([]float64, 0, size),
		times:  make([]time.Time, 0, size),
	}
}

func (v *volatilityWindow) add(price float64, ts time.Time) {
	if !(price > 0) || math.IsInf(price, 0) {
		return
	}
	v.prices = append(v.prices, price)
	v.times = append(v.times, ts)
	if len(v.prices) > v.size {
		v.prices = v.prices[1:]
		v.times = v.times[1:]
	}
}

func (v *volatilityWindow) last() float64 {
	if len(v.prices) == 0 {
		return 0
	}
	return v.prices[len(v.prices)-1]
}

func (v *volatilityWindow) realized() float64 {
	if len(v.prices) < 3 {
		return 0
	}
	n := len(v.prices) - 1
	rets := make([]float64, n)
	mean := 0.0
	for i := 1; i < len(v.prices); i++ {
		rets[i-1] = math.Log(v.prices[i] / v.prices[i-1])
		mean += rets[i-1]
	}
	mean /= float64(n)
	ss := 0.0
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	// 样本标准差
	return math.Sqrt(ss / float64(n-1))
}
