package risk

import "time"

// OrderFrequencyGuard 滑动窗口内的下单次数上限。
// 时间戳取自 ctx.RecentOrders，守卫本身不保存状态；达到上限即阻止下一单。
type OrderFrequencyGuard struct {
	MaxOrders int
	Window    time.Duration
}

func NewOrderFrequencyGuard(maxOrders int, window time.Duration) *OrderFrequencyGuard {
	return &OrderFrequencyGuard{MaxOrders: maxOrders, Window: window}
}

func (g *OrderFrequencyGuard) Name() string { return "order_frequency" }

func (g *OrderFrequencyGuard) Evaluate(ctx PreTradeContext) GuardResult {
	count := CountInWindow(ctx.RecentOrders, ctx.Now, g.Window)
	if count >= g.MaxOrders {
		return fail(g.Name(), map[string]float64{
			"orders_in_window": float64(count),
			"limit":            float64(g.MaxOrders),
			"window_seconds":   g.Window.Seconds(),
		}, "%d orders in last %s >= limit %d", count, g.Window, g.MaxOrders)
	}
	return pass(g.Name())
}

// CountInWindow 统计落在 [now-window, now] 内的时间戳数量。
func CountInWindow(ts []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, t := range ts {
		if !t.Before(cutoff) && !t.After(now) {
			n++
		}
	}
	return n
}
