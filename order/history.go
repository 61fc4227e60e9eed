package order

import (
	"sync"
	"time"
)

// History 按 交易所/交易对 记录下单时间，供频率守卫使用。
type History struct {
	mu     sync.Mutex
	byKey  map[string][]time.Time
	retain time.Duration
}

// NewHistory retain 为保留时长，通常等于频率守卫的窗口。
func NewHistory(retain time.Duration) *History {
	return &History{byKey: make(map[string][]time.Time), retain: retain}
}

func historyKey(exchange, symbol string) string { return exchange + "/" + symbol }

// SetRetention 热更新窗口时调整保留时长。
func (h *History) SetRetention(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retain = d
}

// Record 记录一次成功下单。时间戳乱序到达时保持有序。
func (h *History) Record(exchange, symbol string, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := historyKey(exchange, symbol)
	list := h.byKey[key]
	i := len(list)
	for i > 0 && list[i-1].After(ts) {
		i--
	}
	list = append(list, time.Time{})
	copy(list[i+1:], list[i:])
	list[i] = ts
	h.byKey[key] = list
}

// Recent 返回 [now-retain, now] 内的时间戳副本，并裁剪过期记录。
func (h *History) Recent(exchange, symbol string, now time.Time) []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := historyKey(exchange, symbol)
	list := h.byKey[key]
	if h.retain > 0 {
		cutoff := now.Add(-h.retain)
		drop := 0
		for drop < len(list) && list[drop].Before(cutoff) {
			drop++
		}
		if drop > 0 {
			list = append([]time.Time(nil), list[drop:]...)
			if len(list) == 0 {
				delete(h.byKey, key)
			} else {
				h.byKey[key] = list
			}
		}
	}
	return append([]time.Time(nil), list...)
}
