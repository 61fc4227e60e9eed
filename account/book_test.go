package account

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBook_SnapshotExposure(t *testing.T) {
	b := NewBook(20)
	require.NoError(t, b.ApplyUpdate(Update{
		Exchange:        "binance",
		Equity:          ptr(100000),
		AvailableMargin: ptr(40000),
		Positions:       map[string]float64{"BTCUSDT": 0.5, "ETHUSDT": -10},
	}))
	b.UpdatePrice("binance", "BTCUSDT", 50000, time.Time{})
	b.UpdatePrice("binance", "ETHUSDT", 3000, time.Time{})

	snap, err := b.Snapshot("binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100000.0, snap.Equity)
	assert.Equal(t, 40000.0, snap.AvailableMargin)
	assert.InDelta(t, 25000-30000, snap.NetExposure, 1e-9)
	assert.InDelta(t, 55000, snap.GrossExposure, 1e-9)
	assert.InDelta(t, 25000, snap.SymbolExposure, 1e-9)
	assert.Equal(t, 50000.0, snap.MarkPrice)
}

func ptr(v float64) *float64 { return &v }

func TestBook_PartialUpdateKeepsMissingFields(t *testing.T) {
	b := NewBook(20)
	require.NoError(t, b.ApplyUpdate(Update{
		Exchange:        "binance",
		Equity:          ptr(100000),
		AvailableMargin: ptr(40000),
		Positions:       map[string]float64{"BTCUSDT": 0.5},
	}))
	b.UpdatePrice("binance", "BTCUSDT", 50000, time.Time{})

	// 只推送保证金
	require.NoError(t, b.ApplyUpdate(Update{Exchange: "binance", AvailableMargin: ptr(30000)}))
	snap, err := b.Snapshot("binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100000.0, snap.Equity)
	assert.Equal(t, 30000.0, snap.AvailableMargin)
	assert.InDelta(t, 25000, snap.SymbolExposure, 1e-9)

	// 空持仓表示已平仓
	require.NoError(t, b.ApplyUpdate(Update{Exchange: "binance", Positions: map[string]float64{}}))
	snap, _ = b.Snapshot("binance", "BTCUSDT")
	assert.Equal(t, 0.0, snap.GrossExposure)
	assert.Equal(t, 100000.0, snap.Equity)
}

func TestBook_UnknownExchange(t *testing.T) {
	b := NewBook(20)
	_, err := b.Snapshot("kraken", "BTCUSDT")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestBook_RejectsBadUpdate(t *testing.T) {
	b := NewBook(20)
	assert.Error(t, b.ApplyUpdate(Update{Equity: ptr(1)}))
	assert.Error(t, b.ApplyUpdate(Update{Exchange: "a", Equity: ptr(-1)}))
	assert.Error(t, b.ApplyUpdate(Update{Exchange: "a", AvailableMargin: ptr(math.NaN())}))
	assert.Error(t, b.ApplyUpdate(Update{Exchange: "a", Positions: map[string]float64{"X": math.NaN()}}))
}

func TestBook_ApplyFill(t *testing.T) {
	b := NewBook(20)
	b.UpdateEquity("okx", 5000)
	b.UpdatePrice("okx", "BTCUSDT", 40000, time.Time{})

	b.ApplyFill("okx", "BTCUSDT", 0.1)
	snap, err := b.Snapshot("okx", "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 4000, snap.SymbolExposure, 1e-9)

	b.ApplyFill("okx", "BTCUSDT", -0.1)
	snap, _ = b.Snapshot("okx", "BTCUSDT")
	assert.Equal(t, 0.0, snap.GrossExposure)
	assert.Equal(t, []string{"okx"}, b.Exchanges())
}

func TestVolatilityWindow(t *testing.T) {
	w := newVolatilityWindow(3)
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	w.add(100, ts)
	w.add(101, ts)
	assert.Equal(t, 0.0, w.realized(), "样本不足")

	// 价格不变时波动率为 0
	flat := newVolatilityWindow(5)
	for i := 0; i < 5; i++ {
		flat.add(100, ts)
	}
	assert.Equal(t, 0.0, flat.realized())

	// 交替涨跌 ±r：对数收益率 {+a, -a, +a}
	alt := newVolatilityWindow(4)
	for _, p := range []float64{100, 110, 100, 110} {
		alt.add(p, ts)
	}
	a := math.Log(1.1)
	mean := a / 3
	ss := 2*(a-mean)*(a-mean) + (-a-mean)*(-a-mean)
	assert.InDelta(t, math.Sqrt(ss/2), alt.realized(), 1e-12)

	// 窗口只保留最近 size 个价格
	w.add(102, ts)
	w.add(103, ts)
	assert.Len(t, w.prices, 3)
	assert.Equal(t, 103.0, w.last())

	w.add(-1, ts)
	assert.Equal(t, 103.0, w.last(), "非正价格被忽略")
}
