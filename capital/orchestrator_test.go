package capital

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"perp-riskgate/infrastructure/logger"
)

func newTestOrchestrator(t *testing.T, equities map[string]float64) *Orchestrator {
	t.Helper()
	var cfgs []ExchangeConfig
	for name, eq := range equities {
		cfgs = append(cfgs, ExchangeConfig{
			Name:             name,
			Equity:           eq,
			Tiers:            DefaultTierFractions(),
			DrawdownLimitPct: 0.05,
			SafeTiers:        []string{TierReserve},
		})
	}
	o, err := NewOrchestrator(cfgs, nil, logger.NewNop())
	require.NoError(t, err)
	return o
}

func allocated(t *testing.T, o *Orchestrator, ex, tier string) float64 {
	t.Helper()
	st, ok := o.Exchange(ex)
	require.True(t, ok)
	p, ok := st.Pool(tier)
	require.True(t, ok)
	return p.Allocated()
}

type recordingObserver struct {
	mu       sync.Mutex
	pools    int
	safe     []bool
	approved int
	rejected int
}

func (r *recordingObserver) PoolChanged(string, PoolSnapshot) {
	r.mu.Lock()
	r.pools++
	r.mu.Unlock()
}

func (r *recordingObserver) SafeModeChanged(_ string, safe bool, _ float64) {
	r.mu.Lock()
	r.safe = append(r.safe, safe)
	r.mu.Unlock()
}

func (r *recordingObserver) ReservationFinished(_ string, approved bool) {
	r.mu.Lock()
	if approved {
		r.approved++
	} else {
		r.rejected++
	}
	r.mu.Unlock()
}

func TestNormalizeFractionsWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	st, err := NewExchangeState(ExchangeConfig{
		Name:   "okx",
		Equity: 1000,
		Tiers:  map[string]float64{"arb": 7, "wash": 3},
	}, logger.Wrap(zap.New(core)))
	require.NoError(t, err)

	p, _ := st.Pool("arb")
	assert.InDelta(t, 0.7, p.Fraction(), 1e-12)
	assert.InDelta(t, 700, p.Size(), 1e-9)
	assert.Equal(t, 1, logs.FilterMessage("tier fractions normalized").Len())
}

func TestZeroFractionsIsConfigError(t *testing.T) {
	_, err := NewExchangeState(ExchangeConfig{Name: "okx", Tiers: map[string]float64{"arb": 0}}, nil)
	assert.ErrorIs(t, err, ErrInvalidFractions)

	_, err = NewExchangeState(ExchangeConfig{Name: "okx", Tiers: map[string]float64{"arb": 1}, SafeTiers: []string{"nope"}}, nil)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestReserve_SingleExchange(t *testing.T) {
	o := newTestOrchestrator(t, map[string]float64{"binance": 10000})

	ok, err := o.Reserve("binance", TierArb, 3000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = o.Reserve("binance", TierArb, 5000)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = o.Reserve("kraken", TierArb, 1)
	assert.ErrorIs(t, err, ErrUnknownExchange)
	_, err = o.Reserve("binance", "moon", 1)
	assert.ErrorIs(t, err, ErrUnknownTier)
	_, err = o.Reserve("binance", TierArb, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReserveForStrategy_AllOrNothing(t *testing.T) {
	// A 足额，B 不足
	o := newTestOrchestrator(t, map[string]float64{"A": 10000, "B": 1000})
	obs := &recordingObserver{}
	o.SetObserver(obs)
	before := allocated(t, o, "A", TierArb)

	res, err := o.ReserveForStrategy([]string{"A", "B"}, 2000, "arbitrage")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, ReservationRejected, res.State())
	assert.Contains(t, res.Reason, "exchange B")
	assert.Empty(t, res.Legs)
	assert.Equal(t, before, allocated(t, o, "A", TierArb), "A 的占用必须回滚")
	assert.Equal(t, 0.0, allocated(t, o, "B", TierArb))
	assert.Equal(t, 1, obs.rejected)

	// 未批准的预留不能释放
	assert.ErrorIs(t, o.Release(res), ErrNotApproved)
}

func TestReserveForStrategy_ApproveAndRelease(t *testing.T) {
	o := newTestOrchestrator(t, map[string]float64{"A": 10000, "B": 10000})

	res, err := o.ReserveForStrategy([]string{"A", "B"}, 2000, "ARB")
	require.NoError(t, err)
	require.True(t, res.Approved)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, TierArb, res.Tier)
	assert.Len(t, res.Legs, 2)
	assert.Equal(t, 4000.0, res.Total())
	assert.Equal(t, 2000.0, allocated(t, o, "A", TierArb))
	assert.Equal(t, 2000.0, allocated(t, o, "B", TierArb))

	require.NoError(t, o.Release(res))
	assert.Equal(t, ReservationReleased, res.State())
	assert.Equal(t, 0.0, allocated(t, o, "A", TierArb))

	// 二次释放不触碰资金池
	_, _ = o.Reserve("A", TierArb, 500)
	assert.ErrorIs(t, o.Release(res), ErrAlreadyReleased)
	assert.Equal(t, 500.0, allocated(t, o, "A", TierArb))
}

func TestReserveForStrategy_ConfigErrors(t *testing.T) {
	o := newTestOrchestrator(t, map[string]float64{"A": 10000})

	_, err := o.ReserveForStrategy([]string{"A"}, 100, "martingale")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = o.ReserveForStrategy(nil, 100, "arb")
	assert.ErrorIs(t, err, ErrNoExchanges)

	_, err = o.ReserveForStrategy([]string{"A", "Z"}, 100, "arb")
	assert.ErrorIs(t, err, ErrUnknownExchange)
	assert.Equal(t, 0.0, allocated(t, o, "A", TierArb), "配置错误不应产生任何占用")

	_, err = o.ReserveForStrategy([]string{"A", "A"}, 100, "arb")
	assert.Error(t, err)
}

func TestSafeMode(t *testing.T) {
	o := newTestOrchestrator(t, map[string]float64{"binance": 100000})
	obs := &recordingObserver{}
	o.SetObserver(obs)

	require.NoError(t, o.UpdateDrawdown("binance", 0.06))
	st, _ := o.Exchange("binance")
	assert.True(t, st.SafeMode())

	ok, err := o.Reserve("binance", TierArb, 1000)
	require.NoError(t, err)
	assert.False(t, ok, "安全模式下 arb 层被拒")

	ok, err = o.Reserve("binance", TierReserve, 1000)
	require.NoError(t, err)
	assert.True(t, ok, "reserve 在白名单内")

	res, err := o.ReserveForStrategy([]string{"binance"}, 1000, "arb")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "safe mode")

	require.NoError(t, o.UpdateDrawdown("binance", 0.01))
	assert.False(t, st.SafeMode())
	assert.Equal(t, []bool{true, false}, obs.safe)

	assert.ErrorIs(t, o.UpdateDrawdown("nowhere", 0.1), ErrUnknownExchange)
}

func TestUpdateDrawdownRejectsBadValues(t *testing.T) {
	o := newTestOrchestrator(t, map[string]float64{"binance": 100000})
	st, _ := o.Exchange("binance")
	for _, v := range []float64{-0.01, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, o.UpdateDrawdown("binance", v), ErrInvalidDrawdown)
	}
	assert.False(t, st.SafeMode())
}

func TestZeroDrawdownLimitDisablesSafeMode(t *testing.T) {
	o, err := NewOrchestrator([]ExchangeConfig{{
		Name:      "okx",
		Equity:    50000,
		Tiers:     DefaultTierFractions(),
		SafeTiers: []string{TierReserve},
	}}, nil, logger.NewNop())
	require.NoError(t, err)

	require.NoError(t, o.UpdateDrawdown("okx", 0.5))
	st, _ := o.Exchange("okx")
	assert.False(t, st.SafeMode())
	ok, err := o.Reserve("okx", TierArb, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateEquity(t *testing.T) {
	o := newTestOrchestrator(t, map[string]float64{"A": 10000})
	require.NoError(t, o.UpdateEquity("A", 20000))
	st, _ := o.Exchange("A")
	p, _ := st.Pool(TierArb)
	assert.InDelta(t, 14000, p.Size(), 1e-9)
	assert.ErrorIs(t, o.UpdateEquity("Z", 1), ErrUnknownExchange)
}

func TestConvertThenRelease(t *testing.T) {
	o := newTestOrchestrator(t, map[string]float64{"A": 10000})
	res, err := o.ReserveForStrategy([]string{"A"}, 1000, "wash")
	require.NoError(t, err)
	require.True(t, res.Approved)

	require.NoError(t, o.Convert(res))
	assert.Equal(t, ReservationConverted, res.State())
	assert.Equal(t, 1000.0, allocated(t, o, "A", TierWash), "转为持仓后资金仍占用")
	assert.ErrorIs(t, o.Convert(res), ErrNotConvertible)

	require.NoError(t, o.Release(res))
	assert.Equal(t, 0.0, allocated(t, o, "A", TierWash))
	assert.ErrorIs(t, o.Convert(res), ErrAlreadyReleased)
}

func TestSnapshot(t *testing.T) {
	o := newTestOrchestrator(t, map[string]float64{"b": 1000, "a": 2000})
	_, _ = o.Reserve("a", TierWash, 100)

	snaps := o.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Exchange)
	require.Len(t, snaps[0].Pools, 3)
	for _, p := range snaps[0].Pools {
		if p.Tier == TierWash {
			assert.InDelta(t, 400, p.Size, 1e-9)
			assert.Equal(t, 100.0, p.Allocated)
			assert.InDelta(t, 300, p.Available, 1e-9)
		}
	}
}

func TestConcurrentStrategyReservations(t *testing.T) {
	o := newTestOrchestrator(t, map[string]float64{"A": 10000, "B": 10000})
	var wg sync.WaitGroup
	results := make(chan *Reservation, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.ReserveForStrategy([]string{"A", "B"}, 500, "arb")
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	approved := 0
	for res := range results {
		if res.Approved {
			approved++
		}
	}
	// arb 层 7000 / 500 = 14 笔；两边各自不超额
	assert.LessOrEqual(t, allocated(t, o, "A", TierArb), 7000.0)
	assert.LessOrEqual(t, allocated(t, o, "B", TierArb), 7000.0)
	assert.Equal(t, float64(approved)*500, allocated(t, o, "A", TierArb))
	assert.Equal(t, float64(approved)*500, allocated(t, o, "B", TierArb))
}
