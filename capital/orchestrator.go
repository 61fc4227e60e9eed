package capital

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perp-riskgate/infrastructure/logger"
)

// Observer 接收资金状态变化，用于指标与告警。
type Observer interface {
	PoolChanged(exchange string, snap PoolSnapshot)
	SafeModeChanged(exchange string, safe bool, drawdownPct float64)
	ReservationFinished(strategy string, approved bool)
}

type nopObserver struct{}

func (nopObserver) PoolChanged(string, PoolSnapshot)      {}
func (nopObserver) SafeModeChanged(string, bool, float64) {}
func (nopObserver) ReservationFinished(string, bool)      {}

// Observers 把事件依次转发给多个观察者。
type Observers []Observer

func (obs Observers) PoolChanged(exchange string, snap PoolSnapshot) {
	for _, o := range obs {
		o.PoolChanged(exchange, snap)
	}
}

func (obs Observers) SafeModeChanged(exchange string, safe bool, drawdownPct float64) {
	for _, o := range obs {
		o.SafeModeChanged(exchange, safe, drawdownPct)
	}
}

func (obs Observers) ReservationFinished(strategy string, approved bool) {
	for _, o := range obs {
		o.ReservationFinished(strategy, approved)
	}
}

// Orchestrator 把预留请求路由到对应交易所的资金池，多交易所时要么全部成功要么全部回滚。
type Orchestrator struct {
	exchanges  map[string]*ExchangeState
	names      []string
	strategies map[string]string
	log        *logger.Logger
	observer   Observer
	now        func() time.Time
}

// NewOrchestrator 构建所有交易所状态；strategies 为空时使用 DefaultStrategyTiers。
func NewOrchestrator(configs []ExchangeConfig, strategies map[string]string, log *logger.Logger) (*Orchestrator, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("capital: %w", ErrNoExchanges)
	}
	if log == nil {
		log = logger.NewNop()
	}
	if len(strategies) == 0 {
		strategies = DefaultStrategyTiers()
	}
	o := &Orchestrator{
		exchanges:  make(map[string]*ExchangeState, len(configs)),
		strategies: make(map[string]string, len(strategies)),
		log:        log,
		observer:   nopObserver{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for label, tier := range strategies {
		o.strategies[normalizeStrategy(label)] = tier
	}
	for _, cfg := range configs {
		if _, dup := o.exchanges[cfg.Name]; dup {
			return nil, fmt.Errorf("capital: duplicate exchange %s", cfg.Name)
		}
		st, err := NewExchangeState(cfg, log)
		if err != nil {
			return nil, err
		}
		o.exchanges[cfg.Name] = st
		o.names = append(o.names, cfg.Name)
	}
	sort.Strings(o.names)
	return o, nil
}

// SetObserver 注册观察者；nil 恢复为空实现。
func (o *Orchestrator) SetObserver(obs Observer) {
	if obs == nil {
		obs = nopObserver{}
	}
	o.observer = obs
	for _, name := range o.names {
		st := o.exchanges[name]
		for _, tier := range st.tierOrder {
			obs.PoolChanged(name, st.pools[tier].Snapshot())
		}
	}
}

// Exchange 按名称取交易所状态。
func (o *Orchestrator) Exchange(name string) (*ExchangeState, bool) {
	st, ok := o.exchanges[name]
	return st, ok
}

// Exchanges 排序后的交易所名称。
func (o *Orchestrator) Exchanges() []string {
	return append([]string(nil), o.names...)
}

// TierFor 策略标签 -> 资金层。
func (o *Orchestrator) TierFor(strategy string) (string, error) {
	tier, ok := o.strategies[normalizeStrategy(strategy)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	return tier, nil
}

// Reserve 在单个交易所的指定层上预留；安全模式下非安全层返回 false。
func (o *Orchestrator) Reserve(exchange, tier string, amount float64) (bool, error) {
	pool, st, err := o.lookup(exchange, tier)
	if err != nil {
		return false, err
	}
	if !(amount > 0) {
		return false, ErrInvalidAmount
	}
	ok, _ := o.allocate(st, pool, amount)
	return ok, nil
}

// ReserveForStrategy 在每个交易所上预留相同金额。
// 任意一腿失败时回滚此前成功的腿，返回未批准的 Reservation（err 为 nil）；
// 配置类问题（未知策略/交易所/层）返回 error。
func (o *Orchestrator) ReserveForStrategy(exchanges []string, amount float64, strategy string) (*Reservation, error) {
	tier, err := o.TierFor(strategy)
	if err != nil {
		return nil, err
	}
	if len(exchanges) == 0 {
		return nil, ErrNoExchanges
	}
	if !(amount > 0) {
		return nil, ErrInvalidAmount
	}
	seen := make(map[string]bool, len(exchanges))
	for _, ex := range exchanges {
		if seen[ex] {
			return nil, fmt.Errorf("capital: exchange %s listed twice", ex)
		}
		seen[ex] = true
		if _, _, err := o.lookup(ex, tier); err != nil {
			return nil, err
		}
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		Strategy:  strategy,
		Tier:      tier,
		Amount:    amount,
		Legs:      make(map[string]Leg, len(exchanges)),
		CreatedAt: o.now(),
		state:     ReservationRequested,
	}

	for _, ex := range exchanges {
		pool, st, _ := o.lookup(ex, tier)
		ok, reason := o.allocate(st, pool, amount)
		if !ok {
			o.releaseLegs(res)
			res.Legs = map[string]Leg{}
			res.Reason = fmt.Sprintf("exchange %s: %s", ex, reason)
			res.state = ReservationRejected
			o.log.LogReservation("rejected", res.ID, map[string]interface{}{
				"strategy": strategy,
				"tier":     tier,
				"amount":   amount,
				"reason":   res.Reason,
			})
			o.observer.ReservationFinished(strategy, false)
			return res, nil
		}
		res.Legs[ex] = Leg{Exchange: ex, Tier: tier, Amount: amount}
	}

	res.Approved = true
	res.state = ReservationApproved
	o.log.LogReservation("approved", res.ID, map[string]interface{}{
		"strategy":  strategy,
		"tier":      tier,
		"amount":    amount,
		"exchanges": exchanges,
	})
	o.observer.ReservationFinished(strategy, true)
	return res, nil
}

// Release 原样归还预留占用的全部腿；同一预留只允许释放一次。
func (o *Orchestrator) Release(res *Reservation) error {
	if res == nil {
		return ErrNotApproved
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	switch res.state {
	case ReservationReleased:
		return ErrAlreadyReleased
	case ReservationApproved, ReservationConverted:
	default:
		return fmt.Errorf("%w: state %s", ErrNotApproved, res.state)
	}
	from := res.state
	o.releaseLegs(res)
	res.state = ReservationReleased
	o.log.LogReservation("released", res.ID, map[string]interface{}{
		"strategy": res.Strategy,
		"from":     from.String(),
		"total":    res.Total(),
	})
	return nil
}

// Convert 成交确认后把预留转为持仓占用；资金在 Release 前不归还。
func (o *Orchestrator) Convert(res *Reservation) error {
	if res == nil {
		return ErrNotApproved
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	switch res.state {
	case ReservationApproved:
	case ReservationReleased:
		return ErrAlreadyReleased
	default:
		return fmt.Errorf("%w: state %s", ErrNotConvertible, res.state)
	}
	res.state = ReservationConverted
	o.log.LogReservation("converted", res.ID, map[string]interface{}{"strategy": res.Strategy, "total": res.Total()})
	return nil
}

// UpdateEquity 由外部权益推送调用。
func (o *Orchestrator) UpdateEquity(exchange string, equity float64) error {
	st, ok := o.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	st.UpdateEquity(equity)
	for _, tier := range st.tierOrder {
		o.observer.PoolChanged(exchange, st.pools[tier].Snapshot())
	}
	return nil
}

// UpdateDrawdown 更新回撤，必要时切换安全模式。
func (o *Orchestrator) UpdateDrawdown(exchange string, drawdownPct float64) error {
	st, ok := o.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	if drawdownPct < 0 || math.IsNaN(drawdownPct) || math.IsInf(drawdownPct, 0) {
		return fmt.Errorf("%w: %s got %v", ErrInvalidDrawdown, exchange, drawdownPct)
	}
	if st.UpdateDrawdown(drawdownPct) {
		safe := st.SafeMode()
		if safe {
			o.log.Warn("exchange entered safe mode",
				zap.String("exchange", exchange),
				zap.Float64("drawdown_pct", drawdownPct),
				zap.Float64("limit_pct", st.ddLimit))
		} else {
			o.log.Info("exchange left safe mode",
				zap.String("exchange", exchange),
				zap.Float64("drawdown_pct", drawdownPct))
		}
		o.observer.SafeModeChanged(exchange, safe, drawdownPct)
	}
	return nil
}

// Snapshot 所有交易所各层的 pool/allocated/available。
func (o *Orchestrator) Snapshot() []ExchangeSnapshot {
	out := make([]ExchangeSnapshot, 0, len(o.names))
	for _, name := range o.names {
		out = append(out, o.exchanges[name].Snapshot())
	}
	return out
}

func (o *Orchestrator) lookup(exchange, tier string) (*Pool, *ExchangeState, error) {
	st, ok := o.exchanges[exchange]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	pool, ok := st.Pool(tier)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrUnknownTier, tier, exchange)
	}
	return pool, st, nil
}

func (o *Orchestrator) allocate(st *ExchangeState, pool *Pool, amount float64) (bool, string) {
	if !st.Eligible(pool.Tier()) {
		return false, fmt.Sprintf("safe mode active, tier %s not allowed", pool.Tier())
	}
	if !pool.Allocate(amount) {
		avail := pool.Available()
		return false, fmt.Sprintf("tier %s needs %.2f, available %.2f (short by %.2f)", pool.Tier(), amount, avail, amount-avail)
	}
	o.observer.PoolChanged(st.name, pool.Snapshot())
	return true, ""
}

func (o *Orchestrator) releaseLegs(res *Reservation) {
	for _, leg := range res.SortedLegs() {
		pool, st, err := o.lookup(leg.Exchange, leg.Tier)
		if err != nil {
			continue
		}
		released := pool.Release(leg.Amount)
		if released+Epsilon < leg.Amount {
			o.log.Warn("capital over-release clamped at zero",
				zap.String("reservation_id", res.ID),
				zap.String("exchange", leg.Exchange),
				zap.String("tier", leg.Tier),
				zap.Float64("requested", leg.Amount),
				zap.Float64("released", released))
		}
		o.observer.PoolChanged(st.name, pool.Snapshot())
	}
}
