package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perp-riskgate/account"
	"perp-riskgate/capital"
	"perp-riskgate/infrastructure/logger"
	"perp-riskgate/order"
	"perp-riskgate/risk"
)

// SnapshotSource 提供下单时刻的账户视图。
type SnapshotSource interface {
	Snapshot(exchange, symbol string) (account.Snapshot, error)
}

// FillRecorder 可选：成交/平仓后同步持仓。
type FillRecorder interface {
	ApplyFill(exchange, symbol string, signedQty float64)
}

// Recorder 引擎指标，由 monitor.Monitor 实现。
type Recorder interface {
	RecordSubmitted(exchange string)
	RecordPlaced(exchange string, latency time.Duration)
	RecordRejected(category string)
	RecordGuardFailure(guard string)
	RecordSettled(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSubmitted(string)             {}
func (nopRecorder) RecordPlaced(string, time.Duration) {}
func (nopRecorder) RecordRejected(string)              {}
func (nopRecorder) RecordGuardFailure(string)          {}
func (nopRecorder) RecordSettled(string)               {}

// Config 引擎配置
type Config struct {
	PlacementTimeout time.Duration
	// Constraints key 为 "exchange/symbol" 或 "symbol"，前者优先。
	Constraints map[string]order.SymbolConstraints
}

// Components 引擎依赖组件
type Components struct {
	KillSwitch *risk.KillSwitch
	Risk       *risk.Engine
	Capital    *capital.Orchestrator
	Accounts   SnapshotSource
	History    *order.History
	Gateway    order.Gateway
	Metrics    Recorder
	Logger     *logger.Logger
	Clock      risk.Clock
}

type tracked struct {
	order order.Order
	res   *capital.Reservation
}

// Statistics 引擎统计信息
type Statistics struct {
	Submitted int64            `json:"submitted"`
	Placed    int64            `json:"placed"`
	Rejected  map[string]int64 `json:"rejected"`
	Open      int              `json:"open"`
}

// ExecutionEngine 下单前的风控与资金闸门：
// kill switch -> 上下文 -> 风控守卫 -> 资金预留 -> 外部下单 -> 记账。
type ExecutionEngine struct {
	cfg      Config
	ks       *risk.KillSwitch
	risk     atomic.Pointer[risk.Engine]
	capital  *capital.Orchestrator
	accounts SnapshotSource
	history  *order.History
	gateway  order.Gateway
	metrics  Recorder
	log      *logger.Logger
	clock    risk.Clock
	sm       *order.StateMachine

	mu     sync.Mutex
	orders map[string]*tracked

	statsMu sync.Mutex
	stats   Statistics
}

// New 创建执行引擎
func New(cfg Config, c Components) (*ExecutionEngine, error) {
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.PlacementTimeout <= 0 {
		cfg.PlacementTimeout = 5 * time.Second
	}
	e := &ExecutionEngine{
		cfg:      cfg,
		ks:       c.KillSwitch,
		capital:  c.Capital,
		accounts: c.Accounts,
		history:  c.History,
		gateway:  c.Gateway,
		metrics:  c.Metrics,
		log:      c.Logger,
		clock:    c.Clock,
		sm:       order.NewStateMachine(),
		orders:   make(map[string]*tracked),
		stats:    Statistics{Rejected: make(map[string]int64)},
	}
	if e.metrics == nil {
		e.metrics = nopRecorder{}
	}
	if e.log == nil {
		e.log = logger.NewNop()
	}
	if e.clock == nil {
		e.clock = risk.NowUTC
	}
	if e.history == nil {
		e.history = order.NewHistory(0)
	}
	e.risk.Store(c.Risk)
	return e, nil
}

func validateComponents(c Components) error {
	switch {
	case c.KillSwitch == nil:
		return errors.New("kill switch is required")
	case c.Risk == nil:
		return errors.New("risk engine is required")
	case c.Capital == nil:
		return errors.New("capital orchestrator is required")
	case c.Accounts == nil:
		return errors.New("snapshot source is required")
	case c.Gateway == nil:
		return errors.New("gateway is required")
	}
	return nil
}

// SetRiskEngine 原子替换风控引擎（配置热更新）。
func (e *ExecutionEngine) SetRiskEngine(r *risk.Engine) {
	if r != nil {
		e.risk.Store(r)
	}
}

// RiskEngine 当前生效的风控引擎
func (e *ExecutionEngine) RiskEngine() *risk.Engine {
	return e.risk.Load()
}

// PlaceOrder 按固定顺序执行检查，任一步失败返回 *RejectError。
// 预留成功后，下单失败、panic 或 ctx 取消都会释放预留。
func (e *ExecutionEngine) PlaceOrder(ctx context.Context, req order.Request) (*order.Order, error) {
	e.metrics.RecordSubmitted(req.Exchange)
	e.countSubmitted()

	// 1. kill switch 优先于一切
	if st := e.ks.Status(); st.Active() {
		return nil, e.rejected(req, reject(CategoryKillSwitch, nil, st.Reason))
	}

	// 2. 请求与上下文
	if err := req.Validate(); err != nil {
		return nil, e.rejected(req, reject(CategoryInvalidRequest, err))
	}
	if c, ok := e.constraintFor(req.Exchange, req.Symbol); ok {
		if err := c.Check(req); err != nil {
			return nil, e.rejected(req, reject(CategoryInvalidRequest, err))
		}
	}
	pctx, rerr := e.buildContext(req)
	if rerr != nil {
		return nil, e.rejected(req, rerr)
	}

	// 3. 风控守卫，全部执行
	if failed := e.risk.Load().Check(pctx); len(failed) > 0 {
		reasons := make([]string, 0, len(failed))
		for _, r := range failed {
			reasons = append(reasons, r.String())
			e.metrics.RecordGuardFailure(r.GuardName)
		}
		e.log.LogRisk("pre_trade_reject", map[string]interface{}{
			"exchange": req.Exchange,
			"symbol":   req.Symbol,
			"notional": pctx.Notional,
			"reasons":  reasons,
		})
		return nil, e.rejected(req, reject(CategoryRiskCheck, nil, reasons...))
	}

	// 4. 资金预留
	res, err := e.capital.ReserveForStrategy(req.Venues(), pctx.Notional, req.Strategy)
	if err != nil {
		return nil, e.rejected(req, reject(CategoryInvalidRequest, err))
	}
	if !res.Approved {
		return nil, e.rejected(req, reject(CategoryCapital, nil, res.Reason))
	}

	// 5. 外部下单
	start := time.Now()
	ack, err := e.place(ctx, req)
	if err == nil && ack.Status == order.StatusRejected {
		err = errors.New("venue rejected order")
	}
	if err != nil {
		e.releaseAfterFailure(res, req, err)
		return nil, e.rejected(req, reject(CategoryCollaborator, err))
	}

	// 6. 记账
	now := e.clock.Now()
	e.history.Record(req.Exchange, req.Symbol, now)
	o := order.Order{
		ID:            uuid.NewString(),
		ClientID:      req.ClientID,
		VenueOrderID:  ack.VenueOrderID,
		Exchange:      req.Exchange,
		Symbol:        req.Symbol,
		Side:          string(pctx.Side),
		Size:          req.Size,
		Price:         req.Price,
		Strategy:      req.Strategy,
		ReservationID: res.ID,
		Status:        order.StatusAck,
		PlacedAt:      now,
		UpdatedAt:     now,
	}
	e.mu.Lock()
	e.orders[o.ID] = &tracked{order: o, res: res}
	e.mu.Unlock()

	e.metrics.RecordPlaced(req.Exchange, time.Since(start))
	e.countPlaced()
	e.log.LogOrder("placed", o.ID, map[string]interface{}{
		"exchange":       o.Exchange,
		"symbol":         o.Symbol,
		"side":           o.Side,
		"size":           o.Size,
		"price":          o.Price,
		"strategy":       o.Strategy,
		"reservation_id": res.ID,
		"venue_order_id": o.VenueOrderID,
	})
	return &o, nil
}

// place 调用外部网关，panic 转为错误返回。
func (e *ExecutionEngine) place(ctx context.Context, req order.Request) (ack order.Ack, err error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PlacementTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway panic: %v", r)
		}
	}()
	ack, err = e.gateway.Place(pctx, req)
	if err == nil && pctx.Err() != nil {
		// 网关忽略了取消信号，结果不可信
		err = pctx.Err()
	}
	return ack, err
}

func (e *ExecutionEngine) releaseAfterFailure(res *capital.Reservation, req order.Request, cause error) {
	if err := e.capital.Release(res); err != nil {
		e.log.LogError(err, map[string]interface{}{"reservation_id": res.ID, "stage": "release_after_failure"})
		return
	}
	e.log.Warn("placement failed, reservation released",
		zap.String("reservation_id", res.ID),
		zap.String("exchange", req.Exchange),
		zap.String("symbol", req.Symbol),
		zap.Error(cause))
}

// buildContext 读取账户快照并按本单计算成交后的敞口与杠杆。
func (e *ExecutionEngine) buildContext(req order.Request) (risk.PreTradeContext, *RejectError) {
	side, err := risk.ParseSide(req.Side)
	if err != nil {
		return risk.PreTradeContext{}, reject(CategoryInvalidRequest, err)
	}
	snap, err := e.accounts.Snapshot(req.Exchange, req.Symbol)
	if err != nil {
		return risk.PreTradeContext{}, reject(CategoryCollaborator, fmt.Errorf("account snapshot: %w", err))
	}
	now := e.clock.Now()
	delta := side.Sign() * req.Notional()
	net := snap.NetExposure + delta
	gross := snap.GrossExposure - math.Abs(snap.SymbolExposure) + math.Abs(snap.SymbolExposure+delta)
	if gross < 0 {
		gross = 0
	}
	lev := 0.0
	if snap.Equity > 0 {
		lev = gross / snap.Equity
	} else if gross > 0 {
		// 无权益时杠杆视为无穷大，交给杠杆守卫拒绝
		lev = math.MaxFloat64
	}

	pctx, err := risk.NewPreTradeContext(risk.ContextParams{
		Exchange:        req.Exchange,
		Symbol:          req.Symbol,
		Side:            side,
		Size:            req.Size,
		Price:           req.Price,
		Equity:          snap.Equity,
		AvailableMargin: snap.AvailableMargin,
		NetExposure:     net,
		GrossExposure:   gross,
		Leverage:        lev,
		Volatility:      snap.Volatility,
		RecentOrders:    e.history.Recent(req.Exchange, req.Symbol, now),
		Now:             now,
	})
	if err != nil {
		return risk.PreTradeContext{}, reject(CategoryInvalidRequest, err)
	}
	return pctx, nil
}

func (e *ExecutionEngine) constraintFor(exchange, symbol string) (order.SymbolConstraints, bool) {
	if c, ok := e.cfg.Constraints[exchange+"/"+symbol]; ok {
		return c, true
	}
	c, ok := e.cfg.Constraints[symbol]
	return c, ok
}

func (e *ExecutionEngine) rejected(req order.Request, re *RejectError) *RejectError {
	e.metrics.RecordRejected(string(re.Category))
	e.statsMu.Lock()
	e.stats.Rejected[string(re.Category)]++
	e.statsMu.Unlock()
	e.log.LogOrder("rejected", req.ClientID, map[string]interface{}{
		"exchange": req.Exchange,
		"symbol":   req.Symbol,
		"category": string(re.Category),
		"reason":   re.Error(),
	})
	return re
}

// Settle 处理外部回报：FILLED 转为持仓占用，CANCELED/REJECTED 释放预留。
func (e *ExecutionEngine) Settle(orderID string, outcome order.Status) (order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.orders[orderID]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	switch outcome {
	case order.StatusFilled, order.StatusCanceled, order.StatusRejected:
	default:
		return t.order, fmt.Errorf("unsupported outcome %s", outcome)
	}
	if err := e.sm.ValidateTransition(t.order.Status, outcome); err != nil {
		return t.order, err
	}

	var err error
	if outcome == order.StatusFilled {
		err = e.capital.Convert(t.res)
	} else {
		err = e.capital.Release(t.res)
	}
	if err != nil {
		return t.order, fmt.Errorf("settle %s: %w", orderID, err)
	}
	if outcome == order.StatusFilled {
		e.applyFill(t.order, 1)
	}
	e.transition(t, outcome)
	return t.order, nil
}

// ClosePosition 平仓后释放已转为持仓的资金。
func (e *ExecutionEngine) ClosePosition(orderID string) (order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.orders[orderID]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if err := e.sm.ValidateTransition(t.order.Status, order.StatusClosed); err != nil {
		return t.order, err
	}
	if err := e.capital.Release(t.res); err != nil {
		return t.order, fmt.Errorf("close %s: %w", orderID, err)
	}
	e.applyFill(t.order, -1)
	e.transition(t, order.StatusClosed)
	return t.order, nil
}

// transition 调用方持有 e.mu。
func (e *ExecutionEngine) transition(t *tracked, to order.Status) {
	from := t.order.Status
	t.order.Status = to
	t.order.UpdatedAt = e.clock.Now()
	if e.sm.IsFinalState(to) {
		delete(e.orders, t.order.ID)
	}
	e.metrics.RecordSettled(string(to))
	e.log.LogOrder("settled", t.order.ID, map[string]interface{}{
		"from":           string(from),
		"to":             string(to),
		"reservation_id": t.res.ID,
	})
}

func (e *ExecutionEngine) applyFill(o order.Order, dir float64) {
	fr, ok := e.accounts.(FillRecorder)
	if !ok {
		return
	}
	sign := 1.0
	if o.Side == string(risk.SideSell) {
		sign = -1
	}
	fr.ApplyFill(o.Exchange, o.Symbol, dir*sign*o.Size)
}

// Order 按 ID 查询仍在跟踪的订单
func (e *ExecutionEngine) Order(id string) (order.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.orders[id]
	if !ok {
		return order.Order{}, false
	}
	return t.order, true
}

// OpenOrders 仍占用资金的订单，按下单时间排序。
func (e *ExecutionEngine) OpenOrders() []order.Order {
	e.mu.Lock()
	out := make([]order.Order, 0, len(e.orders))
	for _, t := range e.orders {
		out = append(out, t.order)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out
}

// Stats 统计快照
func (e *ExecutionEngine) Stats() Statistics {
	e.statsMu.Lock()
	s := Statistics{
		Submitted: e.stats.Submitted,
		Placed:    e.stats.Placed,
		Rejected:  make(map[string]int64, len(e.stats.Rejected)),
	}
	for k, v := range e.stats.Rejected {
		s.Rejected[k] = v
	}
	e.statsMu.Unlock()
	e.mu.Lock()
	s.Open = len(e.orders)
	e.mu.Unlock()
	return s
}

func (e *ExecutionEngine) countSubmitted() {
	e.statsMu.Lock()
	e.stats.Submitted++
	e.statsMu.Unlock()
}

func (e *ExecutionEngine) countPlaced() {
	e.statsMu.Lock()
	e.stats.Placed++
	e.statsMu.Unlock()
}
