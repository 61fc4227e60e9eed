package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"perp-riskgate/infrastructure/logger"
	"perp-riskgate/order"
	"perp-riskgate/risk"
)

// BreakerSettings 下单熔断参数
type BreakerSettings struct {
	MaxFailures      uint32        // 连续失败次数阈值
	Interval         time.Duration // closed 状态下计数清零周期
	Timeout          time.Duration // open -> half-open 等待时间
	HalfOpenRequests uint32
}

// BreakerListener 熔断器状态变化回调，state: 0=closed 1=half-open 2=open。
type BreakerListener func(exchange string, state int, consecutiveFailures uint32)

// BreakerGateway 按交易所包装下单网关。熔断器打开时激活 kill switch，
// kill switch 不会随熔断器恢复而自动解除。
type BreakerGateway struct {
	next     order.Gateway
	ks       *risk.KillSwitch
	settings BreakerSettings
	log      *logger.Logger

	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	lastTrip  map[string]uint32
	listeners []BreakerListener
}

// NewBreakerGateway 包装 next。
func NewBreakerGateway(next order.Gateway, ks *risk.KillSwitch, s BreakerSettings, log *logger.Logger) *BreakerGateway {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &BreakerGateway{
		next:     next,
		ks:       ks,
		settings: s,
		log:      log.Named("breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		lastTrip: make(map[string]uint32),
	}
}

// OnStateChange 注册状态回调（指标/告警）。
func (g *BreakerGateway) OnStateChange(fn BreakerListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Place 经由对应交易所的熔断器下单。
func (g *BreakerGateway) Place(ctx context.Context, req order.Request) (order.Ack, error) {
	cb := g.breaker(req.Exchange)
	v, err := cb.Execute(func() (interface{}, error) {
		return g.next.Place(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return order.Ack{}, fmt.Errorf("%w: %s: %v", ErrBreakerOpen, req.Exchange, err)
	}
	if err != nil {
		return order.Ack{}, err
	}
	return v.(order.Ack), nil
}

// State 某交易所熔断器状态；未使用过的交易所视为 closed。
func (g *BreakerGateway) State(exchange string) gobreaker.State {
	g.mu.Lock()
	cb, ok := g.breakers[exchange]
	g.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (g *BreakerGateway) breaker(exchange string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[exchange]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        exchange,
		MaxRequests: g.settings.HalfOpenRequests,
		Interval:    g.settings.Interval,
		Timeout:     g.settings.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures < g.settings.MaxFailures {
				return false
			}
			g.mu.Lock()
			g.lastTrip[exchange] = c.ConsecutiveFailures
			g.mu.Unlock()
			return true
		},
		// 调用方主动取消不算交易所故障
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: g.stateChanged,
	})
	g.breakers[exchange] = cb
	return cb
}

// stateChanged 在 gobreaker 内部锁内调用，不能回调 cb 的方法。
func (g *BreakerGateway) stateChanged(exchange string, from, to gobreaker.State) {
	g.mu.Lock()
	failures := g.lastTrip[exchange]
	listeners := append([]BreakerListener(nil), g.listeners...)
	g.mu.Unlock()

	g.log.Warn("placement breaker state changed",
		zap.String("exchange", exchange),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Uint32("consecutive_failures", failures))

	if to == gobreaker.StateOpen && g.ks != nil {
		reason := fmt.Sprintf("placement breaker open on %s after %d consecutive failures", exchange, failures)
		if _, err := g.ks.Activate(reason, map[string]float64{"consecutive_failures": float64(failures)}); err != nil {
			g.log.LogError(err, map[string]interface{}{"exchange": exchange, "stage": "breaker_kill_switch"})
		}
	}
	for _, fn := range listeners {
		fn(exchange, stateCode(to), failures)
	}
}

func stateCode(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
