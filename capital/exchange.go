package capital

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"perp-riskgate/infrastructure/logger"
)

// ExchangeConfig 单个交易所的资金分层配置。
type ExchangeConfig struct {
	Name             string
	Equity           float64
	Tiers            map[string]float64 // tier -> 权益占比，未归一化时自动归一
	DrawdownLimitPct float64            // 回撤比例（0.05 = 5%），达到即进入安全模式
	SafeTiers        []string           // 安全模式下仍允许动用的层
}

// ExchangeState 单个交易所的全部资金池以及回撤/安全模式状态。
// pools 在构造后不再增删，查找无需加锁。
type ExchangeState struct {
	name      string
	pools     map[string]*Pool
	tierOrder []string
	safeTiers map[string]bool
	ddLimit   float64

	mu       sync.RWMutex
	equity   float64
	drawdown float64
	safeMode bool
}

// NewExchangeState 校验并归一化 tier 占比；占比和为 0 视为配置错误。
func NewExchangeState(cfg ExchangeConfig, log *logger.Logger) (*ExchangeState, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("exchange name is required")
	}
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("exchange %s: %w: no tiers configured", cfg.Name, ErrInvalidFractions)
	}
	if log == nil {
		log = logger.NewNop()
	}

	tiers := make([]string, 0, len(cfg.Tiers))
	sum := 0.0
	for tier, f := range cfg.Tiers {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("exchange %s: tier %s fraction %v must be >= 0", cfg.Name, tier, f)
		}
		sum += f
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	if sum <= 0 {
		return nil, fmt.Errorf("exchange %s: %w", cfg.Name, ErrInvalidFractions)
	}
	if math.Abs(sum-1) > Epsilon {
		log.Warn("tier fractions normalized",
			zap.String("exchange", cfg.Name),
			zap.Float64("sum", sum),
			zap.Any("tiers", cfg.Tiers))
	}

	safe := make(map[string]bool, len(cfg.SafeTiers))
	for _, t := range cfg.SafeTiers {
		if _, ok := cfg.Tiers[t]; !ok {
			return nil, fmt.Errorf("exchange %s: safe tier %s: %w", cfg.Name, t, ErrUnknownTier)
		}
		safe[t] = true
	}
	if cfg.DrawdownLimitPct < 0 {
		return nil, fmt.Errorf("exchange %s: drawdown limit must be >= 0", cfg.Name)
	}

	s := &ExchangeState{
		name:      cfg.Name,
		pools:     make(map[string]*Pool, len(tiers)),
		tierOrder: tiers,
		safeTiers: safe,
		ddLimit:   cfg.DrawdownLimitPct,
		equity:    math.Max(cfg.Equity, 0),
	}
	for _, tier := range tiers {
		s.pools[tier] = NewPool(tier, cfg.Tiers[tier]/sum, s.equity)
	}
	return s, nil
}

func (s *ExchangeState) Name() string { return s.name }

// Pool 按层名取资金池。
func (s *ExchangeState) Pool(tier string) (*Pool, bool) {
	p, ok := s.pools[tier]
	return p, ok
}

// Tiers 返回排序后的层名。
func (s *ExchangeState) Tiers() []string {
	return append([]string(nil), s.tierOrder...)
}

// UpdateEquity 重算所有池子大小，已占用额度保持不变。
func (s *ExchangeState) UpdateEquity(equity float64) {
	if equity < 0 || math.IsNaN(equity) {
		equity = 0
	}
	s.mu.Lock()
	s.equity = equity
	s.mu.Unlock()
	for _, p := range s.pools {
		p.Resize(equity)
	}
}

// UpdateDrawdown 更新回撤并返回安全模式是否发生切换。ddLimit 为 0 时不进入安全模式。
func (s *ExchangeState) UpdateDrawdown(pct float64) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drawdown = pct
	next := s.ddLimit > 0 && pct >= s.ddLimit
	changed = next != s.safeMode
	s.safeMode = next
	return changed
}

func (s *ExchangeState) SafeMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.safeMode
}

func (s *ExchangeState) Equity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.equity
}

// Eligible 安全模式下只允许 safe tier。
func (s *ExchangeState) Eligible(tier string) bool {
	if !s.SafeMode() {
		return true
	}
	return s.safeTiers[tier]
}

// Snapshot 交易所级资金视图。
func (s *ExchangeState) Snapshot() ExchangeSnapshot {
	s.mu.RLock()
	snap := ExchangeSnapshot{
		Exchange:         s.name,
		Equity:           s.equity,
		DrawdownPct:      s.drawdown,
		DrawdownLimitPct: s.ddLimit,
		SafeMode:         s.safeMode,
	}
	s.mu.RUnlock()
	for _, tier := range s.tierOrder {
		snap.Pools = append(snap.Pools, s.pools[tier].Snapshot())
	}
	return snap
}

// ExchangeSnapshot 交易所级只读视图。
type ExchangeSnapshot struct {
	Exchange         string         `json:"exchange"`
	Equity           float64        `json:"equity"`
	DrawdownPct      float64        `json:"drawdownPct"`
	DrawdownLimitPct float64        `json:"drawdownLimitPct"`
	SafeMode         bool           `json:"safeMode"`
	Pools            []PoolSnapshot `json:"pools"`
}
