package account

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrUnknownAccount 尚未收到该交易所的账户快照。
var ErrUnknownAccount = errors.New("account: no snapshot for exchange")

// Snapshot 下单前构建风控上下文所需的账户视图，敞口以计价货币名义值表示。
type Snapshot struct {
	Exchange        string    `json:"exchange"`
	Symbol          string    `json:"symbol"`
	Equity          float64   `json:"equity"`
	AvailableMargin float64   `json:"availableMargin"`
	NetExposure     float64   `json:"netExposure"`
	GrossExposure   float64   `json:"grossExposure"`
	SymbolExposure  float64   `json:"symbolExposure"` // 该交易对的带符号名义敞口
	MarkPrice       float64   `json:"markPrice"`
	Volatility      float64   `json:"volatility"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Update 交易所推送的账户状态，Positions 为交易对 -> 带符号数量。
// nil 字段表示消息中缺失，保持原值；空 Positions 表示已无持仓。
type Update struct {
	Exchange        string             `json:"exchange"`
	Equity          *float64           `json:"equity,omitempty"`
	AvailableMargin *float64           `json:"availableMargin,omitempty"`
	Positions       map[string]float64 `json:"positions,omitempty"`
}

type exchangeAccount struct {
	equity    float64
	margin    float64
	positions map[string]float64
	updatedAt time.Time
}

// Book 内存中的多交易所账户簿：权益、保证金、持仓与标记价格。
type Book struct {
	mu       sync.RWMutex
	accounts map[string]*exchangeAccount
	prices   map[string]*volatilityWindow // key: exchange/symbol
	window   int
	now      func() time.Time
}

// NewBook window 为波动率滚动窗口的价格样本数。
func NewBook(window int) *Book {
	return &Book{
		accounts: make(map[string]*exchangeAccount),
		prices:   make(map[string]*volatilityWindow),
		window:   window,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func priceKey(exchange, symbol string) string { return exchange + "/" + symbol }

// ApplyUpdate 合并交易所账户状态，账户不存在时创建。
func (b *Book) ApplyUpdate(u Update) error {
	if u.Exchange == "" {
		return fmt.Errorf("account: exchange is required")
	}
	for _, v := range []*float64{u.Equity, u.AvailableMargin} {
		if v != nil && (*v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("account: %s equity/margin must be finite and >= 0", u.Exchange)
		}
	}
	var pos map[string]float64
	if u.Positions != nil {
		pos = make(map[string]float64, len(u.Positions))
		for sym, qty := range u.Positions {
			if math.IsNaN(qty) || math.IsInf(qty, 0) {
				return fmt.Errorf("account: %s position %s is not finite", u.Exchange, sym)
			}
			pos[sym] = qty
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.account(u.Exchange)
	if u.Equity != nil {
		acc.equity = *u.Equity
	}
	if u.AvailableMargin != nil {
		acc.margin = *u.AvailableMargin
	}
	if pos != nil {
		acc.positions = pos
	}
	acc.updatedAt = b.now()
	return nil
}

// UpdateEquity 只更新权益，账户不存在时创建。
func (b *Book) UpdateEquity(exchange string, equity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.account(exchange)
	acc.equity = math.Max(equity, 0)
	acc.updatedAt = b.now()
}

// UpdatePrice 记录标记价格，同时驱动波动率窗口。
func (b *Book) UpdatePrice(exchange, symbol string, price float64, ts time.Time) {
	if ts.IsZero() {
		ts = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := priceKey(exchange, symbol)
	w, ok := b.prices[key]
	if !ok {
		w = newVolatilityWindow(b.window)
		b.prices[key] = w
	}
	w.add(price, ts)
}

// ApplyFill 按成交调整持仓数量，signedQty 买为正卖为负。
func (b *Book) ApplyFill(exchange, symbol string, signedQty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.account(exchange)
	acc.positions[symbol] += signedQty
	if math.Abs(acc.positions[symbol]) < 1e-12 {
		delete(acc.positions, symbol)
	}
	acc.updatedAt = b.now()
}

func (b *Book) account(exchange string) *exchangeAccount {
	acc, ok := b.accounts[exchange]
	if !ok {
		acc = &exchangeAccount{positions: make(map[string]float64)}
		b.accounts[exchange] = acc
	}
	return acc
}

// Snapshot 按标记价格折算敞口；没有标记价格的持仓不计入。
func (b *Book) Snapshot(exchange, symbol string) (Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acc, ok := b.accounts[exchange]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownAccount, exchange)
	}
	snap := Snapshot{
		Exchange:        exchange,
		Symbol:          symbol,
		Equity:          acc.equity,
		AvailableMargin: acc.margin,
		UpdatedAt:       acc.updatedAt,
	}
	for sym, qty := range acc.positions {
		w, ok := b.prices[priceKey(exchange, sym)]
		if !ok {
			continue
		}
		exp := qty * w.last()
		snap.NetExposure += exp
		snap.GrossExposure += math.Abs(exp)
		if sym == symbol {
			snap.SymbolExposure = exp
		}
	}
	if w, ok := b.prices[priceKey(exchange, symbol)]; ok {
		snap.MarkPrice = w.last()
		snap.Volatility = w.realized()
	}
	return snap, nil
}

// Exchanges 已有账户数据的交易所。
func (b *Book) Exchanges() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.accounts))
	for name := range b.accounts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
