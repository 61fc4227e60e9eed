package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"perp-riskgate/account"
)

// 消息类型
const (
	TypeEquity   = "equity"
	TypeDrawdown = "drawdown"
	TypeAccount  = "account"
	TypePrice    = "price"
)

var ErrUnknownType = errors.New("feed: unknown message type")

// Message 推送消息。Ts 为毫秒时间戳，缺省取本地时间。
// 数值字段为指针，缺失的字段不会覆盖已有状态。
type Message struct {
	Type            string             `json:"type"`
	Exchange        string             `json:"exchange"`
	Symbol          string             `json:"symbol,omitempty"`
	Equity          *float64           `json:"equity,omitempty"`
	AvailableMargin *float64           `json:"availableMargin,omitempty"`
	Drawdown        *float64           `json:"drawdown,omitempty"`
	Price           float64            `json:"price,omitempty"`
	Positions       map[string]float64 `json:"positions,omitempty"`
	Ts              int64              `json:"ts,omitempty"`
}

// CapitalSink 由 capital.Orchestrator 实现。
type CapitalSink interface {
	UpdateEquity(exchange string, equity float64) error
	UpdateDrawdown(exchange string, drawdownPct float64) error
}

// AccountSink 由 account.Book 实现。
type AccountSink interface {
	ApplyUpdate(u account.Update) error
	UpdateEquity(exchange string, equity float64)
	UpdatePrice(exchange, symbol string, price float64, ts time.Time)
}

// Handler 把推送消息分发到资金编排器与账户簿。
type Handler struct {
	capital  CapitalSink
	accounts AccountSink
}

func NewHandler(c CapitalSink, a AccountSink) *Handler {
	return &Handler{capital: c, accounts: a}
}

// Apply 解析并应用一条原始消息，返回消息类型用于计数。
func (h *Handler) Apply(raw []byte) (string, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("decode feed message: %w", err)
	}
	m.Type = strings.ToLower(strings.TrimSpace(m.Type))
	return m.Type, h.Dispatch(m)
}

// Dispatch 应用已解析的消息。
func (h *Handler) Dispatch(m Message) error {
	if m.Exchange == "" {
		return fmt.Errorf("feed %s message without exchange", m.Type)
	}
	switch m.Type {
	case TypeEquity:
		if m.Equity == nil {
			return fmt.Errorf("feed equity message for %s without equity", m.Exchange)
		}
		eq := *m.Equity
		if eq < 0 || math.IsNaN(eq) || math.IsInf(eq, 0) {
			return fmt.Errorf("feed equity %v for %s must be finite and >= 0", eq, m.Exchange)
		}
		if h.accounts != nil {
			h.accounts.UpdateEquity(m.Exchange, eq)
		}
		return h.updateCapitalEquity(m.Exchange, eq)
	case TypeDrawdown:
		if m.Drawdown == nil {
			return fmt.Errorf("feed drawdown message for %s without drawdown", m.Exchange)
		}
		if h.capital == nil {
			return nil
		}
		return h.capital.UpdateDrawdown(m.Exchange, *m.Drawdown)
	case TypeAccount:
		if h.accounts != nil {
			if err := h.accounts.ApplyUpdate(account.Update{
				Exchange:        m.Exchange,
				Equity:          m.Equity,
				AvailableMargin: m.AvailableMargin,
				Positions:       m.Positions,
			}); err != nil {
				return err
			}
		}
		// 只有带权益的账户消息才重算资金池
		if m.Equity == nil {
			return nil
		}
		return h.updateCapitalEquity(m.Exchange, *m.Equity)
	case TypePrice:
		if m.Symbol == "" || !(m.Price > 0) {
			return fmt.Errorf("feed price message needs symbol and positive price: %s %v", m.Symbol, m.Price)
		}
		if h.accounts != nil {
			h.accounts.UpdatePrice(m.Exchange, m.Symbol, m.Price, m.time())
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

func (h *Handler) updateCapitalEquity(exchange string, equity float64) error {
	if h.capital == nil {
		return nil
	}
	return h.capital.UpdateEquity(exchange, equity)
}

func (m Message) time() time.Time {
	if m.Ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Ts).UTC()
}
