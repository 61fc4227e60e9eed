package order

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Status 订单在风控网关内的生命周期
type Status string

const (
	StatusPending  Status = "PENDING"  // 风控与资金检查中
	StatusAck      Status = "ACK"      // 外部已接受
	StatusFilled   Status = "FILLED"   // 成交，资金转为持仓占用
	StatusCanceled Status = "CANCELED" // 撤单，资金已释放
	StatusRejected Status = "REJECTED" // 风控拒绝或外部拒单
	StatusClosed   Status = "CLOSED"   // 持仓已平，资金已释放
)

// ErrInvalidRequest 请求字段缺失或取值非法。
var ErrInvalidRequest = errors.New("invalid order request")

// Request 策略提交的下单请求。
type Request struct {
	ClientID string  `json:"clientId"`
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // BUY/SELL
	Size     float64 `json:"size"`
	Price    float64 `json:"price"`
	Strategy string  `json:"strategy"`
	// CapitalExchanges 需要同时预留资金的交易所（跨所套利的各腿），为空时只用 Exchange。
	CapitalExchanges []string `json:"capitalExchanges,omitempty"`
}

// Notional 名义价值
func (r Request) Notional() float64 { return r.Size * r.Price }

// Venues 需要预留资金的交易所列表。
func (r Request) Venues() []string {
	if len(r.CapitalExchanges) == 0 {
		return []string{r.Exchange}
	}
	return append([]string(nil), r.CapitalExchanges...)
}

// Validate 只检查请求自身的完整性，风控阈值由守卫负责。
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Exchange) == "" {
		problems = append(problems, "exchange is required")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}
	if strings.TrimSpace(r.Strategy) == "" {
		problems = append(problems, "strategy is required")
	}
	if !(r.Size > 0) || math.IsInf(r.Size, 0) {
		problems = append(problems, fmt.Sprintf("size %v must be > 0", r.Size))
	}
	if !(r.Price > 0) || math.IsInf(r.Price, 0) {
		problems = append(problems, fmt.Sprintf("price %v must be > 0", r.Price))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Order 通过风控后由网关跟踪的订单。
type Order struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"clientId,omitempty"`
	VenueOrderID  string    `json:"venueOrderId,omitempty"`
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Size          float64   `json:"size"`
	Price         float64   `json:"price"`
	Strategy      string    `json:"strategy"`
	ReservationID string    `json:"reservationId"`
	Status        Status    `json:"status"`
	PlacedAt      time.Time `json:"placedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	LastError     string    `json:"lastError,omitempty"`
}
