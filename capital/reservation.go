package capital

import (
	"sort"
	"sync"
	"time"
)

// ReservationState 预留单状态
type ReservationState int

const (
	ReservationRequested ReservationState = iota
	ReservationApproved
	ReservationRejected
	// ReservationConverted 订单成交后转为持仓占用，资金仍计入 allocated
	ReservationConverted
	ReservationReleased
)

func (s ReservationState) String() string {
	switch s {
	case ReservationRequested:
		return "REQUESTED"
	case ReservationApproved:
		return "APPROVED"
	case ReservationRejected:
		return "REJECTED"
	case ReservationConverted:
		return "CONVERTED"
	case ReservationReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// Leg 单个交易所上的实际占用。
type Leg struct {
	Exchange string  `json:"exchange"`
	Tier     string  `json:"tier"`
	Amount   float64 `json:"amount"`
}

// Reservation 一次跨交易所的资金预留，记录逐腿占用以便原样释放。
type Reservation struct {
	ID        string
	Strategy  string
	Tier      string
	Amount    float64
	Approved  bool
	Reason    string
	Legs      map[string]Leg
	CreatedAt time.Time

	mu    sync.Mutex
	state ReservationState
}

// State 当前状态
func (r *Reservation) State() ReservationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SortedLegs 按交易所名排序的腿。
func (r *Reservation) SortedLegs() []Leg {
	legs := make([]Leg, 0, len(r.Legs))
	for _, l := range r.Legs {
		legs = append(legs, l)
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Exchange < legs[j].Exchange })
	return legs
}

// Total 全部腿的占用之和。
func (r *Reservation) Total() float64 {
	sum := 0.0
	for _, l := range r.Legs {
		sum += l.Amount
	}
	return sum
}
