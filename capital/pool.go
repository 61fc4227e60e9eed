package capital

import (
	"math"
	"sync"
)

// Epsilon 吸收浮点误差的容差。
const Epsilon = 1e-9

// Pool 单个交易所下的一个资金层（wash/arb/reserve 等）。
// allocate/release 在同一个池上互斥，保证 allocated 不会被并发超额占用。
type Pool struct {
	tier     string
	fraction float64

	mu        sync.Mutex
	size      float64
	allocated float64
}

// NewPool 按 equity * fraction 计算池子大小。
func NewPool(tier string, fraction, equity float64) *Pool {
	p := &Pool{tier: tier, fraction: fraction}
	p.Resize(equity)
	return p
}

func (p *Pool) Tier() string      { return p.tier }
func (p *Pool) Fraction() float64 { return p.fraction }

// Resize 权益变化后重算池子大小，不调整 allocated。
func (p *Pool) Resize(equity float64) {
	if equity < 0 || math.IsNaN(equity) {
		equity = 0
	}
	p.mu.Lock()
	p.size = equity * p.fraction
	p.mu.Unlock()
}

// Allocate 可用额度足够（含 Epsilon）时占用并返回 true，否则不做修改。
func (p *Pool) Allocate(amount float64) bool {
	if !(amount > 0) || math.IsInf(amount, 0) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount > p.availableLocked()+Epsilon {
		return false
	}
	prev := p.allocated
	p.allocated += amount
	// 容差范围内的超额截断到池子大小
	if prev <= p.size && p.allocated > p.size {
		p.allocated = p.size
	}
	return true
}

// Release 释放额度，超额释放截断为 0。返回实际释放量，调用方据此发现重复释放。
func (p *Pool) Release(amount float64) float64 {
	if !(amount > 0) {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	released := amount
	if released > p.allocated {
		released = p.allocated
	}
	p.allocated -= released
	if p.allocated < Epsilon {
		p.allocated = 0
	}
	return released
}

// Available 可用额度，权益下降导致 allocated > size 时为 0。
func (p *Pool) Available() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

func (p *Pool) Size() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) Allocated() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Snapshot 一致性读取三项数值。
func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolSnapshot{
		Tier:      p.tier,
		Fraction:  p.fraction,
		Size:      p.size,
		Allocated: p.allocated,
		Available: p.availableLocked(),
	}
}

func (p *Pool) availableLocked() float64 {
	return math.Max(p.size-p.allocated, 0)
}

// PoolSnapshot 资金池只读视图。
type PoolSnapshot struct {
	Tier      string  `json:"tier"`
	Fraction  float64 `json:"fraction"`
	Size      float64 `json:"size"`
	Allocated float64 `json:"allocated"`
	Available float64 `json:"available"`
}
