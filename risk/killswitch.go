package risk

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SwitchState 急停开关状态
type SwitchState int

const (
	// SwitchNormal 允许交易
	SwitchNormal SwitchState = iota
	// SwitchActivated 禁止所有下单
	SwitchActivated
)

// String 返回状态名称
func (s SwitchState) String() string {
	switch s {
	case SwitchNormal:
		return "NORMAL"
	case SwitchActivated:
		return "ACTIVATED"
	default:
		return "UNKNOWN"
	}
}

// SwitchStatus 急停开关快照
type SwitchStatus struct {
	State            SwitchState
	Reason           string             // 当前激活原因，NORMAL 时为空
	Details          map[string]float64 // 激活时附带的诊断数据
	LastChangeReason string             // 最近一次状态变更原因（含解除）
	ChangedAt        time.Time
}

// Active 是否处于激活状态
func (s SwitchStatus) Active() bool { return s.State == SwitchActivated }

// KillSwitch 全局急停开关。只能显式激活/解除，没有超时自动恢复。
// 读路径无锁（原子快照），写路径串行。
type KillSwitch struct {
	status    atomic.Pointer[SwitchStatus]
	mu        sync.Mutex
	clock     Clock
	listeners []func(old, new SwitchStatus)

	// notifyMu 保证回调顺序与状态切换顺序一致
	notifyMu sync.Mutex
}

// NewKillSwitch 创建处于 NORMAL 状态的开关
func NewKillSwitch() *KillSwitch {
	ks := &KillSwitch{clock: NowUTC}
	ks.status.Store(&SwitchStatus{State: SwitchNormal})
	return ks
}

// SetClock 替换时钟，测试用
func (k *KillSwitch) SetClock(c Clock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clock = c
}

// OnChange 注册状态变更回调，在状态切换后按切换顺序同步调用。回调内不能再切换开关。
func (k *KillSwitch) OnChange(fn func(old, new SwitchStatus)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.listeners = append(k.listeners, fn)
}

// Status 获取当前状态
func (k *KillSwitch) Status() SwitchStatus {
	return *k.status.Load()
}

// IsActive 判断是否已激活
func (k *KillSwitch) IsActive() bool {
	return k.status.Load().State == SwitchActivated
}

// Activate 激活急停。已激活时保持原因不变并返回 false。
func (k *KillSwitch) Activate(reason string, details map[string]float64) (bool, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return false, ErrEmptyReason
	}
	k.mu.Lock()
	old := *k.status.Load()
	if old.State == SwitchActivated {
		k.mu.Unlock()
		return false, nil
	}
	d := make(map[string]float64, len(details))
	for key, v := range details {
		d[key] = v
	}
	next := SwitchStatus{
		State:            SwitchActivated,
		Reason:           reason,
		Details:          d,
		LastChangeReason: reason,
		ChangedAt:        k.clock.Now(),
	}
	k.commit(old, next)
	return true, nil
}

// Deactivate 解除急停，同样需要原因以便审计。未激活时返回 false。
func (k *KillSwitch) Deactivate(reason string) (bool, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return false, ErrEmptyReason
	}
	k.mu.Lock()
	old := *k.status.Load()
	if old.State == SwitchNormal {
		k.mu.Unlock()
		return false, nil
	}
	next := SwitchStatus{
		State:            SwitchNormal,
		LastChangeReason: reason,
		ChangedAt:        k.clock.Now(),
	}
	k.commit(old, next)
	return true, nil
}

// commit 在持有 mu 时调用，返回前释放 mu。
func (k *KillSwitch) commit(old, next SwitchStatus) {
	k.status.Store(&next)
	listeners := append([]func(old, new SwitchStatus){}, k.listeners...)
	k.notifyMu.Lock()
	k.mu.Unlock()
	defer k.notifyMu.Unlock()

	for _, fn := range listeners {
		fn(old, next)
	}
}
