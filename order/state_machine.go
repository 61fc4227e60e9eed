package order

import (
	"fmt"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机。无可变状态，可并发使用。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[StateTransition]bool)}
	for _, t := range []StateTransition{
		{StatusPending, StatusAck},
		{StatusPending, StatusRejected},

		{StatusAck, StatusFilled},
		{StatusAck, StatusCanceled},
		{StatusAck, StatusRejected},

		// 成交后只能平仓
		{StatusFilled, StatusClosed},
	} {
		sm.transitions[t] = true
	}
	return sm
}

// ValidateTransition 验证状态转换是否合法；同状态视为非法，避免重复结算。
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}
	return nil
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusCanceled, StatusRejected, StatusClosed:
		return true
	default:
		return false
	}
}

// HoldsCapital 该状态下订单是否仍占用资金。
func (sm *StateMachine) HoldsCapital(status Status) bool {
	switch status {
	case StatusPending, StatusAck, StatusFilled:
		return true
	default:
		return false
	}
}
