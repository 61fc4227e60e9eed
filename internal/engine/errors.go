package engine

import (
	"errors"
	"fmt"
	"strings"

	"perp-riskgate/order"
)

// Category 拒单类别
type Category string

const (
	CategoryKillSwitch     Category = "kill_switch"
	CategoryRiskCheck      Category = "risk_check"
	CategoryCapital        Category = "capital_unavailable"
	CategoryCollaborator   Category = "collaborator"
	CategoryInvalidRequest Category = "invalid_request"
)

var (
	ErrKillSwitchActive   = errors.New("kill switch active")
	ErrRiskCheckFailed    = errors.New("risk check failed")
	ErrCapitalUnavailable = errors.New("capital unavailable")
	ErrPlacementFailed    = errors.New("placement failed")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrBreakerOpen        = errors.New("placement breaker open")
)

// RejectError 下单被拒的结构化原因。Reasons 逐条列出（每个失败守卫一条）。
type RejectError struct {
	Category Category
	Reasons  []string
	Cause    error
}

func (e *RejectError) Error() string {
	msg := fmt.Sprintf("order rejected (%s)", e.Category)
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 同时暴露类别哨兵错误和底层原因，便于 errors.Is。
func (e *RejectError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Category.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Retryable 只有资金不足可以稍后重试；风控和熔断需要状态变化。
func (e *RejectError) Retryable() bool {
	return e.Category == CategoryCapital
}

func (c Category) sentinel() error {
	switch c {
	case CategoryKillSwitch:
		return ErrKillSwitchActive
	case CategoryRiskCheck:
		return ErrRiskCheckFailed
	case CategoryCapital:
		return ErrCapitalUnavailable
	case CategoryCollaborator:
		return ErrPlacementFailed
	case CategoryInvalidRequest:
		return order.ErrInvalidRequest
	default:
		return nil
	}
}

func reject(c Category, cause error, reasons ...string) *RejectError {
	return &RejectError{Category: c, Reasons: reasons, Cause: cause}
}

// AsReject 提取 RejectError。
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
