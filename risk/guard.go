package risk

import (
	"fmt"
	"sort"
	"strings"
)

// Guard 是单项下单前风控检查。Evaluate 必须是 ctx 的纯函数：无隐藏状态、无 I/O。
type Guard interface {
	Name() string
	Evaluate(ctx PreTradeContext) GuardResult
}

// GuardResult 单项检查结果；Reason/Details 仅在失败时填充。
type GuardResult struct {
	Passed    bool
	GuardName string
	Reason    string
	Details   map[string]float64
}

func pass(name string) GuardResult {
	return GuardResult{Passed: true, GuardName: name}
}

func fail(name string, details map[string]float64, format string, args ...any) GuardResult {
	return GuardResult{
		Passed:    false,
		GuardName: name,
		Reason:    fmt.Sprintf(format, args...),
		Details:   details,
	}
}

// String 便于日志与拒单原因展示，例如 "max_notional: notional 5000.01 > limit 5000.00"。
func (r GuardResult) String() string {
	if r.Passed {
		return r.GuardName + ": ok"
	}
	if len(r.Details) == 0 {
		return r.GuardName + ": " + r.Reason
	}
	keys := make([]string, 0, len(r.Details))
	for k := range r.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, r.Details[k]))
	}
	return fmt.Sprintf("%s: %s [%s]", r.GuardName, r.Reason, strings.Join(parts, " "))
}
