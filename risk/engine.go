package risk

import "strings"

// Engine 按注册顺序执行全部 Guard，不短路，一次返回所有未通过项。
// 守卫应在启动时注册完毕；Check 只读，可被多个下单并发调用。
type Engine struct {
	guards []Guard
}

func NewEngine(guards ...Guard) *Engine {
	e := &Engine{}
	for _, g := range guards {
		e.AddGuard(g)
	}
	return e
}

// AddGuard 追加守卫，nil 被忽略。
func (e *Engine) AddGuard(g Guard) {
	if g == nil {
		return
	}
	e.guards = append(e.guards, g)
}

// Guards 返回已注册守卫名称（注册顺序）。
func (e *Engine) Guards() []string {
	names := make([]string, 0, len(e.guards))
	for _, g := range e.guards {
		names = append(names, g.Name())
	}
	return names
}

// Check 返回未通过的结果，空切片表示全部通过。
func (e *Engine) Check(ctx PreTradeContext) []GuardResult {
	var failed []GuardResult
	for _, g := range e.guards {
		res := g.Evaluate(ctx)
		if res.GuardName == "" {
			res.GuardName = g.Name()
		}
		if !res.Passed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Summarize 将失败结果拼成一行可读原因。
func Summarize(failed []GuardResult) string {
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, "; ")
}
