package risk

import "time"

// Clock 抽象时间便于测试。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// NowUTC 默认使用 UTC 时间。
var NowUTC Clock = realClock{}

// FixedClock 固定时间，测试用。
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }
