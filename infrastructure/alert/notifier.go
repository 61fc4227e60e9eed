package alert

import (
	"go.uber.org/zap"

	"perp-riskgate/capital"
	"perp-riskgate/infrastructure/logger"
	"perp-riskgate/risk"
)

// Notifier 把熔断开关、安全模式、下单熔断器的状态变化转成告警。
type Notifier struct {
	mgr *Manager
	log *logger.Logger
}

func NewNotifier(mgr *Manager, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &Notifier{mgr: mgr, log: log}
}

// KillSwitchChanged 作为 risk.KillSwitch 的监听器注册。
func (n *Notifier) KillSwitchChanged(old, cur risk.SwitchStatus) {
	if old.State == cur.State {
		return
	}
	a := Alert{
		Source:    "kill_switch",
		Timestamp: cur.ChangedAt,
		Fields:    map[string]interface{}{"reason": cur.LastChangeReason},
	}
	if cur.Active() {
		a.Level = LevelCritical
		a.Message = "kill switch activated"
		for k, v := range cur.Details {
			a.Fields[k] = v
		}
	} else {
		a.Level = LevelWarning
		a.Message = "kill switch deactivated"
	}
	n.send(a)
}

// BreakerOpened 某交易所下单熔断器打开。
func (n *Notifier) BreakerOpened(exchange string, failures uint32) {
	n.send(Alert{
		Level:   LevelError,
		Source:  "breaker",
		Message: "placement breaker opened",
		Fields:  map[string]interface{}{"exchange": exchange, "consecutive_failures": failures},
	})
}

// FeedDown 资金推送连续重连失败。
func (n *Notifier) FeedDown(url string, attempts int, err error) {
	n.send(Alert{
		Level:   LevelWarning,
		Source:  "feed",
		Message: "capital feed unavailable",
		Fields:  map[string]interface{}{"url": url, "attempts": attempts, "error": err.Error()},
	})
}

func (n *Notifier) SafeModeChanged(exchange string, safe bool, drawdownPct float64) {
	a := Alert{
		Level:   LevelInfo,
		Source:  "capital",
		Message: "exchange left safe mode",
		Fields:  map[string]interface{}{"exchange": exchange, "drawdown_pct": drawdownPct},
	}
	if safe {
		a.Level = LevelError
		a.Message = "exchange entered safe mode"
	}
	n.send(a)
}

func (n *Notifier) PoolChanged(string, capital.PoolSnapshot) {}

func (n *Notifier) ReservationFinished(string, bool) {}

func (n *Notifier) send(a Alert) {
	if _, err := n.mgr.Send(a); err != nil {
		n.log.Error("alert delivery failed", zap.String("message", a.Message), zap.Error(err))
	}
}

var _ capital.Observer = (*Notifier)(nil)
