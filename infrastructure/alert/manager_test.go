package alert

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"perp-riskgate/infrastructure/logger"
	"perp-riskgate/risk"
)

func TestSendAlert(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	sent, err := mgr.Send(Alert{Level: LevelWarning, Source: "capital", Message: "test", Fields: map[string]interface{}{"k": "v"}})
	require.NoError(t, err)
	assert.True(t, sent)
	require.Equal(t, 1, mock.Count())

	a := mock.Alerts()[0]
	assert.Equal(t, LevelWarning, a.Level)
	assert.Equal(t, "v", a.Fields["k"])
	assert.False(t, a.Timestamp.IsZero())
	assert.Equal(t, []string{"mock"}, mgr.Channels())
}

func TestThrottling(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Hour)

	for i := 0; i < 3; i++ {
		_, _ = mgr.Send(Alert{Level: LevelError, Source: "feed", Message: "down"})
	}
	assert.Equal(t, 1, mock.Count())

	// 不同消息不受影响
	_, _ = mgr.Send(Alert{Level: LevelError, Source: "feed", Message: "other"})
	assert.Equal(t, 2, mock.Count())

	// CRITICAL 不限流
	_, _ = mgr.Send(Alert{Level: LevelCritical, Source: "kill_switch", Message: "on"})
	_, _ = mgr.Send(Alert{Level: LevelCritical, Source: "kill_switch", Message: "on"})
	assert.Equal(t, 4, mock.Count())

	mgr.ResetThrottle()
	sent, _ := mgr.Send(Alert{Level: LevelError, Source: "feed", Message: "down"})
	assert.True(t, sent)
}

func TestThrottlerClock(t *testing.T) {
	th := NewThrottler(time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("k"))
	assert.False(t, th.Allow("k"))
	now = now.Add(time.Minute)
	assert.True(t, th.Allow("k"))
}

func TestChannelFailures(t *testing.T) {
	bad := NewMockChannel("bad")
	bad.SetShouldError(true)
	mgr := NewManager([]Channel{bad}, 0)
	_, err := mgr.Send(Alert{Level: LevelInfo, Message: "x"})
	assert.Error(t, err)

	good := NewMockChannel("good")
	mgr.AddChannel(good)
	_, err = mgr.Send(Alert{Level: LevelInfo, Message: "y"})
	assert.NoError(t, err, "部分通道成功即视为成功")
	assert.Equal(t, 1, good.Count())
}

func TestZapChannel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ch := NewZapChannel("log", logger.Wrap(zap.New(core)))
	require.NoError(t, ch.Send(Alert{Level: LevelCritical, Source: "kill_switch", Message: "kill switch activated",
		Fields: map[string]interface{}{"reason": "manual"}}))

	entries := logs.FilterMessage("alert: kill switch activated").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "manual", entries[0].ContextMap()["reason"])
}

func TestNotifierKillSwitch(t *testing.T) {
	mock := NewMockChannel("mock")
	n := NewNotifier(NewManager([]Channel{mock}, time.Minute), nil)

	ks := risk.NewKillSwitch()
	ks.OnChange(n.KillSwitchChanged)

	_, err := ks.Activate("drawdown breach", map[string]float64{"drawdown_pct": 0.12})
	require.NoError(t, err)
	_, err = ks.Activate("again", nil)
	require.NoError(t, err)
	_, err = ks.Deactivate("operator reset")
	require.NoError(t, err)

	alerts := mock.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, LevelCritical, alerts[0].Level)
	assert.Equal(t, "drawdown breach", alerts[0].Fields["reason"])
	assert.Equal(t, 0.12, alerts[0].Fields["drawdown_pct"])
	assert.Equal(t, "kill switch deactivated", alerts[1].Message)
}

func TestNotifierSafeModeAndBreaker(t *testing.T) {
	mock := NewMockChannel("mock")
	n := NewNotifier(NewManager([]Channel{mock}, time.Minute), nil)

	n.SafeModeChanged("binance", true, 0.06)
	n.BreakerOpened("okx", 5)
	alerts := mock.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, "exchange entered safe mode", alerts[0].Message)
	assert.Equal(t, "okx", alerts[1].Fields["exchange"])
}

func TestConcurrentAlerts(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mgr.Send(Alert{Level: LevelWarning, Message: "same"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, mock.Count())
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "CRITICAL", LevelCritical.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}
