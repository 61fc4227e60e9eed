package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillSwitch_Lifecycle(t *testing.T) {
	ks := NewKillSwitch()
	ks.SetClock(FixedClock{T: testNow})

	st := ks.Status()
	assert.Equal(t, SwitchNormal, st.State)
	assert.Empty(t, st.Reason)

	changed, err := ks.Activate("manual stop", map[string]float64{"drawdown": 0.12})
	require.NoError(t, err)
	assert.True(t, changed)
	st = ks.Status()
	assert.True(t, st.Active())
	assert.Equal(t, "manual stop", st.Reason)
	assert.Equal(t, 0.12, st.Details["drawdown"])
	assert.Equal(t, testNow, st.ChangedAt)

	// 重复激活保留首次原因
	changed, err = ks.Activate("second", nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "manual stop", ks.Status().Reason)

	changed, err = ks.Deactivate("operator resumed")
	require.NoError(t, err)
	assert.True(t, changed)
	st = ks.Status()
	assert.Equal(t, SwitchNormal, st.State)
	assert.Empty(t, st.Reason)
	assert.Equal(t, "operator resumed", st.LastChangeReason)

	changed, err = ks.Deactivate("again")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestKillSwitch_RequiresReason(t *testing.T) {
	ks := NewKillSwitch()
	_, err := ks.Activate("  ", nil)
	assert.ErrorIs(t, err, ErrEmptyReason)
	assert.False(t, ks.IsActive())

	_, _ = ks.Activate("x", nil)
	_, err = ks.Deactivate("")
	assert.ErrorIs(t, err, ErrEmptyReason)
	assert.True(t, ks.IsActive())
}

func TestKillSwitch_NoTimeoutRecovery(t *testing.T) {
	ks := NewKillSwitch()
	_, _ = ks.Activate("halt", nil)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, ks.IsActive())
}

func TestKillSwitch_Listeners(t *testing.T) {
	ks := NewKillSwitch()
	var got []string
	ks.OnChange(func(old, new SwitchStatus) {
		got = append(got, old.State.String()+"->"+new.State.String())
	})
	_, _ = ks.Activate("a", nil)
	_, _ = ks.Activate("b", nil)
	_, _ = ks.Deactivate("c")
	assert.Equal(t, []string{"NORMAL->ACTIVATED", "ACTIVATED->NORMAL"}, got)
}

func TestKillSwitch_DetailsCopied(t *testing.T) {
	ks := NewKillSwitch()
	d := map[string]float64{"x": 1}
	_, _ = ks.Activate("a", d)
	d["x"] = 2
	assert.Equal(t, 1.0, ks.Status().Details["x"])
}

func TestKillSwitch_ConcurrentReaders(t *testing.T) {
	ks := NewKillSwitch()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = ks.Status()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_, _ = ks.Activate("loop", nil)
		_, _ = ks.Deactivate("loop")
	}
	wg.Wait()
	assert.False(t, ks.IsActive())
}

func TestKillSwitch_ListenersFollowSwitchOrder(t *testing.T) {
	ks := NewKillSwitch()
	var (
		mu     sync.Mutex
		last   SwitchState
		events int
	)
	ks.OnChange(func(old, cur SwitchStatus) {
		mu.Lock()
		defer mu.Unlock()
		assert.NotEqual(t, old.State, cur.State)
		assert.True(t, events == 0 || old.State == last, "回调乱序")
		last = cur.State
		events++
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_, _ = ks.Activate("flap", nil)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_, _ = ks.Deactivate("flap")
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if events > 0 {
		assert.Equal(t, ks.Status().State, last)
	}
}

func TestSwitchStateString(t *testing.T) {
	assert.Equal(t, "NORMAL", SwitchNormal.String())
	assert.Equal(t, "ACTIVATED", SwitchActivated.String())
	assert.Equal(t, "UNKNOWN", SwitchState(9).String())
}
