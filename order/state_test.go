package order

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	ok := Request{Exchange: "binance", Symbol: "BTCUSDT", Side: "BUY", Size: 0.1, Price: 50000, Strategy: "arb"}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 5000.0, ok.Notional())
	assert.Equal(t, []string{"binance"}, ok.Venues())

	ok.CapitalExchanges = []string{"binance", "okx"}
	assert.Equal(t, []string{"binance", "okx"}, ok.Venues())

	err := Request{Size: -1}.Validate()
	require.ErrorIs(t, err, ErrInvalidRequest)
	for _, want := range []string{"exchange", "symbol", "strategy", "size", "price"} {
		assert.True(t, strings.Contains(err.Error(), want), want)
	}
}

func TestStateMachine(t *testing.T) {
	sm := NewStateMachine()
	assert.NoError(t, sm.ValidateTransition(StatusPending, StatusAck))
	assert.NoError(t, sm.ValidateTransition(StatusAck, StatusFilled))
	assert.NoError(t, sm.ValidateTransition(StatusFilled, StatusClosed))
	assert.Error(t, sm.ValidateTransition(StatusFilled, StatusCanceled))
	assert.Error(t, sm.ValidateTransition(StatusCanceled, StatusCanceled), "不允许重复结算")
	assert.Error(t, sm.ValidateTransition(StatusAck, StatusClosed))

	assert.True(t, sm.IsFinalState(StatusClosed))
	assert.False(t, sm.IsFinalState(StatusFilled))
	assert.True(t, sm.HoldsCapital(StatusFilled))
	assert.False(t, sm.HoldsCapital(StatusRejected))
}

func TestHistory(t *testing.T) {
	h := NewHistory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	h.Record("binance", "BTCUSDT", now.Add(-2*time.Minute))
	h.Record("binance", "BTCUSDT", now.Add(-10*time.Second))
	h.Record("binance", "BTCUSDT", now.Add(-30*time.Second)) // 乱序
	h.Record("binance", "ETHUSDT", now)

	recent := h.Recent("binance", "BTCUSDT", now)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Before(recent[1]))

	recent[0] = time.Time{}
	assert.False(t, h.Recent("binance", "BTCUSDT", now)[0].IsZero(), "返回副本")

	assert.Empty(t, h.Recent("okx", "BTCUSDT", now))

	h.SetRetention(5 * time.Second)
	assert.Empty(t, h.Recent("binance", "BTCUSDT", now))
	assert.Len(t, h.Recent("binance", "ETHUSDT", now), 1)
}

func TestDryRunGateway(t *testing.T) {
	g := &DryRunGateway{}
	ack, err := g.Place(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusAck, ack.Status)
	assert.True(t, strings.HasPrefix(ack.VenueOrderID, "dry-"))
	assert.Equal(t, int64(1), g.Placed())

	slow := &DryRunGateway{Latency: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Place(ctx, Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), slow.Placed())
}
