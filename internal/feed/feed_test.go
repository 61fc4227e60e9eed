package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-riskgate/account"
	"perp-riskgate/capital"
)

func newSinks(t *testing.T) (*capital.Orchestrator, *account.Book) {
	t.Helper()
	orch, err := capital.NewOrchestrator([]capital.ExchangeConfig{{
		Name:             "binance",
		Equity:           10000,
		Tiers:            capital.DefaultTierFractions(),
		DrawdownLimitPct: 0.05,
		SafeTiers:        []string{capital.TierReserve},
	}}, nil, nil)
	require.NoError(t, err)
	return orch, account.NewBook(10)
}

func TestHandler_Apply(t *testing.T) {
	orch, book := newSinks(t)
	h := NewHandler(orch, book)

	kind, err := h.Apply([]byte(`{"type":"EQUITY","exchange":"binance","equity":20000}`))
	require.NoError(t, err)
	assert.Equal(t, TypeEquity, kind)
	st, _ := orch.Exchange("binance")
	p, _ := st.Pool(capital.TierArb)
	assert.InDelta(t, 14000, p.Size(), 1e-9)
	snap, err := book.Snapshot("binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 20000.0, snap.Equity)

	_, err = h.Apply([]byte(`{"type":"drawdown","exchange":"binance","drawdown":0.08}`))
	require.NoError(t, err)
	assert.True(t, st.SafeMode())

	_, err = h.Apply([]byte(`{"type":"account","exchange":"binance","equity":18000,"availableMargin":9000,"positions":{"BTCUSDT":0.2}}`))
	require.NoError(t, err)
	_, err = h.Apply([]byte(`{"type":"price","exchange":"binance","symbol":"BTCUSDT","price":50000,"ts":1767225600000}`))
	require.NoError(t, err)

	snap, err = book.Snapshot("binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 9000.0, snap.AvailableMargin)
	assert.InDelta(t, 10000, snap.SymbolExposure, 1e-9)
	assert.Equal(t, 50000.0, snap.MarkPrice)
	assert.InDelta(t, 12600, p.Size(), 1e-9)
}

func TestHandler_AccountWithoutEquityKeepsPools(t *testing.T) {
	orch, book := newSinks(t)
	h := NewHandler(orch, book)
	st, _ := orch.Exchange("binance")
	p, _ := st.Pool(capital.TierArb)
	before := p.Size()
	require.Positive(t, before)

	_, err := h.Apply([]byte(`{"type":"account","exchange":"binance","availableMargin":4000}`))
	require.NoError(t, err)
	_, err = h.Apply([]byte(`{"type":"account","exchange":"binance","positions":{"BTCUSDT":0.1}}`))
	require.NoError(t, err)

	assert.Equal(t, before, p.Size())
	snap, err := book.Snapshot("binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 4000.0, snap.AvailableMargin)
}

func TestHandler_Errors(t *testing.T) {
	orch, book := newSinks(t)
	h := NewHandler(orch, book)

	cases := map[string]string{
		"bad json":         `{"type":`,
		"no exchange":      `{"type":"equity","equity":1}`,
		"negative":         `{"type":"equity","exchange":"binance","equity":-1}`,
		"unknown type":     `{"type":"funding","exchange":"binance"}`,
		"price no sym":     `{"type":"price","exchange":"binance","price":1}`,
		"unknown venue":    `{"type":"drawdown","exchange":"kraken","drawdown":0.1}`,
		"negative account": `{"type":"account","exchange":"binance","equity":-5}`,
		"equity missing":   `{"type":"equity","exchange":"binance"}`,
		"drawdown missing": `{"type":"drawdown","exchange":"binance"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.Apply([]byte(raw))
			assert.Error(t, err)
		})
	}

	_, err := h.Apply([]byte(`{"type":"funding","exchange":"binance"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = h.Apply([]byte(`{"type":"drawdown","exchange":"kraken","drawdown":0.1}`))
	assert.ErrorIs(t, err, capital.ErrUnknownExchange)
}

type countingMetrics struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	mu          sync.Mutex
	kinds       []string
}

func (m *countingMetrics) RecordFeedConnect()    { m.connects.Add(1) }
func (m *countingMetrics) RecordFeedDisconnect() { m.disconnects.Add(1) }
func (m *countingMetrics) RecordFeedMessage(kind string) {
	m.mu.Lock()
	m.kinds = append(m.kinds, kind)
	m.mu.Unlock()
}

func (m *countingMetrics) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.kinds...)
}

type countingAlerter struct {
	calls atomic.Int32
}

func (a *countingAlerter) FeedDown(string, int, error) { a.calls.Add(1) }

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_AppliesPushesAndReconnects(t *testing.T) {
	orch, book := newSinks(t)
	upgrader := websocket.Upgrader{}
	var sessions atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := sessions.Add(1)
		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"equity","exchange":"binance","equity":30000}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
			return // 断开，触发重连
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"drawdown","exchange":"binance","drawdown":0.1}`))
		// 保持连接直到客户端退出
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := &countingMetrics{}
	c := NewClient(Config{URL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond}, NewHandler(orch, book), m, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	st, _ := orch.Exchange("binance")
	require.Eventually(t, st.SafeMode, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, sessions.Load(), int32(2))
	assert.True(t, c.Connected())
	assert.Subset(t, m.seen(), []string{TypeEquity, "invalid", TypeDrawdown})

	snap, err := book.Snapshot("binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 30000.0, snap.Equity)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.False(t, c.Connected())
	assert.Equal(t, m.connects.Load(), m.disconnects.Load())
}

func TestClient_AlertsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	a := &countingAlerter{}
	c := NewClient(Config{URL: url, ReconnectDelay: 5 * time.Millisecond, MaxReconnectDelay: 10 * time.Millisecond, AlertAfter: 2}, NewHandler(nil, nil), nil, a, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return a.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int32(1), a.calls.Load(), "每轮失败只告警一次")
}

func TestClient_Backoff(t *testing.T) {
	c := NewClient(Config{URL: "ws://x", ReconnectDelay: time.Second, MaxReconnectDelay: 3 * time.Second}, NewHandler(nil, nil), nil, nil, nil)
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 3*time.Second, c.backoff(5))

	assert.Error(t, NewClient(Config{}, nil, nil, nil, nil).Run(context.Background()))
}
