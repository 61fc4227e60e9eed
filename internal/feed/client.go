package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"perp-riskgate/infrastructure/logger"
)

// Config 推送连接参数
type Config struct {
	URL               string
	ReconnectDelay    time.Duration // 首次重连等待，之后线性递增
	MaxReconnectDelay time.Duration
	ReadTimeout       time.Duration // 超过该时间无消息视为断线
	AlertAfter        int           // 连续失败多少次后告警
}

// Metrics 由 monitor.Monitor 实现。
type Metrics interface {
	RecordFeedConnect()
	RecordFeedDisconnect()
	RecordFeedMessage(kind string)
}

// Alerter 由 alert.Notifier 实现。
type Alerter interface {
	FeedDown(url string, attempts int, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordFeedConnect()       {}
func (nopMetrics) RecordFeedDisconnect()    {}
func (nopMetrics) RecordFeedMessage(string) {}

// Client 订阅权益/回撤推送，断线自动重连。
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	handler *Handler
	metrics Metrics
	alerter Alerter
	log     *logger.Logger

	mu        sync.Mutex
	connected bool
}

func NewClient(cfg Config, h *Handler, m Metrics, a Alerter, log *logger.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 30 * cfg.ReconnectDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = 3
	}
	if m == nil {
		m = nopMetrics{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		handler: h,
		metrics: m,
		alerter: a,
		log:     log.Named("feed"),
	}
}

// Connected 当前是否持有连接。
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run 阻塞直到 ctx 结束。
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.URL == "" {
		return errors.New("feed url is empty")
	}
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.log.Warn("feed dial failed", zap.String("url", c.cfg.URL), zap.Int("attempt", failures), zap.Error(err))
			if failures == c.cfg.AlertAfter && c.alerter != nil {
				c.alerter.FeedDown(c.cfg.URL, failures, err)
			}
			if !c.sleep(ctx, c.backoff(failures)) {
				return nil
			}
			continue
		}
		failures = 0
		c.setConnected(true)
		c.metrics.RecordFeedConnect()
		c.log.Info("feed connected", zap.String("url", c.cfg.URL))

		err = c.readLoop(ctx, conn)

		c.setConnected(false)
		c.metrics.RecordFeedDisconnect()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("feed disconnected, reconnecting", zap.Error(err))
		if !c.sleep(ctx, c.cfg.ReconnectDelay) {
			return nil
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		kind, err := c.handler.Apply(msg)
		if err != nil {
			c.metrics.RecordFeedMessage("invalid")
			c.log.Warn("feed message dropped", zap.ByteString("raw", msg), zap.Error(err))
			continue
		}
		c.metrics.RecordFeedMessage(kind)
	}
}

// backoff 线性递增，上限 MaxReconnectDelay。
func (c *Client) backoff(failures int) time.Duration {
	d := time.Duration(failures) * c.cfg.ReconnectDelay
	if d > c.cfg.MaxReconnectDelay {
		d = c.cfg.MaxReconnectDelay
	}
	return d
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
