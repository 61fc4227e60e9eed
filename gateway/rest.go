package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perp-riskgate/infrastructure/logger"
	"perp-riskgate/order"
)

const orderPath = "/fapi/v1/order"

// RESTConfig 单个交易所的 REST 下单参数。
type RESTConfig struct {
	Exchange   string
	BaseURL    string
	APIKey     string
	Secret     string
	RecvWindow time.Duration
	// RateLimit 每秒请求数，<=0 不限流
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

// APIError 交易所返回的错误体。
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error http=%d code=%d: %s", e.HTTPStatus, e.Code, e.Msg)
}

// Rejected 4xx 且非限流，视为交易所拒单而非连接故障。
func (e *APIError) Rejected() bool {
	return e.HTTPStatus >= 400 && e.HTTPStatus < 500 &&
		e.HTTPStatus != http.StatusTooManyRequests && e.HTTPStatus != 418
}

// RESTGateway 签名下单客户端，实现 order.Gateway。
type RESTGateway struct {
	cfg     RESTConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Logger

	now func() time.Time
}

// NewRESTGateway client 为 nil 时使用带超时的默认客户端。
func NewRESTGateway(cfg RESTConfig, client *http.Client, log *logger.Logger) (*RESTGateway, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway: bad base url: %w", err)
	}
	if cfg.APIKey == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("gateway %s: api key and secret are required", cfg.Exchange)
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = logger.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RESTGateway{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.Named("gateway." + cfg.Exchange),
		now:     time.Now,
	}, nil
}

type placeResp struct {
	OrderID       json.Number `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Status        string      `json:"status"`
}

// Place 提交限价单。交易所业务拒单返回 StatusRejected 且 err 为 nil。
func (g *RESTGateway) Place(ctx context.Context, req order.Request) (order.Ack, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return order.Ack{}, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("price", decimal.NewFromFloat(req.Price).String())
	params.Set("quantity", decimal.NewFromFloat(req.Size).String())
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	query := g.sign(params)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+orderPath+"?"+query, nil)
	if err != nil {
		return order.Ack{}, err
	}
	httpReq.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return order.Ack{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return order.Ack{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		if apiErr.Rejected() {
			g.log.Warn("order rejected by venue",
				zap.String("symbol", req.Symbol),
				zap.String("client_id", req.ClientID),
				zap.Int("code", apiErr.Code),
				zap.String("msg", apiErr.Msg))
			return order.Ack{Status: order.StatusRejected}, nil
		}
		return order.Ack{}, apiErr
	}

	var pr placeResp
	if err := json.Unmarshal(body, &pr); err != nil {
		return order.Ack{}, fmt.Errorf("decode place response: %w", err)
	}
	if pr.OrderID == "" {
		return order.Ack{}, errors.New("empty orderId")
	}
	return order.Ack{VenueOrderID: pr.OrderID.String(), Status: mapStatus(pr.Status)}, nil
}

// sign 追加 timestamp/recvWindow 后对编码后的查询串做 HMAC-SHA256。
func (g *RESTGateway) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(g.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(g.cfg.RecvWindow.Milliseconds(), 10))
	query := params.Encode()
	return query + "&signature=" + Signature(query, g.cfg.Secret)
}

// Signature 十六进制 HMAC-SHA256
func Signature(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func mapStatus(s string) order.Status {
	switch strings.ToUpper(s) {
	case "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return order.StatusRejected
	default:
		// NEW/PARTIALLY_FILLED/FILLED 都先记为 ACK，成交由 Settle 确认
		return order.StatusAck
	}
}
