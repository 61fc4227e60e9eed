package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"perp-riskgate/order"
)

// ErrNoRoute 请求的交易所没有对应网关。
var ErrNoRoute = errors.New("no gateway for exchange")

// Router 按 Request.Exchange 分发到各交易所网关。
type Router struct {
	routes   map[string]order.Gateway
	fallback order.Gateway
}

func NewRouter(fallback order.Gateway) *Router {
	return &Router{routes: make(map[string]order.Gateway), fallback: fallback}
}

// Handle 注册交易所网关，需在开始下单前完成。
func (r *Router) Handle(exchange string, gw order.Gateway) {
	r.routes[exchange] = gw
}

func (r *Router) Place(ctx context.Context, req order.Request) (order.Ack, error) {
	gw, ok := r.routes[req.Exchange]
	if !ok {
		if r.fallback == nil {
			return order.Ack{}, fmt.Errorf("%w: %s", ErrNoRoute, req.Exchange)
		}
		gw = r.fallback
	}
	return gw.Place(ctx, req)
}

// Exchanges 已注册的交易所
func (r *Router) Exchanges() []string {
	out := make([]string, 0, len(r.routes))
	for ex := range r.routes {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}
