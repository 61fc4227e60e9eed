package order

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Ack 外部执行方对下单的确认。
type Ack struct {
	VenueOrderID string
	Status       Status
}

// Gateway 外部下单接口，由交易所客户端实现。
type Gateway interface {
	Place(ctx context.Context, req Request) (Ack, error)
}

// GatewayFunc 函数适配器
type GatewayFunc func(ctx context.Context, req Request) (Ack, error)

func (f GatewayFunc) Place(ctx context.Context, req Request) (Ack, error) { return f(ctx, req) }

// DryRunGateway 不连接交易所，直接确认所有请求。
type DryRunGateway struct {
	Latency time.Duration
	placed  atomic.Int64
}

func (g *DryRunGateway) Place(ctx context.Context, req Request) (Ack, error) {
	if g.Latency > 0 {
		t := time.NewTimer(g.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	g.placed.Add(1)
	return Ack{VenueOrderID: "dry-" + uuid.NewString(), Status: StatusAck}, nil
}

// Placed 已确认的请求数
func (g *DryRunGateway) Placed() int64 { return g.placed.Load() }
