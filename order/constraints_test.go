package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolConstraintsCheck(t *testing.T) {
	c := SymbolConstraints{
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MaxQty:      10,
		MinNotional: 5,
	}
	req := func(price, size float64) Request {
		return Request{Exchange: "binance", Symbol: "ETHUSDT", Price: price, Size: size}
	}
	assert.NoError(t, c.Check(req(100.01, 0.1)))

	for name, r := range map[string]Request{
		"tick":     req(100.015, 0.002),
		"step":     req(100.01, 0.0005),
		"max qty":  req(100.01, 11),
		"notional": req(10, 0.2),
	} {
		err := c.Check(r)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}
}
