package port

import (
	"context"

	"github.com/shopspring/decimal"
)

type Tick struct {
	Exchange string          // 交易所 "BINANCE"
	Symbol   string          // "BTCUSDT"
	PriceStr string          // raw string
	Price    decimal.Decimal // parsed
	Ts       int64           // unix ms
}

// PriceFeed 推送式行情源
type PriceFeed interface {
	Name() string
	Subscribe(ctx context.Context, symbols []string) (<-chan Tick, error)
}

// PriceOracle 拉取式价格接口，失败时返回 model.ErrPriceUnavailable
type PriceOracle interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceOracleFunc adapts a function to PriceOracle.
type PriceOracleFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f PriceOracleFunc) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}
