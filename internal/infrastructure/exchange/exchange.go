package exchange

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	Binance = "BINANCE"
)

// ParsePrice 解析交易所返回的价格字符串，必须为正数
func ParsePrice(raw string) (decimal.Decimal, error) {
	px, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %q", raw)
	}
	return px, nil
}
