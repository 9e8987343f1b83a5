package exchange

import (
	"strings"
)

// SymbolConverter 交易对格式转换
//
// 持仓里的 symbol 统一为交易所合约格式（BTCUSDT），外部输入可能是 BTC、btc/usdt、BTC-USDT。
type SymbolConverter struct {
	quote string
}

// NewSymbolConverter 创建转换器，quote 为计价币种（如 USDT）
func NewSymbolConverter(quote string) *SymbolConverter {
	return &SymbolConverter{quote: strings.ToUpper(strings.TrimSpace(quote))}
}

// Normalize 转为交易所合约格式
// 例: BTC -> BTCUSDT, btc/usdt -> BTCUSDT, BTC-USDT -> BTCUSDT
func (c *SymbolConverter) Normalize(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return ""
	}
	sym = strings.NewReplacer("/", "", "-", "", "_", "").Replace(sym)

	// 如果已经包含后缀，直接返回
	if c.quote == "" || strings.HasSuffix(sym, c.quote) {
		return sym
	}
	return sym + c.quote
}
