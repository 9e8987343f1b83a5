package binance

import (
	"marginx/internal/application/port"
	"marginx/internal/infrastructure/exchange"
	"marginx/internal/infrastructure/pricefeed"
)

// init() registers the Binance websocket feed so the container can pick it by name
func init() {
	pricefeed.Register(exchange.Binance, func(wsURL string, converter *exchange.SymbolConverter) port.PriceFeed {
		return NewTickerFeed(wsURL, converter)
	})
}
