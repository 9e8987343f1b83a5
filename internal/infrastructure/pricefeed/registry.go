package pricefeed

import (
	"github.com/rs/zerolog/log"

	"marginx/internal/application/port"
	"marginx/internal/infrastructure/exchange"
)

// Factory 创建推送式行情源
type Factory func(wsURL string, converter *exchange.SymbolConverter) port.PriceFeed

// registry maps exchange names to their price feed factories
var registry = make(map[string]Factory)

// Register 由各交易所包的 init() 调用
func Register(exchangeName string, factory Factory) {
	if factory == nil {
		log.Warn().Str("exchange", exchangeName).Msg("invalid price feed factory")
		return
	}
	if _, exists := registry[exchangeName]; exists {
		log.Warn().Str("exchange", exchangeName).Msg("price feed factory already registered, overwriting")
	}
	registry[exchangeName] = factory
}

// Get 获取已注册的 factory
func Get(exchangeName string) (Factory, bool) {
	factory, ok := registry[exchangeName]
	return factory, ok
}
