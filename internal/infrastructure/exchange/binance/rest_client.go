package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
	"marginx/internal/infrastructure/exchange"
)

// RESTOracle 按需拉取 Binance 合约最新成交价
type RESTOracle struct {
	baseURL   string
	client    *http.Client
	converter *exchange.SymbolConverter
}

// TickerPriceResp /fapi/v1/ticker/price 响应
type TickerPriceResp struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

// NewRESTOracle 创建 Binance REST 价格源
func NewRESTOracle(baseURL string, converter *exchange.SymbolConverter) *RESTOracle {
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	if converter == nil {
		converter = exchange.NewSymbolConverter("USDT")
	}
	return &RESTOracle{
		baseURL:   baseURL,
		converter: converter,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetPrice 获取单个合约最新价格，任何失败都归为 model.ErrPriceUnavailable
func (c *RESTOracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := c.getTickerPrice(ctx, c.converter.Normalize(symbol))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", model.ErrPriceUnavailable, symbol, err)
	}
	px, err := exchange.ParsePrice(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", model.ErrPriceUnavailable, symbol, err)
	}
	return px, nil
}

func (c *RESTOracle) getTickerPrice(ctx context.Context, symbol string) (*TickerPriceResp, error) {
	u := fmt.Sprintf("%s/fapi/v1/ticker/price?symbol=%s", c.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("binance api error: %d %s", resp.StatusCode, string(body))
	}

	var result TickerPriceResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

var _ port.PriceOracle = (*RESTOracle)(nil)
