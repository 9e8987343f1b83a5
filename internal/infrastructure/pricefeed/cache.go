package pricefeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
)

// TickSink 行情落地（如 redis 最新价）
type TickSink interface {
	UpsertLatestPrice(ctx context.Context, t port.Tick) error
}

type cached struct {
	price decimal.Decimal
	ts    time.Time
}

// Cache 由推送行情喂养的价格缓存，实现 port.PriceOracle
//
// A price older than maxStaleness is never served; the fallback oracle, if any,
// is asked instead.
type Cache struct {
	mu           sync.RWMutex
	prices       map[string]cached
	maxStaleness time.Duration
	fallback     port.PriceOracle
	sinks        []TickSink
	now          func() time.Time
}

func NewCache(maxStaleness time.Duration, fallback port.PriceOracle, sinks ...TickSink) *Cache {
	out := make([]TickSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Cache{
		prices:       make(map[string]cached),
		maxStaleness: maxStaleness,
		fallback:     fallback,
		sinks:        out,
		now:          time.Now,
	}
}

// Update 写入一条行情，旧于已缓存的行情会被忽略
func (c *Cache) Update(t port.Tick) {
	if !t.Price.IsPositive() {
		return
	}
	sym := strings.ToUpper(t.Symbol)
	ts := time.UnixMilli(t.Ts)

	c.mu.Lock()
	if prev, ok := c.prices[sym]; !ok || !ts.Before(prev.ts) {
		c.prices[sym] = cached{price: t.Price, ts: ts}
	}
	c.mu.Unlock()
}

// GetPrice 返回未过期的缓存价格
func (c *Cache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	c.mu.RLock()
	p, ok := c.prices[sym]
	c.mu.RUnlock()

	if ok && (c.maxStaleness <= 0 || c.now().Sub(p.ts) <= c.maxStaleness) {
		return p.price, nil
	}
	if c.fallback != nil {
		return c.fallback.GetPrice(ctx, symbol)
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no tick for %s", model.ErrPriceUnavailable, sym)
	}
	return decimal.Zero, fmt.Errorf("%w: %s stale since %s", model.ErrPriceUnavailable, sym, p.ts.UTC().Format(time.RFC3339))
}

// Run 订阅 feed 并持续更新缓存，直到 ctx 结束或 feed 关闭
func (c *Cache) Run(ctx context.Context, feed port.PriceFeed, symbols []string) error {
	ticks, err := feed.Subscribe(ctx, symbols)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", feed.Name(), err)
	}
	log.Info().Str("feed", feed.Name()).Strs("symbols", symbols).Msg("price cache subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			c.Update(t)
			for _, s := range c.sinks {
				if err := s.UpsertLatestPrice(ctx, t); err != nil {
					log.Warn().Err(err).Str("symbol", t.Symbol).Msg("tick sink failed")
				}
			}
		}
	}
}

var _ port.PriceOracle = (*Cache)(nil)
