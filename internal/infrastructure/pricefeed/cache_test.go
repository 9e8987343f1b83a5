package pricefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
)

type staticFeed struct {
	ticks []port.Tick
}

func (f *staticFeed) Name() string { return "STATIC" }

func (f *staticFeed) Subscribe(_ context.Context, _ []string) (<-chan port.Tick, error) {
	ch := make(chan port.Tick, len(f.ticks))
	for _, t := range f.ticks {
		ch <- t
	}
	close(ch)
	return ch, nil
}

type memSink struct {
	mu    sync.Mutex
	ticks []port.Tick
}

func (s *memSink) UpsertLatestPrice(_ context.Context, t port.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, t)
	return nil
}

func tick(symbol, price string, ts time.Time) port.Tick {
	return port.Tick{Exchange: "STATIC", Symbol: symbol, PriceStr: price, Price: decimal.RequireFromString(price), Ts: ts.UnixMilli()}
}

func TestCacheStaleness(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(5*time.Second, nil)
	c.now = func() time.Time { return now }

	_, err := c.GetPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, model.ErrPriceUnavailable)

	c.Update(tick("btcusdt", "50000", now.Add(-2*time.Second)))
	px, err := c.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "50000", px.String())

	// older tick does not overwrite
	c.Update(tick("BTCUSDT", "40000", now.Add(-3*time.Second)))
	px, _ = c.GetPrice(context.Background(), "BTCUSDT")
	assert.Equal(t, "50000", px.String())

	now = now.Add(10 * time.Second)
	_, err = c.GetPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, model.ErrPriceUnavailable)
}

func TestCacheFallback(t *testing.T) {
	calls := 0
	fallback := port.PriceOracleFunc(func(_ context.Context, symbol string) (decimal.Decimal, error) {
		calls++
		return decimal.RequireFromString("2000"), nil
	})
	c := NewCache(time.Second, fallback)

	px, err := c.GetPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "2000", px.String())
	assert.Equal(t, 1, calls)
}

func TestCacheRunFeedsSinks(t *testing.T) {
	now := time.Now()
	sink := &memSink{}
	c := NewCache(time.Minute, nil, nil, sink)

	feed := &staticFeed{ticks: []port.Tick{
		tick("BTCUSDT", "50000", now),
		tick("ETHUSDT", "2000", now),
		tick("ETHUSDT", "0", now),
	}}
	require.NoError(t, c.Run(context.Background(), feed, []string{"BTCUSDT", "ETHUSDT"}))

	px, err := c.GetPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "2000", px.String())
	assert.Len(t, sink.ticks, 3)
}
