package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
)

type Repo struct {
	rdb              *redis.Client
	prefix           string
	ttl              time.Duration
	maxStaleness     time.Duration
	keyLatest        string // prefix + ":latest"
	settlementStream string
	settlementChan   string
	now              func() time.Time
}

type LatestPrice struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Ts       int64           `json:"ts"`
}

func New(rdb *redis.Client, prefix string, ttl, maxStaleness time.Duration, settlementStream, settlementChan string) *Repo {
	if strings.TrimSpace(settlementStream) == "" {
		settlementStream = prefix + ":settlements"
	}
	if strings.TrimSpace(settlementChan) == "" {
		settlementChan = prefix + ":settlements:pub"
	}
	return &Repo{
		rdb:              rdb,
		prefix:           prefix,
		ttl:              ttl,
		maxStaleness:     maxStaleness,
		keyLatest:        prefix + ":latest",
		settlementStream: settlementStream,
		settlementChan:   settlementChan,
		now:              time.Now,
	}
}

// UpsertLatestPrice 写入最新价格，供 GetPrice 读取
func (r *Repo) UpsertLatestPrice(ctx context.Context, t port.Tick) error {
	if !t.Price.IsPositive() {
		return nil
	}
	lp := LatestPrice{Exchange: t.Exchange, Symbol: t.Symbol, Price: t.Price, Ts: t.Ts}
	b, _ := json.Marshal(lp)

	// Hash: field = "BTCUSDT" -> json
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, strings.ToUpper(t.Symbol), string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetPrice 读取最新价格，缺失或过期时返回 model.ErrPriceUnavailable
func (r *Repo) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := r.rdb.HGet(ctx, r.keyLatest, strings.ToUpper(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s not cached", model.ErrPriceUnavailable, symbol)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", model.ErrPriceUnavailable, symbol, err)
	}

	var lp LatestPrice
	if err := json.Unmarshal([]byte(raw), &lp); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: decode: %v", model.ErrPriceUnavailable, symbol, err)
	}
	if r.maxStaleness > 0 {
		if age := r.now().Sub(time.UnixMilli(lp.Ts)); age > r.maxStaleness {
			return decimal.Zero, fmt.Errorf("%w: %s stale by %s", model.ErrPriceUnavailable, symbol, age)
		}
	}
	if !lp.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s non-positive price", model.ErrPriceUnavailable, symbol)
	}
	return lp.Price, nil
}

// PublishSettlement 结算事件写入 stream 并广播
func (r *Repo) PublishSettlement(ctx context.Context, s *model.Settlement) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}

	// 1) Stream: XADD <stream> * ...
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.settlementStream,
		Values: map[string]any{
			"ts_ms":       s.ClosedAt.UnixMilli(),
			"position_id": s.PositionID,
			"account_id":  s.AccountID,
			"symbol":      s.Symbol,
			"reason":      string(s.Reason),
			"amount":      s.Amount.String(),
			"payload":     string(payload),
		},
	}).Result()
	if err != nil {
		return err
	}

	// 2) PubSub: PUBLISH <channel> json
	return r.rdb.Publish(ctx, r.settlementChan, payload).Err()
}

var (
	_ port.PriceOracle         = (*Repo)(nil)
	_ port.SettlementPublisher = (*Repo)(nil)
)
