package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"marginx/internal/application/port"
	"marginx/internal/infrastructure/config"
	"marginx/internal/infrastructure/exchange"
	"marginx/internal/infrastructure/exchange/binance"
	"marginx/internal/infrastructure/metrics"
	"marginx/internal/infrastructure/pricefeed"
	"marginx/internal/infrastructure/storage/composite"
	pgrepo "marginx/internal/infrastructure/storage/postgres"
	redisrepo "marginx/internal/infrastructure/storage/redis"
	sqliterepo "marginx/internal/infrastructure/storage/sqlite"
	"marginx/internal/interfaces/console"
)

// Container 包含所有基础设施依赖
type Container struct {
	cfg *config.Config

	store     port.LedgerStore
	redisRepo *redisrepo.Repo

	converter  *exchange.SymbolConverter
	oracle     port.PriceOracle
	priceCache *pricefeed.Cache
	feed       port.PriceFeed

	prom      *metrics.Prometheus
	sink      *console.Sink
	publisher *composite.Publisher

	closeOnce   sync.Once
	closerChain []func() error
}

// New 按依赖顺序初始化：存储 -> redis -> 价格源 -> 指标 -> 结算下游
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{
		cfg:         cfg,
		converter:   exchange.NewSymbolConverter(cfg.Oracle.Quote),
		sink:        console.NewSink(),
		closerChain: make([]func() error, 0),
	}

	if err := c.initStore(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("storage init failed: %w", err)
	}

	if cfg.Redis.Enabled {
		if err := c.initRedis(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
	}

	if err := c.initOracle(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("oracle init failed: %w", err)
	}

	if cfg.Metrics.Enabled {
		c.prom = metrics.NewPrometheus()
	}

	c.initPublisher()
	return c, nil
}

// initStore 初始化账本存储（sqlite 或 postgres）
func (c *Container) initStore(ctx context.Context) error {
	switch c.cfg.Storage.Driver {
	case "postgres":
		repo, err := pgrepo.New(ctx, c.cfg.Storage.Postgres.DSN, c.cfg.Storage.Postgres.MaxConns)
		if err != nil {
			return err
		}
		c.store = repo
		c.closerChain = append(c.closerChain, func() error {
			log.Info().Msg("closing postgres pool")
			return repo.Close()
		})
		log.Info().Int32("max_conns", c.cfg.Storage.Postgres.MaxConns).Msg("postgres initialized")

	default:
		repo, err := sqliterepo.New(c.cfg.Storage.SQLite.Path)
		if err != nil {
			return err
		}
		c.store = repo
		c.closerChain = append(c.closerChain, func() error {
			log.Info().Msg("closing sqlite connection")
			return repo.Close()
		})
		log.Info().Str("path", c.cfg.Storage.SQLite.Path).Msg("sqlite initialized")
	}
	return nil
}

// initRedis 初始化 Redis 连接
func (c *Container) initRedis(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Redis.Addr,
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
	})

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	c.redisRepo = redisrepo.New(
		rdb,
		c.cfg.Redis.Prefix,
		time.Duration(c.cfg.Redis.TTLSeconds)*time.Second,
		c.cfg.MaxStaleness(),
		c.cfg.Redis.SettlementStream,
		c.cfg.Redis.SettlementChannel,
	)

	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", c.cfg.Redis.Addr).
		Int("db", c.cfg.Redis.DB).
		Msg("redis initialized")

	return nil
}

// initOracle 根据 oracle.source 组装价格源
//
//	rest:   每次查询直接请求 REST
//	stream: websocket 推送写入本地缓存，缓存过期时回退 REST（配置了 rest_url 时）
//	redis:  读取共享的最新价格；配置了 ws_url 时本进程同时负责写入
func (c *Container) initOracle() error {
	oc := c.cfg.Oracle
	rest := binance.NewRESTOracle(oc.RestURL, c.converter)

	switch oc.Source {
	case "rest":
		c.oracle = rest
		log.Info().Str("source", "rest").Msg("price oracle initialized")
		return nil

	case "stream":
		var fallback port.PriceOracle
		if oc.RestURL != "" {
			fallback = rest
		}
		if err := c.initFeed(fallback); err != nil {
			return err
		}
		c.oracle = c.priceCache

	case "redis":
		if c.redisRepo == nil {
			return fmt.Errorf("redis oracle requires redis")
		}
		if oc.WsURL != "" && len(c.cfg.Symbols.List) > 0 {
			if err := c.initFeed(nil); err != nil {
				return err
			}
		}
		c.oracle = c.redisRepo

	default:
		return fmt.Errorf("unknown oracle source %q", oc.Source)
	}

	log.Info().
		Str("source", oc.Source).
		Bool("feed", c.feed != nil).
		Int("symbols", len(c.cfg.Symbols.List)).
		Dur("max_staleness", c.cfg.MaxStaleness()).
		Msg("price oracle initialized")
	return nil
}

func (c *Container) initFeed(fallback port.PriceOracle) error {
	factory, ok := pricefeed.Get(exchange.Binance)
	if !ok {
		return fmt.Errorf("no price feed registered for %s", exchange.Binance)
	}
	c.feed = factory(c.cfg.Oracle.WsURL, c.converter)

	var sinks []pricefeed.TickSink
	if c.redisRepo != nil {
		sinks = append(sinks, c.redisRepo)
	}
	c.priceCache = pricefeed.NewCache(c.cfg.MaxStaleness(), fallback, sinks...)
	return nil
}

// initPublisher 结算事件下游：redis stream/pubsub + 终端
func (c *Container) initPublisher() {
	var pubs []port.SettlementPublisher
	if c.redisRepo != nil {
		pubs = append(pubs, c.redisRepo)
	}
	if c.cfg.App.Console {
		pubs = append(pubs, c.sink)
	}
	c.publisher = composite.New(pubs...)
}

// SeedAccounts 写入配置中的初始账户，已存在则跳过
func (c *Container) SeedAccounts(ctx context.Context) error {
	for _, seed := range c.cfg.Accounts {
		acct, err := c.store.CreateAccount(ctx, seed.ID, seed.BalanceDecimal())
		if err != nil {
			return fmt.Errorf("seed account %s: %w", seed.ID, err)
		}
		log.Info().
			Str("account", acct.ID).
			Str("balance", acct.Balance.String()).
			Msg("account ready")
	}
	return nil
}

// RunPriceFeed 推送行情写入缓存，直到 ctx 结束；未配置推送源时直接返回
func (c *Container) RunPriceFeed(ctx context.Context) error {
	if c.feed == nil || c.priceCache == nil {
		return nil
	}
	return c.priceCache.Run(ctx, c.feed, c.cfg.Symbols.List)
}

// Store 获取账本存储
func (c *Container) Store() port.LedgerStore {
	return c.store
}

// Oracle 获取价格源
func (c *Container) Oracle() port.PriceOracle {
	return c.oracle
}

// SymbolConverter 行情源与持仓共用的 symbol 规则
func (c *Container) SymbolConverter() *exchange.SymbolConverter {
	return c.converter
}

// Prometheus 未启用指标时为 nil
func (c *Container) Prometheus() *metrics.Prometheus {
	return c.prom
}

// Metrics 引擎/扫描使用的指标端口
func (c *Container) Metrics() port.Metrics {
	if c.prom == nil {
		return port.NopMetrics{}
	}
	return c.prom
}

func (c *Container) Publisher() port.SettlementPublisher {
	if c.publisher == nil || c.publisher.Len() == 0 {
		return nil
	}
	return c.publisher
}

// Sink 终端输出
func (c *Container) Sink() port.Sink {
	if !c.cfg.App.Console {
		return nil
	}
	return c.sink
}

// Close 关闭所有资源（按后进先出顺序）
func (c *Container) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if e := c.closerChain[i](); e != nil {
				log.Error().Err(e).Msg("error closing resource")
				if err == nil {
					err = e
				}
			}
		}
		log.Info().Msg("container closed")
	})
	return err
}
