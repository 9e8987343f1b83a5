package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"marginx/internal/infrastructure/exchange"
)

type Config struct {
	App struct {
		ScanIntervalSec      int    `toml:"scan_interval_sec"`
		RecoveryIntervalSec  int    `toml:"recovery_interval_sec"`
		PriceTimeoutMs       int    `toml:"price_timeout_ms"`
		TxTimeoutMs          int    `toml:"tx_timeout_ms"`
		MaxConcurrentSymbols int    `toml:"max_concurrent_symbols"`
		LogLevel             string `toml:"log_level"`
		Console              bool   `toml:"console"`
	} `toml:"app"`

	Symbols struct {
		List []string `toml:"list"`
	} `toml:"symbols"`

	Storage struct {
		Driver string `toml:"driver"` // sqlite | postgres

		SQLite struct {
			Path string `toml:"path"`
		} `toml:"sqlite"`

		Postgres struct {
			DSN      string `toml:"dsn"`
			MaxConns int32  `toml:"max_conns"`
		} `toml:"postgres"`
	} `toml:"storage"`

	Redis struct {
		Enabled           bool   `toml:"enabled"`
		Addr              string `toml:"addr"`
		Password          string `toml:"password"`
		DB                int    `toml:"db"`
		Prefix            string `toml:"prefix"`
		TTLSeconds        int    `toml:"ttl_seconds"`
		SettlementStream  string `toml:"settlement_stream"`
		SettlementChannel string `toml:"settlement_channel"`
	} `toml:"redis"`

	Oracle struct {
		Source         string `toml:"source"` // rest | stream | redis
		RestURL        string `toml:"rest_url"`
		WsURL          string `toml:"ws_url"`
		Quote          string `toml:"quote"`
		MaxStalenessMs int    `toml:"max_staleness_ms"`
	} `toml:"oracle"`

	HTTP struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"http"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"metrics"`

	// seed accounts, inserted only if missing
	Accounts []AccountSeed `toml:"accounts"`
}

type AccountSeed struct {
	ID      string `toml:"id"`
	Balance string `toml:"balance"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.ScanIntervalSec <= 0 {
		cfg.App.ScanIntervalSec = 5
	}
	if cfg.App.RecoveryIntervalSec <= 0 {
		cfg.App.RecoveryIntervalSec = 30
	}
	if cfg.App.PriceTimeoutMs <= 0 {
		cfg.App.PriceTimeoutMs = 2000
	}
	if cfg.App.TxTimeoutMs <= 0 {
		cfg.App.TxTimeoutMs = 3000
	}
	if cfg.App.MaxConcurrentSymbols <= 0 {
		cfg.App.MaxConcurrentSymbols = 8
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/marginx.db"
	}
	if cfg.Storage.Postgres.MaxConns <= 0 {
		cfg.Storage.Postgres.MaxConns = 10
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "marginx"
	}

	if cfg.Oracle.Source == "" {
		cfg.Oracle.Source = "rest"
	}
	if cfg.Oracle.Quote == "" {
		cfg.Oracle.Quote = "USDT"
	}
	if cfg.Oracle.MaxStalenessMs <= 0 {
		cfg.Oracle.MaxStalenessMs = 10000
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	cfg.Symbols.List = normalizeSymbols(cfg.Symbols.List, cfg.Oracle.Quote)

	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn empty but driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q not supported (sqlite|postgres)", cfg.Storage.Driver)
	}

	switch cfg.Oracle.Source {
	case "rest":
	case "stream":
		if strings.TrimSpace(cfg.Oracle.WsURL) == "" {
			return errors.New("oracle.ws_url empty but source is stream")
		}
		if len(cfg.Symbols.List) == 0 {
			return errors.New("symbols.list is empty, stream oracle has nothing to subscribe")
		}
	case "redis":
		if !cfg.Redis.Enabled {
			return errors.New("oracle.source is redis but redis is disabled")
		}
	default:
		return fmt.Errorf("oracle.source %q not supported (rest|stream|redis)", cfg.Oracle.Source)
	}

	seen := map[string]struct{}{}
	for i, a := range cfg.Accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("accounts[%d].id empty", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("accounts[%d].id %q duplicated", i, id)
		}
		seen[id] = struct{}{}
		bal, err := decimal.NewFromString(strings.TrimSpace(a.Balance))
		if err != nil {
			return fmt.Errorf("accounts[%d].balance: %w", i, err)
		}
		if bal.IsNegative() {
			return fmt.Errorf("accounts[%d].balance must be >= 0", i)
		}
		cfg.Accounts[i].ID = id
	}
	return nil
}

// normalizeSymbols 转为合约格式并去重，与开仓时的 symbol 规则一致
func normalizeSymbols(in []string, quote string) []string {
	converter := exchange.NewSymbolConverter(quote)
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := converter.Normalize(s)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.App.ScanIntervalSec) * time.Second
}

func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.App.RecoveryIntervalSec) * time.Second
}

func (c *Config) PriceTimeout() time.Duration {
	return time.Duration(c.App.PriceTimeoutMs) * time.Millisecond
}

func (c *Config) TxTimeout() time.Duration {
	return time.Duration(c.App.TxTimeoutMs) * time.Millisecond
}

func (c *Config) MaxStaleness() time.Duration {
	return time.Duration(c.Oracle.MaxStalenessMs) * time.Millisecond
}

// BalanceDecimal 解析种子余额（已在 validate 中校验）
func (a AccountSeed) BalanceDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(strings.TrimSpace(a.Balance))
	return d
}
