package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
)

// Repo 基于 postgres 的账本存储，金额列为 NUMERIC
type Repo struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string, maxConns int32) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	r := &Repo{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  balance NUMERIC NOT NULL CHECK (balance >= 0),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL REFERENCES accounts(id),
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  size NUMERIC NOT NULL,
  leverage NUMERIC NOT NULL,
  margin NUMERIC NOT NULL,
  entry_price NUMERIC NOT NULL,
  liquidation_price NUMERIC,
  take_profit NUMERIC,
  stop_loss NUMERIC,
  status TEXT NOT NULL,
  exit_price NUMERIC,
  close_reason TEXT,
  pnl NUMERIC,
  opened_at TIMESTAMPTZ NOT NULL,
  closed_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id, status);

CREATE TABLE IF NOT EXISTS ledger_entries (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL UNIQUE REFERENCES positions(id),
  account_id TEXT NOT NULL,
  amount NUMERIC NOT NULL,
  reason TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, created_at);
`)
	return err
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullText(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

// CreateAccount 创建账户（种子数据），已存在时返回现有账户
func (r *Repo) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) (*model.Account, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts(id, balance) VALUES($1, $2::numeric)
		ON CONFLICT (id) DO NOTHING
	`, id, balance.String())
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", id, err)
	}
	return r.GetAccount(ctx, id)
}

// GetAccount 查询账户
func (r *Repo) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var (
		acc     model.Account
		balance string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, balance::text, created_at, updated_at FROM accounts WHERE id=$1`, id).
		Scan(&acc.ID, &balance, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if acc.Balance, err = parseDecimal(balance); err != nil {
		return nil, err
	}
	return &acc, nil
}

var _ port.LedgerStore = (*Repo)(nil)
