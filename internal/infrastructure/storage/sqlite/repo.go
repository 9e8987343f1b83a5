package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
)

// Repo 基于 sqlite 的账本存储
//
// The pool is pinned to one connection, so every transaction is serialized and
// statements inside a transaction must go through the tx, never r.db.
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

// decimals are stored as TEXT to keep them exact; timestamps are unix ms
func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  balance TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL REFERENCES accounts(id),
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  size TEXT NOT NULL,
  leverage TEXT NOT NULL,
  margin TEXT NOT NULL,
  entry_price TEXT NOT NULL,
  liquidation_price TEXT,
  take_profit TEXT,
  stop_loss TEXT,
  status TEXT NOT NULL,
  exit_price TEXT,
  close_reason TEXT,
  pnl TEXT,
  opened_at INTEGER NOT NULL,
  closed_at INTEGER,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id, status);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS ledger_entries (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL UNIQUE REFERENCES positions(id),
  account_id TEXT NOT NULL,
  amount TEXT NOT NULL,
  reason TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, created_at);
`)
	return err
}

// CreateAccount 创建账户（种子数据），已存在时返回现有账户
func (r *Repo) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) (*model.Account, error) {
	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts(id, balance, created_at, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, balance.String(), now, now)
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", id, err)
	}
	return r.GetAccount(ctx, id)
}

// GetAccount 查询账户
func (r *Repo) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var (
		acc                  model.Account
		createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, balance, created_at, updated_at FROM accounts WHERE id=?`, id).
		Scan(&acc.ID, &acc.Balance, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = time.UnixMilli(createdAt).UTC()
	acc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &acc, nil
}

var _ port.LedgerStore = (*Repo)(nil)
