package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marginx/internal/domain/model"
)

const positionColumns = `id, account_id, symbol, side, size, leverage, margin, entry_price,
	liquidation_price, take_profit, stop_loss, status, exit_price, close_reason, pnl, opened_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var (
		pos          model.Position
		side, status string
		closeReason  sql.NullString
		openedAt     int64
		closedAt     sql.NullInt64
	)
	err := row.Scan(&pos.ID, &pos.AccountID, &pos.Symbol, &side, &pos.Size, &pos.Leverage, &pos.Margin, &pos.EntryPrice,
		&pos.LiquidationPrice, &pos.TakeProfit, &pos.StopLoss, &status, &pos.ExitPrice, &closeReason, &pos.Pnl,
		&openedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	pos.Side = model.Side(side)
	pos.Status = model.PositionStatus(status)
	pos.CloseReason = model.ExitReason(closeReason.String)
	pos.OpenedAt = time.UnixMilli(openedAt).UTC()
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64).UTC()
		pos.ClosedAt = &t
	}
	return &pos, nil
}

func scanPositions(rows *sql.Rows) ([]*model.Position, error) {
	defer rows.Close()

	var positions []*model.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func nullString(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

// GetPosition 查询持仓
func (r *Repo) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id=?`, id)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrPositionNotFound
	}
	return pos, err
}

// ListPositionsByStatus 按状态列出持仓
func (r *Repo) ListPositionsByStatus(ctx context.Context, status model.PositionStatus) ([]*model.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE status=?
		ORDER BY opened_at ASC
	`, string(status))
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

// ListPositionsByAccount 列出账户持仓，statuses 为空时返回全部
func (r *Repo) ListPositionsByAccount(ctx context.Context, accountID string, statuses ...model.PositionStatus) ([]*model.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE account_id=?`
	args := []any{accountID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY opened_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

// ListLedgerEntries 列出账户结算流水，最新在前
func (r *Repo) ListLedgerEntries(ctx context.Context, accountID string) ([]*model.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, position_id, account_id, amount, reason, created_at
		FROM ledger_entries
		WHERE account_id=?
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var (
			e         model.LedgerEntry
			reason    string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.PositionID, &e.AccountID, &e.Amount, &reason, &createdAt); err != nil {
			return nil, err
		}
		e.Reason = model.ExitReason(reason)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// OpenPosition 开仓：插入 pending 行、扣减保证金、置为 open，同一事务
func (r *Repo) OpenPosition(ctx context.Context, pos *model.Position) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, pos.AccountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrAccountNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions(
			id, account_id, symbol, side, size, leverage, margin, entry_price,
			liquidation_price, take_profit, stop_loss, status, opened_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pos.ID, pos.AccountID, pos.Symbol, string(pos.Side), pos.Size.String(), pos.Leverage.String(),
		pos.Margin.String(), pos.EntryPrice.String(), nullString(pos.LiquidationPrice), nullString(pos.TakeProfit),
		nullString(pos.StopLoss), string(model.StatusPending), pos.OpenedAt.UnixMilli(), now)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	if balance.LessThan(pos.Margin) {
		return fmt.Errorf("%w: balance %s < margin %s", model.ErrInsufficientFunds, balance, pos.Margin)
	}
	_, err = tx.ExecContext(ctx, `UPDATE accounts SET balance=?, updated_at=? WHERE id=?`,
		balance.Sub(pos.Margin).String(), now, pos.AccountID)
	if err != nil {
		return fmt.Errorf("debit margin: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE positions SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(model.StatusOpen), now, pos.ID, string(model.StatusPending))
	if err != nil {
		return fmt.Errorf("activate position: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	pos.Status = model.StatusOpen
	return nil
}

// ClaimClose open -> closing 的 CAS，记录认领时的价格与原因供恢复重放
func (r *Repo) ClaimClose(ctx context.Context, positionID string, exitPrice decimal.Decimal, reason model.ExitReason) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE positions SET status=?, exit_price=?, close_reason=?, updated_at=?
		WHERE id=? AND status=?
	`, string(model.StatusClosing), exitPrice.String(), string(reason), time.Now().UnixMilli(),
		positionID, string(model.StatusOpen))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CommitSettlement 结算提交：入账、关闭持仓、写流水，同一事务。
// 已有流水时只补齐状态并返回 model.ErrAlreadySettled。
func (r *Repo) CommitSettlement(ctx context.Context, s *model.Settlement) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && !errors.Is(err, model.ErrAlreadySettled) {
			_ = tx.Rollback()
		}
	}()

	closedAt := s.ClosedAt.UnixMilli()

	var settled int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM ledger_entries WHERE position_id=?`, s.PositionID).
		Scan(&settled); err != nil {
		return err
	}
	if settled > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE positions SET status=?, closed_at=COALESCE(closed_at, ?), updated_at=?
			WHERE id=? AND status=?
		`, string(model.StatusClosed), closedAt, closedAt, s.PositionID, string(model.StatusClosing))
		if err != nil {
			return err
		}
		if err = tx.Commit(); err != nil {
			return err
		}
		return model.ErrAlreadySettled
	}

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM positions WHERE id=?`, s.PositionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrPositionNotFound
	}
	if err != nil {
		return err
	}
	if model.PositionStatus(status) != model.StatusClosing {
		return fmt.Errorf("position %s is %s, expected %s", s.PositionID, status, model.StatusClosing)
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, s.AccountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE accounts SET balance=?, updated_at=? WHERE id=?`,
		balance.Add(s.Amount).String(), closedAt, s.AccountID); err != nil {
		return fmt.Errorf("credit settlement: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE positions SET status=?, exit_price=?, close_reason=?, pnl=?, closed_at=?, updated_at=?
		WHERE id=? AND status=?
	`, string(model.StatusClosed), s.ExitPrice.String(), string(s.Reason), s.Pnl.String(), closedAt, closedAt,
		s.PositionID, string(model.StatusClosing)); err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries(id, position_id, account_id, amount, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, s.EntryID, s.PositionID, s.AccountID, s.Amount.String(), string(s.Reason), closedAt); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	return tx.Commit()
}
