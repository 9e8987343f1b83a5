package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"marginx/internal/domain/model"
)

const positionColumns = `id, account_id, symbol, side, size::text, leverage::text, margin::text, entry_price::text,
	liquidation_price::text, take_profit::text, stop_loss::text, status, exit_price::text, close_reason, pnl::text,
	opened_at, closed_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var (
		pos                           model.Position
		side, status                  string
		size, leverage, margin, entry string
		liq, tp, sl, exit, pnl        *string
		closeReason                   *string
		closedAt                      *time.Time
	)
	err := row.Scan(&pos.ID, &pos.AccountID, &pos.Symbol, &side, &size, &leverage, &margin, &entry,
		&liq, &tp, &sl, &status, &exit, &closeReason, &pnl, &pos.OpenedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	pos.Side = model.Side(side)
	pos.Status = model.PositionStatus(status)
	if closeReason != nil {
		pos.CloseReason = model.ExitReason(*closeReason)
	}
	if closedAt != nil {
		t := closedAt.UTC()
		pos.ClosedAt = &t
	}
	pos.OpenedAt = pos.OpenedAt.UTC()

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&pos.Size, size}, {&pos.Leverage, leverage}, {&pos.Margin, margin}, {&pos.EntryPrice, entry}} {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return nil, err
		}
	}
	for _, f := range []struct {
		dst *decimal.NullDecimal
		src *string
	}{{&pos.LiquidationPrice, liq}, {&pos.TakeProfit, tp}, {&pos.StopLoss, sl}, {&pos.ExitPrice, exit}, {&pos.Pnl, pnl}} {
		if *f.dst, err = parseNullDecimal(f.src); err != nil {
			return nil, err
		}
	}
	return &pos, nil
}

func collectPositions(rows pgx.Rows) ([]*model.Position, error) {
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

// GetPosition 查询持仓
func (r *Repo) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	pos, err := scanPosition(r.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrPositionNotFound
	}
	return pos, err
}

// ListPositionsByStatus 按状态列出持仓
func (r *Repo) ListPositionsByStatus(ctx context.Context, status model.PositionStatus) ([]*model.Position, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE status=$1 ORDER BY opened_at ASC`,
		string(status))
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

// ListPositionsByAccount 列出账户持仓，statuses 为空时返回全部
func (r *Repo) ListPositionsByAccount(ctx context.Context, accountID string, statuses ...model.PositionStatus) ([]*model.Position, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = r.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE account_id=$1 ORDER BY opened_at DESC`,
			accountID)
	} else {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		rows, err = r.pool.Query(ctx, `
			SELECT `+positionColumns+`
			FROM positions
			WHERE account_id=$1 AND status = ANY($2)
			ORDER BY opened_at DESC
		`, accountID, ss)
	}
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

// ListLedgerEntries 列出账户结算流水，最新在前
func (r *Repo) ListLedgerEntries(ctx context.Context, accountID string) ([]*model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, position_id, account_id, amount::text, reason, created_at
		FROM ledger_entries
		WHERE account_id=$1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var (
			e              model.LedgerEntry
			amount, reason string
		)
		if err := rows.Scan(&e.ID, &e.PositionID, &e.AccountID, &amount, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		e.Reason = model.ExitReason(reason)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// OpenPosition 开仓：插入 pending 行、条件扣减保证金、置为 open，同一事务
func (r *Repo) OpenPosition(ctx context.Context, pos *model.Position) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)`, pos.AccountID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return model.ErrAccountNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO positions(
			id, account_id, symbol, side, size, leverage, margin, entry_price,
			liquidation_price, take_profit, stop_loss, status, opened_at
		) VALUES($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11::numeric, $12, $13)
	`, pos.ID, pos.AccountID, pos.Symbol, string(pos.Side), pos.Size.String(), pos.Leverage.String(),
		pos.Margin.String(), pos.EntryPrice.String(), nullText(pos.LiquidationPrice), nullText(pos.TakeProfit),
		nullText(pos.StopLoss), string(model.StatusPending), pos.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = balance - $1::numeric, updated_at = now()
		WHERE id=$2 AND balance >= $1::numeric
	`, pos.Margin.String(), pos.AccountID)
	if err != nil {
		return fmt.Errorf("debit margin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: margin %s", model.ErrInsufficientFunds, pos.Margin)
	}

	if _, err := tx.Exec(ctx, `UPDATE positions SET status=$1, updated_at=now() WHERE id=$2 AND status=$3`,
		string(model.StatusOpen), pos.ID, string(model.StatusPending)); err != nil {
		return fmt.Errorf("activate position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	pos.Status = model.StatusOpen
	return nil
}

// ClaimClose open -> closing 的 CAS
func (r *Repo) ClaimClose(ctx context.Context, positionID string, exitPrice decimal.Decimal, reason model.ExitReason) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE positions SET status=$1, exit_price=$2::numeric, close_reason=$3, updated_at=now()
		WHERE id=$4 AND status=$5
	`, string(model.StatusClosing), exitPrice.String(), string(reason), positionID, string(model.StatusOpen))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CommitSettlement 结算提交：入账、关闭持仓、写流水，同一事务。
// 已有流水时只补齐状态并返回 model.ErrAlreadySettled。
func (r *Repo) CommitSettlement(ctx context.Context, s *model.Settlement) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// row lock serializes concurrent settlement attempts for the same position
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM positions WHERE id=$1 FOR UPDATE`, s.PositionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrPositionNotFound
	}
	if err != nil {
		return err
	}

	var settled bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE position_id=$1)`, s.PositionID).
		Scan(&settled); err != nil {
		return err
	}
	if settled {
		if _, err := tx.Exec(ctx, `
			UPDATE positions SET status=$1, closed_at=COALESCE(closed_at, $2), updated_at=now()
			WHERE id=$3 AND status=$4
		`, string(model.StatusClosed), s.ClosedAt, s.PositionID, string(model.StatusClosing)); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		return model.ErrAlreadySettled
	}
	if model.PositionStatus(status) != model.StatusClosing {
		return fmt.Errorf("position %s is %s, expected %s", s.PositionID, status, model.StatusClosing)
	}

	tag, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1::numeric, updated_at = now() WHERE id=$2`,
		s.Amount.String(), s.AccountID)
	if err != nil {
		return fmt.Errorf("credit settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAccountNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE positions SET status=$1, exit_price=$2::numeric, close_reason=$3, pnl=$4::numeric, closed_at=$5, updated_at=now()
		WHERE id=$6 AND status=$7
	`, string(model.StatusClosed), s.ExitPrice.String(), string(s.Reason), s.Pnl.String(), s.ClosedAt,
		s.PositionID, string(model.StatusClosing)); err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries(id, position_id, account_id, amount, reason, created_at)
		VALUES($1, $2, $3, $4::numeric, $5, $6)
	`, s.EntryID, s.PositionID, s.AccountID, s.Amount.String(), string(s.Reason), s.ClosedAt); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	return tx.Commit(ctx)
}
