package service

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marginx/internal/domain/model"
	calc "marginx/internal/domain/service"
)

// PositionView 持仓 + 标记价格下的未实现盈亏
type PositionView struct {
	*model.Position
	MarkPrice     decimal.NullDecimal `json:"mark_price"`
	UnrealizedPnl decimal.NullDecimal `json:"unrealized_pnl"`
}

// GetAccount 查询账户
func (e *PositionEngine) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return e.store.GetAccount(ctx, accountID)
}

// GetPosition 查询持仓并校验所有权
func (e *PositionEngine) GetPosition(ctx context.Context, positionID, requestingAccountID string) (*model.Position, error) {
	if requestingAccountID == "" {
		return nil, model.ErrUnauthorized
	}
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.AccountID != requestingAccountID {
		return nil, model.ErrUnauthorized
	}
	return pos, nil
}

// ListOpenPositions 账户未结持仓（open 与 closing，保证金仍被冻结）
func (e *PositionEngine) ListOpenPositions(ctx context.Context, accountID string) ([]*model.Position, error) {
	return e.store.ListPositionsByAccount(ctx, accountID, model.StatusOpen, model.StatusClosing)
}

// ListHistory 账户已平仓持仓
func (e *PositionEngine) ListHistory(ctx context.Context, accountID string) ([]*model.Position, error) {
	return e.store.ListPositionsByAccount(ctx, accountID, model.StatusClosed)
}

// ListLedger 账户结算流水
func (e *PositionEngine) ListLedger(ctx context.Context, accountID string) ([]*model.LedgerEntry, error) {
	return e.store.ListLedgerEntries(ctx, accountID)
}

// OpenPositions 所有 open 持仓，供扫描使用
func (e *PositionEngine) OpenPositions(ctx context.Context) ([]*model.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()
	return e.store.ListPositionsByStatus(ctx, model.StatusOpen)
}

// MarkToMarket 按 symbol 各取一次价格，计算未实现盈亏；取价失败的 symbol 留空
func (e *PositionEngine) MarkToMarket(ctx context.Context, positions []*model.Position) []PositionView {
	marks := make(map[string]decimal.NullDecimal)
	views := make([]PositionView, 0, len(positions))

	for _, pos := range positions {
		mark, ok := marks[pos.Symbol]
		if !ok {
			px, err := e.Price(ctx, pos.Symbol)
			if err != nil {
				log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("mark price unavailable")
			} else {
				mark = decimal.NewNullDecimal(px)
			}
			marks[pos.Symbol] = mark
		}

		v := PositionView{Position: pos, MarkPrice: mark}
		if mark.Valid && pos.Status == model.StatusOpen {
			v.UnrealizedPnl = decimal.NewNullDecimal(calc.UnrealizedPnl(pos, mark.Decimal))
		}
		views = append(views, v)
	}
	return views
}
