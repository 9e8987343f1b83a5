package port

import (
	"context"

	"github.com/shopspring/decimal"

	"marginx/internal/domain/model"
)

// LedgerStore 账本存储，账户余额与持仓的唯一资金来源
//
// OpenPosition and CommitSettlement are each one transaction. ClaimClose is the
// status compare-and-set open -> closing and reports whether this caller won it.
type LedgerStore interface {
	// Account operations
	CreateAccount(ctx context.Context, id string, balance decimal.Decimal) (*model.Account, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// Position queries
	GetPosition(ctx context.Context, id string) (*model.Position, error)
	ListPositionsByStatus(ctx context.Context, status model.PositionStatus) ([]*model.Position, error)
	ListPositionsByAccount(ctx context.Context, accountID string, statuses ...model.PositionStatus) ([]*model.Position, error)
	ListLedgerEntries(ctx context.Context, accountID string) ([]*model.LedgerEntry, error)

	// Lifecycle transitions
	OpenPosition(ctx context.Context, pos *model.Position) error
	ClaimClose(ctx context.Context, positionID string, exitPrice decimal.Decimal, reason model.ExitReason) (bool, error)
	CommitSettlement(ctx context.Context, s *model.Settlement) error

	// Connection management
	Close() error
}
