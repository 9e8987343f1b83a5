package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide 解析持仓方向，大小写不敏感
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideLong:
		return SideLong, true
	case SideShort:
		return SideShort, true
	default:
		return "", false
	}
}

// PositionStatus 持仓状态: pending -> open -> closing -> closed
type PositionStatus string

const (
	StatusPending PositionStatus = "pending" // 资金冻结中
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing" // 已被平仓方认领，结算未提交
	StatusClosed  PositionStatus = "closed"  // 终态
)

// ExitReason 平仓原因
type ExitReason string

const (
	ReasonManualClose ExitReason = "manual_close"
	ReasonTakeProfit  ExitReason = "take_profit"
	ReasonStopLoss    ExitReason = "stop_loss"
	ReasonLiquidation ExitReason = "liquidation"
)

// Valid reports whether r is one of the known exit reasons.
func (r ExitReason) Valid() bool {
	switch r {
	case ReasonManualClose, ReasonTakeProfit, ReasonStopLoss, ReasonLiquidation:
		return true
	}
	return false
}

// Account 账户，Balance 为可用（未冻结）资金
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Position 杠杆持仓
//
// LiquidationPrice is invalid (null) for a 1x short: the loss can never reach the
// margin, so the liquidation price is unbounded. A 1x long carries a zero price.
type Position struct {
	ID               string              `json:"id"`
	AccountID        string              `json:"account_id"`
	Symbol           string              `json:"symbol"`
	Side             Side                `json:"side"`
	Size             decimal.Decimal     `json:"size"` // 名义价值
	Leverage         decimal.Decimal     `json:"leverage"`
	Margin           decimal.Decimal     `json:"margin"` // size / leverage
	EntryPrice       decimal.Decimal     `json:"entry_price"`
	LiquidationPrice decimal.NullDecimal `json:"liquidation_price"`
	TakeProfit       decimal.NullDecimal `json:"take_profit"`
	StopLoss         decimal.NullDecimal `json:"stop_loss"`
	Status           PositionStatus      `json:"status"`
	ExitPrice        decimal.NullDecimal `json:"exit_price"`
	CloseReason      ExitReason          `json:"close_reason,omitempty"`
	Pnl              decimal.NullDecimal `json:"pnl"`
	OpenedAt         time.Time           `json:"opened_at"`
	ClosedAt         *time.Time          `json:"closed_at,omitempty"`
}

// LedgerEntry 结算流水，每个已平仓持仓恰好一条
type LedgerEntry struct {
	ID         string          `json:"id"`
	PositionID string          `json:"position_id"`
	AccountID  string          `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"` // margin + pnl，下限为 0
	Reason     ExitReason      `json:"reason"`
	CreatedAt  time.Time       `json:"timestamp"`
}

// Settlement 平仓结算结果
type Settlement struct {
	PositionID string          `json:"position_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Reason     ExitReason      `json:"reason"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Margin     decimal.Decimal `json:"margin"`
	Pnl        decimal.Decimal `json:"pnl"`
	Amount     decimal.Decimal `json:"amount"`    // credited to the account
	Shortfall  decimal.Decimal `json:"shortfall"` // unrecovered loss beyond the margin
	EntryID    string          `json:"entry_id"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// Entry 构造对应的结算流水
func (s *Settlement) Entry() *LedgerEntry {
	return &LedgerEntry{
		ID:         s.EntryID,
		PositionID: s.PositionID,
		AccountID:  s.AccountID,
		Amount:     s.Amount,
		Reason:     s.Reason,
		CreatedAt:  s.ClosedAt,
	}
}
