package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"marginx/internal/domain/model"
)

var one = decimal.NewFromInt(1)

// ComputeMargin 计算冻结保证金 = size / leverage
func ComputeMargin(size, leverage decimal.Decimal) (decimal.Decimal, error) {
	if !size.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: size must be > 0, got %s", model.ErrInvalidParameters, size)
	}
	if leverage.LessThan(one) {
		return decimal.Zero, fmt.Errorf("%w: leverage must be >= 1, got %s", model.ErrInvalidParameters, leverage)
	}
	return size.Div(leverage), nil
}

// ComputeLiquidationPrice 计算强平价：未实现亏损恰好吞掉全部保证金的价格
//
//	long:  entry * (1 - 1/leverage) = entry * (leverage-1) / leverage
//	short: entry * (1 + 1/leverage) = entry * (leverage+1) / leverage
//
// 1x 持仓不可能被强平：long 返回 0，short 返回无效值（正无穷）。
func ComputeLiquidationPrice(entryPrice, leverage decimal.Decimal, side model.Side) (decimal.NullDecimal, error) {
	if !entryPrice.IsPositive() {
		return decimal.NullDecimal{}, fmt.Errorf("%w: entry price must be > 0, got %s", model.ErrInvalidParameters, entryPrice)
	}
	if leverage.LessThan(one) {
		return decimal.NullDecimal{}, fmt.Errorf("%w: leverage must be >= 1, got %s", model.ErrInvalidParameters, leverage)
	}

	switch side {
	case model.SideLong:
		if leverage.Equal(one) {
			return decimal.NewNullDecimal(decimal.Zero), nil
		}
		return decimal.NewNullDecimal(entryPrice.Mul(leverage.Sub(one)).Div(leverage)), nil
	case model.SideShort:
		if leverage.Equal(one) {
			return decimal.NullDecimal{}, nil
		}
		return decimal.NewNullDecimal(entryPrice.Mul(leverage.Add(one)).Div(leverage)), nil
	default:
		return decimal.NullDecimal{}, fmt.Errorf("%w: unknown side %q", model.ErrInvalidParameters, side)
	}
}

// ComputePnl 计算盈亏
//
//	long:  (exit - entry) / entry * size
//	short: (entry - exit) / entry * size
//
// The multiplication is done before the division so exact inputs give exact results.
func ComputePnl(entryPrice, exitPrice, size decimal.Decimal, side model.Side) decimal.Decimal {
	if entryPrice.IsZero() {
		return decimal.Zero
	}
	diff := exitPrice.Sub(entryPrice)
	if side == model.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(size).Div(entryPrice)
}

// ComputeSettlement 计算平仓返还金额 = margin + pnl，下限为 0。
// shortfall 是穿仓部分（价格跳空越过强平价），不向账户其他资金追偿。
func ComputeSettlement(margin, pnl decimal.Decimal) (amount, shortfall decimal.Decimal) {
	amount = margin.Add(pnl)
	if amount.IsNegative() {
		return decimal.Zero, amount.Neg()
	}
	return amount, decimal.Zero
}

// UnrealizedPnl 以标记价格计算未实现盈亏
func UnrealizedPnl(pos *model.Position, markPrice decimal.Decimal) decimal.Decimal {
	return ComputePnl(pos.EntryPrice, markPrice, pos.Size, pos.Side)
}
