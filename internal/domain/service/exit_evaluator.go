package service

import (
	"github.com/shopspring/decimal"

	"marginx/internal/domain/model"
)

// Evaluate 判断在给定价格下持仓是否触发平仓条件，无状态。
//
// 同一次评估中多个条件同时成立时的优先级：liquidation > take_profit > stop_loss。
// 只评估 open 状态的持仓。
func Evaluate(pos *model.Position, price decimal.Decimal) (model.ExitReason, bool) {
	if pos == nil || pos.Status != model.StatusOpen || !price.IsPositive() {
		return "", false
	}

	if liquidationHit(pos, price) {
		return model.ReasonLiquidation, true
	}
	if takeProfitHit(pos, price) {
		return model.ReasonTakeProfit, true
	}
	if stopLossHit(pos, price) {
		return model.ReasonStopLoss, true
	}
	return "", false
}

func liquidationHit(pos *model.Position, price decimal.Decimal) bool {
	if !pos.Leverage.GreaterThan(one) || !pos.LiquidationPrice.Valid {
		return false
	}
	liq := pos.LiquidationPrice.Decimal
	switch pos.Side {
	case model.SideLong:
		return price.LessThanOrEqual(liq)
	case model.SideShort:
		return price.GreaterThanOrEqual(liq)
	}
	return false
}

func takeProfitHit(pos *model.Position, price decimal.Decimal) bool {
	if !pos.TakeProfit.Valid {
		return false
	}
	tp := pos.TakeProfit.Decimal
	switch pos.Side {
	case model.SideLong:
		return price.GreaterThanOrEqual(tp)
	case model.SideShort:
		return price.LessThanOrEqual(tp)
	}
	return false
}

func stopLossHit(pos *model.Position, price decimal.Decimal) bool {
	if !pos.StopLoss.Valid {
		return false
	}
	sl := pos.StopLoss.Decimal
	switch pos.Side {
	case model.SideLong:
		return price.LessThanOrEqual(sl)
	case model.SideShort:
		return price.GreaterThanOrEqual(sl)
	}
	return false
}
