package model

import "errors"

var (
	// ErrInvalidParameters 参数非法（size/leverage/symbol 等）
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrInsufficientFunds 可用余额不足以冻结保证金
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrPositionNotFound  = errors.New("position not found")
	// ErrUnauthorized 请求账户不是持仓所有者
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAlreadyClosed 平仓已被其他调用方认领或完成，调用方视为 no-op
	ErrAlreadyClosed = errors.New("position already closed")
	// ErrPriceUnavailable 价格暂不可用，下个周期重试
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrSettlementCommitFailed 结算提交失败，持仓停留在 closing 等待恢复
	ErrSettlementCommitFailed = errors.New("settlement commit failed")
	// ErrAlreadySettled 存储层发现该持仓已有结算流水
	ErrAlreadySettled = errors.New("position already settled")
)
