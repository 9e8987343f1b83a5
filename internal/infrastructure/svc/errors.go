package svc

import "errors"

// ErrNoStore 错误：账本存储未初始化
var ErrNoStore = errors.New("ledger store not initialized")

// ErrNoOracle 错误：价格源未初始化
var ErrNoOracle = errors.New("price oracle not initialized")
