package engine

import "errors"

// 控制面错误：同步返回给调用方，不触发重试，也不影响其他实例。
var (
	// ErrInvalidParameters 参数校验失败（区间、网格数、杠杆、下单量等）
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrAlreadyExists 同一交易对已存在存活的网格实例
	ErrAlreadyExists = errors.New("grid already exists for symbol")
	// ErrNotFound 指定交易对没有网格实例
	ErrNotFound = errors.New("grid not found for symbol")
	// ErrInsufficientFunds 可用保证金不足
	ErrInsufficientFunds = errors.New("insufficient funds")
)
