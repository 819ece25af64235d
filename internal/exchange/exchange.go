package exchange

import (
	"errors"

	"msx-grid-go/internal/models"
)

// Gateway 定义了所有网关实现必须提供的通用方法。
// 底层复用同一个已认证会话，同一时刻只能作用于一个"活动交易对"，
// 切换交易对必须先调用 ChangeActiveSymbol。
type Gateway interface {
	// ChangeActiveSymbol 切换网关的活动交易对上下文
	ChangeActiveSymbol(symbol string) error
	// FetchTicker 获取最新成交价
	FetchTicker(symbol string) (float64, error)
	// FetchPosition 获取当前持仓快照，无持仓时返回 size=0 的对象
	FetchPosition(symbol string) (*models.Position, error)
	// FetchOpenOrders 获取当前全部未成交挂单
	FetchOpenOrders(symbol string) ([]models.OrderInfo, error)
	// PlaceOrder 下单。orderType 为 "limit" 或 "market"，市价单 price 传 0。
	PlaceOrder(symbol string, side models.Side, orderType string, volume, price float64, openType int) (*models.OrderInfo, error)
	// CancelOrder 撤单。撤销已成交或已撤销的订单是幂等的空操作；
	// 撤单结果无法确认时（会话失效、瞬时故障）必须返回错误。
	CancelOrder(symbol string, orderID string) error
	// SetLeverage 设置合约杠杆
	SetLeverage(symbol string, leverage float64) error
	// FetchSymbolMetadata 获取交易规则（tick size、最小下单量、杠杆区间）
	FetchSymbolMetadata(symbol string) (*models.SymbolMetadata, error)
	// FetchBalance 获取账户可用资金
	FetchBalance() (*models.Balance, error)
	// TradingOpen 判断指定资产类型当前是否处于交易时段（加密货币恒为 true）
	TradingOpen(asset models.AssetType) (bool, error)
	// Symbols 列出指定市场类型下可交易的全部交易对
	Symbols(market models.MarketType) ([]string, error)
	// Connected 会话是否仍然有效
	Connected() bool
}

// ErrRejected 表示交易所明确拒绝了请求（非瞬时故障），
// 例如下单数量低于最小值。调用方不重试原请求，由下一轮 tick 重新计算。
var ErrRejected = errors.New("exchange rejected request")

// ErrMarketClosed 表示市场休市中（上游错误码 6005）
var ErrMarketClosed = errors.New("market closed")

// ErrAuthExpired 表示会话凭证已失效（HTTP 401/403）。后续所有请求都会
// 失败，直到人为刷新令牌；调用方应中止当前操作并原样保留状态。
var ErrAuthExpired = errors.New("session auth expired")

// IsTransient 判断网关错误是否为瞬时故障（超时、限流、网络抖动）。
// 瞬时故障在下一轮 tick 自然重试；明确拒绝、休市和会话失效不计入。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrRejected) && !errors.Is(err, ErrMarketClosed) &&
		!errors.Is(err, ErrAuthExpired)
}
