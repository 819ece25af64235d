package models

import "fmt"

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	DBPath            string    `json:"db_path"`                       // 快照数据库路径
	ListenAddr        string    `json:"listen_addr"`                   // HTTP API 监听地址, e.g. ":8000"
	PollIntervalSec   int       `json:"poll_interval_sec"`             // 调度循环的轮询间隔（秒）
	ReportIntervalSec int       `json:"report_interval_sec,omitempty"` // 状态报表打印间隔（秒），0 表示关闭
	RecoveryPolicy    string    `json:"recovery_policy"`               // 重启恢复策略: "resume"（自动恢复轮询）或 "manual"（等待显式 resume）
	Session           Session   `json:"session"`                       // 会话复用网关配置
	Advisor           Advisor   `json:"advisor"`                       // K线分析配置
	LogConfig         LogConfig `json:"log"`                           // 日志配置
}

// Session 定义了会话复用网关的连接参数。
// 认证令牌和 Cookie 从浏览器已登录的会话中捕获，不走常规的 API Key 签名。
type Session struct {
	APIBaseURL     string `json:"api_base_url"`               // REST API 基础地址
	WSBaseURL      string `json:"ws_base_url"`                // WebSocket 行情地址
	TimeoutSec     int    `json:"timeout_sec"`                // 单次网关调用的超时（秒）
	PingSec        int    `json:"ping_sec,omitempty"`         // WebSocket Ping 间隔（秒）
	PongTimeoutSec int    `json:"pong_timeout_sec,omitempty"` // WebSocket Pong 超时（秒）
}

// Advisor 定义了K线分析（方向/区间建议）的参数
type Advisor struct {
	Interval  string  `json:"interval"`   // K线周期, e.g. "15m"
	MinKlines int     `json:"min_klines"` // 参与回归的最少K线数量
	Threshold float64 `json:"threshold"`  // 归一化斜率阈值，绝对值以内视为横盘
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// MarketType 市场类型
type MarketType string

const (
	MarketContract MarketType = "contract" // 合约
	MarketSpot     MarketType = "spot"     // 现货
)

// AssetType 资产类型
type AssetType string

const (
	AssetCrypto AssetType = "crypto" // 加密货币
	AssetStock  AssetType = "stock"  // 美股
)

// Direction 网格方向
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign 返回方向的符号：做多 +1，做空 -1
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// 开仓类型：1=开仓，2=平仓（合约市场使用）
const (
	OpenTypeOpen  = 1
	OpenTypeClose = 2
)

// OrderInfo 是网关返回的订单信息
type OrderInfo struct {
	ID        string  `json:"id"`        // 交易所订单ID
	Symbol    string  `json:"symbol"`    // 交易对
	Side      Side    `json:"side"`      // 买/卖
	Price     float64 `json:"price"`     // 挂单价格
	Volume    float64 `json:"volume"`    // 挂单数量
	Status    string  `json:"status"`    // "pending" | "filled" | "cancelled"
	OpenType  int     `json:"open_type"` // 1=开仓, 2=平仓
	Timestamp int64   `json:"timestamp"` // 创建时间戳（毫秒）
	Pnl       float64 `json:"pnl"`       // 已实现盈亏（交易所报告）
	Fee       float64 `json:"fee"`       // 手续费
}

// Position 是网关返回的持仓快照（以交易所报告为准）
type Position struct {
	ID            int64   `json:"id"`             // 持仓ID（平仓时使用）
	Size          float64 `json:"size"`           // 持仓数量
	EntryPrice    float64 `json:"entry_price"`    // 开仓均价
	UnrealizedPnl float64 `json:"unrealized_pnl"` // 未实现盈亏
	Side          string  `json:"side"`           // "long" | "short"
	Timestamp     int64   `json:"timestamp"`      // 更新时间戳（毫秒）
}

// SymbolMetadata 是交易对的交易规则，从网关获取后缓存
type SymbolMetadata struct {
	Symbol       string  `json:"symbol"`
	TickSize     float64 `json:"tick_size"`      // 价格最小变动单位
	MinOrderSize float64 `json:"min_order_size"` // 最小下单数量
	MinLeverage  float64 `json:"min_leverage"`   // 允许的最小杠杆
	MaxLeverage  float64 `json:"max_leverage"`   // 允许的最大杠杆
}

// Balance 账户可用资金
type Balance struct {
	Available      float64 `json:"available"`       // 可用余额（保证金）
	AccountBalance float64 `json:"account_balance"` // 账户总余额
	PnlTotal       float64 `json:"pnl_total"`       // 账户总盈亏
}

// APIError 定义了交易所API返回的错误信息结构
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
