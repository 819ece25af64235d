package models

import "time"

// Lifecycle 网格实例的生命周期状态
type Lifecycle string

const (
	LifecycleStopped      Lifecycle = "stopped"
	LifecycleInitializing Lifecycle = "initializing"
	LifecycleRunning      Lifecycle = "running"
	LifecyclePausedRange  Lifecycle = "paused_out_of_range" // 价格超出区间，保留持仓、不再挂单
)

// GridParams 存储网格实例创建时的核心参数，生命周期内【不可变】
type GridParams struct {
	Symbol           string     `json:"symbol"`
	MarketType       MarketType `json:"market_type"`
	AssetType        AssetType  `json:"asset_type"`
	Direction        Direction  `json:"direction"`
	MinPrice         float64    `json:"min_price"`
	MaxPrice         float64    `json:"max_price"`
	GridCount        int        `json:"grid_count"`
	GridSpacing      float64    `json:"grid_spacing"` // 由区间和网格数推导: (max-min)/(count*(min+max)/2)
	InvestmentAmount float64    `json:"investment_amount"`
	Leverage         float64    `json:"leverage"` // 现货恒为 1
}

// TotalCapital 总资金 = 投入资金 * 杠杆倍数。
// 始终重新计算，不单独存储，避免两个字段失去同步。
func (p GridParams) TotalCapital() float64 {
	return p.InvestmentAmount * p.Leverage
}

// OrderSlot 是网格一侧的挂单档位，一个实例同侧至多一个
type OrderSlot struct {
	OrderID  string    `json:"order_id"`
	Price    float64   `json:"price"`
	Volume   float64   `json:"volume"`
	PlacedAt time.Time `json:"placed_at"`
}

// ExecutionRecord 一笔成交记录，只追加、不回改
type ExecutionRecord struct {
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// GridStats 汇总统计指标，是成交历史加实时持仓的纯折叠结果
type GridStats struct {
	GridProfit       float64 `json:"grid_profit"`       // 已实现网格收益（完整往返的价差累计）
	ArbitrageCount   int     `json:"arbitrage_count"`   // 完整往返次数
	TotalVolume      float64 `json:"total_volume"`      // 累计成交金额（价格 × 数量）
	UnrealizedPnl    float64 `json:"unrealized_pnl"`    // 未实现盈亏（来自持仓快照）
	TotalPnl         float64 `json:"total_pnl"`         // 总盈亏 = 已实现 + 未实现
	AnnualizedReturn float64 `json:"annualized_return"` // 年化收益率（百分比）
}

// GridState 定义了一个网格实例需要持久化的全部数据。
// 每次有意义的状态转移之后，整个结构体按 symbol 落盘一次。
type GridState struct {
	ID     string     `json:"id"` // 实例唯一标识
	Params GridParams `json:"params"`

	// 运行时行情状态
	CurrentPrice  float64   `json:"current_price"`
	StartPrice    float64   `json:"start_price"` // 首次初始化成功时记录，此后不变
	StartTime     time.Time `json:"start_time"`  // 与 StartPrice 同时记录，用于年化计算
	IsInitialized bool      `json:"is_initialized"`

	// 每格下单数量，初始化时由总资金、价格区间和网格数重新计算
	EachOrderSize float64 `json:"each_order_size"`

	// 订单档位：nil 表示该侧当前无挂单
	BuyOrder  *OrderSlot `json:"buy_order,omitempty"`
	SellOrder *OrderSlot `json:"sell_order,omitempty"`

	// 持仓快照（镜像交易所报告的真实持仓）
	Position Position `json:"position"`

	// 成交历史与统计
	History []ExecutionRecord `json:"history"`
	// OpenLots 是 FIFO 配对中尚未平掉的开仓批次（做多为买入批次，做空为卖出批次）。
	// 随快照持久化，重启后往返配对不丢失。
	OpenLots    []ExecutionRecord `json:"open_lots,omitempty"`
	StatsCursor int               `json:"stats_cursor"` // History 中已折叠进统计的记录数
	Stats       GridStats         `json:"stats"`

	State     Lifecycle `json:"state"`
	LastError string    `json:"last_error,omitempty"` // 最近一次 tick 失败的原因，成功后清空

	LastUpdateTime time.Time `json:"last_update_time"`
}

// Clone 返回状态的深拷贝，用于无锁对外暴露快照
func (s *GridState) Clone() *GridState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.BuyOrder != nil {
		b := *s.BuyOrder
		cp.BuyOrder = &b
	}
	if s.SellOrder != nil {
		sl := *s.SellOrder
		cp.SellOrder = &sl
	}
	if s.History != nil {
		cp.History = make([]ExecutionRecord, len(s.History))
		copy(cp.History, s.History)
	}
	if s.OpenLots != nil {
		cp.OpenLots = make([]ExecutionRecord, len(s.OpenLots))
		copy(cp.OpenLots, s.OpenLots)
	}
	return &cp
}

// Summary 是网格实例对外可见的投影，供 API 层与报表使用
type Summary struct {
	ID               string            `json:"id"`
	Symbol           string            `json:"symbol"`
	MarketType       MarketType        `json:"market_type"`
	AssetType        AssetType         `json:"asset_type"`
	Direction        Direction         `json:"direction"`
	PriceRange       [2]float64        `json:"price_range"`
	GridSpacing      float64           `json:"grid_spacing"`
	InvestmentAmount float64           `json:"investment_amount"`
	Leverage         float64           `json:"leverage"`
	TotalCapital     float64           `json:"total_capital"`
	State            Lifecycle         `json:"state"`
	CurrentPrice     float64           `json:"current_price"`
	StartPrice       float64           `json:"start_price"`
	BuyOrder         *OrderSlot        `json:"buy_order,omitempty"`
	SellOrder        *OrderSlot        `json:"sell_order,omitempty"`
	Position         Position          `json:"position"`
	Stats            GridStats         `json:"stats"`
	RecentFills      []ExecutionRecord `json:"recent_fills,omitempty"` // 最近 5 笔成交
	LastError        string            `json:"last_error,omitempty"`
	Elapsed          string            `json:"elapsed,omitempty"` // 已运行时长
}

// Summarize 生成状态的对外投影
func (s *GridState) Summarize(now time.Time) Summary {
	sum := Summary{
		ID:               s.ID,
		Symbol:           s.Params.Symbol,
		MarketType:       s.Params.MarketType,
		AssetType:        s.Params.AssetType,
		Direction:        s.Params.Direction,
		PriceRange:       [2]float64{s.Params.MinPrice, s.Params.MaxPrice},
		GridSpacing:      s.Params.GridSpacing,
		InvestmentAmount: s.Params.InvestmentAmount,
		Leverage:         s.Params.Leverage,
		TotalCapital:     s.Params.TotalCapital(),
		State:            s.State,
		CurrentPrice:     s.CurrentPrice,
		StartPrice:       s.StartPrice,
		Position:         s.Position,
		Stats:            s.Stats,
		LastError:        s.LastError,
	}
	if s.BuyOrder != nil {
		b := *s.BuyOrder
		sum.BuyOrder = &b
	}
	if s.SellOrder != nil {
		sl := *s.SellOrder
		sum.SellOrder = &sl
	}
	if n := len(s.History); n > 0 {
		start := n - 5
		if start < 0 {
			start = 0
		}
		sum.RecentFills = make([]ExecutionRecord, n-start)
		copy(sum.RecentFills, s.History[start:])
	}
	if !s.StartTime.IsZero() {
		sum.Elapsed = now.Sub(s.StartTime).Round(time.Second).String()
	}
	return sum
}
