package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"msx-grid-go/internal/exchange"
	"msx-grid-go/internal/logger"
	"msx-grid-go/internal/models"
)

// Instance 是单个交易对的网格实例：持有完整状态和状态转移逻辑，
// 自身不做任何 I/O 调度，网关调用全部由 Registry/调度循环在持锁时驱动。
type Instance struct {
	mu    sync.Mutex // 保护 state；锁序固定为 先网关锁、后实例锁
	state *models.GridState
	meta  *models.SymbolMetadata // 交易规则缓存，首次需要时从网关获取
}

func newInstance(state *models.GridState) *Instance {
	return &Instance{state: state}
}

// ensureMetadata 获取并缓存交易规则（tick size、最小下单量、杠杆区间）
func (in *Instance) ensureMetadata(gw exchange.Gateway) error {
	if in.meta != nil {
		return nil
	}
	meta, err := gw.FetchSymbolMetadata(in.state.Params.Symbol)
	if err != nil {
		return fmt.Errorf("获取交易规则失败: %w", err)
	}
	in.meta = meta
	return nil
}

// adjustToStep 将数值向下取整到步长的整数倍
func adjustToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step+volEpsilon) * step
}

func (in *Instance) adjustPrice(p float64) float64 {
	return adjustToStep(p, in.meta.TickSize)
}

func (in *Instance) adjustVolume(v float64) float64 {
	return adjustToStep(v, in.meta.MinOrderSize)
}

// samePrice 按 tick size 判断两个价格是否等效
func samePrice(a, b, tickSize float64) bool {
	eps := tickSize
	if eps <= 0 {
		eps = 1e-9
	}
	return math.Abs(a-b) < eps
}

// signedSize 返回带符号净持仓：做多为正，做空为负
func signedSize(p models.Position) float64 {
	if p.Side == string(models.DirectionShort) {
		return -p.Size
	}
	return p.Size
}

// openTypeFor 返回该侧订单的开平仓类型。
// 做多网格：买入开仓、卖出平仓；做空镜像。现货无开平仓概念，恒为开仓。
func (in *Instance) openTypeFor(side models.Side) int {
	p := in.state.Params
	if p.MarketType == models.MarketSpot {
		return models.OpenTypeOpen
	}
	openSide := models.SideBuy
	if p.Direction == models.DirectionShort {
		openSide = models.SideSell
	}
	if side == openSide {
		return models.OpenTypeOpen
	}
	return models.OpenTypeClose
}

// legVolume 计算一侧挂单的目标数量。
// 开仓侧固定为每格数量；平仓侧不能超过当前持仓。
func (in *Instance) legVolume(side models.Side) float64 {
	st := in.state
	if in.openTypeFor(side) == models.OpenTypeClose {
		if st.Position.Size < st.EachOrderSize {
			return st.Position.Size
		}
	}
	return st.EachOrderSize
}

// initialize 执行 Initializing → Running 的首次建仓与挂单流程。
// 任一网关调用失败都直接返回错误，实例停留在 Initializing，下一轮整体重来。
func (in *Instance) initialize(gw exchange.Gateway, now time.Time) error {
	st := in.state
	p := st.Params

	if err := gw.ChangeActiveSymbol(p.Symbol); err != nil {
		return fmt.Errorf("切换活动交易对失败: %w", err)
	}
	if err := in.ensureMetadata(gw); err != nil {
		return err
	}

	// 清理上一次运行残留的挂单，避免与新网格互相干扰
	stale, err := gw.FetchOpenOrders(p.Symbol)
	if err != nil {
		return fmt.Errorf("查询残留挂单失败: %w", err)
	}
	for _, o := range stale {
		if err := gw.CancelOrder(p.Symbol, o.ID); err != nil {
			return fmt.Errorf("撤销残留挂单 %s 失败: %w", o.ID, err)
		}
		logger.S().Infof("[%s] 已撤销残留挂单: %s %s @ %v", p.Symbol, o.Side, o.ID, o.Price)
	}

	price, err := gw.FetchTicker(p.Symbol)
	if err != nil {
		return fmt.Errorf("获取最新价格失败: %w", err)
	}
	st.CurrentPrice = price
	if st.StartPrice == 0 {
		st.StartPrice = price
		st.StartTime = now
	}

	// 每格下单数量 = 总资金 / (网格数 × 区间均价)，向下取整到最小下单量
	st.EachOrderSize = in.adjustVolume(p.TotalCapital() * p.GridSpacing / (p.MaxPrice - p.MinPrice))
	if st.EachOrderSize < in.meta.MinOrderSize {
		return fmt.Errorf("每格数量 %v 低于最小下单量 %v: %w",
			st.EachOrderSize, in.meta.MinOrderSize, ErrInvalidParameters)
	}

	pos, err := gw.FetchPosition(p.Symbol)
	if err != nil {
		return fmt.Errorf("获取持仓失败: %w", err)
	}

	// 空仓时按价格在区间中的位置建立底仓：
	// 价格越靠近区间下沿，做多应持有越多仓位（做空相反）
	if pos.Size < volEpsilon {
		if vol := in.openingVolume(price); vol >= in.meta.MinOrderSize {
			side := models.SideBuy
			if p.Direction == models.DirectionShort {
				side = models.SideSell
			}
			if _, err := gw.PlaceOrder(p.Symbol, side, "market", vol, 0, models.OpenTypeOpen); err != nil {
				return fmt.Errorf("建立底仓失败: %w", err)
			}
			logger.S().Infof("[%s] 已建立底仓: %s %v @ 市价 %v", p.Symbol, side, vol, price)
			if pos, err = gw.FetchPosition(p.Symbol); err != nil {
				return fmt.Errorf("建仓后获取持仓失败: %w", err)
			}
			// 底仓成交进入历史，后续平仓侧成交以它为配对起点
			entry := pos.EntryPrice
			if entry <= 0 {
				entry = price
			}
			st.History = append(st.History, models.ExecutionRecord{
				Side: side, Price: entry, Volume: vol, Timestamp: now,
			})
		}
	}
	st.Position = *pos

	if price < p.MinPrice || price > p.MaxPrice {
		logger.S().Warnf("[%s] 当前价格 %v 超出区间 [%v, %v]，进入暂停状态等待回归",
			p.Symbol, price, p.MinPrice, p.MaxPrice)
		st.State = models.LifecyclePausedRange
	} else {
		if _, err := in.placeGridPair(gw, price, nil, now); err != nil {
			return err
		}
		st.State = models.LifecycleRunning
	}

	st.IsInitialized = true
	foldStatistics(st, now)
	logger.S().Infof("[%s] 网格初始化完成: 起始价=%v 每格数量=%v 状态=%s",
		p.Symbol, st.StartPrice, st.EachOrderSize, st.State)
	return nil
}

// openingVolume 按区间位置比例计算底仓数量。
// ratio = (price-min)/(max-min)；做多持有 (1-ratio) 份总资金，做空持有 ratio 份。
func (in *Instance) openingVolume(price float64) float64 {
	p := in.state.Params
	clamped := math.Min(math.Max(price, p.MinPrice), p.MaxPrice)
	ratio := (clamped - p.MinPrice) / (p.MaxPrice - p.MinPrice)
	frac := 1 - ratio
	if p.Direction == models.DirectionShort {
		frac = ratio
	}
	return in.adjustVolume(p.TotalCapital() * frac / price)
}

// tick 执行 Running / Paused-OutOfRange 状态下的一轮对账。
// 返回 changed 表示是否有需要落盘的状态变化。
func (in *Instance) tick(gw exchange.Gateway, now time.Time) (changed bool, err error) {
	st := in.state
	p := st.Params

	if err := gw.ChangeActiveSymbol(p.Symbol); err != nil {
		return false, fmt.Errorf("切换活动交易对失败: %w", err)
	}
	if err := in.ensureMetadata(gw); err != nil {
		return false, err
	}

	price, err := gw.FetchTicker(p.Symbol)
	if err != nil {
		return false, fmt.Errorf("获取最新价格失败: %w", err)
	}
	st.CurrentPrice = price

	if st.State == models.LifecyclePausedRange {
		return in.tickPaused(gw, now)
	}

	open, err := gw.FetchOpenOrders(p.Symbol)
	if err != nil {
		return false, fmt.Errorf("查询挂单失败: %w", err)
	}
	pos, err := gw.FetchPosition(p.Symbol)
	if err != nil {
		return false, fmt.Errorf("获取持仓失败: %w", err)
	}

	openSet := make(map[string]bool, len(open))
	for _, o := range open {
		openSet[o.ID] = true
	}

	// 成交检测：记录在档的订单从挂单列表消失即视为成交
	prevNet := signedSize(st.Position)
	anchor := price
	fills := 0
	if st.BuyOrder != nil && !openSet[st.BuyOrder.OrderID] {
		in.recordFill(models.SideBuy, st.BuyOrder, now)
		anchor = st.BuyOrder.Price
		st.BuyOrder = nil
		fills++
		changed = true
	}
	if st.SellOrder != nil && !openSet[st.SellOrder.OrderID] {
		in.recordFill(models.SideSell, st.SellOrder, now)
		anchor = st.SellOrder.Price
		st.SellOrder = nil
		fills++
		changed = true
	}
	if fills == 2 {
		// 两侧同轮成交，回到现价锚定
		anchor = price
	}

	open, err = in.sweepExtraOrders(gw, open, anchor)
	if err != nil {
		return changed, err
	}

	if pos.Size != st.Position.Size || pos.EntryPrice != st.Position.EntryPrice ||
		pos.UnrealizedPnl != st.Position.UnrealizedPnl {
		// 持仓以交易所报告为准，轮询对账自然修复任何漂移
		if fills > 0 && math.Abs(signedSize(*pos)-prevNet) < volEpsilon {
			logger.S().Debugf("[%s] 持仓未随成交变化，可能存在外部撤单或平仓", p.Symbol)
		}
		st.Position = *pos
		changed = true
	}
	foldStatistics(st, now)

	// 价格离开区间：撤掉剩余挂单、保留持仓、暂停铺网格
	if price < p.MinPrice || price > p.MaxPrice {
		if err := in.cancelSlots(gw); err != nil {
			return changed, err
		}
		st.State = models.LifecyclePausedRange
		logger.S().Warnf("[%s] 价格 %v 超出区间 [%v, %v]，已撤单并暂停",
			p.Symbol, price, p.MinPrice, p.MaxPrice)
		return true, nil
	}

	if st.BuyOrder == nil || st.SellOrder == nil {
		placed, err := in.placeGridPair(gw, anchor, open, now)
		if placed {
			changed = true
		}
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// tickPaused 处理暂停状态：持续跟踪持仓与统计，价格回归区间后恢复铺网格
func (in *Instance) tickPaused(gw exchange.Gateway, now time.Time) (changed bool, err error) {
	st := in.state
	p := st.Params

	pos, err := gw.FetchPosition(p.Symbol)
	if err != nil {
		return false, fmt.Errorf("获取持仓失败: %w", err)
	}
	if *pos != st.Position {
		st.Position = *pos
		changed = true
	}
	foldStatistics(st, now)

	if st.CurrentPrice >= p.MinPrice && st.CurrentPrice <= p.MaxPrice {
		open, err := gw.FetchOpenOrders(p.Symbol)
		if err != nil {
			return changed, fmt.Errorf("查询挂单失败: %w", err)
		}
		if _, err := in.placeGridPair(gw, st.CurrentPrice, open, now); err != nil {
			return changed, err
		}
		st.State = models.LifecycleRunning
		logger.S().Infof("[%s] 价格 %v 回归区间，恢复运行", p.Symbol, st.CurrentPrice)
		return true, nil
	}
	return changed, nil
}

// sweepExtraOrders 撤销交易所侧存在、档位却没有记录的游离挂单。正常流程
// 不会产生这种订单，但下单成功与快照落盘之间崩溃会留下它们；放着不管会
// 锁死资金并带来档位之外的敞口。正好落在待铺档位上的留给 placeLeg 收编，
// 其余一律撤掉。返回剩余挂单列表。
func (in *Instance) sweepExtraOrders(gw exchange.Gateway, open []models.OrderInfo, anchor float64) ([]models.OrderInfo, error) {
	st := in.state
	half := st.Params.GridSpacing / 2
	buyTarget := in.adjustPrice(anchor * (1 - half))
	sellTarget := in.adjustPrice(anchor * (1 + half))

	kept := open[:0]
	for _, o := range open {
		if in.slotTracks(o.ID) || in.adoptableAt(o, buyTarget, sellTarget) {
			kept = append(kept, o)
			continue
		}
		if err := gw.CancelOrder(st.Params.Symbol, o.ID); err != nil {
			return kept, fmt.Errorf("撤销游离挂单 %s 失败: %w", o.ID, err)
		}
		logger.S().Warnf("[%s] 已撤销不在档的游离挂单: %s %s @ %v",
			st.Params.Symbol, o.Side, o.ID, o.Price)
	}
	return kept, nil
}

func (in *Instance) slotTracks(orderID string) bool {
	st := in.state
	return (st.BuyOrder != nil && st.BuyOrder.OrderID == orderID) ||
		(st.SellOrder != nil && st.SellOrder.OrderID == orderID)
}

// adoptableAt 判断挂单是否正好落在即将铺设的档位上（placeLeg 会收编它）
func (in *Instance) adoptableAt(o models.OrderInfo, buyTarget, sellTarget float64) bool {
	st := in.state
	switch o.Side {
	case models.SideBuy:
		return st.BuyOrder == nil && samePrice(o.Price, buyTarget, in.meta.TickSize)
	case models.SideSell:
		return st.SellOrder == nil && samePrice(o.Price, sellTarget, in.meta.TickSize)
	}
	return false
}

// recordFill 将一笔成交追加进历史（只追加、不回改）
func (in *Instance) recordFill(side models.Side, slot *models.OrderSlot, now time.Time) {
	st := in.state
	st.History = append(st.History, models.ExecutionRecord{
		Side:      side,
		Price:     slot.Price,
		Volume:    slot.Volume,
		Timestamp: now,
	})
	logger.S().Infof("[%s] 订单成交: %s %v @ %v", st.Params.Symbol, side, slot.Volume, slot.Price)
}

// placeGridPair 为空缺的档位补挂订单，买单锚定 anchor*(1-spacing/2)，
// 卖单锚定 anchor*(1+spacing/2)。越界的一侧直接跳过；交易所拒单只记录
// 日志，档位留空等待下一轮以重算后的数量重试；瞬时故障则中止本轮。
// open 为当前交易所挂单列表，用于重复挂单的幂等保护。
func (in *Instance) placeGridPair(gw exchange.Gateway, anchor float64, open []models.OrderInfo, now time.Time) (placed bool, err error) {
	st := in.state
	p := st.Params
	half := p.GridSpacing / 2

	if st.BuyOrder == nil {
		price := in.adjustPrice(anchor * (1 - half))
		ok, err := in.placeLeg(gw, models.SideBuy, price, open, now)
		if err != nil {
			return placed, err
		}
		placed = placed || ok
	}
	if st.SellOrder == nil {
		price := in.adjustPrice(anchor * (1 + half))
		ok, err := in.placeLeg(gw, models.SideSell, price, open, now)
		if err != nil {
			return placed, err
		}
		placed = placed || ok
	}
	return placed, nil
}

func (in *Instance) placeLeg(gw exchange.Gateway, side models.Side, price float64, open []models.OrderInfo, now time.Time) (bool, error) {
	st := in.state
	p := st.Params

	if price < p.MinPrice || price > p.MaxPrice {
		logger.S().Debugf("[%s] %s 档 %v 超出区间，本轮不挂", p.Symbol, side, price)
		return false, nil
	}

	// 幂等保护：同侧已有等价挂单时直接收编，防止重试轮次重复下单
	for _, o := range open {
		if o.Side == side && samePrice(o.Price, price, in.meta.TickSize) {
			in.setSlot(side, &models.OrderSlot{OrderID: o.ID, Price: o.Price, Volume: o.Volume, PlacedAt: now})
			logger.S().Debugf("[%s] %s 档 %v 已有等价挂单 %s，直接收编", p.Symbol, side, price, o.ID)
			return true, nil
		}
	}

	vol := in.adjustVolume(in.legVolume(side))
	if vol < in.meta.MinOrderSize {
		logger.S().Debugf("[%s] %s 档数量 %v 低于最小下单量 %v，本轮跳过",
			p.Symbol, side, vol, in.meta.MinOrderSize)
		return false, nil
	}

	order, err := gw.PlaceOrder(p.Symbol, side, "limit", vol, price, in.openTypeFor(side))
	if err != nil {
		if exchange.IsTransient(err) || errors.Is(err, exchange.ErrAuthExpired) {
			return false, fmt.Errorf("挂 %s 单失败: %w", side, err)
		}
		// 明确拒单：档位留空，下一轮重算数量后重试
		logger.S().Warnf("[%s] %s 单被交易所拒绝: %v", p.Symbol, side, err)
		return false, nil
	}
	in.setSlot(side, &models.OrderSlot{OrderID: order.ID, Price: price, Volume: vol, PlacedAt: now})
	logger.S().Infof("[%s] 已挂 %s 单: %v @ %v", p.Symbol, side, vol, price)
	return true, nil
}

func (in *Instance) setSlot(side models.Side, slot *models.OrderSlot) {
	if side == models.SideBuy {
		in.state.BuyOrder = slot
	} else {
		in.state.SellOrder = slot
	}
}

// cancelSlots 撤销两侧在档挂单并清空档位。网关把已成交或已撤销的订单
// 映射为幂等成功，因此与进行中的 tick 并发调用是安全的；任何真实错误
// 都意味着撤单结果未确认，档位保持原样等调用方处理。
func (in *Instance) cancelSlots(gw exchange.Gateway) error {
	st := in.state
	if st.BuyOrder != nil {
		if err := gw.CancelOrder(st.Params.Symbol, st.BuyOrder.OrderID); err != nil {
			return fmt.Errorf("撤销买单失败: %w", err)
		}
		st.BuyOrder = nil
	}
	if st.SellOrder != nil {
		if err := gw.CancelOrder(st.Params.Symbol, st.SellOrder.OrderID); err != nil {
			return fmt.Errorf("撤销卖单失败: %w", err)
		}
		st.SellOrder = nil
	}
	return nil
}
