package exchange

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"msx-grid-go/internal/models"
)

// SimExchange 实现了 Gateway 接口，在内存中模拟交易所行为。
// 用于纸面交易模式和引擎测试：SetPrice 驱动价格变动并触发限价单成交检查。
type SimExchange struct {
	mu sync.Mutex

	activeSymbol string
	prices       map[string]float64
	orders       map[string]*models.OrderInfo
	positions    map[string]*models.Position
	leverage     map[string]float64
	meta         map[string]*models.SymbolMetadata

	cash        float64
	nextOrderID int64
	marketOpen  bool
}

// NewSimExchange 创建一个模拟网关，起始资金为 initialBalance
func NewSimExchange(initialBalance float64) *SimExchange {
	return &SimExchange{
		prices:     make(map[string]float64),
		orders:     make(map[string]*models.OrderInfo),
		positions:  make(map[string]*models.Position),
		leverage:   make(map[string]float64),
		meta:       make(map[string]*models.SymbolMetadata),
		cash:       initialBalance,
		marketOpen: true,
	}
}

// SetMetadata 预置交易对的交易规则
func (e *SimExchange) SetMetadata(meta *models.SymbolMetadata) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta[meta.Symbol] = meta
}

// SetMarketOpen 控制模拟的交易时段（美股场景）
func (e *SimExchange) SetMarketOpen(open bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marketOpen = open
}

// SetPrice 更新行情并检查限价单成交：买单在价格不高于挂单价时成交，卖单反之。
func (e *SimExchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price

	// 遍历时按ID排序，保证成交顺序确定
	var ids []string
	for id, o := range e.orders {
		if o.Symbol == symbol && o.Status == "pending" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := e.orders[id]
		filled := (o.Side == models.SideBuy && price <= o.Price) ||
			(o.Side == models.SideSell && price >= o.Price)
		if filled {
			e.fill(o)
		}
	}
	e.refreshPnl(symbol)
}

// fill 以挂单价成交订单并更新持仓（调用方需持有锁）。
// 内部以带符号净头寸计算，买入为正、卖出为负。
func (e *SimExchange) fill(o *models.OrderInfo) {
	o.Status = "filled"
	pos := e.position(o.Symbol)

	net := pos.Size
	if pos.Side == "short" {
		net = -net
	}
	delta := o.Volume
	if o.Side == models.SideSell {
		delta = -delta
	}
	newNet := net + delta
	// 加仓时按金额加权更新开仓均价；减仓不动均价
	if abs(newNet) > abs(net) {
		total := pos.EntryPrice*abs(net) + o.Price*o.Volume
		pos.EntryPrice = total / abs(newNet)
	}
	pos.Size = abs(newNet)
	switch {
	case newNet > 0:
		pos.Side = "long"
	case newNet < 0:
		pos.Side = "short"
	default:
		pos.EntryPrice = 0
	}
	pos.Timestamp = time.Now().UnixMilli()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (e *SimExchange) position(symbol string) *models.Position {
	pos, ok := e.positions[symbol]
	if !ok {
		pos = &models.Position{ID: int64(len(e.positions) + 1), Side: "long"}
		e.positions[symbol] = pos
	}
	return pos
}

func (e *SimExchange) refreshPnl(symbol string) {
	pos, ok := e.positions[symbol]
	if !ok || pos.Size == 0 {
		return
	}
	price := e.prices[symbol]
	sign := 1.0
	if pos.Side == "short" {
		sign = -1.0
	}
	pos.UnrealizedPnl = pos.Size * (price - pos.EntryPrice) * sign
}

// ---- Gateway 实现 ----

func (e *SimExchange) ChangeActiveSymbol(symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeSymbol = symbol
	return nil
}

func (e *SimExchange) FetchTicker(symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("模拟网关没有 %s 的价格", symbol)
	}
	return price, nil
}

func (e *SimExchange) FetchPosition(symbol string) (*models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return &models.Position{}, nil
	}
	cp := *pos
	return &cp, nil
}

func (e *SimExchange) FetchOpenOrders(symbol string) ([]models.OrderInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var open []models.OrderInfo
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == "pending" {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

func (e *SimExchange) PlaceOrder(symbol string, side models.Side, orderType string, volume, price float64, openType int) (*models.OrderInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.marketOpen {
		return nil, fmt.Errorf("市场休市中: %w", ErrMarketClosed)
	}
	if meta, ok := e.meta[symbol]; ok && volume < meta.MinOrderSize {
		return nil, fmt.Errorf("下单数量 %.8f 低于最小值 %.8f: %w", volume, meta.MinOrderSize, ErrRejected)
	}

	e.nextOrderID++
	o := &models.OrderInfo{
		ID:        fmt.Sprintf("sim-%06d", e.nextOrderID),
		Symbol:    symbol,
		Side:      side,
		Volume:    volume,
		OpenType:  openType,
		Status:    "pending",
		Timestamp: time.Now().UnixMilli(),
	}
	if orderType == "market" {
		o.Price = e.prices[symbol]
		e.fill(o)
	} else {
		o.Price = price
		// 立即可成交的限价单按当前价处理
		cur := e.prices[symbol]
		if (side == models.SideBuy && cur <= price) || (side == models.SideSell && cur >= price) {
			e.fill(o)
		}
	}
	e.orders[o.ID] = o
	e.refreshPnl(symbol)
	cp := *o
	return &cp, nil
}

func (e *SimExchange) CancelOrder(symbol string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.Status != "pending" {
		return nil // 幂等：订单不存在或已终结
	}
	o.Status = "cancelled"
	return nil
}

func (e *SimExchange) SetLeverage(symbol string, leverage float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

func (e *SimExchange) FetchSymbolMetadata(symbol string) (*models.SymbolMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if meta, ok := e.meta[symbol]; ok {
		cp := *meta
		return &cp, nil
	}
	return &models.SymbolMetadata{
		Symbol:       symbol,
		TickSize:     0.01,
		MinOrderSize: 0.001,
		MinLeverage:  1,
		MaxLeverage:  100,
	}, nil
}

func (e *SimExchange) FetchBalance() (*models.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &models.Balance{Available: e.cash, AccountBalance: e.cash}, nil
}

func (e *SimExchange) TradingOpen(asset models.AssetType) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if asset != models.AssetStock {
		return true, nil
	}
	return e.marketOpen, nil
}

func (e *SimExchange) Symbols(market models.MarketType) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	symbols := make([]string, 0, len(e.prices))
	for s := range e.prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (e *SimExchange) Connected() bool { return true }

// ActiveSymbol 返回当前活动交易对（测试用）
func (e *SimExchange) ActiveSymbol() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeSymbol
}

// OrderByID 返回订单快照（测试用）
func (e *SimExchange) OrderByID(id string) (models.OrderInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return models.OrderInfo{}, false
	}
	return *o, true
}

var _ Gateway = (*SimExchange)(nil)
