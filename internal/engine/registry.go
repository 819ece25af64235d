package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jxskiss/base62"

	"msx-grid-go/internal/exchange"
	"msx-grid-go/internal/logger"
	"msx-grid-go/internal/models"
	"msx-grid-go/internal/persistence"
)

// Registry 持有 symbol → 网格实例的全部映射，是对外控制面的唯一入口。
// 所有网关访问（调度循环和 start/stop/delete 等控制调用）都经由 gatewayMu
// 串行化：底层会话同一时刻只有一个活动交易对上下文。
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	held      map[string]bool // manual 恢复策略下等待显式 resume 的交易对

	gw   exchange.Gateway
	repo persistence.SnapshotRepository
	cfg  *models.Config

	gatewayMu sync.Mutex

	sched *Scheduler
}

// NewRegistry 创建注册表。调度循环在第一个实例启动（或恢复）时才拉起。
func NewRegistry(gw exchange.Gateway, repo persistence.SnapshotRepository, cfg *models.Config) *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		held:      make(map[string]bool),
		gw:        gw,
		repo:      repo,
		cfg:       cfg,
	}
}

// StartParams 是创建网格实例的请求参数
type StartParams struct {
	Symbol           string            `json:"symbol" binding:"required"`
	MarketType       models.MarketType `json:"market_type"`
	AssetType        models.AssetType  `json:"asset_type"`
	Direction        models.Direction  `json:"direction"`
	MinPrice         float64           `json:"min_price"`
	MaxPrice         float64           `json:"max_price"`
	GridCount        int               `json:"grid_count"`
	InvestmentAmount float64           `json:"investment_amount"`
	Leverage         float64           `json:"leverage"`
}

// Start 校验参数并创建处于 Initializing 状态的网格实例。
// 不阻塞等待初始化完成，首次建仓挂单由调度循环的下一轮接手。
func (r *Registry) Start(params StartParams) (models.Summary, error) {
	var zero models.Summary

	params.Symbol = strings.ToUpper(strings.TrimSpace(params.Symbol))
	if params.MarketType == "" {
		params.MarketType = models.MarketContract
	}
	if params.AssetType == "" {
		params.AssetType = models.AssetCrypto
	}
	if params.Direction == "" {
		params.Direction = models.DirectionLong
	}
	// 现货只支持做多且无杠杆
	if params.MarketType == models.MarketSpot {
		params.Direction = models.DirectionLong
		params.Leverage = 1
	}
	if params.Leverage == 0 {
		params.Leverage = 1
	}
	if err := validateParams(params); err != nil {
		return zero, err
	}

	// 同一交易对最多一个存活实例；已停止的旧实例允许被替换
	r.mu.Lock()
	if old, ok := r.instances[params.Symbol]; ok {
		old.mu.Lock()
		alive := old.state.State != models.LifecycleStopped
		old.mu.Unlock()
		if alive {
			r.mu.Unlock()
			return zero, fmt.Errorf("%w: %s", ErrAlreadyExists, params.Symbol)
		}
	}
	r.mu.Unlock()

	// 网关侧校验：交易规则、余额、杠杆
	r.gatewayMu.Lock()
	meta, err := r.gw.FetchSymbolMetadata(params.Symbol)
	if err != nil {
		r.gatewayMu.Unlock()
		return zero, fmt.Errorf("获取交易规则失败: %w", err)
	}
	if params.MarketType == models.MarketContract &&
		(params.Leverage < meta.MinLeverage || params.Leverage > meta.MaxLeverage) {
		r.gatewayMu.Unlock()
		return zero, fmt.Errorf("%w: 杠杆 %v 超出允许区间 [%v, %v]",
			ErrInvalidParameters, params.Leverage, meta.MinLeverage, meta.MaxLeverage)
	}

	spacing := (params.MaxPrice - params.MinPrice) /
		(float64(params.GridCount) * (params.MinPrice + params.MaxPrice) / 2)
	eachSize := adjustToStep(
		params.InvestmentAmount*params.Leverage*spacing/(params.MaxPrice-params.MinPrice),
		meta.MinOrderSize)
	if eachSize < meta.MinOrderSize {
		r.gatewayMu.Unlock()
		return zero, fmt.Errorf("%w: 每格数量 %v 低于最小下单量 %v",
			ErrInvalidParameters, eachSize, meta.MinOrderSize)
	}

	balance, err := r.gw.FetchBalance()
	if err != nil {
		r.gatewayMu.Unlock()
		return zero, fmt.Errorf("获取账户余额失败: %w", err)
	}
	if balance.Available < params.InvestmentAmount {
		r.gatewayMu.Unlock()
		return zero, fmt.Errorf("%w: 可用 %v 低于投入 %v",
			ErrInsufficientFunds, balance.Available, params.InvestmentAmount)
	}

	if params.MarketType == models.MarketContract {
		if err := r.gw.SetLeverage(params.Symbol, params.Leverage); err != nil {
			r.gatewayMu.Unlock()
			return zero, fmt.Errorf("设置杠杆失败: %w", err)
		}
	}
	r.gatewayMu.Unlock()

	now := time.Now()
	state := &models.GridState{
		ID: string(base62.FormatInt(now.UnixNano())),
		Params: models.GridParams{
			Symbol:           params.Symbol,
			MarketType:       params.MarketType,
			AssetType:        params.AssetType,
			Direction:        params.Direction,
			MinPrice:         params.MinPrice,
			MaxPrice:         params.MaxPrice,
			GridCount:        params.GridCount,
			GridSpacing:      spacing,
			InvestmentAmount: params.InvestmentAmount,
			Leverage:         params.Leverage,
		},
		State:          models.LifecycleInitializing,
		LastUpdateTime: now,
	}
	inst := newInstance(state)
	inst.meta = meta

	// 插入前复查：并发的 start 可能在网关校验期间抢先注册了同一交易对
	r.mu.Lock()
	if old, ok := r.instances[params.Symbol]; ok {
		old.mu.Lock()
		alive := old.state.State != models.LifecycleStopped
		old.mu.Unlock()
		if alive {
			r.mu.Unlock()
			return zero, fmt.Errorf("%w: %s", ErrAlreadyExists, params.Symbol)
		}
	}
	r.instances[params.Symbol] = inst
	delete(r.held, params.Symbol)
	r.mu.Unlock()

	r.persist(state)
	r.ensureScheduler()
	logger.S().Infof("[%s] 网格实例已创建: id=%s 区间=[%v, %v] 网格数=%d 投入=%v 杠杆=%v",
		params.Symbol, state.ID, params.MinPrice, params.MaxPrice,
		params.GridCount, params.InvestmentAmount, params.Leverage)
	return state.Summarize(now), nil
}

func validateParams(p StartParams) error {
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: symbol 不能为空", ErrInvalidParameters)
	case p.MinPrice <= 0 || p.MaxPrice <= 0:
		return fmt.Errorf("%w: 价格区间必须为正", ErrInvalidParameters)
	case p.MinPrice >= p.MaxPrice:
		return fmt.Errorf("%w: min_price 必须小于 max_price", ErrInvalidParameters)
	case p.GridCount <= 0:
		return fmt.Errorf("%w: grid_count 必须为正", ErrInvalidParameters)
	case p.InvestmentAmount <= 0:
		return fmt.Errorf("%w: investment_amount 必须为正", ErrInvalidParameters)
	case p.Leverage <= 0:
		return fmt.Errorf("%w: leverage 必须为正", ErrInvalidParameters)
	case p.Direction != models.DirectionLong && p.Direction != models.DirectionShort:
		return fmt.Errorf("%w: direction 必须为 long 或 short", ErrInvalidParameters)
	case p.MarketType != models.MarketContract && p.MarketType != models.MarketSpot:
		return fmt.Errorf("%w: market_type 必须为 contract 或 spot", ErrInvalidParameters)
	}
	return nil
}

// Stop 停止指定交易对的网格：撤销两侧挂单、状态转为 Stopped。
// 实例保留在注册表中，历史和统计仍可查询。
func (r *Registry) Stop(symbol string) error {
	inst := r.lookup(symbol)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	return r.stopInstance(inst)
}

// StopAll 停止全部实例。单个实例的失败不中断批量操作，错误汇总返回。
func (r *Registry) StopAll() error {
	var errs []error
	for _, inst := range r.snapshotInstances() {
		inst.mu.Lock()
		sym := inst.state.Params.Symbol
		inst.mu.Unlock()
		if err := r.stopInstance(inst); err != nil {
			errs = append(errs, fmt.Errorf("[%s] %w", sym, err))
		}
	}
	return errors.Join(errs...)
}

// stopInstance 与调度循环争用同一把网关锁，因此对正在 tick 的实例调用
// stop 会等到该实例的当前网关调用结束后执行；撤单幂等保证不会出现
// 档位引用已撤订单仍显示"在挂"的窗口。
func (r *Registry) stopInstance(inst *Instance) error {
	r.gatewayMu.Lock()
	defer r.gatewayMu.Unlock()
	inst.mu.Lock()
	defer inst.mu.Unlock()

	st := inst.state
	if st.State == models.LifecycleStopped {
		return nil
	}
	if err := r.gw.ChangeActiveSymbol(st.Params.Symbol); err != nil {
		return fmt.Errorf("切换活动交易对失败: %w", err)
	}
	if err := inst.cancelSlots(r.gw); err != nil {
		return err
	}
	st.State = models.LifecycleStopped
	r.persist(st)
	logger.S().Infof("[%s] 网格已停止", st.Params.Symbol)
	return nil
}

// Delete 停止并移除实例，同时删除持久化快照
func (r *Registry) Delete(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	inst := r.lookup(symbol)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	if err := r.stopInstance(inst); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.instances, symbol)
	delete(r.held, symbol)
	r.mu.Unlock()
	if err := r.repo.DeleteSnapshot(symbol); err != nil {
		logger.S().Errorf("[%s] 删除快照失败: %v", symbol, err)
	}
	logger.S().Infof("[%s] 网格实例已移除", symbol)
	return nil
}

// Status 返回单个实例的即时投影，不触发任何网关调用
func (r *Registry) Status(symbol string) (models.Summary, error) {
	inst := r.lookup(symbol)
	if inst == nil {
		return models.Summary{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state.Summarize(time.Now()), nil
}

// StatusAll 返回全部实例的即时投影，按交易对排序
func (r *Registry) StatusAll() []models.Summary {
	insts := r.snapshotInstances()
	out := make([]models.Summary, 0, len(insts))
	now := time.Now()
	for _, inst := range insts {
		inst.mu.Lock()
		out = append(out, inst.state.Summarize(now))
		inst.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Recover 从持久化快照重建全部实例。精确恢复落盘时的生命周期状态，
// 不重跑初始化：快照中的挂单与持仓先按原样信任，下一轮 tick 的网关
// 对账会自动修正任何漂移。recovery_policy 为 "manual" 时，存活实例
// 进入挂起集合，等待显式 Resume 后才参与轮询。
func (r *Registry) Recover() error {
	states, err := r.repo.LoadAllSnapshots()
	if err != nil {
		return fmt.Errorf("加载快照失败: %w", err)
	}
	manual := r.cfg.RecoveryPolicy == "manual"
	active := 0

	r.mu.Lock()
	for _, st := range states {
		sym := st.Params.Symbol
		r.instances[sym] = newInstance(st)
		if st.State == models.LifecycleStopped {
			continue
		}
		active++
		if manual {
			r.held[sym] = true
			logger.S().Infof("[%s] 快照已恢复（%s），等待显式 resume", sym, st.State)
		} else {
			logger.S().Infof("[%s] 快照已恢复（%s），自动恢复轮询", sym, st.State)
		}
	}
	r.mu.Unlock()

	if active > 0 && !manual {
		r.ensureScheduler()
	}
	if len(states) > 0 {
		logger.S().Infof("快照恢复完成: 共 %d 个实例，其中 %d 个存活", len(states), active)
	}
	return nil
}

// Resume 将 manual 恢复策略下挂起的实例重新纳入调度。幂等。
func (r *Registry) Resume(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	r.mu.Lock()
	_, ok := r.instances[symbol]
	if ok {
		delete(r.held, symbol)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	r.ensureScheduler()
	logger.S().Infof("[%s] 已恢复轮询", symbol)
	return nil
}

// Balance 查询账户可用资金（控制面透传，与调度循环共享网关锁）
func (r *Registry) Balance() (*models.Balance, error) {
	r.gatewayMu.Lock()
	defer r.gatewayMu.Unlock()
	return r.gw.FetchBalance()
}

// Symbols 列出指定市场可交易的全部交易对
func (r *Registry) Symbols(market models.MarketType) ([]string, error) {
	r.gatewayMu.Lock()
	defer r.gatewayMu.Unlock()
	return r.gw.Symbols(market)
}

// Shutdown 停止调度循环。不撤销任何挂单：快照已落盘，
// 重启后由恢复流程接管在场订单。
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sched := r.sched
	r.sched = nil
	r.mu.Unlock()
	if sched != nil {
		sched.stop()
	}
}

// ensureScheduler 幂等地拉起调度循环
func (r *Registry) ensureScheduler() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sched != nil {
		return
	}
	interval := time.Duration(r.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r.sched = newScheduler(r, interval)
	go r.sched.run()
}

func (r *Registry) lookup(symbol string) *Instance {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[symbol]
}

// snapshotInstances 返回当前全部实例的稳定快照，按交易对排序。
// 调度循环每轮基于该快照迭代，轮次中途的注册表变更不影响本轮。
func (r *Registry) snapshotInstances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	syms := make([]string, 0, len(r.instances))
	for sym := range r.instances {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	out := make([]*Instance, 0, len(syms))
	for _, sym := range syms {
		out = append(out, r.instances[sym])
	}
	return out
}

// activeSymbols 返回需要参与本轮调度的交易对
func (r *Registry) activeSymbols() []string {
	var out []string
	for _, inst := range r.snapshotInstances() {
		inst.mu.Lock()
		sym := inst.state.Params.Symbol
		alive := inst.state.State != models.LifecycleStopped
		inst.mu.Unlock()
		r.mu.RLock()
		held := r.held[sym]
		r.mu.RUnlock()
		if alive && !held {
			out = append(out, sym)
		}
	}
	return out
}

// processSymbol 处理单个实例的一轮对账：持网关锁完整走完
// 切换上下文 → 轮询 → 对账 → 落盘，失败只记录在该实例上。
func (r *Registry) processSymbol(symbol string) {
	inst := r.lookup(symbol)
	if inst == nil {
		return
	}
	r.gatewayMu.Lock()
	defer r.gatewayMu.Unlock()
	inst.mu.Lock()
	defer inst.mu.Unlock()

	st := inst.state
	if st.State == models.LifecycleStopped {
		return
	}

	// 美股标的在休市时段不轮询
	if st.Params.AssetType == models.AssetStock {
		open, err := r.gw.TradingOpen(models.AssetStock)
		if err != nil {
			st.LastError = err.Error()
			logger.S().Errorf("[%s] 查询交易时段失败: %v", symbol, err)
			return
		}
		if !open {
			logger.S().Debugf("[%s] 休市中，本轮跳过", symbol)
			return
		}
	}

	now := time.Now()
	var (
		changed bool
		err     error
	)
	switch st.State {
	case models.LifecycleInitializing:
		err = inst.initialize(r.gw, now)
		changed = true
	default:
		changed, err = inst.tick(r.gw, now)
	}

	if err != nil {
		st.LastError = err.Error()
		logger.S().Errorf("[%s] 本轮处理失败: %v", symbol, err)
		changed = true
	} else if st.LastError != "" {
		st.LastError = ""
		changed = true
	}
	if changed {
		r.persist(st)
	}
}

// persist 落盘快照。失败只记录日志：内存状态仍然权威，
// 代价是进程崩溃可能丢失最近一次转移。
func (r *Registry) persist(st *models.GridState) {
	st.LastUpdateTime = time.Now()
	if err := r.repo.SaveSnapshot(st); err != nil {
		logger.S().Errorf("[%s] 快照落盘失败: %v", st.Params.Symbol, err)
	}
}
