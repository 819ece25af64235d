package engine

import (
	"time"

	"msx-grid-go/internal/logger"
)

// Scheduler 是驱动所有网格实例的单一协作式循环。
// 每轮取一份稳定的交易对快照，逐个完整处理（取网关上下文 → 轮询 →
// 对账 → 释放），然后休眠固定间隔。没有按交易对的并行：底层会话
// 同一时刻只能作用于一个活动交易对。
type Scheduler struct {
	reg      *Registry
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newScheduler(reg *Registry, interval time.Duration) *Scheduler {
	return &Scheduler{
		reg:      reg,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *Scheduler) run() {
	logger.S().Infof("调度循环已启动, 轮询间隔 %v", s.interval)
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			logger.S().Info("调度循环已停止")
			return
		case <-ticker.C:
			s.runPass()
		}
	}
}

// runPass 完整走一轮：逐个实例处理，单个实例的失败记录在
// 该实例上，不影响本轮其余实例。
func (s *Scheduler) runPass() {
	for _, sym := range s.reg.activeSymbols() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.reg.processSymbol(sym)
	}
}

// stop 通知循环退出并等待当前轮次结束
func (s *Scheduler) stop() {
	close(s.stopCh)
	<-s.doneCh
}
