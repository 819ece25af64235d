package reporter

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"msx-grid-go/internal/engine"
	"msx-grid-go/internal/logger"
	"msx-grid-go/internal/models"
)

// Reporter 周期性地将全部网格实例的运行状态打印为表格，
// 方便在控制台直接观察各实例的价格、挂单、持仓和收益。
type Reporter struct {
	reg      *engine.Registry
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(reg *engine.Registry, interval time.Duration) *Reporter {
	return &Reporter{
		reg:      reg,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run 阻塞式运行报表循环, 通常在独立的goroutine中调用
func (r *Reporter) Run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.printReport()
		}
	}
}

// Stop 停止报表循环并等待退出
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) printReport() {
	summaries := r.reg.StatusAll()
	if len(summaries) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("网格运行状态 %s", time.Now().Format("2006-01-02 15:04:05"))
	t.AppendHeader(table.Row{
		"交易对", "状态", "方向", "现价", "区间", "买单", "卖单",
		"持仓", "网格收益", "往返", "总盈亏", "年化%",
	})
	for _, s := range summaries {
		t.AppendRow(table.Row{
			s.Symbol,
			s.State,
			s.Direction,
			fmt.Sprintf("%.4f", s.CurrentPrice),
			fmt.Sprintf("[%.4f, %.4f]", s.PriceRange[0], s.PriceRange[1]),
			slotText(s.BuyOrder),
			slotText(s.SellOrder),
			fmt.Sprintf("%.4f @ %.4f", s.Position.Size, s.Position.EntryPrice),
			fmt.Sprintf("%.4f", s.Stats.GridProfit),
			s.Stats.ArbitrageCount,
			fmt.Sprintf("%.4f", s.Stats.TotalPnl),
			fmt.Sprintf("%.2f", s.Stats.AnnualizedReturn),
		})
	}
	t.Render()
	logger.S().Debugf("状态报表已输出, 共 %d 个实例", len(summaries))
}

func slotText(slot *models.OrderSlot) string {
	if slot == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f x %.4f", slot.Volume, slot.Price)
}
