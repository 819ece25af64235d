package engine

import (
	"time"

	"msx-grid-go/internal/models"
)

// volEpsilon 数量比较的容差，配对时低于该值的剩余批次视为已耗尽
const volEpsilon = 1e-9

// foldStatistics 将成交历史中尚未统计的记录增量折叠进 Stats，
// 并基于最新持仓快照重算派生指标。只处理 StatsCursor 之后的新记录，
// 不会在每个 tick 重扫全量历史。
//
// 往返配对采用 FIFO：开仓方向的成交进入 OpenLots 队列，
// 平仓方向的成交从队首逐批吃掉，每笔价差乘以配对数量计入 GridProfit。
// 两次轮询之间发生多笔成交时同样成立，因为 History 是有序的。
func foldStatistics(s *models.GridState, now time.Time) {
	openSide := models.SideBuy
	if s.Params.Direction == models.DirectionShort {
		openSide = models.SideSell
	}
	sign := s.Params.Direction.Sign()

	for ; s.StatsCursor < len(s.History); s.StatsCursor++ {
		rec := s.History[s.StatsCursor]
		s.Stats.TotalVolume += rec.Price * rec.Volume

		if rec.Side == openSide {
			s.OpenLots = append(s.OpenLots, rec)
			continue
		}

		// 平仓成交：与最早的未平开仓批次配对
		remaining := rec.Volume
		paired := false
		for remaining > volEpsilon && len(s.OpenLots) > 0 {
			lot := &s.OpenLots[0]
			matched := lot.Volume
			if remaining < matched {
				matched = remaining
			}
			s.Stats.GridProfit += (rec.Price - lot.Price) * matched * sign
			lot.Volume -= matched
			remaining -= matched
			paired = true
			if lot.Volume <= volEpsilon {
				s.OpenLots = s.OpenLots[1:]
			}
		}
		// 没有可配对的开仓批次时不计为往返
		if paired {
			s.Stats.ArbitrageCount++
		}
	}

	s.Stats.UnrealizedPnl = s.Position.Size * (s.CurrentPrice - s.Position.EntryPrice) * sign
	s.Stats.TotalPnl = s.Stats.GridProfit + s.Stats.UnrealizedPnl

	if tc := s.Params.TotalCapital(); tc > 0 && !s.StartTime.IsZero() {
		days := now.Sub(s.StartTime).Hours() / 24
		if days < 1.0/24 {
			days = 1.0 / 24 // 运行不足一小时按一小时计，避免年化爆表
		}
		s.Stats.AnnualizedReturn = s.Stats.TotalPnl / tc * (365 / days) * 100
	}
}
