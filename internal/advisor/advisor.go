package advisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"

	"msx-grid-go/internal/logger"
	"msx-grid-go/internal/models"
)

// Advisor 基于币安公共K线数据给出网格方向与区间建议。
// 对最近 minKlines 根收盘价做线性回归，归一化斜率超过阈值
// 判定趋势方向，阈值以内视为横盘、默认做多。
type Advisor struct {
	client    *binance.Client
	interval  string
	minKlines int
	threshold float64
}

// Advice 是方向与区间建议的结果
type Advice struct {
	Symbol          string           `json:"symbol"`
	Direction       models.Direction `json:"direction"`
	NormalizedSlope float64          `json:"normalized_slope"`
	SuggestedMin    float64          `json:"suggested_min"` // 窗口内最低收盘价
	SuggestedMax    float64          `json:"suggested_max"` // 窗口内最高收盘价
	LastClose       float64          `json:"last_close"`
	Klines          int              `json:"klines"`
}

func New(cfg models.Advisor) *Advisor {
	return &Advisor{
		client:    binance.NewClient("", ""), // 公共接口不需要API Key
		interval:  cfg.Interval,
		minKlines: cfg.MinKlines,
		threshold: cfg.Threshold,
	}
}

// Analyze 拉取K线并计算方向建议
func (a *Advisor) Analyze(ctx context.Context, symbol string) (*Advice, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	klines, err := a.client.NewKlinesService().
		Symbol(symbol).
		Interval(a.interval).
		Limit(a.minKlines).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取K线失败: %w", err)
	}
	if len(klines) < a.minKlines {
		return nil, fmt.Errorf("K线数量不足: 需要 %d, 实际 %d", a.minKlines, len(klines))
	}

	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		v, err := strconv.ParseFloat(k.Close, 64)
		if err != nil {
			continue
		}
		closes = append(closes, v)
	}
	if len(closes) < a.minKlines {
		return nil, fmt.Errorf("有效收盘价不足: 需要 %d, 实际 %d", a.minKlines, len(closes))
	}

	slope := normalizedSlope(closes)
	direction := models.DirectionLong
	switch {
	case slope > a.threshold:
		direction = models.DirectionLong
	case slope < -a.threshold:
		direction = models.DirectionShort
	default:
		// 横盘：无历史方向可延续时默认做多
		direction = models.DirectionLong
	}

	minClose, maxClose := closes[0], closes[0]
	for _, v := range closes[1:] {
		if v < minClose {
			minClose = v
		}
		if v > maxClose {
			maxClose = v
		}
	}

	logger.S().Debugf("[%s] 方向分析: 归一化斜率=%.6f 方向=%s K线=%d 价格区间=[%.2f, %.2f]",
		symbol, slope, direction, len(closes), minClose, maxClose)
	return &Advice{
		Symbol:          symbol,
		Direction:       direction,
		NormalizedSlope: slope,
		SuggestedMin:    minClose,
		SuggestedMax:    maxClose,
		LastClose:       closes[len(closes)-1],
		Klines:          len(closes),
	}, nil
}

// normalizedSlope 对收盘价序列做最小二乘回归，返回斜率除以均值的
// 归一化值，消除价格绝对水平的影响。
func normalizedSlope(closes []float64) float64 {
	n := float64(len(closes))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range closes {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom
	mean := sumY / n
	if mean <= 0 {
		return 0
	}
	return slope / mean
}
