// Package metrics computes the aggregate figures the presentation layer
// displays. All functions are pure.
package metrics

import (
	"github.com/voltaquant/persona-backtest/internal/types"
)

// Summarize folds a decision log into the dashboard summary. Averages are
// zero for an empty log.
func Summarize(decisions []types.TradeDecision) types.DecisionSummary {
	summary := types.DecisionSummary{
		TotalTrades:       len(decisions),
		BuyCount:          0,
		SellCount:         0,
		AvgConfidence:     0,
		AvgExpectedProfit: 0,
	}

	if len(decisions) == 0 {
		return summary
	}

	var confidenceSum, profitSum float64

	for _, decision := range decisions {
		switch decision.Action {
		case types.ActionBuy:
			summary.BuyCount++
		case types.ActionSell:
			summary.SellCount++
		case types.ActionHold:
		}

		confidenceSum += decision.Confidence
		profitSum += decision.ExpectedProfitPercentage
	}

	summary.AvgConfidence = confidenceSum / float64(len(decisions))
	summary.AvgExpectedProfit = profitSum / float64(len(decisions))

	return summary
}

// SummarizeRecords adapts a per-run record log to Summarize.
func SummarizeRecords(records []types.DecisionRecord) types.DecisionSummary {
	decisions := make([]types.TradeDecision, len(records))
	for i, record := range records {
		decisions[i] = record.TradeDecision
	}

	return Summarize(decisions)
}

// Performance folds a closed-trade log into realized performance figures.
// Percentages are fee-free price returns; fees and pnl are absolute.
func Performance(trades []types.ClosedTrade) types.PerformanceMetrics {
	perf := types.PerformanceMetrics{
		WinRate:      0,
		AvgReturnPct: 0,
		MaxLossPct:   0,
		MaxGainPct:   0,
		TotalFees:    0,
		RealizedPnL:  0,
	}

	if len(trades) == 0 {
		return perf
	}

	var (
		winners   int
		returnSum float64
	)

	perf.MaxLossPct = trades[0].ReturnPct()
	perf.MaxGainPct = perf.MaxLossPct

	for _, trade := range trades {
		ret := trade.ReturnPct()
		returnSum += ret

		if ret < perf.MaxLossPct {
			perf.MaxLossPct = ret
		}

		if ret > perf.MaxGainPct {
			perf.MaxGainPct = ret
		}

		if trade.RealizedPnL > 0 {
			winners++
		}

		perf.TotalFees += trade.Fees
		perf.RealizedPnL += trade.RealizedPnL
	}

	perf.WinRate = float64(winners) / float64(len(trades)) * 100
	perf.AvgReturnPct = returnSum / float64(len(trades))

	return perf
}
