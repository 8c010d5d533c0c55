package engine

import (
	"context"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/internal/marketdata"
	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// fakeProvider serves a fixed in-memory series per ticker.
type fakeProvider struct {
	series map[string][]types.PricePoint
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) GetSeries(_ context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error) {
	var out []types.PricePoint

	for _, point := range f.series[ticker] {
		if point.Date.Before(start) || point.Date.After(end) {
			continue
		}

		out = append(out, point)
	}

	return out, nil
}

func (f *fakeProvider) Close() error { return nil }

type EngineTestSuite struct {
	suite.Suite
	log  *logger.Logger
	day1 time.Time
}

func (suite *EngineTestSuite) SetupSuite() {
	suite.log = logger.NewNopLogger()
	suite.day1 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (suite *EngineTestSuite) day(n int) time.Time {
	return suite.day1.AddDate(0, 0, n-1)
}

func (suite *EngineTestSuite) bar(date time.Time, high, low, close float64) types.PricePoint {
	return types.PricePoint{
		Date:  date,
		Open:  close,
		High:  high,
		Low:   low,
		Close: close,
	}
}

func (suite *EngineTestSuite) config(days int) Config {
	return Config{
		InitialCapital: 10000,
		FeeRate:        0.001,
		StopLossPct:    10,
		MaxHoldingDays: 30,
		LookbackDays:   5,
		StartTime:      optional.Some(suite.day(1)),
		EndTime:        optional.Some(suite.day(days)),
	}
}

func (suite *EngineTestSuite) newEngine(config Config, series map[string][]types.PricePoint) *Engine {
	store := marketdata.NewStore(&fakeProvider{series: series}, suite.log,
		marketdata.WithLookbackDays(config.LookbackDays))

	eng, err := New(config, store, suite.log)
	suite.Require().NoError(err)

	return eng
}

func (suite *EngineTestSuite) buy(ticker string, day time.Time, amount int64, profitPct float64) types.TradeDecision {
	return types.TradeDecision{
		Action:                   types.ActionBuy,
		Ticker:                   ticker,
		Amount:                   amount,
		ExpectedProfitPercentage: profitPct,
		Confidence:               0.8,
		Timestamp:                day,
	}
}

func (suite *EngineTestSuite) TestTargetExit() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 106, 100, 104),
			suite.bar(suite.day(3), 105, 102, 103),
		},
	}

	eng := suite.newEngine(suite.config(3), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 10, 5),
	}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)

	suite.Equal(StatusCompleted, result.Status)
	suite.Equal(StatusCompleted, eng.Status())
	suite.Require().Len(result.ClosedTrades, 1)

	trade := result.ClosedTrades[0]
	suite.Equal(types.ExitReasonTarget, trade.ExitReason)
	// target price 100 * 1.05, filled on day 2 when the high crossed it
	suite.InDelta(105.0, trade.ExitPrice, 1e-9)
	suite.Equal(suite.day(2), trade.ExitDate)
	// (105-100)*10 - 1.0 entry fee - 1.05 exit fee
	suite.InDelta(47.95, trade.RealizedPnL, 1e-9)
}

func (suite *EngineTestSuite) TestTimeLimitExitAtClose() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 102, 100, 101),
			suite.bar(suite.day(3), 103, 101, 102),
		},
	}

	config := suite.config(3)
	config.MaxHoldingDays = 2

	eng := suite.newEngine(config, series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 10, 50),
	}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)
	suite.Require().Len(result.ClosedTrades, 1)

	trade := result.ClosedTrades[0]
	suite.Equal(types.ExitReasonTimeLimit, trade.ExitReason)
	suite.Equal(suite.day(3), trade.ExitDate)
	suite.InDelta(102.0, trade.ExitPrice, 1e-9)
}

func (suite *EngineTestSuite) TestStopLossExit() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 100, 85, 88),
			suite.bar(suite.day(3), 92, 86, 90),
		},
	}

	eng := suite.newEngine(suite.config(3), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 10, 50),
	}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)
	suite.Require().Len(result.ClosedTrades, 1)

	trade := result.ClosedTrades[0]
	suite.Equal(types.ExitReasonStop, trade.ExitReason)
	// -12% close return breached the 10% stop; fill at the close
	suite.InDelta(88.0, trade.ExitPrice, 1e-9)
	suite.Equal(suite.day(2), trade.ExitDate)
}

func (suite *EngineTestSuite) TestBuyOnOpenTickerIsNoop() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 102, 100, 101),
		},
	}

	eng := suite.newEngine(suite.config(2), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 10, 50),
		suite.buy("NVDA", suite.day(2), 5, 50),
	}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)
	suite.Require().Len(result.Decisions, 2)

	suite.Equal(types.DecisionStatusApplied, result.Decisions[0].Status)
	suite.Equal(types.DecisionStatusNoop, result.Decisions[1].Status)
	suite.Equal("position already open", result.Decisions[1].Note)
	// only the first buy moved cash
	suite.Equal(1, result.EquityCurve[1].OpenPositions)
}

func (suite *EngineTestSuite) TestBuyAfterSameDayExitIsNoop() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 106, 100, 104),
			suite.bar(suite.day(3), 105, 102, 103),
		},
	}

	eng := suite.newEngine(suite.config(3), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 10, 5),
		// lands on the day the target exit closes NVDA
		suite.buy("NVDA", suite.day(2), 10, 5),
	}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)

	// the exit stands; the same-day buy must not re-open the position
	suite.Require().Len(result.ClosedTrades, 1)
	suite.Equal(types.ExitReasonTarget, result.ClosedTrades[0].ExitReason)

	suite.Require().Len(result.Decisions, 2)
	suite.Equal(types.DecisionStatusApplied, result.Decisions[0].Status)
	suite.Equal(types.DecisionStatusNoop, result.Decisions[1].Status)
	suite.Equal("position closed earlier today", result.Decisions[1].Note)

	suite.Equal(0, result.EquityCurve[1].OpenPositions)
	suite.Equal(0, result.EquityCurve[2].OpenPositions)
}

func (suite *EngineTestSuite) TestOutOfWindowDecisionIsRecorded() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(10), 101, 99, 100),
			suite.bar(suite.day(11), 102, 100, 101),
		},
	}

	config := suite.config(3)
	config.StartTime = optional.Some(suite.day(10))
	config.EndTime = optional.Some(suite.day(11))

	eng := suite.newEngine(config, series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 10, 5),
		suite.buy("NVDA", suite.day(10), 10, 5),
	}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)

	suite.Equal(StatusCompleted, result.Status)
	suite.Require().Len(result.Decisions, 2)

	// the unrunnable decision is still in the log, with a reason
	suite.Equal(types.DecisionStatusRejected, result.Decisions[0].Status)
	suite.Contains(result.Decisions[0].Note, "outside the run window")
	suite.Contains(result.Decisions[0].Note, "2024-03-01")

	suite.Equal(types.DecisionStatusApplied, result.Decisions[1].Status)
}

func (suite *EngineTestSuite) TestManualSell() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 102, 100, 101),
		},
	}

	sell := types.TradeDecision{
		Action:     types.ActionSell,
		Ticker:     "NVDA",
		Amount:     10,
		Confidence: 0.6,
		Timestamp:  suite.day(2),
	}

	eng := suite.newEngine(suite.config(2), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 10, 50),
		sell,
	}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)
	suite.Require().Len(result.ClosedTrades, 1)
	suite.Equal(types.ExitReasonManual, result.ClosedTrades[0].ExitReason)
	suite.Equal(types.DecisionStatusApplied, result.Decisions[1].Status)
}

func (suite *EngineTestSuite) TestSellWithoutPositionIsRejectedAndRunContinues() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 102, 100, 101),
		},
	}

	sell := types.TradeDecision{
		Action:     types.ActionSell,
		Ticker:     "NVDA",
		Amount:     10,
		Confidence: 0.6,
		Timestamp:  suite.day(1),
	}

	eng := suite.newEngine(suite.config(2), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{sell}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)

	suite.Equal(StatusCompleted, result.Status)
	suite.Require().Len(result.Decisions, 1)
	suite.Equal(types.DecisionStatusRejected, result.Decisions[0].Status)
	suite.NotEmpty(result.Decisions[0].Note)
}

func (suite *EngineTestSuite) TestInsufficientCashIsRejectedAndRunContinues() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 102, 100, 101),
		},
	}

	eng := suite.newEngine(suite.config(2), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 500, 50),
	}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)
	suite.Equal(StatusCompleted, result.Status)
	suite.Equal(types.DecisionStatusRejected, result.Decisions[0].Status)
	suite.Empty(result.ClosedTrades)
}

func (suite *EngineTestSuite) TestMissingPriceFailsRun() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
		},
	}

	eng := suite.newEngine(suite.config(2), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("TSLA", suite.day(1), 10, 5),
	}))

	_, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().Error(err)

	suite.True(errors.HasCode(err, errors.ErrCodeDataNotFound))
	suite.Contains(err.Error(), "TSLA")
	suite.Contains(err.Error(), "2024-03-01")
	suite.Equal(StatusFailed, eng.Status())
}

func (suite *EngineTestSuite) TestEquityCurveConsistency() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 105, 100, 104),
		},
	}

	eng := suite.newEngine(suite.config(2), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 10, 50),
	}))

	result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().NoError(err)
	suite.Require().Len(result.EquityCurve, 2)

	// day 1: cash 8999 + 10*100
	suite.InDelta(9999.0, result.EquityCurve[0].Equity, 1e-9)
	// day 2: cash 8999 + 10*104
	suite.InDelta(10039.0, result.EquityCurve[1].Equity, 1e-9)
	suite.InDelta(10039.0, result.Summary.FinalEquity, 1e-9)
}

func (suite *EngineTestSuite) TestRunsAreDeterministic() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 106, 100, 104),
			suite.bar(suite.day(3), 105, 102, 103),
		},
		"AAPL": {
			suite.bar(suite.day(1), 51, 49, 50),
			suite.bar(suite.day(2), 53, 50, 52),
			suite.bar(suite.day(3), 54, 51, 53),
		},
	}

	decisions := []types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 10, 5),
		suite.buy("AAPL", suite.day(1), 20, 4),
	}

	run := func() *Result {
		eng := suite.newEngine(suite.config(3), series)
		suite.Require().NoError(eng.LoadDecisions(decisions))

		result, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
		suite.Require().NoError(err)

		return result
	}

	first := run()
	second := run()

	suite.Equal(first.Decisions, second.Decisions)
	suite.Equal(first.EquityCurve, second.EquityCurve)
	suite.Require().Equal(len(first.ClosedTrades), len(second.ClosedTrades))

	for i := range first.ClosedTrades {
		a, b := first.ClosedTrades[i], second.ClosedTrades[i]
		a.ID, b.ID = "", ""
		suite.Equal(a, b)
	}
}

func (suite *EngineTestSuite) TestRunWithoutDecisions() {
	eng := suite.newEngine(suite.config(2), nil)

	_, err := eng.Run(context.Background(), optional.None[OnDayCallback]())
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeNoDecisions))
}

func (suite *EngineTestSuite) TestProgressCallback() {
	series := map[string][]types.PricePoint{
		"NVDA": {
			suite.bar(suite.day(1), 101, 99, 100),
			suite.bar(suite.day(2), 102, 100, 101),
			suite.bar(suite.day(3), 103, 101, 102),
		},
	}

	eng := suite.newEngine(suite.config(3), series)
	suite.Require().NoError(eng.LoadDecisions([]types.TradeDecision{
		suite.buy("NVDA", suite.day(1), 1, 50),
	}))

	var seen []int

	callback := OnDayCallback(func(current, total int) {
		suite.Equal(3, total)
		seen = append(seen, current)
	})

	_, err := eng.Run(context.Background(), optional.Some(callback))
	suite.Require().NoError(err)
	suite.Equal([]int{1, 2, 3}, seen)
}
