// Package engine replays validated trade decisions against historical
// prices, one calendar day at a time.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/voltaquant/persona-backtest/internal/ledger"
	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/internal/marketdata"
	"github.com/voltaquant/persona-backtest/internal/metrics"
	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusRunning     Status = "RUNNING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// OnDayCallback reports progress after each simulated day.
type OnDayCallback func(current int, total int)

// Result is everything a completed run produced.
type Result struct {
	RunID        string
	Status       Status
	Decisions    []types.DecisionRecord
	ClosedTrades []types.ClosedTrade
	EquityCurve  []types.EquityPoint
	Summary      types.RunSummary
}

// Engine drives one backtest run. Single-goroutine: each run owns its
// engine and ledger; only the Store behind it is shared.
type Engine struct {
	config    Config
	store     *marketdata.Store
	log       *logger.Logger
	status    Status
	decisions []types.TradeDecision
}

// New builds an engine from a validated config. The store may be shared
// with other engines; it is read-safe.
func New(config Config, store *marketdata.Store, log *logger.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if store == nil {
		return nil, errors.New(errors.ErrCodeEngineNotInitialized, "engine requires a market data store")
	}

	if log == nil {
		return nil, errors.New(errors.ErrCodeEngineNotInitialized, "engine requires a logger")
	}

	return &Engine{
		config:    config,
		store:     store,
		log:       log,
		status:    StatusInitialized,
		decisions: nil,
	}, nil
}

// LoadDecisions sets the decision schedule for the run. Every decision
// must already be structurally valid; the raw-payload path goes through
// the validator package first.
func (e *Engine) LoadDecisions(decisions []types.TradeDecision) error {
	for i := range decisions {
		if err := decisions[i].Validate(); err != nil {
			return errors.Wrapf(errors.ErrCodeMalformedPayload, err,
				"decision %d (%s %s) is invalid", i, decisions[i].Action, decisions[i].Ticker)
		}

		// A decision with no timestamp has no day to run on.
		if decisions[i].Timestamp.IsZero() {
			return errors.Newf(errors.ErrCodeMissingField,
				"decision %d (%s %s) has no timestamp", i, decisions[i].Action, decisions[i].Ticker)
		}
	}

	e.decisions = decisions
	e.log.Debug("Decisions loaded",
		zap.Int("total_decisions", len(decisions)),
	)

	return nil
}

// Status returns the run state.
func (e *Engine) Status() Status {
	return e.status
}

// GetConfigSchema returns the JSON schema of the engine config.
func (e *Engine) GetConfigSchema() (string, error) {
	schema, err := e.config.GenerateSchemaJSON()
	if err != nil {
		return "", fmt.Errorf("failed to generate schema: %w", err)
	}

	return schema, nil
}

// Run replays the loaded decisions day by day. The same inputs always
// produce the same outputs: days advance chronologically, open positions
// are visited in ticker order, and exit conditions are checked in the
// fixed priority TARGET, TIME_LIMIT, STOP with at most one exit per
// position per day.
func (e *Engine) Run(ctx context.Context, onDayCallback optional.Option[OnDayCallback]) (*Result, error) {
	if err := e.preRunCheck(); err != nil {
		return nil, err
	}

	e.status = StatusRunning

	start, end, err := e.runWindow()
	if err != nil {
		e.status = StatusFailed

		return nil, err
	}

	book, err := ledger.New(e.config.InitialCapital, e.config.FeeRate)
	if err != nil {
		e.status = StatusFailed

		return nil, err
	}

	scheduled, outOfWindow := splitByWindow(e.decisions, start, end)
	schedule := groupByDay(scheduled)
	totalDays := int(end.Sub(start).Hours()/24) + 1

	result := &Result{
		RunID:        uuid.New().String(),
		Status:       StatusRunning,
		Decisions:    nil,
		ClosedTrades: nil,
		EquityCurve:  nil,
		Summary:      types.RunSummary{},
	}

	// A decision that can never run still has to show up in the decision
	// log with a reason.
	for _, decision := range outOfWindow {
		e.log.Warn("Decision outside run window",
			zap.String("action", string(decision.Action)),
			zap.String("ticker", decision.Ticker),
			zap.Time("timestamp", decision.Timestamp),
			zap.Time("start", start),
			zap.Time("end", end),
		)

		result.Decisions = append(result.Decisions, types.DecisionRecord{
			TradeDecision: decision,
			Status:        types.DecisionStatusRejected,
			Note: fmt.Sprintf("timestamp %s is outside the run window %s..%s",
				decision.Timestamp.Format("2006-01-02"),
				start.Format("2006-01-02"), end.Format("2006-01-02")),
		})
	}

	e.log.Info("Backtest run started",
		zap.String("run_id", result.RunID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("total_days", totalDays),
		zap.Int("total_decisions", len(e.decisions)),
	)

	for dayIndex := 0; dayIndex < totalDays; dayIndex++ {
		day := start.AddDate(0, 0, dayIndex)

		if err := ctx.Err(); err != nil {
			e.status = StatusFailed

			return nil, errors.Wrap(errors.ErrCodeEngineFailed, "run cancelled", err)
		}

		closedToday, err := e.processExits(ctx, book, day)
		if err != nil {
			return nil, e.failRun(result, day, err)
		}

		records, err := e.applyDecisions(ctx, book, schedule[dayKey(day)], day, closedToday)
		if err != nil {
			return nil, e.failRun(result, day, err)
		}

		result.Decisions = append(result.Decisions, records...)

		snapshot, err := e.markToMarket(ctx, book, day)
		if err != nil {
			return nil, e.failRun(result, day, err)
		}

		result.EquityCurve = append(result.EquityCurve, snapshot)

		if onDayCallback.IsSome() {
			onDayCallback.Unwrap()(dayIndex+1, totalDays)
		}
	}

	result.ClosedTrades = book.ClosedTrades()
	result.Status = StatusCompleted
	result.Summary = e.buildSummary(result)
	e.status = StatusCompleted

	e.log.Info("Backtest run completed",
		zap.String("run_id", result.RunID),
		zap.Int("decisions", len(result.Decisions)),
		zap.Int("closed_trades", len(result.ClosedTrades)),
		zap.Float64("final_equity", result.Summary.FinalEquity),
	)

	return result, nil
}

func (e *Engine) preRunCheck() error {
	if e.status == StatusRunning {
		return errors.New(errors.ErrCodeEngineFailed, "run already in progress")
	}

	if len(e.decisions) == 0 {
		e.log.Error("No decisions loaded")

		return errors.New(errors.ErrCodeNoDecisions, "no decisions loaded")
	}

	return nil
}

// runWindow resolves the simulated date range. Explicit config bounds win;
// otherwise the window spans the decision timestamps, extended by the max
// holding period so time-limit exits still land inside the run.
func (e *Engine) runWindow() (time.Time, time.Time, error) {
	var start, end time.Time

	if e.config.StartTime.IsSome() {
		start = dayOf(e.config.StartTime.Unwrap())
	}

	if e.config.EndTime.IsSome() {
		end = dayOf(e.config.EndTime.Unwrap())
	}

	if start.IsZero() || end.IsZero() {
		first, last := decisionSpan(e.decisions)
		if start.IsZero() {
			start = first
		}

		if end.IsZero() {
			end = last.AddDate(0, 0, e.config.MaxHoldingDays)
		}
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.Newf(errors.ErrCodeInvalidDateRange,
			"run window end %s is before start %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	return start, end, nil
}

// processExits closes positions whose exit condition fired on day. Open
// tickers are visited in sorted order and each position exits at most
// once per day. Returns the tickers closed on this day so the decision
// step can refuse conflicting same-day actions.
func (e *Engine) processExits(ctx context.Context, book *ledger.Ledger, day time.Time) (map[string]bool, error) {
	closed := make(map[string]bool)

	for _, ticker := range book.OpenTickers() {
		position, ok := book.Position(ticker)
		if !ok {
			continue
		}

		// Entry day is step two of the loop, so a position is first
		// eligible to exit the day after it opened.
		if !position.EntryDate.Before(day) {
			continue
		}

		bar, err := e.store.GetPrice(ctx, ticker, day)
		if err != nil {
			return nil, err
		}

		reason, price, hit := e.checkExit(position, bar, day)
		if !hit {
			continue
		}

		trade, err := book.Close(ticker, price, day, reason)
		if err != nil {
			return nil, err
		}

		closed[ticker] = true

		e.log.Info("Position closed",
			zap.String("ticker", ticker),
			zap.Time("date", day),
			zap.String("reason", string(reason)),
			zap.Float64("exit_price", price),
			zap.Float64("realized_pnl", trade.RealizedPnL),
		)
	}

	return closed, nil
}

// checkExit evaluates the exit conditions for one position on one day.
// TARGET fills at the target price when the day's high reaches it;
// TIME_LIMIT and STOP fill at the day's close.
func (e *Engine) checkExit(position types.Position, bar types.PricePoint, day time.Time) (types.ExitReason, float64, bool) {
	if target := position.TargetPrice(); target > 0 {
		hit := bar.High >= target
		if position.Side == types.SideShort {
			hit = bar.Low <= target
		}

		if hit {
			return types.ExitReasonTarget, target, true
		}
	}

	maxDays := e.config.MaxHoldingDays
	if position.MaxHoldingDays > 0 {
		maxDays = position.MaxHoldingDays
	}

	held := int(day.Sub(dayOf(position.EntryDate)).Hours() / 24)
	if held >= maxDays {
		return types.ExitReasonTimeLimit, bar.Close, true
	}

	closeTrade := types.ClosedTrade{
		EntryPrice: position.EntryPrice,
		ExitPrice:  bar.Close,
		Side:       position.Side,
	}
	if closeTrade.ReturnPct() <= -e.config.StopLossPct {
		return types.ExitReasonStop, bar.Close, true
	}

	return "", 0, false
}

// applyDecisions executes one day's decisions against the ledger. Ledger
// rejections do not stop the run; they are logged and recorded. Missing
// price data does stop it.
func (e *Engine) applyDecisions(ctx context.Context, book *ledger.Ledger, decisions []types.TradeDecision, day time.Time, closedToday map[string]bool) ([]types.DecisionRecord, error) {
	records := make([]types.DecisionRecord, 0, len(decisions))

	for _, decision := range decisions {
		record := types.DecisionRecord{
			TradeDecision: decision,
			Status:        types.DecisionStatusNoop,
			Note:          "",
		}

		// The exit step already closed this ticker today; re-entering or
		// re-exiting on the same bar would conflict with that exit.
		if decision.Action != types.ActionHold && closedToday[decision.Ticker] {
			record.Note = "position closed earlier today"
			e.log.Info("Skipped decision after same-day exit",
				zap.String("action", string(decision.Action)),
				zap.String("ticker", decision.Ticker),
				zap.Time("date", day),
			)

			records = append(records, record)

			continue
		}

		switch decision.Action {
		case types.ActionHold:
			// recorded only

		case types.ActionBuy:
			if _, open := book.Position(decision.Ticker); open {
				record.Note = "position already open"
				e.log.Info("Skipped BUY on open ticker",
					zap.String("ticker", decision.Ticker),
					zap.Time("date", day),
				)

				break
			}

			bar, err := e.store.GetPrice(ctx, decision.Ticker, day)
			if err != nil {
				return nil, err
			}

			_, err = book.Open(ledger.OpenParams{
				Ticker:          decision.Ticker,
				Side:            types.SideLong,
				Quantity:        decision.Amount,
				Price:           bar.Close,
				Date:            day,
				TargetProfitPct: decision.ExpectedProfitPercentage,
				MaxHoldingDays:  decision.ExpectedTimeframeDays,
				Persona:         decision.Persona,
				Reasoning:       decision.Reasoning,
			})
			if err != nil {
				record.Status = types.DecisionStatusRejected
				record.Note = err.Error()
				e.log.Warn("Rejected BUY",
					zap.String("ticker", decision.Ticker),
					zap.Time("date", day),
					zap.Error(err),
				)

				break
			}

			record.Status = types.DecisionStatusApplied

		case types.ActionSell:
			bar, err := e.store.GetPrice(ctx, decision.Ticker, day)
			if err != nil {
				return nil, err
			}

			_, err = book.Close(decision.Ticker, bar.Close, day, types.ExitReasonManual)
			if err != nil {
				record.Status = types.DecisionStatusRejected
				record.Note = err.Error()
				e.log.Warn("Rejected SELL",
					zap.String("ticker", decision.Ticker),
					zap.Time("date", day),
					zap.Error(err),
				)

				break
			}

			record.Status = types.DecisionStatusApplied
		}

		records = append(records, record)
	}

	return records, nil
}

// markToMarket snapshots cash and equity after the day's activity.
func (e *Engine) markToMarket(ctx context.Context, book *ledger.Ledger, day time.Time) (types.EquityPoint, error) {
	open := book.OpenTickers()
	prices := make(map[string]float64, len(open))

	for _, ticker := range open {
		bar, err := e.store.GetPrice(ctx, ticker, day)
		if err != nil {
			return types.EquityPoint{}, err
		}

		prices[ticker] = bar.Close
	}

	equity, err := book.MarkToMarket(prices)
	if err != nil {
		return types.EquityPoint{}, err
	}

	return types.EquityPoint{
		Date:          day,
		Cash:          book.Cash(),
		Equity:        equity,
		OpenPositions: len(open),
	}, nil
}

func (e *Engine) failRun(result *Result, day time.Time, cause error) error {
	e.status = StatusFailed
	result.Status = StatusFailed

	e.log.Error("Backtest run failed",
		zap.String("run_id", result.RunID),
		zap.Time("date", day),
		zap.Error(cause),
	)

	return cause
}

func (e *Engine) buildSummary(result *Result) types.RunSummary {
	finalEquity := e.config.InitialCapital
	if len(result.EquityCurve) > 0 {
		finalEquity = result.EquityCurve[len(result.EquityCurve)-1].Equity
	}

	return types.RunSummary{
		ID:                result.RunID,
		Timestamp:         time.Now().UTC(),
		Personas:          personaLabels(e.decisions),
		Decisions:         metrics.SummarizeRecords(result.Decisions),
		Trades:            metrics.Performance(result.ClosedTrades),
		FinalEquity:       finalEquity,
		DecisionsFilePath: "",
		EquityFilePath:    "",
	}
}

// splitByWindow separates decisions the day loop will visit from those
// whose day falls outside [start, end].
func splitByWindow(decisions []types.TradeDecision, start, end time.Time) ([]types.TradeDecision, []types.TradeDecision) {
	var in, out []types.TradeDecision

	for _, decision := range decisions {
		day := dayOf(decision.Timestamp)
		if day.Before(start) || day.After(end) {
			out = append(out, decision)

			continue
		}

		in = append(in, decision)
	}

	return in, out
}

func groupByDay(decisions []types.TradeDecision) map[string][]types.TradeDecision {
	schedule := make(map[string][]types.TradeDecision)
	for _, decision := range decisions {
		key := dayKey(decision.Timestamp)
		schedule[key] = append(schedule[key], decision)
	}

	return schedule
}

func decisionSpan(decisions []types.TradeDecision) (time.Time, time.Time) {
	first := dayOf(decisions[0].Timestamp)
	last := first

	for _, decision := range decisions[1:] {
		day := dayOf(decision.Timestamp)
		if day.Before(first) {
			first = day
		}

		if day.After(last) {
			last = day
		}
	}

	return first, last
}

func personaLabels(decisions []types.TradeDecision) []string {
	seen := make(map[string]bool)

	var labels []string

	for _, decision := range decisions {
		if decision.Persona == "" || seen[decision.Persona] {
			continue
		}

		seen[decision.Persona] = true
		labels = append(labels, decision.Persona)
	}

	sort.Strings(labels)

	return labels
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()

	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dayKey(t time.Time) string {
	return dayOf(t).Format("2006-01-02")
}
