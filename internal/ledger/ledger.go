// Package ledger tracks cash and open positions for one backtest run.
// Cash and position state always mutate together: a failed operation
// leaves the ledger untouched.
package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// Ledger owns the portfolio of one backtest run: cash, at most one open
// position per ticker, and the append-only closed-trade log. It is not
// safe for concurrent use; each run drives its own ledger.
type Ledger struct {
	cash      decimal.Decimal
	feeRate   decimal.Decimal
	positions map[string]types.Position
	closed    []types.ClosedTrade
}

// New creates a ledger with the given starting cash and proportional fee
// rate (0.001 means 0.1% of notional on each side).
func New(initialCash, feeRate float64) (*Ledger, error) {
	if initialCash < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "initial cash must not be negative: %f", initialCash)
	}

	if feeRate < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "fee rate must not be negative: %f", feeRate)
	}

	return &Ledger{
		cash:      decimal.NewFromFloat(initialCash),
		feeRate:   decimal.NewFromFloat(feeRate),
		positions: make(map[string]types.Position),
		closed:    nil,
	}, nil
}

// OpenParams describes a position entry.
type OpenParams struct {
	Ticker   string
	Side     types.Side
	Quantity int64
	Price    float64
	Date     time.Time
	// TargetProfitPct is carried onto the position for the engine's
	// target-exit check; percent units.
	TargetProfitPct float64
	// MaxHoldingDays overrides the engine default for this position when
	// positive.
	MaxHoldingDays int
	Persona        string
	Reasoning      string
}

// Open enters a new position, debiting cash for the notional plus the
// entry fee.
func (l *Ledger) Open(params OpenParams) (types.Position, error) {
	if params.Quantity <= 0 {
		return types.Position{}, errors.Newf(errors.ErrCodeInvalidQuantity, "quantity must be positive: %d", params.Quantity)
	}

	if params.Price <= 0 {
		return types.Position{}, errors.Newf(errors.ErrCodeInvalidQuantity, "price must be positive: %f", params.Price)
	}

	// The oracle vocabulary is BUY/SELL/HOLD, so entries are long-only.
	// The data model keeps Side so a short leg can be added later.
	if params.Side != types.SideLong {
		return types.Position{}, errors.Newf(errors.ErrCodeUnsupportedSide, "side %s is not supported for entries", params.Side)
	}

	if _, exists := l.positions[params.Ticker]; exists {
		return types.Position{}, errors.Newf(errors.ErrCodePositionExists, "ticker %s already has an open position", params.Ticker)
	}

	notional := decimal.NewFromInt(params.Quantity).Mul(decimal.NewFromFloat(params.Price))
	fee := notional.Mul(l.feeRate)
	cost := notional.Add(fee)

	if cost.GreaterThan(l.cash) {
		costF, _ := cost.Float64()
		cashF, _ := l.cash.Float64()

		return types.Position{}, errors.Newf(errors.ErrCodeInsufficientCash,
			"cost %.2f for %s exceeds available cash %.2f", costF, params.Ticker, cashF)
	}

	entryFee, _ := fee.Float64()
	position := types.Position{
		Ticker:          params.Ticker,
		EntryDate:       params.Date,
		EntryPrice:      params.Price,
		Quantity:        params.Quantity,
		Side:            params.Side,
		EntryFee:        entryFee,
		TargetProfitPct: params.TargetProfitPct,
		MaxHoldingDays:  params.MaxHoldingDays,
		Persona:         params.Persona,
		Reasoning:       params.Reasoning,
	}

	l.cash = l.cash.Sub(cost)
	l.positions[params.Ticker] = position

	return position, nil
}

// Close exits the open position on ticker at the given price, crediting
// the exit notional net of the exit fee and appending a ClosedTrade.
func (l *Ledger) Close(ticker string, price float64, date time.Time, reason types.ExitReason) (types.ClosedTrade, error) {
	position, exists := l.positions[ticker]
	if !exists {
		return types.ClosedTrade{}, errors.Newf(errors.ErrCodeNoOpenPosition, "no open position for ticker %s", ticker)
	}

	if price <= 0 {
		return types.ClosedTrade{}, errors.Newf(errors.ErrCodeInvalidQuantity, "exit price must be positive: %f", price)
	}

	quantity := decimal.NewFromInt(position.Quantity)
	exitNotional := quantity.Mul(decimal.NewFromFloat(price))
	exitFee := exitNotional.Mul(l.feeRate)

	entry := decimal.NewFromFloat(position.EntryPrice)
	exit := decimal.NewFromFloat(price)
	sign := decimal.NewFromFloat(position.Side.Sign())

	pnl := exit.Sub(entry).
		Mul(quantity).
		Mul(sign).
		Sub(decimal.NewFromFloat(position.EntryFee)).
		Sub(exitFee)

	realizedPnL, _ := pnl.Float64()
	exitFeeF, _ := exitFee.Float64()

	trade := types.ClosedTrade{
		ID:          uuid.New().String(),
		Ticker:      ticker,
		EntryDate:   position.EntryDate,
		ExitDate:    date,
		EntryPrice:  position.EntryPrice,
		ExitPrice:   price,
		Quantity:    position.Quantity,
		Side:        position.Side,
		Fees:        position.EntryFee + exitFeeF,
		RealizedPnL: realizedPnL,
		ExitReason:  reason,
		Persona:     position.Persona,
		Reasoning:   position.Reasoning,
	}

	l.cash = l.cash.Add(exitNotional.Sub(exitFee))
	delete(l.positions, ticker)
	l.closed = append(l.closed, trade)

	return trade, nil
}

// MarkToMarket values open positions at the given prices and returns the
// portfolio equity (cash + market value of open positions). Every open
// ticker must have a price.
func (l *Ledger) MarkToMarket(prices map[string]float64) (float64, error) {
	equity := l.cash

	for _, ticker := range l.OpenTickers() {
		price, ok := prices[ticker]
		if !ok {
			return 0, errors.Newf(errors.ErrCodeDataNotFound, "no mark price for open position %s", ticker)
		}

		position := l.positions[ticker]
		equity = equity.Add(decimal.NewFromInt(position.Quantity).Mul(decimal.NewFromFloat(price)))
	}

	value, _ := equity.Float64()

	return value, nil
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 {
	value, _ := l.cash.Float64()

	return value
}

// Position returns the open position on ticker, if any.
func (l *Ledger) Position(ticker string) (types.Position, bool) {
	position, ok := l.positions[ticker]

	return position, ok
}

// OpenTickers returns the tickers with open positions in sorted order, so
// callers iterate deterministically.
func (l *Ledger) OpenTickers() []string {
	tickers := make([]string, 0, len(l.positions))
	for ticker := range l.positions {
		tickers = append(tickers, ticker)
	}

	sort.Strings(tickers)

	return tickers
}

// ClosedTrades returns a copy of the closed-trade log in close order.
func (l *Ledger) ClosedTrades() []types.ClosedTrade {
	trades := make([]types.ClosedTrade, len(l.closed))
	copy(trades, l.closed)

	return trades
}
