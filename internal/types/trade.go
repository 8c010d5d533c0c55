package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns the direction sign used in PnL math: +1 for long, -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}

	return 1
}

type ExitReason string

const (
	ExitReasonTarget    ExitReason = "TARGET"
	ExitReasonStop      ExitReason = "STOP"
	ExitReasonTimeLimit ExitReason = "TIME_LIMIT"
	ExitReasonManual    ExitReason = "MANUAL"
)

// Position is an open holding. Owned exclusively by the ledger; destroyed
// (converted to a ClosedTrade) on exit.
type Position struct {
	Ticker     string    `yaml:"ticker" json:"ticker"`
	EntryDate  time.Time `yaml:"entry_date" json:"entry_date"`
	EntryPrice float64   `yaml:"entry_price" json:"entry_price"`
	Quantity   int64     `yaml:"quantity" json:"quantity"`
	Side       Side      `yaml:"side" json:"side"`
	// EntryFee is the fee paid on the entry notional.
	EntryFee float64 `yaml:"entry_fee" json:"entry_fee"`
	// TargetProfitPct is the expected profit (percent units) of the
	// decision that opened this position; 0 disables the target exit.
	TargetProfitPct float64 `yaml:"target_profit_pct" json:"target_profit_pct"`
	// MaxHoldingDays caps the holding period for this position when set;
	// 0 means the engine default applies.
	MaxHoldingDays int `yaml:"max_holding_days,omitempty" json:"max_holding_days,omitempty"`
	Persona        string `yaml:"persona,omitempty" json:"persona,omitempty"`
	Reasoning      string `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`
}

// MarketValue returns the value of the position at the given price.
func (p *Position) MarketValue(price float64) float64 {
	value, _ := decimal.NewFromInt(p.Quantity).Mul(decimal.NewFromFloat(price)).Float64()

	return value
}

// TargetPrice returns the price at which the target-profit exit triggers,
// or 0 when no target is set.
func (p *Position) TargetPrice() float64 {
	if p.TargetProfitPct <= 0 {
		return 0
	}

	factor := decimal.NewFromFloat(1).Add(
		decimal.NewFromFloat(p.TargetProfitPct).
			Div(decimal.NewFromInt(100)).
			Mul(decimal.NewFromFloat(p.Side.Sign())))

	target, _ := decimal.NewFromFloat(p.EntryPrice).Mul(factor).Float64()

	return target
}

// ClosedTrade is an immutable, append-only record of a completed round trip.
type ClosedTrade struct {
	ID         string     `yaml:"id" json:"id"`
	Ticker     string     `yaml:"ticker" json:"ticker"`
	EntryDate  time.Time  `yaml:"entry_date" json:"entry_date"`
	ExitDate   time.Time  `yaml:"exit_date" json:"exit_date"`
	EntryPrice float64    `yaml:"entry_price" json:"entry_price"`
	ExitPrice  float64    `yaml:"exit_price" json:"exit_price"`
	Quantity   int64      `yaml:"quantity" json:"quantity"`
	Side       Side       `yaml:"side" json:"side"`
	// Fees is the sum of entry and exit fees.
	Fees        float64    `yaml:"fees" json:"fees"`
	RealizedPnL float64    `yaml:"realized_pnl" json:"realized_pnl"`
	ExitReason  ExitReason `yaml:"exit_reason" json:"exit_reason"`
	Persona     string     `yaml:"persona,omitempty" json:"persona,omitempty"`
	Reasoning   string     `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`
}

// ReturnPct returns the fee-free price return of the trade in percent
// units, signed by direction.
func (t *ClosedTrade) ReturnPct() float64 {
	if t.EntryPrice == 0 {
		return 0
	}

	entry := decimal.NewFromFloat(t.EntryPrice)
	exit := decimal.NewFromFloat(t.ExitPrice)

	pct, _ := exit.Sub(entry).
		Div(entry).
		Mul(decimal.NewFromInt(100)).
		Mul(decimal.NewFromFloat(t.Side.Sign())).
		Float64()

	return pct
}

// EquityPoint is one mark-to-market snapshot of the portfolio.
type EquityPoint struct {
	Date   time.Time `yaml:"date" json:"date"`
	Cash   float64   `yaml:"cash" json:"cash"`
	Equity float64   `yaml:"equity" json:"equity"`
	// OpenPositions is the number of open positions at the snapshot.
	OpenPositions int `yaml:"open_positions" json:"open_positions"`
}
