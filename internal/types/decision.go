package types

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/voltaquant/persona-backtest/pkg/errors"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// TradeDecision is a validated trade intent produced by the decision
// oracle. Immutable once validated; the JSON field set is the contract the
// presentation layer consumes.
type TradeDecision struct {
	Action Action `yaml:"action" json:"action" validate:"required,oneof=BUY SELL HOLD"`
	Ticker string `yaml:"ticker" json:"ticker" validate:"required,alphanum,uppercase,min=1,max=5"`
	// Amount is the number of shares the decision wants to trade.
	Amount int64 `yaml:"amount" json:"amount" validate:"required,gt=0"`
	// ExpectedProfitPercentage is in percent units: 2.5 means 2.5%.
	ExpectedProfitPercentage float64 `yaml:"expected_profit_percentage" json:"expected_profit_percentage" validate:"gte=0"`
	Confidence               float64 `yaml:"confidence" json:"confidence" validate:"gte=0,lte=1"`
	Reasoning                string  `yaml:"reasoning" json:"reasoning"`
	Timestamp                time.Time `yaml:"timestamp" json:"timestamp"`
	// Persona is the opaque label of the strategy configuration that
	// produced this decision. The core never inspects persona content.
	Persona string `yaml:"persona,omitempty" json:"persona,omitempty"`
	// ExpectedTimeframeDays caps the holding period for this decision when
	// set; 0 means the engine's configured max holding period applies.
	ExpectedTimeframeDays int `yaml:"expected_timeframe_days,omitempty" json:"expected_timeframe_days,omitempty" validate:"gte=0"`
}

// Validate validates the TradeDecision struct.
func (d *TradeDecision) Validate() error {
	validate := validator.New()
	if err := validate.Struct(d); err != nil {
		return errors.Wrap(errors.ErrCodeMalformedPayload, "invalid trade decision", err)
	}

	return nil
}

type DecisionStatus string

const (
	// DecisionStatusApplied means the decision mutated the ledger.
	DecisionStatusApplied DecisionStatus = "APPLIED"
	// DecisionStatusRejected means the ledger refused the decision
	// (insufficient cash, no open position, ...). The run continues.
	DecisionStatusRejected DecisionStatus = "REJECTED"
	// DecisionStatusNoop covers HOLD decisions and BUYs against an
	// already-open ticker.
	DecisionStatusNoop DecisionStatus = "NOOP"
)

// DecisionRecord is one entry of the decision log written per backtest run.
type DecisionRecord struct {
	TradeDecision `yaml:",inline"`

	Status DecisionStatus `yaml:"status" json:"status"`
	// Note carries the rejection reason when Status is REJECTED.
	Note string `yaml:"note,omitempty" json:"note,omitempty"`
}
