package types

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DecisionSummary holds the aggregate quantities the presentation layer
// displays. This is the only contract the presentation layer depends on
// from the core.
type DecisionSummary struct {
	TotalTrades int `yaml:"total_trades" json:"totalTrades"`
	BuyCount    int `yaml:"buy_count" json:"buyCount"`
	SellCount   int `yaml:"sell_count" json:"sellCount"`
	// AvgConfidence is the mean confidence across decisions; 0 if empty.
	AvgConfidence float64 `yaml:"avg_confidence" json:"avgConfidence"`
	// AvgExpectedProfit is the mean expected profit percentage; 0 if empty.
	AvgExpectedProfit float64 `yaml:"avg_expected_profit" json:"avgExpectedProfit"`
}

// PerformanceMetrics summarises the closed-trade log of a run.
type PerformanceMetrics struct {
	// WinRate is the share of trades with positive pnl, in percent.
	WinRate float64 `yaml:"win_rate" json:"win_rate"`
	// AvgReturnPct is the mean fee-free price return across trades.
	AvgReturnPct float64 `yaml:"avg_return_pct" json:"avg_return_pct"`
	MaxLossPct   float64 `yaml:"max_loss_pct" json:"max_loss_pct"`
	MaxGainPct   float64 `yaml:"max_gain_pct" json:"max_gain_pct"`
	TotalFees    float64 `yaml:"total_fees" json:"total_fees"`
	RealizedPnL  float64 `yaml:"realized_pnl" json:"realized_pnl"`
}

// RunSummary is the per-run stats document written next to the decision log.
type RunSummary struct {
	// ID is the unique identifier for this backtest run.
	ID string `yaml:"id" json:"id"`
	// Timestamp is when this backtest run was executed.
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	// Personas are the labels that contributed decisions to the run.
	Personas  []string           `yaml:"personas" json:"personas"`
	Decisions DecisionSummary    `yaml:"decisions" json:"decisions"`
	Trades    PerformanceMetrics `yaml:"trades" json:"trades"`
	// FinalEquity is the marked-to-market equity after the last day.
	FinalEquity float64 `yaml:"final_equity" json:"final_equity"`
	// DecisionsFilePath is the path to the decision log JSON file.
	DecisionsFilePath string `yaml:"decisions_file_path" json:"decisions_file_path"`
	// EquityFilePath is the path to the equity curve file.
	EquityFilePath string `yaml:"equity_file_path" json:"equity_file_path"`
}

// WriteRunSummary marshals the summary to YAML and writes it to path.
func WriteRunSummary(path string, summary RunSummary) error {
	data, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run summary to file: %w", err)
	}

	return nil
}
