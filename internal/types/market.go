package types

import "time"

// PricePoint is one ticker/day OHLCV bar.
type PricePoint struct {
	Ticker string    `yaml:"ticker" json:"ticker"`
	Date   time.Time `yaml:"date" json:"date"`
	Open   float64   `yaml:"open" json:"open"`
	High   float64   `yaml:"high" json:"high"`
	Low    float64   `yaml:"low" json:"low"`
	Close  float64   `yaml:"close" json:"close"`
	Volume float64   `yaml:"volume" json:"volume"`
	// Backfilled is true when this bar was filled from a prior trading day
	// to cover a weekend or holiday gap.
	Backfilled bool `yaml:"backfilled,omitempty" json:"backfilled,omitempty"`
}
