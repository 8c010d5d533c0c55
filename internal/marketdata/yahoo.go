package marketdata

import (
	"context"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"go.uber.org/zap"

	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// YahooProvider fetches daily bars from Yahoo Finance.
type YahooProvider struct {
	logger *logger.Logger
}

func NewYahooProvider(log *logger.Logger) *YahooProvider {
	return &YahooProvider{logger: log}
}

// Name implements Provider.
func (y *YahooProvider) Name() string {
	return string(ProviderYahoo)
}

// GetSeries implements Provider.
func (y *YahooProvider) GetSeries(ctx context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error) {
	y.logger.Debug("Fetching Yahoo series",
		zap.String("ticker", ticker),
		zap.Time("start", start),
		zap.Time("end", end),
	)

	params := &chart.Params{
		Symbol:   ticker,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	}

	iter := chart.Get(params)

	result := make([]types.PricePoint, 0, 64)

	for iter.Next() {
		bar := iter.Bar()

		result = append(result, types.PricePoint{
			Ticker: ticker,
			Date:   time.Unix(int64(bar.Timestamp), 0).UTC(),
			Open:   bar.Open.InexactFloat64(),
			High:   bar.High.InexactFloat64(),
			Low:    bar.Low.InexactFloat64(),
			Close:  bar.Close.InexactFloat64(),
			Volume: float64(bar.Volume),
		})
	}

	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeProviderUnavailable, err, "yahoo chart fetch failed for %s", ticker)
	}

	return result, nil
}

// Close implements Provider.
func (y *YahooProvider) Close() error {
	return nil
}
