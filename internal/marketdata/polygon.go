package marketdata

import (
	"context"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"go.uber.org/zap"

	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// PolygonProvider fetches daily aggregates from the Polygon REST API.
type PolygonProvider struct {
	client *polygon.Client
	logger *logger.Logger
}

func NewPolygonProvider(apiKey string, log *logger.Logger) (*PolygonProvider, error) {
	if apiKey == "" {
		return nil, errors.New(errors.ErrCodeProviderUnavailable, "polygon api key is required")
	}

	return &PolygonProvider{
		client: polygon.New(apiKey),
		logger: log,
	}, nil
}

// Name implements Provider.
func (p *PolygonProvider) Name() string {
	return string(ProviderPolygon)
}

// GetSeries implements Provider.
func (p *PolygonProvider) GetSeries(ctx context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error) {
	p.logger.Debug("Fetching Polygon series",
		zap.String("ticker", ticker),
		zap.Time("start", start),
		zap.Time("end", end),
	)

	//nolint:exhaustruct // third-party struct with many optional fields
	params := models.ListAggsParams{
		Ticker:     ticker,
		Multiplier: 1,
		Timespan:   models.Day,
		From:       models.Millis(start),
		To:         models.Millis(end),
	}.WithLimit(50000)

	iter := p.client.ListAggs(ctx, params)

	result := make([]types.PricePoint, 0, 64)

	for iter.Next() {
		agg := iter.Item()

		result = append(result, types.PricePoint{
			Ticker: ticker,
			Date:   time.Time(agg.Timestamp).UTC(),
			Open:   agg.Open,
			High:   agg.High,
			Low:    agg.Low,
			Close:  agg.Close,
			Volume: agg.Volume,
		})
	}

	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeProviderUnavailable, err, "polygon aggs fetch failed for %s", ticker)
	}

	return result, nil
}

// Close implements Provider.
func (p *PolygonProvider) Close() error {
	return nil
}
