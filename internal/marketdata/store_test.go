package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// countingProvider serves a fixed series and counts fetches.
type countingProvider struct {
	series map[string][]types.PricePoint
	calls  atomic.Int64
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) GetSeries(_ context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error) {
	c.calls.Add(1)

	var out []types.PricePoint

	for _, point := range c.series[ticker] {
		if point.Date.Before(start) || point.Date.After(end) {
			continue
		}

		out = append(out, point)
	}

	return out, nil
}

func (c *countingProvider) Close() error { return nil }

type StoreTestSuite struct {
	suite.Suite
	provider *countingProvider
	store    *Store
	friday   time.Time
	monday   time.Time
}

// SetupTest runs before each test
func (suite *StoreTestSuite) SetupTest() {
	suite.friday = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	suite.monday = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	suite.provider = &countingProvider{
		series: map[string][]types.PricePoint{
			"NVDA": {
				{Ticker: "NVDA", Date: suite.friday, Open: 99, High: 101, Low: 98, Close: 100, Volume: 1000},
				{Ticker: "NVDA", Date: suite.monday, Open: 100, High: 103, Low: 99, Close: 102, Volume: 1200},
			},
		},
	}

	suite.store = NewStore(suite.provider, logger.NewNopLogger())
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (suite *StoreTestSuite) TestGetSeriesCachesExactRange() {
	ctx := context.Background()

	first, err := suite.store.GetSeries(ctx, "NVDA", suite.friday, suite.monday)
	suite.Require().NoError(err)
	suite.Len(first, 2)
	suite.Equal(int64(1), suite.provider.calls.Load())

	second, err := suite.store.GetSeries(ctx, "NVDA", suite.friday, suite.monday)
	suite.Require().NoError(err)
	suite.Equal(first, second)
	suite.Equal(int64(1), suite.provider.calls.Load(), "second lookup must be served from cache")
}

func (suite *StoreTestSuite) TestGetPriceExactDay() {
	point, err := suite.store.GetPrice(context.Background(), "NVDA", suite.friday)
	suite.Require().NoError(err)

	suite.InDelta(100.0, point.Close, 1e-9)
	suite.Equal(suite.friday, point.Date)
	suite.False(point.Backfilled)
}

func (suite *StoreTestSuite) TestGetPriceBackfillsWeekend() {
	saturday := suite.friday.AddDate(0, 0, 1)

	point, err := suite.store.GetPrice(context.Background(), "NVDA", saturday)
	suite.Require().NoError(err)

	// Friday's bar re-stamped to the requested day
	suite.InDelta(100.0, point.Close, 1e-9)
	suite.Equal(saturday, point.Date)
	suite.True(point.Backfilled)
}

func (suite *StoreTestSuite) TestGetPriceBeyondLookbackFails() {
	farAway := suite.monday.AddDate(0, 0, 10)

	_, err := suite.store.GetPrice(context.Background(), "NVDA", farAway)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeDataNotFound))
	suite.Contains(err.Error(), "NVDA")
	suite.Contains(err.Error(), farAway.Format("2006-01-02"))
}

func (suite *StoreTestSuite) TestGetPriceUnknownTicker() {
	_, err := suite.store.GetPrice(context.Background(), "TSLA", suite.friday)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeDataNotFound))
}

func (suite *StoreTestSuite) TestLookbackWindowIsConfigurable() {
	store := NewStore(suite.provider, logger.NewNopLogger(), WithLookbackDays(1))

	// two days past the last bar, one-day window
	_, err := store.GetPrice(context.Background(), "NVDA", suite.monday.AddDate(0, 0, 2))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeDataNotFound))
}

func (suite *StoreTestSuite) TestConcurrentReaders() {
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			point, err := suite.store.GetPrice(ctx, "NVDA", suite.monday)
			suite.NoError(err)
			suite.InDelta(102.0, point.Close, 1e-9)
		}()
	}

	wg.Wait()
}
