// Package marketdata supplies historical OHLCV series to the backtest
// engine. Providers fetch full ranges; the Store layers caching and
// non-trading-day gap handling on top.
package marketdata

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

type ProviderType string

const (
	ProviderDuckDB  ProviderType = "duckdb"
	ProviderYahoo   ProviderType = "yahoo"
	ProviderPolygon ProviderType = "polygon"
)

// Provider fetches daily bars for one ticker over a date range. The
// returned series is ordered by date with no duplicate dates.
type Provider interface {
	Name() string
	// GetSeries returns all bars in [start, end], inclusive.
	GetSeries(ctx context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error)
	Close() error
}

const defaultMaxRetries = 3

// fetchWithRetry runs fn with exponential backoff, treating provider
// timeouts and transient failures as retryable. Exhaustion surfaces as a
// data error so the engine can fail the run rather than skip silently.
func fetchWithRetry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultMaxRetries),
		ctx,
	)

	if err := backoff.Retry(fn, policy); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrCodeProviderTimeout, "provider call timed out", err)
		}

		return errors.Wrap(errors.ErrCodeProviderUnavailable, "provider retries exhausted", err)
	}

	return nil
}
