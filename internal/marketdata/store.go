package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// DefaultLookbackDays is how many prior days a stale close may be reused
// to fill a non-trading-day gap.
const DefaultLookbackDays = 5

// Store wraps a Provider with an immutable range cache and non-trading-day
// gap handling. Safe for concurrent readers; cache population on the same
// key is idempotent.
type Store struct {
	provider     Provider
	logger       *logger.Logger
	lookbackDays int
	fetchTimeout time.Duration

	mu    sync.RWMutex
	cache map[string][]types.PricePoint
}

type StoreOption func(*Store)

// WithLookbackDays overrides the gap-fill window.
func WithLookbackDays(days int) StoreOption {
	return func(s *Store) {
		s.lookbackDays = days
	}
}

// WithFetchTimeout bounds each provider fetch.
func WithFetchTimeout(timeout time.Duration) StoreOption {
	return func(s *Store) {
		s.fetchTimeout = timeout
	}
}

func NewStore(provider Provider, log *logger.Logger, opts ...StoreOption) *Store {
	s := &Store{
		provider:     provider,
		logger:       log,
		lookbackDays: DefaultLookbackDays,
		fetchTimeout: 30 * time.Second,
		cache:        make(map[string][]types.PricePoint),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// GetSeries returns the ordered bars for ticker in [start, end], fetching
// through the provider on first use of the exact range.
func (s *Store) GetSeries(ctx context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error) {
	start = normalizeDate(start)
	end = normalizeDate(end)
	key := rangeKey(ticker, start, end)

	s.mu.RLock()
	if series, ok := s.cache[key]; ok {
		s.mu.RUnlock()

		return series, nil
	}
	s.mu.RUnlock()

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	var series []types.PricePoint

	err := fetchWithRetry(fetchCtx, func() error {
		var fetchErr error

		series, fetchErr = s.provider.GetSeries(fetchCtx, ticker, start, end)

		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have populated the key meanwhile; both fetched
	// the same immutable range, so last writer wins with identical data.
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	s.cache[key] = series
	s.logger.Debug("Cached price series",
		zap.String("ticker", ticker),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("points", len(series)),
	)

	return series, nil
}

// GetPrice returns the bar for ticker on date. On a non-trading day it
// returns the most recent prior bar within the lookback window, re-stamped
// to the requested date and marked Backfilled. Beyond the window the
// lookup fails with a data error naming the ticker and date.
func (s *Store) GetPrice(ctx context.Context, ticker string, date time.Time) (types.PricePoint, error) {
	date = normalizeDate(date)
	windowStart := date.AddDate(0, 0, -s.lookbackDays)

	series, err := s.GetSeries(ctx, ticker, windowStart, date)
	if err != nil {
		return types.PricePoint{}, err
	}

	// Walk back from the requested date to the window start.
	var latest *types.PricePoint

	for i := range series {
		point := series[i]
		if point.Date.After(date) {
			continue
		}

		if latest == nil || point.Date.After(latest.Date) {
			latest = &series[i]
		}
	}

	if latest == nil {
		return types.PricePoint{}, errors.Newf(errors.ErrCodeDataNotFound,
			"no price for %s on %s within %d-day lookback", ticker, date.Format("2006-01-02"), s.lookbackDays)
	}

	point := *latest
	if !point.Date.Equal(date) {
		s.logger.Debug("Backfilled non-trading day",
			zap.String("ticker", ticker),
			zap.Time("requested", date),
			zap.Time("used", point.Date),
		)

		point.Date = date
		point.Backfilled = true
	}

	return point, nil
}

// normalizeDate truncates to UTC midnight so cache keys and comparisons
// are calendar-day based.
func normalizeDate(t time.Time) time.Time {
	t = t.UTC()

	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func rangeKey(ticker string, start, end time.Time) string {
	return fmt.Sprintf("%s:%d:%d", ticker, start.Unix(), end.Unix())
}
