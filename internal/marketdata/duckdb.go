package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// DuckDBProvider serves daily bars from a local parquet or CSV snapshot
// through an in-process DuckDB view.
type DuckDBProvider struct {
	db     *sql.DB
	logger *logger.Logger
	sq     squirrel.StatementBuilderType
}

// NewDuckDBProvider opens an in-memory DuckDB instance and creates the
// price_data view over the given parquet or CSV file.
func NewDuckDBProvider(dataPath string, log *logger.Logger) (*DuckDBProvider, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeProviderUnavailable, "failed to open duckdb", err)
	}

	p := &DuckDBProvider{
		db:     db,
		logger: log,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}

	if err := p.initialize(dataPath); err != nil {
		db.Close()

		return nil, err
	}

	return p, nil
}

func (p *DuckDBProvider) initialize(path string) error {
	p.logger.Debug("Initializing DuckDB price provider", zap.String("path", path))

	var reader string

	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		reader = "read_parquet"
	case ".csv":
		reader = "read_csv_auto"
	default:
		return errors.Newf(errors.ErrCodeProviderUnavailable, "unsupported data file extension: %s", path)
	}

	if _, err := p.db.Exec(`DROP VIEW IF EXISTS price_data;`); err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to drop existing view", err)
	}

	// Squirrel cannot build CREATE VIEW, so this stays raw SQL.
	query := fmt.Sprintf(`
		CREATE VIEW price_data AS
		SELECT * FROM %s('%s');
	`, reader, path)

	if _, err := p.db.Exec(query); err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to create price_data view", err)
	}

	return nil
}

// Name implements Provider.
func (p *DuckDBProvider) Name() string {
	return string(ProviderDuckDB)
}

// GetSeries implements Provider.
func (p *DuckDBProvider) GetSeries(ctx context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error) {
	query, args, err := p.sq.
		Select("date", "ticker", "open", "high", "low", "close", "volume").
		From("price_data").
		Where(squirrel.And{
			squirrel.Eq{"ticker": ticker},
			squirrel.GtOrEq{"date": start},
			squirrel.LtOrEq{"date": end},
		}).
		OrderBy("date ASC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	stmt, err := p.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to prepare query", err)
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query price data", err)
	}
	defer rows.Close()

	result := make([]types.PricePoint, 0, 64)

	for rows.Next() {
		var (
			date                           time.Time
			symbol                         string
			open, high, low, close, volume float64
		)

		if err := rows.Scan(&date, &symbol, &open, &high, &low, &close, &volume); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan row", err)
		}

		result = append(result, types.PricePoint{
			Ticker: symbol,
			Date:   date,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: volume,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "error iterating rows", err)
	}

	return result, nil
}

// Tickers returns all distinct tickers in the snapshot.
func (p *DuckDBProvider) Tickers() ([]string, error) {
	rows, err := p.db.Query("SELECT DISTINCT ticker FROM price_data ORDER BY ticker")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to get tickers", err)
	}
	defer rows.Close()

	var tickers []string

	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan ticker", err)
		}

		tickers = append(tickers, ticker)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "error iterating tickers", err)
	}

	return tickers, nil
}

// Close implements Provider.
func (p *DuckDBProvider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}

	return nil
}
