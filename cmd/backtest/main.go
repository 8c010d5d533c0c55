package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/moznion/go-optional"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/voltaquant/persona-backtest/internal/engine"
	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/internal/marketdata"
	"github.com/voltaquant/persona-backtest/internal/oracle"
	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/internal/validator"
)

// runAction replays a decision file against historical prices. It loads
// the config, decisions and market data provider, runs the backtest and
// writes the results.
func runAction(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	decisionsPath := cmd.String("decisions")
	personasDir := cmd.String("personas")
	providerFlag := cmd.String("provider")
	dataPath := cmd.String("data")
	resultsFolder := cmd.String("results")

	appLogger, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer appLogger.Sync()

	config, err := engine.ParseConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	decisions, err := loadDecisions(decisionsPath)
	if err != nil {
		return fmt.Errorf("failed to load decisions: %w", err)
	}

	if personasDir != "" {
		if err := checkPersonaLabels(personasDir, decisions, appLogger); err != nil {
			return err
		}
	}

	provider, err := newProvider(marketdata.ProviderType(providerFlag), dataPath, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create market data provider: %w", err)
	}
	defer provider.Close()

	if ddb, ok := provider.(*marketdata.DuckDBProvider); ok {
		tickers, err := ddb.Tickers()
		if err != nil {
			return fmt.Errorf("failed to inspect price data: %w", err)
		}

		appLogger.Info("Price data loaded",
			zap.String("path", dataPath),
			zap.Int("tickers", len(tickers)),
		)
	}

	store := marketdata.NewStore(provider, appLogger,
		marketdata.WithLookbackDays(config.LookbackDays))

	backtester, err := engine.New(config, store, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if err := backtester.LoadDecisions(decisions); err != nil {
		return fmt.Errorf("failed to load decisions into engine: %w", err)
	}

	var bar *progressbar.ProgressBar

	onDay := func(current, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total))
			bar.Describe(fmt.Sprintf("Replaying %d decisions", len(decisions)))
		}

		_ = bar.Set(current)
	}

	result, err := backtester.Run(ctx, optional.Some(engine.OnDayCallback(onDay)))
	if err != nil {
		return fmt.Errorf("backtest failed: %w", err)
	}

	if err := engine.WriteResults(resultsFolder, result); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	appLogger.Info("Results written",
		zap.String("run_id", result.RunID),
		zap.String("folder", resultsFolder),
		zap.Float64("final_equity", result.Summary.FinalEquity),
	)

	return nil
}

// generateAction asks the decision oracle for one decision per persona and
// writes the validated batch to a JSON file that runAction can replay.
func generateAction(ctx context.Context, cmd *cli.Command) error {
	personasDir := cmd.String("personas")
	contextPath := cmd.String("context")
	outputPath := cmd.String("output")
	asOf := cmd.Timestamp("date")

	appLogger, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer appLogger.Sync()

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("OPENAI_API_KEY must be set to generate decisions")
	}

	personas, err := oracle.LoadPersonas(personasDir)
	if err != nil {
		return fmt.Errorf("failed to load personas: %w", err)
	}

	marketContext, err := os.ReadFile(contextPath)
	if err != nil {
		return fmt.Errorf("unable to read market context %s: %w", contextPath, err)
	}

	client := oracle.NewOpenAIOracle(oracle.ClientConfig{
		APIKey:  apiKey,
		BaseURL: cmd.String("base-url"),
		Model:   cmd.String("model"),
	}, appLogger)

	decisions, err := oracle.GenerateDecisions(ctx, client, personas, string(marketContext), asOf, appLogger)
	if err != nil {
		return fmt.Errorf("decision generation failed: %w", err)
	}

	data, err := json.MarshalIndent(decisions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode decisions: %w", err)
	}

	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	appLogger.Info("Decisions written",
		zap.String("path", outputPath),
		zap.Int("personas", len(personas)),
		zap.Int("decisions", len(decisions)),
	)

	return nil
}

// loadDecisions reads a JSON array of decisions. Elements may be JSON
// strings holding raw model output or plain decision objects; both go
// through the validator.
func loadDecisions(path string) ([]types.TradeDecision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%s is not a JSON array: %w", path, err)
	}

	decisions := make([]types.TradeDecision, 0, len(entries))

	for i, entry := range entries {
		payload := string(entry)

		var raw string
		if err := json.Unmarshal(entry, &raw); err == nil {
			payload = raw
		}

		decision, err := validator.Validate(payload)
		if err != nil {
			return nil, fmt.Errorf("decision %d in %s: %w", i, path, err)
		}

		decisions = append(decisions, decision)
	}

	return decisions, nil
}

// checkPersonaLabels warns about decisions whose persona label has no
// prompt file. Labels stay opaque to the engine either way.
func checkPersonaLabels(dir string, decisions []types.TradeDecision, appLogger *logger.Logger) error {
	personas, err := oracle.LoadPersonas(dir)
	if err != nil {
		return fmt.Errorf("failed to load personas: %w", err)
	}

	known := make(map[string]bool, len(personas))
	for _, persona := range personas {
		known[persona.Name] = true
	}

	for _, decision := range decisions {
		if decision.Persona != "" && !known[decision.Persona] {
			appLogger.Warn("Decision references unknown persona",
				zap.String("persona", decision.Persona),
				zap.String("ticker", decision.Ticker),
			)
		}
	}

	return nil
}

func newProvider(providerType marketdata.ProviderType, dataPath string, appLogger *logger.Logger) (marketdata.Provider, error) {
	switch providerType {
	case marketdata.ProviderDuckDB:
		return marketdata.NewDuckDBProvider(dataPath, appLogger)
	case marketdata.ProviderYahoo:
		return marketdata.NewYahooProvider(appLogger), nil
	case marketdata.ProviderPolygon:
		return marketdata.NewPolygonProvider(os.Getenv("POLYGON_API_KEY"), appLogger)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerType)
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "backtest",
		Usage: "Generate and replay persona trade decisions against historical prices",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Replay a decision file against historical prices",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the backtest YAML config",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "decisions",
						Aliases:  []string{"i"},
						Usage:    "JSON file with the decisions to replay",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "personas",
						Usage:    "Directory of persona prompt files used to check decision labels",
						Required: false,
					},
					&cli.StringFlag{
						Name:     "provider",
						Aliases:  []string{"p"},
						Usage:    fmt.Sprintf("Market data provider (%s, %s, %s)", marketdata.ProviderDuckDB, marketdata.ProviderYahoo, marketdata.ProviderPolygon),
						Value:    string(marketdata.ProviderDuckDB),
						Required: false,
					},
					&cli.StringFlag{
						Name:     "data",
						Aliases:  []string{"d"},
						Usage:    "Price data file (parquet or csv) for the duckdb provider",
						Required: false,
					},
					&cli.StringFlag{
						Name:     "results",
						Aliases:  []string{"r"},
						Usage:    "Directory to write run results into",
						Value:    "results",
						Required: false,
					},
				},
				Action: runAction,
			},
			{
				Name:  "generate",
				Usage: "Query the decision oracle for each persona and write a decision file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "personas",
						Usage:    "Directory of persona prompt files",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "context",
						Usage:    "File with the market context fed to the oracle",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "output",
						Aliases:  []string{"o"},
						Usage:    "Decision file to write",
						Value:    "decisions.json",
						Required: false,
					},
					&cli.StringFlag{
						Name:     "model",
						Usage:    "Chat completion model to query",
						Value:    "gpt-4o",
						Required: false,
					},
					&cli.StringFlag{
						Name:     "base-url",
						Usage:    "OpenAI-compatible API base URL",
						Required: false,
					},
					&cli.TimestampFlag{
						Name:  "date",
						Usage: "Timestamp stamped onto decisions that carry none",
						Value: time.Now().UTC(),
						Config: cli.TimestampConfig{
							Layouts: []string{"2006-01-02"},
						},
					},
				},
				Action: generateAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
