package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

const (
	decisionsFileName = "trading_decisions.json"
	equityFileName    = "equity.yaml"
	summaryFileName   = "summary.yaml"
)

// WriteResults persists a completed run under resultsFolder. The decision
// log is a single ordered JSON array; the file layout is what downstream
// dashboards read, so names stay fixed.
func WriteResults(resultsFolder string, result *Result) error {
	if resultsFolder == "" {
		return errors.New(errors.ErrCodeNoResultsDir, "no results folder set")
	}

	if result == nil {
		return errors.New(errors.ErrCodeEngineFailed, "nothing to write: result is nil")
	}

	if err := os.MkdirAll(resultsFolder, 0755); err != nil {
		return errors.Wrapf(errors.ErrCodeNoResultsDir, err, "unable to create results folder %s", resultsFolder)
	}

	decisionsPath := filepath.Join(resultsFolder, decisionsFileName)
	if err := writeDecisionLog(decisionsPath, result); err != nil {
		return err
	}

	equityPath := filepath.Join(resultsFolder, equityFileName)
	if err := writeEquityCurve(equityPath, result); err != nil {
		return err
	}

	summary := result.Summary
	summary.DecisionsFilePath = decisionsPath
	summary.EquityFilePath = equityPath
	result.Summary = summary

	summaryPath := filepath.Join(resultsFolder, summaryFileName)
	if err := writeRunSummaryFile(summaryPath, result); err != nil {
		return err
	}

	return nil
}

func writeDecisionLog(path string, result *Result) error {
	data, err := json.MarshalIndent(result.Decisions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal decision log: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write decision log: %w", err)
	}

	return nil
}

func writeEquityCurve(path string, result *Result) error {
	data, err := yaml.Marshal(result.EquityCurve)
	if err != nil {
		return fmt.Errorf("failed to marshal equity curve: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write equity curve: %w", err)
	}

	return nil
}

func writeRunSummaryFile(path string, result *Result) error {
	if err := types.WriteRunSummary(path, result.Summary); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	return nil
}
