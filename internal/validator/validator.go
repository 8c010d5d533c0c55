// Package validator turns raw decision-oracle output into validated
// TradeDecision values. Validation is pure and deterministic: the same raw
// text always yields the same decision or the same error code.
package validator

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

var (
	thinkTagRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)
	tickerRegex   = regexp.MustCompile(`^[A-Z0-9]{1,5}$`)
	timeframeRe   = regexp.MustCompile(`^(\d+)([dwm])$`)
)

// payload is the loosely-typed decision shape models actually emit:
// numbers arrive as numbers or numeric strings depending on the model.
type payload struct {
	Action                   *string `json:"action"`
	Ticker                   *string `json:"ticker"`
	Amount                   any     `json:"amount"`
	Confidence               any     `json:"confidence"`
	ExpectedProfitPercentage any     `json:"expected_profit_percentage"`
	ExpectedTimeframe        *string `json:"expected_timeframe"`
	// ExpectedTimeframeDays is the already-normalized form a structured
	// decision file carries; the string form wins when both are present.
	ExpectedTimeframeDays any     `json:"expected_timeframe_days"`
	Reasoning             string  `json:"reasoning"`
	Timestamp             *string `json:"timestamp"`
	Persona               string  `json:"persona"`
}

// timestampLayouts are tried in order when the payload carries a timestamp.
var timestampLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// Validate extracts a JSON payload from raw oracle text and normalizes it
// into a TradeDecision. Surrounding prose, markdown fences and reasoning
// tags are tolerated; out-of-range values are rejected, never clamped.
func Validate(raw string) (types.TradeDecision, error) {
	cleaned := stripNoise(raw)

	body, err := extractObject(cleaned)
	if err != nil {
		return types.TradeDecision{}, err
	}

	var p payload

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()

	if err := dec.Decode(&p); err != nil {
		return types.TradeDecision{}, errors.Wrap(errors.ErrCodeMalformedPayload, "decision payload is not valid JSON", err)
	}

	action, err := normalizeAction(p.Action)
	if err != nil {
		return types.TradeDecision{}, err
	}

	ticker, err := normalizeTicker(p.Ticker)
	if err != nil {
		return types.TradeDecision{}, err
	}

	amount, err := parseAmount(p.Amount)
	if err != nil {
		return types.TradeDecision{}, err
	}

	confidence, err := parseConfidence(p.Confidence)
	if err != nil {
		return types.TradeDecision{}, err
	}

	profit, err := parseExpectedProfit(p.ExpectedProfitPercentage)
	if err != nil {
		return types.TradeDecision{}, err
	}

	timeframeDays, err := parseTimeframe(p.ExpectedTimeframe)
	if err != nil {
		return types.TradeDecision{}, err
	}

	if timeframeDays == 0 && p.ExpectedTimeframeDays != nil {
		timeframeDays, err = parseTimeframeDays(p.ExpectedTimeframeDays)
		if err != nil {
			return types.TradeDecision{}, err
		}
	}

	timestamp, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return types.TradeDecision{}, err
	}

	decision := types.TradeDecision{
		Action:                   action,
		Ticker:                   ticker,
		Amount:                   amount,
		ExpectedProfitPercentage: profit,
		Confidence:               confidence,
		Reasoning:                strings.TrimSpace(p.Reasoning),
		Timestamp:                timestamp,
		Persona:                  strings.TrimSpace(p.Persona),
		ExpectedTimeframeDays:    timeframeDays,
	}

	return decision, nil
}

// stripNoise removes reasoning tags and markdown code fences.
func stripNoise(text string) string {
	cleaned := strings.TrimSpace(thinkTagRegex.ReplaceAllString(text, ""))
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	return strings.TrimSpace(cleaned)
}

// extractObject returns the first balanced {...} span that parses as
// JSON, so prose braces ahead of the payload do not derail extraction.
func extractObject(text string) (string, error) {
	for start := strings.Index(text, "{"); start >= 0; start = nextBrace(text, start) {
		length, ok := balancedSpan(text[start:])
		if !ok {
			continue
		}

		candidate := text[start : start+length]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	return "", errors.New(errors.ErrCodeMalformedPayload, "no JSON object found in oracle response")
}

func nextBrace(text string, after int) int {
	offset := strings.Index(text[after+1:], "{")
	if offset < 0 {
		return -1
	}

	return after + 1 + offset
}

// balancedSpan returns the length of the brace-balanced span starting at
// the opening brace, skipping braces inside string literals.
func balancedSpan(text string) (int, bool) {
	var (
		depth    int
		inString bool
		escaped  bool
	)

	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}

			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}

	return 0, false
}

func normalizeAction(field *string) (types.Action, error) {
	if field == nil || strings.TrimSpace(*field) == "" {
		return "", errors.New(errors.ErrCodeMissingField, "missing required field: action")
	}

	action := types.Action(strings.ToUpper(strings.TrimSpace(*field)))

	switch action {
	case types.ActionBuy, types.ActionSell, types.ActionHold:
		return action, nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidAction, "invalid action: %q", *field)
	}
}

func normalizeTicker(field *string) (string, error) {
	if field == nil || strings.TrimSpace(*field) == "" {
		return "", errors.New(errors.ErrCodeMissingField, "missing required field: ticker")
	}

	ticker := strings.ToUpper(strings.TrimSpace(*field))
	if !tickerRegex.MatchString(ticker) {
		return "", errors.Newf(errors.ErrCodeInvalidTicker, "invalid ticker: %q", *field)
	}

	return ticker, nil
}

func parseAmount(field any) (int64, error) {
	if field == nil {
		return 0, errors.New(errors.ErrCodeMissingField, "missing required field: amount")
	}

	value, err := toFloat(field)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeInvalidAmount, err, "amount is not numeric: %v", field)
	}

	if value <= 0 || value != math.Trunc(value) {
		return 0, errors.Newf(errors.ErrCodeInvalidAmount, "amount must be a positive integer: %v", field)
	}

	return int64(value), nil
}

func parseConfidence(field any) (float64, error) {
	if field == nil {
		return 0, errors.New(errors.ErrCodeMissingField, "missing required field: confidence")
	}

	value, err := toFloat(field)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeMalformedPayload, err, "confidence is not numeric: %v", field)
	}

	// Reject rather than clamp so bad model output is never masked.
	if value < 0 || value > 1 {
		return 0, errors.Newf(errors.ErrCodeConfidenceOutOfRange, "confidence %v is outside [0,1]", value)
	}

	return value, nil
}

func parseExpectedProfit(field any) (float64, error) {
	if field == nil {
		return 0, nil
	}

	value, err := toFloat(field)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeInvalidExpectedProfit, err, "expected_profit_percentage is not numeric: %v", field)
	}

	if value < 0 || value > 100 {
		return 0, errors.Newf(errors.ErrCodeInvalidExpectedProfit, "expected profit %v is outside [0,100]", value)
	}

	return value, nil
}

// parseTimeframe converts "3d" / "2w" / "1m" holding periods to days.
func parseTimeframe(field *string) (int, error) {
	if field == nil || strings.TrimSpace(*field) == "" {
		return 0, nil
	}

	match := timeframeRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(*field)))
	if match == nil {
		return 0, errors.Newf(errors.ErrCodeInvalidTimeframe, "invalid timeframe format: %q", *field)
	}

	n, err := strconv.Atoi(match[1])
	if err != nil || n <= 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidTimeframe, "invalid timeframe value: %q", *field)
	}

	switch match[2] {
	case "w":
		return n * 7, nil
	case "m":
		return n * 30, nil
	default:
		return n, nil
	}
}

// parseTimeframeDays handles the numeric expected_timeframe_days form that
// normalized decision files carry instead of the "2w" shorthand.
func parseTimeframeDays(field any) (int, error) {
	value, err := toFloat(field)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeInvalidTimeframe, err, "expected_timeframe_days is not numeric: %v", field)
	}

	if value < 0 || value != math.Trunc(value) {
		return 0, errors.Newf(errors.ErrCodeInvalidTimeframe, "expected_timeframe_days must be a non-negative whole number, got %v", value)
	}

	return int(value), nil
}

func parseTimestamp(field *string) (time.Time, error) {
	if field == nil || strings.TrimSpace(*field) == "" {
		return time.Time{}, nil
	}

	value := strings.TrimSpace(*field)

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}

	return time.Time{}, errors.Newf(errors.ErrCodeMalformedPayload, "unparseable timestamp: %q", value)
}

func toFloat(field any) (float64, error) {
	switch v := field.(type) {
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case float64:
		return v, nil
	default:
		return 0, errors.Newf(errors.ErrCodeMalformedPayload, "unsupported numeric type %T", field)
	}
}
