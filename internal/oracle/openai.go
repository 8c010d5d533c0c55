package oracle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// Oracle returns raw decision text for a persona given a market context.
// The engine never interprets the text itself; the validator is the sole
// consumer of oracle output.
type Oracle interface {
	Decide(ctx context.Context, persona Persona, marketContext string) (string, error)
}

// formatNotes constrains the model to a bare JSON object so the validator
// has a payload to extract. Mirrors the decision schema the validator
// accepts.
const formatNotes = `
CRITICAL FORMATTING REQUIREMENTS:
1. Return ONLY a JSON object, no text before or after it
2. The object MUST include only these fields:
   {
     "action": "BUY" | "SELL" | "HOLD",
     "ticker": "TICK",
     "amount": 10,
     "expected_profit_percentage": 2.5,
     "confidence": 0.8,
     "expected_timeframe": "3d",
     "reasoning": "one short sentence"
   }
`

// ClientConfig configures the OpenAI-compatible oracle client.
type ClientConfig struct {
	APIKey string `yaml:"api_key" validate:"required"`
	// BaseURL lets the client talk to any OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model" validate:"required"`
	// Timeout bounds a single completion call.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries bounds retry attempts before the failure escalates.
	MaxRetries uint64 `yaml:"max_retries"`
}

// OpenAIOracle implements Oracle against any OpenAI-compatible chat
// completion API.
type OpenAIOracle struct {
	client *openai.Client
	config ClientConfig
	logger *logger.Logger
}

func NewOpenAIOracle(config ClientConfig, log *logger.Logger) *OpenAIOracle {
	ocfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		ocfg.BaseURL = config.BaseURL
	}

	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	return &OpenAIOracle{
		client: openai.NewClientWithConfig(ocfg),
		config: config,
		logger: log,
	}
}

// Decide implements Oracle. Timeouts are retried with backoff; exhaustion
// surfaces as an oracle error, which the caller treats as retryable at the
// run level rather than fatal.
func (o *OpenAIOracle) Decide(ctx context.Context, persona Persona, marketContext string) (string, error) {
	var raw string

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()

		resp, err := o.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: o.config.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: persona.Prompt + "\n" + formatNotes},
				{Role: openai.ChatMessageRoleUser, Content: marketContext},
			},
		})
		if err != nil {
			return err
		}

		if len(resp.Choices) == 0 {
			return errors.New(errors.ErrCodeEmptyResponse, "oracle returned no choices")
		}

		raw = resp.Choices[0].Message.Content

		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.config.MaxRetries),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrapf(errors.ErrCodeOracleTimeout, err, "oracle call timed out for persona %s", persona.Name)
		}

		return "", errors.Wrapf(errors.ErrCodeOracleUnavailable, err, "oracle retries exhausted for persona %s", persona.Name)
	}

	o.logger.Debug("Oracle response received",
		zap.String("persona", persona.Name),
		zap.Int("length", len(raw)),
	)

	return raw, nil
}
