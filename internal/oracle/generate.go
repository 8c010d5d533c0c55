package oracle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/internal/types"
	"github.com/voltaquant/persona-backtest/internal/validator"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// GenerateDecisions queries the oracle once per persona and normalizes each
// raw response through the validator. Oracle failures abort the batch;
// responses the validator rejects are logged and skipped so one bad
// completion never sinks the rest. Decisions without a timestamp are
// stamped with asOf.
func GenerateDecisions(ctx context.Context, o Oracle, personas []Persona, marketContext string, asOf time.Time, log *logger.Logger) ([]types.TradeDecision, error) {
	if len(personas) == 0 {
		return nil, errors.New(errors.ErrCodePersonaNotFound, "no personas to generate decisions for")
	}

	decisions := make([]types.TradeDecision, 0, len(personas))

	for _, persona := range personas {
		raw, err := o.Decide(ctx, persona, marketContext)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeOracleUnavailable, err, "oracle failed for persona %s", persona.Name)
		}

		decision, err := validator.Validate(raw)
		if err != nil {
			log.Warn("Discarding unusable oracle response",
				zap.String("persona", persona.Name),
				zap.Error(err))
			continue
		}

		decision.Persona = persona.Name
		if decision.Timestamp.IsZero() {
			decision.Timestamp = asOf
		}

		decisions = append(decisions, decision)
	}

	return decisions, nil
}
