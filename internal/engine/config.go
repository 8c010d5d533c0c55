package engine

import (
	"encoding/json"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/moznion/go-optional"
	"gopkg.in/yaml.v3"

	"github.com/voltaquant/persona-backtest/internal/marketdata"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// Config drives a single backtest run. StopLossPct and MaxHoldingDays have
// no sensible defaults and must be set explicitly.
type Config struct {
	InitialCapital float64                    `yaml:"initial_capital" json:"initial_capital" validate:"required,gt=0" jsonschema:"title=Initial Capital,description=Starting cash for the run in USD,minimum=0"`
	FeeRate        float64                    `yaml:"fee_rate" json:"fee_rate" validate:"gte=0" jsonschema:"title=Fee Rate,description=Fee charged on entry and exit notional as a fraction (0.001 = 0.1%),minimum=0"`
	StopLossPct    float64                    `yaml:"stop_loss_pct" json:"stop_loss_pct" validate:"required,gt=0" jsonschema:"title=Stop Loss Percent,description=Close a position when its price return falls to -stop_loss_pct"`
	MaxHoldingDays int                        `yaml:"max_holding_days" json:"max_holding_days" validate:"required,gte=1" jsonschema:"title=Max Holding Days,description=Close a position at the close after this many calendar days,minimum=1"`
	LookbackDays   int                        `yaml:"lookback_days" json:"lookback_days" validate:"gte=0" jsonschema:"title=Lookback Days,description=How far back to search for the most recent price when a date has no bar"`
	StartTime      optional.Option[time.Time] `yaml:"start_time" json:"start_time" jsonschema:"title=Start Time,description=Optional start of the backtest period"`
	EndTime        optional.Option[time.Time] `yaml:"end_time" json:"end_time" jsonschema:"title=End Time,description=Optional end of the backtest period"`
}

// UnmarshalYAML implements custom unmarshaling for Config
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain struct {
		InitialCapital float64    `yaml:"initial_capital"`
		FeeRate        float64    `yaml:"fee_rate"`
		StopLossPct    float64    `yaml:"stop_loss_pct"`
		MaxHoldingDays int        `yaml:"max_holding_days"`
		LookbackDays   int        `yaml:"lookback_days"`
		StartTime      *time.Time `yaml:"start_time"`
		EndTime        *time.Time `yaml:"end_time"`
	}

	var config plain
	if err := unmarshal(&config); err != nil {
		return err
	}

	c.InitialCapital = config.InitialCapital
	c.FeeRate = config.FeeRate
	c.StopLossPct = config.StopLossPct
	c.MaxHoldingDays = config.MaxHoldingDays
	c.LookbackDays = config.LookbackDays
	if config.StartTime != nil {
		c.StartTime = optional.Some(*config.StartTime)
	}
	if config.EndTime != nil {
		c.EndTime = optional.Some(*config.EndTime)
	}

	return nil
}

// Validate checks the config against its struct tags and the date range.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid backtest configuration", err)
	}

	if c.StartTime.IsSome() && c.EndTime.IsSome() {
		start := c.StartTime.Unwrap()
		end := c.EndTime.Unwrap()
		if end.Before(start) {
			return errors.Newf(errors.ErrCodeInvalidDateRange,
				"end_time %s is before start_time %s",
				end.Format("2006-01-02"), start.Format("2006-01-02"))
		}
	}

	return nil
}

// ParseConfigFile reads and validates a yaml config, applying defaults for
// omitted optional fields.
func ParseConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "unable to read config %s", path)
	}

	config := EmptyConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "unable to parse config %s", path)
	}

	if config.LookbackDays == 0 {
		config.LookbackDays = marketdata.DefaultLookbackDays
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// GenerateSchema generates a JSON schema for the Config
func (c *Config) GenerateSchema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t.String() == "optional.Option[time.Time]" {
				return &jsonschema.Schema{
					Type:   "string",
					Format: "date-time",
				}
			}
			return nil
		},
	}

	schema := reflector.Reflect(c)

	schema.Title = "persona-backtest-config"
	schema.Description = "Configuration schema for a backtest run"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return schema, nil
}

// GenerateSchemaJSON generates a JSON schema string for the Config
func (c *Config) GenerateSchemaJSON() (string, error) {
	schema, err := c.GenerateSchema()
	if err != nil {
		return "", err
	}

	schemaBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}

	return string(schemaBytes), nil
}

// EmptyConfig returns a Config with default values
func EmptyConfig() Config {
	return Config{
		InitialCapital: 0,
		FeeRate:        0,
		StopLossPct:    0,
		MaxHoldingDays: 0,
		LookbackDays:   0,
		StartTime:      optional.None[time.Time](),
		EndTime:        optional.None[time.Time](),
	}
}
