package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

type Config struct {
	Addr           string `env:"PLANNER_ADDR" envDefault:":8070"`
	DatabaseDriver string `env:"PLANNER_DATABASE_DRIVER" envDefault:"memory"`
	DatabaseURL    string `env:"PLANNER_DATABASE_URL"`

	VarianceThreshold float64       `env:"PLANNER_VARIANCE_THRESHOLD" envDefault:"0.20"`
	SafetyStockPct    float64       `env:"PLANNER_SAFETY_STOCK_PCT" envDefault:"0.10"`
	Elasticity        float64       `env:"PLANNER_ELASTICITY" envDefault:"2.0"`
	ClusterCount      int           `env:"PLANNER_CLUSTER_COUNT" envDefault:"3"`
	ClusterSeed       int64         `env:"PLANNER_CLUSTER_SEED" envDefault:"42"`
	MinHistoryWeeks   int           `env:"PLANNER_MIN_HISTORY_WEEKS" envDefault:"0"`
	UnitPrice         float64       `env:"PLANNER_UNIT_PRICE" envDefault:"0"`
	StageTimeout      time.Duration `env:"PLANNER_STAGE_TIMEOUT" envDefault:"30s"`

	ApprovalStages          []string `env:"PLANNER_APPROVAL_STAGES" envSeparator:","`
	ApprovalMarkdownCeiling float64  `env:"PLANNER_APPROVAL_MARKDOWN_CEILING" envDefault:"0"`

	KafkaBrokers []string `env:"PLANNER_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"PLANNER_KAFKA_TOPIC" envDefault:"planner.events"`

	S3Bucket string `env:"PLANNER_S3_BUCKET"`
	S3Prefix string `env:"PLANNER_S3_PREFIX"`

	JWTSecret       string `env:"PLANNER_JWT_SECRET"`
	WriteScope      string `env:"PLANNER_WRITE_SCOPE" envDefault:"planner:write"`
	AllowDebugToken bool   `env:"PLANNER_ALLOW_DEBUG_TOKEN" envDefault:"false"`
	DebugToken      string `env:"PLANNER_DEBUG_TOKEN"`

	ParamExtractorURL string `env:"PLANNER_PARAM_EXTRACTOR_URL"`

	Runner             bool          `env:"PLANNER_RUNNER" envDefault:"false"`
	RunnerPollInterval time.Duration `env:"PLANNER_RUNNER_POLL_INTERVAL" envDefault:"1m"`

	Metrics bool `env:"PLANNER_METRICS" envDefault:"true"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.DatabaseURL = firstNonEmpty(cfg.DatabaseURL, os.Getenv("DATABASE_URL"))
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DatabaseDriver {
	case "memory":
	case "postgres", "sqlite":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL or PLANNER_DATABASE_URL required for %s driver", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("PLANNER_DATABASE_DRIVER must be memory, postgres or sqlite; got %q", c.DatabaseDriver)
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("PLANNER_STAGE_TIMEOUT must be positive")
	}
	if c.Runner && c.RunnerPollInterval <= 0 {
		return fmt.Errorf("PLANNER_RUNNER_POLL_INTERVAL must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("PLANNER_KAFKA_TOPIC required when PLANNER_KAFKA_BROKERS is set")
	}
	if c.AllowDebugToken && c.DebugToken == "" {
		return fmt.Errorf("PLANNER_DEBUG_TOKEN required when PLANNER_ALLOW_DEBUG_TOKEN is set")
	}
	if c.ApprovalMarkdownCeiling < 0 || c.ApprovalMarkdownCeiling > 1 {
		return fmt.Errorf("PLANNER_APPROVAL_MARKDOWN_CEILING must be within [0,1]")
	}
	return c.WorkflowDefaults().Validate()
}

// WorkflowDefaults are the options applied to workflows that do not
// override them.
func (c Config) WorkflowDefaults() models.WorkflowOptions {
	return models.WorkflowOptions{
		SafetyStockPct:    models.Ptr(c.SafetyStockPct),
		VarianceThreshold: c.VarianceThreshold,
		Elasticity:        c.Elasticity,
		ClusterCount:      c.ClusterCount,
		ClusterSeed:       c.ClusterSeed,
		MinHistoryWeeks:   c.MinHistoryWeeks,
		UnitPrice:         c.UnitPrice,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
