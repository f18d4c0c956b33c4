package models

import (
	"fmt"
	"time"
)

type ReplenishmentStrategy string

const (
	ReplenishmentNone     ReplenishmentStrategy = "none"
	ReplenishmentWeekly   ReplenishmentStrategy = "weekly"
	ReplenishmentBiweekly ReplenishmentStrategy = "biweekly"
)

// SeasonParameters are fixed for the lifetime of a workflow.
type SeasonParameters struct {
	ForecastHorizonWeeks   int                   `json:"forecast_horizon_weeks"`
	SeasonStartDate        time.Time             `json:"season_start_date"`
	SeasonEndDate          time.Time             `json:"season_end_date"`
	ReplenishmentStrategy  ReplenishmentStrategy `json:"replenishment_strategy"`
	DCHoldbackPercentage   float64               `json:"dc_holdback_percentage"`
	MarkdownCheckpointWeek *int                  `json:"markdown_checkpoint_week,omitempty"`
	MarkdownThreshold      *float64              `json:"markdown_threshold,omitempty"`
}

// Validate reports the first problem found, wrapped in ErrInvalidParameters.
func (p SeasonParameters) Validate() error {
	if p.ForecastHorizonWeeks <= 0 {
		return invalid("forecast_horizon_weeks must be > 0, got %d", p.ForecastHorizonWeeks)
	}
	if p.SeasonStartDate.IsZero() || p.SeasonEndDate.IsZero() {
		return invalid("season_start_date and season_end_date required")
	}
	if !p.SeasonEndDate.After(p.SeasonStartDate) {
		return invalid("season_end_date must be after season_start_date")
	}
	switch p.ReplenishmentStrategy {
	case ReplenishmentNone, ReplenishmentWeekly, ReplenishmentBiweekly:
	default:
		return invalid("replenishment_strategy must be one of none, weekly, biweekly; got %q", p.ReplenishmentStrategy)
	}
	if !inUnitInterval(p.DCHoldbackPercentage) {
		return invalid("dc_holdback_percentage must be within [0,1], got %v", p.DCHoldbackPercentage)
	}
	if p.MarkdownCheckpointWeek == nil {
		if p.MarkdownThreshold != nil {
			return invalid("markdown_threshold set without markdown_checkpoint_week")
		}
		return nil
	}
	week := *p.MarkdownCheckpointWeek
	if week < 1 || week > p.ForecastHorizonWeeks {
		return invalid("markdown_checkpoint_week must be within [1,%d], got %d", p.ForecastHorizonWeeks, week)
	}
	if p.MarkdownThreshold == nil {
		return invalid("markdown_threshold required when markdown_checkpoint_week is set")
	}
	if !inUnitInterval(*p.MarkdownThreshold) {
		return invalid("markdown_threshold must be within [0,1], got %v", *p.MarkdownThreshold)
	}
	return nil
}

// HasMarkdownCheckpoint reports whether the markdown engine runs for this season.
func (p SeasonParameters) HasMarkdownCheckpoint() bool {
	return p.MarkdownCheckpointWeek != nil && p.MarkdownThreshold != nil
}

// WeekStart returns the first day of the given 1-based season week.
func (p SeasonParameters) WeekStart(week int) time.Time {
	return p.SeasonStartDate.AddDate(0, 0, 7*(week-1))
}

// ReplenishmentDue reports whether a cadence tick falls on the given week.
// Week 1 is served by the initial allocation.
func (p SeasonParameters) ReplenishmentDue(week int) bool {
	if week < 2 {
		return false
	}
	switch p.ReplenishmentStrategy {
	case ReplenishmentWeekly:
		return true
	case ReplenishmentBiweekly:
		return (week-1)%2 == 0
	default:
		return false
	}
}

// WorkflowOptions are the tunables a workflow runs with. Zero values are
// replaced by service defaults when the workflow is created, except
// SafetyStockPct, where only nil takes the default and an explicit 0
// orders exactly the forecast.
type WorkflowOptions struct {
	SafetyStockPct    *float64 `json:"safety_stock_pct,omitempty"`
	VarianceThreshold float64  `json:"variance_threshold"`
	Elasticity        float64  `json:"elasticity"`
	ClusterCount      int      `json:"cluster_count"`
	ClusterSeed       int64    `json:"cluster_seed"`
	MinHistoryWeeks   int      `json:"min_history_weeks"`
	UnitPrice         float64  `json:"unit_price"`
	AutoAdvance       bool     `json:"auto_advance"`
}

// SafetyStock is the resolved safety stock fraction; unset means none.
func (o WorkflowOptions) SafetyStock() float64 {
	if o.SafetyStockPct == nil {
		return 0
	}
	return *o.SafetyStockPct
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func (o WorkflowOptions) Validate() error {
	if o.SafetyStock() < 0 {
		return invalid("safety_stock_pct must be >= 0, got %v", o.SafetyStock())
	}
	if o.VarianceThreshold <= 0 {
		return invalid("variance_threshold must be > 0, got %v", o.VarianceThreshold)
	}
	if o.Elasticity <= 0 {
		return invalid("elasticity must be > 0, got %v", o.Elasticity)
	}
	if o.ClusterCount < 1 {
		return invalid("cluster_count must be >= 1, got %d", o.ClusterCount)
	}
	if o.MinHistoryWeeks < 0 {
		return invalid("min_history_weeks must be >= 0, got %d", o.MinHistoryWeeks)
	}
	if o.UnitPrice < 0 {
		return invalid("unit_price must be >= 0, got %v", o.UnitPrice)
	}
	return nil
}

// WithDefaults fills zero-valued fields from defaults.
func (o WorkflowOptions) WithDefaults(defaults WorkflowOptions) WorkflowOptions {
	switch {
	case o.SafetyStockPct != nil:
		o.SafetyStockPct = Ptr(*o.SafetyStockPct)
	case defaults.SafetyStockPct != nil:
		o.SafetyStockPct = Ptr(*defaults.SafetyStockPct)
	}
	if o.VarianceThreshold == 0 {
		o.VarianceThreshold = defaults.VarianceThreshold
	}
	if o.Elasticity == 0 {
		o.Elasticity = defaults.Elasticity
	}
	if o.ClusterCount == 0 {
		o.ClusterCount = defaults.ClusterCount
	}
	if o.ClusterSeed == 0 {
		o.ClusterSeed = defaults.ClusterSeed
	}
	if o.MinHistoryWeeks == 0 {
		o.MinHistoryWeeks = defaults.MinHistoryWeeks
	}
	if o.UnitPrice == 0 {
		o.UnitPrice = defaults.UnitPrice
	}
	return o
}

func inUnitInterval(v float64) bool {
	return v >= 0 && v <= 1
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
}
