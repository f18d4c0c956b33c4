// Package sim replays scripted seasons through an in-process orchestrator.
// A scenario names the stores, prior-season history and the actuals to
// report each week; the replay drives the workflow to completion and
// reports what the planner decided.
package sim

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

type Scenario struct {
	Name      string          `yaml:"name"`
	Category  string          `yaml:"category"`
	Season    Season          `yaml:"season"`
	Options   Options         `yaml:"options"`
	Stores    []Store         `yaml:"stores"`
	History   History         `yaml:"history"`
	Calendar  []CalendarEvent `yaml:"calendar"`
	Approvals Approvals       `yaml:"approvals"`
	Weeks     []Week          `yaml:"weeks"`
}

type Season struct {
	HorizonWeeks           int       `yaml:"horizon_weeks"`
	Start                  time.Time `yaml:"start"`
	Replenishment          string    `yaml:"replenishment"`
	DCHoldbackPct          float64   `yaml:"dc_holdback_pct"`
	MarkdownCheckpointWeek *int      `yaml:"markdown_checkpoint_week"`
	MarkdownThreshold      *float64  `yaml:"markdown_threshold"`
}

// Options left at zero take the planner defaults. SafetyStockPct is only
// defaulted when omitted.
type Options struct {
	SafetyStockPct    *float64 `yaml:"safety_stock_pct"`
	VarianceThreshold float64  `yaml:"variance_threshold"`
	Elasticity        float64  `yaml:"elasticity"`
	ClusterCount      int      `yaml:"cluster_count"`
	ClusterSeed       int64    `yaml:"cluster_seed"`
	MinHistoryWeeks   int      `yaml:"min_history_weeks"`
	UnitPrice         float64  `yaml:"unit_price"`
}

type Store struct {
	ID              string  `yaml:"id"`
	SizeSqFt        float64 `yaml:"size_sqft"`
	IncomeIndex     float64 `yaml:"income_index"`
	LocationTier    float64 `yaml:"location_tier"`
	CategoryFitTier float64 `yaml:"category_fit_tier"`
	Format          float64 `yaml:"format"`
	Region          float64 `yaml:"region"`
	// WeeklyUnits generates a flat prior season for the store.
	WeeklyUnits float64 `yaml:"weekly_units"`
}

// History is either generated from each store's weekly_units or listed
// explicitly; both may be combined.
type History struct {
	Weeks   int      `yaml:"weeks"`
	Records []Record `yaml:"records"`
}

type Record struct {
	StoreID string  `yaml:"store_id"`
	Week    int     `yaml:"week"`
	Units   float64 `yaml:"units"`
}

type CalendarEvent struct {
	Week   int     `yaml:"week"`
	Name   string  `yaml:"name"`
	Uplift float64 `yaml:"uplift"`
}

// Approvals configures which stages pause and how the replay answers them.
// Stages without a scripted decision are accepted.
type Approvals struct {
	Stages          []string            `yaml:"stages"`
	MarkdownCeiling float64             `yaml:"markdown_ceiling"`
	Decisions       map[string]Decision `yaml:"decisions"`
}

type Decision struct {
	Action        string             `yaml:"action"`
	Modifications map[string]float64 `yaml:"modifications"`
	Actor         string             `yaml:"actor"`
}

// Week scripts the actuals reported for one season week. Units lists
// exact per-store sales; otherwise every store sells Multiplier times its
// share of the current forecast.
type Week struct {
	Week       int                `yaml:"week"`
	Multiplier float64            `yaml:"multiplier"`
	Units      map[string]float64 `yaml:"units"`
}

// Load reads a scenario file.
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// Validate checks the parts of a scenario the planner itself does not:
// the script of weeks and the scripted approvals.
func (sc Scenario) Validate() error {
	if strings.TrimSpace(sc.Category) == "" {
		return fmt.Errorf("%w: scenario category required", models.ErrInvalidParameters)
	}
	if len(sc.Stores) == 0 {
		return fmt.Errorf("%w: scenario has no stores", models.ErrInvalidParameters)
	}
	prev := 0
	for _, w := range sc.Weeks {
		if w.Week <= prev {
			return fmt.Errorf("%w: scenario weeks must ascend, got %d after %d", models.ErrInvalidParameters, w.Week, prev)
		}
		if w.Week > sc.Season.HorizonWeeks {
			return fmt.Errorf("%w: scenario week %d beyond horizon %d", models.ErrInvalidParameters, w.Week, sc.Season.HorizonWeeks)
		}
		if w.Multiplier < 0 {
			return fmt.Errorf("%w: week %d multiplier must be >= 0", models.ErrInvalidParameters, w.Week)
		}
		prev = w.Week
	}
	for stage, d := range sc.Approvals.Decisions {
		switch stage {
		case models.ApprovalStageForecast, models.ApprovalStageAllocation, models.ApprovalStageMarkdown:
		default:
			return fmt.Errorf("%w: unknown approval stage %q", models.ErrInvalidParameters, stage)
		}
		if d.Action != models.ApprovalActionAccept && d.Action != models.ApprovalActionModify {
			return fmt.Errorf("%w: %s decision action must be accept or modify", models.ErrInvalidParameters, stage)
		}
	}
	return nil
}

// Input builds the workflow input the scenario describes.
func (sc Scenario) Input() models.WorkflowInput {
	p := models.SeasonParameters{
		ForecastHorizonWeeks:   sc.Season.HorizonWeeks,
		SeasonStartDate:        sc.Season.Start.UTC(),
		SeasonEndDate:          sc.Season.Start.UTC().AddDate(0, 0, 7*sc.Season.HorizonWeeks),
		ReplenishmentStrategy:  models.ReplenishmentStrategy(sc.Season.Replenishment),
		DCHoldbackPercentage:   sc.Season.DCHoldbackPct,
		MarkdownCheckpointWeek: sc.Season.MarkdownCheckpointWeek,
		MarkdownThreshold:      sc.Season.MarkdownThreshold,
	}
	if p.ReplenishmentStrategy == "" {
		p.ReplenishmentStrategy = models.ReplenishmentNone
	}

	in := models.WorkflowInput{
		Category:   sc.Category,
		Parameters: p,
		Options: models.WorkflowOptions{
			SafetyStockPct:    sc.Options.SafetyStockPct,
			VarianceThreshold: sc.Options.VarianceThreshold,
			Elasticity:        sc.Options.Elasticity,
			ClusterCount:      sc.Options.ClusterCount,
			ClusterSeed:       sc.Options.ClusterSeed,
			MinHistoryWeeks:   sc.Options.MinHistoryWeeks,
			UnitPrice:         sc.Options.UnitPrice,
		},
	}
	for _, s := range sc.Stores {
		in.Stores = append(in.Stores, models.Store{
			ID: s.ID,
			Attributes: models.StoreAttributes{
				SizeSqFt:        s.SizeSqFt,
				IncomeIndex:     s.IncomeIndex,
				LocationTier:    s.LocationTier,
				CategoryFitTier: s.CategoryFitTier,
				Format:          s.Format,
				Region:          s.Region,
			},
		})
	}

	weeks := sc.History.Weeks
	if weeks == 0 && len(sc.History.Records) == 0 {
		weeks = sc.Season.HorizonWeeks
	}
	for w := 1; w <= weeks; w++ {
		for _, s := range sc.Stores {
			if s.WeeklyUnits > 0 {
				in.History = append(in.History, models.SalesRecord{StoreID: s.ID, Week: w, Units: s.WeeklyUnits})
			}
		}
	}
	for _, r := range sc.History.Records {
		in.History = append(in.History, models.SalesRecord{StoreID: r.StoreID, Week: r.Week, Units: r.Units})
	}
	for _, ev := range sc.Calendar {
		in.Calendar = append(in.Calendar, models.CalendarEvent{Week: ev.Week, Name: ev.Name, Uplift: ev.Uplift})
	}
	return in
}

// actuals returns the week's sales, splitting forecast demand across stores
// by cluster share and store factor when no explicit units are scripted.
func (w Week) actuals(f models.CategoryForecast) []models.SalesRecord {
	if len(w.Units) > 0 {
		ids := make([]string, 0, len(w.Units))
		for id := range w.Units {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out := make([]models.SalesRecord, 0, len(ids))
		for _, id := range ids {
			out = append(out, models.SalesRecord{StoreID: id, Week: w.Week, Units: w.Units[id]})
		}
		return out
	}
	m := w.Multiplier
	if m == 0 {
		m = 1
	}
	demand := f.WeeklyDemand(w.Week) * m
	var out []models.SalesRecord
	for _, c := range f.Clusters {
		for _, id := range c.StoreIDs {
			units := demand * f.ClusterDistribution[c.ID] * f.StoreAllocationFactor[id]
			out = append(out, models.SalesRecord{StoreID: id, Week: w.Week, Units: units})
		}
	}
	return out
}
