package models

import (
	"time"

	"github.com/google/uuid"
)

// StoreAttributes are the raw store characteristics. Ordinal and
// categorical attributes arrive already encoded as numbers.
type StoreAttributes struct {
	SizeSqFt        float64 `json:"size_sqft"`
	IncomeIndex     float64 `json:"income_index"`
	LocationTier    float64 `json:"location_tier"`
	CategoryFitTier float64 `json:"category_fit_tier"`
	Format          float64 `json:"format"`
	Region          float64 `json:"region"`
}

type Store struct {
	ID             string          `json:"id"`
	ClusterID      string          `json:"cluster_id,omitempty"`
	AvgWeeklySales float64         `json:"avg_weekly_sales"`
	Attributes     StoreAttributes `json:"attributes"`
}

// Features returns the 7 clustering features in a fixed order.
func (s Store) Features() []float64 {
	a := s.Attributes
	return []float64{
		s.AvgWeeklySales,
		a.SizeSqFt,
		a.IncomeIndex,
		a.LocationTier,
		a.CategoryFitTier,
		a.Format,
		a.Region,
	}
}

// CapacityScore ranks stores for demand placement when no sales history
// exists for them.
func (s Store) CapacityScore() float64 {
	size := s.Attributes.SizeSqFt
	if size <= 0 {
		size = 1
	}
	return size * (1 + 0.1*s.Attributes.CategoryFitTier) * (1 + 0.05*s.Attributes.LocationTier)
}

type StoreCluster struct {
	ID          string    `json:"id"`
	StoreIDs    []string  `json:"store_ids"`
	Centroid    []float64 `json:"centroid,omitempty"`
	DemandShare float64   `json:"demand_share"`
}

// SalesRecord is one week of historical units for a store. Week counts
// from 1 at the oldest week of the history window.
type SalesRecord struct {
	StoreID string  `json:"store_id"`
	Week    int     `json:"week"`
	Units   float64 `json:"units"`
}

// CalendarEvent scales demand for a season week. Uplift 1.0 is neutral.
type CalendarEvent struct {
	Week   int     `json:"week"`
	Name   string  `json:"name,omitempty"`
	Uplift float64 `json:"uplift"`
}

const (
	ForecastReasonInitial    = "initial"
	ForecastReasonReforecast = "reforecast"
	ForecastReasonApproval   = "approval"
)

type CategoryForecast struct {
	WorkflowID            uuid.UUID          `json:"workflow_id"`
	Revision              int                `json:"revision"`
	Category              string             `json:"category"`
	Reason                string             `json:"reason"`
	TotalSeasonDemand     float64            `json:"total_season_demand"`
	WeeklyDemandCurve     []float64          `json:"weekly_demand_curve"`
	ClusterDistribution   map[string]float64 `json:"cluster_distribution"`
	StoreAllocationFactor map[string]float64 `json:"store_allocation_factor"`
	Clusters              []StoreCluster     `json:"clusters"`
	StrategyTotals        map[string]float64 `json:"strategy_totals,omitempty"`
	ObservedWeeks         int                `json:"observed_weeks"`
	CreatedAt             time.Time          `json:"created_at"`
}

// WeeklyDemand returns the expected units for a 1-based week.
func (f CategoryForecast) WeeklyDemand(week int) float64 {
	if week < 1 || week > len(f.WeeklyDemandCurve) {
		return 0
	}
	return f.WeeklyDemandCurve[week-1]
}

// DemandThrough sums the curve over weeks 1..week.
func (f CategoryForecast) DemandThrough(week int) float64 {
	total := 0.0
	for w := 1; w <= week && w <= len(f.WeeklyDemandCurve); w++ {
		total += f.WeeklyDemandCurve[w-1]
	}
	return total
}

type ClusterAllocation struct {
	ClusterID string  `json:"cluster_id"`
	Share     float64 `json:"share"`
	Units     int64   `json:"units"`
}

type StoreAllocation struct {
	StoreID           string `json:"store_id"`
	ClusterID         string `json:"cluster_id"`
	SeasonAllocation  int64  `json:"season_allocation"`
	InitialAllocation int64  `json:"initial_allocation"`
	DCHoldback        int64  `json:"dc_holdback"`
}

type AllocationPlan struct {
	WorkflowID         uuid.UUID           `json:"workflow_id"`
	Revision           int                 `json:"revision"`
	ForecastRevision   int                 `json:"forecast_revision"`
	SafetyStockPct     float64             `json:"safety_stock_pct"`
	HoldbackPct        float64             `json:"holdback_pct"`
	ManufacturingOrder float64             `json:"manufacturing_order"`
	ManufacturingUnits int64               `json:"manufacturing_units"`
	Clusters           []ClusterAllocation `json:"clusters"`
	Stores             []StoreAllocation   `json:"stores"`
	CreatedAt          time.Time           `json:"created_at"`
}

// StoreByID returns the allocation line for a store.
func (p AllocationPlan) StoreByID(id string) (StoreAllocation, bool) {
	for _, s := range p.Stores {
		if s.StoreID == id {
			return s, true
		}
	}
	return StoreAllocation{}, false
}

type ActualsRecord struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	StoreID    string    `json:"store_id"`
	Period     int       `json:"period"`
	UnitsSold  float64   `json:"units_sold"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Shipment struct {
	WorkflowID         uuid.UUID `json:"workflow_id"`
	Week               int       `json:"week"`
	StoreID            string    `json:"store_id"`
	Units              int64     `json:"units"`
	AllocationRevision int       `json:"allocation_revision"`
	CreatedAt          time.Time `json:"created_at"`
}

const (
	MarkdownApply = "apply"
	MarkdownHold  = "hold"
)

// MarkdownDecision is the checkpoint pricing outcome.
type MarkdownDecision struct {
	WorkflowID               uuid.UUID `json:"workflow_id"`
	CheckpointWeek           int       `json:"checkpoint_week"`
	ForecastRevision         int       `json:"forecast_revision"`
	Threshold                float64   `json:"threshold"`
	Elasticity               float64   `json:"elasticity"`
	CumulativeSold           float64   `json:"cumulative_sold"`
	ManufacturingOrder       float64   `json:"manufacturing_order"`
	SellThrough              float64   `json:"sell_through"`
	Gap                      float64   `json:"gap"`
	RawMarkdown              float64   `json:"raw_markdown"`
	RecommendedMarkdownPct   float64   `json:"recommended_markdown_pct"`
	Decision                 string    `json:"decision"`
	ExpectedSellThroughLift  float64   `json:"expected_sell_through_lift"`
	EstimatedMarginReduction float64   `json:"estimated_margin_reduction"`
	Justification            string    `json:"justification"`
	Overridden               bool      `json:"overridden,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
}

type VarianceStatus string

const (
	VarianceNormal   VarianceStatus = "NORMAL"
	VarianceElevated VarianceStatus = "ELEVATED"
	VarianceHigh     VarianceStatus = "HIGH"
)

// VarianceSummary is the result of ingesting one week of actuals.
type VarianceSummary struct {
	WorkflowID          uuid.UUID      `json:"workflow_id"`
	Period              int            `json:"period"`
	ActualTotal         float64        `json:"actual_total"`
	ForecastTotal       float64        `json:"forecast_total"`
	VariancePct         float64        `json:"variance_pct"`
	Status              VarianceStatus `json:"variance_status"`
	ReforecastTriggered bool           `json:"reforecast_triggered"`
	BaselineRevision    int            `json:"baseline_revision"`
	ReforecastRevision  int            `json:"reforecast_revision,omitempty"`
	Accepted            int            `json:"accepted"`
	Duplicates          int            `json:"duplicates"`
	ComputedAt          time.Time      `json:"computed_at"`
}

// VarianceTrigger records a week whose variance started a reforecast.
type VarianceTrigger struct {
	Period       int       `json:"period"`
	VariancePct  float64   `json:"variance_pct"`
	FromRevision int       `json:"from_revision"`
	ToRevision   int       `json:"to_revision,omitempty"`
	TriggeredAt  time.Time `json:"triggered_at"`
}

// Clone returns a copy that shares no maps or slices with f.
func (f CategoryForecast) Clone() CategoryForecast {
	out := f
	out.WeeklyDemandCurve = append([]float64(nil), f.WeeklyDemandCurve...)
	out.ClusterDistribution = cloneFloatMap(f.ClusterDistribution)
	out.StoreAllocationFactor = cloneFloatMap(f.StoreAllocationFactor)
	out.StrategyTotals = cloneFloatMap(f.StrategyTotals)
	out.Clusters = make([]StoreCluster, len(f.Clusters))
	for i, c := range f.Clusters {
		c.StoreIDs = append([]string(nil), c.StoreIDs...)
		c.Centroid = append([]float64(nil), c.Centroid...)
		out.Clusters[i] = c
	}
	return out
}

// Clone returns a copy that shares no slices with p.
func (p AllocationPlan) Clone() AllocationPlan {
	out := p
	out.Clusters = append([]ClusterAllocation(nil), p.Clusters...)
	out.Stores = append([]StoreAllocation(nil), p.Stores...)
	return out
}

func cloneFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// WorkflowInput is everything a workflow is created from. Stores and
// History are read-only once stored; a retry from error may append
// history rows.
type WorkflowInput struct {
	Category   string           `json:"category"`
	Parameters SeasonParameters `json:"parameters"`
	Stores     []Store          `json:"stores"`
	History    []SalesRecord    `json:"history"`
	Calendar   []CalendarEvent  `json:"calendar,omitempty"`
	Options    WorkflowOptions  `json:"options"`
}

func (in WorkflowInput) Clone() WorkflowInput {
	out := in
	out.Stores = append([]Store(nil), in.Stores...)
	out.History = append([]SalesRecord(nil), in.History...)
	out.Calendar = append([]CalendarEvent(nil), in.Calendar...)
	if in.Options.SafetyStockPct != nil {
		out.Options.SafetyStockPct = Ptr(*in.Options.SafetyStockPct)
	}
	return out
}
