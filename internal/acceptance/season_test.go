package acceptance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/events"
	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/orchestrator"
	"github.com/ILLUVRSE/season-planner/internal/sim"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

var seasonStart = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

func newPlanner(t *testing.T, defaults models.WorkflowOptions) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(orchestrator.Config{Store: store.NewMemoryStore(), Defaults: defaults})
	if err != nil {
		t.Fatalf("orchestrator init: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func waitIdle(t *testing.T, o *orchestrator.Orchestrator, id uuid.UUID) models.WorkflowState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := o.WaitIdle(ctx, id); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	st, err := o.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	return st
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// Fifty stores in three obvious groups whose prior-season sales split
// 40/35/25.
func TestFiftyStoresThreeClustersNoHoldback(t *testing.T) {
	ctx := context.Background()
	o := newPlanner(t, models.WorkflowOptions{
		SafetyStockPct:    models.Ptr(0.10),
		VarianceThreshold: 0.20,
		Elasticity:        2.0,
		ClusterCount:      3,
		ClusterSeed:       42,
	})

	groups := []struct {
		stores int
		size   float64
		units  float64
	}{
		{stores: 20, size: 1000, units: 20},
		{stores: 14, size: 3000, units: 25},
		{stores: 16, size: 6000, units: 15.625},
	}
	var in models.WorkflowInput
	in.Category = "swimwear"
	in.Parameters = models.SeasonParameters{
		ForecastHorizonWeeks:  12,
		SeasonStartDate:       seasonStart,
		SeasonEndDate:         seasonStart.AddDate(0, 0, 84),
		ReplenishmentStrategy: models.ReplenishmentNone,
	}
	for g, grp := range groups {
		for i := 0; i < grp.stores; i++ {
			id := fmt.Sprintf("g%d-%02d", g, i)
			in.Stores = append(in.Stores, models.Store{ID: id, Attributes: models.StoreAttributes{SizeSqFt: grp.size}})
			for w := 1; w <= 12; w++ {
				in.History = append(in.History, models.SalesRecord{StoreID: id, Week: w, Units: grp.units})
			}
		}
	}

	st, err := o.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := o.Start(ctx, st.ID, orchestrator.StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	st = waitIdle(t, o, st.ID)
	if st.Stage != models.StageReplenishing || st.CurrentWeek != 1 {
		t.Fatalf("expected in-season at week 1, got %s week %d (%v)", st.Stage, st.CurrentWeek, st.LastError)
	}

	f, err := o.Forecast(ctx, st.ID)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if len(f.Clusters) != 3 {
		t.Fatalf("expected 3 clusters, got %d", len(f.Clusters))
	}
	var shares []float64
	for _, s := range f.ClusterDistribution {
		shares = append(shares, s)
	}
	sort.Float64s(shares)
	for i, want := range []float64{0.25, 0.35, 0.40} {
		if !near(shares[i], want) {
			t.Fatalf("cluster shares: got %v, want 0.25/0.35/0.40", shares)
		}
	}

	plan, err := o.Allocation(ctx, st.ID)
	if err != nil {
		t.Fatalf("allocation: %v", err)
	}
	if len(plan.Stores) != 50 {
		t.Fatalf("expected 50 store allocations, got %d", len(plan.Stores))
	}
	for _, s := range plan.Stores {
		if s.DCHoldback != 0 {
			t.Fatalf("store %s holds back %d units with holdback_pct 0", s.StoreID, s.DCHoldback)
		}
		if s.InitialAllocation != s.SeasonAllocation {
			t.Fatalf("store %s ships %d of %d up front", s.StoreID, s.InitialAllocation, s.SeasonAllocation)
		}
	}

	if got := st.Agent(models.AgentMarkdown).Status; got != models.AgentSkipped {
		t.Fatalf("markdown agent status: got %s, want skipped", got)
	}
	if _, err := o.Markdown(ctx, st.ID); err == nil {
		t.Fatalf("expected no markdown decision")
	}

	for week := 1; week <= 12; week++ {
		// Sell exactly to forecast so the season runs without re-forecasts.
		perStore := f.WeeklyDemand(week) / float64(len(in.Stores))
		var batch []orchestrator.ActualsInput
		for _, s := range in.Stores {
			batch = append(batch, orchestrator.ActualsInput{StoreID: s.ID, UnitsSold: perStore})
		}
		if _, err := o.IngestActuals(ctx, st.ID, week, batch); err != nil {
			t.Fatalf("week %d actuals: %v", week, err)
		}
		st = waitIdle(t, o, st.ID)
		if st, err = o.AdvanceWeek(ctx, st.ID); err != nil {
			t.Fatalf("advance week %d: %v", week, err)
		}
	}
	if st.Stage != models.StageComplete {
		t.Fatalf("expected complete, got %s", st.Stage)
	}
	if st.MarkdownWeek != 0 || len(st.VarianceTriggers) != 0 {
		t.Fatalf("unexpected markdown week %d or %d re-forecasts", st.MarkdownWeek, len(st.VarianceTriggers))
	}
	shipments, err := o.Shipments(ctx, st.ID)
	if err != nil {
		t.Fatalf("shipments: %v", err)
	}
	for _, s := range shipments {
		if s.Week != 1 {
			t.Fatalf("unexpected week %d shipment to %s without replenishment", s.Week, s.StoreID)
		}
	}
}

const markdownScenario = `
name: checkpoint
category: outerwear
season:
  horizon_weeks: 12
  start: 2026-09-07
  markdown_checkpoint_week: 6
  markdown_threshold: 0.60
options:
  variance_threshold: 0.25
  elasticity: 2.0
  cluster_count: 2
stores:
  - {id: north, size_sqft: 1200, weekly_units: 10}
  - {id: south, size_sqft: 1300, weekly_units: 10}
  - {id: flagship, size_sqft: 8000, weekly_units: 10}
weeks:
  - {week: 1, multiplier: 1.2}
  - {week: 2, multiplier: 1.2}
  - {week: 3, multiplier: 1.2}
  - {week: 4, multiplier: 1.2}
  - {week: 5, multiplier: 1.2}
`

// Selling 1.2x a flat forecast for five weeks reaches half the order by
// the week-6 checkpoint, ten points short of a 60% target.
func TestMarkdownAtCheckpoint(t *testing.T) {
	ctx := context.Background()
	sc, err := sim.Parse([]byte(markdownScenario))
	if err != nil {
		t.Fatalf("parse scenario: %v", err)
	}
	// Zero safety stock makes the order equal to forecast demand.
	o := newPlanner(t, models.WorkflowOptions{VarianceThreshold: 0.20, Elasticity: 2.0, ClusterCount: 2, ClusterSeed: 7})

	report, err := sim.Replay(ctx, o, sc, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Stage != models.StageReplenishing || report.CurrentWeek != 6 {
		t.Fatalf("expected replenishing at week 6, got %s week %d (%s)", report.Stage, report.CurrentWeek, report.LastError)
	}
	if report.Triggers != 0 {
		t.Fatalf("20%% over forecast must stay under the 25%% variance threshold, got %d triggers", report.Triggers)
	}
	for _, v := range report.Variance {
		if v.Status != models.VarianceElevated {
			t.Fatalf("period %d: got %s, want ELEVATED", v.Period, v.Status)
		}
	}

	d, err := o.Markdown(ctx, uuid.MustParse(report.WorkflowID))
	if err != nil {
		t.Fatalf("markdown: %v", err)
	}
	if d.CheckpointWeek != 6 || d.Decision != models.MarkdownApply {
		t.Fatalf("expected apply at week 6, got %s at week %d", d.Decision, d.CheckpointWeek)
	}
	if math.Abs(d.SellThrough-0.50) > 1e-6 || math.Abs(d.Gap-0.10) > 1e-6 || math.Abs(d.RawMarkdown-0.20) > 1e-6 {
		t.Fatalf("sell-through %.6f gap %.6f raw %.6f", d.SellThrough, d.Gap, d.RawMarkdown)
	}
	if !near(d.RecommendedMarkdownPct, 0.20) {
		t.Fatalf("recommended markdown: got %v, want 0.20", d.RecommendedMarkdownPct)
	}
}

// Two consecutive weeks 30% over forecast re-forecast once per week, each
// revision higher than the last.
func TestSustainedVarianceReforecastsEachPeriod(t *testing.T) {
	ctx := context.Background()
	o := newPlanner(t, models.WorkflowOptions{
		SafetyStockPct:    models.Ptr(0.10),
		VarianceThreshold: 0.20,
		Elasticity:        2.0,
		ClusterCount:      2,
		ClusterSeed:       42,
	})

	stores := []string{"a", "b", "c", "d"}
	in := models.WorkflowInput{
		Category: "denim",
		Parameters: models.SeasonParameters{
			ForecastHorizonWeeks:  8,
			SeasonStartDate:       seasonStart,
			SeasonEndDate:         seasonStart.AddDate(0, 0, 56),
			ReplenishmentStrategy: models.ReplenishmentWeekly,
			DCHoldbackPercentage:  0.30,
		},
	}
	for i, id := range stores {
		in.Stores = append(in.Stores, models.Store{ID: id, Attributes: models.StoreAttributes{SizeSqFt: float64(1000 * (i + 1))}})
		for w := 1; w <= 8; w++ {
			in.History = append(in.History, models.SalesRecord{StoreID: id, Week: w, Units: 25})
		}
	}
	st, err := o.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sub, err := o.Subscribe(ctx, st.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if _, err := o.Start(ctx, st.ID, orchestrator.StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	st = waitIdle(t, o, st.ID)

	totals := []float64{}
	for week := 1; week <= 2; week++ {
		f, err := o.Forecast(ctx, st.ID)
		if err != nil {
			t.Fatalf("forecast: %v", err)
		}
		totals = append(totals, f.TotalSeasonDemand)
		// Each store sells 30% over its share of this week's forecast.
		perStore := 1.3 * f.WeeklyDemand(week) / float64(len(stores))
		var batch []orchestrator.ActualsInput
		for _, id := range stores {
			batch = append(batch, orchestrator.ActualsInput{StoreID: id, UnitsSold: perStore})
		}
		v, err := o.IngestActuals(ctx, st.ID, week, batch)
		if err != nil {
			t.Fatalf("week %d actuals: %v", week, err)
		}
		if v.Status != models.VarianceHigh || !near(v.VariancePct, 0.30) {
			t.Fatalf("week %d: got %s %.4f, want HIGH 0.30", week, v.Status, v.VariancePct)
		}
		if _, err := o.IngestActuals(ctx, st.ID, week, batch); err != nil {
			t.Fatalf("week %d resubmission: %v", week, err)
		}
		st = waitIdle(t, o, st.ID)
		if st, err = o.AdvanceWeek(ctx, st.ID); err != nil {
			t.Fatalf("advance week %d: %v", week, err)
		}
	}
	st = waitIdle(t, o, st.ID)
	f, err := o.Forecast(ctx, st.ID)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	totals = append(totals, f.TotalSeasonDemand)

	if st.ForecastRevision != 3 || len(st.VarianceTriggers) != 2 {
		t.Fatalf("expected revision 3 after two triggers, got revision %d with %d triggers", st.ForecastRevision, len(st.VarianceTriggers))
	}
	for i, tr := range st.VarianceTriggers {
		if tr.Period != i+1 || tr.FromRevision != i+1 || tr.ToRevision != i+2 {
			t.Fatalf("trigger %d: %+v", i, tr)
		}
	}
	for i := 1; i < len(totals); i++ {
		if totals[i] <= totals[i-1] {
			t.Fatalf("forecast totals should rise after each surge: %v", totals)
		}
	}

	reforecasts := 0
drain:
	for {
		select {
		case e := <-sub.C:
			if e.Type == events.TypeStageChanged && e.ToStage == models.StageReForecasting {
				reforecasts++
			}
		default:
			break drain
		}
	}
	if reforecasts != 2 {
		t.Fatalf("expected one re_forecasting transition per period, got %d", reforecasts)
	}
}
