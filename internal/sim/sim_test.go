package sim_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/season-planner/internal/approval"
	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/orchestrator"
	"github.com/ILLUVRSE/season-planner/internal/sim"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

func newOrchestrator(t *testing.T, sc sim.Scenario) *orchestrator.Orchestrator {
	t.Helper()
	policy, err := approval.NewStaticPolicy(sc.Approvals.Stages, sc.Approvals.MarkdownCeiling)
	require.NoError(t, err)
	o, err := orchestrator.New(orchestrator.Config{
		Store:  store.NewMemoryStore(),
		Policy: policy,
		Defaults: models.WorkflowOptions{
			SafetyStockPct:    models.Ptr(0.10),
			VarianceThreshold: 0.20,
			Elasticity:        2.0,
			ClusterCount:      3,
			ClusterSeed:       42,
		},
	})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func replay(t *testing.T, sc sim.Scenario) sim.Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	report, err := sim.Replay(ctx, newOrchestrator(t, sc), sc, nil)
	require.NoError(t, err)
	return report
}

func TestLoadScenarioFile(t *testing.T) {
	sc, err := sim.Load("testdata/outerwear.yaml")
	require.NoError(t, err)

	assert.Equal(t, "outerwear", sc.Category)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), sc.Season.Start.UTC())
	require.Len(t, sc.Stores, 4)
	assert.Equal(t, []string{"forecast"}, sc.Approvals.Stages)

	in := sc.Input()
	assert.Equal(t, models.ReplenishmentWeekly, in.Parameters.ReplenishmentStrategy)
	assert.Equal(t, sc.Season.Start.UTC().AddDate(0, 0, 28), in.Parameters.SeasonEndDate)
	assert.Len(t, in.History, 16, "four stores over a generated four-week season")
	assert.Equal(t, 2, in.Options.ClusterCount)
	assert.Nil(t, in.Options.SafetyStockPct, "omitted safety stock takes the planner default")

	zero, err := sim.Parse([]byte("category: x\nstores: [{id: a, weekly_units: 1}]\nseason: {horizon_weeks: 2}\noptions: {safety_stock_pct: 0}"))
	require.NoError(t, err)
	require.NotNil(t, zero.Input().Options.SafetyStockPct)
	assert.Zero(t, *zero.Input().Options.SafetyStockPct)
}

func TestReplayScenarioFile(t *testing.T) {
	sc, err := sim.Load("testdata/outerwear.yaml")
	require.NoError(t, err)

	report := replay(t, sc)
	assert.Equal(t, models.StageComplete, report.Stage)
	assert.Equal(t, 4, report.CurrentWeek)
	assert.Empty(t, report.LastError)
	assert.Equal(t, []string{"forecast:modify"}, report.Approvals)

	require.Len(t, report.Forecasts, 2)
	assert.Equal(t, models.ForecastReasonInitial, report.Forecasts[0].Reason)
	assert.InDelta(t, 160, report.Forecasts[0].TotalSeasonDemand, 1e-6)
	assert.Equal(t, models.ForecastReasonApproval, report.Forecasts[1].Reason)
	assert.InDelta(t, 200, report.Forecasts[1].TotalSeasonDemand, 1e-6)

	assert.Equal(t, int64(220), report.ManufacturingUnits)
	assert.Equal(t, report.ManufacturingUnits, report.ShippedUnits, "holdback fully replenished by the last week")
	require.Len(t, report.Variance, 4)
	for _, v := range report.Variance {
		assert.Equal(t, models.VarianceNormal, v.Status, "period %d", v.Period)
		assert.InDelta(t, 50, v.ActualTotal, 1e-6)
	}
	assert.Zero(t, report.Triggers)
	assert.Nil(t, report.Markdown)
}

const surgeScenario = `
name: surge
category: knitwear
season:
  horizon_weeks: 6
  start: 2026-09-07
options:
  cluster_count: 2
stores:
  - {id: a, size_sqft: 900, weekly_units: 20}
  - {id: b, size_sqft: 950, weekly_units: 20}
  - {id: c, size_sqft: 5000, weekly_units: 20}
weeks:
  - {week: 1, multiplier: 1.5}
  - {week: 2, units: {a: 20, b: 20, c: 20}}
`

func TestReplayReforecastsOnSurge(t *testing.T) {
	sc, err := sim.Parse([]byte(surgeScenario))
	require.NoError(t, err)

	report := replay(t, sc)
	assert.Equal(t, models.StageReplenishing, report.Stage, "replenishment none still operates in-season")
	assert.Equal(t, 3, report.CurrentWeek)
	assert.Equal(t, 1, report.Triggers)

	require.Len(t, report.Variance, 2)
	assert.Equal(t, models.VarianceHigh, report.Variance[0].Status)
	assert.InDelta(t, 0.5, report.Variance[0].VariancePct, 1e-9)
	assert.Equal(t, 2, report.Variance[0].ReforecastRevision)

	require.Len(t, report.Forecasts, 2)
	assert.Equal(t, models.ForecastReasonReforecast, report.Forecasts[1].Reason)
	assert.Equal(t, 1, report.Forecasts[1].ObservedWeeks)
	assert.NotEqual(t, models.VarianceHigh, report.Variance[1].Status, "week 2 is measured against the re-forecast")
}

func TestParseRejectsBadScenarios(t *testing.T) {
	cases := map[string]string{
		"no category":      "stores: [{id: a}]\nseason: {horizon_weeks: 2}",
		"no stores":        "category: x\nseason: {horizon_weeks: 2}",
		"weeks descending": "category: x\nstores: [{id: a}]\nseason: {horizon_weeks: 3}\nweeks: [{week: 2}, {week: 1}]",
		"week past season": "category: x\nstores: [{id: a}]\nseason: {horizon_weeks: 2}\nweeks: [{week: 3}]",
		"unknown approval": "category: x\nstores: [{id: a}]\nseason: {horizon_weeks: 2}\napprovals: {decisions: {pricing: {action: accept}}}",
		"bad action":       "category: x\nstores: [{id: a}]\nseason: {horizon_weeks: 2}\napprovals: {decisions: {forecast: {action: reject}}}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := sim.Parse([]byte(doc))
			assert.ErrorIs(t, err, models.ErrInvalidParameters)
		})
	}

	_, err := sim.Parse([]byte("category: [unterminated"))
	assert.Error(t, err)
}

func TestReplayStopsOnFailedWorkflow(t *testing.T) {
	sc, err := sim.Parse([]byte(surgeScenario))
	require.NoError(t, err)
	sc.History.Weeks = 2

	report := replay(t, sc)
	assert.True(t, report.Failed())
	assert.Contains(t, report.LastError, "insufficient history")
	assert.Empty(t, report.Variance)
}
