package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/allocation"
	"github.com/ILLUVRSE/season-planner/internal/archive"
	"github.com/ILLUVRSE/season-planner/internal/events"
	"github.com/ILLUVRSE/season-planner/internal/forecast"
	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

// ElevatedVariance is the floor of the ELEVATED band.
const ElevatedVariance = 0.10

// ActualsInput is one store's sales for the period being reported.
type ActualsInput struct {
	StoreID   string  `json:"store_id"`
	UnitsSold float64 `json:"units_sold"`
}

// IngestActuals records sales for period and recomputes its variance
// against the forecast revision that was current when the period's first
// batch arrived. A HIGH result launches one re-forecast per period.
func (o *Orchestrator) IngestActuals(ctx context.Context, id uuid.UUID, period int, records []ActualsInput) (models.VarianceSummary, error) {
	if len(records) == 0 {
		return models.VarianceSummary{}, fmt.Errorf("%w: no actuals supplied", models.ErrInvalidParameters)
	}
	for _, r := range records {
		if strings.TrimSpace(r.StoreID) == "" {
			return models.VarianceSummary{}, fmt.Errorf("%w: store_id required", models.ErrInvalidParameters)
		}
		if r.UnitsSold < 0 || math.IsNaN(r.UnitsSold) || math.IsInf(r.UnitsSold, 0) {
			return models.VarianceSummary{}, fmt.Errorf("%w: invalid units_sold for store %q", models.ErrInvalidParameters, r.StoreID)
		}
	}

	rt, err := o.runtime(ctx, id)
	if err != nil {
		return models.VarianceSummary{}, err
	}
	var summary models.VarianceSummary
	var launch func()
	queued := false
	_, err = o.update(ctx, rt, func(t *txn) error {
		if !inSeason(*t.state) {
			return fmt.Errorf("%w: actuals are accepted in season only, workflow is %s", models.ErrInvalidTransition, t.state.Stage)
		}
		if period < 1 || period > t.state.CurrentWeek {
			return fmt.Errorf("%w: period %d is not open, current week is %d", models.ErrInvalidParameters, period, t.state.CurrentWeek)
		}
		in, err := o.store.GetInputs(t.ctx, id)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(in.Stores))
		for _, s := range in.Stores {
			known[s.ID] = true
		}
		now := o.now().UTC()
		rows := make([]models.ActualsRecord, 0, len(records))
		for _, r := range records {
			if !known[r.StoreID] {
				return fmt.Errorf("%w: unknown store %q", models.ErrInvalidParameters, r.StoreID)
			}
			rows = append(rows, models.ActualsRecord{WorkflowID: id, StoreID: r.StoreID, Period: period, UnitsSold: r.UnitsSold, RecordedAt: now})
		}

		t.agent(models.AgentVarianceMonitor, models.AgentRunning, "")
		t.emit(events.AgentStarted(id, models.AgentVarianceMonitor))

		accepted, err := o.store.AppendActuals(t.ctx, rows)
		if err != nil {
			return err
		}
		prior, err := o.varianceFor(t.ctx, id, period)
		if err != nil {
			return err
		}
		baseline := t.state.ForecastRevision
		if prior != nil {
			baseline = prior.BaselineRevision
		}
		base, err := o.store.GetForecast(t.ctx, id, baseline)
		if err != nil {
			return fmt.Errorf("load baseline forecast: %w", err)
		}
		actuals, err := o.store.ListActuals(t.ctx, id)
		if err != nil {
			return err
		}
		actual := 0.0
		for _, a := range actuals {
			if a.Period == period {
				actual += a.UnitsSold
			}
		}
		expected := base.WeeklyDemand(period)
		v := Variance(actual, expected)
		status := Classify(v, t.state.Options.VarianceThreshold)

		summary = models.VarianceSummary{
			WorkflowID:          id,
			Period:              period,
			ActualTotal:         actual,
			ForecastTotal:       expected,
			VariancePct:         v,
			Status:              status,
			ReforecastTriggered: status == models.VarianceHigh,
			BaselineRevision:    baseline,
			Accepted:            accepted,
			Duplicates:          len(rows) - accepted,
			ComputedAt:          now,
		}
		if prior != nil {
			summary.Accepted += prior.Accepted
			summary.Duplicates += prior.Duplicates
			summary.ReforecastRevision = prior.ReforecastRevision
		}

		if status == models.VarianceHigh && !triggered(*t.state, period) {
			from := t.state.ForecastRevision
			t.state.VarianceTriggers = append(t.state.VarianceTriggers, models.VarianceTrigger{
				Period:       period,
				VariancePct:  v,
				FromRevision: from,
				TriggeredAt:  now,
			})
			rt.reforecasts.add()
			queued = true
			launch = func() { o.goBackground(rt, func() { o.runReforecast(rt, period, from) }) }
			switch t.state.Stage {
			case models.StageReplenishing, models.StageMarkdownPending:
				if err := t.transition(models.StageReForecasting); err != nil {
					return err
				}
			}
		}
		if err := o.store.SaveVariance(t.ctx, summary); err != nil {
			return err
		}
		t.agent(models.AgentVarianceMonitor, models.AgentCompleted, fmt.Sprintf("period %d %s", period, status))
		t.emit(events.AgentCompleted(id, models.AgentVarianceMonitor, map[string]interface{}{
			"period":               period,
			"actual_total":         actual,
			"forecast_total":       expected,
			"variance_pct":         v,
			"variance_status":      status,
			"reforecast_triggered": summary.ReforecastTriggered,
			"accepted":             accepted,
			"duplicates":           len(rows) - accepted,
		}))
		return nil
	})
	if err != nil {
		if queued {
			rt.reforecasts.done()
		}
		return models.VarianceSummary{}, err
	}
	if launch != nil {
		o.logger.Info("variance triggered re-forecast", "workflow_id", id, "period", period, "variance_pct", summary.VariancePct)
		launch()
	}
	return summary, nil
}

// Variance is |actual - forecast| / forecast. Sales against a zero forecast
// count as full variance.
func Variance(actual, forecast float64) float64 {
	if forecast <= 0 {
		if actual > 0 {
			return 1
		}
		return 0
	}
	return math.Abs(actual-forecast) / forecast
}

// Classify maps a variance ratio onto NORMAL, ELEVATED or HIGH.
func Classify(v, threshold float64) models.VarianceStatus {
	switch {
	case v > threshold:
		return models.VarianceHigh
	case v >= ElevatedVariance:
		return models.VarianceElevated
	default:
		return models.VarianceNormal
	}
}

func triggered(st models.WorkflowState, period int) bool {
	for _, tr := range st.VarianceTriggers {
		if tr.Period == period {
			return true
		}
	}
	return false
}

func (o *Orchestrator) varianceFor(ctx context.Context, id uuid.UUID, period int) (*models.VarianceSummary, error) {
	all, err := o.store.ListVariance(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Period == period {
			return &all[i], nil
		}
	}
	return nil, nil
}

// runReforecast rebuilds the forecast from history plus observed actuals
// and re-derives the allocation, committing both as one revision pair.
// Runs for the same workflow queue behind each other.
func (o *Orchestrator) runReforecast(rt *runtime, period, fromRevision int) {
	defer rt.reforecasts.done()
	if !rt.reforecast.TryLock() {
		o.logger.Debug("re-forecast queued", "workflow_id", rt.id, "period", period, "reason", models.ErrConcurrentReforecast)
		rt.reforecast.Lock()
	}
	defer rt.reforecast.Unlock()

	_, err := o.update(rt.ctx, rt, func(t *txn) error {
		if t.state.Stage.Terminal() || t.state.Stage == models.StageError {
			return errDiscarded
		}
		t.agent(models.AgentForecasting, models.AgentRunning, fmt.Sprintf("re-forecast for period %d", period))
		t.emit(events.AgentStarted(rt.id, models.AgentForecasting))
		return nil
	})
	if err != nil {
		o.fail(rt, models.AgentForecasting, err)
		return
	}

	var f models.CategoryForecast
	var plan models.AllocationPlan
	for attempt := 1; ; attempt++ {
		f, plan, err = o.reforecastOnce(rt)
		if isStale(err) && attempt < 2 {
			o.logger.Warn("re-forecast revision conflict, retrying", "workflow_id", rt.id, "period", period)
			continue
		}
		break
	}
	if err != nil {
		o.fail(rt, models.AgentForecasting, err)
		return
	}
	o.metrics.RecordReforecast(context.Background())

	_, err = o.update(context.Background(), rt, func(t *txn) error {
		if t.state.Stage.Terminal() || t.state.Stage == models.StageError {
			return errDiscarded
		}
		t.state.ForecastRevision = f.Revision
		t.state.AllocationRevision = plan.Revision
		for i := range t.state.VarianceTriggers {
			if t.state.VarianceTriggers[i].Period == period {
				t.state.VarianceTriggers[i].ToRevision = f.Revision
			}
		}
		v, err := o.varianceFor(t.ctx, rt.id, period)
		if err != nil {
			return err
		}
		if v != nil {
			v.ReforecastRevision = f.Revision
			if err := o.store.SaveVariance(t.ctx, *v); err != nil {
				return err
			}
		}

		summary := forecastSummary(f)
		summary["period"] = period
		summary["from_revision"] = fromRevision
		t.agent(models.AgentForecasting, models.AgentCompleted, fmt.Sprintf("revision %d", f.Revision))
		t.emit(events.AgentCompleted(rt.id, models.AgentForecasting, summary))
		t.agent(models.AgentAllocation, models.AgentCompleted, fmt.Sprintf("revision %d", plan.Revision))
		t.emit(events.AgentCompleted(rt.id, models.AgentAllocation, allocationSummary(plan)))

		// This run still holds its own slot in the tracker.
		if t.state.Stage == models.StageReForecasting && rt.reforecasts.count() == 1 {
			return t.transition(operatingStage(*t.state))
		}
		return nil
	})
	if err != nil {
		o.fail(rt, models.AgentForecasting, err)
		return
	}
	o.archive(rt, archive.Record{WorkflowID: rt.id, Kind: archive.KindForecast, Revision: f.Revision, Payload: f})
	o.archive(rt, archive.Record{WorkflowID: rt.id, Kind: archive.KindAllocation, Revision: plan.Revision, Payload: plan})
	o.logger.Info("re-forecast committed", "workflow_id", rt.id, "period", period,
		"from_revision", fromRevision, "forecast_revision", f.Revision, "total_season_demand", f.TotalSeasonDemand)
}

// reforecastOnce computes and commits one forecast and allocation pair on
// top of the latest revisions.
func (o *Orchestrator) reforecastOnce(rt *runtime) (models.CategoryForecast, models.AllocationPlan, error) {
	ctx := rt.ctx
	st, err := o.store.GetWorkflow(ctx, rt.id)
	if err != nil {
		return models.CategoryForecast{}, models.AllocationPlan{}, err
	}
	in, err := o.store.GetInputs(ctx, rt.id)
	if err != nil {
		return models.CategoryForecast{}, models.AllocationPlan{}, err
	}
	latest, err := o.store.LatestForecast(ctx, rt.id)
	if err != nil {
		return models.CategoryForecast{}, models.AllocationPlan{}, fmt.Errorf("load forecast: %w", err)
	}
	latestPlan, err := o.store.LatestAllocation(ctx, rt.id)
	if err != nil {
		return models.CategoryForecast{}, models.AllocationPlan{}, fmt.Errorf("load allocation: %w", err)
	}
	actuals, err := o.store.ListActuals(ctx, rt.id)
	if err != nil {
		return models.CategoryForecast{}, models.AllocationPlan{}, err
	}

	observed := make([]models.SalesRecord, 0, len(actuals))
	weeks := 0
	for _, a := range actuals {
		observed = append(observed, models.SalesRecord{StoreID: a.StoreID, Week: a.Period, Units: a.UnitsSold})
		if a.Period > weeks {
			weeks = a.Period
		}
	}
	clusterOf := map[string]string{}
	for _, c := range latest.Clusters {
		for _, sid := range c.StoreIDs {
			clusterOf[sid] = c.ID
		}
	}
	stores := make([]models.Store, len(in.Stores))
	for i, s := range in.Stores {
		s.ClusterID = clusterOf[s.ID]
		stores[i] = s
	}

	f, err := runStage(o, rt, models.AgentForecasting, func(ctx context.Context) (models.CategoryForecast, error) {
		return o.engine.Forecast(ctx, forecast.Input{
			Category:        in.Category,
			History:         in.History,
			Observed:        observed,
			ObservedWeeks:   weeks,
			Stores:          stores,
			Clusters:        latest.Clusters,
			Params:          st.Params,
			Calendar:        in.Calendar,
			MinHistoryWeeks: st.Options.MinHistoryWeeks,
			Progress:        o.progress(ctx, rt, models.AgentForecasting),
		})
	})
	if err != nil {
		return models.CategoryForecast{}, models.AllocationPlan{}, err
	}
	f.WorkflowID = rt.id
	f.Revision = latest.Revision + 1
	f.Reason = models.ForecastReasonReforecast

	plan, err := runStage(o, rt, models.AgentAllocation, func(ctx context.Context) (models.AllocationPlan, error) {
		return allocation.Allocate(f, latestPlan.SafetyStockPct, st.Params.DCHoldbackPercentage)
	})
	if err != nil {
		return models.CategoryForecast{}, models.AllocationPlan{}, err
	}
	plan.WorkflowID = rt.id
	plan.Revision = latestPlan.Revision + 1

	if err := o.store.CommitRevision(ctx, store.RevisionInput{WorkflowID: rt.id, Forecast: &f, Allocation: &plan}); err != nil {
		return models.CategoryForecast{}, models.AllocationPlan{}, err
	}
	return f, plan, nil
}

var errReforecastRunning = errors.New("re-forecast running")

// AdvanceWeek closes the current week and opens the next one, running its
// replenishment and markdown decisions. The current week's actuals must
// have been ingested. Closing the final week completes the workflow.
func (o *Orchestrator) AdvanceWeek(ctx context.Context, id uuid.UUID) (models.WorkflowState, error) {
	rt, err := o.runtime(ctx, id)
	if err != nil {
		return models.WorkflowState{}, err
	}
	for {
		if err := rt.reforecasts.wait(ctx); err != nil {
			return models.WorkflowState{}, err
		}
		st, err := o.update(ctx, rt, func(t *txn) error {
			switch t.state.Stage {
			case models.StageReplenishing, models.StageMarkdownPending:
			case models.StageReForecasting:
				if rt.reforecasts.busy() {
					return errReforecastRunning
				}
				return fmt.Errorf("%w: re-forecast was interrupted; restart the workflow", models.ErrInvalidTransition)
			default:
				return fmt.Errorf("%w: cannot advance from %s", models.ErrInvalidTransition, t.state.Stage)
			}
			week := t.state.CurrentWeek
			v, err := o.varianceFor(t.ctx, id, week)
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("%w: week %d", models.ErrActualsPending, week)
			}
			if week >= t.state.Params.ForecastHorizonWeeks {
				t.agent(models.AgentOrchestrator, models.AgentCompleted, "season complete")
				if err := t.transition(models.StageComplete); err != nil {
					return err
				}
				t.emit(events.WorkflowComplete(id))
				return nil
			}
			t.state.CurrentWeek = week + 1
			t.emit(events.AgentProgress(id, models.AgentOrchestrator,
				week*100/t.state.Params.ForecastHorizonWeeks, fmt.Sprintf("week %d opened", week+1)))
			return o.enterWeek(t, week+1)
		})
		if errors.Is(err, errReforecastRunning) {
			continue
		}
		if err != nil {
			o.failStage(rt, err)
			return models.WorkflowState{}, err
		}
		o.logger.Info("week advanced", "workflow_id", id, "week", st.CurrentWeek, "stage", st.Stage)
		return st, nil
	}
}
