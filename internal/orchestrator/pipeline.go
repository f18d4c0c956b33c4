package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/season-planner/internal/allocation"
	"github.com/ILLUVRSE/season-planner/internal/approval"
	"github.com/ILLUVRSE/season-planner/internal/archive"
	"github.com/ILLUVRSE/season-planner/internal/clustering"
	"github.com/ILLUVRSE/season-planner/internal/events"
	"github.com/ILLUVRSE/season-planner/internal/forecast"
	"github.com/ILLUVRSE/season-planner/internal/markdown"
	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

// runPipeline runs clustering and the initial forecast, then allocation
// unless the forecast pauses for approval.
func (o *Orchestrator) runPipeline(rt *runtime) {
	ctx := rt.ctx
	in, err := o.store.GetInputs(ctx, rt.id)
	if err != nil {
		o.fail(rt, models.AgentOrchestrator, fmt.Errorf("load workflow inputs: %w", err))
		return
	}
	st, err := o.startAgent(rt, models.StageForecasting, models.AgentClustering)
	if err != nil {
		o.fail(rt, models.AgentClustering, err)
		return
	}

	clusters, err := runStage(o, rt, models.AgentClustering, func(ctx context.Context) (clustering.Result, error) {
		return clustering.Cluster(in.Stores, st.Options.ClusterCount, st.Options.ClusterSeed)
	})
	if err != nil {
		o.fail(rt, models.AgentClustering, err)
		return
	}
	_, err = o.update(ctx, rt, func(t *txn) error {
		if t.state.Stage != models.StageForecasting {
			return errDiscarded
		}
		sizes := make(map[string]interface{}, len(clusters.Clusters))
		for _, c := range clusters.Clusters {
			sizes[c.ID] = len(c.StoreIDs)
		}
		t.agent(models.AgentClustering, models.AgentCompleted, fmt.Sprintf("%d clusters", len(clusters.Clusters)))
		t.emit(events.AgentCompleted(rt.id, models.AgentClustering, map[string]interface{}{
			"clusters":      len(clusters.Clusters),
			"cluster_sizes": sizes,
		}))
		t.agent(models.AgentForecasting, models.AgentRunning, "")
		t.emit(events.AgentStarted(rt.id, models.AgentForecasting))
		return nil
	})
	if err != nil {
		o.fail(rt, models.AgentClustering, err)
		return
	}

	stores := make([]models.Store, len(in.Stores))
	for i, s := range in.Stores {
		s.ClusterID = clusters.ClusterOf(s.ID)
		stores[i] = s
	}
	f, err := runStage(o, rt, models.AgentForecasting, func(ctx context.Context) (models.CategoryForecast, error) {
		return o.engine.Forecast(ctx, forecast.Input{
			Category:        in.Category,
			History:         in.History,
			Stores:          stores,
			Clusters:        clusters.Clusters,
			Params:          st.Params,
			Calendar:        in.Calendar,
			MinHistoryWeeks: st.Options.MinHistoryWeeks,
			Progress:        o.progress(ctx, rt, models.AgentForecasting),
		})
	})
	if err != nil {
		o.fail(rt, models.AgentForecasting, err)
		return
	}

	st, err = o.update(ctx, rt, func(t *txn) error {
		if t.state.Stage != models.StageForecasting {
			return errDiscarded
		}
		latest, err := o.latestForecastRevision(t.ctx, rt.id)
		if err != nil {
			return err
		}
		f.WorkflowID = rt.id
		f.Revision = latest + 1
		f.Reason = models.ForecastReasonInitial
		if err := o.store.CommitRevision(t.ctx, store.RevisionInput{WorkflowID: rt.id, Forecast: &f}); err != nil {
			return err
		}
		t.state.ForecastRevision = f.Revision
		t.agent(models.AgentForecasting, models.AgentCompleted, fmt.Sprintf("revision %d", f.Revision))
		t.emit(events.AgentCompleted(rt.id, models.AgentForecasting, forecastSummary(f)))

		d, err := o.checkApproval(t.ctx, approval.Request{Stage: models.ApprovalStageForecast})
		if err != nil {
			return err
		}
		if d.Required {
			return t.pause(models.ApprovalStageForecast, models.AgentForecasting, models.StageAllocating, d.Reason, f)
		}
		return t.transition(models.StageAllocating)
	})
	if err != nil {
		o.fail(rt, models.AgentForecasting, err)
		return
	}
	o.archive(rt, archive.Record{WorkflowID: rt.id, Kind: archive.KindForecast, Revision: f.Revision, Payload: f})
	if st.Stage == models.StageAllocating {
		o.runAllocation(rt)
	}
}

// runAllocation derives and commits the allocation for the latest forecast,
// then enters the season unless the plan pauses for approval.
func (o *Orchestrator) runAllocation(rt *runtime) {
	ctx := rt.ctx
	st, err := o.startAgent(rt, models.StageAllocating, models.AgentAllocation)
	if err != nil {
		o.fail(rt, models.AgentAllocation, err)
		return
	}
	f, err := o.store.LatestForecast(ctx, rt.id)
	if err != nil {
		o.fail(rt, models.AgentAllocation, fmt.Errorf("load forecast: %w", err))
		return
	}
	plan, err := runStage(o, rt, models.AgentAllocation, func(ctx context.Context) (models.AllocationPlan, error) {
		return allocation.Allocate(f, st.Options.SafetyStock(), st.Params.DCHoldbackPercentage)
	})
	if err != nil {
		o.fail(rt, models.AgentAllocation, err)
		return
	}

	_, err = o.update(ctx, rt, func(t *txn) error {
		if t.state.Stage != models.StageAllocating {
			return errDiscarded
		}
		if err := o.commitAllocation(t, &plan); err != nil {
			return err
		}
		d, err := o.checkApproval(t.ctx, approval.Request{Stage: models.ApprovalStageAllocation})
		if err != nil {
			return err
		}
		if d.Required {
			return t.pause(models.ApprovalStageAllocation, models.AgentAllocation, models.StageReplenishing, d.Reason, plan)
		}
		return o.enterSeason(t)
	})
	if err != nil {
		o.fail(rt, models.AgentAllocation, err)
		return
	}
	o.archive(rt, archive.Record{WorkflowID: rt.id, Kind: archive.KindAllocation, Revision: plan.Revision, Payload: plan})
}

// commitAllocation stores plan as the next allocation revision.
func (o *Orchestrator) commitAllocation(t *txn, plan *models.AllocationPlan) error {
	latest, err := o.latestAllocationRevision(t.ctx, t.rt.id)
	if err != nil {
		return err
	}
	plan.WorkflowID = t.rt.id
	plan.Revision = latest + 1
	if err := o.store.CommitRevision(t.ctx, store.RevisionInput{WorkflowID: t.rt.id, Allocation: plan}); err != nil {
		return err
	}
	t.state.AllocationRevision = plan.Revision
	t.agent(models.AgentAllocation, models.AgentCompleted, fmt.Sprintf("revision %d", plan.Revision))
	t.emit(events.AgentCompleted(t.rt.id, models.AgentAllocation, allocationSummary(*plan)))
	return nil
}

// enterSeason ships initial allocations and opens week 1.
func (o *Orchestrator) enterSeason(t *txn) error {
	plan, err := o.store.LatestAllocation(t.ctx, t.rt.id)
	if err != nil {
		return fmt.Errorf("load allocation: %w", err)
	}
	now := o.now().UTC()
	shipments := make([]models.Shipment, 0, len(plan.Stores))
	for _, s := range plan.Stores {
		shipments = append(shipments, models.Shipment{
			WorkflowID:         t.rt.id,
			Week:               1,
			StoreID:            s.StoreID,
			Units:              s.InitialAllocation,
			AllocationRevision: plan.Revision,
			CreatedAt:          now,
		})
	}
	if err := o.store.AppendShipments(t.ctx, shipments); err != nil {
		return err
	}
	t.state.CurrentWeek = 1
	return o.enterWeek(t, 1)
}

// enterWeek runs the start-of-week decisions for week and settles the
// operating stage.
func (o *Orchestrator) enterWeek(t *txn, week int) error {
	var pending *approval.Decision
	var proposal models.MarkdownDecision
	if cp := t.state.Params.MarkdownCheckpointWeek; t.state.Params.HasMarkdownCheckpoint() && *cp == week && t.state.MarkdownWeek == 0 {
		d, err := o.decideMarkdown(t, week)
		if err != nil {
			return err
		}
		a, err := o.checkApproval(t.ctx, approval.Request{
			Stage:       models.ApprovalStageMarkdown,
			MarkdownPct: d.RecommendedMarkdownPct,
			Decision:    d.Decision,
		})
		if err != nil {
			return err
		}
		if a.Required {
			pending, proposal = &a, d
		}
	}
	if t.state.Params.ReplenishmentDue(week) {
		if err := o.replenish(t, week); err != nil {
			return err
		}
	}
	if pending != nil {
		return t.pause(models.ApprovalStageMarkdown, models.AgentMarkdown, models.StageReplenishing, pending.Reason, proposal)
	}
	return t.transition(operatingStage(*t.state))
}

// decideMarkdown sizes the checkpoint markdown from sales before week.
func (o *Orchestrator) decideMarkdown(t *txn, week int) (models.MarkdownDecision, error) {
	t.agent(models.AgentMarkdown, models.AgentRunning, "")
	t.emit(events.AgentStarted(t.rt.id, models.AgentMarkdown))

	plan, err := o.store.LatestAllocation(t.ctx, t.rt.id)
	if err != nil {
		return models.MarkdownDecision{}, fmt.Errorf("load allocation: %w", err)
	}
	actuals, err := o.store.ListActuals(t.ctx, t.rt.id)
	if err != nil {
		return models.MarkdownDecision{}, err
	}
	sold := 0.0
	for _, a := range actuals {
		if a.Period < week {
			sold += a.UnitsSold
		}
	}
	d, err := markdown.Decide(markdown.Input{
		CheckpointWeek:     week,
		ForecastRevision:   t.state.ForecastRevision,
		Threshold:          *t.state.Params.MarkdownThreshold,
		CumulativeSold:     sold,
		ManufacturingOrder: plan.ManufacturingOrder,
		Elasticity:         t.state.Options.Elasticity,
		UnitPrice:          t.state.Options.UnitPrice,
	})
	if err != nil {
		return models.MarkdownDecision{}, &stageError{agent: models.AgentMarkdown, err: err}
	}
	d.WorkflowID = t.rt.id
	if err := o.store.SaveMarkdown(t.ctx, d); err != nil {
		return models.MarkdownDecision{}, err
	}
	t.state.MarkdownWeek = week
	t.agent(models.AgentMarkdown, models.AgentCompleted, d.Decision)
	t.emit(events.AgentCompleted(t.rt.id, models.AgentMarkdown, markdownSummary(d)))
	o.archive(t.rt, archive.Record{WorkflowID: t.rt.id, Kind: archive.KindMarkdown, Revision: d.ForecastRevision, Payload: d})
	return d, nil
}

// replenish ships top-ups for week from each store's remaining holdback.
// Shipments already sent are not reconciled against a newer plan.
func (o *Orchestrator) replenish(t *txn, week int) error {
	t.agent(models.AgentReplenishment, models.AgentRunning, "")
	t.emit(events.AgentStarted(t.rt.id, models.AgentReplenishment))

	plan, err := o.store.LatestAllocation(t.ctx, t.rt.id)
	if err != nil {
		return fmt.Errorf("load allocation: %w", err)
	}
	actuals, err := o.store.ListActuals(t.ctx, t.rt.id)
	if err != nil {
		return err
	}
	shipped, err := o.store.ListShipments(t.ctx, t.rt.id)
	if err != nil {
		return err
	}
	sold := map[string]float64{}
	for _, a := range actuals {
		sold[a.StoreID] += a.UnitsSold
	}
	onOrder := map[string]int64{}
	replenished := map[string]int64{}
	for _, s := range shipped {
		onOrder[s.StoreID] += s.Units
		if s.Week > 1 {
			replenished[s.StoreID] += s.Units
		}
	}

	remainingPeriods := t.state.Params.ForecastHorizonWeeks - week + 1
	now := o.now().UTC()
	var out []models.Shipment
	var units int64
	for _, s := range plan.Stores {
		remaining := float64(s.SeasonAllocation) - sold[s.StoreID]
		if remaining < 0 {
			remaining = 0
		}
		qty, err := allocation.Replenish(allocation.ReplenishInput{
			StoreID:                   s.StoreID,
			CurrentInventory:          float64(onOrder[s.StoreID]) - sold[s.StoreID],
			RemainingSeasonAllocation: remaining,
			RemainingPeriods:          remainingPeriods,
			HoldbackRemaining:         s.DCHoldback - replenished[s.StoreID],
		})
		if err != nil {
			return &stageError{agent: models.AgentReplenishment, err: err}
		}
		if qty == 0 {
			continue
		}
		units += qty
		out = append(out, models.Shipment{
			WorkflowID:         t.rt.id,
			Week:               week,
			StoreID:            s.StoreID,
			Units:              qty,
			AllocationRevision: plan.Revision,
			CreatedAt:          now,
		})
	}
	if err := o.store.AppendShipments(t.ctx, out); err != nil {
		return err
	}
	t.agent(models.AgentReplenishment, models.AgentCompleted, fmt.Sprintf("week %d: %d units", week, units))
	t.emit(events.AgentCompleted(t.rt.id, models.AgentReplenishment, map[string]interface{}{
		"week":                week,
		"shipments":           len(out),
		"units":               units,
		"allocation_revision": plan.Revision,
	}))
	return nil
}

// pause parks the workflow until Approve is called for stage.
func (t *txn) pause(stage, agent string, resume models.Stage, reason string, proposal interface{}) error {
	raw, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	t.state.PendingApproval = &models.PendingApproval{
		Stage:       stage,
		ResumeStage: resume,
		Reason:      reason,
		Proposal:    raw,
		RequestedAt: t.o.now().UTC(),
	}
	t.agent(agent, models.AgentAwaitingApproval, reason)
	t.emit(events.HumanInputRequired(t.rt.id, agent, fmt.Sprintf("%s approval required: %s", stage, reason)))
	return t.transition(models.StagePendingApproval)
}

func (o *Orchestrator) checkApproval(ctx context.Context, req approval.Request) (approval.Decision, error) {
	if o.policy == nil {
		return approval.Decision{}, nil
	}
	return o.policy.Check(ctx, req)
}

// startAgent marks agent running provided the workflow is still in stage.
func (o *Orchestrator) startAgent(rt *runtime, stage models.Stage, agent string) (models.WorkflowState, error) {
	return o.update(rt.ctx, rt, func(t *txn) error {
		if t.state.Stage != stage {
			return errDiscarded
		}
		t.agent(agent, models.AgentRunning, "")
		t.emit(events.AgentStarted(rt.id, agent))
		return nil
	})
}

// progress forwards engine progress as agent_progress events until the
// stage context ends.
func (o *Orchestrator) progress(ctx context.Context, rt *runtime, agent string) func(int, string) {
	return func(percent int, message string) {
		if ctx.Err() != nil {
			return
		}
		o.broker.Publish(events.AgentProgress(rt.id, agent, percent, message))
	}
}

func forecastSummary(f models.CategoryForecast) map[string]interface{} {
	return map[string]interface{}{
		"revision":             f.Revision,
		"reason":               f.Reason,
		"total_season_demand":  f.TotalSeasonDemand,
		"cluster_distribution": f.ClusterDistribution,
		"strategy_totals":      f.StrategyTotals,
		"observed_weeks":       f.ObservedWeeks,
	}
}

func allocationSummary(p models.AllocationPlan) map[string]interface{} {
	var initial, holdback int64
	for _, s := range p.Stores {
		initial += s.InitialAllocation
		holdback += s.DCHoldback
	}
	return map[string]interface{}{
		"revision":            p.Revision,
		"forecast_revision":   p.ForecastRevision,
		"manufacturing_order": p.ManufacturingOrder,
		"manufacturing_units": p.ManufacturingUnits,
		"initial_units":       initial,
		"dc_holdback_units":   holdback,
		"stores":              len(p.Stores),
	}
}

func markdownSummary(d models.MarkdownDecision) map[string]interface{} {
	return map[string]interface{}{
		"checkpoint_week":          d.CheckpointWeek,
		"sell_through":             d.SellThrough,
		"gap":                      d.Gap,
		"recommended_markdown_pct": d.RecommendedMarkdownPct,
		"decision":                 d.Decision,
		"overridden":               d.Overridden,
	}
}

func isStale(err error) bool {
	return errors.Is(err, models.ErrStaleRevision)
}
