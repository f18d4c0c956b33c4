package orchestrator

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/allocation"
	"github.com/ILLUVRSE/season-planner/internal/archive"
	"github.com/ILLUVRSE/season-planner/internal/events"
	"github.com/ILLUVRSE/season-planner/internal/forecast"
	"github.com/ILLUVRSE/season-planner/internal/markdown"
	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

const (
	ModifyTotalSeasonDemand = "total_season_demand"
	ModifySafetyStockPct    = "safety_stock_pct"
	ModifyMarkdownPct       = "markdown_pct"
)

var modifiable = map[string]string{
	models.ApprovalStageForecast:   ModifyTotalSeasonDemand,
	models.ApprovalStageAllocation: ModifySafetyStockPct,
	models.ApprovalStageMarkdown:   ModifyMarkdownPct,
}

// Approve resolves the pending approval. accept resumes with the proposed
// values; modify supplies the stage's one editable value first.
func (o *Orchestrator) Approve(ctx context.Context, id uuid.UUID, d models.ApprovalDecision) (models.WorkflowState, error) {
	switch d.Action {
	case models.ApprovalActionAccept:
		if len(d.Modifications) > 0 {
			return models.WorkflowState{}, fmt.Errorf("%w: accept takes no modifications", models.ErrInvalidParameters)
		}
	case models.ApprovalActionModify:
		if len(d.Modifications) == 0 {
			return models.WorkflowState{}, fmt.Errorf("%w: modify requires modifications", models.ErrInvalidParameters)
		}
	default:
		return models.WorkflowState{}, fmt.Errorf("%w: action must be accept or modify, got %q", models.ErrInvalidParameters, d.Action)
	}
	for k, v := range d.Modifications {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.WorkflowState{}, fmt.Errorf("%w: %s is not a number", models.ErrInvalidParameters, k)
		}
	}

	rt, err := o.runtime(ctx, id)
	if err != nil {
		return models.WorkflowState{}, err
	}
	var next func()
	var records []archive.Record
	st, err := o.update(ctx, rt, func(t *txn) error {
		pa := t.state.PendingApproval
		if t.state.Stage != models.StagePendingApproval || pa == nil {
			return models.ErrNoPendingApproval
		}
		value, modified, err := modification(pa.Stage, d)
		if err != nil {
			return err
		}
		t.state.PendingApproval = nil

		switch pa.Stage {
		case models.ApprovalStageForecast:
			if modified {
				f, err := o.reviseForecast(t, value)
				if err != nil {
					return err
				}
				records = append(records, archive.Record{WorkflowID: id, Kind: archive.KindForecast, Revision: f.Revision, Payload: f})
			}
			t.agent(models.AgentForecasting, models.AgentCompleted, "approved")
			next = func() { o.goBackground(rt, func() { o.runAllocation(rt) }) }
			err = t.transition(models.StageAllocating)

		case models.ApprovalStageAllocation:
			if modified {
				plan, err := o.reviseAllocation(t, value)
				if err != nil {
					return err
				}
				records = append(records, archive.Record{WorkflowID: id, Kind: archive.KindAllocation, Revision: plan.Revision, Payload: plan})
			} else {
				t.agent(models.AgentAllocation, models.AgentCompleted, "approved")
			}
			err = o.enterSeason(t)

		case models.ApprovalStageMarkdown:
			if modified {
				md, err := o.reviseMarkdown(t, value)
				if err != nil {
					return err
				}
				records = append(records, archive.Record{WorkflowID: id, Kind: archive.KindMarkdown, Revision: md.ForecastRevision, Payload: md})
			}
			t.agent(models.AgentMarkdown, models.AgentCompleted, "approved")
			err = t.transition(operatingStage(*t.state))

		default:
			return fmt.Errorf("%w: unknown approval stage %q", models.ErrInvalidParameters, pa.Stage)
		}
		if err != nil {
			return err
		}
		t.emit(events.AgentCompleted(id, models.AgentOrchestrator, map[string]interface{}{
			"approval_stage": pa.Stage,
			"action":         d.Action,
			"actor":          d.Actor,
			"modifications":  d.Modifications,
		}))
		return nil
	})
	if err != nil {
		o.failStage(rt, err)
		return models.WorkflowState{}, err
	}
	for _, rec := range records {
		o.archive(rt, rec)
	}
	if next != nil {
		next()
	}
	o.logger.Info("approval resolved", "workflow_id", id, "action", d.Action, "stage", st.Stage)
	return st, nil
}

func modification(stage string, d models.ApprovalDecision) (float64, bool, error) {
	if d.Action != models.ApprovalActionModify {
		return 0, false, nil
	}
	key := modifiable[stage]
	for k := range d.Modifications {
		if k != key {
			return 0, false, fmt.Errorf("%w: %s approval can only modify %s, got %s", models.ErrInvalidParameters, stage, key, k)
		}
	}
	return d.Modifications[key], true, nil
}

func (o *Orchestrator) reviseForecast(t *txn, total float64) (models.CategoryForecast, error) {
	latest, err := o.store.LatestForecast(t.ctx, t.rt.id)
	if err != nil {
		return models.CategoryForecast{}, fmt.Errorf("load forecast: %w", err)
	}
	f, err := forecast.Rescale(latest.Clone(), total)
	if err != nil {
		return models.CategoryForecast{}, err
	}
	f.Revision = latest.Revision + 1
	f.Reason = models.ForecastReasonApproval
	f.CreatedAt = o.now().UTC()
	if err := o.store.CommitRevision(t.ctx, store.RevisionInput{WorkflowID: t.rt.id, Forecast: &f}); err != nil {
		return models.CategoryForecast{}, err
	}
	t.state.ForecastRevision = f.Revision
	t.emit(events.AgentCompleted(t.rt.id, models.AgentForecasting, forecastSummary(f)))
	return f, nil
}

func (o *Orchestrator) reviseAllocation(t *txn, safetyStock float64) (models.AllocationPlan, error) {
	f, err := o.store.LatestForecast(t.ctx, t.rt.id)
	if err != nil {
		return models.AllocationPlan{}, fmt.Errorf("load forecast: %w", err)
	}
	plan, err := allocation.Allocate(f, safetyStock, t.state.Params.DCHoldbackPercentage)
	if err != nil {
		return models.AllocationPlan{}, err
	}
	if err := o.commitAllocation(t, &plan); err != nil {
		return models.AllocationPlan{}, err
	}
	t.state.Options.SafetyStockPct = models.Ptr(safetyStock)
	return plan, nil
}

func (o *Orchestrator) reviseMarkdown(t *txn, pct float64) (models.MarkdownDecision, error) {
	latest, err := o.store.LatestMarkdown(t.ctx, t.rt.id)
	if err != nil {
		return models.MarkdownDecision{}, fmt.Errorf("load markdown: %w", err)
	}
	d, err := markdown.Override(latest, pct, t.state.Options.UnitPrice)
	if err != nil {
		return models.MarkdownDecision{}, err
	}
	if err := o.store.SaveMarkdown(t.ctx, d); err != nil {
		return models.MarkdownDecision{}, err
	}
	t.emit(events.AgentCompleted(t.rt.id, models.AgentMarkdown, markdownSummary(d)))
	return d, nil
}
