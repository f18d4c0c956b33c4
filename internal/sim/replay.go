package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/orchestrator"
)

// Report summarizes a replayed season.
type Report struct {
	Scenario           string         `yaml:"scenario"`
	WorkflowID         string         `yaml:"workflow_id"`
	Stage              models.Stage   `yaml:"stage"`
	CurrentWeek        int            `yaml:"current_week"`
	LastError          string         `yaml:"last_error,omitempty"`
	Forecasts          []ForecastLine `yaml:"forecasts"`
	AllocationRevision int            `yaml:"allocation_revision"`
	ManufacturingUnits int64          `yaml:"manufacturing_units"`
	ShippedUnits       int64          `yaml:"shipped_units"`
	Variance           []VarianceLine `yaml:"variance"`
	Triggers           int            `yaml:"reforecast_triggers"`
	Markdown           *MarkdownLine  `yaml:"markdown,omitempty"`
	Approvals          []string       `yaml:"approvals,omitempty"`
}

type ForecastLine struct {
	Revision          int     `yaml:"revision"`
	Reason            string  `yaml:"reason"`
	TotalSeasonDemand float64 `yaml:"total_season_demand"`
	ObservedWeeks     int     `yaml:"observed_weeks"`
}

type VarianceLine struct {
	Period             int                   `yaml:"period"`
	ActualTotal        float64               `yaml:"actual_total"`
	ForecastTotal      float64               `yaml:"forecast_total"`
	VariancePct        float64               `yaml:"variance_pct"`
	Status             models.VarianceStatus `yaml:"status"`
	ReforecastRevision int                   `yaml:"reforecast_revision,omitempty"`
}

type MarkdownLine struct {
	CheckpointWeek         int     `yaml:"checkpoint_week"`
	SellThrough            float64 `yaml:"sell_through"`
	RecommendedMarkdownPct float64 `yaml:"recommended_markdown_pct"`
	Decision               string  `yaml:"decision"`
	Overridden             bool    `yaml:"overridden,omitempty"`
}

// Failed reports whether the workflow stopped in error.
func (r Report) Failed() bool {
	return r.Stage == models.StageError
}

type replay struct {
	o      *orchestrator.Orchestrator
	sc     Scenario
	id     uuid.UUID
	logger *slog.Logger
	report Report
	seen   map[int]bool
}

// Replay creates and starts a workflow for the scenario, answers approvals
// as scripted, and reports each scripted week before advancing. It stops
// early when the workflow completes or fails; a failed workflow is
// reported, not returned as an error.
func Replay(ctx context.Context, o *orchestrator.Orchestrator, sc Scenario, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := o.Create(ctx, sc.Input())
	if err != nil {
		return Report{}, err
	}
	r := &replay{
		o:      o,
		sc:     sc,
		id:     st.ID,
		logger: logger.With("scenario", sc.Name, "workflow_id", st.ID),
		report: Report{Scenario: sc.Name, WorkflowID: st.ID.String()},
		seen:   map[int]bool{},
	}

	if _, err := o.Start(ctx, r.id, orchestrator.StartOptions{}); err != nil {
		return Report{}, err
	}
	if st, err = r.settle(ctx); err != nil {
		return Report{}, err
	}

	for _, w := range sc.Weeks {
		if st.Stage.Terminal() || st.Stage == models.StageError {
			break
		}
		if w.Week != st.CurrentWeek {
			return Report{}, fmt.Errorf("scenario week %d: workflow is at week %d", w.Week, st.CurrentWeek)
		}
		f, err := o.Forecast(ctx, r.id)
		if err != nil {
			return Report{}, err
		}
		r.recordForecast(f)

		v, err := o.IngestActuals(ctx, r.id, w.Week, toInputs(w.actuals(f)))
		if err != nil {
			return Report{}, fmt.Errorf("week %d actuals: %w", w.Week, err)
		}
		r.logger.Info("week reported", "week", w.Week, "actual", v.ActualTotal, "forecast", v.ForecastTotal, "status", v.Status)
		if st, err = r.settle(ctx); err != nil {
			return Report{}, err
		}
		if st.Stage == models.StageError {
			break
		}

		if _, err := o.AdvanceWeek(ctx, r.id); err != nil {
			return Report{}, fmt.Errorf("advance week %d: %w", w.Week, err)
		}
		if st, err = r.settle(ctx); err != nil {
			return Report{}, err
		}
	}

	if err := r.finish(ctx, st); err != nil {
		return Report{}, err
	}
	return r.report, nil
}

// settle waits for background work and answers any approval it finds.
func (r *replay) settle(ctx context.Context) (models.WorkflowState, error) {
	for {
		if err := r.o.WaitIdle(ctx, r.id); err != nil {
			return models.WorkflowState{}, err
		}
		st, err := r.o.GetWorkflow(ctx, r.id)
		if err != nil {
			return models.WorkflowState{}, err
		}
		if st.ForecastRevision > 0 && !r.seen[st.ForecastRevision] {
			f, err := r.o.Forecast(ctx, r.id)
			if err != nil {
				return models.WorkflowState{}, err
			}
			r.recordForecast(f)
		}
		if st.Stage != models.StagePendingApproval || st.PendingApproval == nil {
			return st, nil
		}

		stage := st.PendingApproval.Stage
		d := models.ApprovalDecision{Action: models.ApprovalActionAccept, Actor: "planner-sim"}
		if scripted, ok := r.sc.Approvals.Decisions[stage]; ok {
			d = models.ApprovalDecision{Action: scripted.Action, Modifications: scripted.Modifications, Actor: scripted.Actor}
			if d.Actor == "" {
				d.Actor = "planner-sim"
			}
		}
		if _, err := r.o.Approve(ctx, r.id, d); err != nil {
			return models.WorkflowState{}, fmt.Errorf("%s approval: %w", stage, err)
		}
		r.report.Approvals = append(r.report.Approvals, stage+":"+d.Action)
		r.logger.Info("approval answered", "stage", stage, "action", d.Action)
	}
}

func (r *replay) recordForecast(f models.CategoryForecast) {
	if r.seen[f.Revision] {
		return
	}
	r.seen[f.Revision] = true
	r.report.Forecasts = append(r.report.Forecasts, ForecastLine{
		Revision:          f.Revision,
		Reason:            f.Reason,
		TotalSeasonDemand: f.TotalSeasonDemand,
		ObservedWeeks:     f.ObservedWeeks,
	})
}

func (r *replay) finish(ctx context.Context, st models.WorkflowState) error {
	r.report.Stage = st.Stage
	r.report.CurrentWeek = st.CurrentWeek
	r.report.AllocationRevision = st.AllocationRevision
	r.report.Triggers = len(st.VarianceTriggers)
	if st.LastError != nil {
		r.report.LastError = *st.LastError
	}

	plan, err := r.o.Allocation(ctx, r.id)
	switch {
	case err == nil:
		r.report.ManufacturingUnits = plan.ManufacturingUnits
	case !errors.Is(err, models.ErrNotFound):
		return err
	}

	shipments, err := r.o.Shipments(ctx, r.id)
	if err != nil {
		return err
	}
	for _, s := range shipments {
		r.report.ShippedUnits += s.Units
	}

	summaries, err := r.o.Variance(ctx, r.id)
	if err != nil {
		return err
	}
	for _, v := range summaries {
		r.report.Variance = append(r.report.Variance, VarianceLine{
			Period:             v.Period,
			ActualTotal:        v.ActualTotal,
			ForecastTotal:      v.ForecastTotal,
			VariancePct:        v.VariancePct,
			Status:             v.Status,
			ReforecastRevision: v.ReforecastRevision,
		})
	}

	md, err := r.o.Markdown(ctx, r.id)
	switch {
	case err == nil:
		r.report.Markdown = &MarkdownLine{
			CheckpointWeek:         md.CheckpointWeek,
			SellThrough:            md.SellThrough,
			RecommendedMarkdownPct: md.RecommendedMarkdownPct,
			Decision:               md.Decision,
			Overridden:             md.Overridden,
		}
	case !errors.Is(err, models.ErrNotFound):
		return err
	}
	return nil
}

func toInputs(records []models.SalesRecord) []orchestrator.ActualsInput {
	out := make([]orchestrator.ActualsInput, len(records))
	for i, rec := range records {
		out[i] = orchestrator.ActualsInput{StoreID: rec.StoreID, UnitsSold: rec.Units}
	}
	return out
}
