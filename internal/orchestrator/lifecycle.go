package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/events"
	"github.com/ILLUVRSE/season-planner/internal/forecast"
	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

var pipelineAgents = []string{
	models.AgentClustering,
	models.AgentForecasting,
	models.AgentAllocation,
	models.AgentReplenishment,
	models.AgentMarkdown,
	models.AgentVarianceMonitor,
}

// Create validates the input and stores a workflow in the created stage.
// Nothing runs until Start.
func (o *Orchestrator) Create(ctx context.Context, in models.WorkflowInput) (models.WorkflowState, error) {
	in = in.Clone()
	in.Category = strings.TrimSpace(in.Category)
	if in.Category == "" {
		return models.WorkflowState{}, fmt.Errorf("%w: category required", models.ErrInvalidParameters)
	}
	if err := in.Parameters.Validate(); err != nil {
		return models.WorkflowState{}, err
	}
	in.Options = in.Options.WithDefaults(o.defaults)
	if err := in.Options.Validate(); err != nil {
		return models.WorkflowState{}, err
	}
	if err := validateStores(in.Stores); err != nil {
		return models.WorkflowState{}, err
	}
	if err := validateHistory(in.History, in.Stores); err != nil {
		return models.WorkflowState{}, err
	}
	if err := forecast.ValidateCalendar(in.Calendar, in.Parameters.ForecastHorizonWeeks); err != nil {
		return models.WorkflowState{}, err
	}
	fillAverageSales(in.Stores, in.History)

	now := o.now().UTC()
	st := models.WorkflowState{
		ID:               uuid.New(),
		Category:         in.Category,
		Stage:            models.StageCreated,
		VarianceTriggers: []models.VarianceTrigger{},
		Params:           in.Parameters,
		Options:          in.Options,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, name := range pipelineAgents {
		st.Agent(name)
	}
	if !in.Parameters.HasMarkdownCheckpoint() {
		st.Agent(models.AgentMarkdown).Status = models.AgentSkipped
	}
	if in.Parameters.ReplenishmentStrategy == models.ReplenishmentNone {
		st.Agent(models.AgentReplenishment).Status = models.AgentSkipped
	}

	if err := o.store.SaveInputs(ctx, st.ID, in); err != nil {
		return models.WorkflowState{}, err
	}
	if err := o.store.SaveWorkflow(ctx, st); err != nil {
		return models.WorkflowState{}, err
	}
	o.logger.Info("workflow created", "workflow_id", st.ID, "category", st.Category, "stores", len(in.Stores))
	return st, nil
}

// StartOptions carry corrections for a restart from error. SeasonParameters
// are never changed.
type StartOptions struct {
	ClusterCount      int                  `json:"cluster_count,omitempty"`
	MinHistoryWeeks   int                  `json:"min_history_weeks,omitempty"`
	AdditionalHistory []models.SalesRecord `json:"additional_history,omitempty"`
}

func (s StartOptions) empty() bool {
	return s.ClusterCount == 0 && s.MinHistoryWeeks == 0 && len(s.AdditionalHistory) == 0
}

// Start launches the pipeline from created, or retries a workflow in error.
// It returns once the stage has been entered; the work runs in the
// background.
func (o *Orchestrator) Start(ctx context.Context, id uuid.UUID, opts StartOptions) (models.WorkflowState, error) {
	rt, err := o.runtime(ctx, id)
	if err != nil {
		return models.WorkflowState{}, err
	}
	var resume func()
	queued := false
	st, err := o.update(ctx, rt, func(t *txn) error {
		switch t.state.Stage {
		case models.StageCreated, models.StageError:
		default:
			return fmt.Errorf("%w: cannot start from %s", models.ErrInvalidTransition, t.state.Stage)
		}
		if !opts.empty() {
			if err := o.applyStartOptions(ctx, t.state, opts); err != nil {
				return err
			}
		}
		t.state.LastError = nil

		if t.state.CurrentWeek > 0 {
			// In-season failure: rerun any re-forecast that never landed,
			// otherwise resume the operating loop.
			if period, ok := unresolvedTrigger(*t.state); ok {
				from := t.state.ForecastRevision
				t.rt.reforecasts.add()
				queued = true
				resume = func() { o.goBackground(rt, func() { o.runReforecast(rt, period, from) }) }
				return t.transition(models.StageReForecasting)
			}
			return t.transition(operatingStage(*t.state))
		}

		for _, name := range []string{models.AgentClustering, models.AgentForecasting, models.AgentAllocation} {
			t.agent(name, models.AgentPending, "")
		}
		resume = func() { o.goBackground(rt, func() { o.runPipeline(rt) }) }
		return t.transition(models.StageForecasting)
	})
	if err != nil {
		if queued {
			rt.reforecasts.done()
		}
		return models.WorkflowState{}, err
	}
	if resume != nil {
		resume()
	}
	o.logger.Info("workflow started", "workflow_id", id, "stage", st.Stage)
	return st, nil
}

func (o *Orchestrator) applyStartOptions(ctx context.Context, st *models.WorkflowState, opts StartOptions) error {
	if opts.ClusterCount < 0 || opts.MinHistoryWeeks < 0 {
		return fmt.Errorf("%w: start options must be non-negative", models.ErrInvalidParameters)
	}
	in, err := o.store.GetInputs(ctx, st.ID)
	if err != nil {
		return err
	}
	if err := validateHistory(opts.AdditionalHistory, in.Stores); err != nil {
		return err
	}
	if opts.ClusterCount > 0 {
		in.Options.ClusterCount = opts.ClusterCount
		st.Options.ClusterCount = opts.ClusterCount
	}
	if opts.MinHistoryWeeks > 0 {
		in.Options.MinHistoryWeeks = opts.MinHistoryWeeks
		st.Options.MinHistoryWeeks = opts.MinHistoryWeeks
	}
	in.History = append(in.History, opts.AdditionalHistory...)
	return o.store.SaveInputs(ctx, st.ID, in)
}

// Cancel stops a workflow in any stage before complete. In-flight stage
// results are discarded; committed revisions stay as they are.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (models.WorkflowState, error) {
	rt, err := o.runtime(ctx, id)
	if err != nil {
		return models.WorkflowState{}, err
	}
	st, err := o.update(ctx, rt, func(t *txn) error {
		if t.state.Stage.Terminal() {
			return fmt.Errorf("%w: workflow already %s", models.ErrInvalidTransition, t.state.Stage)
		}
		for i := range t.state.Agents {
			switch t.state.Agents[i].Status {
			case models.AgentRunning, models.AgentAwaitingApproval:
				t.agent(t.state.Agents[i].Agent, models.AgentSkipped, "cancelled")
			}
		}
		t.state.PendingApproval = nil
		return t.transition(models.StageCancelled)
	})
	if err != nil {
		return models.WorkflowState{}, err
	}
	rt.cancel()
	o.logger.Info("workflow cancelled", "workflow_id", id)
	return st, nil
}

// GetWorkflow returns the stored state of a workflow.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id uuid.UUID) (models.WorkflowState, error) {
	return o.store.GetWorkflow(ctx, id)
}

func (o *Orchestrator) ListWorkflows(ctx context.Context, filter store.ListWorkflowsFilter) ([]models.WorkflowState, error) {
	return o.store.ListWorkflows(ctx, filter)
}

// Forecast returns the latest forecast revision.
func (o *Orchestrator) Forecast(ctx context.Context, id uuid.UUID) (models.CategoryForecast, error) {
	if _, err := o.store.GetWorkflow(ctx, id); err != nil {
		return models.CategoryForecast{}, err
	}
	return o.store.LatestForecast(ctx, id)
}

// Allocation returns the allocation plan built from the latest forecast.
func (o *Orchestrator) Allocation(ctx context.Context, id uuid.UUID) (models.AllocationPlan, error) {
	if _, err := o.store.GetWorkflow(ctx, id); err != nil {
		return models.AllocationPlan{}, err
	}
	return o.store.LatestAllocation(ctx, id)
}

// Markdown returns the checkpoint decision, or ErrNotFound before one is made.
func (o *Orchestrator) Markdown(ctx context.Context, id uuid.UUID) (models.MarkdownDecision, error) {
	st, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return models.MarkdownDecision{}, err
	}
	if !st.Params.HasMarkdownCheckpoint() {
		return models.MarkdownDecision{}, fmt.Errorf("%w: no markdown checkpoint configured", models.ErrNotFound)
	}
	return o.store.LatestMarkdown(ctx, id)
}

// Variance lists the weekly variance summaries in week order.
func (o *Orchestrator) Variance(ctx context.Context, id uuid.UUID) ([]models.VarianceSummary, error) {
	if _, err := o.store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	out, err := o.store.ListVariance(ctx, id)
	if out == nil && err == nil {
		out = []models.VarianceSummary{}
	}
	return out, err
}

func (o *Orchestrator) Shipments(ctx context.Context, id uuid.UUID) ([]models.Shipment, error) {
	if _, err := o.store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	out, err := o.store.ListShipments(ctx, id)
	if out == nil && err == nil {
		out = []models.Shipment{}
	}
	return out, err
}

// Subscribe attaches to a workflow's event stream. Only events published
// after the call are delivered.
func (o *Orchestrator) Subscribe(ctx context.Context, id uuid.UUID) (*events.Subscription, error) {
	if _, err := o.store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return o.broker.Subscribe(id), nil
}

func validateStores(stores []models.Store) error {
	if len(stores) == 0 {
		return fmt.Errorf("%w: at least one store required", models.ErrInvalidParameters)
	}
	seen := make(map[string]bool, len(stores))
	for _, s := range stores {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: store id required", models.ErrInvalidParameters)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate store %q", models.ErrInvalidParameters, s.ID)
		}
		seen[s.ID] = true
		if s.AvgWeeklySales < 0 || s.Attributes.SizeSqFt < 0 {
			return fmt.Errorf("%w: store %q has negative attributes", models.ErrInvalidParameters, s.ID)
		}
	}
	return nil
}

func validateHistory(history []models.SalesRecord, stores []models.Store) error {
	known := make(map[string]bool, len(stores))
	for _, s := range stores {
		known[s.ID] = true
	}
	for _, r := range history {
		if !known[r.StoreID] {
			return fmt.Errorf("%w: history references unknown store %q", models.ErrInvalidParameters, r.StoreID)
		}
		if r.Week < 1 {
			return fmt.Errorf("%w: history week must be >= 1, got %d", models.ErrInvalidParameters, r.Week)
		}
		if r.Units < 0 {
			return fmt.Errorf("%w: negative units for store %q week %d", models.ErrInvalidParameters, r.StoreID, r.Week)
		}
	}
	return nil
}

// fillAverageSales derives the clustering sales feature from history for
// stores that did not supply one.
func fillAverageSales(stores []models.Store, history []models.SalesRecord) {
	avg := forecast.AverageWeeklySales(history)
	for i := range stores {
		if stores[i].AvgWeeklySales == 0 {
			stores[i].AvgWeeklySales = avg[stores[i].ID]
		}
	}
}

func unresolvedTrigger(st models.WorkflowState) (int, bool) {
	for _, tr := range st.VarianceTriggers {
		if tr.ToRevision == 0 {
			return tr.Period, true
		}
	}
	return 0, false
}
