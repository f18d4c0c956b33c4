package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

var ErrNotFound = models.ErrNotFound

// Store is the revision arena. Forecast and allocation revisions are
// append-only and keyed by (workflow id, revision); readers ask for the
// latest.
type Store interface {
	SaveWorkflow(ctx context.Context, w models.WorkflowState) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (models.WorkflowState, error)
	ListWorkflows(ctx context.Context, filter ListWorkflowsFilter) ([]models.WorkflowState, error)
	SaveInputs(ctx context.Context, workflowID uuid.UUID, in models.WorkflowInput) error
	GetInputs(ctx context.Context, workflowID uuid.UUID) (models.WorkflowInput, error)

	CommitRevision(ctx context.Context, in RevisionInput) error
	LatestForecast(ctx context.Context, workflowID uuid.UUID) (models.CategoryForecast, error)
	GetForecast(ctx context.Context, workflowID uuid.UUID, revision int) (models.CategoryForecast, error)
	LatestAllocation(ctx context.Context, workflowID uuid.UUID) (models.AllocationPlan, error)

	SaveMarkdown(ctx context.Context, d models.MarkdownDecision) error
	LatestMarkdown(ctx context.Context, workflowID uuid.UUID) (models.MarkdownDecision, error)

	AppendActuals(ctx context.Context, records []models.ActualsRecord) (int, error)
	ListActuals(ctx context.Context, workflowID uuid.UUID) ([]models.ActualsRecord, error)
	AppendShipments(ctx context.Context, shipments []models.Shipment) error
	ListShipments(ctx context.Context, workflowID uuid.UUID) ([]models.Shipment, error)

	SaveVariance(ctx context.Context, v models.VarianceSummary) error
	ListVariance(ctx context.Context, workflowID uuid.UUID) ([]models.VarianceSummary, error)

	Ping(ctx context.Context) error
}

// RevisionInput commits a forecast revision, an allocation revision, or
// both, atomically. Forecast.Revision must be the next forecast revision and
// Allocation must reference the forecast revision that is latest once the
// commit applies; otherwise ErrStaleRevision is returned and nothing is
// written.
type RevisionInput struct {
	WorkflowID uuid.UUID
	Forecast   *models.CategoryForecast
	Allocation *models.AllocationPlan
}

type ListWorkflowsFilter struct {
	Stages []models.Stage
	Limit  int
}

func (f ListWorkflowsFilter) matches(stage models.Stage) bool {
	if len(f.Stages) == 0 {
		return true
	}
	for _, s := range f.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// checkRevision validates a commit against the current latest revisions.
func checkRevision(in RevisionInput, latestForecast, latestAllocation int) error {
	if in.Forecast == nil && in.Allocation == nil {
		return fmt.Errorf("%w: empty revision commit", models.ErrInvalidParameters)
	}
	forecastRev := latestForecast
	if in.Forecast != nil {
		if in.Forecast.Revision != latestForecast+1 {
			return fmt.Errorf("%w: forecast revision %d, latest is %d", models.ErrStaleRevision, in.Forecast.Revision, latestForecast)
		}
		forecastRev = in.Forecast.Revision
	}
	if in.Allocation != nil {
		if in.Allocation.Revision != latestAllocation+1 {
			return fmt.Errorf("%w: allocation revision %d, latest is %d", models.ErrStaleRevision, in.Allocation.Revision, latestAllocation)
		}
		if in.Allocation.ForecastRevision != forecastRev {
			return fmt.Errorf("%w: allocation built from forecast revision %d, latest is %d", models.ErrStaleRevision, in.Allocation.ForecastRevision, forecastRev)
		}
	}
	return nil
}
