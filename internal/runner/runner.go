// Package runner advances workflows that opted into automatic week
// progression once the calendar reaches the next week and the current
// week's actuals are in.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

// Planner is the slice of the orchestrator the runner drives.
type Planner interface {
	ListWorkflows(ctx context.Context, filter store.ListWorkflowsFilter) ([]models.WorkflowState, error)
	Variance(ctx context.Context, id uuid.UUID) ([]models.VarianceSummary, error)
	AdvanceWeek(ctx context.Context, id uuid.UUID) (models.WorkflowState, error)
}

type Config struct {
	PollInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// RunWorker polls for due workflows until ctx is cancelled.
func RunWorker(ctx context.Context, p Planner, cfg Config) {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runner")

	for {
		if ctx.Err() != nil {
			return
		}
		advanced, err := ProcessDue(ctx, p, cfg.Now, logger)
		if err != nil {
			logger.Error("advance due workflows", "err", err)
		}
		if advanced > 0 {
			logger.Info("advanced workflows", "count", advanced)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// ProcessDue advances every auto-advance workflow whose next week has
// started and whose current week has actuals. It returns how many moved.
func ProcessDue(ctx context.Context, p Planner, now func() time.Time, logger *slog.Logger) (int, error) {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	candidates, err := p.ListWorkflows(ctx, store.ListWorkflowsFilter{
		Stages: []models.Stage{models.StageReplenishing, models.StageMarkdownPending},
		Limit:  1000,
	})
	if err != nil {
		return 0, err
	}

	advanced := 0
	var errs []error
	for _, w := range candidates {
		if ctx.Err() != nil {
			return advanced, ctx.Err()
		}
		if !w.Options.AutoAdvance || w.CurrentWeek < 1 {
			continue
		}
		if now().Before(w.Params.WeekStart(w.CurrentWeek + 1)) {
			continue
		}
		ready, err := actualsIn(ctx, p, w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ready {
			continue
		}
		st, err := p.AdvanceWeek(ctx, w.ID)
		switch {
		case err == nil:
			advanced++
			logger.Debug("workflow advanced", "workflow_id", w.ID, "week", st.CurrentWeek, "stage", st.Stage)
		case errors.Is(err, models.ErrActualsPending), errors.Is(err, models.ErrInvalidTransition):
			// Moved on since it was listed; the next poll sees the new state.
		default:
			errs = append(errs, err)
		}
	}
	return advanced, errors.Join(errs...)
}

func actualsIn(ctx context.Context, p Planner, w models.WorkflowState) (bool, error) {
	summaries, err := p.Variance(ctx, w.ID)
	if err != nil {
		return false, err
	}
	for _, v := range summaries {
		if v.Period == w.CurrentWeek {
			return true, nil
		}
	}
	return false, nil
}
