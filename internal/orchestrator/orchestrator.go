// Package orchestrator runs season-planning workflows: it sequences
// clustering, forecasting, allocation, replenishment and markdown, watches
// in-season variance, and publishes progress events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/approval"
	"github.com/ILLUVRSE/season-planner/internal/archive"
	"github.com/ILLUVRSE/season-planner/internal/events"
	"github.com/ILLUVRSE/season-planner/internal/forecast"
	"github.com/ILLUVRSE/season-planner/internal/metrics"
	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

// DefaultStageTimeout bounds a single agent run when Config.StageTimeout is zero.
const DefaultStageTimeout = 30 * time.Second

// Config wires an Orchestrator. Store is required; a nil Broker gets a
// sink-less one.
type Config struct {
	Store  store.Store
	Broker *events.Broker
	Engine *forecast.Engine
	// Policy decides which stages pause for approval; nil never pauses.
	Policy   approval.Policy
	Archiver archive.Archiver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Defaults models.WorkflowOptions
	// StageTimeout bounds each computational stage.
	StageTimeout time.Duration
	Now          func() time.Time
}

// Orchestrator drives workflows through their stages and serializes
// mutations per workflow.
type Orchestrator struct {
	store        store.Store
	broker       *events.Broker
	engine       *forecast.Engine
	policy       approval.Policy
	archiver     archive.Archiver
	metrics      *metrics.Metrics
	logger       *slog.Logger
	defaults     models.WorkflowOptions
	stageTimeout time.Duration
	now          func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	runtimes map[uuid.UUID]*runtime
}

// New validates cfg and returns a ready Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a store")
	}
	if cfg.Broker == nil {
		cfg.Broker = events.NewBroker()
	}
	if cfg.Engine == nil {
		cfg.Engine = forecast.NewEngine()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        cfg.Store,
		broker:       cfg.Broker,
		engine:       cfg.Engine,
		policy:       cfg.Policy,
		archiver:     cfg.Archiver,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		defaults:     cfg.Defaults,
		stageTimeout: cfg.StageTimeout,
		now:          cfg.Now,
		baseCtx:      ctx,
		stop:         stop,
		runtimes:     map[uuid.UUID]*runtime{},
	}, nil
}

// Close cancels in-flight stage work and waits for background goroutines.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// runtime is the in-process companion of one workflow's persisted state.
type runtime struct {
	id uuid.UUID
	// mu serializes every read-modify-write of the workflow state.
	mu sync.Mutex
	// reforecast allows one re-forecast at a time.
	reforecast sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	bg          tracker
	reforecasts tracker

	// finished is set once the workflow is complete or cancelled.
	finished atomic.Bool
}

// runtime returns the runtime of a stored workflow, registering it on first
// use. Complete and cancelled workflows get a detached runtime that is
// never registered.
func (o *Orchestrator) runtime(ctx context.Context, id uuid.UUID) (*runtime, error) {
	o.mu.Lock()
	rt, ok := o.runtimes[id]
	o.mu.Unlock()
	if ok {
		return rt, nil
	}
	st, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if rt, ok := o.runtimes[id]; ok {
		return rt, nil
	}
	rctx, cancel := context.WithCancel(o.baseCtx)
	rt = &runtime{id: id, ctx: rctx, cancel: cancel}
	if st.Stage.Terminal() {
		rt.finished.Store(true)
		cancel()
		return rt, nil
	}
	o.runtimes[id] = rt
	return rt, nil
}

// release drops a finished workflow's runtime and event sequence once its
// background work has drained.
func (o *Orchestrator) release(rt *runtime) {
	if !rt.finished.Load() || rt.bg.busy() || rt.reforecasts.busy() {
		return
	}
	o.mu.Lock()
	registered := o.runtimes[rt.id] == rt
	if registered {
		delete(o.runtimes, rt.id)
	}
	o.mu.Unlock()
	if !registered {
		return
	}
	rt.cancel()
	o.broker.Forget(rt.id)
}

// goBackground runs fn on its own goroutine, counted for WaitIdle and Close.
func (o *Orchestrator) goBackground(rt *runtime, fn func()) {
	rt.bg.add()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(rt)
		defer rt.bg.done()
		fn()
	}()
}

// WaitIdle blocks until the workflow has no background work running.
func (o *Orchestrator) WaitIdle(ctx context.Context, id uuid.UUID) error {
	rt, err := o.runtime(ctx, id)
	if err != nil {
		return err
	}
	return rt.bg.wait(ctx)
}

// tracker counts in-flight work and lets callers wait for it to drain.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

func (t *tracker) busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n > 0
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	ch := t.idle
	t.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stageError tags an engine failure with the agent that raised it. A
// stageError leaving a locked update moves the workflow to error.
type stageError struct {
	agent string
	err   error
}

func (e *stageError) Error() string { return e.agent + ": " + e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

// failStage records err against the workflow when it is a stageError.
func (o *Orchestrator) failStage(rt *runtime, err error) {
	var se *stageError
	if errors.As(err, &se) {
		o.fail(rt, se.agent, se.err)
	}
}

// errDiscarded marks stage results that arrived after the workflow moved on,
// typically because it was cancelled.
var errDiscarded = errors.New("stage result discarded")

// txn is one locked read-modify-write of a workflow. Events are published
// only if the state is saved.
type txn struct {
	ctx    context.Context
	o      *Orchestrator
	rt     *runtime
	state  *models.WorkflowState
	events []events.Event
}

func (t *txn) emit(e events.Event) {
	t.events = append(t.events, e)
}

func (t *txn) transition(to models.Stage) error {
	from := t.state.Stage
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	t.state.Stage = to
	t.emit(events.StageChanged(t.state.ID, from, to))
	return nil
}

func (t *txn) agent(name, status, message string) {
	a := t.state.Agent(name)
	now := t.o.now().UTC()
	switch status {
	case models.AgentRunning:
		a.StartedAt = &now
		a.FinishedAt = nil
	case models.AgentCompleted, models.AgentFailed, models.AgentSkipped:
		a.FinishedAt = &now
	}
	a.Status = status
	a.Message = message
}

// update loads the workflow under its lock, applies fn, and saves and
// publishes when fn succeeds.
func (o *Orchestrator) update(ctx context.Context, rt *runtime, fn func(t *txn) error) (models.WorkflowState, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st, err := o.store.GetWorkflow(ctx, rt.id)
	if err != nil {
		return models.WorkflowState{}, err
	}
	t := &txn{ctx: ctx, o: o, rt: rt, state: &st}
	if err := fn(t); err != nil {
		return models.WorkflowState{}, err
	}
	st.UpdatedAt = o.now().UTC()
	if err := o.store.SaveWorkflow(ctx, st); err != nil {
		return models.WorkflowState{}, fmt.Errorf("save workflow: %w", err)
	}
	for _, e := range t.events {
		o.broker.Publish(e)
	}
	if st.Stage.Terminal() {
		rt.finished.Store(true)
		o.release(rt)
	}
	return st.Clone(), nil
}

// fail moves the workflow to error and reports the failing agent. Results
// for cancelled workflows are dropped.
func (o *Orchestrator) fail(rt *runtime, agent string, cause error) {
	if errors.Is(cause, errDiscarded) {
		return
	}
	var se *stageError
	if errors.As(cause, &se) {
		agent, cause = se.agent, se.err
	}
	ctx := context.Background()
	_, err := o.update(ctx, rt, func(t *txn) error {
		if t.state.Stage.Terminal() || t.state.Stage == models.StageError {
			return errDiscarded
		}
		msg := cause.Error()
		t.state.LastError = &msg
		t.agent(agent, models.AgentFailed, msg)
		t.emit(events.Error(rt.id, agent, cause))
		return t.transition(models.StageError)
	})
	if err != nil && !errors.Is(err, errDiscarded) {
		o.logger.Error("record workflow failure", "workflow_id", rt.id, "agent", agent, "err", err)
		return
	}
	if err == nil {
		o.logger.Warn("workflow stage failed", "workflow_id", rt.id, "agent", agent, "err", cause)
	}
}

type stageResult[T any] struct {
	value T
	err   error
}

// runStage executes fn with the stage timeout. A stage that does not return
// in time fails with context.DeadlineExceeded even if fn ignores its context.
func runStage[T any](o *Orchestrator, rt *runtime, agent string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(rt.ctx, o.stageTimeout)
	defer cancel()
	start := o.now()
	done := make(chan stageResult[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- stageResult[T]{value: v, err: err}
	}()

	var res stageResult[T]
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	outcome := "success"
	switch {
	case res.err == nil:
	case errors.Is(res.err, context.DeadlineExceeded):
		outcome = "timeout"
		res.err = fmt.Errorf("%s did not finish within %s: %w", agent, o.stageTimeout, res.err)
	case errors.Is(res.err, context.Canceled):
		outcome = "cancelled"
		res.err = errDiscarded
	default:
		outcome = "error"
	}
	o.metrics.RecordStage(context.Background(), agent, outcome, o.now().Sub(start))
	return res.value, res.err
}

// archive uploads a committed artifact in the background. Failures are
// logged and never affect the workflow.
func (o *Orchestrator) archive(rt *runtime, rec archive.Record) {
	if o.archiver == nil {
		return
	}
	o.goBackground(rt, func() {
		ctx, cancel := context.WithTimeout(o.baseCtx, 30*time.Second)
		defer cancel()
		key, err := o.archiver.Archive(ctx, rec)
		if err != nil {
			o.logger.Warn("archive revision", "workflow_id", rec.WorkflowID, "kind", rec.Kind, "revision", rec.Revision, "err", err)
			return
		}
		o.logger.Debug("archived revision", "workflow_id", rec.WorkflowID, "key", key)
	})
}

func (o *Orchestrator) latestForecastRevision(ctx context.Context, id uuid.UUID) (int, error) {
	f, err := o.store.LatestForecast(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return f.Revision, err
}

func (o *Orchestrator) latestAllocationRevision(ctx context.Context, id uuid.UUID) (int, error) {
	p, err := o.store.LatestAllocation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return p.Revision, err
}

// Recover marks workflows whose stage work was lost with a previous process
// as failed so they can be restarted.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stuck, err := o.store.ListWorkflows(ctx, store.ListWorkflowsFilter{
		Stages: []models.Stage{models.StageForecasting, models.StageAllocating, models.StageReForecasting},
		Limit:  1000,
	})
	if err != nil {
		return 0, err
	}
	for _, w := range stuck {
		rt, err := o.runtime(ctx, w.ID)
		if err != nil {
			return 0, err
		}
		if rt.bg.busy() {
			continue
		}
		agent := models.AgentForecasting
		if w.Stage == models.StageAllocating {
			agent = models.AgentAllocation
		}
		o.fail(rt, agent, fmt.Errorf("%s interrupted by restart", w.Stage))
	}
	return len(stuck), nil
}
