package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

type actualsKey struct {
	storeID string
	period  int
}

type markdownKey struct {
	week     int
	revision int
}

type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[uuid.UUID]models.WorkflowState
	inputs      map[uuid.UUID]models.WorkflowInput
	forecasts   map[uuid.UUID][]models.CategoryForecast
	allocations map[uuid.UUID][]models.AllocationPlan
	markdowns   map[uuid.UUID]map[markdownKey]models.MarkdownDecision
	actuals     map[uuid.UUID]map[actualsKey]models.ActualsRecord
	shipments   map[uuid.UUID][]models.Shipment
	variance    map[uuid.UUID]map[int]models.VarianceSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   map[uuid.UUID]models.WorkflowState{},
		inputs:      map[uuid.UUID]models.WorkflowInput{},
		forecasts:   map[uuid.UUID][]models.CategoryForecast{},
		allocations: map[uuid.UUID][]models.AllocationPlan{},
		markdowns:   map[uuid.UUID]map[markdownKey]models.MarkdownDecision{},
		actuals:     map[uuid.UUID]map[actualsKey]models.ActualsRecord{},
		shipments:   map[uuid.UUID][]models.Shipment{},
		variance:    map[uuid.UUID]map[int]models.VarianceSummary{},
	}
}

func (m *MemoryStore) SaveWorkflow(ctx context.Context, w models.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = w.Clone()
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id uuid.UUID) (models.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return models.WorkflowState{}, ErrNotFound
	}
	return w.Clone(), nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, filter ListWorkflowsFilter) ([]models.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WorkflowState
	for _, w := range m.workflows {
		if filter.matches(w.Stage) {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveInputs(ctx context.Context, workflowID uuid.UUID, in models.WorkflowInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[workflowID] = in.Clone()
	return nil
}

func (m *MemoryStore) GetInputs(ctx context.Context, workflowID uuid.UUID) (models.WorkflowInput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.inputs[workflowID]
	if !ok {
		return models.WorkflowInput{}, ErrNotFound
	}
	return in.Clone(), nil
}

func (m *MemoryStore) CommitRevision(ctx context.Context, in RevisionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRevision(in, len(m.forecasts[in.WorkflowID]), len(m.allocations[in.WorkflowID])); err != nil {
		return err
	}
	if in.Forecast != nil {
		m.forecasts[in.WorkflowID] = append(m.forecasts[in.WorkflowID], in.Forecast.Clone())
	}
	if in.Allocation != nil {
		m.allocations[in.WorkflowID] = append(m.allocations[in.WorkflowID], in.Allocation.Clone())
	}
	return nil
}

func (m *MemoryStore) LatestForecast(ctx context.Context, workflowID uuid.UUID) (models.CategoryForecast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	revs := m.forecasts[workflowID]
	if len(revs) == 0 {
		return models.CategoryForecast{}, ErrNotFound
	}
	return revs[len(revs)-1].Clone(), nil
}

func (m *MemoryStore) GetForecast(ctx context.Context, workflowID uuid.UUID, revision int) (models.CategoryForecast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	revs := m.forecasts[workflowID]
	if revision < 1 || revision > len(revs) {
		return models.CategoryForecast{}, ErrNotFound
	}
	return revs[revision-1].Clone(), nil
}

func (m *MemoryStore) LatestAllocation(ctx context.Context, workflowID uuid.UUID) (models.AllocationPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	revs := m.allocations[workflowID]
	if len(revs) == 0 {
		return models.AllocationPlan{}, ErrNotFound
	}
	return revs[len(revs)-1].Clone(), nil
}

func (m *MemoryStore) SaveMarkdown(ctx context.Context, d models.MarkdownDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.markdowns[d.WorkflowID]
	if !ok {
		byKey = map[markdownKey]models.MarkdownDecision{}
		m.markdowns[d.WorkflowID] = byKey
	}
	byKey[markdownKey{week: d.CheckpointWeek, revision: d.ForecastRevision}] = d
	return nil
}

func (m *MemoryStore) LatestMarkdown(ctx context.Context, workflowID uuid.UUID) (models.MarkdownDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.MarkdownDecision
		found  bool
	)
	for key, d := range m.markdowns[workflowID] {
		if !found || key.week > latest.CheckpointWeek ||
			(key.week == latest.CheckpointWeek && key.revision > latest.ForecastRevision) {
			latest, found = d, true
		}
	}
	if !found {
		return models.MarkdownDecision{}, ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) AppendActuals(ctx context.Context, records []models.ActualsRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accepted := 0
	for _, r := range records {
		byKey, ok := m.actuals[r.WorkflowID]
		if !ok {
			byKey = map[actualsKey]models.ActualsRecord{}
			m.actuals[r.WorkflowID] = byKey
		}
		key := actualsKey{storeID: r.StoreID, period: r.Period}
		if _, exists := byKey[key]; exists {
			continue
		}
		byKey[key] = r
		accepted++
	}
	return accepted, nil
}

func (m *MemoryStore) ListActuals(ctx context.Context, workflowID uuid.UUID) ([]models.ActualsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ActualsRecord, 0, len(m.actuals[workflowID]))
	for _, r := range m.actuals[workflowID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return out[i].StoreID < out[j].StoreID
	})
	return out, nil
}

func (m *MemoryStore) AppendShipments(ctx context.Context, shipments []models.Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range shipments {
		m.shipments[s.WorkflowID] = append(m.shipments[s.WorkflowID], s)
	}
	return nil
}

func (m *MemoryStore) ListShipments(ctx context.Context, workflowID uuid.UUID) ([]models.Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Shipment(nil), m.shipments[workflowID]...), nil
}

func (m *MemoryStore) SaveVariance(ctx context.Context, v models.VarianceSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPeriod, ok := m.variance[v.WorkflowID]
	if !ok {
		byPeriod = map[int]models.VarianceSummary{}
		m.variance[v.WorkflowID] = byPeriod
	}
	byPeriod[v.Period] = v
	return nil
}

func (m *MemoryStore) ListVariance(ctx context.Context, workflowID uuid.UUID) ([]models.VarianceSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.VarianceSummary, 0, len(m.variance[workflowID]))
	for _, v := range m.variance[workflowID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
