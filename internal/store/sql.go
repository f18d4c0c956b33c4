package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

// Dialect captures the differences between the Postgres and SQLite backends.
type Dialect struct {
	Name          string
	jsonType      string
	timestampType string
	forUpdate     string
	numbered      bool
}

var (
	Postgres = Dialect{Name: "postgres", jsonType: "JSONB", timestampType: "TIMESTAMPTZ", forUpdate: " FOR UPDATE"}
	SQLite   = Dialect{Name: "sqlite", jsonType: "TEXT", timestampType: "TIMESTAMP", numbered: true}
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, e execer, query string, args ...interface{}) (sql.Result, error) {
	return e.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, e execer, query string, args ...interface{}) *sql.Row {
	return e.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func marshalPayload(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLStore) SaveWorkflow(ctx context.Context, w models.WorkflowState) error {
	payload, err := marshalPayload(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	const query = `
		INSERT INTO planner_workflows (id, category, stage, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET stage = EXCLUDED.stage, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.exec(ctx, s.db, query, w.ID.String(), w.Category, string(w.Stage), payload, w.CreatedAt, w.UpdatedAt); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id uuid.UUID) (models.WorkflowState, error) {
	var raw []byte
	const query = `SELECT state FROM planner_workflows WHERE id = $1`
	if err := s.queryRow(ctx, s.db, query, id.String()).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WorkflowState{}, ErrNotFound
		}
		return models.WorkflowState{}, fmt.Errorf("get workflow: %w", err)
	}
	var w models.WorkflowState
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.WorkflowState{}, fmt.Errorf("decode workflow: %w", err)
	}
	return w, nil
}

func (s *SQLStore) ListWorkflows(ctx context.Context, filter ListWorkflowsFilter) ([]models.WorkflowState, error) {
	query := `SELECT state FROM planner_workflows WHERE 1=1`
	args := []interface{}{}
	if len(filter.Stages) > 0 {
		marks := make([]string, len(filter.Stages))
		for i, stage := range filter.Stages {
			args = append(args, string(stage))
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND stage IN (" + strings.Join(marks, ",") + ")"
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []models.WorkflowState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var w models.WorkflowState
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveInputs(ctx context.Context, workflowID uuid.UUID, in models.WorkflowInput) error {
	payload, err := marshalPayload(in)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	const query = `
		INSERT INTO planner_workflow_inputs (workflow_id, payload, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (workflow_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.exec(ctx, s.db, query, workflowID.String(), payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("save inputs: %w", err)
	}
	return nil
}

func (s *SQLStore) GetInputs(ctx context.Context, workflowID uuid.UUID) (models.WorkflowInput, error) {
	const query = `SELECT payload FROM planner_workflow_inputs WHERE workflow_id = $1`
	var in models.WorkflowInput
	if err := s.getPayload(ctx, &in, "inputs", query, workflowID.String()); err != nil {
		return models.WorkflowInput{}, err
	}
	return in, nil
}

// CommitRevision writes a revision set in one transaction. The workflow row
// is locked first so concurrent commits for the same workflow serialize.
func (s *SQLStore) CommitRevision(ctx context.Context, in RevisionInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var locked string
	lockQuery := `SELECT id FROM planner_workflows WHERE id = $1` + s.dialect.forUpdate
	if err := s.queryRow(ctx, tx, lockQuery, in.WorkflowID.String()).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock workflow: %w", err)
	}

	var latestForecast, latestAllocation int
	if err := s.queryRow(ctx, tx, `SELECT COALESCE(MAX(revision), 0) FROM planner_forecast_revisions WHERE workflow_id = $1`, in.WorkflowID.String()).Scan(&latestForecast); err != nil {
		return fmt.Errorf("latest forecast revision: %w", err)
	}
	if err := s.queryRow(ctx, tx, `SELECT COALESCE(MAX(revision), 0) FROM planner_allocation_revisions WHERE workflow_id = $1`, in.WorkflowID.String()).Scan(&latestAllocation); err != nil {
		return fmt.Errorf("latest allocation revision: %w", err)
	}
	if err := checkRevision(in, latestForecast, latestAllocation); err != nil {
		return err
	}

	if f := in.Forecast; f != nil {
		payload, err := marshalPayload(f)
		if err != nil {
			return fmt.Errorf("marshal forecast: %w", err)
		}
		const insert = `
			INSERT INTO planner_forecast_revisions (workflow_id, revision, total_season_demand, payload, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`
		if _, err := s.exec(ctx, tx, insert, in.WorkflowID.String(), f.Revision, f.TotalSeasonDemand, payload, f.CreatedAt); err != nil {
			return fmt.Errorf("insert forecast revision: %w", err)
		}
	}
	if p := in.Allocation; p != nil {
		payload, err := marshalPayload(p)
		if err != nil {
			return fmt.Errorf("marshal allocation: %w", err)
		}
		const insert = `
			INSERT INTO planner_allocation_revisions (workflow_id, revision, forecast_revision, payload, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`
		if _, err := s.exec(ctx, tx, insert, in.WorkflowID.String(), p.Revision, p.ForecastRevision, payload, p.CreatedAt); err != nil {
			return fmt.Errorf("insert allocation revision: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision: %w", err)
	}
	return nil
}

func (s *SQLStore) LatestForecast(ctx context.Context, workflowID uuid.UUID) (models.CategoryForecast, error) {
	const query = `
		SELECT payload FROM planner_forecast_revisions
		WHERE workflow_id = $1
		ORDER BY revision DESC
		LIMIT 1
	`
	var f models.CategoryForecast
	if err := s.getPayload(ctx, &f, "forecast", query, workflowID.String()); err != nil {
		return models.CategoryForecast{}, err
	}
	return f, nil
}

func (s *SQLStore) GetForecast(ctx context.Context, workflowID uuid.UUID, revision int) (models.CategoryForecast, error) {
	const query = `SELECT payload FROM planner_forecast_revisions WHERE workflow_id = $1 AND revision = $2`
	var f models.CategoryForecast
	if err := s.getPayload(ctx, &f, "forecast", query, workflowID.String(), revision); err != nil {
		return models.CategoryForecast{}, err
	}
	return f, nil
}

func (s *SQLStore) LatestAllocation(ctx context.Context, workflowID uuid.UUID) (models.AllocationPlan, error) {
	const query = `
		SELECT payload FROM planner_allocation_revisions
		WHERE workflow_id = $1
		ORDER BY revision DESC
		LIMIT 1
	`
	var p models.AllocationPlan
	if err := s.getPayload(ctx, &p, "allocation", query, workflowID.String()); err != nil {
		return models.AllocationPlan{}, err
	}
	return p, nil
}

func (s *SQLStore) SaveMarkdown(ctx context.Context, d models.MarkdownDecision) error {
	payload, err := marshalPayload(d)
	if err != nil {
		return fmt.Errorf("marshal markdown: %w", err)
	}
	const query = `
		INSERT INTO planner_markdown_decisions (workflow_id, checkpoint_week, forecast_revision, payload, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (workflow_id, checkpoint_week, forecast_revision) DO UPDATE SET payload = EXCLUDED.payload
	`
	if _, err := s.exec(ctx, s.db, query, d.WorkflowID.String(), d.CheckpointWeek, d.ForecastRevision, payload, d.CreatedAt); err != nil {
		return fmt.Errorf("save markdown: %w", err)
	}
	return nil
}

func (s *SQLStore) LatestMarkdown(ctx context.Context, workflowID uuid.UUID) (models.MarkdownDecision, error) {
	const query = `
		SELECT payload FROM planner_markdown_decisions
		WHERE workflow_id = $1
		ORDER BY checkpoint_week DESC, forecast_revision DESC
		LIMIT 1
	`
	var d models.MarkdownDecision
	if err := s.getPayload(ctx, &d, "markdown", query, workflowID.String()); err != nil {
		return models.MarkdownDecision{}, err
	}
	return d, nil
}

// AppendActuals inserts records, skipping any (store, period) already
// recorded. It returns how many records were new.
func (s *SQLStore) AppendActuals(ctx context.Context, records []models.ActualsRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO planner_actuals (workflow_id, store_id, period, units_sold, recorded_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (workflow_id, store_id, period) DO NOTHING
	`
	accepted := 0
	for _, r := range records {
		res, err := s.exec(ctx, tx, query, r.WorkflowID.String(), r.StoreID, r.Period, r.UnitsSold, r.RecordedAt)
		if err != nil {
			return 0, fmt.Errorf("insert actuals: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			accepted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit actuals: %w", err)
	}
	return accepted, nil
}

func (s *SQLStore) ListActuals(ctx context.Context, workflowID uuid.UUID) ([]models.ActualsRecord, error) {
	const query = `
		SELECT store_id, period, units_sold, recorded_at
		FROM planner_actuals
		WHERE workflow_id = $1
		ORDER BY period, store_id
	`
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("list actuals: %w", err)
	}
	defer rows.Close()
	var out []models.ActualsRecord
	for rows.Next() {
		r := models.ActualsRecord{WorkflowID: workflowID}
		if err := rows.Scan(&r.StoreID, &r.Period, &r.UnitsSold, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan actuals: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actuals: %w", err)
	}
	return out, nil
}

func (s *SQLStore) AppendShipments(ctx context.Context, shipments []models.Shipment) error {
	if len(shipments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO planner_shipments (workflow_id, week, store_id, units, allocation_revision, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	for _, sh := range shipments {
		if _, err := s.exec(ctx, tx, query, sh.WorkflowID.String(), sh.Week, sh.StoreID, sh.Units, sh.AllocationRevision, sh.CreatedAt); err != nil {
			return fmt.Errorf("insert shipment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit shipments: %w", err)
	}
	return nil
}

func (s *SQLStore) ListShipments(ctx context.Context, workflowID uuid.UUID) ([]models.Shipment, error) {
	const query = `
		SELECT week, store_id, units, allocation_revision, created_at
		FROM planner_shipments
		WHERE workflow_id = $1
		ORDER BY week, store_id
	`
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	defer rows.Close()
	var out []models.Shipment
	for rows.Next() {
		sh := models.Shipment{WorkflowID: workflowID}
		if err := rows.Scan(&sh.Week, &sh.StoreID, &sh.Units, &sh.AllocationRevision, &sh.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan shipment: %w", err)
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shipments: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveVariance(ctx context.Context, v models.VarianceSummary) error {
	payload, err := marshalPayload(v)
	if err != nil {
		return fmt.Errorf("marshal variance: %w", err)
	}
	const query = `
		INSERT INTO planner_variance (workflow_id, period, payload, computed_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (workflow_id, period) DO UPDATE SET payload = EXCLUDED.payload, computed_at = EXCLUDED.computed_at
	`
	if _, err := s.exec(ctx, s.db, query, v.WorkflowID.String(), v.Period, payload, v.ComputedAt); err != nil {
		return fmt.Errorf("save variance: %w", err)
	}
	return nil
}

func (s *SQLStore) ListVariance(ctx context.Context, workflowID uuid.UUID) ([]models.VarianceSummary, error) {
	const query = `SELECT payload FROM planner_variance WHERE workflow_id = $1 ORDER BY period`
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("list variance: %w", err)
	}
	defer rows.Close()
	var out []models.VarianceSummary
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan variance: %w", err)
		}
		var v models.VarianceSummary
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode variance: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variance: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLStore) getPayload(ctx context.Context, dest interface{}, kind, query string, args ...interface{}) error {
	var raw []byte
	if err := s.queryRow(ctx, s.db, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", kind, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}
