package store

import (
	"context"
	"fmt"
	"strings"
)

// schema is written once for both dialects; {{json}} and {{ts}} are
// replaced with the dialect's column types.
const schema = `
CREATE TABLE IF NOT EXISTS planner_workflows (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	stage TEXT NOT NULL,
	state {{json}} NOT NULL,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS planner_workflows_stage_idx ON planner_workflows (stage);

CREATE TABLE IF NOT EXISTS planner_workflow_inputs (
	workflow_id TEXT PRIMARY KEY,
	payload {{json}} NOT NULL,
	updated_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS planner_forecast_revisions (
	workflow_id TEXT NOT NULL,
	revision INTEGER NOT NULL,
	total_season_demand DOUBLE PRECISION NOT NULL,
	payload {{json}} NOT NULL,
	created_at {{ts}} NOT NULL,
	PRIMARY KEY (workflow_id, revision)
);

CREATE TABLE IF NOT EXISTS planner_allocation_revisions (
	workflow_id TEXT NOT NULL,
	revision INTEGER NOT NULL,
	forecast_revision INTEGER NOT NULL,
	payload {{json}} NOT NULL,
	created_at {{ts}} NOT NULL,
	PRIMARY KEY (workflow_id, revision)
);

CREATE TABLE IF NOT EXISTS planner_markdown_decisions (
	workflow_id TEXT NOT NULL,
	checkpoint_week INTEGER NOT NULL,
	forecast_revision INTEGER NOT NULL,
	payload {{json}} NOT NULL,
	created_at {{ts}} NOT NULL,
	PRIMARY KEY (workflow_id, checkpoint_week, forecast_revision)
);

CREATE TABLE IF NOT EXISTS planner_actuals (
	workflow_id TEXT NOT NULL,
	store_id TEXT NOT NULL,
	period INTEGER NOT NULL,
	units_sold DOUBLE PRECISION NOT NULL,
	recorded_at {{ts}} NOT NULL,
	PRIMARY KEY (workflow_id, store_id, period)
);

CREATE TABLE IF NOT EXISTS planner_shipments (
	workflow_id TEXT NOT NULL,
	week INTEGER NOT NULL,
	store_id TEXT NOT NULL,
	units BIGINT NOT NULL,
	allocation_revision INTEGER NOT NULL,
	created_at {{ts}} NOT NULL,
	PRIMARY KEY (workflow_id, week, store_id)
);

CREATE TABLE IF NOT EXISTS planner_variance (
	workflow_id TEXT NOT NULL,
	period INTEGER NOT NULL,
	payload {{json}} NOT NULL,
	computed_at {{ts}} NOT NULL,
	PRIMARY KEY (workflow_id, period)
);
`

// Migrate creates the planner tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ddl := strings.NewReplacer("{{json}}", s.dialect.jsonType, "{{ts}}", s.dialect.timestampType).Replace(schema)
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
