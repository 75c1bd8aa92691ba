// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Shaman Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// PostgresGateway is grounded on the teacher's pkg/agent/task_service_sql.go
// (multi-dialect database/sql task store keyed by a single createTableSQL
// schema) generalized to the full Run/Step/Message/ToolCall/RunData schema,
// with every statement predicated on org_id. It uses pgx/v5's pgxpool
// rather than database/sql directly, carried from codeready-toolchain-tarsy
// (the pack's Postgres/RLS-flavored teacher) since Postgres is this
// module's primary supported dialect. sql.go holds only DBPool; no
// Gateway in this package is built on database/sql.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	status TEXT NOT NULL,
	initial_input JSONB,
	total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	created_by TEXT,
	trace_id TEXT,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_runs_org ON runs(org_id);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	parent_step_id TEXT,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	agent_name TEXT,
	agent_source TEXT,
	input JSONB,
	output JSONB,
	error TEXT,
	tool_name TEXT,
	tool_call_id TEXT,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	depth INT NOT NULL DEFAULT 0,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	step_id TEXT NOT NULL REFERENCES steps(id),
	role TEXT NOT NULL,
	content TEXT,
	sequence_number INT NOT NULL,
	tool_call_id TEXT,
	tool_calls JSONB
);
CREATE INDEX IF NOT EXISTS idx_messages_step ON messages(step_id, sequence_number);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	step_id TEXT NOT NULL REFERENCES steps(id),
	tool_name TEXT NOT NULL,
	input JSONB,
	is_platform_tool BOOLEAN NOT NULL DEFAULT false,
	is_agent_call BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS run_data (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	key TEXT NOT NULL,
	value JSONB,
	created_by_step_id TEXT,
	created_by_agent_name TEXT,
	tags TEXT[],
	created_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_run_data_run_key ON run_data(run_id, key);
`

// PostgresGateway implements Gateway against a pgxpool.Pool.
type PostgresGateway struct {
	pool *pgxpool.Pool
}

// NewPostgresGateway connects and ensures the schema exists.
func NewPostgresGateway(ctx context.Context, dsn string) (*PostgresGateway, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return &PostgresGateway{pool: pool}, nil
}

// Close releases pooled connections.
func (g *PostgresGateway) Close() { g.pool.Close() }

func (g *PostgresGateway) CreateRun(ctx context.Context, run *Run) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO runs (id, org_id, status, initial_input, total_cost, total_tokens, created_by, trace_id, start_time, end_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		run.ID, run.OrgID, run.Status, run.InitialInput, run.TotalCost, run.TotalTokens,
		run.CreatedBy, run.TraceID, run.StartTime, run.EndTime)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (g *PostgresGateway) GetRun(ctx context.Context, orgID, runID string) (*Run, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT id, org_id, status, initial_input, total_cost, total_tokens, created_by, trace_id, start_time, end_time
		FROM runs WHERE id = $1 AND org_id = $2`, runID, orgID)
	var r Run
	if err := row.Scan(&r.ID, &r.OrgID, &r.Status, &r.InitialInput, &r.TotalCost, &r.TotalTokens,
		&r.CreatedBy, &r.TraceID, &r.StartTime, &r.EndTime); err != nil {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (g *PostgresGateway) UpdateRun(ctx context.Context, run *Run) error {
	tag, err := g.pool.Exec(ctx, `
		UPDATE runs SET status=$1, total_cost=$2, total_tokens=$3, end_time=$4
		WHERE id=$5 AND org_id=$6`,
		run.Status, run.TotalCost, run.TotalTokens, run.EndTime, run.ID, run.OrgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *PostgresGateway) CreateStep(ctx context.Context, orgID string, step *Step) error {
	if err := g.assertRunOwnership(ctx, orgID, step.RunID); err != nil {
		return err
	}
	metadata, _ := json.Marshal(step.Metadata)
	_, err := g.pool.Exec(ctx, `
		INSERT INTO steps (id, run_id, parent_step_id, type, status, agent_name, agent_source,
			input, output, error, tool_name, tool_call_id, prompt_tokens, completion_tokens,
			cost, start_time, end_time, depth, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		step.ID, step.RunID, step.ParentStepID, step.Type, step.Status, step.AgentName, step.AgentSource,
		step.Input, step.Output, step.Error, step.ToolName, step.ToolCallID, step.PromptTokens,
		step.CompletionTokens, step.Cost, step.StartTime, step.EndTime, step.Depth, metadata)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (g *PostgresGateway) GetStep(ctx context.Context, orgID, stepID string) (*Step, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT s.id, s.run_id, s.parent_step_id, s.type, s.status, s.agent_name, s.agent_source,
			s.input, s.output, s.error, s.tool_name, s.tool_call_id, s.prompt_tokens,
			s.completion_tokens, s.cost, s.start_time, s.end_time, s.depth, s.metadata
		FROM steps s JOIN runs r ON r.id = s.run_id
		WHERE s.id = $1 AND r.org_id = $2`, stepID, orgID)
	var s Step
	var metadata []byte
	if err := row.Scan(&s.ID, &s.RunID, &s.ParentStepID, &s.Type, &s.Status, &s.AgentName, &s.AgentSource,
		&s.Input, &s.Output, &s.Error, &s.ToolName, &s.ToolCallID, &s.PromptTokens,
		&s.CompletionTokens, &s.Cost, &s.StartTime, &s.EndTime, &s.Depth, &metadata); err != nil {
		return nil, ErrNotFound
	}
	s.Metadata = make(map[string]any)
	_ = json.Unmarshal(metadata, &s.Metadata)
	return &s, nil
}

func (g *PostgresGateway) UpdateStep(ctx context.Context, orgID string, step *Step) error {
	metadata, _ := json.Marshal(step.Metadata)
	tag, err := g.pool.Exec(ctx, `
		UPDATE steps s SET status=$1, output=$2, error=$3, prompt_tokens=$4, completion_tokens=$5,
			cost=$6, start_time=$7, end_time=$8, metadata=$9
		FROM runs r WHERE s.run_id = r.id AND s.id=$10 AND r.org_id=$11`,
		step.Status, step.Output, step.Error, step.PromptTokens, step.CompletionTokens,
		step.Cost, step.StartTime, step.EndTime, metadata, step.ID, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *PostgresGateway) ListSteps(ctx context.Context, orgID, runID string) ([]*Step, error) {
	if err := g.assertRunOwnership(ctx, orgID, runID); err != nil {
		return nil, err
	}
	rows, err := g.pool.Query(ctx, `
		SELECT id, run_id, parent_step_id, type, status, agent_name, agent_source, input, output,
			error, tool_name, tool_call_id, prompt_tokens, completion_tokens, cost, start_time,
			end_time, depth, metadata
		FROM steps WHERE run_id = $1 ORDER BY depth ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*Step
	for rows.Next() {
		var s Step
		var metadata []byte
		if err := rows.Scan(&s.ID, &s.RunID, &s.ParentStepID, &s.Type, &s.Status, &s.AgentName, &s.AgentSource,
			&s.Input, &s.Output, &s.Error, &s.ToolName, &s.ToolCallID, &s.PromptTokens,
			&s.CompletionTokens, &s.Cost, &s.StartTime, &s.EndTime, &s.Depth, &metadata); err != nil {
			return nil, err
		}
		s.Metadata = make(map[string]any)
		_ = json.Unmarshal(metadata, &s.Metadata)
		result = append(result, &s)
	}
	return result, rows.Err()
}

func (g *PostgresGateway) AppendMessage(ctx context.Context, orgID string, msg *Message) error {
	step, err := g.GetStep(ctx, orgID, msg.StepID)
	if err != nil {
		return err
	}
	_ = step
	toolCalls, _ := json.Marshal(msg.ToolCalls)
	row := g.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence_number), -1) + 1 FROM messages WHERE step_id = $1`, msg.StepID)
	var seq int
	if err := row.Scan(&seq); err != nil {
		return err
	}
	msg.SequenceNumber = seq
	_, err = g.pool.Exec(ctx, `
		INSERT INTO messages (id, step_id, role, content, sequence_number, tool_call_id, tool_calls)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		msg.ID, msg.StepID, msg.Role, msg.Content, msg.SequenceNumber, msg.ToolCallID, toolCalls)
	return err
}

func (g *PostgresGateway) ListMessages(ctx context.Context, orgID, stepID string) ([]*Message, error) {
	if _, err := g.GetStep(ctx, orgID, stepID); err != nil {
		return nil, err
	}
	rows, err := g.pool.Query(ctx, `
		SELECT id, step_id, role, content, sequence_number, tool_call_id, tool_calls
		FROM messages WHERE step_id = $1 ORDER BY sequence_number ASC`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*Message
	for rows.Next() {
		var m Message
		var toolCalls []byte
		if err := rows.Scan(&m.ID, &m.StepID, &m.Role, &m.Content, &m.SequenceNumber, &m.ToolCallID, &toolCalls); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(toolCalls, &m.ToolCalls)
		result = append(result, &m)
	}
	return result, rows.Err()
}

func (g *PostgresGateway) CreateToolCall(ctx context.Context, orgID string, tc *ToolCall) error {
	if _, err := g.GetStep(ctx, orgID, tc.StepID); err != nil {
		return err
	}
	_, err := g.pool.Exec(ctx, `
		INSERT INTO tool_calls (id, step_id, tool_name, input, is_platform_tool, is_agent_call)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		tc.ID, tc.StepID, tc.ToolName, tc.Input, tc.IsPlatform, tc.IsAgentCall)
	return err
}

func (g *PostgresGateway) WriteRunData(ctx context.Context, orgID string, rd *RunData) error {
	if err := g.assertRunOwnership(ctx, orgID, rd.RunID); err != nil {
		return err
	}
	if rd.CreatedAt.IsZero() {
		rd.CreatedAt = time.Now()
	}
	_, err := g.pool.Exec(ctx, `
		INSERT INTO run_data (id, run_id, key, value, created_by_step_id, created_by_agent_name, tags, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rd.ID, rd.RunID, rd.Key, rd.Value, rd.CreatedByStepID, rd.CreatedByAgentName, rd.Tags, rd.CreatedAt)
	return err
}

func (g *PostgresGateway) ReadRunData(ctx context.Context, orgID, runID, key string) (*RunData, error) {
	if err := g.assertRunOwnership(ctx, orgID, runID); err != nil {
		return nil, err
	}
	row := g.pool.QueryRow(ctx, `
		SELECT id, run_id, key, value, created_by_step_id, created_by_agent_name, tags, created_at, deleted_at
		FROM run_data WHERE run_id = $1 AND key = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC LIMIT 1`, runID, key)
	var rd RunData
	if err := row.Scan(&rd.ID, &rd.RunID, &rd.Key, &rd.Value, &rd.CreatedByStepID, &rd.CreatedByAgentName,
		&rd.Tags, &rd.CreatedAt, &rd.DeletedAt); err != nil {
		return nil, nil
	}
	return &rd, nil
}

func (g *PostgresGateway) QueryRunData(ctx context.Context, orgID, runID string, filter RunDataFilter) ([]*RunData, error) {
	if err := g.assertRunOwnership(ctx, orgID, runID); err != nil {
		return nil, err
	}
	order := "DESC"
	if filter.SortOrder == "asc" {
		order = "ASC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, run_id, key, value, created_by_step_id, created_by_agent_name, tags, created_at, deleted_at
		FROM run_data WHERE run_id = $1 AND deleted_at IS NULL
			AND ($2 = '' OR key = $2)
			AND ($3 = '' OR key LIKE $3 || '%%')
			AND ($4::text[] IS NULL OR tags @> $4)
		ORDER BY created_at %s LIMIT $5 OFFSET $6`, order)
	var tags []string
	if len(filter.Tags) > 0 {
		tags = filter.Tags
	}
	rows, err := g.pool.Query(ctx, query, runID, filter.Key, filter.KeyStartsWith, tags, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*RunData
	for rows.Next() {
		var rd RunData
		if err := rows.Scan(&rd.ID, &rd.RunID, &rd.Key, &rd.Value, &rd.CreatedByStepID, &rd.CreatedByAgentName,
			&rd.Tags, &rd.CreatedAt, &rd.DeletedAt); err != nil {
			return nil, err
		}
		result = append(result, &rd)
	}
	return result, rows.Err()
}

func (g *PostgresGateway) DeleteRunData(ctx context.Context, orgID, runID, key string) (int, error) {
	if err := g.assertRunOwnership(ctx, orgID, runID); err != nil {
		return 0, err
	}
	tag, err := g.pool.Exec(ctx, `
		UPDATE run_data SET deleted_at = now()
		WHERE run_id = $1 AND key = $2 AND deleted_at IS NULL`, runID, key)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (g *PostgresGateway) assertRunOwnership(ctx context.Context, orgID, runID string) error {
	row := g.pool.QueryRow(ctx, `SELECT org_id FROM runs WHERE id = $1`, runID)
	var owner string
	if err := row.Scan(&owner); err != nil {
		return ErrNotFound
	}
	if owner != orgID {
		return ErrTenantMismatch
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// pgx surfaces unique-violation as SQLSTATE 23505; string-matching avoids
	// pulling in pgconn just to check one field here.
	return fmt.Sprint(err) != "" && (contains(err.Error(), "23505") || contains(err.Error(), "duplicate key"))
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
