package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/cascade/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Nodes ---

const nodeColumns = `id, parent_id, order_key, name, admin_prompt, user_prompt, provider, role, type,
	post_action, post_action_config, excluded, exclude_if, auto_run_children, max_questions,
	system_vars, deleted, output, user_result, response_id, status, last_action_result, created_at, updated_at`

func (s *LibSQLStore) CreateNode(ctx context.Context, node *Node) error {
	paConfig, err := nullableMarshal(node.PostActionConfig)
	if err != nil {
		return fmt.Errorf("marshal post_action_config: %w", err)
	}
	sysVars, err := nullableMarshal(node.SystemVars)
	if err != nil {
		return fmt.Errorf("marshal system_vars: %w", err)
	}
	lar, err := nullableMarshal(node.LastActionResult)
	if err != nil {
		return fmt.Errorf("marshal last_action_result: %w", err)
	}
	status := node.Status
	if status == "" {
		status = schema.NodeStatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, nullStr(node.ParentID), node.OrderKey, node.Name,
		nullStr(node.AdminPrompt), nullStr(node.UserPrompt), nullStr(node.Provider),
		string(node.Role), string(node.Type), nullStr(node.PostAction), paConfig,
		node.Excluded, nullStr(node.ExcludeIf), node.AutoRunChildren, node.MaxQuestions,
		sysVars, node.Deleted, nullStr(node.Output), nullStr(node.UserResult),
		nullStr(node.ResponseID), string(status), lar,
		timeOrNow(node.CreatedAt), timeOrNow(node.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node", id)
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *LibSQLStore) UpdateNode(ctx context.Context, id string, update NodeUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.AdminPrompt != nil {
		sets = append(sets, "admin_prompt = ?")
		args = append(args, nullStr(*update.AdminPrompt))
	}
	if update.UserPrompt != nil {
		sets = append(sets, "user_prompt = ?")
		args = append(args, nullStr(*update.UserPrompt))
	}
	if update.Provider != nil {
		sets = append(sets, "provider = ?")
		args = append(args, nullStr(*update.Provider))
	}
	if update.PostAction != nil {
		sets = append(sets, "post_action = ?")
		args = append(args, nullStr(*update.PostAction))
	}
	if update.PostActionConfig != nil {
		cfg, err := json.Marshal(update.PostActionConfig)
		if err != nil {
			return fmt.Errorf("marshal post_action_config: %w", err)
		}
		sets = append(sets, "post_action_config = ?")
		args = append(args, string(cfg))
	}
	if update.Excluded != nil {
		sets = append(sets, "excluded = ?")
		args = append(args, *update.Excluded)
	}
	if update.ExcludeIf != nil {
		sets = append(sets, "exclude_if = ?")
		args = append(args, nullStr(*update.ExcludeIf))
	}
	if update.AutoRunChildren != nil {
		sets = append(sets, "auto_run_children = ?")
		args = append(args, *update.AutoRunChildren)
	}
	if update.OrderKey != nil {
		sets = append(sets, "order_key = ?")
		args = append(args, *update.OrderKey)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, nullStr(*update.Output))
	}
	if update.UserResult != nil {
		sets = append(sets, "user_result = ?")
		args = append(args, nullStr(*update.UserResult))
	}
	if update.ResponseID != nil {
		sets = append(sets, "response_id = ?")
		args = append(args, nullStr(*update.ResponseID))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.LastActionResult != nil {
		lar, err := json.Marshal(update.LastActionResult)
		if err != nil {
			return fmt.Errorf("marshal last_action_result: %w", err)
		}
		sets = append(sets, "last_action_result = ?")
		args = append(args, string(lar))
	}
	if update.Deleted != nil {
		sets = append(sets, "deleted = ?")
		args = append(args, *update.Deleted)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE nodes SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "node", id)
}

func (s *LibSQLStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	var where []string
	var args []any

	if filter.ParentID != nil {
		if *filter.ParentID == "" {
			where = append(where, "parent_id IS NULL")
		} else {
			where = append(where, "parent_id = ?")
			args = append(args, *filter.ParentID)
		}
	}
	if !filter.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if !filter.IncludeExcluded {
		where = append(where, "excluded = 0")
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY order_key, created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// ListChildren returns the non-deleted children of a node in sibling order.
// Excluded children are filtered out unless includeExcluded is set.
func (s *LibSQLStore) ListChildren(ctx context.Context, parentID string, includeExcluded bool) ([]*Node, error) {
	return s.ListNodes(ctx, NodeFilter{ParentID: &parentID, IncludeExcluded: includeExcluded})
}

// SoftDeleteNode marks a node deleted without removing its row. Deleted nodes
// keep their responses for audit but are invisible to tree walks.
func (s *LibSQLStore) SoftDeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "node", id)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*Node, error) {
	n := &Node{}
	var (
		parentID, adminPrompt, userPrompt, provider  sql.NullString
		postAction, paConfig, excludeIf              sql.NullString
		sysVars, output, userResult, responseID, lar sql.NullString
		role, typ, status                            string
	)
	err := row.Scan(&n.ID, &parentID, &n.OrderKey, &n.Name, &adminPrompt, &userPrompt,
		&provider, &role, &typ, &postAction, &paConfig, &n.Excluded, &excludeIf,
		&n.AutoRunChildren, &n.MaxQuestions, &sysVars, &n.Deleted, &output,
		&userResult, &responseID, &status, &lar, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.ParentID = parentID.String
	n.AdminPrompt = adminPrompt.String
	n.UserPrompt = userPrompt.String
	n.Provider = provider.String
	n.Role = schema.NodeRole(role)
	n.Type = schema.NodeType(typ)
	n.PostAction = postAction.String
	n.ExcludeIf = excludeIf.String
	n.Output = output.String
	n.UserResult = userResult.String
	n.ResponseID = responseID.String
	n.Status = schema.NodeStatus(status)
	if paConfig.Valid && paConfig.String != "" {
		n.PostActionConfig = &schema.PostActionConfig{}
		if err := json.Unmarshal([]byte(paConfig.String), n.PostActionConfig); err != nil {
			return nil, fmt.Errorf("unmarshal post_action_config: %w", err)
		}
	}
	if sysVars.Valid && sysVars.String != "" {
		_ = json.Unmarshal([]byte(sysVars.String), &n.SystemVars)
	}
	if lar.Valid && lar.String != "" {
		n.LastActionResult = &schema.ActionResult{}
		_ = json.Unmarshal([]byte(lar.String), n.LastActionResult)
	}
	return n, nil
}

// --- Node variables ---

func (s *LibSQLStore) SetNodeVariable(ctx context.Context, nodeID, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_variables (node_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT(node_id, name) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		nodeID, name, value,
	)
	return err
}

func (s *LibSQLStore) GetNodeVariables(ctx context.Context, nodeID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM node_variables WHERE node_id = ?`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		vars[name] = value
	}
	return vars, rows.Err()
}

func (s *LibSQLStore) DeleteNodeVariable(ctx context.Context, nodeID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM node_variables WHERE node_id = ? AND name = ?`, nodeID, name)
	return err
}

// --- Settings ---

func (s *LibSQLStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storeNotFound("setting", key)
	}
	return value, err
}

func (s *LibSQLStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

// --- Traces ---

func (s *LibSQLStore) CreateTrace(ctx context.Context, trace *Trace) error {
	status := trace.Status
	if status == "" {
		status = schema.TraceStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (id, root_node_id, status, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		trace.ID, trace.RootNodeID, string(status), nullRaw(trace.Error),
		timeOrNow(trace.StartedAt), nullTime(trace.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	t := &Trace{}
	var status string
	var errJSON sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, root_node_id, status, error, started_at, completed_at FROM traces WHERE id = ?`, id,
	).Scan(&t.ID, &t.RootNodeID, &status, &errJSON, &t.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trace", id)
	}
	if err != nil {
		return nil, err
	}
	t.Status = schema.TraceStatus(status)
	t.Error = rawOrNil(errJSON)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (s *LibSQLStore) CompleteTrace(ctx context.Context, id string, status string, errJSON []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE traces SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, nullRaw(errJSON), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trace", id)
}

func (s *LibSQLStore) ListTraces(ctx context.Context, filter TraceFilter) ([]*Trace, error) {
	var where []string
	var args []any

	if filter.RootNodeID != "" {
		where = append(where, "root_node_id = ?")
		args = append(args, filter.RootNodeID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, root_node_id, status, error, started_at, completed_at FROM traces`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		t := &Trace{}
		var status string
		var errJSON sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.RootNodeID, &status, &errJSON, &t.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		t.Status = schema.TraceStatus(status)
		t.Error = rawOrNil(errJSON)
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// GetActiveTrace returns the running trace for a root node, or nil if none.
func (s *LibSQLStore) GetActiveTrace(ctx context.Context, rootNodeID string) (*Trace, error) {
	running := schema.TraceStatusRunning
	traces, err := s.ListTraces(ctx, TraceFilter{RootNodeID: rootNodeID, Status: &running, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(traces) == 0 {
		return nil, nil
	}
	return traces[0], nil
}

// --- Spans ---

func (s *LibSQLStore) CreateSpan(ctx context.Context, span *Span) error {
	status := span.Status
	if status == "" {
		status = schema.SpanStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spans (id, trace_id, node_id, node_name, attempt, prev_span_id, status, provider, prompt, response, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.ID, span.TraceID, span.NodeID, nullStr(span.NodeName), span.Attempt,
		nullStr(span.PrevSpanID), string(status), nullStr(span.Provider),
		nullStr(span.Prompt), nullStr(span.Response), nullRaw(span.Error),
		timeOrNow(span.StartedAt), nullTime(span.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateSpan(ctx context.Context, id string, update SpanUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Response != nil {
		sets = append(sets, "response = ?")
		args = append(args, nullStr(*update.Response))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE spans SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "span", id)
}

func (s *LibSQLStore) ListSpans(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, node_id, node_name, attempt, prev_span_id, status, provider, prompt, response, error, started_at, completed_at
		 FROM spans WHERE trace_id = ? ORDER BY started_at`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSpans(rows)
}

func (s *LibSQLStore) ListNodeSpans(ctx context.Context, nodeID string, limit int) ([]*Span, error) {
	query := `SELECT id, trace_id, node_id, node_name, attempt, prev_span_id, status, provider, prompt, response, error, started_at, completed_at
		 FROM spans WHERE node_id = ? ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSpans(rows)
}

func collectSpans(rows *sql.Rows) ([]*Span, error) {
	var spans []*Span
	for rows.Next() {
		sp := &Span{}
		var nodeName, prevSpanID, provider, prompt, response sql.NullString
		var errJSON sql.NullString
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&sp.ID, &sp.TraceID, &sp.NodeID, &nodeName, &sp.Attempt,
			&prevSpanID, &status, &provider, &prompt, &response, &errJSON,
			&sp.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		sp.NodeName = nodeName.String
		sp.PrevSpanID = prevSpanID.String
		sp.Status = schema.SpanStatus(status)
		sp.Provider = provider.String
		sp.Prompt = prompt.String
		sp.Response = response.String
		sp.Error = rawOrNil(errJSON)
		if completedAt.Valid {
			sp.CompletedAt = &completedAt.Time
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, root_node_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RootNodeID, run.CronExpression, run.Enabled,
		nullTime(run.LastRunAt), nullTime(run.NextRunAt), nullStr(run.LastRunStatus),
		timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	r := &ScheduledRun{}
	var lastRunAt, nextRunAt sql.NullTime
	var lastStatus sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, root_node_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.RootNodeID, &r.CronExpression, &r.Enabled, &lastRunAt, &nextRunAt, &lastStatus, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled run", id)
	}
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		r.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		r.NextRunAt = &nextRunAt.Time
	}
	r.LastRunStatus = lastStatus.String
	return r, nil
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.RootNodeID != "" {
		where = append(where, "root_node_id = ?")
		args = append(args, filter.RootNodeID)
	}

	query := `SELECT id, root_node_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		r := &ScheduledRun{}
		var lastRunAt, nextRunAt sql.NullTime
		var lastStatus sql.NullString
		if err := rows.Scan(&r.ID, &r.RootNodeID, &r.CronExpression, &r.Enabled,
			&lastRunAt, &nextRunAt, &lastStatus, &r.CreatedAt); err != nil {
			return nil, err
		}
		if lastRunAt.Valid {
			r.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			r.NextRunAt = &nextRunAt.Time
		}
		r.LastRunStatus = lastStatus.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CascadeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableMarshal(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *schema.PostActionConfig:
		if x == nil {
			return nil, nil
		}
	case *schema.ActionResult:
		if x == nil {
			return nil, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
