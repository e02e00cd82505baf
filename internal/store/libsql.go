package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/weaveline/weft/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). A single connection serializes writers; WAL keeps readers cheap.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/weft.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow rather than Exec.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflow definitions ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, graph, org_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.Name), string(graph), nullStr(wf.OrgID),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var (
		name, orgID sql.NullString
		graphJSON   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, graph, org_id, created_at, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &name, &graphJSON, &orgID, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.OrgID = orgID.String
	if err := json.Unmarshal([]byte(graphJSON), &wf.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, name, graph, org_id, created_at, updated_at FROM workflows`
	var conds []string
	var args []any
	if filter.OrgID != "" {
		conds = append(conds, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, filter.Name)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var (
			name, orgID sql.NullString
			graphJSON   string
		)
		if err := rows.Scan(&wf.ID, &name, &graphJSON, &orgID, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Name = name.String
		wf.OrgID = orgID.String
		if err := json.Unmarshal([]byte(graphJSON), &wf.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal graph: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, org_id, status, input, output, error, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, nullStr(run.OrgID), string(run.Status),
		nullRaw(run.Input), nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		orgID                   sql.NullString
		input, output, errorRaw sql.NullString
		completedAt             sql.NullTime
		status                  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, org_id, status, input, output, error, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &orgID, &status, &input, &output, &errorRaw,
		&run.StartedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.OrgID = orgID.String
	run.Status = schema.RunStatus(status)
	run.Input = jsonOrNil(input)
	run.Output = jsonOrNil(output)
	run.Error = jsonOrNil(errorRaw)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
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
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, workflow_id, org_id, status, input, output, error, started_at, completed_at, updated_at FROM runs`
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.OrgID != "" {
		conds = append(conds, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{}
		var (
			orgID                   sql.NullString
			input, output, errorRaw sql.NullString
			completedAt             sql.NullTime
			status                  string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowID, &orgID, &status, &input, &output, &errorRaw,
			&run.StartedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.OrgID = orgID.String
		run.Status = schema.RunStatus(status)
		run.Input = jsonOrNil(input)
		run.Output = jsonOrNil(output)
		run.Error = jsonOrNil(errorRaw)
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. The transaction takes a write lock up front so concurrent
// appenders cannot interleave sequence reads and inserts.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; force lock
	// acquisition with a write-intent statement.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = jsonOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Node states ---

func (s *LibSQLStore) UpsertNodeState(ctx context.Context, state *NodeState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_states (run_id, node_id, status, input, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
		   status=excluded.status, input=excluded.input, output=excluded.output,
		   error=excluded.error, attempts=excluded.attempts,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		state.RunID, state.NodeID, string(state.Status),
		nullRaw(state.Input), nullRaw(state.Output), nullRaw(state.Error),
		state.Attempts, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeState(ctx context.Context, runID, nodeID string) (*NodeState, error) {
	state := &NodeState{}
	var (
		input, output, errorRaw sql.NullString
		startedAt, completedAt  sql.NullTime
		status                  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, node_id, status, input, output, error, attempts, started_at, completed_at, duration_ms
		 FROM node_states WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&state.RunID, &state.NodeID, &status, &input, &output, &errorRaw,
		&state.Attempts, &startedAt, &completedAt, &state.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node state", runID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	state.Status = schema.NodeStatus(status)
	state.Input = jsonOrNil(input)
	state.Output = jsonOrNil(output)
	state.Error = jsonOrNil(errorRaw)
	if startedAt.Valid {
		state.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		state.CompletedAt = &completedAt.Time
	}
	return state, nil
}

func (s *LibSQLStore) ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, status, input, output, error, attempts, started_at, completed_at, duration_ms
		 FROM node_states WHERE run_id = ? ORDER BY node_id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeState
	for rows.Next() {
		state := &NodeState{}
		var (
			input, output, errorRaw sql.NullString
			startedAt, completedAt  sql.NullTime
			status                  string
		)
		if err := rows.Scan(&state.RunID, &state.NodeID, &status, &input, &output, &errorRaw,
			&state.Attempts, &startedAt, &completedAt, &state.DurationMs); err != nil {
			return nil, err
		}
		state.Status = schema.NodeStatus(status)
		state.Input = jsonOrNil(input)
		state.Output = jsonOrNil(output)
		state.Error = jsonOrNil(errorRaw)
		if startedAt.Valid {
			state.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			state.CompletedAt = &completedAt.Time
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, req *schema.ApprovalRequest) error {
	approvers, err := json.Marshal(req.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	responses, err := json.Marshal(req.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, run_id, node_id, approvers, approval_type, threshold, responses, status, message, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, req.NodeID, string(approvers), string(req.Type), req.Threshold,
		string(responses), string(req.Status), nullStr(req.Message),
		timeOrNow(req.CreatedAt), nullTime(req.ExpiresAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, approvers, approval_type, threshold, responses, status, message, created_at, expires_at
		 FROM approvals WHERE id = ?`, id)
	req, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return req, err
}

func (s *LibSQLStore) UpdateApproval(ctx context.Context, req *schema.ApprovalRequest) error {
	responses, err := json.Marshal(req.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET responses = ?, status = ? WHERE id = ?`,
		string(responses), string(req.Status), req.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", req.ID)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	query := `SELECT id, run_id, node_id, approvers, approval_type, threshold, responses, status, message, created_at, expires_at FROM approvals`
	var conds []string
	var args []any
	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		// Approver filtering happens here: approvers are a JSON list, not a
		// relational column.
		if filter.Approver != "" && !containsApprover(req.Approvers, filter.Approver) {
			continue
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(scan func(dest ...any) error) (*schema.ApprovalRequest, error) {
	req := &schema.ApprovalRequest{}
	var (
		approvers, responses string
		message              sql.NullString
		expiresAt            sql.NullTime
		approvalType, status string
	)
	err := scan(&req.ID, &req.RunID, &req.NodeID, &approvers, &approvalType, &req.Threshold,
		&responses, &status, &message, &req.CreatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	req.Type = schema.ApprovalType(approvalType)
	req.Status = schema.ApprovalStatus(status)
	req.Message = message.String
	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}
	if err := json.Unmarshal([]byte(approvers), &req.Approvers); err != nil {
		return nil, fmt.Errorf("unmarshal approvers: %w", err)
	}
	if responses != "" {
		if err := json.Unmarshal([]byte(responses), &req.Responses); err != nil {
			return nil, fmt.Errorf("unmarshal responses: %w", err)
		}
	}
	return req, nil
}

// --- Dead letters ---

func (s *LibSQLStore) AppendDeadLetter(ctx context.Context, queue string, item *schema.DeadLetterItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, queue, run_id, workflow_id, node_id, error, snapshot, retry_count, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, queue, nullStr(item.RunID), nullStr(item.WorkflowID), nullStr(item.NodeID),
		nullStr(item.Error), nullRaw(item.Snapshot), item.RetryCount, timeOrNow(item.Timestamp),
	)
	return err
}

func (s *LibSQLStore) ListDeadLetters(ctx context.Context, queue string, limit int) ([]*schema.DeadLetterItem, error) {
	query := `SELECT id, run_id, workflow_id, node_id, error, snapshot, retry_count, timestamp
	 FROM dead_letters WHERE queue = ? ORDER BY timestamp ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.DeadLetterItem
	for rows.Next() {
		item := &schema.DeadLetterItem{}
		var runID, workflowID, nodeID, errMsg, snapshot sql.NullString
		if err := rows.Scan(&item.ID, &runID, &workflowID, &nodeID, &errMsg, &snapshot,
			&item.RetryCount, &item.Timestamp); err != nil {
			return nil, err
		}
		item.RunID = runID.String
		item.WorkflowID = workflowID.String
		item.NodeID = nodeID.String
		item.Error = errMsg.String
		item.Snapshot = jsonOrNil(snapshot)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) PurgeDeadLetters(ctx context.Context, queue string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE queue = ?`, queue)
	return err
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, cron_expression, input, org_id, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, job.CronExpression, nullRaw(job.Input), nullStr(job.OrgID),
		boolToInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		input, orgID, lastStatus sql.NullString
		lastRunAt, nextRunAt     sql.NullTime
		enabled                  int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron_expression, input, org_id, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.WorkflowID, &job.CronExpression, &input, &orgID, &enabled,
		&lastRunAt, &nextRunAt, &lastStatus, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, err
	}
	job.Input = jsonOrNil(input)
	job.OrgID = orgID.String
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT id, workflow_id, cron_expression, input, org_id, enabled, last_run_at, next_run_at, last_run_status, created_at
	 FROM scheduled_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		var (
			input, orgID, lastStatus sql.NullString
			lastRunAt, nextRunAt     sql.NullTime
			enabled                  int
		)
		if err := rows.Scan(&job.ID, &job.WorkflowID, &job.CronExpression, &input, &orgID, &enabled,
			&lastRunAt, &nextRunAt, &lastStatus, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.Input = jsonOrNil(input)
		job.OrgID = orgID.String
		job.Enabled = enabled != 0
		job.LastRunStatus = lastStatus.String
		if lastRunAt.Valid {
			job.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			job.NextRunAt = &nextRunAt.Time
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.WeftError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
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

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
