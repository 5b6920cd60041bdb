// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver used by Migrate
	"github.com/pborman/uuid"
	"github.com/pressly/goose/v3"

	"go.durable.dev/engine/internal"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending goose migration in migrations/ against
// dsn. It opens its own short-lived *sql.DB over the pgx stdlib driver,
// matching the teacher corpus's goose usage, distinct from the pgxpool the
// Postgres store itself drives.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("durable: open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("durable: goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("durable: goose up: %w", err)
	}
	return nil
}

// Postgres is the durable Store implementation, backed by a pgxpool.Pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool against dsn. Per bug #200 observed in this
// retrieval pack's datastorage suite (cached prepared statement plans
// going stale across a schema migration applied while connections are
// open), the pool's connections use QueryExecModeDescribeExec rather than
// pgx's caching default.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("durable: parse dsn: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("durable: open pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool's connections.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) CreateExecution(ctx context.Context, workflowName string, inputs []byte, timeout time.Duration, parentID *string, parentHandle *int) (string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	id := uuid.NewRandom().String()
	now := time.Now()
	var timeoutAt *time.Time
	if timeout > 0 {
		t := now.Add(timeout)
		timeoutAt = &t
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO executions (id, workflow_name, inputs, status, created_at, timeout_at, parent_id, parent_handle, next_wakeup_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, workflowName, json.RawMessage(inputs), internal.StatusPending, now, timeoutAt, parentID, parentHandle, now); err != nil {
		return "", fmt.Errorf("durable: insert execution: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO history_events (execution_id, pos, kind, payload, created_at)
		VALUES ($1, 0, $2, '{}', $3)`,
		id, internal.EventWorkflowStarted, now); err != nil {
		return "", fmt.Errorf("durable: insert workflow_started: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) AppendEvents(ctx context.Context, executionID string, events []internal.HistoryEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := p.appendEventsTx(ctx, tx, executionID, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) appendEventsTx(ctx context.Context, tx pgx.Tx, executionID string, events []internal.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	var nextPos int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(pos) + 1, 0) FROM history_events WHERE execution_id = $1`, executionID).Scan(&nextPos); err != nil {
		return fmt.Errorf("durable: next pos: %w", err)
	}
	now := time.Now()
	for _, ev := range events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO history_events (execution_id, pos, kind, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			executionID, nextPos, ev.Kind, json.RawMessage(ev.Payload), now); err != nil {
			return fmt.Errorf("durable: insert event: %w", err)
		}
		nextPos++
	}
	return nil
}

func (p *Postgres) Notify(ctx context.Context, executionID string, events []internal.HistoryEvent, wakeAt time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status internal.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1 FOR UPDATE`, executionID).Scan(&status); err != nil {
		return fmt.Errorf("durable: select execution: %w", err)
	}
	if status.Terminal() {
		return tx.Commit(ctx)
	}
	if err := p.appendEventsTx(ctx, tx, executionID, events); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE executions SET next_wakeup_at = $1 WHERE id = $2`, wakeAt, executionID); err != nil {
		return fmt.Errorf("durable: update next_wakeup_at: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) EnqueueTasks(ctx context.Context, tasks []internal.ActivityTask) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, t := range tasks {
		if err := p.enqueueTaskTx(ctx, tx, t); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) enqueueTaskTx(ctx context.Context, tx pgx.Tx, t internal.ActivityTask) error {
	retryPolicy, err := json.Marshal(t.RetryPolicy)
	if err != nil {
		return err
	}
	var heartbeatNs *int64
	if t.HeartbeatTimeout != nil {
		v := int64(*t.HeartbeatTimeout)
		heartbeatNs = &v
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO activity_tasks
			(execution_id, name, args, kwargs, status, attempt, scheduled_at, after_time, expires_at,
			 heartbeat_timeout_ns, retry_policy, scheduled_event_pos)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ExecutionID, t.Name, json.RawMessage(t.Args), json.RawMessage(t.Kwargs), t.Status, t.Attempt,
		t.ScheduledAt, t.AfterTime, t.ExpiresAt, heartbeatNs, retryPolicy, t.ScheduledEventPos)
	return err
}

func (p *Postgres) LeaseDueTasks(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]internal.ActivityTask, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT handle, execution_id, name, args, kwargs, attempt, scheduled_at, after_time, expires_at,
		       heartbeat_timeout_ns, retry_policy, scheduled_event_pos
		FROM activity_tasks
		WHERE status = 'QUEUED' AND after_time <= $1
		ORDER BY after_time
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("durable: select due tasks: %w", err)
	}

	var out []internal.ActivityTask
	var handles []int64
	for rows.Next() {
		var t internal.ActivityTask
		var retryPolicy []byte
		var heartbeatNs *int64
		if err := rows.Scan(&t.Handle, &t.ExecutionID, &t.Name, &t.Args, &t.Kwargs, &t.Attempt,
			&t.ScheduledAt, &t.AfterTime, &t.ExpiresAt, &heartbeatNs, &retryPolicy, &t.ScheduledEventPos); err != nil {
			rows.Close()
			return nil, fmt.Errorf("durable: scan due task: %w", err)
		}
		if heartbeatNs != nil {
			d := time.Duration(*heartbeatNs)
			t.HeartbeatTimeout = &d
		}
		_ = json.Unmarshal(retryPolicy, &t.RetryPolicy)
		t.Status = internal.TaskRunning
		t.LockedBy = &owner
		lu := leaseUntil
		t.LockedUntil = &lu
		if t.HeartbeatTimeout != nil {
			// Seed the heartbeat clock at lease time so an activity that
			// crashes or hangs without ever calling Heartbeat is still
			// caught by FetchTimedOutTasks's heartbeat predicate.
			started := now
			t.LastHeartbeatAt = &started
		}
		out = append(out, t)
		handles = append(handles, t.Handle)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, h := range handles {
		if _, err := tx.Exec(ctx, `
			UPDATE activity_tasks
			SET status = 'RUNNING', locked_by = $1, locked_until = $2,
			    last_heartbeat_at = CASE WHEN heartbeat_timeout_ns IS NOT NULL THEN $3 ELSE last_heartbeat_at END
			WHERE handle = $4`,
			owner, leaseUntil, now, h); err != nil {
			return nil, fmt.Errorf("durable: lease task: %w", err)
		}
	}
	return out, tx.Commit(ctx)
}

func (p *Postgres) CompleteTask(ctx context.Context, input TerminalTaskInput) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE activity_tasks SET status = $1, locked_by = NULL, locked_until = NULL WHERE handle = $2`,
		input.Status, input.Handle); err != nil {
		return fmt.Errorf("durable: update task status: %w", err)
	}
	if err := p.appendEventsTx(ctx, tx, input.Event.ExecutionID, []internal.HistoryEvent{input.Event}); err != nil {
		return err
	}
	if err := p.markRunnableTx(ctx, tx, input.WakeupExecID, time.Now()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) markRunnableTx(ctx context.Context, tx pgx.Tx, executionID string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE executions SET next_wakeup_at = $1
		WHERE id = $2 AND status IN ('PENDING', 'RUNNING')`, at, executionID)
	return err
}

func (p *Postgres) RequeueTask(ctx context.Context, handle int64, attempt int, afterTime time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE activity_tasks
		SET status = 'QUEUED', attempt = $1, after_time = $2, locked_by = NULL, locked_until = NULL
		WHERE handle = $3`, attempt, afterTime, handle)
	return err
}

func (p *Postgres) StepCommit(ctx context.Context, input StepCommitInput) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := p.appendEventsTx(ctx, tx, input.ExecutionID, input.NewEvents); err != nil {
		return err
	}
	for _, t := range input.NewTasks {
		if err := p.enqueueTaskTx(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, child := range input.NewChildren {
		childID := uuid.NewRandom().String()
		now := time.Now()
		var timeoutAt *time.Time
		if child.Timeout > 0 {
			t := now.Add(child.Timeout)
			timeoutAt = &t
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO executions (id, workflow_name, inputs, status, created_at, timeout_at, parent_id, parent_handle, next_wakeup_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			childID, child.WorkflowName, json.RawMessage(child.Inputs), internal.StatusPending, now, timeoutAt,
			child.ParentID, child.ParentHandle, now); err != nil {
			return fmt.Errorf("durable: insert child execution: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO history_events (execution_id, pos, kind, payload, created_at)
			VALUES ($1, 0, $2, '{}', $3)`, childID, internal.EventWorkflowStarted, now); err != nil {
			return fmt.Errorf("durable: insert child workflow_started: %w", err)
		}
	}

	if input.NewStatus != nil {
		now := time.Now()
		var resultJSON, errorJSON []byte
		if input.Result.Kind != "" {
			var payload internal.TerminalPayload
			_ = json.Unmarshal(input.Result.Payload, &payload)
			resultJSON = payload.Result
			if payload.Error != nil {
				errorJSON, _ = json.Marshal(payload.Error)
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE executions
			SET status = $1, result = $2, error = $3, finished_at = $4, next_wakeup_at = NULL
			WHERE id = $5`,
			*input.NewStatus, nullableJSON(resultJSON), nullableJSON(errorJSON), now, input.ExecutionID); err != nil {
			return fmt.Errorf("durable: update execution terminal status: %w", err)
		}
	} else if input.ClearWakeup {
		if _, err := tx.Exec(ctx, `UPDATE executions SET next_wakeup_at = NULL WHERE id = $1`, input.ExecutionID); err != nil {
			return err
		}
	} else if input.NextWakeupAt != nil {
		if _, err := tx.Exec(ctx, `UPDATE executions SET next_wakeup_at = $1 WHERE id = $2`, *input.NextWakeupAt, input.ExecutionID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func (p *Postgres) FetchRunnable(ctx context.Context, now time.Time, limit int) ([]internal.Execution, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, workflow_name, inputs, status, result, error, created_at, started_at, finished_at,
		       timeout_at, parent_id, parent_handle, next_wakeup_at
		FROM executions
		WHERE status IN ('PENDING', 'RUNNING') AND next_wakeup_at IS NOT NULL AND next_wakeup_at <= $1
		ORDER BY next_wakeup_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (p *Postgres) FetchTimedOutTasks(ctx context.Context, now time.Time, limit int) ([]internal.ActivityTask, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT handle, execution_id, name, args, kwargs, status, attempt, scheduled_at, after_time, expires_at,
		       heartbeat_timeout_ns, last_heartbeat_at, retry_policy, scheduled_event_pos
		FROM activity_tasks
		WHERE status = 'RUNNING'
		  AND (
			(expires_at IS NOT NULL AND expires_at <= $1)
			OR (heartbeat_timeout_ns IS NOT NULL AND last_heartbeat_at IS NOT NULL
			    AND last_heartbeat_at + (heartbeat_timeout_ns || ' nanoseconds')::interval <= $1)
		  )
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ActivityTask
	for rows.Next() {
		var t internal.ActivityTask
		var retryPolicy []byte
		var heartbeatNs *int64
		if err := rows.Scan(&t.Handle, &t.ExecutionID, &t.Name, &t.Args, &t.Kwargs, &t.Status, &t.Attempt,
			&t.ScheduledAt, &t.AfterTime, &t.ExpiresAt, &heartbeatNs, &t.LastHeartbeatAt, &retryPolicy, &t.ScheduledEventPos); err != nil {
			return nil, err
		}
		if heartbeatNs != nil {
			d := time.Duration(*heartbeatNs)
			t.HeartbeatTimeout = &d
		}
		_ = json.Unmarshal(retryPolicy, &t.RetryPolicy)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) FetchTimedOutExecutions(ctx context.Context, now time.Time, limit int) ([]internal.Execution, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, workflow_name, inputs, status, result, error, created_at, started_at, finished_at,
		       timeout_at, parent_id, parent_handle, next_wakeup_at
		FROM executions
		WHERE status IN ('PENDING', 'RUNNING') AND timeout_at IS NOT NULL AND timeout_at <= $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (p *Postgres) Snapshot(ctx context.Context, executionID string) (*internal.Execution, []internal.HistoryEvent, error) {
	var e internal.Execution
	err := p.pool.QueryRow(ctx, `
		SELECT id, workflow_name, inputs, status, result, error, created_at, started_at, finished_at,
		       timeout_at, parent_id, parent_handle, next_wakeup_at
		FROM executions WHERE id = $1`, executionID).Scan(
		&e.ID, &e.WorkflowName, &e.Inputs, &e.Status, &e.Result, scanError(&e), &e.CreatedAt, &e.StartedAt, &e.FinishedAt,
		&e.TimeoutAt, &e.ParentID, &e.ParentHandle, &e.NextWakeupAt)
	if err != nil {
		return nil, nil, fmt.Errorf("durable: snapshot execution: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, execution_id, pos, kind, payload, created_at
		FROM history_events WHERE execution_id = $1 ORDER BY pos`, executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("durable: snapshot history: %w", err)
	}
	defer rows.Close()

	var events []internal.HistoryEvent
	for rows.Next() {
		var ev internal.HistoryEvent
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Pos, &ev.Kind, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}
	return &e, events, rows.Err()
}

// scanError is a placeholder Scan destination kept distinct from e.Error's
// jsonb column: EngineError round-trips through json.RawMessage first
// because pgx has no direct *EngineError scan target.
func scanError(e *internal.Execution) interface{} {
	return &errorScanner{dst: &e.Error}
}

type errorScanner struct {
	dst **internal.EngineError
}

func (s *errorScanner) Scan(src interface{}) error {
	if src == nil {
		*s.dst = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("durable: unexpected error column type %T", src)
	}
	var ee internal.EngineError
	if err := json.Unmarshal(b, &ee); err != nil {
		return err
	}
	*s.dst = &ee
	return nil
}

func scanExecutions(rows pgx.Rows) ([]internal.Execution, error) {
	var out []internal.Execution
	for rows.Next() {
		var e internal.Execution
		if err := rows.Scan(&e.ID, &e.WorkflowName, &e.Inputs, &e.Status, &e.Result, scanError(&e), &e.CreatedAt,
			&e.StartedAt, &e.FinishedAt, &e.TimeoutAt, &e.ParentID, &e.ParentHandle, &e.NextWakeupAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) CancelExecution(ctx context.Context, executionID, reason string, cancelQueuedActivities bool, now time.Time) ([]string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status internal.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1 FOR UPDATE`, executionID).Scan(&status); err != nil {
		return nil, fmt.Errorf("durable: select execution: %w", err)
	}
	if status.Terminal() {
		return nil, tx.Commit(ctx)
	}

	engErr := internal.NewEngineError(internal.ErrCanceled, reason, nil)
	errJSON, _ := json.Marshal(engErr)
	if _, err := tx.Exec(ctx, `
		UPDATE executions SET status = 'CANCELED', error = $1, finished_at = $2, next_wakeup_at = NULL
		WHERE id = $3`, errJSON, now, executionID); err != nil {
		return nil, fmt.Errorf("durable: cancel execution: %w", err)
	}
	if err := p.appendEventsTx(ctx, tx, executionID, []internal.HistoryEvent{{
		Kind: internal.EventWorkflowCanceled, Payload: mustMarshalTerminal(internal.TerminalPayload{Error: engErr}),
	}}); err != nil {
		return nil, err
	}

	if cancelQueuedActivities {
		if _, err := tx.Exec(ctx, `UPDATE activity_tasks SET status = 'CANCELED' WHERE execution_id = $1 AND status = 'QUEUED'`, executionID); err != nil {
			return nil, fmt.Errorf("durable: cancel queued tasks: %w", err)
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT id FROM executions WHERE parent_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'CANCELED')`, executionID)
	if err != nil {
		return nil, err
	}
	var children []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		children = append(children, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return children, tx.Commit(ctx)
}

func mustMarshalTerminal(p internal.TerminalPayload) json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return b
}

func (p *Postgres) Heartbeat(ctx context.Context, handle int64, details []byte, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE activity_tasks SET last_heartbeat_at = $1, heartbeat_details = $2 WHERE handle = $3`,
		at, nullableJSON(details), handle)
	return err
}

func (p *Postgres) TimeoutExecution(ctx context.Context, executionID string, now time.Time) ([]string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status internal.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1 FOR UPDATE`, executionID).Scan(&status); err != nil {
		return nil, fmt.Errorf("durable: select execution: %w", err)
	}
	if status.Terminal() {
		return nil, tx.Commit(ctx)
	}

	engErr := internal.NewEngineError(internal.ErrWorkflowTimeout, "execution exceeded its timeout", nil)
	errJSON, _ := json.Marshal(engErr)
	if _, err := tx.Exec(ctx, `
		UPDATE executions SET status = 'TIMED_OUT', error = $1, finished_at = $2, next_wakeup_at = NULL
		WHERE id = $3`, errJSON, now, executionID); err != nil {
		return nil, fmt.Errorf("durable: timeout execution: %w", err)
	}
	if err := p.appendEventsTx(ctx, tx, executionID, []internal.HistoryEvent{{
		Kind: internal.EventWorkflowTimedOut, Payload: mustMarshalTerminal(internal.TerminalPayload{Error: engErr}),
	}}); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id FROM executions WHERE parent_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'CANCELED')`, executionID)
	if err != nil {
		return nil, err
	}
	var children []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		children = append(children, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return children, tx.Commit(ctx)
}

func (p *Postgres) ChildExecutionIDs(ctx context.Context, parentID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM executions WHERE parent_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'CANCELED')`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) PendingActivityNames(ctx context.Context, executionID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT name FROM activity_tasks
		WHERE execution_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'CANCELED')`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
