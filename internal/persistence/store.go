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

// Package persistence defines the engine's only I/O dependency: a
// transactional contract over three tables (Execution, HistoryEvent,
// ActivityTask), and two implementations of it — Postgres (durable,
// jackc/pgx-backed) and Memory (in-process, used by the engine's own test
// suite and by hosts that don't need cross-restart durability).
package persistence

import (
	"context"
	"time"

	"go.durable.dev/engine/internal"
)

// StepCommitInput and ChildStartInput are defined in the internal package
// (internal/scheduler.go) since the Scheduler's own Store interface needs
// them too, and a persistence <-> internal import cycle would otherwise
// result. Store.StepCommit below takes the internal package's type
// directly rather than redeclaring an identical one here.
type StepCommitInput = internal.StepCommitInput

// ChildStartInput aliases internal.ChildStartInput; see StepCommitInput.
type ChildStartInput = internal.ChildStartInput

// TerminalTaskInput is the write side of complete_task: a task's final
// status plus the paired HistoryEvent it commits atomically with.
type TerminalTaskInput struct {
	Handle       int64
	Status       internal.TaskStatus
	Event        internal.HistoryEvent
	WakeupExecID string // execution to mark runnable; equals Event.ExecutionID
}

// Store is the engine's persistence contract (spec §6, "EXTERNAL
// INTERFACES"). Every method is one atomic transactional unit; callers
// never span a Store call across a larger transaction of their own.
type Store interface {
	// CreateExecution inserts an Execution in PENDING status and its
	// WORKFLOW_STARTED event, and sets next_wakeup_at = now so the worker
	// loop picks it up on the next fetch_runnable. Returns the new id.
	CreateExecution(ctx context.Context, workflowName string, inputs []byte, timeout time.Duration, parentID *string, parentHandle *int) (string, error)

	// AppendEvents appends events to execution's history with monotonic
	// pos, outside of a full step commit.
	AppendEvents(ctx context.Context, executionID string, events []internal.HistoryEvent) error

	// Notify appends events to executionID's history and sets its
	// next_wakeup_at to wakeAt, atomically. Used by signal_workflow (one
	// SIGNAL_RECEIVED event) and by a finishing child execution notifying
	// its parent (one CHILD_COMPLETED/CHILD_FAILED event). A no-op append
	// (nil events) still updates next_wakeup_at. Dropped silently if
	// executionID is already terminal, matching signal_workflow's
	// documented no-op-at-terminal behavior.
	Notify(ctx context.Context, executionID string, events []internal.HistoryEvent, wakeAt time.Time) error

	// EnqueueTasks inserts ActivityTask rows outside of a full step commit.
	EnqueueTasks(ctx context.Context, tasks []internal.ActivityTask) error

	// LeaseDueTasks selects up to limit QUEUED tasks with after_time <= now,
	// skipping tasks already leased by another worker, and marks them
	// RUNNING under a lease held by owner until leaseUntil.
	LeaseDueTasks(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]internal.ActivityTask, error)

	// CompleteTask updates a task to its terminal status, inserts the
	// paired history event, and marks the owning execution runnable, all
	// in one transaction.
	CompleteTask(ctx context.Context, input TerminalTaskInput) error

	// RequeueTask returns a task to QUEUED with a new after_time and
	// incremented attempt, without writing a terminal event (the retry
	// policy has budget remaining).
	RequeueTask(ctx context.Context, handle int64, attempt int, afterTime time.Time) error

	// StepCommit atomically applies everything one Scheduler.step produced:
	// new history events, new tasks, optional new child executions, and the
	// execution's new status/next_wakeup_at.
	StepCommit(ctx context.Context, input StepCommitInput) error

	// FetchRunnable selects up to limit non-terminal Executions with
	// next_wakeup_at <= now.
	FetchRunnable(ctx context.Context, now time.Time, limit int) ([]internal.Execution, error)

	// FetchTimedOutTasks selects RUNNING tasks past their schedule-to-close
	// or heartbeat deadline, for the worker loop's timeout sweep.
	FetchTimedOutTasks(ctx context.Context, now time.Time, limit int) ([]internal.ActivityTask, error)

	// FetchTimedOutExecutions selects non-terminal Executions past
	// timeout_at, for workflow-level timeout enforcement.
	FetchTimedOutExecutions(ctx context.Context, now time.Time, limit int) ([]internal.Execution, error)

	// Snapshot returns a consistent read of an execution and its full
	// ordered history, for replay or for query_workflow.
	Snapshot(ctx context.Context, executionID string) (*internal.Execution, []internal.HistoryEvent, error)

	// CancelExecution sets status CANCELED, appends WORKFLOW_CANCELED, and
	// (if cancelQueuedActivities) marks this execution's QUEUED tasks
	// CANCELED. It is idempotent on an already-terminal execution. It
	// returns the ids of non-terminal child executions to cascade-cancel;
	// the caller recurses.
	CancelExecution(ctx context.Context, executionID, reason string, cancelQueuedActivities bool, now time.Time) ([]string, error)

	// ChildExecutionIDs returns the non-terminal children of a parent
	// execution, for cancellation cascades.
	ChildExecutionIDs(ctx context.Context, parentID string) ([]string, error)

	// PendingActivityNames returns the names of this execution's
	// non-terminal ActivityTasks, for the CLI's built-in status query.
	PendingActivityNames(ctx context.Context, executionID string) ([]string, error)

	// Heartbeat records progress details for a RUNNING task and resets its
	// heartbeat deadline, letting the worker loop's timeout sweep tell a
	// stalled activity from one that is still making progress.
	Heartbeat(ctx context.Context, handle int64, details []byte, at time.Time) error

	// TimeoutExecution sets status TIMED_OUT and appends WORKFLOW_TIMED_OUT,
	// mirroring CancelExecution's shape for the worker loop's workflow-level
	// timeout sweep. It returns the ids of non-terminal children to
	// cascade-cancel.
	TimeoutExecution(ctx context.Context, executionID string, now time.Time) ([]string, error)
}
