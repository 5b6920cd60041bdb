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

package internal

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an Execution. Terminal statuses never
// transition again.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether s is one of the statuses an Execution settles
// into exactly once and never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCanceled:
		return true
	default:
		return false
	}
}

// Execution is one instance of a workflow run, identified by a UUID. It is
// created once by create_execution and never destroyed; its HistoryEvents
// are retained for the lifetime of the database.
type Execution struct {
	ID           string          `json:"id" db:"id"`
	WorkflowName string          `json:"workflow_name" db:"workflow_name"`
	Inputs       json.RawMessage `json:"inputs" db:"inputs"`
	Status       Status          `json:"status" db:"status"`
	Result       json.RawMessage `json:"result,omitempty" db:"result"`
	Error        *EngineError    `json:"error,omitempty" db:"error"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	TimeoutAt  *time.Time `json:"timeout_at,omitempty" db:"timeout_at"`

	ParentID     *string `json:"parent_id,omitempty" db:"parent_id"`
	ParentHandle *int    `json:"parent_handle,omitempty" db:"parent_handle"`

	// NextWakeupAt is the earliest time the worker loop should consider this
	// Execution for a scheduler step. Nil means "no known due time" — the
	// execution is waiting purely on an external signal.
	NextWakeupAt *time.Time `json:"next_wakeup_at,omitempty" db:"next_wakeup_at"`
}

// Runnable reports whether e is non-terminal and due for a scheduler step.
// NextWakeupAt == nil means the execution is parked waiting on an external
// signal with no known due time; it only becomes runnable again when
// signal_workflow (or another external wakeup) explicitly sets
// next_wakeup_at to now.
func (e *Execution) Runnable(now time.Time) bool {
	if e.Status.Terminal() {
		return false
	}
	return e.NextWakeupAt != nil && !e.NextWakeupAt.After(now)
}
