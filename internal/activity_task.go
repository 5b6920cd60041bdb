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

// SleepActivityName is the reserved activity name representing a durable
// timer. It is never user-registered; its "execution" is pure scheduling
// performed directly by the worker loop.
const SleepActivityName = "__sleep__"

// TaskStatus is the lifecycle state of an ActivityTask.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskTimedOut  TaskStatus = "TIMED_OUT"
	TaskCanceled  TaskStatus = "CANCELED"
)

// Terminal reports whether s never transitions further.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCanceled:
		return true
	default:
		return false
	}
}

// ActivityTask is one scheduled unit of work: an activity invocation or a
// durable timer (Name == SleepActivityName). Rows are created at schedule
// time and never deleted; their final status persists for audit.
type ActivityTask struct {
	Handle      int64           `json:"handle" db:"handle"`
	ExecutionID string          `json:"execution_id" db:"execution_id"`
	Name        string          `json:"name" db:"name"`
	Args        json.RawMessage `json:"args" db:"args"`
	Kwargs      json.RawMessage `json:"kwargs" db:"kwargs"`
	Status      TaskStatus      `json:"status" db:"status"`
	Attempt     int             `json:"attempt" db:"attempt"`

	// ScheduledAt is when the first attempt was enqueued, fixed across
	// retries. RetryPolicy.NextInterval uses now - ScheduledAt as the
	// elapsed time checked against ExpirationInterval.
	ScheduledAt      time.Time  `json:"scheduled_at" db:"scheduled_at"`
	AfterTime        time.Time  `json:"after_time" db:"after_time"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	HeartbeatTimeout *time.Duration `json:"heartbeat_timeout,omitempty" db:"heartbeat_timeout"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	HeartbeatDetails json.RawMessage `json:"heartbeat_details,omitempty" db:"heartbeat_details"`

	RetryPolicy RetryPolicy `json:"retry_policy" db:"retry_policy"`

	// ScheduledEventPos back-references the ACTIVITY_SCHEDULED (or
	// TIMER_SCHEDULED) event that created this task.
	ScheduledEventPos int `json:"scheduled_event_pos" db:"scheduled_event_pos"`

	LockedBy    *string    `json:"locked_by,omitempty" db:"locked_by"`
	LockedUntil *time.Time `json:"locked_until,omitempty" db:"locked_until"`
}

// IsTimer reports whether t represents a durable sleep rather than a
// user-registered activity.
func (t *ActivityTask) IsTimer() bool {
	return t.Name == SleepActivityName
}

// Due reports whether t is eligible for the worker loop to pick up: queued
// and its after_time has elapsed.
func (t *ActivityTask) Due(now time.Time) bool {
	return t.Status == TaskQueued && !t.AfterTime.After(now)
}

// Leased reports whether t currently has an unexpired worker lease.
func (t *ActivityTask) Leased(now time.Time) bool {
	return t.LockedUntil != nil && t.LockedUntil.After(now)
}
