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

// EventKind enumerates the complete alphabet of history event kinds. The
// ordering of appended events within a single execution's history is the
// determinism contract: replaying the workflow body against the same
// prefix of (pos, kind, payload) must reproduce it exactly.
type EventKind string

const (
	EventWorkflowStarted   EventKind = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventKind = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventKind = "WORKFLOW_FAILED"
	EventWorkflowTimedOut  EventKind = "WORKFLOW_TIMED_OUT"
	EventWorkflowCanceled  EventKind = "WORKFLOW_CANCELED"

	EventActivityScheduled EventKind = "ACTIVITY_SCHEDULED"
	EventActivityCompleted EventKind = "ACTIVITY_COMPLETED"
	EventActivityFailed    EventKind = "ACTIVITY_FAILED"
	EventActivityTimedOut  EventKind = "ACTIVITY_TIMED_OUT"

	EventTimerScheduled EventKind = "TIMER_SCHEDULED"
	EventTimerFired     EventKind = "TIMER_FIRED"

	EventSignalWait     EventKind = "SIGNAL_WAIT"
	EventSignalReceived EventKind = "SIGNAL_RECEIVED"

	EventChildScheduled EventKind = "CHILD_SCHEDULED"
	EventChildCompleted EventKind = "CHILD_COMPLETED"
	EventChildFailed    EventKind = "CHILD_FAILED"

	EventVersionMarker EventKind = "VERSION_MARKER"
	EventPatchMarker   EventKind = "PATCH_MARKER"
)

// terminal reports whether kind closes out a scheduling pair (an
// ACTIVITY_SCHEDULED/CHILD_SCHEDULED/TIMER_SCHEDULED event is paired with
// exactly one of these).
func (k EventKind) terminal() bool {
	switch k {
	case EventActivityCompleted, EventActivityFailed, EventActivityTimedOut,
		EventTimerFired,
		EventChildCompleted, EventChildFailed:
		return true
	default:
		return false
	}
}

// HistoryEvent is one append-only record in an execution's event log.
// Within a single execution, pos is a dense, monotonically increasing
// sequence starting at 0, assigned in commit order. Rows are never
// mutated or deleted while the owning Execution exists.
type HistoryEvent struct {
	ID          int64           `json:"id" db:"id"`
	ExecutionID string          `json:"execution_id" db:"execution_id"`
	Pos         int             `json:"pos" db:"pos"`
	Kind        EventKind       `json:"kind" db:"kind"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// ActivityScheduledPayload is the payload recorded by ACTIVITY_SCHEDULED
// events; it is also reused, with Name == SleepActivityName, for
// TIMER_SCHEDULED.
type ActivityScheduledPayload struct {
	Name   string        `json:"name"`
	Args   []interface{} `json:"args,omitempty"`
	Kwargs interface{}   `json:"kwargs,omitempty"`
}

// TerminalPayload is the payload recorded by every *_COMPLETED/*_FAILED/
// *_TIMED_OUT event pairing a schedule with its outcome. ScheduledPos is
// the pos of the ACTIVITY_SCHEDULED/CHILD_SCHEDULED/TIMER_SCHEDULED event
// it completes, letting wait_activity/wait_child_workflow/Sleep correlate
// outcomes that may arrive out of the order their schedules were issued in.
type TerminalPayload struct {
	ScheduledPos int             `json:"scheduled_pos"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *EngineError    `json:"error,omitempty"`
}

// SignalPayload is recorded by SIGNAL_WAIT (name only) and SIGNAL_RECEIVED
// (name + payload).
type SignalPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VersionMarkerPayload is recorded by the first call to get_version for a
// given change_id.
type VersionMarkerPayload struct {
	ChangeID string `json:"change_id"`
	Version  int    `json:"version"`
}

// PatchMarkerPayload is recorded by the first call to patched/deprecate_patch
// for a given change_id.
type PatchMarkerPayload struct {
	ChangeID string `json:"change_id"`
	Patched  bool   `json:"patched"`
}

// WorkflowStartedPayload is recorded by CHILD_SCHEDULED events, naming the
// child workflow and its inputs. The WORKFLOW_STARTED event written by
// create_execution carries no payload of this type.
type WorkflowStartedPayload struct {
	WorkflowName string          `json:"workflow_name"`
	Inputs       json.RawMessage `json:"inputs"`
}

func mustMarshal(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(&SerializationError{Message: err.Error()})
	}
	return b
}
