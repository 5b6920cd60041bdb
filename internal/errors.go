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

// Package internal implements the durable execution engine: the replay
// state machine, the event log, the scheduler, and the persistence
// contract they run against.
package internal

import "fmt"

// ErrorKind is the structured error taxonomy carried by a terminal
// Execution or a failed ActivityTask.
type ErrorKind string

const (
	ErrNotRegistered  ErrorKind = "NOT_REGISTERED"
	ErrSerialization  ErrorKind = "SERIALIZATION"
	ErrActivityFailed ErrorKind = "ACTIVITY_FAILED"
	ErrActivityTimeout ErrorKind = "ACTIVITY_TIMED_OUT"
	ErrWorkflowTimeout ErrorKind = "WORKFLOW_TIMED_OUT"
	ErrCanceled       ErrorKind = "CANCELED"
	ErrNondeterminism ErrorKind = "NONDETERMINISM"
	ErrInternal       ErrorKind = "INTERNAL"
)

// EngineError is the structured {kind, message, details} error carried by
// terminal HistoryEvents, failed ActivityTasks, and surfaced to callers of
// wait_workflow. It implements error and unwraps to an optional cause.
type EngineError struct {
	Kind    ErrorKind   `json:"kind"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`

	cause error
}

func (e *EngineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// NewEngineError constructs an EngineError of the given kind, optionally
// wrapping cause.
func NewEngineError(kind ErrorKind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, cause: cause}
}

// NotRegisteredError reports that a workflow, activity, or query name has
// no registered implementation.
type NotRegisteredError struct {
	Kind string // "workflow", "activity", or "query"
	Name string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("%s %q is not registered", e.Kind, e.Name)
}

func (e *NotRegisteredError) ToEngineError() *EngineError {
	return NewEngineError(ErrNotRegistered, e.Error(), e)
}

// SerializationError reports that a value failed the JSON-round-trippability
// check enforced at every persistence boundary. Client.StartWorkflow and
// Client.SignalWorkflow return it before anything is written. Inside a
// workflow body, Context operations panic with it; the Scheduler has no
// special case for that panic, so the value is never written and the
// execution fails with an INTERNAL error carrying this message.
type SerializationError struct {
	Message string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("value is not JSON round-trippable: %s", e.Message)
}

func (e *SerializationError) ToEngineError() *EngineError {
	return NewEngineError(ErrSerialization, e.Error(), e)
}

// ActivityError is returned by a Context's activity waiting call
// (RunActivity, WaitActivity) once an activity's terminal event records a
// failure or timeout. A failed child workflow is reported by
// WaitChildWorkflow as the child's *EngineError instead.
type ActivityError struct {
	ActivityName string
	Cause        *EngineError
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %q failed: %s", e.ActivityName, e.Cause.Error())
}

func (e *ActivityError) Unwrap() error {
	return e.Cause
}

// NonDeterminismError is raised when replay detects that the workflow body
// consumed history events out of the order they were recorded in. It is
// always terminal and is never retried, to avoid masking history
// corruption behind a benign-looking retry.
type NonDeterminismError struct {
	ExecutionID string
	Pos         int
	Expected    EventKind
	Actual      EventKind
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("nondeterminism in execution %s at pos %d: expected %s, got %s",
		e.ExecutionID, e.Pos, e.Expected, e.Actual)
}

func (e *NonDeterminismError) ToEngineError() *EngineError {
	return NewEngineError(ErrNondeterminism, e.Error(), e)
}

// WorkflowFailure is the single typed failure wait_workflow raises for any
// non-COMPLETED terminal status. It carries only the Kind and Message of
// the execution's recorded EngineError; the Details are not copied.
type WorkflowFailure struct {
	Kind    ErrorKind
	Message string
}

func (e *WorkflowFailure) Error() string {
	return fmt.Sprintf("workflow failed: %s: %s", e.Kind, e.Message)
}

func workflowFailureFromError(err *EngineError) *WorkflowFailure {
	if err == nil {
		return &WorkflowFailure{Kind: ErrInternal, Message: "terminal status without error detail"}
	}
	return &WorkflowFailure{Kind: err.Kind, Message: err.Message}
}
