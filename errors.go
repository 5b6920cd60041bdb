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

package durable

import "go.durable.dev/engine/internal"

// The error taxonomy is implemented in internal so the Context/Scheduler
// replay core can construct and panic/recover it without an import cycle
// back to this package; these are type aliases, not copies, so
// errors.As/errors.Is work identically whether code holds an
// *durable.EngineError or an *internal.EngineError.

type (
	// ErrorKind classifies a terminal failure (see EngineError.Kind).
	ErrorKind = internal.ErrorKind

	// EngineError is the structured {kind, message, details} error carried
	// by terminal executions, failed activities, and wait_workflow.
	EngineError = internal.EngineError

	// ActivityError wraps an EngineError with the name of the activity
	// that raised it.
	ActivityError = internal.ActivityError

	// NonDeterminismError reports that replay observed history events out
	// of the order a previous execution of the same workflow body recorded
	// them in.
	NonDeterminismError = internal.NonDeterminismError

	// NotRegisteredError reports a workflow, activity, or query name with
	// no registered implementation.
	NotRegisteredError = internal.NotRegisteredError

	// WorkflowFailure is what WaitWorkflow returns for any non-completed
	// terminal status.
	WorkflowFailure = internal.WorkflowFailure
)

const (
	ErrNotRegistered   = internal.ErrNotRegistered
	ErrSerialization   = internal.ErrSerialization
	ErrActivityFailed  = internal.ErrActivityFailed
	ErrActivityTimeout = internal.ErrActivityTimeout
	ErrWorkflowTimeout = internal.ErrWorkflowTimeout
	ErrCanceled        = internal.ErrCanceled
	ErrNondeterminism  = internal.ErrNondeterminism
	ErrInternal        = internal.ErrInternal
)
