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

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.durable.dev/engine/internal"
	"go.durable.dev/engine/internal/persistence"
)

// Client is the host-facing entry point for starting, waiting on,
// signaling, canceling, and querying executions. It holds no state of its
// own beyond the Store and Registry it was built with — every call is one
// Store round trip, except WaitWorkflow, which polls, and CancelWorkflow,
// which makes one call per execution it cancels. A Client is safe
// for concurrent use by multiple goroutines.
//
// Unlike the teacher SDK's Client, which speaks to a remote Cadence/
// Temporal frontend service over gRPC, this Client talks directly to the
// same persistence.Store a worker.Worker polls; there is no server process
// in between.
type Client struct {
	store    persistence.Store
	registry *internal.Registry
	now      func() time.Time

	// WaitPollInterval is how often WaitWorkflow re-checks Snapshot while
	// an execution is non-terminal. Defaults to 200ms if zero.
	WaitPollInterval time.Duration
}

// NewClient returns a Client backed by store, resolving query handlers
// against registry.
func NewClient(store persistence.Store, registry *internal.Registry) *Client {
	return &Client{store: store, registry: registry, now: time.Now}
}

// StartWorkflow creates a new Execution of the named workflow with the
// given inputs and returns its id. timeout of zero means no workflow-level
// deadline. inputs is marshaled to JSON; a non-JSON-serializable value
// fails with a SerializationError before any state is written.
func (c *Client) StartWorkflow(ctx context.Context, name string, inputs map[string]interface{}, timeout time.Duration) (string, error) {
	payload, err := json.Marshal(inputs)
	if err != nil {
		return "", &internal.SerializationError{Message: err.Error()}
	}
	return c.store.CreateExecution(ctx, name, payload, timeout, nil, nil)
}

// WaitWorkflow blocks until executionID reaches a terminal status, then
// returns its result. A non-COMPLETED terminal (FAILED, TIMED_OUT,
// CANCELED) is reported as a *WorkflowFailure, not a plain error, so
// callers can type-switch on Kind. ctx cancellation stops polling and
// returns ctx.Err().
func (c *Client) WaitWorkflow(ctx context.Context, executionID string) (json.RawMessage, error) {
	interval := c.WaitPollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exec, _, err := c.store.Snapshot(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			if exec.Status == internal.StatusCompleted {
				return exec.Result, nil
			}
			return nil, workflowFailure(exec)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// workflowFailure builds the *WorkflowFailure a terminal, non-completed
// Execution raises from WaitWorkflow.
func workflowFailure(exec *internal.Execution) *WorkflowFailure {
	if exec.Error == nil {
		return &WorkflowFailure{Kind: ErrInternal, Message: fmt.Sprintf("execution %s terminated %s with no recorded error", exec.ID, exec.Status)}
	}
	return &WorkflowFailure{Kind: exec.Error.Kind, Message: exec.Error.Message}
}

// SignalWorkflow delivers a named signal with a JSON-serializable payload
// to executionID, waking it for a scheduler step. If the execution is
// already terminal the signal is silently dropped — this is documented
// behavior, not an error, matching spec's signal_workflow contract.
func (c *Client) SignalWorkflow(ctx context.Context, executionID, name string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &internal.SerializationError{Message: err.Error()}
	}
	event := internal.HistoryEvent{
		ExecutionID: executionID,
		Kind:        internal.EventSignalReceived,
		Payload:     mustMarshalPayload(internal.SignalPayload{Name: name, Payload: raw}),
	}
	return c.store.Notify(ctx, executionID, []internal.HistoryEvent{event}, c.now())
}

// CancelWorkflow cancels executionID and, recursively, every non-terminal
// descendant it has spawned as a child workflow. It is idempotent: calling
// it on an already-terminal execution (or any of its already-terminal
// descendants) is a no-op for that execution. cancelQueuedActivities, true
// by default in the CLI, also marks this execution's QUEUED ActivityTasks
// CANCELED; already-RUNNING activities are not preempted (see spec §5).
func (c *Client) CancelWorkflow(ctx context.Context, executionID, reason string, cancelQueuedActivities bool) error {
	children, err := c.store.CancelExecution(ctx, executionID, reason, cancelQueuedActivities, c.now())
	if err != nil {
		return err
	}
	for _, childID := range children {
		if err := c.CancelWorkflow(ctx, childID, reason, cancelQueuedActivities); err != nil {
			return err
		}
	}
	return nil
}

// QueryWorkflow invokes the named query handler registered for
// executionID's workflow, against a read-only snapshot of its current
// state. Query handlers never mutate state and may run against a
// non-terminal execution.
func (c *Client) QueryWorkflow(ctx context.Context, executionID, name string, payload interface{}) (interface{}, error) {
	exec, _, err := c.store.Snapshot(ctx, executionID)
	if err != nil {
		return nil, err
	}
	fn, err := c.registry.LookupQuery(exec.WorkflowName, name)
	if err != nil {
		return nil, err
	}
	return fn(exec, payload)
}

func mustMarshalPayload(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(&internal.SerializationError{Message: err.Error()})
	}
	return b
}
