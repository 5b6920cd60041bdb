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
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
)

// WorkflowFunc is the shape of a registered workflow body: it receives the
// replay Context and the raw JSON-decoded inputs, and returns a JSON-
// serializable result or an error.
type WorkflowFunc func(ctx *Context, inputs map[string]interface{}) (interface{}, error)

// ActivityFunc is the shape of a registered activity body. It runs outside
// replay, on the worker, with no access to the Context.
type ActivityFunc func(ctx ActivityContext, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// QueryFunc is a read-only query handler: it observes a snapshot of the
// execution and never mutates state.
type QueryFunc func(snapshot *Execution, payload interface{}) (interface{}, error)

type workflowRegistration struct {
	fn      WorkflowFunc
	timeout time.Duration
	cron    cron.Schedule
}

type activityRegistration struct {
	fn               ActivityFunc
	timeout          time.Duration
	heartbeatTimeout time.Duration
	retryPolicy      RetryPolicy
}

// Registry maps string names to workflow and activity implementations, and
// per-workflow query handlers. It is process-wide, read-mostly state: all
// registration happens at startup, before any worker or scheduler
// dereferences it, so lookups need only a read lock.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]workflowRegistration
	activities map[string]activityRegistration
	queries    map[string]map[string]QueryFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]workflowRegistration),
		activities: make(map[string]activityRegistration),
		queries:    make(map[string]map[string]QueryFunc),
	}
}

// RegisterWorkflow registers fn under name. Name collisions are fatal at
// registration: they indicate a programming error in the host, not a
// recoverable runtime condition.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		panic(fmt.Sprintf("durable: workflow %q already registered", name))
	}
	r.workflows[name] = workflowRegistration{fn: fn, timeout: timeout}
}

// RegisterCronWorkflow registers fn as a workflow that the worker loop also
// starts automatically on the given cron schedule (UTC), in addition to
// any explicit start_workflow calls. This is additive scheduling sugar: it
// creates a fresh Execution per firing and does not change the
// Execution/HistoryEvent model.
func (r *Registry) RegisterCronWorkflow(name string, schedule string, fn WorkflowFunc, timeout time.Duration) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("durable: invalid cron schedule %q for workflow %q: %w", schedule, name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		panic(fmt.Sprintf("durable: workflow %q already registered", name))
	}
	r.workflows[name] = workflowRegistration{fn: fn, timeout: timeout, cron: sched}
	return nil
}

// RegisterActivity registers fn under name. A zero-value retryPolicy is
// replaced by DefaultRetryPolicy.
func (r *Registry) RegisterActivity(name string, fn ActivityFunc, timeout, heartbeatTimeout time.Duration, retryPolicy RetryPolicy) {
	if retryPolicy == (RetryPolicy{}) {
		retryPolicy = DefaultRetryPolicy
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == SleepActivityName {
		panic("durable: __sleep__ is reserved and cannot be registered")
	}
	if _, exists := r.activities[name]; exists {
		panic(fmt.Sprintf("durable: activity %q already registered", name))
	}
	r.activities[name] = activityRegistration{
		fn:               fn,
		timeout:          timeout,
		heartbeatTimeout: heartbeatTimeout,
		retryPolicy:      retryPolicy,
	}
}

// RegisterQuery registers a read-only query handler for workflowName.
func (r *Registry) RegisterQuery(workflowName, queryName string, fn QueryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers, ok := r.queries[workflowName]
	if !ok {
		handlers = make(map[string]QueryFunc)
		r.queries[workflowName] = handlers
	}
	handlers[queryName] = fn
}

// LookupWorkflow returns the registered workflow body, or a NotRegisteredError.
func (r *Registry) LookupWorkflow(name string) (WorkflowFunc, time.Duration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.workflows[name]
	if !ok {
		return nil, 0, &NotRegisteredError{Kind: "workflow", Name: name}
	}
	return reg.fn, reg.timeout, nil
}

// LookupActivity returns the registered activity body, or a NotRegisteredError.
func (r *Registry) LookupActivity(name string) (ActivityFunc, time.Duration, time.Duration, RetryPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.activities[name]
	if !ok {
		return nil, 0, 0, RetryPolicy{}, &NotRegisteredError{Kind: "activity", Name: name}
	}
	return reg.fn, reg.timeout, reg.heartbeatTimeout, reg.retryPolicy, nil
}

// LookupQuery returns the registered query handler, or a NotRegisteredError.
func (r *Registry) LookupQuery(workflowName, name string) (QueryFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers, ok := r.queries[workflowName]
	if !ok {
		return nil, &NotRegisteredError{Kind: "query", Name: fmt.Sprintf("%s/%s", workflowName, name)}
	}
	fn, ok := handlers[name]
	if !ok {
		return nil, &NotRegisteredError{Kind: "query", Name: fmt.Sprintf("%s/%s", workflowName, name)}
	}
	return fn, nil
}

// CronWorkflows returns the names and schedules of every workflow
// registered with RegisterCronWorkflow, for the worker loop's cron tick.
func (r *Registry) CronWorkflows() map[string]cron.Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]cron.Schedule)
	for name, reg := range r.workflows {
		if reg.cron != nil {
			out[name] = reg.cron
		}
	}
	return out
}
