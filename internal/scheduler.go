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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Store is the subset of persistence.Store the Scheduler drives. It is
// declared here, not imported, to avoid a dependency cycle between
// internal and internal/persistence (which imports internal for its row
// types); internal/persistence.Store satisfies it structurally.
type Store interface {
	Snapshot(ctx context.Context, executionID string) (*Execution, []HistoryEvent, error)
	StepCommit(ctx context.Context, input StepCommitInput) error
	Notify(ctx context.Context, executionID string, events []HistoryEvent, wakeAt time.Time) error
}

// StepCommitInput is everything one Step produced, in terms the Scheduler
// computes. It is declared here to keep this package's Store interface
// self-contained; persistence.StepCommitInput is a type alias of it.
type StepCommitInput struct {
	ExecutionID  string
	NewEvents    []HistoryEvent
	NewTasks     []ActivityTask
	NewChildren  []ChildStartInput
	NewStatus    *Status
	Result       HistoryEvent
	NextWakeupAt *time.Time
	ClearWakeup  bool
}

// ChildStartInput describes one child execution a Step creates;
// persistence.ChildStartInput is a type alias of it.
type ChildStartInput struct {
	WorkflowName string
	Inputs       []byte
	Timeout      time.Duration
	ParentID     string
	ParentHandle int
}

// Scheduler advances one Execution at a time through step(), the engine's
// core replay-and-commit algorithm.
type Scheduler struct {
	Registry *Registry
	Store    Store
	Now      func() time.Time
	Logger   *zap.Logger
	Scope    tally.Scope
	Tracer   opentracing.Tracer
}

// NewScheduler builds a Scheduler with engine defaults for any unset
// optional field (real clock, no-op logger/scope/tracer).
func NewScheduler(registry *Registry, store Store) *Scheduler {
	return &Scheduler{
		Registry: registry,
		Store:    store,
		Now:      time.Now,
		Logger:   zap.NewNop(),
		Scope:    tally.NoopScope,
		Tracer:   opentracing.NoopTracer{},
	}
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomePaused
	outcomeFailed
)

type stepOutcome struct {
	kind   outcomeKind
	result interface{}
	err    *EngineError
}

// Step is the five-step algorithm from the component design: re-read,
// instantiate, invoke, dispatch, commit. It returns without error when the
// execution was already terminal (a legitimate race between two workers
// both observing it runnable) or when the step committed successfully.
func (s *Scheduler) Step(ctx context.Context, executionID string) error {
	start := s.Now()
	span := s.Tracer.StartSpan("workflow.step")
	span.SetTag("execution_id", executionID)
	defer span.Finish()

	exec, history, err := s.Store.Snapshot(ctx, executionID)
	if err != nil {
		return fmt.Errorf("durable: snapshot %s: %w", executionID, err)
	}
	if exec.Status.Terminal() {
		return nil
	}

	scope := s.Scope.Tagged(map[string]string{"workflow_name": exec.WorkflowName})
	defer func() {
		scope.Timer("scheduler.step.latency").Record(s.Now().Sub(start))
	}()

	logger := s.Logger.With(zap.String("execution_id", executionID), zap.String("workflow_name", exec.WorkflowName))

	rc := NewContext(exec, history, s.Registry, s.Now, logger)
	span.SetTag("pos_start", rc.nextPos)

	outcome := s.invoke(rc, exec)

	input := StepCommitInput{
		ExecutionID: executionID,
		NewEvents:   rc.PendingEvents(),
		NewTasks:    rc.PendingTasks(),
	}
	for _, child := range rc.PendingChildren() {
		input.NewChildren = append(input.NewChildren, ChildStartInput{
			WorkflowName: child.workflowName,
			Inputs:       child.inputs,
			Timeout:      child.timeout,
			ParentID:     executionID,
			ParentHandle: child.scheduledPos,
		})
	}

	switch outcome.kind {
	case outcomeCompleted:
		scope.Counter("scheduler.step.completed").Inc(1)
		resultJSON, merr := json.Marshal(outcome.result)
		var terminalKind EventKind
		var payload TerminalPayload
		status := StatusCompleted
		if merr != nil {
			terminalKind = EventWorkflowFailed
			payload = TerminalPayload{Error: NewEngineError(ErrSerialization, merr.Error(), merr)}
			status = StatusFailed
		} else {
			terminalKind = EventWorkflowCompleted
			payload = TerminalPayload{Result: resultJSON}
		}
		terminal := HistoryEvent{ExecutionID: executionID, Kind: terminalKind, Payload: mustMarshal(payload)}
		input.NewEvents = append(input.NewEvents, terminal)
		input.NewStatus = &status
		input.Result = terminal
		input.ClearWakeup = true

		if err := s.Store.StepCommit(ctx, input); err != nil {
			return fmt.Errorf("durable: step commit %s: %w", executionID, err)
		}
		s.notifyParent(ctx, exec, terminalKind == EventWorkflowCompleted, payload)
		return nil

	case outcomeFailed:
		scope.Counter("scheduler.step.failed").Inc(1)
		status := StatusFailed
		payload := TerminalPayload{Error: outcome.err}
		terminal := HistoryEvent{ExecutionID: executionID, Kind: EventWorkflowFailed, Payload: mustMarshal(payload)}
		input.NewEvents = append(input.NewEvents, terminal)
		input.NewStatus = &status
		input.Result = terminal
		input.ClearWakeup = true

		if err := s.Store.StepCommit(ctx, input); err != nil {
			return fmt.Errorf("durable: step commit %s: %w", executionID, err)
		}
		s.notifyParent(ctx, exec, false, payload)
		return nil

	default: // outcomePaused
		scope.Counter("scheduler.step.paused").Inc(1)
		var wake *time.Time
		for _, t := range rc.PendingTasks() {
			if wake == nil || t.AfterTime.Before(*wake) {
				after := t.AfterTime
				wake = &after
			}
		}
		input.NextWakeupAt = wake
		input.ClearWakeup = wake == nil

		if err := s.Store.StepCommit(ctx, input); err != nil {
			return fmt.Errorf("durable: step commit %s: %w", executionID, err)
		}
		return nil
	}
}

// invoke runs the workflow body, translating its return value, its error
// return, or a recovered panic (needsPause, *NonDeterminismError, or any
// other) into a stepOutcome.
func (s *Scheduler) invoke(rc *Context, exec *Execution) (outcome stepOutcome) {
	fn, _, lookupErr := s.Registry.LookupWorkflow(exec.WorkflowName)
	if lookupErr != nil {
		return stepOutcome{kind: outcomeFailed, err: lookupErr.(*NotRegisteredError).ToEngineError()}
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case needsPause:
			outcome = stepOutcome{kind: outcomePaused}
		case *NonDeterminismError:
			outcome = stepOutcome{kind: outcomeFailed, err: v.ToEngineError()}
		case *EngineError:
			outcome = stepOutcome{kind: outcomeFailed, err: v}
		case error:
			outcome = stepOutcome{kind: outcomeFailed, err: NewEngineError(ErrInternal, v.Error(), v)}
		default:
			outcome = stepOutcome{kind: outcomeFailed, err: NewEngineError(ErrInternal, fmt.Sprintf("%v", v), nil)}
		}
	}()

	var inputs map[string]interface{}
	if len(exec.Inputs) > 0 {
		if err := json.Unmarshal(exec.Inputs, &inputs); err != nil {
			return stepOutcome{kind: outcomeFailed, err: NewEngineError(ErrSerialization, err.Error(), err)}
		}
	}

	value, err := fn(rc, inputs)
	if err != nil {
		if ee, ok := err.(*EngineError); ok {
			return stepOutcome{kind: outcomeFailed, err: ee}
		}
		if ae, ok := err.(*ActivityError); ok {
			return stepOutcome{kind: outcomeFailed, err: ae.Cause}
		}
		return stepOutcome{kind: outcomeFailed, err: NewEngineError(ErrInternal, err.Error(), err)}
	}
	return stepOutcome{kind: outcomeCompleted, result: value}
}

// notifyParent appends a CHILD_COMPLETED/CHILD_FAILED event into the
// parent's history and wakes it, once a child execution finishes.
func (s *Scheduler) notifyParent(ctx context.Context, child *Execution, succeeded bool, payload TerminalPayload) {
	if child.ParentID == nil || child.ParentHandle == nil {
		return
	}
	payload.ScheduledPos = *child.ParentHandle
	kind := EventChildFailed
	if succeeded {
		kind = EventChildCompleted
	}
	ev := HistoryEvent{ExecutionID: *child.ParentID, Kind: kind, Payload: mustMarshal(payload)}
	if err := s.Store.Notify(ctx, *child.ParentID, []HistoryEvent{ev}, s.Now()); err != nil {
		s.Logger.Error("durable: failed to notify parent of child completion",
			zap.String("parent_id", *child.ParentID), zap.String("child_id", child.ID), zap.Error(err))
	}
}
