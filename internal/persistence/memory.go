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
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pborman/uuid"

	"go.durable.dev/engine/internal"
)

// Memory is an in-process Store: a mutex plus container/list-ordered maps.
// It is not durable across process restarts — that tradeoff is documented,
// not hidden — and exists for the engine's own test suite and for hosts
// that only need single-process durability (tests, local dev).
type Memory struct {
	mu sync.Mutex

	executions map[string]*internal.Execution
	execOrder  *list.List // of string execution ids, insertion order

	history map[string][]internal.HistoryEvent

	tasks     map[int64]*internal.ActivityTask
	taskOrder *list.List // of int64 handles, insertion order
	nextTask  int64
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		executions: make(map[string]*internal.Execution),
		execOrder:  list.New(),
		history:    make(map[string][]internal.HistoryEvent),
		tasks:      make(map[int64]*internal.ActivityTask),
		taskOrder:  list.New(),
	}
}

func cloneExecution(e *internal.Execution) internal.Execution {
	out := *e
	return out
}

func cloneTask(t *internal.ActivityTask) internal.ActivityTask {
	out := *t
	return out
}

func (m *Memory) CreateExecution(_ context.Context, workflowName string, inputs []byte, timeout time.Duration, parentID *string, parentHandle *int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewRandom().String()
	now := time.Now()
	exec := &internal.Execution{
		ID:           id,
		WorkflowName: workflowName,
		Inputs:       inputs,
		Status:       internal.StatusPending,
		CreatedAt:    now,
		ParentID:     parentID,
		ParentHandle: parentHandle,
		NextWakeupAt: &now,
	}
	if timeout > 0 {
		deadline := now.Add(timeout)
		exec.TimeoutAt = &deadline
	}
	m.executions[id] = exec
	m.execOrder.PushBack(id)
	m.history[id] = []internal.HistoryEvent{{
		ExecutionID: id,
		Pos:         0,
		Kind:        internal.EventWorkflowStarted,
		CreatedAt:   now,
	}}
	return id, nil
}

func (m *Memory) AppendEvents(_ context.Context, executionID string, events []internal.HistoryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEventsLocked(executionID, events)
}

func (m *Memory) appendEventsLocked(executionID string, events []internal.HistoryEvent) error {
	existing := m.history[executionID]
	pos := len(existing)
	now := time.Now()
	for i := range events {
		events[i].Pos = pos
		events[i].ExecutionID = executionID
		events[i].CreatedAt = now
		pos++
	}
	m.history[executionID] = append(existing, events...)
	return nil
}

func (m *Memory) Notify(_ context.Context, executionID string, events []internal.HistoryEvent, wakeAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return fmt.Errorf("persistence: unknown execution %q", executionID)
	}
	if exec.Status.Terminal() {
		return nil
	}
	if len(events) > 0 {
		if err := m.appendEventsLocked(executionID, events); err != nil {
			return err
		}
	}
	exec.NextWakeupAt = &wakeAt
	return nil
}

func (m *Memory) EnqueueTasks(_ context.Context, tasks []internal.ActivityTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range tasks {
		m.enqueueTaskLocked(&tasks[i])
	}
	return nil
}

func (m *Memory) enqueueTaskLocked(t *internal.ActivityTask) {
	m.nextTask++
	t.Handle = m.nextTask
	stored := *t
	m.tasks[t.Handle] = &stored
	m.taskOrder.PushBack(t.Handle)
}

func (m *Memory) LeaseDueTasks(_ context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]internal.ActivityTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []internal.ActivityTask
	for e := m.taskOrder.Front(); e != nil && len(out) < limit; e = e.Next() {
		handle := e.Value.(int64)
		t := m.tasks[handle]
		if t == nil || !t.Due(now) {
			continue
		}
		t.Status = internal.TaskRunning
		t.LockedBy = &owner
		lu := leaseUntil
		t.LockedUntil = &lu
		if t.HeartbeatTimeout != nil {
			// Each lease is a fresh attempt: seed the heartbeat clock at
			// lease time so a crashed/hung activity that never calls
			// Heartbeat is still caught by FetchTimedOutTasks, instead of
			// only activities that heartbeat at least once.
			started := now
			t.LastHeartbeatAt = &started
		}
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (m *Memory) CompleteTask(_ context.Context, input TerminalTaskInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[input.Handle]
	if !ok {
		return fmt.Errorf("persistence: unknown task handle %d", input.Handle)
	}
	t.Status = input.Status
	t.LockedBy = nil
	t.LockedUntil = nil

	ev := input.Event
	if err := m.appendEventsLocked(ev.ExecutionID, []internal.HistoryEvent{ev}); err != nil {
		return err
	}
	return m.markRunnableLocked(input.WakeupExecID, time.Now())
}

func (m *Memory) RequeueTask(_ context.Context, handle int64, attempt int, afterTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[handle]
	if !ok {
		return fmt.Errorf("persistence: unknown task handle %d", handle)
	}
	t.Status = internal.TaskQueued
	t.Attempt = attempt
	t.AfterTime = afterTime
	t.LockedBy = nil
	t.LockedUntil = nil
	return nil
}

func (m *Memory) markRunnableLocked(executionID string, at time.Time) error {
	exec, ok := m.executions[executionID]
	if !ok {
		return fmt.Errorf("persistence: unknown execution %q", executionID)
	}
	if exec.Status.Terminal() {
		return nil
	}
	exec.NextWakeupAt = &at
	return nil
}

func (m *Memory) StepCommit(_ context.Context, input StepCommitInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[input.ExecutionID]
	if !ok {
		return fmt.Errorf("persistence: unknown execution %q", input.ExecutionID)
	}

	if len(input.NewEvents) > 0 {
		if err := m.appendEventsLocked(input.ExecutionID, input.NewEvents); err != nil {
			return err
		}
	}
	for i := range input.NewTasks {
		m.enqueueTaskLocked(&input.NewTasks[i])
	}
	for _, child := range input.NewChildren {
		id := uuid.NewRandom().String()
		now := time.Now()
		childExec := &internal.Execution{
			ID:           id,
			WorkflowName: child.WorkflowName,
			Inputs:       child.Inputs,
			Status:       internal.StatusPending,
			CreatedAt:    now,
			ParentID:     &child.ParentID,
			ParentHandle: &child.ParentHandle,
			NextWakeupAt: &now,
		}
		if child.Timeout > 0 {
			deadline := now.Add(child.Timeout)
			childExec.TimeoutAt = &deadline
		}
		m.executions[id] = childExec
		m.execOrder.PushBack(id)
		m.history[id] = []internal.HistoryEvent{{
			ExecutionID: id,
			Pos:         0,
			Kind:        internal.EventWorkflowStarted,
			CreatedAt:   now,
		}}
	}

	if input.NewStatus != nil {
		exec.Status = *input.NewStatus
		now := time.Now()
		if exec.Status.Terminal() {
			exec.FinishedAt = &now
			exec.NextWakeupAt = nil
			if input.Result.Kind != "" {
				var payload internal.TerminalPayload
				_ = json.Unmarshal(input.Result.Payload, &payload)
				exec.Result = payload.Result
				exec.Error = payload.Error
			}
		}
	}
	if input.ClearWakeup {
		exec.NextWakeupAt = nil
	} else if input.NextWakeupAt != nil {
		exec.NextWakeupAt = input.NextWakeupAt
	}
	return nil
}

func (m *Memory) FetchRunnable(_ context.Context, now time.Time, limit int) ([]internal.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []internal.Execution
	for e := m.execOrder.Front(); e != nil && len(out) < limit; e = e.Next() {
		id := e.Value.(string)
		exec := m.executions[id]
		if exec.Runnable(now) {
			out = append(out, cloneExecution(exec))
		}
	}
	return out, nil
}

func (m *Memory) FetchTimedOutTasks(_ context.Context, now time.Time, limit int) ([]internal.ActivityTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []internal.ActivityTask
	for e := m.taskOrder.Front(); e != nil && len(out) < limit; e = e.Next() {
		t := m.tasks[e.Value.(int64)]
		if t.Status != internal.TaskRunning {
			continue
		}
		expired := t.ExpiresAt != nil && !t.ExpiresAt.After(now)
		heartbeatExpired := t.HeartbeatTimeout != nil && t.LastHeartbeatAt != nil &&
			!t.LastHeartbeatAt.Add(*t.HeartbeatTimeout).After(now)
		if expired || heartbeatExpired {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (m *Memory) FetchTimedOutExecutions(_ context.Context, now time.Time, limit int) ([]internal.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []internal.Execution
	for e := m.execOrder.Front(); e != nil && len(out) < limit; e = e.Next() {
		exec := m.executions[e.Value.(string)]
		if exec.Status.Terminal() {
			continue
		}
		if exec.TimeoutAt != nil && !exec.TimeoutAt.After(now) {
			out = append(out, cloneExecution(exec))
		}
	}
	return out, nil
}

func (m *Memory) Snapshot(_ context.Context, executionID string) (*internal.Execution, []internal.HistoryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, nil, fmt.Errorf("persistence: unknown execution %q", executionID)
	}
	out := cloneExecution(exec)
	events := make([]internal.HistoryEvent, len(m.history[executionID]))
	copy(events, m.history[executionID])
	return &out, events, nil
}

func (m *Memory) CancelExecution(_ context.Context, executionID, reason string, cancelQueuedActivities bool, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("persistence: unknown execution %q", executionID)
	}
	if exec.Status.Terminal() {
		return nil, nil
	}

	exec.Status = internal.StatusCanceled
	exec.FinishedAt = &now
	exec.NextWakeupAt = nil
	exec.Error = internal.NewEngineError(internal.ErrCanceled, reason, nil)
	payload, err := json.Marshal(internal.TerminalPayload{Error: exec.Error})
	if err != nil {
		return nil, err
	}
	if err := m.appendEventsLocked(executionID, []internal.HistoryEvent{{
		Kind:    internal.EventWorkflowCanceled,
		Payload: payload,
	}}); err != nil {
		return nil, err
	}

	if cancelQueuedActivities {
		for e := m.taskOrder.Front(); e != nil; e = e.Next() {
			t := m.tasks[e.Value.(int64)]
			if t.ExecutionID == executionID && t.Status == internal.TaskQueued {
				t.Status = internal.TaskCanceled
			}
		}
	}

	var children []string
	for e := m.execOrder.Front(); e != nil; e = e.Next() {
		id := e.Value.(string)
		child := m.executions[id]
		if child.ParentID != nil && *child.ParentID == executionID && !child.Status.Terminal() {
			children = append(children, id)
		}
	}
	return children, nil
}

func (m *Memory) Heartbeat(_ context.Context, handle int64, details []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[handle]
	if !ok {
		return fmt.Errorf("persistence: unknown task handle %d", handle)
	}
	t.LastHeartbeatAt = &at
	t.HeartbeatDetails = details
	return nil
}

func (m *Memory) TimeoutExecution(_ context.Context, executionID string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("persistence: unknown execution %q", executionID)
	}
	if exec.Status.Terminal() {
		return nil, nil
	}

	exec.Status = internal.StatusTimedOut
	exec.FinishedAt = &now
	exec.NextWakeupAt = nil
	exec.Error = internal.NewEngineError(internal.ErrWorkflowTimeout, "execution exceeded its timeout", nil)
	payload, err := json.Marshal(internal.TerminalPayload{Error: exec.Error})
	if err != nil {
		return nil, err
	}
	if err := m.appendEventsLocked(executionID, []internal.HistoryEvent{{
		Kind:    internal.EventWorkflowTimedOut,
		Payload: payload,
	}}); err != nil {
		return nil, err
	}

	var children []string
	for e := m.execOrder.Front(); e != nil; e = e.Next() {
		id := e.Value.(string)
		child := m.executions[id]
		if child.ParentID != nil && *child.ParentID == executionID && !child.Status.Terminal() {
			children = append(children, id)
		}
	}
	return children, nil
}

func (m *Memory) ChildExecutionIDs(_ context.Context, parentID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var children []string
	for e := m.execOrder.Front(); e != nil; e = e.Next() {
		id := e.Value.(string)
		child := m.executions[id]
		if child.ParentID != nil && *child.ParentID == parentID && !child.Status.Terminal() {
			children = append(children, id)
		}
	}
	return children, nil
}

func (m *Memory) PendingActivityNames(_ context.Context, executionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for e := m.taskOrder.Front(); e != nil; e = e.Next() {
		t := m.tasks[e.Value.(int64)]
		if t.ExecutionID == executionID && !t.Status.Terminal() {
			names = append(names, t.Name)
		}
	}
	return names, nil
}
