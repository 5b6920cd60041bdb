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

	"go.uber.org/zap"
)

// needsPause is the control-flow sentinel a Context operation panics with
// to unwind a workflow body back to the Scheduler once it has recorded a
// schedule event with no result yet available. It carries no data; the
// pending writes it should commit are already buffered on the Context.
type needsPause struct{}

// Context is the only legal side-effect surface inside a workflow body. It
// is reconstructed fresh on every replay from the Execution and its
// ordered HistoryEvents; its exported operations implement the two-phase
// replay/record protocol from the determinism contract: consult history
// first, and only schedule+pause when the history has nothing recorded yet
// for this decision point.
type Context struct {
	execution *Execution
	registry  *Registry
	now       func() time.Time
	logger    *zap.Logger

	history []HistoryEvent // full, ordered, read-only snapshot for this replay
	cursor  int            // next index into history the *next sequential decision* must match
	nextPos int            // pos to assign to the next appended event

	pendingEvents []HistoryEvent
	pendingTasks  []ActivityTask
	pendingChildren []childStart

	signalWaitCount map[string]int
}

type childStart struct {
	scheduledPos int
	workflowName string
	inputs       json.RawMessage
	timeout      time.Duration
}

// NewContext constructs a fresh Context for one replay of execution against
// history. now is injected so replay is independently testable. history is
// expected to include the leading WORKFLOW_STARTED event written by
// create_execution; it is never matched against by a Context operation, so
// the cursor starts immediately past it.
func NewContext(execution *Execution, history []HistoryEvent, registry *Registry, now func() time.Time, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	cursor := 0
	if len(history) > 0 && history[0].Kind == EventWorkflowStarted {
		cursor = 1
	}
	return &Context{
		execution:       execution,
		registry:        registry,
		now:             now,
		logger:          logger,
		history:         history,
		cursor:          cursor,
		nextPos:         len(history),
		signalWaitCount: make(map[string]int),
	}
}

// Logger returns a logger scoped to this execution. Calls to it are not a
// replay-safe side effect: on replay they re-execute and re-emit, the same
// caveat workflow.GetLogger carries in comparable SDKs.
func (c *Context) Logger() *zap.Logger {
	return c.logger.With(zap.String("execution_id", c.execution.ID), zap.String("workflow_name", c.execution.WorkflowName))
}

// PendingEvents returns the events this replay step wants to append, in
// commit order. Valid only after the workflow body has returned or paused.
func (c *Context) PendingEvents() []HistoryEvent { return c.pendingEvents }

// PendingTasks returns the ActivityTasks this replay step wants to enqueue.
func (c *Context) PendingTasks() []ActivityTask { return c.pendingTasks }

// PendingChildren returns the child workflow starts this replay step wants
// to create.
func (c *Context) PendingChildren() []childStart { return c.pendingChildren }

// peek returns the next unconsumed decision event, if any. Resolution
// events (activity/timer/child outcomes and received signals) are not
// decisions: findTerminal and WaitSignal look them up by pos, so the cursor
// steps over them.
func (c *Context) peek() (*HistoryEvent, bool) {
	for c.cursor < len(c.history) && (c.history[c.cursor].Kind.terminal() || c.history[c.cursor].Kind == EventSignalReceived) {
		c.cursor++
	}
	if c.cursor >= len(c.history) {
		return nil, false
	}
	return &c.history[c.cursor], true
}

// expectSequential advances the cursor past the next event iff it matches
// kind, enforcing the determinism contract for a decision that must occur
// in the same relative order on every replay. If history has nothing left,
// it reports (nil, false, nil) so the caller knows to record instead.
func (c *Context) expectSequential(kind EventKind) (*HistoryEvent, bool, error) {
	ev, ok := c.peek()
	if !ok {
		return nil, false, nil
	}
	if ev.Kind != kind {
		return nil, false, &NonDeterminismError{
			ExecutionID: c.execution.ID,
			Pos:         ev.Pos,
			Expected:    kind,
			Actual:      ev.Kind,
		}
	}
	c.cursor++
	return ev, true, nil
}

// appendEvent buffers a new event for commit and returns its assigned pos.
func (c *Context) appendEvent(kind EventKind, payload interface{}) HistoryEvent {
	ev := HistoryEvent{
		ExecutionID: c.execution.ID,
		Pos:         c.nextPos,
		Kind:        kind,
		Payload:     mustMarshal(payload),
	}
	c.nextPos++
	c.pendingEvents = append(c.pendingEvents, ev)
	return ev
}

// findTerminal searches the full history (not just from cursor — concurrent
// in-flight activities/children/timers may complete out of the order they
// were started in) for the terminal event paired with scheduledPos.
func (c *Context) findTerminal(scheduledPos int) (*HistoryEvent, *TerminalPayload, bool) {
	for i := range c.history {
		ev := &c.history[i]
		if !ev.Kind.terminal() {
			continue
		}
		var tp TerminalPayload
		if err := json.Unmarshal(ev.Payload, &tp); err != nil {
			continue
		}
		if tp.ScheduledPos == scheduledPos {
			return ev, &tp, true
		}
	}
	return nil, nil, false
}

// pause buffers nothing further and unwinds the workflow body.
func pause() {
	panic(needsPause{})
}

// --- Activities ---

// StartActivity schedules an activity without waiting for it and returns a
// stable handle (the pos of its ACTIVITY_SCHEDULED event). It never pauses:
// the handle is itself the deterministic result of this decision point.
func (c *Context) StartActivity(name string, args []interface{}, kwargs map[string]interface{}) int {
	if ev, ok, err := c.expectSequential(EventActivityScheduled); err != nil {
		panic(err)
	} else if ok {
		return ev.Pos
	}

	timeout, heartbeatTimeout, retryPolicy := c.activityOptions(name)
	ev := c.appendEvent(EventActivityScheduled, ActivityScheduledPayload{Name: name, Args: args, Kwargs: kwargs})

	task := ActivityTask{
		ExecutionID:       c.execution.ID,
		Name:              name,
		Args:              mustMarshal(args),
		Kwargs:            mustMarshal(kwargs),
		Status:            TaskQueued,
		Attempt:           1,
		ScheduledAt:       c.now(),
		AfterTime:         c.now(),
		RetryPolicy:       retryPolicy,
		ScheduledEventPos: ev.Pos,
	}
	if timeout > 0 {
		expires := c.now().Add(timeout)
		task.ExpiresAt = &expires
	}
	if heartbeatTimeout > 0 {
		task.HeartbeatTimeout = &heartbeatTimeout
	}
	c.pendingTasks = append(c.pendingTasks, task)
	return ev.Pos
}

func (c *Context) activityOptions(name string) (time.Duration, time.Duration, RetryPolicy) {
	if name == SleepActivityName {
		return 0, 0, RetryPolicy{}
	}
	_, timeout, heartbeatTimeout, retryPolicy, err := c.registry.LookupActivity(name)
	if err != nil {
		panic(err.(*NotRegisteredError).ToEngineError())
	}
	return timeout, heartbeatTimeout, retryPolicy
}

// WaitActivity blocks (by pausing, if necessary) until the terminal event
// paired with handle exists, then returns its result or re-raises its
// error as an *ActivityError.
func (c *Context) WaitActivity(name string, handle int) (json.RawMessage, error) {
	_, payload, ok := c.findTerminal(handle)
	if !ok {
		pause()
	}
	if payload.Error != nil {
		return nil, &ActivityError{ActivityName: name, Cause: payload.Error}
	}
	return payload.Result, nil
}

// RunActivity schedules name and blocks until it completes, returning its
// JSON result or an *ActivityError.
func (c *Context) RunActivity(name string, args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	handle := c.StartActivity(name, args, kwargs)
	return c.WaitActivity(name, handle)
}

// --- Timers ---

// Sleep durably sleeps for d: equivalent to RunActivity("__sleep__", ...)
// with after_time = now+d and TIMER_SCHEDULED/TIMER_FIRED event kinds.
func (c *Context) Sleep(d time.Duration) {
	var scheduledPos int
	if ev, ok, err := c.expectSequential(EventTimerScheduled); err != nil {
		panic(err)
	} else if ok {
		scheduledPos = ev.Pos
	} else {
		ev := c.appendEvent(EventTimerScheduled, ActivityScheduledPayload{Name: SleepActivityName})
		scheduledPos = ev.Pos
		after := c.now().Add(d)
		c.pendingTasks = append(c.pendingTasks, ActivityTask{
			ExecutionID:       c.execution.ID,
			Name:              SleepActivityName,
			Args:              mustMarshal([]interface{}{}),
			Kwargs:            mustMarshal(map[string]interface{}{}),
			Status:            TaskQueued,
			Attempt:           1,
			ScheduledAt:       c.now(),
			AfterTime:         after,
			ScheduledEventPos: scheduledPos,
		})
	}

	if _, _, ok := c.findTerminal(scheduledPos); !ok {
		pause()
	}
}

// --- Signals ---

// WaitSignal blocks until a SIGNAL_RECEIVED event for name exists at or
// after this wait's own pos.
func (c *Context) WaitSignal(name string) json.RawMessage {
	var waitPos int
	if ev, ok, err := c.expectSequential(EventSignalWait); err != nil {
		panic(err)
	} else if ok {
		waitPos = ev.Pos
	} else {
		ev := c.appendEvent(EventSignalWait, SignalPayload{Name: name})
		waitPos = ev.Pos
	}

	for i := range c.history {
		ev := &c.history[i]
		if ev.Kind != EventSignalReceived || ev.Pos < waitPos {
			continue
		}
		var sp SignalPayload
		if err := json.Unmarshal(ev.Payload, &sp); err != nil || sp.Name != name {
			continue
		}
		return sp.Payload
	}
	pause()
	return nil // unreachable
}

// --- Child workflows ---

// StartChildWorkflow schedules a child Execution without waiting and
// returns a stable handle (its CHILD_SCHEDULED event's pos).
func (c *Context) StartChildWorkflow(workflowName string, inputs map[string]interface{}, timeout time.Duration) int {
	if ev, ok, err := c.expectSequential(EventChildScheduled); err != nil {
		panic(err)
	} else if ok {
		return ev.Pos
	}
	ev := c.appendEvent(EventChildScheduled, WorkflowStartedPayload{WorkflowName: workflowName, Inputs: mustMarshal(inputs)})
	c.pendingChildren = append(c.pendingChildren, childStart{
		scheduledPos: ev.Pos,
		workflowName: workflowName,
		inputs:       mustMarshal(inputs),
		timeout:      timeout,
	})
	return ev.Pos
}

// WaitChildWorkflow blocks until the child's terminal event exists.
func (c *Context) WaitChildWorkflow(handle int) (json.RawMessage, error) {
	_, payload, ok := c.findTerminal(handle)
	if !ok {
		pause()
	}
	if payload.Error != nil {
		return nil, payload.Error
	}
	return payload.Result, nil
}

// RunChildWorkflow schedules a child workflow and blocks until it completes.
func (c *Context) RunChildWorkflow(workflowName string, inputs map[string]interface{}, timeout time.Duration) (json.RawMessage, error) {
	handle := c.StartChildWorkflow(workflowName, inputs, timeout)
	return c.WaitChildWorkflow(handle)
}

// --- Versioning ---

// GetVersion records (on first call) or replays (thereafter) a version
// marker for changeID, letting a workflow branch on code evolution while
// preserving determinism for in-flight executions.
func (c *Context) GetVersion(changeID string, version int) int {
	ev, ok, err := c.expectSequential(EventVersionMarker)
	if err != nil {
		panic(err)
	}
	if ok {
		var vp VersionMarkerPayload
		if jerr := json.Unmarshal(ev.Payload, &vp); jerr != nil || vp.ChangeID != changeID {
			panic(&NonDeterminismError{
				ExecutionID: c.execution.ID,
				Pos:         ev.Pos,
				Expected:    EventVersionMarker,
				Actual:      ev.Kind,
			})
		}
		return vp.Version
	}
	c.appendEvent(EventVersionMarker, VersionMarkerPayload{ChangeID: changeID, Version: version})
	return version
}

// Patched records (on first call) or replays a boolean patch marker for
// changeID.
func (c *Context) Patched(changeID string) bool {
	return c.patchMarker(changeID, true)
}

// DeprecatePatch records that changeID's non-patched branch is now the only
// branch new executions take, while still consuming the marker event for
// executions that recorded it as patched before the deprecation.
func (c *Context) DeprecatePatch(changeID string) {
	c.patchMarker(changeID, false)
}

func (c *Context) patchMarker(changeID string, defaultValue bool) bool {
	ev, ok, err := c.expectSequential(EventPatchMarker)
	if err != nil {
		panic(err)
	}
	if ok {
		var pp PatchMarkerPayload
		if jerr := json.Unmarshal(ev.Payload, &pp); jerr != nil || pp.ChangeID != changeID {
			panic(&NonDeterminismError{
				ExecutionID: c.execution.ID,
				Pos:         ev.Pos,
				Expected:    EventPatchMarker,
				Actual:      ev.Kind,
			})
		}
		return pp.Patched
	}
	c.appendEvent(EventPatchMarker, PatchMarkerPayload{ChangeID: changeID, Patched: defaultValue})
	return defaultValue
}

// Execution exposes the read-only Execution this Context was built for.
func (c *Context) Execution() *Execution { return c.execution }
