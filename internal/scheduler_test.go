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

package internal_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"go.durable.dev/engine/internal"
	"go.durable.dev/engine/internal/persistence"
)

// SchedulerSuite drives Scheduler.Step directly against a Memory store,
// completing ActivityTasks by hand (rather than through a worker.Worker) so
// these tests isolate the replay/record contract from the poll loop.
type SchedulerSuite struct {
	suite.Suite
	store     *persistence.Memory
	registry  *internal.Registry
	scheduler *internal.Scheduler
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.store = persistence.NewMemory()
	s.registry = internal.NewRegistry()
	s.scheduler = internal.NewScheduler(s.registry, s.store)
}

// completeActivity simulates a worker finishing the activity scheduled at
// scheduledPos in executionID's history: it appends the paired
// ACTIVITY_COMPLETED event and wakes the execution, the history half of
// what worker.completeTaskSuccess does. The ActivityTask row itself is left
// untouched.
func (s *SchedulerSuite) completeActivity(executionID string, scheduledPos int, result interface{}) {
	resultJSON, err := json.Marshal(result)
	s.Require().NoError(err)
	payload := internal.TerminalPayload{ScheduledPos: scheduledPos, Result: resultJSON}
	payloadJSON, err := json.Marshal(payload)
	s.Require().NoError(err)
	ev := internal.HistoryEvent{ExecutionID: executionID, Kind: internal.EventActivityCompleted, Payload: payloadJSON}
	s.Require().NoError(s.store.AppendEvents(context.Background(), executionID, []internal.HistoryEvent{ev}))
	_, _, err = s.store.Snapshot(context.Background(), executionID)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Notify(context.Background(), executionID, nil, time.Now()))
}

// scheduledPosOf returns the pos of the first event of kind in executionID's
// history, for correlating a just-scheduled activity with its completion.
func (s *SchedulerSuite) scheduledPosOf(executionID string, kind internal.EventKind) int {
	_, history, err := s.store.Snapshot(context.Background(), executionID)
	s.Require().NoError(err)
	for _, ev := range history {
		if ev.Kind == kind {
			return ev.Pos
		}
	}
	s.FailNow("no event of kind found", kind)
	return -1
}

// TestLinearTwoStep covers spec scenario 1: a workflow that runs one
// activity and returns its result.
func (s *SchedulerSuite) TestLinearTwoStep() {
	s.registry.RegisterActivity("add", func(_ internal.ActivityContext, args []interface{}, _ map[string]interface{}) (interface{}, error) {
		a := args[0].(float64)
		b := args[1].(float64)
		return a + b, nil
	}, 0, 0, internal.DefaultRetryPolicy)

	s.registry.RegisterWorkflow("add_workflow", func(ctx *internal.Context, inputs map[string]interface{}) (interface{}, error) {
		a := inputs["a"]
		b := inputs["b"]
		result, err := ctx.RunActivity("add", []interface{}{a, b}, nil)
		if err != nil {
			return nil, err
		}
		var v float64
		if err := json.Unmarshal(result, &v); err != nil {
			return nil, err
		}
		return map[string]interface{}{"value": v}, nil
	}, 0)

	ctx := context.Background()
	id, err := s.store.CreateExecution(ctx, "add_workflow", []byte(`{"a":2,"b":3}`), 0, nil, nil)
	s.Require().NoError(err)

	// First step schedules "add" and pauses.
	s.Require().NoError(s.scheduler.Step(ctx, id))
	exec, history, err := s.store.Snapshot(ctx, id)
	s.Require().NoError(err)
	s.Equal(internal.StatusPending, exec.Status)
	s.Require().Len(history, 2) // WORKFLOW_STARTED, ACTIVITY_SCHEDULED
	s.Equal(internal.EventActivityScheduled, history[1].Kind)

	// Complete the activity out of band (as a worker would) and step again.
	pos := s.scheduledPosOf(id, internal.EventActivityScheduled)
	s.completeActivity(id, pos, 5)
	s.Require().NoError(s.scheduler.Step(ctx, id))

	exec, history, err = s.store.Snapshot(ctx, id)
	s.Require().NoError(err)
	s.Equal(internal.StatusCompleted, exec.Status)
	s.Require().Len(history, 4)
	kinds := []internal.EventKind{history[0].Kind, history[1].Kind, history[2].Kind, history[3].Kind}
	s.Equal([]internal.EventKind{
		internal.EventWorkflowStarted,
		internal.EventActivityScheduled,
		internal.EventActivityCompleted,
		internal.EventWorkflowCompleted,
	}, kinds)

	var result struct {
		Value float64 `json:"value"`
	}
	s.Require().NoError(json.Unmarshal(exec.Result, &result))
	s.Equal(5.0, result.Value)
}

// TestSignalWait covers spec scenario 4: a workflow that blocks on
// wait_signal until an external signal arrives.
func (s *SchedulerSuite) TestSignalWait() {
	s.registry.RegisterWorkflow("await_go", func(ctx *internal.Context, _ map[string]interface{}) (interface{}, error) {
		payload := ctx.WaitSignal("go")
		var v interface{}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	}, 0)

	ctx := context.Background()
	id, err := s.store.CreateExecution(ctx, "await_go", []byte(`{}`), 0, nil, nil)
	s.Require().NoError(err)

	s.Require().NoError(s.scheduler.Step(ctx, id))
	exec, _, err := s.store.Snapshot(ctx, id)
	s.Require().NoError(err)
	s.Equal(internal.StatusPending, exec.Status, "workflow should be parked waiting on the signal, not terminal")

	sigPayload, err := json.Marshal(map[string]interface{}{"x": 1})
	s.Require().NoError(err)
	sigEvent := internal.HistoryEvent{
		ExecutionID: id,
		Kind:        internal.EventSignalReceived,
		Payload:     mustMarshalSignal(s.T(), "go", sigPayload),
	}
	s.Require().NoError(s.store.Notify(ctx, id, []internal.HistoryEvent{sigEvent}, time.Now()))

	s.Require().NoError(s.scheduler.Step(ctx, id))
	exec, _, err = s.store.Snapshot(ctx, id)
	s.Require().NoError(err)
	s.Require().Equal(internal.StatusCompleted, exec.Status)
	var result map[string]interface{}
	s.Require().NoError(json.Unmarshal(exec.Result, &result))
	s.Equal(float64(1), result["x"])
}

func mustMarshalSignal(t *testing.T, name string, payload json.RawMessage) json.RawMessage {
	b, err := json.Marshal(internal.SignalPayload{Name: name, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// TestNondeterminismDetection covers spec scenario 6: replaying a history
// whose next recorded event is ACTIVITY_SCHEDULED against a decision point
// that expects a different event kind (here, a signal wait resuming on a
// later version of the same workflow body) raises a *NonDeterminismError
// rather than silently reinterpreting history.
func (s *SchedulerSuite) TestNondeterminismDetection() {
	exec := &internal.Execution{ID: "exec-1", WorkflowName: "w", Status: internal.StatusPending}
	history := []internal.HistoryEvent{
		{ExecutionID: exec.ID, Pos: 0, Kind: internal.EventWorkflowStarted},
		{ExecutionID: exec.ID, Pos: 1, Kind: internal.EventActivityScheduled,
			Payload: mustMarshalSignal(s.T(), "", nil)},
	}
	rc := internal.NewContext(exec, history, s.registry, time.Now, nil)

	var recovered interface{}
	func() {
		defer func() { recovered = recover() }()
		rc.WaitSignal("go")
	}()

	s.Require().NotNil(recovered, "expected WaitSignal to panic on a history mismatch")
	ndErr, ok := recovered.(*internal.NonDeterminismError)
	s.Require().True(ok, "expected *internal.NonDeterminismError, got %T", recovered)
	s.Equal(1, ndErr.Pos)
	s.Equal(internal.EventSignalWait, ndErr.Expected)
	s.Equal(internal.EventActivityScheduled, ndErr.Actual)
	s.Equal(internal.ErrNondeterminism, ndErr.ToEngineError().Kind)
}
