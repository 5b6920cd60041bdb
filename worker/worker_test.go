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

package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"go.durable.dev/engine/internal"
	"go.durable.dev/engine/internal/common/backoff"
	"go.durable.dev/engine/internal/persistence"
	"go.durable.dev/engine/worker"
)

// WorkerSuite exercises spec scenarios 2, 3, and 5 end-to-end against a
// real worker.Worker and persistence.Memory store: durable timers surviving
// a worker restart, retry-to-success, and cancellation during a sleep.
type WorkerSuite struct {
	suite.Suite
	store    *persistence.Memory
	registry *internal.Registry
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) SetupTest() {
	s.store = persistence.NewMemory()
	s.registry = internal.NewRegistry()
}

func (s *WorkerSuite) TearDownTest() {
	goleak.VerifyNone(s.T())
}

// awaitTerminal polls store.Snapshot until executionID reaches a terminal
// status or timeout elapses.
func (s *WorkerSuite) awaitTerminal(executionID string, timeout time.Duration) *internal.Execution {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exec, _, err := s.store.Snapshot(context.Background(), executionID)
		s.Require().NoError(err)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.FailNow("execution did not reach a terminal status in time")
	return nil
}

// TestDurableTimerSurvivesRestart covers spec scenario 2: a workflow that
// sleeps, killed mid-sleep and resumed by a fresh Worker instance over the
// same store, completes exactly once with no duplicated timer events.
func (s *WorkerSuite) TestDurableTimerSurvivesRestart() {
	const sleepFor = 150 * time.Millisecond
	s.registry.RegisterWorkflow("sleeper", func(ctx *internal.Context, _ map[string]interface{}) (interface{}, error) {
		ctx.Sleep(sleepFor)
		return "ok", nil
	}, 0)

	ctx := context.Background()
	id, err := s.store.CreateExecution(ctx, "sleeper", []byte(`{}`), 0, nil, nil)
	s.Require().NoError(err)

	w1 := worker.New(s.registry, s.store, worker.Options{Tick: 2 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { w1.Run(runCtx, 0); close(done) }() //nolint:errcheck

	// Give it time to schedule the timer, then kill it before the timer
	// can possibly have fired.
	time.Sleep(sleepFor / 3)
	cancel()
	<-done
	w1.Stop()

	exec, history, err := s.store.Snapshot(ctx, id)
	s.Require().NoError(err)
	s.False(exec.Status.Terminal(), "sleeper should still be mid-sleep after the simulated kill")
	s.Equal(1, countKind(history, internal.EventTimerScheduled))

	w2 := worker.New(s.registry, s.store, worker.Options{Tick: 2 * time.Millisecond})
	runCtx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	go w2.Run(runCtx2, 0) //nolint:errcheck
	defer w2.Stop()

	exec = s.awaitTerminal(id, 3*time.Second)
	s.Equal(internal.StatusCompleted, exec.Status)
	var result string
	s.Require().NoError(json.Unmarshal(exec.Result, &result))
	s.Equal("ok", result)

	_, history, err = s.store.Snapshot(ctx, id)
	s.Require().NoError(err)
	s.Equal(1, countKind(history, internal.EventTimerScheduled), "restart must not duplicate the timer schedule")
	s.Equal(1, countKind(history, internal.EventTimerFired))
}

// TestRetryToSuccess covers spec scenario 3: an activity that fails twice
// then succeeds completes the workflow, and the engine schedules it exactly
// once despite the two intervening retries.
func (s *WorkerSuite) TestRetryToSuccess() {
	var calls int32
	s.registry.RegisterActivity("flaky", func(_ internal.ActivityContext, _ []interface{}, _ map[string]interface{}) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, fmt.Errorf("attempt %d: transient failure", n)
		}
		return "done", nil
	}, 0, 0, internal.RetryPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxAttempts:     3,
		Strategy:        backoff.Exponential,
		Coefficient:     2.0,
	})
	s.registry.RegisterWorkflow("retries", func(ctx *internal.Context, _ map[string]interface{}) (interface{}, error) {
		result, err := ctx.RunActivity("flaky", nil, nil)
		if err != nil {
			return nil, err
		}
		var v string
		if err := json.Unmarshal(result, &v); err != nil {
			return nil, err
		}
		return v, nil
	}, 0)

	ctx := context.Background()
	id, err := s.store.CreateExecution(ctx, "retries", []byte(`{}`), 0, nil, nil)
	s.Require().NoError(err)

	w := worker.New(s.registry, s.store, worker.Options{Tick: 2 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx, 0) //nolint:errcheck
	defer func() { cancel(); w.Stop() }()

	exec := s.awaitTerminal(id, 3*time.Second)
	s.Equal(internal.StatusCompleted, exec.Status)
	var result string
	s.Require().NoError(json.Unmarshal(exec.Result, &result))
	s.Equal("done", result)
	s.Equal(int32(3), atomic.LoadInt32(&calls))

	_, history, err := s.store.Snapshot(ctx, id)
	s.Require().NoError(err)
	s.Equal(1, countKind(history, internal.EventActivityScheduled), "retries must not re-emit ACTIVITY_SCHEDULED")
	s.Equal(1, countKind(history, internal.EventActivityCompleted))
	s.Equal(0, countKind(history, internal.EventActivityFailed), "the final attempt succeeded, so no terminal failure event should exist")
}

// TestHeartbeatTimeoutWithoutHeartbeat covers the heartbeat-timeout sweep
// for the case it exists to catch: an activity with a heartbeat_timeout but
// no overall timeout that hangs without ever calling Heartbeat. The
// heartbeat deadline must be enforceable from the moment the task is
// leased, not only after a first heartbeat arrives.
func (s *WorkerSuite) TestHeartbeatTimeoutWithoutHeartbeat() {
	release := make(chan struct{})
	s.registry.RegisterActivity("hang", func(_ internal.ActivityContext, _ []interface{}, _ map[string]interface{}) (interface{}, error) {
		<-release
		return "too late", nil
	}, 0, 20*time.Millisecond, internal.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxAttempts:     1,
		Strategy:        backoff.Exponential,
	})
	s.registry.RegisterWorkflow("hangs_forever", func(ctx *internal.Context, _ map[string]interface{}) (interface{}, error) {
		_, err := ctx.RunActivity("hang", nil, nil)
		return nil, err
	}, 0)

	ctx := context.Background()
	id, err := s.store.CreateExecution(ctx, "hangs_forever", []byte(`{}`), 0, nil, nil)
	s.Require().NoError(err)

	w := worker.New(s.registry, s.store, worker.Options{Tick: 2 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx, 0) //nolint:errcheck
	defer func() { close(release); cancel(); w.Stop() }()

	exec := s.awaitTerminal(id, 3*time.Second)
	s.Equal(internal.StatusFailed, exec.Status)

	_, history, err := s.store.Snapshot(ctx, id)
	s.Require().NoError(err)
	s.Equal(1, countKind(history, internal.EventActivityTimedOut), "an activity with heartbeat_timeout set and no timeout must still be swept once it misses its first heartbeat deadline")
	s.Equal(0, countKind(history, internal.EventActivityCompleted))
}

// TestCancellationDuringSleep covers spec scenario 5: canceling an
// execution parked in a sleep stops it within one tick, the sleep's
// ActivityTask is canceled rather than left queued, and the activity that
// would have followed the sleep never gets scheduled.
func (s *WorkerSuite) TestCancellationDuringSleep() {
	var xScheduled int32
	s.registry.RegisterActivity("x", func(_ internal.ActivityContext, _ []interface{}, _ map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&xScheduled, 1)
		return nil, nil
	}, 0, 0, internal.DefaultRetryPolicy)
	s.registry.RegisterWorkflow("sleep_then_x", func(ctx *internal.Context, _ map[string]interface{}) (interface{}, error) {
		ctx.Sleep(time.Hour)
		_, err := ctx.RunActivity("x", nil, nil)
		return nil, err
	}, 0)

	ctx := context.Background()
	id, err := s.store.CreateExecution(ctx, "sleep_then_x", []byte(`{}`), 0, nil, nil)
	s.Require().NoError(err)

	w := worker.New(s.registry, s.store, worker.Options{Tick: 2 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx, 0) //nolint:errcheck
	defer func() { cancel(); w.Stop() }()

	// Let the first tick schedule the sleep, then cancel immediately.
	time.Sleep(20 * time.Millisecond)
	_, err = s.store.CancelExecution(ctx, id, "stop", true, time.Now())
	s.Require().NoError(err)

	exec := s.awaitTerminal(id, 1*time.Second)
	s.Equal(internal.StatusCanceled, exec.Status)

	pending, err := s.store.PendingActivityNames(ctx, id)
	s.Require().NoError(err)
	s.Empty(pending, "cancel_queued_activities=true must leave no QUEUED tasks behind")
	s.Equal(int32(0), atomic.LoadInt32(&xScheduled), "the activity after the sleep must never run")

	_, history, err := s.store.Snapshot(ctx, id)
	s.Require().NoError(err)
	s.Equal(0, countKind(history, internal.EventActivityScheduled), "x must never be scheduled")
}

func countKind(history []internal.HistoryEvent, kind internal.EventKind) int {
	n := 0
	for _, ev := range history {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
