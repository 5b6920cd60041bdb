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

// Package worker drives the engine's three polling loops — timeout sweep,
// activity execution, and workflow replay stepping — against a
// persistence.Store. It replaces Cadence's server-polling task pollers with
// database-polling loops appropriate to a store-of-record engine with no
// server component of its own.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pborman/uuid"
	"github.com/uber-go/tally"
	atomicutil "go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go.durable.dev/engine/internal"
	"go.durable.dev/engine/internal/persistence"
)

// Options configures a Worker. Every field has a usable zero value via New.
type Options struct {
	// Identity names this worker process in LeaseDueTasks' owner column,
	// for diagnosing which worker is holding a stuck lease.
	Identity string

	// Tick is how long Run sleeps between polls when a pass finds no work.
	Tick time.Duration

	// Batch bounds how many tasks/executions a single pass fetches from
	// each of FetchRunnable/LeaseDueTasks/FetchTimedOut*.
	Batch int

	// LeaseDuration sets the locked_until of each ActivityTask this worker
	// leases. Nothing reclaims a task when that lease expires: a RUNNING
	// task is swept only by its expires_at or heartbeat deadline, so a task
	// with neither stays RUNNING if its worker dies mid-execution.
	LeaseDuration time.Duration

	Logger *zap.Logger
	Scope  tally.Scope
	Tracer opentracing.Tracer
	Now    func() time.Time

	// RateLimit, if set, caps how many ActivityTasks runDueActivities
	// dispatches per second, independent of Batch (which only bounds a
	// single LeaseDueTasks call). Nil means unlimited.
	RateLimit *rate.Limiter
}

func (o Options) withDefaults() Options {
	if o.Identity == "" {
		o.Identity = uuid.NewRandom().String()
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.Batch <= 0 {
		o.Batch = 100
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Scope == nil {
		o.Scope = tally.NoopScope
	}
	if o.Tracer == nil {
		o.Tracer = opentracing.NoopTracer{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Worker polls a persistence.Store and drives Executions forward: it sweeps
// timed-out tasks and executions, leases and executes due ActivityTasks,
// and steps runnable Executions through the Scheduler.
type Worker struct {
	Registry *internal.Registry
	Store    persistence.Store
	Options

	scheduler *internal.Scheduler

	mu       sync.Mutex
	cronNext map[string]time.Time
	stopCh   chan struct{}
	stopped  atomicutil.Bool
	inflight sync.WaitGroup
}

// New builds a Worker over registry and store. opts fills in any unset
// fields with engine defaults (see Options.withDefaults).
func New(registry *internal.Registry, store persistence.Store, opts Options) *Worker {
	opts = opts.withDefaults()
	w := &Worker{
		Registry: registry,
		Store:    store,
		Options:  opts,
		cronNext: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
	w.scheduler = &internal.Scheduler{
		Registry: registry,
		Store:    store,
		Now:      opts.Now,
		Logger:   opts.Logger,
		Scope:    opts.Scope,
		Tracer:   opts.Tracer,
	}
	return w
}

// Run polls until ctx is canceled, Stop is called, or iterations passes
// elapse (iterations <= 0 runs forever). It returns ctx.Err() on
// cancellation and nil on a clean Stop or iteration count reached.
func (w *Worker) Run(ctx context.Context, iterations int) error {
	for i := 0; iterations <= 0 || i < iterations; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		default:
		}

		didWork, err := w.tick(ctx)
		if err != nil {
			w.Logger.Error("durable: worker tick failed", zap.Error(err))
		}
		if didWork {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-time.After(w.Tick):
		}
	}
	return nil
}

// Stop signals Run to return after its current tick and waits for any
// in-flight activity executions and scheduler steps this worker dispatched
// to finish.
func (w *Worker) Stop() {
	if w.stopped.CAS(false, true) {
		close(w.stopCh)
	}
	w.inflight.Wait()
}

// tick runs one pass of every loop in order (timeout sweeps first, so a
// task or execution that just expired isn't also picked up as runnable
// this same pass) and reports whether any of them found work, so Run can
// skip its sleep and drain backlog immediately.
func (w *Worker) tick(ctx context.Context) (bool, error) {
	now := w.Now()
	var didWork bool

	taskTimeouts, err := w.sweepTimedOutTasks(ctx, now)
	if err != nil {
		return didWork, fmt.Errorf("durable: sweep timed out tasks: %w", err)
	}
	didWork = didWork || taskTimeouts

	execTimeouts, err := w.sweepTimedOutExecutions(ctx, now)
	if err != nil {
		return didWork, fmt.Errorf("durable: sweep timed out executions: %w", err)
	}
	didWork = didWork || execTimeouts

	ran, err := w.runDueActivities(ctx, now)
	if err != nil {
		return didWork, fmt.Errorf("durable: run due activities: %w", err)
	}
	didWork = didWork || ran

	stepped, err := w.stepRunnableExecutions(ctx, now)
	if err != nil {
		return didWork, fmt.Errorf("durable: step runnable executions: %w", err)
	}
	didWork = didWork || stepped

	started, err := w.tickCronWorkflows(ctx, now)
	if err != nil {
		return didWork, fmt.Errorf("durable: tick cron workflows: %w", err)
	}
	didWork = didWork || started

	return didWork, nil
}

// sweepTimedOutTasks reclaims RUNNING ActivityTasks past their
// schedule-to-close or heartbeat deadline: requeued with backoff if the
// retry policy has budget remaining, else failed terminally as
// ACTIVITY_TIMED_OUT.
func (w *Worker) sweepTimedOutTasks(ctx context.Context, now time.Time) (bool, error) {
	tasks, err := w.Store.FetchTimedOutTasks(ctx, now, w.Batch)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		elapsed := now.Sub(t.ScheduledAt)
		next := t.RetryPolicy.NextInterval(t.Attempt, elapsed)
		if next < 0 {
			if err := w.failTaskTerminal(ctx, t, internal.NewEngineError(internal.ErrActivityTimeout,
				"activity exceeded its schedule-to-close or heartbeat timeout", nil), internal.TaskTimedOut); err != nil {
				return true, err
			}
			continue
		}
		if err := w.Store.RequeueTask(ctx, t.Handle, t.Attempt+1, now.Add(next)); err != nil {
			return true, err
		}
	}
	return len(tasks) > 0, nil
}

// sweepTimedOutExecutions enforces workflow-level timeout_at deadlines,
// cascading the timeout to non-terminal child executions the same way
// CancelExecution cascades a cancellation.
func (w *Worker) sweepTimedOutExecutions(ctx context.Context, now time.Time) (bool, error) {
	execs, err := w.Store.FetchTimedOutExecutions(ctx, now, w.Batch)
	if err != nil {
		return false, err
	}
	for _, e := range execs {
		if err := w.timeoutCascade(ctx, e.ID, now); err != nil {
			return true, err
		}
	}
	return len(execs) > 0, nil
}

func (w *Worker) timeoutCascade(ctx context.Context, executionID string, now time.Time) error {
	children, err := w.Store.TimeoutExecution(ctx, executionID, now)
	if err != nil {
		return err
	}
	for _, childID := range children {
		if _, err := w.Store.CancelExecution(ctx, childID, "parent execution timed out", true, now); err != nil {
			return err
		}
	}
	return nil
}

// failTaskTerminal marks task's terminal status, records the paired
// ACTIVITY_FAILED/ACTIVITY_TIMED_OUT event, and wakes the owning execution.
func (w *Worker) failTaskTerminal(ctx context.Context, task internal.ActivityTask, engErr *internal.EngineError, status internal.TaskStatus) error {
	kind := internal.EventActivityFailed
	if status == internal.TaskTimedOut {
		kind = internal.EventActivityTimedOut
	}
	payload := internal.TerminalPayload{ScheduledPos: task.ScheduledEventPos, Error: engErr}
	ev := internal.HistoryEvent{ExecutionID: task.ExecutionID, Kind: kind, Payload: mustMarshal(payload)}
	return w.Store.CompleteTask(ctx, persistence.TerminalTaskInput{
		Handle:       task.Handle,
		Status:       status,
		Event:        ev,
		WakeupExecID: task.ExecutionID,
	})
}

// completeTaskSuccess records the task's ACTIVITY_COMPLETED/TIMER_FIRED
// event and wakes its owning execution.
func (w *Worker) completeTaskSuccess(ctx context.Context, task internal.ActivityTask, result []byte) error {
	kind := internal.EventActivityCompleted
	if task.IsTimer() {
		kind = internal.EventTimerFired
	}
	payload := internal.TerminalPayload{ScheduledPos: task.ScheduledEventPos, Result: result}
	ev := internal.HistoryEvent{ExecutionID: task.ExecutionID, Kind: kind, Payload: mustMarshal(payload)}
	return w.Store.CompleteTask(ctx, persistence.TerminalTaskInput{
		Handle:       task.Handle,
		Status:       internal.TaskCompleted,
		Event:        ev,
		WakeupExecID: task.ExecutionID,
	})
}

// runDueActivities leases up to Batch due ActivityTasks and dispatches each
// to its own goroutine (executor.go's runActivity), isolated from the
// worker loop's own tick by the task's expires_at deadline. __sleep__
// tasks (durable timers) never reach the executor: they complete the
// instant they're leased, since a timer firing has no body to run.
func (w *Worker) runDueActivities(ctx context.Context, now time.Time) (bool, error) {
	leaseUntil := now.Add(w.LeaseDuration)
	tasks, err := w.Store.LeaseDueTasks(ctx, now, w.Batch, w.Identity, leaseUntil)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		t := t
		if t.IsTimer() {
			if err := w.completeTaskSuccess(ctx, t, mustMarshal(struct{}{})); err != nil {
				w.Logger.Error("durable: failed to complete timer", zap.Int64("task_handle", t.Handle), zap.Error(err))
			}
			continue
		}

		if w.RateLimit != nil {
			if err := w.RateLimit.Wait(ctx); err != nil {
				return true, err
			}
		}

		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			outcome := w.runActivity(ctx, t)
			if outcome.err == nil {
				if err := w.completeTaskSuccess(ctx, t, outcome.result); err != nil {
					w.Logger.Error("durable: failed to complete activity", zap.Int64("task_handle", t.Handle), zap.Error(err))
				}
				return
			}

			elapsed := w.Now().Sub(t.ScheduledAt)
			next := t.RetryPolicy.NextInterval(t.Attempt, elapsed)
			if next < 0 || outcome.err.Kind == internal.ErrNotRegistered {
				if err := w.failTaskTerminal(ctx, t, outcome.err, internal.TaskFailed); err != nil {
					w.Logger.Error("durable: failed to fail activity", zap.Int64("task_handle", t.Handle), zap.Error(err))
				}
				return
			}
			if err := w.Store.RequeueTask(ctx, t.Handle, t.Attempt+1, w.Now().Add(next)); err != nil {
				w.Logger.Error("durable: failed to requeue activity", zap.Int64("task_handle", t.Handle), zap.Error(err))
			}
		}()
	}
	return len(tasks) > 0, nil
}

// stepRunnableExecutions fetches due Executions and advances each through
// Scheduler.Step in its own goroutine; steps for distinct executions never
// touch shared state, so they run concurrently with no coordination beyond
// inflight.Wait in Stop.
func (w *Worker) stepRunnableExecutions(ctx context.Context, now time.Time) (bool, error) {
	execs, err := w.Store.FetchRunnable(ctx, now, w.Batch)
	if err != nil {
		return false, err
	}
	for _, e := range execs {
		id := e.ID
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			if err := w.scheduler.Step(ctx, id); err != nil {
				w.Logger.Error("durable: scheduler step failed", zap.String("execution_id", id), zap.Error(err))
			}
		}()
	}
	return len(execs) > 0, nil
}

// tickCronWorkflows starts a fresh Execution for every RegisterCronWorkflow
// schedule whose next firing is due, additive sugar over create_execution
// with no effect on the Execution/HistoryEvent model itself. Firing state
// is process-local: a worker restart re-derives each schedule's next
// firing from now, rather than from a persisted last-fired time, which can
// skip a firing that would have landed during the worker's downtime. This
// matches the spec's Non-goal of not building a distributed cron
// scheduler; hosts needing catch-up semantics should drive cron workflows
// externally instead.
func (w *Worker) tickCronWorkflows(ctx context.Context, now time.Time) (bool, error) {
	schedules := w.Registry.CronWorkflows()
	if len(schedules) == 0 {
		return false, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var started bool
	for name, sched := range schedules {
		next, ok := w.cronNext[name]
		if !ok {
			w.cronNext[name] = sched.Next(now)
			continue
		}
		if next.After(now) {
			continue
		}
		if _, err := w.Store.CreateExecution(ctx, name, mustMarshal(map[string]interface{}{}), 0, nil, nil); err != nil {
			return started, fmt.Errorf("durable: start cron workflow %s: %w", name, err)
		}
		started = true
		w.cronNext[name] = sched.Next(now)
	}
	return started, nil
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("durable: %v is not JSON round-trippable: %v", v, err))
	}
	return b
}
