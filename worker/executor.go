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

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"go.durable.dev/engine/internal"
)

// activityOutcome is the translated result of running one leased
// ActivityTask's registered body to completion, timeout, or panic.
type activityOutcome struct {
	result json.RawMessage
	err    *internal.EngineError
}

// runActivity executes task's registered body in its own goroutine, behind
// a context carrying task's expires_at as a deadline when one is set. This
// mirrors the teacher's localActivityTaskHandler.executeLocalActivityTask:
// spawn the body, race a done channel against ctx.Done(), and translate
// either a panic in the body or a blown deadline into a failure result
// instead of letting either wedge the worker loop past the task's own
// timeout.
func (w *Worker) runActivity(ctx context.Context, task internal.ActivityTask) activityOutcome {
	fn, _, _, _, lookupErr := w.Registry.LookupActivity(task.Name)
	if lookupErr != nil {
		return activityOutcome{err: lookupErr.(*internal.NotRegisteredError).ToEngineError()}
	}

	if task.ExpiresAt != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *task.ExpiresAt)
		defer cancel()
	}

	var args []interface{}
	_ = json.Unmarshal(task.Args, &args)
	var kwargs map[string]interface{}
	_ = json.Unmarshal(task.Kwargs, &kwargs)

	handle := task.Handle
	actx := internal.NewActivityContext(ctx, task.ExecutionID, handle, task.Attempt, func(details interface{}) error {
		b, merr := json.Marshal(details)
		if merr != nil {
			return merr
		}
		return w.Store.Heartbeat(context.Background(), handle, b, w.Now())
	})

	type result struct {
		value interface{}
		err   error
	}
	doneCh := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				w.Logger.Error("durable: activity panicked",
					zap.String("activity_name", task.Name),
					zap.Int64("task_handle", handle),
					zap.Any("panic", p),
					zap.String("stack", string(debug.Stack())))
				doneCh <- result{err: fmt.Errorf("activity %s panicked: %v", task.Name, p)}
			}
		}()
		v, err := fn(actx, args, kwargs)
		doneCh <- result{value: v, err: err}
	}()

	select {
	case r := <-doneCh:
		if r.err != nil {
			return activityOutcome{err: internal.NewEngineError(internal.ErrActivityFailed, r.err.Error(), r.err)}
		}
		resultJSON, merr := json.Marshal(r.value)
		if merr != nil {
			return activityOutcome{err: internal.NewEngineError(internal.ErrSerialization, merr.Error(), merr)}
		}
		return activityOutcome{result: resultJSON}
	case <-ctx.Done():
		select {
		case r := <-doneCh:
			// body finished the instant the deadline landed; prefer its
			// real result over a timeout we only barely won the race on.
			if r.err != nil {
				return activityOutcome{err: internal.NewEngineError(internal.ErrActivityFailed, r.err.Error(), r.err)}
			}
			resultJSON, merr := json.Marshal(r.value)
			if merr != nil {
				return activityOutcome{err: internal.NewEngineError(internal.ErrSerialization, merr.Error(), merr)}
			}
			return activityOutcome{result: resultJSON}
		default:
		}
		if ctx.Err() == context.DeadlineExceeded {
			return activityOutcome{err: internal.NewEngineError(internal.ErrActivityTimeout, "activity exceeded its schedule-to-close timeout", ctx.Err())}
		}
		return activityOutcome{err: internal.NewEngineError(internal.ErrCanceled, "activity canceled", ctx.Err())}
	}
}
