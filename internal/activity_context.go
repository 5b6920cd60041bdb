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

import "context"

// NewActivityContext builds an ActivityContext for one task attempt. heartbeat
// is the worker's hook back into persistence.Store.Heartbeat; it is nil for
// workers that choose not to wire heartbeat support.
func NewActivityContext(ctx context.Context, executionID string, taskHandle int64, attempt int, heartbeat func(details interface{}) error) ActivityContext {
	return ActivityContext{
		Context:     ctx,
		ExecutionID: executionID,
		TaskHandle:  taskHandle,
		Attempt:     attempt,
		heartbeat:   heartbeat,
	}
}

// ActivityContext is passed to an activity body. Unlike the replay Context,
// it runs outside history and may block arbitrarily; cancellation reflects
// the worker's schedule-to-close/heartbeat deadline enforcement.
type ActivityContext struct {
	context.Context
	ExecutionID string
	TaskHandle  int64
	Attempt     int

	heartbeat func(details interface{}) error
}

// Heartbeat records progress details for a long-running activity, resetting
// its heartbeat deadline. Activities with no heartbeat_timeout configured
// may call it too: the details are still recorded, but no heartbeat
// deadline is enforced for them. It does nothing when the worker wired no
// heartbeat hook.
func (a ActivityContext) Heartbeat(details interface{}) error {
	if a.heartbeat == nil {
		return nil
	}
	return a.heartbeat(details)
}
