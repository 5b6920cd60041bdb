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

import "go.durable.dev/engine/internal"

type (
	// ActivityContext is passed to every activity implementation. Unlike
	// Context it carries no replay semantics: an activity may call
	// Heartbeat, read Attempt, and otherwise do whatever it wants,
	// including blocking on context.Context cancellation.
	ActivityContext = internal.ActivityContext

	// ActivityFunc is the shape of a registered activity implementation.
	ActivityFunc = internal.ActivityFunc

	// QueryFunc is the shape of a registered query handler. It runs
	// against a read-only Execution snapshot and must not block.
	QueryFunc = internal.QueryFunc

	// RetryPolicy controls how a failed activity is re-attempted. The
	// zero value is not valid; start from DefaultRetryPolicy.
	RetryPolicy = internal.RetryPolicy
)

// DefaultRetryPolicy is applied to activities started without an explicit
// RetryPolicy.
var DefaultRetryPolicy = internal.DefaultRetryPolicy
