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

// Package durable is the public surface of the engine: Context (the only
// legal side-effect surface inside a workflow body), Registry (where
// workflow/activity/query implementations are wired up), and Client
// (start/wait/signal/cancel/query). Unlike the teacher SDK, there is no
// package-global registry — every Registry is an explicit value a host
// constructs once and shares between its Client and its worker.Worker,
// since this engine has no server process for a global registration step
// to register against.
package durable

import "go.durable.dev/engine/internal"

type (
	// Context is passed to every workflow body. It is the only legal
	// side-effect surface inside a workflow: replay-deterministic
	// scheduling, waiting, signals, versioning, and a replay-unsafe
	// logger.
	Context = internal.Context

	// Registry maps workflow, activity, and query names to their
	// implementations. Build one with NewRegistry and share it between a
	// Client and a worker.Worker.
	Registry = internal.Registry

	// WorkflowFunc is the shape of a registered workflow body.
	WorkflowFunc = internal.WorkflowFunc
)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return internal.NewRegistry()
}
