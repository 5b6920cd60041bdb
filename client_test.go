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

package durable_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	durable "go.durable.dev/engine"
	"go.durable.dev/engine/internal"
	"go.durable.dev/engine/internal/persistence"
	"go.durable.dev/engine/worker"
)

// ClientSuite drives durable.Client against a live worker.Worker over a
// persistence.Memory store, exercising the public API surface a host links
// against rather than any internal package directly.
type ClientSuite struct {
	suite.Suite
	store    *persistence.Memory
	registry *internal.Registry
	worker   *worker.Worker
	client   *durable.Client
	cancel   context.CancelFunc
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.store = persistence.NewMemory()
	s.registry = internal.NewRegistry()
	s.client = durable.NewClient(s.store, s.registry)
	s.client.WaitPollInterval = 5 * time.Millisecond

	s.worker = worker.New(s.registry, s.store, worker.Options{Tick: 2 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.worker.Run(ctx, 0) //nolint:errcheck
}

func (s *ClientSuite) TearDownTest() {
	s.cancel()
	s.worker.Stop()
	goleak.VerifyNone(s.T())
}

// TestStartAndWait covers a plain linear workflow: start, let the worker
// drive it to completion, and observe the result through WaitWorkflow.
func (s *ClientSuite) TestStartAndWait() {
	s.registry.RegisterActivity("double", func(_ internal.ActivityContext, args []interface{}, _ map[string]interface{}) (interface{}, error) {
		return args[0].(float64) * 2, nil
	}, 0, 0, internal.DefaultRetryPolicy)
	s.registry.RegisterWorkflow("doubler", func(ctx *internal.Context, inputs map[string]interface{}) (interface{}, error) {
		raw, err := ctx.RunActivity("double", []interface{}{inputs["n"]}, nil)
		if err != nil {
			return nil, err
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}, 0)

	ctx := context.Background()
	id, err := s.client.StartWorkflow(ctx, "doubler", map[string]interface{}{"n": 21}, 0)
	s.Require().NoError(err)
	s.Require().NotEmpty(id)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	result, err := s.client.WaitWorkflow(waitCtx, id)
	s.Require().NoError(err)

	var v float64
	s.Require().NoError(json.Unmarshal(result, &v))
	s.Equal(42.0, v)
}

// TestSignalThenWait covers a workflow blocked on wait_signal: the signal
// must be delivered via SignalWorkflow, not by a direct store write, to
// exercise the public API's Notify path.
func (s *ClientSuite) TestSignalThenWait() {
	s.registry.RegisterWorkflow("awaiter", func(ctx *internal.Context, _ map[string]interface{}) (interface{}, error) {
		payload := ctx.WaitSignal("proceed")
		var v interface{}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	}, 0)

	ctx := context.Background()
	id, err := s.client.StartWorkflow(ctx, "awaiter", map[string]interface{}{}, 0)
	s.Require().NoError(err)

	// Give the worker a moment to park the execution on SIGNAL_WAIT before
	// delivering the signal, so this also exercises the "already waiting"
	// path rather than a race with the first scheduler step.
	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(s.client.SignalWorkflow(ctx, id, "proceed", map[string]interface{}{"ok": true}))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	result, err := s.client.WaitWorkflow(waitCtx, id)
	s.Require().NoError(err)

	var v map[string]interface{}
	s.Require().NoError(json.Unmarshal(result, &v))
	s.Equal(true, v["ok"])
}

// TestQueryWorkflow covers query_workflow against a still-running execution.
func (s *ClientSuite) TestQueryWorkflow() {
	s.registry.RegisterWorkflow("querier", func(ctx *internal.Context, _ map[string]interface{}) (interface{}, error) {
		ctx.WaitSignal("done")
		return "finished", nil
	}, 0)
	s.registry.RegisterQuery("querier", "status", func(exec *internal.Execution, _ interface{}) (interface{}, error) {
		return string(exec.Status), nil
	})

	ctx := context.Background()
	id, err := s.client.StartWorkflow(ctx, "querier", map[string]interface{}{}, 0)
	s.Require().NoError(err)

	time.Sleep(20 * time.Millisecond)
	result, err := s.client.QueryWorkflow(ctx, id, "status", nil)
	s.Require().NoError(err)
	s.Equal(string(internal.StatusPending), result)
}

// TestCancelWorkflow covers cancel_workflow against a parked execution: the
// status must become CANCELED and WaitWorkflow must surface it as a
// *WorkflowFailure with ErrCanceled, not as a plain error.
func (s *ClientSuite) TestCancelWorkflow() {
	s.registry.RegisterWorkflow("cancelme", func(ctx *internal.Context, _ map[string]interface{}) (interface{}, error) {
		ctx.WaitSignal("never")
		return nil, nil
	}, 0)

	ctx := context.Background()
	id, err := s.client.StartWorkflow(ctx, "cancelme", map[string]interface{}{}, 0)
	s.Require().NoError(err)

	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(s.client.CancelWorkflow(ctx, id, "test teardown", true))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = s.client.WaitWorkflow(waitCtx, id)
	s.Require().Error(err)

	var failure *durable.WorkflowFailure
	s.Require().ErrorAs(err, &failure)
	s.Equal(durable.ErrCanceled, failure.Kind)
}
