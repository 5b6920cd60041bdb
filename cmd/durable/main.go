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

// Command durable is the engine's CLI: worker, start, signal, cancel, and
// status, exactly as named in spec.md §6. It links against whatever
// workflow/activity implementations a host package registers by importing
// this command's registry build step — in this skeleton binary only the
// engine's reserved names are known, so most subcommands operate purely
// against persistence.Store state (start/signal/cancel/status's built-in
// query) without needing a live Registry; only `worker` and a custom
// `status --query` require one, and a host vendoring this command would
// replace newRegistry with its own.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/opentracing/opentracing-go"
	jaeger "github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go.durable.dev/engine"
	"go.durable.dev/engine/internal"
	"go.durable.dev/engine/internal/persistence"
	"go.durable.dev/engine/worker"
)

func main() {
	app := &cli.App{
		Name:  "durable",
		Usage: "run and drive durable executions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dsn", Usage: "Postgres DSN; omitted uses an in-memory store that does not survive process exit", EnvVars: []string{"DURABLE_DSN"}},
		},
		Commands: []*cli.Command{
			workerCommand,
			startCommand,
			signalCommand,
			cancelCommand,
			statusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "durable:", err)
		os.Exit(1)
	}
}

// openStore builds the persistence.Store named by the --dsn flag: Postgres
// if set, otherwise an in-process Memory store seeded empty for this one
// invocation (useful for `worker` smoke-testing, useless for any other
// subcommand since each CLI invocation is a fresh process).
func openStore(c *cli.Context) (persistence.Store, func(), error) {
	dsn := c.String("dsn")
	if dsn == "" {
		return persistence.NewMemory(), func() {}, nil
	}
	store, err := persistence.NewPostgres(c.Context, dsn)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// registry is the set of workflows/activities this binary knows about.
// It is intentionally empty: `durable` ships as a generic operations tool
// against a database a real host's worker process populated; extend this
// function (or replace the binary's main package) to link in workflow code.
func newRegistry() *internal.Registry {
	return internal.NewRegistry()
}

var workerCommand = &cli.Command{
	Name:  "worker",
	Usage: "run the poll loop: timeout sweep, activity execution, scheduler steps, cron ticks",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "tick", Value: time.Second, Usage: "sleep between polls when a pass finds no work"},
		&cli.IntFlag{Name: "batch", Value: 100, Usage: "max rows fetched per pass"},
		&cli.IntFlag{Name: "iterations", Value: 0, Usage: "bound the number of ticks; 0 runs forever"},
		&cli.IntFlag{Name: "procs", Value: 1, Usage: "number of worker loops to run in this process"},
		&cli.BoolFlag{Name: "trace", Usage: "report scheduler step and activity spans to a local Jaeger agent"},
		&cli.Float64Flag{Name: "rate", Usage: "cap activity dispatch to this many per second per worker loop; 0 means unlimited"},
	},
	Action: func(c *cli.Context) error {
		store, closeStore, err := openStore(c)
		if err != nil {
			return err
		}
		defer closeStore()

		logger, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		tracer, closeTracer, err := buildTracer(c.Bool("trace"))
		if err != nil {
			return err
		}
		defer closeTracer()

		registry := newRegistry()
		procs := c.Int("procs")
		if procs < 1 {
			procs = 1
		}

		var limiter *rate.Limiter
		if r := c.Float64("rate"); r > 0 {
			limiter = rate.NewLimiter(rate.Limit(r), 1)
		}

		errCh := make(chan error, procs)
		for i := 0; i < procs; i++ {
			w := worker.New(registry, store, worker.Options{
				Identity:  fmt.Sprintf("cli-%d", i),
				Tick:      c.Duration("tick"),
				Batch:     c.Int("batch"),
				Logger:    logger,
				Tracer:    tracer,
				RateLimit: limiter,
			})
			go func() { errCh <- w.Run(c.Context, c.Int("iterations")) }()
		}
		for i := 0; i < procs; i++ {
			if err := <-errCh; err != nil && err != context.Canceled {
				return err
			}
		}
		return nil
	},
}

// buildTracer returns a Jaeger-backed opentracing.Tracer reporting to the
// agent address in JAEGER_AGENT_HOST/JAEGER_AGENT_PORT (jaeger-client-go's
// own env var convention) when enabled, or opentracing.NoopTracer{} when
// not. The returned close func is always safe to call.
func buildTracer(enabled bool) (opentracing.Tracer, func(), error) {
	if !enabled {
		return opentracing.NoopTracer{}, func() {}, nil
	}
	cfg := jaegercfg.Configuration{
		ServiceName: "durable-worker",
		Sampler:     &jaegercfg.SamplerConfig{Type: jaeger.SamplerTypeConst, Param: 1},
		Reporter:    &jaegercfg.ReporterConfig{LogSpans: false},
	}
	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, nil, fmt.Errorf("durable: build jaeger tracer: %w", err)
	}
	return tracer, func() { closer.Close() }, nil //nolint:errcheck
}

var startCommand = &cli.Command{
	Name:      "start",
	Usage:     "start a new execution",
	ArgsUsage: "WORKFLOW_NAME",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "input", Value: "{}", Usage: "JSON object of workflow inputs"},
		&cli.DurationFlag{Name: "timeout", Usage: "workflow-level timeout; 0 means none"},
	},
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.Exit("start requires WORKFLOW_NAME", 1)
		}
		var inputs map[string]interface{}
		if err := json.Unmarshal([]byte(c.String("input")), &inputs); err != nil {
			return cli.Exit(fmt.Sprintf("--input is not a JSON object: %v", err), 1)
		}
		store, closeStore, err := openStore(c)
		if err != nil {
			return err
		}
		defer closeStore()

		client := durable.NewClient(store, newRegistry())
		id, err := client.StartWorkflow(c.Context, name, inputs, c.Duration("timeout"))
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var signalCommand = &cli.Command{
	Name:      "signal",
	Usage:     "deliver a signal to an execution",
	ArgsUsage: "EXECUTION_ID NAME",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "input", Value: "null", Usage: "JSON signal payload"},
	},
	Action: func(c *cli.Context) error {
		id, name := c.Args().Get(0), c.Args().Get(1)
		if id == "" || name == "" {
			return cli.Exit("signal requires EXECUTION_ID NAME", 1)
		}
		var payload interface{}
		if err := json.Unmarshal([]byte(c.String("input")), &payload); err != nil {
			return cli.Exit(fmt.Sprintf("--input is not valid JSON: %v", err), 1)
		}
		store, closeStore, err := openStore(c)
		if err != nil {
			return err
		}
		defer closeStore()

		client := durable.NewClient(store, newRegistry())
		// signal_workflow accepts even a terminal execution id; the
		// signal is dropped silently rather than erroring (spec §4.5).
		return client.SignalWorkflow(c.Context, id, name, payload)
	},
}

var cancelCommand = &cli.Command{
	Name:      "cancel",
	Usage:     "cancel an execution and its non-terminal children",
	ArgsUsage: "EXECUTION_ID",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "reason", Value: "canceled via CLI"},
		&cli.BoolFlag{Name: "keep-queued", Usage: "do not cancel this execution's QUEUED activity tasks"},
	},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("cancel requires EXECUTION_ID", 1)
		}
		store, closeStore, err := openStore(c)
		if err != nil {
			return err
		}
		defer closeStore()

		client := durable.NewClient(store, newRegistry())
		return client.CancelWorkflow(c.Context, id, c.String("reason"), !c.Bool("keep-queued"))
	},
}

// statusPayload is the shape of the engine's built-in status query, run
// when status is called without --query.
type statusPayload struct {
	ID                string          `json:"id"`
	WorkflowName      string          `json:"workflow_name"`
	Status            internal.Status `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             interface{}     `json:"error,omitempty"`
	PendingActivities []string        `json:"pending_activities"`
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "print an execution's status, or run a named query against it",
	ArgsUsage: "EXECUTION_ID",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "query", Usage: "name of a registered query to run instead of the built-in status snapshot"},
		&cli.StringFlag{Name: "input", Value: "null", Usage: "JSON query payload"},
	},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("status requires EXECUTION_ID", 1)
		}
		store, closeStore, err := openStore(c)
		if err != nil {
			return err
		}
		defer closeStore()

		if q := c.String("query"); q != "" {
			var payload interface{}
			if err := json.Unmarshal([]byte(c.String("input")), &payload); err != nil {
				return cli.Exit(fmt.Sprintf("--input is not valid JSON: %v", err), 1)
			}
			client := durable.NewClient(store, newRegistry())
			result, err := client.QueryWorkflow(c.Context, id, q, payload)
			if err != nil {
				return err
			}
			out, err := json.Marshal(result)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		exec, _, err := store.Snapshot(c.Context, id)
		if err != nil {
			return err
		}
		pending, err := store.PendingActivityNames(c.Context, id)
		if err != nil {
			return err
		}
		out, err := json.Marshal(statusPayload{
			ID:                exec.ID,
			WorkflowName:      exec.WorkflowName,
			Status:            exec.Status,
			Result:            exec.Result,
			Error:             exec.Error,
			PendingActivities: pending,
		})
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
