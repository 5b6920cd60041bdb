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
	"time"

	"go.durable.dev/engine/internal/common/backoff"
)

// RetryPolicy is the JSON-serializable, persistence-embedded form of an
// ActivityTask's retry policy. It is computed into a concrete backoff
// interval by NextInterval, which is what the worker loop's timeout sweep
// and failure handling call.
type RetryPolicy struct {
	InitialInterval    time.Duration  `json:"initial_interval"`
	MaxAttempts        int            `json:"max_attempts"`
	Strategy           backoff.Strategy `json:"strategy"`
	Coefficient        float64        `json:"coefficient,omitempty"`
	MaximumInterval    time.Duration  `json:"maximum_interval,omitempty"`
	Jitter             float64        `json:"jitter,omitempty"`
	ExpirationInterval time.Duration  `json:"expiration_interval,omitempty"`
}

func (p RetryPolicy) toBackoffPolicy() backoff.Policy {
	return backoff.Policy{
		InitialInterval:    p.InitialInterval,
		MaxAttempts:        p.MaxAttempts,
		Strategy:           p.Strategy,
		Coefficient:        p.Coefficient,
		MaximumInterval:    p.MaximumInterval,
		Jitter:             p.Jitter,
		ExpirationInterval: p.ExpirationInterval,
	}
}

// NextInterval computes the delay before the next attempt, given that
// `attempt` just failed `elapsed` after the first attempt. It returns
// backoff.Done when the retry budget is exhausted.
func (p RetryPolicy) NextInterval(attempt int, elapsed time.Duration) time.Duration {
	return p.toBackoffPolicy().NextInterval(attempt, elapsed)
}

// DefaultRetryPolicy is used by activities registered without an explicit
// retry policy: three attempts, exponential backoff starting at one
// second, capped at one minute, with 20% jitter.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: time.Second,
	MaxAttempts:     3,
	Strategy:        backoff.Exponential,
	Coefficient:     2.0,
	MaximumInterval: time.Minute,
	Jitter:          0.2,
}
