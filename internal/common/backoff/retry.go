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

// Package backoff computes next-attempt delays for the engine's activity
// retry policy: exponential or linear growth, an optional cap, and jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy selects how the interval grows between attempts.
type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
)

// Done is returned by Policy.NextInterval when no further attempt should
// be made: the attempt or elapsed-time budget is exhausted.
const Done time.Duration = -1

// Policy is the engine's retry policy (spec §"Retry policy"): given the
// attempt number that just failed, it computes the delay before the next
// attempt.
type Policy struct {
	InitialInterval time.Duration
	MaxAttempts     int // 0 means unlimited; ExpirationInterval then governs.
	Strategy        Strategy
	Coefficient     float64 // growth factor for Exponential; ignored for Linear.
	MaximumInterval time.Duration
	Jitter          float64 // fraction in [0,1): +/- jitter applied to the computed interval.

	ExpirationInterval time.Duration // 0 means unlimited.
}

// NextInterval computes the delay before attempt+1, given that `attempt`
// (1-indexed) just failed at elapsed time `elapsed` since the first
// attempt. It returns Done when the policy's attempt or time budget is
// exhausted.
func (p Policy) NextInterval(attempt int, elapsed time.Duration) time.Duration {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return Done
	}
	if p.ExpirationInterval > 0 && elapsed >= p.ExpirationInterval {
		return Done
	}

	initial := p.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}

	var interval time.Duration
	switch p.Strategy {
	case Linear:
		interval = initial * time.Duration(attempt)
	default: // Exponential
		coefficient := p.Coefficient
		if coefficient < 1 {
			coefficient = 2.0
		}
		interval = time.Duration(float64(initial) * math.Pow(coefficient, float64(attempt-1)))
	}

	if p.MaximumInterval > 0 && interval > p.MaximumInterval {
		interval = p.MaximumInterval
	}

	return applyJitter(interval, p.Jitter)
}

func applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(interval) * jitter
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(interval) + offset)
	if result < 0 {
		return 0
	}
	return result
}
