// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"time"
)

// Queue is the bounded FIFO of ingest envelopes between the facade and the
// worker pool. It is a thin wrapper over a buffered channel: Offer never
// blocks, Poll blocks up to a timeout, and depth reads through to the
// channel length so the gauge can never exceed capacity.
type Queue struct {
	ch  chan Envelope
	cap int
}

// NewQueue creates a queue holding up to capacity envelopes. Capacity must
// be at least 1.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan Envelope, capacity), cap: capacity}
}

// Offer attempts to enqueue without blocking. It returns false when the
// queue is at capacity; the caller decides the overflow policy.
func (q *Queue) Offer(env Envelope) bool {
	select {
	case q.ch <- env:
		return true
	default:
		return false
	}
}

// Poll dequeues the next envelope, waiting up to timeout. The second return
// is false when the timeout elapsed with nothing available. Workers poll
// with a short timeout so they stay responsive to shutdown.
func (q *Queue) Poll(timeout time.Duration) (Envelope, bool) {
	if timeout <= 0 {
		select {
		case env := <-q.ch:
			return env, true
		default:
			return Envelope{}, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-q.ch:
		return env, true
	case <-timer.C:
		return Envelope{}, false
	}
}

// Len returns the current depth.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.cap }
