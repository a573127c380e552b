// Copyright 2025 Tom Barlow
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

// Package jobqueue implements the named-function job queue backing campaign
// batch processing, source sync, and artifact upload work: a priority queue
// per function name, delayed visibility, and a bounded worker pool per
// function that retries failed jobs with backoff up to a configured limit.
package jobqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Priority orders jobs within a function's queue; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Handler processes one job's payload. An error causes the job to be
// retried (with backoff) up to MaxRetries, after which it is dropped and
// reported via the queue's failure callback.
type Handler func(ctx context.Context, payload []byte) error

// Job is a unit of work enqueued under a function name.
type Job struct {
	ID         string
	Function   string
	Payload    []byte
	Priority   Priority
	EnqueuedAt time.Time
	RunAt      time.Time // visibility time; zero means immediately runnable
	Attempt    int
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*Job)

// WithPriority sets the job's priority.
func WithPriority(p Priority) EnqueueOption {
	return func(j *Job) { j.Priority = p }
}

// WithDelay defers the job's visibility until now+d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *Job) { j.RunAt = time.Now().Add(d) }
}

// jobHeap orders by RunAt first (nothing runs before its time), then by
// priority descending, then FIFO by EnqueuedAt. It mirrors the teacher's
// priority-ordered queue, extended with delayed visibility.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if !h[i].RunAt.Equal(h[j].RunAt) {
		return h[i].RunAt.Before(h[j].RunAt)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*Job))
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// functionQueue is a single function name's priority queue with a signal
// channel that wakes blocked dequeuers, the same pattern the teacher used
// for its single workflow-run queue.
type functionQueue struct {
	mu     sync.Mutex
	heap   jobHeap
	signal chan struct{}
}

func newFunctionQueue() *functionQueue {
	return &functionQueue{signal: make(chan struct{}, 1)}
}

func (q *functionQueue) push(j *Job) {
	q.mu.Lock()
	heap.Push(&q.heap, j)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// popReady pops the earliest job whose RunAt has arrived, or returns
// (nil, false) if the queue is empty or the head is not yet visible.
func (q *functionQueue) popReady(now time.Time) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	head := q.heap[0]
	if head.RunAt.After(now) {
		return nil, false
	}
	return heap.Pop(&q.heap).(*Job), true
}

func (q *functionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
