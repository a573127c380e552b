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

package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailureHandler is invoked when a job exhausts its retries.
type FailureHandler func(job *Job, err error)

// Queue dispatches enqueued jobs to registered handlers using a bounded
// worker pool per function name, the generalization of the teacher's single
// MemoryQueue to PROCESS_CAMPAIGN_BATCH / SYNC_CAMPAIGN_SOURCE /
// UPLOAD_CALL_ARTIFACTS and any other named function.
type Queue struct {
	logger     *slog.Logger
	maxRetries int
	onFailure  FailureHandler

	mu        sync.Mutex
	queues    map[string]*functionQueue
	handlers  map[string]Handler
	poolSizes map[string]int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option customizes a Queue at construction.
type Option func(*Queue)

// WithMaxRetries caps retry attempts before a job is dropped. Default 5.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithFailureHandler registers a callback for jobs that exhaust retries.
func WithFailureHandler(fn FailureHandler) Option {
	return func(q *Queue) { q.onFailure = fn }
}

// New constructs a Queue. logger defaults to slog.Default if nil.
func New(logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		logger:     logger,
		maxRetries: 5,
		queues:     make(map[string]*functionQueue),
		handlers:   make(map[string]Handler),
		poolSizes:  make(map[string]int),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register binds a function name to its handler and worker pool size.
// Register must be called before Start.
func (q *Queue) Register(function string, poolSize int, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[function] = handler
	q.poolSizes[function] = poolSize
	if _, ok := q.queues[function]; !ok {
		q.queues[function] = newFunctionQueue()
	}
}

// Enqueue schedules a job for function with the given payload.
func (q *Queue) Enqueue(function string, payload []byte, opts ...EnqueueOption) (*Job, error) {
	q.mu.Lock()
	fq, ok := q.queues[function]
	if !ok {
		fq = newFunctionQueue()
		q.queues[function] = fq
	}
	q.mu.Unlock()

	job := &Job{
		ID:         uuid.NewString(),
		Function:   function,
		Payload:    payload,
		Priority:   PriorityNormal,
		EnqueuedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(job)
	}
	fq.push(job)
	return job, nil
}

// Len reports the number of jobs currently queued for function.
func (q *Queue) Len(function string) int {
	q.mu.Lock()
	fq, ok := q.queues[function]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	return fq.len()
}

// Start launches the worker pool for every registered function. It returns
// once all workers have been spawned; workers run until Stop is called or
// ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for function, handler := range q.handlers {
		fq := q.queues[function]
		n := q.poolSizes[function]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			q.wg.Add(1)
			go q.worker(ctx, function, fq, handler)
		}
	}
}

// Stop signals all workers to exit and waits for them to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, function string, fq *functionQueue, handler Handler) {
	defer q.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-fq.signal:
			q.drain(ctx, function, fq, handler)
		case <-ticker.C:
			// Catches jobs whose delayed RunAt has just elapsed, since a
			// delayed push signals immediately but isn't ready yet.
			q.drain(ctx, function, fq, handler)
		}
	}
}

func (q *Queue) drain(ctx context.Context, function string, fq *functionQueue, handler Handler) {
	for {
		job, ok := fq.popReady(time.Now())
		if !ok {
			return
		}
		q.run(ctx, function, fq, handler, job)
	}
}

func (q *Queue) run(ctx context.Context, function string, fq *functionQueue, handler Handler, job *Job) {
	job.Attempt++
	err := handler(ctx, job.Payload)
	if err == nil {
		return
	}

	if job.Attempt >= q.maxRetries {
		q.logger.Error("job exhausted retries", "function", function, "job_id", job.ID, "attempts", job.Attempt, "error", err)
		if q.onFailure != nil {
			q.onFailure(job, fmt.Errorf("exhausted %d attempts: %w", job.Attempt, err))
		}
		return
	}

	backoff := time.Duration(job.Attempt) * time.Second
	q.logger.Warn("job failed, retrying", "function", function, "job_id", job.ID, "attempt", job.Attempt, "backoff", backoff, "error", err)
	job.RunAt = time.Now().Add(backoff)
	fq.push(job)
}
