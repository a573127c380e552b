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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobInOrder(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	q := New(nil)
	q.Register("PROCESS_CAMPAIGN_BATCH", 1, func(ctx context.Context, payload []byte) error {
		mu.Lock()
		processed = append(processed, string(payload))
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Both jobs are queued before the worker starts, so the heap alone
	// decides which one runs first.
	_, err := q.Enqueue("PROCESS_CAMPAIGN_BATCH", []byte("low"), WithPriority(PriorityLow))
	require.NoError(t, err)
	_, err = q.Enqueue("PROCESS_CAMPAIGN_BATCH", []byte("high"), WithPriority(PriorityHigh))
	require.NoError(t, err)

	q.Start(ctx)
	defer q.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, processed)
}

func TestQueueRetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts int32

	q := New(nil, WithMaxRetries(3))
	q.Register("SYNC_CAMPAIGN_SOURCE", 1, func(ctx context.Context, payload []byte) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return errors.New("transient upstream error")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	_, err := q.Enqueue("SYNC_CAMPAIGN_SOURCE", []byte("src_1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueReportsExhaustedRetries(t *testing.T) {
	failures := make(chan *Job, 1)

	q := New(nil, WithMaxRetries(2), WithFailureHandler(func(job *Job, err error) {
		failures <- job
	}))
	q.Register("UPLOAD_CALL_ARTIFACTS", 1, func(ctx context.Context, payload []byte) error {
		return errors.New("storage unavailable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	_, err := q.Enqueue("UPLOAD_CALL_ARTIFACTS", []byte("call_1"))
	require.NoError(t, err)

	select {
	case job := <-failures:
		assert.Equal(t, "call_1", string(job.Payload))
		assert.Equal(t, 2, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("expected failure handler to be invoked")
	}
}

func TestQueueDelayedJobNotVisibleImmediately(t *testing.T) {
	var mu sync.Mutex
	var processedAt time.Time

	q := New(nil)
	q.Register("PROCESS_CAMPAIGN_BATCH", 1, func(ctx context.Context, payload []byte) error {
		mu.Lock()
		processedAt = time.Now()
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	enqueuedAt := time.Now()
	_, err := q.Enqueue("PROCESS_CAMPAIGN_BATCH", []byte("batch"), WithDelay(100*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !processedAt.IsZero()
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, processedAt.Sub(enqueuedAt), 90*time.Millisecond)
}
