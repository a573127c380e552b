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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/campaignforge/internal/repository"
)

func seedQueuedRuns(s *Store, campaignID string, n int) {
	for i := 0; i < n; i++ {
		s.PutQueuedRun(&repository.QueuedRun{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			State:      repository.QueuedRunQueued,
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}
}

func TestClaimBatchIsExclusiveAcrossConcurrentCallers(t *testing.T) {
	s := New(nil)
	seedQueuedRuns(s, "campaign_1", 20)

	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimBatch(context.Background(), "campaign_1", 5)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, r := range claimed {
				assert.False(t, seen[r.ID], "row %s claimed twice", r.ID)
				seen[r.ID] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	count, err := s.CountByState(context.Background(), "campaign_1", repository.QueuedRunProcessing)
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}

func TestClaimBatchSkipsScheduledFuture(t *testing.T) {
	s := New(nil)
	future := time.Now().Add(time.Hour)
	s.PutQueuedRun(&repository.QueuedRun{ID: "ready", CampaignID: "c1", State: repository.QueuedRunQueued})
	s.PutQueuedRun(&repository.QueuedRun{ID: "future", CampaignID: "c1", State: repository.QueuedRunQueued, ScheduledFor: &future})

	claimed, err := s.ClaimBatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "ready", claimed[0].ID)
}

func TestScheduleRetryEnforcesMaxDepth(t *testing.T) {
	s := New(nil)
	retryCfg := repository.RetryConfig{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute}

	root := &repository.QueuedRun{ID: uuid.NewString(), CampaignID: "c1", State: repository.QueuedRunFailed}
	s.PutQueuedRun(root)

	child, err := s.ScheduleRetry(context.Background(), root, retryCfg, "no_answer")
	require.NoError(t, err)
	assert.Equal(t, 1, child.RetryCount)
	assert.Equal(t, root.ID, child.ParentQueuedRunID)

	grandchild, err := s.ScheduleRetry(context.Background(), child, retryCfg, "busy")
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.RetryCount)

	_, err = s.ScheduleRetry(context.Background(), grandchild, retryCfg, "busy")
	assert.Error(t, err, "retry chain exceeding max_retries must be rejected")
}

func TestPublishDefinitionKeepsExactlyOneCurrent(t *testing.T) {
	s := New(nil)
	s.PutWorkflow(&repository.Workflow{ID: "w1", OrganizationID: "org1"})

	require.NoError(t, s.PublishDefinition(context.Background(), &repository.WorkflowDefinition{ID: "d1", WorkflowID: "w1"}))
	require.NoError(t, s.PublishDefinition(context.Background(), &repository.WorkflowDefinition{ID: "d2", WorkflowID: "w1"}))

	d1, err := s.GetDefinition(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, d1.IsCurrent)

	current, err := s.GetCurrentDefinition(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "d2", current.ID)

	w, err := s.GetWorkflow(context.Background(), "org1", "w1")
	require.NoError(t, err)
	assert.Equal(t, "d2", w.CurrentDefinition)
}

func TestIncrementCountersIsCumulative(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.CreateCampaign(context.Background(), &repository.Campaign{ID: "c1", OrganizationID: "org1"}))

	require.NoError(t, s.IncrementCounters(context.Background(), "c1", 3, 1))
	require.NoError(t, s.IncrementCounters(context.Background(), "c1", 2, 0))

	c, err := s.GetCampaign(context.Background(), "org1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, c.ProcessedRows)
	assert.Equal(t, 1, c.FailedRows)
}
