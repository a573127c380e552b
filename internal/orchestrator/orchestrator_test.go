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

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/campaignforge/internal/config"
	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/jobqueue"
	"github.com/tombee/campaignforge/internal/repository"
	"github.com/tombee/campaignforge/internal/repository/memory"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memory.Store, eventbus.Bus, *jobqueue.Queue) {
	t.Helper()
	bus := eventbus.NewMemoryBus(nil)
	repo := memory.New(nil)
	jobs := jobqueue.New(nil)
	breaker := NewCircuitBreaker(bus, nil)

	o := New(Config{
		Bus:     bus,
		Repo:    repo,
		Jobs:    jobs,
		Breaker: breaker,
		Daemon:  config.DaemonConfig{ProcessingLockWindow: 5 * time.Second, DefaultBatchSize: 10},
	})
	return o, repo, bus, jobs
}

func TestScheduleBatchEnqueuesJobForRunningCampaign(t *testing.T) {
	o, repo, _, jobs := newTestOrchestrator(t)
	jobs.Register(FunctionProcessBatch, 1, func(ctx context.Context, payload []byte) error { return nil })

	campaign := &repository.Campaign{OrganizationID: "org-1", State: repository.CampaignRunning}
	require.NoError(t, repo.CreateCampaign(context.Background(), campaign))

	logger := o.logger
	o.scheduleBatch(context.Background(), "org-1", campaign.ID, logger)

	assert.Equal(t, 1, jobs.Len(FunctionProcessBatch))
}

func TestScheduleBatchSkipsPausedCampaign(t *testing.T) {
	o, repo, _, jobs := newTestOrchestrator(t)
	jobs.Register(FunctionProcessBatch, 1, func(ctx context.Context, payload []byte) error { return nil })

	campaign := &repository.Campaign{OrganizationID: "org-1", State: repository.CampaignPaused}
	require.NoError(t, repo.CreateCampaign(context.Background(), campaign))

	o.scheduleBatch(context.Background(), "org-1", campaign.ID, o.logger)

	assert.Equal(t, 0, jobs.Len(FunctionProcessBatch))
}

func TestScheduleBatchDebouncesWithinLockWindow(t *testing.T) {
	o, repo, _, jobs := newTestOrchestrator(t)
	jobs.Register(FunctionProcessBatch, 1, func(ctx context.Context, payload []byte) error { return nil })

	campaign := &repository.Campaign{OrganizationID: "org-1", State: repository.CampaignRunning}
	require.NoError(t, repo.CreateCampaign(context.Background(), campaign))

	o.scheduleBatch(context.Background(), "org-1", campaign.ID, o.logger)
	o.scheduleBatch(context.Background(), "org-1", campaign.ID, o.logger)

	assert.Equal(t, 1, jobs.Len(FunctionProcessBatch), "a second scheduling attempt within the debounce window must be a no-op")
}

func TestScheduleBatchSkipsWhenCircuitBreakerOpen(t *testing.T) {
	o, repo, bus, jobs := newTestOrchestrator(t)
	jobs.Register(FunctionProcessBatch, 1, func(ctx context.Context, payload []byte) error { return nil })

	cfg := repository.CircuitBreakerConfig{WindowSeconds: 120, FailureThreshold: 1, MinSamples: 1}
	campaign := &repository.Campaign{OrganizationID: "org-1", State: repository.CampaignRunning, CircuitBreaker: cfg}
	require.NoError(t, repo.CreateCampaign(context.Background(), campaign))

	_, err := o.breaker.Record(context.Background(), campaign.ID, OutcomeFailure, cfg)
	require.NoError(t, err)

	o.scheduleBatch(context.Background(), "org-1", campaign.ID, o.logger)
	assert.Equal(t, 0, jobs.Len(FunctionProcessBatch))
	_ = bus
}

func TestEventLoopSchedulesBatchOnSyncCompleted(t *testing.T) {
	o, repo, bus, jobs := newTestOrchestrator(t)
	jobs.Register(FunctionProcessBatch, 1, func(ctx context.Context, payload []byte) error { return nil })

	campaign := &repository.Campaign{OrganizationID: "org-1", State: repository.CampaignRunning}
	require.NoError(t, repo.CreateCampaign(context.Background(), campaign))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	evt := Event{Type: EventSyncCompleted, CampaignID: campaign.ID, OrganizationID: "org-1", Timestamp: time.Now()}
	payload, err := evt.Encode()
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, CampaignChannel, payload))

	require.Eventually(t, func() bool {
		return jobs.Len(FunctionProcessBatch) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEventLoopDoesNotAutoRescheduleOnBatchFailed(t *testing.T) {
	o, repo, bus, jobs := newTestOrchestrator(t)
	jobs.Register(FunctionProcessBatch, 1, func(ctx context.Context, payload []byte) error { return nil })

	campaign := &repository.Campaign{OrganizationID: "org-1", State: repository.CampaignRunning}
	require.NoError(t, repo.CreateCampaign(context.Background(), campaign))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	evt := Event{Type: EventBatchFailed, CampaignID: campaign.ID, OrganizationID: "org-1", Timestamp: time.Now(), Error: "provider unavailable"}
	payload, err := evt.Encode()
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, CampaignChannel, payload))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, jobs.Len(FunctionProcessBatch))
}

func TestCompletionMonitorMarksIdleCampaignComplete(t *testing.T) {
	o, repo, _, _ := newTestOrchestrator(t)
	o.cfg.IdleCompletionTimeout = time.Millisecond

	campaign := &repository.Campaign{OrganizationID: "org-1", State: repository.CampaignRunning}
	require.NoError(t, repo.CreateCampaign(context.Background(), campaign))
	time.Sleep(5 * time.Millisecond)

	o.runCompletionMonitor(context.Background())

	got, err := repo.GetCampaign(context.Background(), "org-1", campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.CampaignCompleted, got.State)
}

func TestCompletionMonitorClearsStaleBatchInProgress(t *testing.T) {
	o, repo, _, jobs := newTestOrchestrator(t)
	jobs.Register(FunctionProcessBatch, 1, func(ctx context.Context, payload []byte) error { return nil })
	o.cfg.StaleBatchTimeout = time.Millisecond

	campaign := &repository.Campaign{OrganizationID: "org-1", State: repository.CampaignRunning}
	require.NoError(t, repo.CreateCampaign(context.Background(), campaign))

	s := o.state(campaign.ID)
	o.mu.Lock()
	s.batchInProgress = true
	s.batchInProgressAt = time.Now().Add(-time.Hour)
	o.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	o.runCompletionMonitor(context.Background())

	o.mu.Lock()
	cleared := !s.batchInProgress
	o.mu.Unlock()
	assert.True(t, cleared)
}

func TestScheduleWindowFailsOpenOnInvalidTimezone(t *testing.T) {
	w := repository.ScheduleWindow{Timezone: "Not/A/Real/Zone", StartHour: 9, EndHour: 17}
	assert.True(t, InWindow(w, time.Now(), nil))
}

func TestScheduleWindowRestrictsToConfiguredHours(t *testing.T) {
	w := repository.ScheduleWindow{Timezone: "UTC", StartHour: 9, EndHour: 17}
	inside := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC) // a Monday
	outside := time.Date(2026, 8, 3, 20, 0, 0, 0, time.UTC)
	assert.True(t, InWindow(w, inside, nil))
	assert.False(t, InWindow(w, outside, nil))
}

func TestScheduleWindowRestrictsToConfiguredWeekdays(t *testing.T) {
	w := repository.ScheduleWindow{Timezone: "UTC", StartHour: 0, EndHour: 0, Weekdays: []time.Weekday{time.Monday, time.Tuesday}}
	monday := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, InWindow(w, monday, nil))
	assert.False(t, InWindow(w, saturday, nil))
}
