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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/repository"
	"github.com/tombee/campaignforge/internal/repository/memory"
)

type stubInitiator struct {
	failNumbers map[string]bool
	calls       []InitiateCallRequest
}

func (s *stubInitiator) InitiateCall(_ context.Context, req InitiateCallRequest) (string, error) {
	s.calls = append(s.calls, req)
	if s.failNumbers[req.ToNumber] {
		return "", errors.New("provider rejected call")
	}
	return "call_" + req.ToNumber, nil
}

func seedCampaignFixture(t *testing.T, repo *memory.Store, rows int) *repository.Campaign {
	t.Helper()
	ctx := context.Background()

	org := &repository.Organization{ID: "org-1", ConcurrentCallLimit: 10}
	repo.PutOrganization(org)
	repo.PutTelephonyConfig(&repository.TelephonyConfig{OrganizationID: "org-1", OutboundNumbers: []string{"+15550000001", "+15550000002"}})

	campaign := &repository.Campaign{
		OrganizationID: "org-1",
		WorkflowID:     "workflow-1",
		State:          repository.CampaignRunning,
		CircuitBreaker: repository.CircuitBreakerConfig{WindowSeconds: 120, FailureThreshold: 5, MinSamples: 5},
	}
	require.NoError(t, repo.CreateCampaign(ctx, campaign))

	for i := 0; i < rows; i++ {
		repo.PutQueuedRun(&repository.QueuedRun{
			ID:               "qr-" + string(rune('a'+i)),
			CampaignID:       campaign.ID,
			State:            repository.QueuedRunQueued,
			ContextVariables: map[string]interface{}{"phone_number": "+1555000" + string(rune('0'+i))},
		})
	}
	return campaign
}

func TestBatchProcessorDispatchesClaimedRows(t *testing.T) {
	repo := memory.New(nil)
	campaign := seedCampaignFixture(t, repo, 3)
	// A third outbound number lifts effective_concurrency to 3, so every
	// seeded row fits in one batch.
	repo.PutTelephonyConfig(&repository.TelephonyConfig{OrganizationID: "org-1", OutboundNumbers: []string{"+15550000001", "+15550000002", "+15550000003"}})
	bus := eventbus.NewMemoryBus(nil)
	provider := &stubInitiator{}
	bp := NewBatchProcessor(nil, repo, bus, NewCircuitBreaker(bus, nil), provider)

	payload, err := json.Marshal(batchPayload{CampaignID: campaign.ID, OrganizationID: "org-1", BatchSize: 10})
	require.NoError(t, err)

	require.NoError(t, bp.Handle(context.Background(), payload))
	assert.Len(t, provider.calls, 3)

	updated, err := repo.GetCampaign(context.Background(), "org-1", campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.ProcessedRows)
	assert.Equal(t, 0, updated.FailedRows)
}

func TestBatchProcessorRespectsFreeConcurrencySlots(t *testing.T) {
	repo := memory.New(nil)
	campaign := seedCampaignFixture(t, repo, 5)
	// Two numbers configured, so effective_concurrency caps at 2 regardless
	// of the org's higher concurrent_call_limit.
	bus := eventbus.NewMemoryBus(nil)
	provider := &stubInitiator{}
	bp := NewBatchProcessor(nil, repo, bus, NewCircuitBreaker(bus, nil), provider)

	payload, err := json.Marshal(batchPayload{CampaignID: campaign.ID, OrganizationID: "org-1", BatchSize: 10})
	require.NoError(t, err)

	require.NoError(t, bp.Handle(context.Background(), payload))
	assert.Len(t, provider.calls, 2, "effective_concurrency must cap the batch at len(from_numbers)")
}

func TestBatchProcessorMarksFailedOnProviderError(t *testing.T) {
	repo := memory.New(nil)
	campaign := seedCampaignFixture(t, repo, 1)
	bus := eventbus.NewMemoryBus(nil)
	provider := &stubInitiator{failNumbers: map[string]bool{"+15550000": true}}
	bp := NewBatchProcessor(nil, repo, bus, NewCircuitBreaker(bus, nil), provider)

	payload, err := json.Marshal(batchPayload{CampaignID: campaign.ID, OrganizationID: "org-1", BatchSize: 10})
	require.NoError(t, err)

	require.NoError(t, bp.Handle(context.Background(), payload))

	updated, err := repo.GetCampaign(context.Background(), "org-1", campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FailedRows)
}

func TestBatchProcessorPublishesBatchCompleted(t *testing.T) {
	repo := memory.New(nil)
	campaign := seedCampaignFixture(t, repo, 1)
	bus := eventbus.NewMemoryBus(nil)
	sub, err := bus.Subscribe(context.Background(), CampaignChannel)
	require.NoError(t, err)
	defer sub.Close()

	bp := NewBatchProcessor(nil, repo, bus, NewCircuitBreaker(bus, nil), &stubInitiator{})
	payload, err := json.Marshal(batchPayload{CampaignID: campaign.ID, OrganizationID: "org-1", BatchSize: 10})
	require.NoError(t, err)
	require.NoError(t, bp.Handle(context.Background(), payload))

	select {
	case msg := <-sub.Channel():
		evt, err := DecodeEvent(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, EventBatchCompleted, evt.Type)
		assert.Equal(t, 1, evt.ProcessedCount)
	default:
		t.Fatal("expected BatchCompleted to be published")
	}
}
