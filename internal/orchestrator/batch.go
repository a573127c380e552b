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
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tombee/campaignforge/internal/log"
	"github.com/tombee/campaignforge/internal/repository"
)

// CallInitiator is the subset of the telephony Provider interface the Batch
// Processor needs: placing one outbound call against a chosen from-number.
// Kept narrow and local to orchestrator so this package does not import
// internal/telephony; internal/telephony's Dispatcher implements it.
type CallInitiator interface {
	InitiateCall(ctx context.Context, req InitiateCallRequest) (providerCallID string, err error)
}

// InitiateCallRequest is everything a provider needs to dial one number.
type InitiateCallRequest struct {
	OrganizationID string
	WorkflowRunID  string
	ToNumber       string
	FromNumber     string
	Context        map[string]interface{}
}

// Publisher is the narrow slice of eventbus.Bus the Batch Processor and
// Orchestrator need to announce campaign events.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type batchPayload struct {
	CampaignID     string `json:"campaign_id"`
	OrganizationID string `json:"organization_id"`
	BatchSize      int    `json:"batch_size"`
}

// BatchProcessor implements spec §4.4's claim/dispatch job: it claims up to
// n queued rows for a campaign under row-level locking, creates a
// WorkflowRun per claim, and initiates the outbound call, recording each
// success/failure with the Circuit Breaker before publishing
// BatchCompleted/BatchFailed.
type BatchProcessor struct {
	logger   *slog.Logger
	repo     repository.Repository
	bus      Publisher
	breaker  *CircuitBreaker
	provider CallInitiator
	rand     *rand.Rand
}

// NewBatchProcessor constructs a BatchProcessor. Register its Handle method
// with the jobqueue under FunctionProcessBatch.
func NewBatchProcessor(logger *slog.Logger, repo repository.Repository, bus Publisher, breaker *CircuitBreaker, provider CallInitiator) *BatchProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchProcessor{logger: logger, repo: repo, bus: bus, breaker: breaker, provider: provider, rand: rand.New(rand.NewSource(1))}
}

// Handle is a jobqueue.Handler for FunctionProcessBatch.
func (b *BatchProcessor) Handle(ctx context.Context, payload []byte) error {
	ctx, span := tracer.Start(ctx, "orchestrator.BatchProcessor.Handle")
	defer span.End()

	var p batchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("orchestrator: decode batch payload: %w", err)
	}
	span.SetAttributes(attribute.String("campaign_id", p.CampaignID), attribute.String("organization_id", p.OrganizationID))

	logger := log.WithCampaignContext(b.logger, p.OrganizationID, p.CampaignID)

	campaign, err := b.repo.GetCampaign(ctx, p.OrganizationID, p.CampaignID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("orchestrator: load campaign for batch: %w", err)
	}
	logger = log.WithCampaignContext(b.logger, campaign.OrganizationID, campaign.ID)

	org, err := b.repo.GetOrganization(ctx, campaign.OrganizationID)
	if err != nil {
		return fmt.Errorf("orchestrator: load organization for batch: %w", err)
	}
	telConfig, err := b.repo.GetTelephonyConfig(ctx, campaign.OrganizationID)
	if err != nil {
		return fmt.Errorf("orchestrator: load telephony config for batch: %w", err)
	}
	if len(telConfig.OutboundNumbers) == 0 {
		return fmt.Errorf("orchestrator: organization %s has no outbound numbers configured", campaign.OrganizationID)
	}

	// effective_concurrency = min(org_limit, len(from_numbers)), spec §4.4
	// step 1 — a campaign can never run more concurrent calls than it has
	// distinct caller IDs to place them from.
	effectiveConcurrency := org.ConcurrentCallLimit
	if len(telConfig.OutboundNumbers) < effectiveConcurrency || effectiveConcurrency <= 0 {
		effectiveConcurrency = len(telConfig.OutboundNumbers)
	}

	inFlight, err := b.repo.CountByState(ctx, campaign.ID, repository.QueuedRunProcessing)
	if err != nil {
		return fmt.Errorf("orchestrator: count in-flight runs: %w", err)
	}
	freeSlots := effectiveConcurrency - inFlight
	if freeSlots <= 0 {
		logger.Debug("orchestrator: no free concurrency slots, skipping batch")
		return nil
	}

	batchSize := p.BatchSize
	if batchSize <= 0 || batchSize > freeSlots {
		batchSize = freeSlots
	}

	claims, err := b.repo.ClaimBatch(ctx, campaign.ID, batchSize)
	if err != nil {
		b.publishBatchFailed(ctx, campaign, err, logger)
		return fmt.Errorf("orchestrator: claim batch: %w", err)
	}
	if len(claims) == 0 {
		logger.Debug("orchestrator: no queued runs to claim")
		return nil
	}

	processed, failed := 0, 0
	for _, qr := range claims {
		if err := b.dispatchOne(ctx, campaign, qr, telConfig.OutboundNumbers, logger); err != nil {
			failed++
			logger.Error("orchestrator: dispatch queued run failed", "queued_run_id", qr.ID, "error", err)
			_ = b.repo.MarkFailed(ctx, qr.ID, err.Error())
			b.recordOutcome(ctx, campaign, OutcomeFailure, logger)
			continue
		}
		processed++
		b.recordOutcome(ctx, campaign, OutcomeSuccess, logger)
	}

	if err := b.repo.IncrementCounters(ctx, campaign.ID, processed, failed); err != nil {
		logger.Error("orchestrator: increment campaign counters", "error", err)
	}

	span.SetAttributes(attribute.Int("processed_count", processed), attribute.Int("failed_count", failed))

	evt := Event{
		Type:           EventBatchCompleted,
		CampaignID:     campaign.ID,
		OrganizationID: campaign.OrganizationID,
		Timestamp:      time.Now(),
		ProcessedCount: processed,
		FailedCount:    failed,
		BatchSize:      len(claims),
	}
	b.publish(ctx, evt, logger)
	return nil
}

func (b *BatchProcessor) dispatchOne(ctx context.Context, campaign *repository.Campaign, qr *repository.QueuedRun, fromNumbers []string, logger *slog.Logger) error {
	toNumber, _ := qr.ContextVariables["phone_number"].(string)
	if toNumber == "" {
		return fmt.Errorf("queued run %s has no phone_number context variable", qr.ID)
	}
	fromNumber := fromNumbers[b.rand.Intn(len(fromNumbers))]

	run := &repository.WorkflowRun{
		WorkflowID:     campaign.WorkflowID,
		CampaignID:     campaign.ID,
		QueuedRunID:    qr.ID,
		Mode:           repository.WorkflowRunModeCampaign,
		State:          repository.WorkflowRunPending,
		InitialContext: qr.ContextVariables,
	}
	if err := b.repo.CreateWorkflowRun(ctx, run); err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}

	if b.provider != nil {
		if _, err := b.provider.InitiateCall(ctx, InitiateCallRequest{
			OrganizationID: campaign.OrganizationID,
			WorkflowRunID:  run.ID,
			ToNumber:       toNumber,
			FromNumber:     fromNumber,
			Context:        qr.ContextVariables,
		}); err != nil {
			_ = b.repo.UpdateWorkflowRunState(ctx, run.ID, repository.WorkflowRunFailed)
			return fmt.Errorf("initiate call: %w", err)
		}
	}

	if err := b.repo.UpdateWorkflowRunState(ctx, run.ID, repository.WorkflowRunDialing); err != nil {
		return fmt.Errorf("update workflow run state: %w", err)
	}
	if err := b.repo.MarkDone(ctx, qr.ID); err != nil {
		return fmt.Errorf("mark queued run done: %w", err)
	}
	return nil
}

func (b *BatchProcessor) recordOutcome(ctx context.Context, campaign *repository.Campaign, outcome Outcome, logger *slog.Logger) {
	if b.breaker == nil || campaign.CircuitBreaker.FailureThreshold <= 0 {
		return
	}
	result, err := b.breaker.Record(ctx, campaign.ID, outcome, campaign.CircuitBreaker)
	if err != nil {
		logger.Error("orchestrator: record circuit breaker outcome", "error", err)
		return
	}
	if !result.Tripped {
		return
	}
	evt := Event{
		Type:           EventCircuitBreakerTripped,
		CampaignID:     campaign.ID,
		OrganizationID: campaign.OrganizationID,
		Timestamp:      time.Now(),
		FailureCount:   result.FailureCount,
		SuccessCount:   result.SuccessCount,
		FailureRate:    result.FailureRate,
		Threshold:      float64(campaign.CircuitBreaker.FailureThreshold),
		WindowSeconds:  campaign.CircuitBreaker.WindowSeconds,
	}
	b.publish(ctx, evt, logger)
}

func (b *BatchProcessor) publishBatchFailed(ctx context.Context, campaign *repository.Campaign, cause error, logger *slog.Logger) {
	evt := Event{
		Type:           EventBatchFailed,
		CampaignID:     campaign.ID,
		OrganizationID: campaign.OrganizationID,
		Timestamp:      time.Now(),
		Error:          cause.Error(),
	}
	b.publish(ctx, evt, logger)
}

func (b *BatchProcessor) publish(ctx context.Context, evt Event, logger *slog.Logger) {
	payload, err := evt.Encode()
	if err != nil {
		logger.Error("orchestrator: encode event", "error", err)
		return
	}
	if err := b.bus.Publish(ctx, CampaignChannel, payload); err != nil {
		logger.Error("orchestrator: publish event", "type", string(evt.Type), "error", err)
	}
}
