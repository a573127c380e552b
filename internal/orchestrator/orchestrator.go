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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tombee/campaignforge/internal/config"
	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/jobqueue"
	"github.com/tombee/campaignforge/internal/log"
	"github.com/tombee/campaignforge/internal/metrics"
	"github.com/tombee/campaignforge/internal/repository"
)

// FunctionProcessBatch is the jobqueue function name the Batch Processor
// (batch.go) registers a handler for.
const FunctionProcessBatch = "PROCESS_CAMPAIGN_BATCH"

var tracer = otel.Tracer("github.com/tombee/campaignforge/internal/orchestrator")

// campaignState is the orchestrator's in-memory debounce bookkeeping for one
// campaign, mirroring the ProcessingLockSetAt/BatchInProgress/
// LastActivityAt fields persisted on repository.Campaign but held locally so
// the hot path (every batch completion) doesn't round-trip the database.
type campaignState struct {
	processingLockSetAt time.Time
	batchInProgress     bool
	batchInProgressAt   time.Time
	lastActivityAt      time.Time
}

// Orchestrator runs the Campaign Orchestrator event loop (spec §4.3): it
// consumes campaign lifecycle events off the Event Bus, re-schedules batches
// as work completes, and sweeps running campaigns on a fixed interval to
// catch stalled or newly-eligible ones. It is the generalization of the
// teacher's ticker-driven Scheduler to an event-reactive loop plus a
// completion-monitor sweep.
type Orchestrator struct {
	logger  *slog.Logger
	bus     eventbus.Bus
	repo    repository.Repository
	jobs    *jobqueue.Queue
	breaker *CircuitBreaker
	cfg     config.DaemonConfig

	mu     sync.Mutex
	states map[string]*campaignState

	cron   *cron.Cron
	sub    eventbus.Subscription
	stopCh chan struct{}
	doneCh chan struct{}
}

// Config configures a new Orchestrator.
type Config struct {
	Logger  *slog.Logger
	Bus     eventbus.Bus
	Repo    repository.Repository
	Jobs    *jobqueue.Queue
	Breaker *CircuitBreaker
	Daemon  config.DaemonConfig
}

// New constructs an Orchestrator. It does not start the event loop or
// completion monitor until Start is called.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	daemon := cfg.Daemon
	if daemon.CompletionMonitorInterval <= 0 {
		daemon.CompletionMonitorInterval = 60 * time.Second
	}
	if daemon.ProcessingLockWindow <= 0 {
		daemon.ProcessingLockWindow = 5 * time.Second
	}
	if daemon.StaleBatchTimeout <= 0 {
		daemon.StaleBatchTimeout = 5 * time.Minute
	}
	if daemon.IdleCompletionTimeout <= 0 {
		daemon.IdleCompletionTimeout = time.Hour
	}
	if daemon.DefaultBatchSize <= 0 {
		daemon.DefaultBatchSize = 10
	}

	return &Orchestrator{
		logger:  cfg.Logger,
		bus:     cfg.Bus,
		repo:    cfg.Repo,
		jobs:    cfg.Jobs,
		breaker: cfg.Breaker,
		cfg:     daemon,
		states:  make(map[string]*campaignState),
	}
}

// Start subscribes to the campaign event channel and launches the
// completion-monitor sweep. It returns once both are running; both continue
// until ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	sub, err := o.bus.Subscribe(ctx, CampaignChannel)
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe %s: %w", CampaignChannel, err)
	}
	o.sub = sub
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})

	go o.eventLoop(ctx)

	// The completion monitor's fixed interval is driven by robfig/cron's
	// "@every" descriptor rather than a hand-rolled ticker, so the interval
	// is reconfigurable (and testable) the same way a cron-scheduled job
	// would be.
	o.cron = cron.New()
	spec := fmt.Sprintf("@every %s", o.cfg.CompletionMonitorInterval)
	if _, err := o.cron.AddFunc(spec, func() { o.runCompletionMonitor(ctx) }); err != nil {
		return fmt.Errorf("orchestrator: schedule completion monitor: %w", err)
	}
	o.cron.Start()

	return nil
}

// Stop unsubscribes from the event channel and stops the completion
// monitor, waiting for the event loop to drain.
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		stopCtx := o.cron.Stop()
		<-stopCtx.Done()
	}
	if o.sub != nil {
		_ = o.sub.Close()
	}
	if o.stopCh != nil {
		close(o.stopCh)
		<-o.doneCh
	}
}

func (o *Orchestrator) eventLoop(ctx context.Context) {
	defer close(o.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case msg, ok := <-o.sub.Channel():
			if !ok {
				return
			}
			o.handleMessage(ctx, msg)
		}
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg eventbus.Message) {
	evt, err := DecodeEvent(msg.Payload)
	if err != nil {
		o.logger.Error("orchestrator: discarding malformed campaign event", "error", err)
		return
	}

	logger := log.WithCampaignContext(o.logger, evt.OrganizationID, evt.CampaignID).With(log.EventKey, string(evt.Type))

	switch evt.Type {
	case EventSyncCompleted:
		o.touchActivity(evt.CampaignID)
		o.scheduleBatch(ctx, evt.OrganizationID, evt.CampaignID, logger)

	case EventBatchCompleted:
		o.touchActivity(evt.CampaignID)
		o.clearBatchInProgress(evt.CampaignID)
		o.scheduleBatch(ctx, evt.OrganizationID, evt.CampaignID, logger)

	case EventBatchFailed:
		// Per spec §9's Open Question decision, a failed batch does not
		// auto-reschedule: recovery requires a later SyncCompleted or an
		// operator resuming the campaign.
		o.clearBatchInProgress(evt.CampaignID)
		logger.Warn("orchestrator: batch failed, not auto-rescheduling", "error", evt.Error)

	case EventRetryNeeded:
		// Only campaign activity is recorded; no retry QueuedRun is created
		// in response to this event.
		o.touchActivity(evt.CampaignID)
		logger.Info("orchestrator: retry needed", "queued_run_id", evt.QueuedRunID, "reason", string(evt.Reason))

	case EventCircuitBreakerTripped:
		o.handleBreakerTripped(ctx, evt, logger)

	case EventCampaignResumed:
		if o.breaker != nil {
			if err := o.breaker.Reset(ctx, evt.CampaignID); err != nil {
				logger.Error("orchestrator: reset circuit breaker on resume", "error", err)
			}
		}
		o.touchActivity(evt.CampaignID)
		o.scheduleBatch(ctx, evt.OrganizationID, evt.CampaignID, logger)

	default:
		// CampaignCompleted/CampaignPaused and any future event types are
		// terminal or informational from the orchestrator's perspective.
	}
}

func (o *Orchestrator) handleBreakerTripped(ctx context.Context, evt Event, logger *slog.Logger) {
	logger.Warn("orchestrator: circuit breaker tripped, pausing campaign",
		"failure_rate", evt.FailureRate, "failure_count", evt.FailureCount, "success_count", evt.SuccessCount)
	if err := o.repo.UpdateCampaignState(ctx, evt.CampaignID, repository.CampaignPaused); err != nil {
		logger.Error("orchestrator: pause campaign after breaker trip", "error", err)
	}
}

func (o *Orchestrator) state(campaignID string) *campaignState {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.states[campaignID]
	if !ok {
		s = &campaignState{}
		o.states[campaignID] = s
	}
	return s
}

func (o *Orchestrator) touchActivity(campaignID string) {
	s := o.state(campaignID)
	o.mu.Lock()
	s.lastActivityAt = time.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) clearBatchInProgress(campaignID string) {
	s := o.state(campaignID)
	o.mu.Lock()
	s.batchInProgress = false
	o.mu.Unlock()
}

// runCompletionMonitor implements spec §4.3's 60-second sweep over active
// campaigns: clear stale in-progress flags, schedule a batch for campaigns
// with pending work sitting idle, or mark truly idle campaigns complete.
func (o *Orchestrator) runCompletionMonitor(ctx context.Context) {
	campaigns, err := o.repo.ListActive(ctx)
	if err != nil {
		o.logger.Error("orchestrator: completion monitor list active campaigns", "error", err)
		return
	}
	metrics.CampaignsActive.Set(float64(len(campaigns)))

	for _, c := range campaigns {
		o.monitorOne(ctx, c)
	}
}

func (o *Orchestrator) monitorOne(ctx context.Context, c *repository.Campaign) {
	logger := log.WithCampaignContext(o.logger, c.OrganizationID, c.ID)
	s := o.state(c.ID)

	o.mu.Lock()
	inProgress := s.batchInProgress
	staleSince := s.batchInProgressAt
	o.mu.Unlock()

	if inProgress {
		if time.Since(staleSince) > o.cfg.StaleBatchTimeout {
			logger.Warn("orchestrator: clearing stale batch_in_progress", "age", time.Since(staleSince))
			o.clearBatchInProgress(c.ID)
			// A new batch is scheduled only when work remains, and then
			// only inside the window check scheduleBatch already performs.
			remaining, err := o.remainingWork(ctx, c.ID)
			if err != nil {
				logger.Error("orchestrator: count remaining work", "error", err)
			} else if remaining > 0 {
				o.scheduleBatch(ctx, c.OrganizationID, c.ID, logger)
			}
		}
		return
	}

	remaining, err := o.remainingWork(ctx, c.ID)
	if err != nil {
		logger.Error("orchestrator: count remaining work", "error", err)
		return
	}

	if remaining > 0 {
		o.scheduleBatch(ctx, c.OrganizationID, c.ID, logger)
		return
	}

	o.mu.Lock()
	idleSince := s.lastActivityAt
	o.mu.Unlock()
	if idleSince.IsZero() {
		idleSince = c.LastActivityAt
	}
	if time.Since(idleSince) < o.cfg.IdleCompletionTimeout {
		return
	}

	o.completeCampaign(ctx, c, logger)
}

func (o *Orchestrator) remainingWork(ctx context.Context, campaignID string) (int, error) {
	queued, err := o.repo.CountByState(ctx, campaignID, repository.QueuedRunQueued)
	if err != nil {
		return 0, err
	}
	processing, err := o.repo.CountByState(ctx, campaignID, repository.QueuedRunProcessing)
	if err != nil {
		return 0, err
	}
	return queued + processing, nil
}

func (o *Orchestrator) completeCampaign(ctx context.Context, c *repository.Campaign, logger *slog.Logger) {
	if err := o.repo.UpdateCampaignState(ctx, c.ID, repository.CampaignCompleted); err != nil {
		logger.Error("orchestrator: mark campaign completed", "error", err)
		return
	}
	logger.Info("orchestrator: campaign completed", "processed_rows", c.ProcessedRows, "failed_rows", c.FailedRows)

	evt := Event{
		Type:            EventCampaignCompleted,
		CampaignID:      c.ID,
		Timestamp:       time.Now(),
		ProcessedRows:   c.ProcessedRows,
		FailedRows:      c.FailedRows,
		DurationSeconds: time.Since(c.CreatedAt).Seconds(),
	}
	o.publish(ctx, evt, logger)
}

// scheduleBatch implements spec §4.3's 7-step batch-scheduling algorithm:
// debounce via the processing_lock, refresh the campaign, check the
// schedule window, check the circuit breaker, and enqueue the batch job.
func (o *Orchestrator) scheduleBatch(ctx context.Context, orgID, campaignID string, logger *slog.Logger) {
	ctx, span := tracer.Start(ctx, "orchestrator.scheduleBatch")
	defer span.End()
	span.SetAttributes(attribute.String("campaign_id", campaignID), attribute.String("organization_id", orgID))

	lockKey := "processing_lock:" + campaignID
	acquired, err := o.bus.SetNX(ctx, lockKey, []byte("1"), o.cfg.ProcessingLockWindow)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("orchestrator: acquire processing lock", "error", err)
		return
	}
	if !acquired {
		// Another scheduling attempt is already in flight for this
		// campaign within the debounce window.
		return
	}

	c, err := o.repo.GetCampaign(ctx, orgID, campaignID)
	if err != nil {
		logger.Error("orchestrator: refresh campaign before scheduling", "error", err)
		return
	}
	if c.State != repository.CampaignRunning {
		return
	}

	if !InWindow(c.Schedule, time.Now(), o.logger) {
		logger.Debug("orchestrator: outside schedule window, not scheduling batch")
		return
	}

	if o.breaker != nil && c.CircuitBreaker.FailureThreshold > 0 {
		open, err := o.breaker.IsOpen(ctx, campaignID, c.CircuitBreaker)
		if err != nil {
			logger.Error("orchestrator: circuit breaker check", "error", err)
		} else if open {
			logger.Warn("orchestrator: circuit breaker open, not scheduling batch")
			return
		}
	}

	s := o.state(campaignID)
	o.mu.Lock()
	s.batchInProgress = true
	s.batchInProgressAt = time.Now()
	o.mu.Unlock()

	batchSize := o.cfg.DefaultBatchSize
	payload := []byte(fmt.Sprintf(`{"campaign_id":%q,"organization_id":%q,"batch_size":%d}`, campaignID, c.OrganizationID, batchSize))
	if _, err := o.jobs.Enqueue(FunctionProcessBatch, payload); err != nil {
		logger.Error("orchestrator: enqueue batch job", "error", err)
		o.clearBatchInProgress(campaignID)
		return
	}
	metrics.BatchesScheduled.WithLabelValues(campaignID).Inc()

	logger.Info("orchestrator: batch scheduled", "batch_size", batchSize)
}

func (o *Orchestrator) publish(ctx context.Context, evt Event, logger *slog.Logger) {
	payload, err := evt.Encode()
	if err != nil {
		logger.Error("orchestrator: encode event", "error", err)
		return
	}
	if err := o.bus.Publish(ctx, CampaignChannel, payload); err != nil {
		logger.Error("orchestrator: publish event", "type", string(evt.Type), "error", err)
	}
}
