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

package repository

import "context"

// Organizations is the organization and telephony-config access surface.
type Organizations interface {
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetTelephonyConfig(ctx context.Context, orgID string) (*TelephonyConfig, error)

	// ListTelephonyConfigsByProvider returns every organization's telephony
	// config whose Provider matches provider, for the stasis broker
	// Manager's periodic reload of which organizations it owns a
	// persistent event connection for.
	ListTelephonyConfigsByProvider(ctx context.Context, provider string) ([]*TelephonyConfig, error)
}

// Workflows provides workflow and versioned-definition access.
type Workflows interface {
	GetWorkflow(ctx context.Context, orgID, id string) (*Workflow, error)
	GetCurrentDefinition(ctx context.Context, workflowID string) (*WorkflowDefinition, error)
	GetDefinition(ctx context.Context, definitionID string) (*WorkflowDefinition, error)

	// PublishDefinition writes a new definition snapshot and atomically
	// flips is_current off the previous one, preserving the invariant that
	// at most one definition per workflow is current.
	PublishDefinition(ctx context.Context, def *WorkflowDefinition) error
}

// Campaigns provides campaign CRUD and the state-transition helpers the
// orchestrator drives.
type Campaigns interface {
	GetCampaign(ctx context.Context, orgID, id string) (*Campaign, error)
	CreateCampaign(ctx context.Context, c *Campaign) error
	UpdateCampaignState(ctx context.Context, id string, state CampaignState) error

	// UpdateCampaignFields applies a partial update (PATCH /campaign/{id})
	// to the mutable scheduling/concurrency/retry knobs. Zero-value fields
	// in patch are left untouched by the caller before this is invoked.
	UpdateCampaignFields(ctx context.Context, id string, patch CampaignPatch) error

	// IncrementCounters atomically adds to processed/failed rows.
	IncrementCounters(ctx context.Context, id string, processedDelta, failedDelta int) error

	// ListActive returns campaigns in running or syncing state, used by the
	// orchestrator's completion monitor sweep.
	ListActive(ctx context.Context) ([]*Campaign, error)

	// ListStale returns running/syncing campaigns whose LastActivityAt is
	// older than olderThanSeconds, candidates for the monitor to re-check.
	ListStale(ctx context.Context, olderThanSeconds int) ([]*Campaign, error)

	// ListByOrganization returns every campaign owned by orgID, newest
	// first, for the campaign management API's list endpoint.
	ListByOrganization(ctx context.Context, orgID string) ([]*Campaign, error)
}

// CampaignPatch carries the mutable fields PATCH /campaign/{id} may update.
// A nil pointer leaves the corresponding column untouched.
type CampaignPatch struct {
	MaxConcurrency *int
	Retry          *RetryConfig
	Schedule       *ScheduleWindow
	CircuitBreaker *CircuitBreakerConfig
}

// QueuedRuns provides the Batch Processor's atomic claim primitive plus
// retry-chain bookkeeping.
type QueuedRuns interface {
	// ClaimBatch selects up to n queued rows for campaignID using
	// SELECT ... FOR UPDATE SKIP LOCKED semantics, marks them processing,
	// and returns the claimed rows. Concurrent callers never observe the
	// same row.
	ClaimBatch(ctx context.Context, campaignID string, n int) ([]*QueuedRun, error)

	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error

	// ScheduleRetry creates a child QueuedRun linked via ParentQueuedRunID,
	// queued for ScheduledFor, enforcing the max-depth invariant against
	// retryCfg.MaxRetries.
	ScheduleRetry(ctx context.Context, parent *QueuedRun, retryCfg RetryConfig, reason string) (*QueuedRun, error)

	CountByState(ctx context.Context, campaignID string, state QueuedRunState) (int, error)
}

// WorkflowRuns provides WorkflowRun CRUD, mutated by the pipeline as a call
// progresses and completes.
type WorkflowRuns interface {
	CreateWorkflowRun(ctx context.Context, r *WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)
	GetWorkflowRunByPublicToken(ctx context.Context, token string) (*WorkflowRun, error)
	UpdateWorkflowRunState(ctx context.Context, id string, state WorkflowRunState) error

	// CompleteWorkflowRun persists the final artifacts and usage for a
	// finished call.
	CompleteWorkflowRun(ctx context.Context, id string, update WorkflowRunCompletion) error

	// ListByCampaign returns every WorkflowRun attempted for campaignID,
	// newest first, for GET /campaign/{id}/runs.
	ListByCampaign(ctx context.Context, campaignID string) ([]*WorkflowRun, error)
}

// WorkflowRunCompletion is the set of fields written when a call finishes.
type WorkflowRunCompletion struct {
	State           WorkflowRunState
	GatheredContext map[string]interface{}
	Usage           UsageInfo
	RecordingURL    string
	TranscriptURL   string
	Logs            []string
}

// Repository aggregates every entity's access surface, the unit of
// dependency injected into orchestrator, engine, and API components.
type Repository interface {
	Organizations
	Workflows
	Campaigns
	QueuedRuns
	WorkflowRuns
}
