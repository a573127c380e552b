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

// Package repository defines the data-access surface for the campaign
// platform's relational entities: organizations, workflows and their
// versioned definitions, campaigns, queued runs, workflow runs, and
// per-organization telephony configuration. Implementations live in
// internal/repository/postgres (pgx, for production) and
// internal/repository/memory (for tests).
package repository

import "time"

// Organization holds the telephony and concurrency settings every other
// entity is scoped under.
type Organization struct {
	ID                  string
	Name                string
	ConcurrentCallLimit int
	DispositionMapping  map[string]string
	CreatedAt           time.Time
}

// TelephonyConfig is the per-organization provider credential and
// from-number configuration looked up at call initiation and webhook
// validation.
type TelephonyConfig struct {
	OrganizationID    string
	Provider          string
	AuthCredentials   map[string]string
	OutboundNumbers   []string
	InboundWorkflowID string // empty if inbound calls are not routed
	UpdatedAt         time.Time
}

// TurnStopStrategy selects how the pipeline decides a user has finished
// speaking.
type TurnStopStrategy string

const (
	TurnStopVAD          TurnStopStrategy = "vad"
	TurnStopEndOfUtterance TurnStopStrategy = "end_of_utterance"
)

// WorkflowConfig holds workflow-level pipeline tuning, copied onto every
// WorkflowRun created from the workflow.
type WorkflowConfig struct {
	DictionaryWords    []string
	VADConfig          map[string]float64
	MaxCallDuration    time.Duration
	MaxUserIdleTimeout time.Duration
	TurnStopStrategy   TurnStopStrategy
	DelayedStart       time.Duration
}

// Workflow is the long-lived container for a conversational script; its
// graph is versioned through WorkflowDefinition snapshots.
type Workflow struct {
	ID                string
	OrganizationID    string
	CurrentDefinition string // WorkflowDefinition.ID; empty until first publish
	Config            WorkflowConfig
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkflowDefinition is an immutable snapshot of a workflow's node/edge
// graph. Exactly one definition per workflow has IsCurrent set.
type WorkflowDefinition struct {
	ID         string
	WorkflowID string
	Graph      []byte // serialized workflowgraph.Graph
	IsCurrent  bool
	CreatedAt  time.Time
}

// CampaignState is the Campaign lifecycle state.
type CampaignState string

const (
	CampaignCreated   CampaignState = "created"
	CampaignSyncing   CampaignState = "syncing"
	CampaignRunning   CampaignState = "running"
	CampaignPaused    CampaignState = "paused"
	CampaignCompleted CampaignState = "completed"
	CampaignFailed    CampaignState = "failed"
)

// IsTerminal reports whether state is completed or failed.
func (s CampaignState) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// RetryConfig governs QueuedRun retry scheduling on call failure.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ScheduleWindow restricts batch scheduling to a time-of-day range in a
// named timezone, e.g. 09:00-18:00 America/New_York.
type ScheduleWindow struct {
	StartHour int
	EndHour   int
	Timezone  string
	Weekdays  []time.Weekday // empty means every day
}

// CircuitBreakerConfig parameterizes the campaign's sliding-window failure
// detector.
type CircuitBreakerConfig struct {
	WindowSeconds    int
	FailureThreshold int // trips when failures >= threshold within the window
	MinSamples       int // minimum combined samples before evaluating
}

// CampaignSource identifies where a campaign's phone-number rows come from.
type CampaignSource struct {
	Type       string // e.g. "csv_upload", "crm_segment"
	Identifier string
}

// Campaign is one outbound calling campaign.
type Campaign struct {
	ID             string
	OrganizationID string
	WorkflowID     string
	State          CampaignState
	Source         CampaignSource
	Retry          RetryConfig
	MaxConcurrency int
	Schedule       ScheduleWindow
	CircuitBreaker CircuitBreakerConfig

	TotalRows     int
	ProcessedRows int
	FailedRows    int

	// ProcessingLockSetAt is the last time the orchestrator's debounce lock
	// was acquired for this campaign; nil if not currently locked.
	ProcessingLockSetAt *time.Time
	BatchInProgress     bool
	LastActivityAt      time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueuedRunState is the QueuedRun lifecycle state.
type QueuedRunState string

const (
	QueuedRunQueued     QueuedRunState = "queued"
	QueuedRunProcessing QueuedRunState = "processing"
	QueuedRunDone       QueuedRunState = "done"
	QueuedRunFailed     QueuedRunState = "failed"
)

// QueuedRun is one phone-number row awaiting a call attempt.
type QueuedRun struct {
	ID                string
	CampaignID        string
	SourceRowUUID     string
	ContextVariables  map[string]interface{}
	State             QueuedRunState
	RetryCount        int
	ParentQueuedRunID string // empty for the original attempt
	ScheduledFor      *time.Time
	RetryReason       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkflowRunMode distinguishes campaign-originated calls from ad hoc or
// inbound runs.
type WorkflowRunMode string

const (
	WorkflowRunModeCampaign WorkflowRunMode = "campaign"
	WorkflowRunModeInbound  WorkflowRunMode = "inbound"
	WorkflowRunModeAdHoc    WorkflowRunMode = "ad_hoc"
)

// WorkflowRunState mirrors the pipeline's call lifecycle.
type WorkflowRunState string

const (
	WorkflowRunPending   WorkflowRunState = "pending"
	WorkflowRunDialing   WorkflowRunState = "dialing"
	WorkflowRunActive    WorkflowRunState = "active"
	WorkflowRunCompleted WorkflowRunState = "completed"
	WorkflowRunFailed    WorkflowRunState = "failed"
)

// UsageInfo captures LLM/STT/TTS consumption for a run, used for cost
// rollups.
type UsageInfo struct {
	LLMInputTokens  int
	LLMOutputTokens int
	STTSeconds      float64
	TTSCharacters   int
	EstimatedCost   float64
}

// WorkflowRun is one call attempt.
type WorkflowRun struct {
	ID               string
	WorkflowID       string
	CampaignID       string // empty for non-campaign runs
	QueuedRunID      string // empty for non-campaign runs
	Mode             WorkflowRunMode
	State            WorkflowRunState
	DefinitionID     string
	InitialContext   map[string]interface{}
	GatheredContext  map[string]interface{}
	Usage            UsageInfo
	RecordingURL     string
	TranscriptURL    string
	StorageBackend   string
	Logs             []string
	Annotations      map[string]string
	PublicAccessToken string

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
