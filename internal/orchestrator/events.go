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

// Package orchestrator implements the Campaign Orchestrator event loop and
// completion monitor (spec §4.3), the Circuit Breaker (spec §4.5), and the
// Batch Processor claim/dispatch job (spec §4.4).
package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"
)

// CampaignChannel is the single Event Bus channel carrying the tagged-union
// campaign event protocol (spec §4.2).
const CampaignChannel = "campaign:events"

// EventType discriminates the campaign event union.
type EventType string

const (
	EventSyncCompleted        EventType = "SyncCompleted"
	EventBatchCompleted       EventType = "BatchCompleted"
	EventBatchFailed          EventType = "BatchFailed"
	EventRetryNeeded          EventType = "RetryNeeded"
	EventRetryFailed          EventType = "RetryFailed"
	EventCampaignCompleted    EventType = "CampaignCompleted"
	EventCircuitBreakerTripped EventType = "CircuitBreakerTripped"
	EventCampaignPaused       EventType = "CampaignPaused"
	EventCampaignResumed      EventType = "CampaignResumed"
)

// RetryReason enumerates the call outcomes campaign retry policy recognizes.
type RetryReason string

const (
	RetryReasonBusy      RetryReason = "busy"
	RetryReasonNoAnswer  RetryReason = "no_answer"
	RetryReasonVoicemail RetryReason = "voicemail"
	RetryReasonFailed    RetryReason = "failed"
	RetryReasonError     RetryReason = "error"
)

// Event is the discriminated envelope every campaign event is published and
// parsed as. Fields not relevant to Type are left zero.
type Event struct {
	Type           EventType `json:"type"`
	CampaignID     string    `json:"campaign_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	// SyncCompleted
	TotalRows int `json:"total_rows,omitempty"`

	// BatchCompleted / BatchFailed
	ProcessedCount int    `json:"processed_count,omitempty"`
	FailedCount    int    `json:"failed_count,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	Error          string `json:"error,omitempty"`

	// RetryNeeded / RetryFailed
	WorkflowRunID string      `json:"workflow_run_id,omitempty"`
	QueuedRunID   string      `json:"queued_run_id,omitempty"`
	Reason        RetryReason `json:"reason,omitempty"`

	// CampaignCompleted
	ProcessedRows   int     `json:"processed_rows,omitempty"`
	FailedRows      int     `json:"failed_rows,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// CircuitBreakerTripped
	FailureRate   float64 `json:"failure_rate,omitempty"`
	FailureCount  int64   `json:"failure_count,omitempty"`
	SuccessCount  int64   `json:"success_count,omitempty"`
	Threshold     float64 `json:"threshold,omitempty"`
	WindowSeconds int     `json:"window_seconds,omitempty"`
}

// Encode serializes the event for publication on CampaignChannel.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a published payload back into an Event.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("orchestrator: decode event: %w", err)
	}
	return e, nil
}
