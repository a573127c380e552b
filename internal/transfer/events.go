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

// Package transfer implements spec §4.9's Call Transfer Coordination: the
// engine's transfer-call tool dials a destination through the Telephony
// Provider, plays hold music while the destination rings, and awaits a
// terminal transfer event published to the Event Bus by the webhook handler
// receiving the provider's transfer status callbacks.
package transfer

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the terminal (and non-terminal) states a
// transfer attempt can reach, published by the provider webhook handler
// onto ChannelFor(transferID).
type EventType string

const (
	EventTransferAnswered  EventType = "transfer.answered"
	EventTransferCompleted EventType = "transfer.completed"
	EventTransferFailed    EventType = "transfer.failed"
	EventTransferCancelled EventType = "transfer.cancelled"
	EventTransferTimeout   EventType = "transfer.timeout"
)

// Terminal reports whether this event ends the Coordinator's wait loop.
func (t EventType) Terminal() bool {
	switch t {
	case EventTransferCompleted, EventTransferFailed, EventTransferCancelled, EventTransferTimeout:
		return true
	default:
		return false
	}
}

// Event is the tagged union published over a transfer's event channel.
type Event struct {
	Type       EventType `json:"type"`
	TransferID string    `json:"transfer_id"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
}

// Encode serializes the event for publication on the Event Bus.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a transfer event previously produced by Encode.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("transfer: decode event: %w", err)
	}
	return e, nil
}

// ChannelFor returns the Event Bus channel a given transfer's status
// updates are published to and the Coordinator subscribes on.
func ChannelFor(transferID string) string {
	return "transfer:events:" + transferID
}

// ContextKey returns the Event Bus key a TransferContext is stored under.
func ContextKey(transferID string) string {
	return "transfer:context:" + transferID
}

// Context is the per-transfer state stored in the Event Bus for the
// duration of the attempt, keyed by ContextKey with a 5-minute TTL.
type Context struct {
	TransferID      string    `json:"transfer_id"`
	CallSID         string    `json:"call_sid"`
	TargetNumber    string    `json:"target_number"`
	ToolUUID        string    `json:"tool_uuid"`
	OriginalCallSID string    `json:"original_call_sid"`
	ConferenceName  string    `json:"conference_name"`
	InitiatedAt     time.Time `json:"initiated_at"`
}

// Encode serializes a Context for storage.
func (c Context) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeContext parses a Context previously produced by Encode.
func DecodeContext(payload []byte) (Context, error) {
	var c Context
	if err := json.Unmarshal(payload, &c); err != nil {
		return Context{}, fmt.Errorf("transfer: decode context: %w", err)
	}
	return c, nil
}
