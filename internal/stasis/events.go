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

// Package stasis implements spec §4.10's Distributed Stasis Broker: a
// singleton Manager process holds the persistent per-organization event
// WebSocket a "stasis" telephony provider exposes, and fans StasisStart/
// StasisEnd events out to a pool of Worker processes over the Event Bus so
// no single process needs to hold every active call's pipeline in memory.
// Grounded on the teacher's internal/daemon/scheduler.go mutex-guarded
// map-of-state pattern (generalized here to per-org WebSocket connections)
// and its own events.go tagged-union convention, reused for StasisStartEvent/
// StasisEndEvent.
package stasis

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the messages the Manager fans out to a worker's
// event channel.
type EventType string

const (
	EventStasisStart EventType = "stasis.start"
	EventStasisEnd   EventType = "stasis.end"
)

// WorkerEvent is the tagged union published on worker:{id}:events.
type WorkerEvent struct {
	Type           EventType              `json:"type"`
	ChannelID      string                 `json:"channel_id"`
	BridgeID       string                 `json:"bridge_id"`
	ExternalMedia  string                 `json:"external_media_channel_id"`
	WorkflowRunID  string                 `json:"workflow_run_id"`
	WorkflowID     string                 `json:"workflow_id"`
	UserID         string                 `json:"user_id"`
	OrganizationID string                 `json:"organization_id"`
	Addresses      map[string]string      `json:"addresses,omitempty"`
	Args           map[string]interface{} `json:"args,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Encode serializes the event for publication.
func (e WorkerEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeWorkerEvent parses an event previously produced by Encode.
func DecodeWorkerEvent(payload []byte) (WorkerEvent, error) {
	var e WorkerEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return WorkerEvent{}, fmt.Errorf("stasis: decode worker event: %w", err)
	}
	return e, nil
}

// WorkerChannel returns the Event Bus channel a given worker's StasisStart/
// StasisEnd events are published to.
func WorkerChannel(workerID string) string {
	return "worker:" + workerID + ":events"
}

// HeartbeatKey returns the Event Bus key a worker's liveness/load heartbeat
// is stored under, TTL 30s per spec §4.10.
func HeartbeatKey(workerID string) string {
	return "worker:active:" + workerID
}

// WorkerStatus is a worker's self-reported readiness.
type WorkerStatus string

const (
	WorkerReady    WorkerStatus = "ready"
	WorkerDraining WorkerStatus = "draining"
)

// Heartbeat is the payload stored at HeartbeatKey, read by the Manager to
// choose a ready worker with the fewest active calls.
type Heartbeat struct {
	WorkerID    string       `json:"worker_id"`
	Status      WorkerStatus `json:"status"`
	ActiveCalls int          `json:"active_calls"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Encode serializes a Heartbeat for storage.
func (h Heartbeat) Encode() ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHeartbeat parses a Heartbeat previously produced by Encode.
func DecodeHeartbeat(payload []byte) (Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(payload, &h); err != nil {
		return Heartbeat{}, fmt.Errorf("stasis: decode heartbeat: %w", err)
	}
	return h, nil
}

// ChannelMappingKey returns the "ari:channel:" Event Bus key for a channel.
// Nothing in this package reads or writes it; the Manager caches a
// channel's Assignment under AssignmentKey instead.
func ChannelMappingKey(channelID string) string {
	return "ari:channel:" + channelID
}

// HeartbeatChannel is the channel every Worker publishes its Heartbeat to in
// addition to storing it at HeartbeatKey, so the Manager can maintain a live
// worker roster without a key-scan primitive on the Event Bus.
const HeartbeatChannel = "stasis:heartbeats"

// Assignment records which worker, bridge and external-media channel a
// StasisStart was dispatched to, so the matching StasisEnd can be routed to
// the same worker and the bridge resources torn down.
type Assignment struct {
	WorkerID               string `json:"worker_id"`
	BridgeID               string `json:"bridge_id"`
	ExternalMediaChannelID string `json:"external_media_channel_id"`
}

func (a Assignment) Encode() ([]byte, error) {
	return json.Marshal(a)
}

func DecodeAssignment(payload []byte) (Assignment, error) {
	var a Assignment
	if err := json.Unmarshal(payload, &a); err != nil {
		return Assignment{}, fmt.Errorf("stasis: decode assignment: %w", err)
	}
	return a, nil
}

// AssignmentKey returns the Event Bus key a channel's Assignment is cached
// under for the lifetime of the call.
func AssignmentKey(channelID string) string {
	return "stasis:assignment:" + channelID
}
