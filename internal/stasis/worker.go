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

package stasis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/log"
	"github.com/tombee/campaignforge/internal/metrics"
)

// Connection is the provider-specific call handle a Worker hands to the
// pipeline runtime once the Manager has bridged a call to it: channel
// identifiers and the addresses the external-media transport needs to
// attach an RTP/WebSocket reader to the call.
type Connection struct {
	ChannelID              string
	ExternalMediaChannelID string
	BridgeID               string
	WorkflowRunID          string
	WorkflowID             string
	UserID                 string
	OrganizationID         string
	Addresses              map[string]string
}

// PipelineRuntime is the narrow slice of the conversational engine a Worker
// drives: start a call's pipeline on StasisStart, and tear it down on
// StasisEnd once the pipeline has registered its disconnect handler.
// The caller supplies the concrete implementation, keeping this package
// free of an import on internal/engine or internal/pipeline.
type PipelineRuntime interface {
	StartCall(ctx context.Context, conn Connection) error
	EndCall(ctx context.Context, channelID string) error
}

// WorkerConfig parameterizes a Worker's heartbeat and drain timing.
type WorkerConfig struct {
	HeartbeatTTL      time.Duration // default 30s
	HeartbeatInterval time.Duration // default 10s
	DrainTimeout      time.Duration // default 5m
	// DisconnectWait bounds how long EndCall waits for the pipeline to
	// register its disconnect handler before tearing down anyway.
	DisconnectWait time.Duration // default 5s
}

// Worker is one stasis worker process: it registers a heartbeat, subscribes
// to its own event channel, and starts/ends call pipelines as the Manager
// assigns them.
type Worker struct {
	id      string
	bus     eventbus.Bus
	runtime PipelineRuntime
	logger  *slog.Logger
	cfg     WorkerConfig

	mu               sync.Mutex
	status           WorkerStatus
	activeCalls      map[string]struct{}
	disconnectReady  map[string]chan struct{}
}

// NewWorker constructs a Worker identified by id.
func NewWorker(id string, bus eventbus.Bus, runtime PipelineRuntime, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Minute
	}
	if cfg.DisconnectWait <= 0 {
		cfg.DisconnectWait = 5 * time.Second
	}
	return &Worker{
		id:              id,
		bus:             bus,
		runtime:         runtime,
		logger:          log.WithProvider(logger, "stasis").With(slog.String(log.WorkerIDKey, id)),
		cfg:             cfg,
		status:          WorkerReady,
		activeCalls:     make(map[string]struct{}),
		disconnectReady: make(map[string]chan struct{}),
	}
}

// Run registers the heartbeat and processes events until ctx is cancelled.
// It blocks; call it from its own goroutine.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.beat(ctx); err != nil {
		return err
	}
	metrics.StasisWorkersActive.Inc()

	sub, err := w.bus.Subscribe(ctx, WorkerChannel(w.id))
	if err != nil {
		return err
	}
	defer sub.Close()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.beat(ctx); err != nil {
				w.logger.Warn("stasis: heartbeat refresh failed", "error", err)
			}
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) beat(ctx context.Context) error {
	w.mu.Lock()
	hb := Heartbeat{WorkerID: w.id, Status: w.status, ActiveCalls: len(w.activeCalls), UpdatedAt: time.Now()}
	w.mu.Unlock()

	payload, err := hb.Encode()
	if err != nil {
		return err
	}
	if err := w.bus.Set(ctx, HeartbeatKey(w.id), payload, w.cfg.HeartbeatTTL); err != nil {
		return err
	}
	// Best-effort: the Manager's worker roster is maintained from this
	// broadcast rather than a key-scan, since the Event Bus interface has
	// no primitive to list keys by prefix.
	_ = w.bus.Publish(ctx, HeartbeatChannel, payload)
	return nil
}

func (w *Worker) handle(ctx context.Context, msg eventbus.Message) {
	evt, err := DecodeWorkerEvent(msg.Payload)
	if err != nil {
		w.logger.Warn("stasis: discarding undecodable worker event", "error", err)
		return
	}
	logger := w.logger.With(slog.String(log.EventKey, string(evt.Type)), slog.String(log.CallIDKey, evt.ChannelID))

	switch evt.Type {
	case EventStasisStart:
		w.mu.Lock()
		w.activeCalls[evt.ChannelID] = struct{}{}
		w.disconnectReady[evt.ChannelID] = make(chan struct{})
		w.mu.Unlock()

		conn := Connection{
			ChannelID:              evt.ChannelID,
			ExternalMediaChannelID: evt.ExternalMedia,
			BridgeID:               evt.BridgeID,
			WorkflowRunID:          evt.WorkflowRunID,
			WorkflowID:             evt.WorkflowID,
			UserID:                 evt.UserID,
			OrganizationID:         evt.OrganizationID,
			Addresses:              evt.Addresses,
		}
		if err := w.runtime.StartCall(ctx, conn); err != nil {
			logger.Error("stasis: start call pipeline", "error", err)
		}

	case EventStasisEnd:
		w.mu.Lock()
		ready := w.disconnectReady[evt.ChannelID]
		w.mu.Unlock()

		if ready != nil {
			select {
			case <-ready:
			case <-time.After(w.cfg.DisconnectWait):
				logger.Warn("stasis: disconnect handler not registered before timeout, tearing down anyway")
			case <-ctx.Done():
			}
		}
		if err := w.runtime.EndCall(ctx, evt.ChannelID); err != nil {
			logger.Error("stasis: end call pipeline", "error", err)
		}

		w.mu.Lock()
		delete(w.activeCalls, evt.ChannelID)
		delete(w.disconnectReady, evt.ChannelID)
		w.mu.Unlock()

	default:
		logger.Warn("stasis: unknown worker event type")
	}
}

// NotifyDisconnectReady is called by the pipeline runtime once it has
// registered its disconnect handler for channelID, unblocking a pending
// EndCall (spec §4.10 worker: "wait until the pipeline has registered its
// disconnect handler, then call it").
func (w *Worker) NotifyDisconnectReady(channelID string) {
	w.mu.Lock()
	ch := w.disconnectReady[channelID]
	w.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Drain marks the worker draining, stops accepting new StasisStart
// assignments (the Manager excludes draining workers from its load-balance
// pick once the next heartbeat lands), and waits up to DrainTimeout for
// in-flight calls to finish.
func (w *Worker) Drain(ctx context.Context) {
	w.mu.Lock()
	w.status = WorkerDraining
	w.mu.Unlock()
	_ = w.beat(ctx)
	metrics.StasisWorkersActive.Dec()

	deadline := time.NewTimer(w.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		w.mu.Lock()
		remaining := len(w.activeCalls)
		w.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-deadline.C:
			w.logger.Warn("stasis: drain timeout with calls still active", "remaining", remaining)
			return
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
