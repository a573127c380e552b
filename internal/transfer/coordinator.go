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

package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/metrics"
	"github.com/tombee/campaignforge/internal/telephony"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Callbacks are the engine-side effects the Coordinator drives once a
// transfer reaches a terminal state. They are closures over a single call's
// *engine.Engine, supplied by whoever constructs the Coordinator for that
// call, keeping this package free of an import on
// internal/engine.
type Callbacks struct {
	// AppendSystemMessage tells the LLM about the transfer outcome before
	// the next turn.
	AppendSystemMessage func(ctx context.Context, message string) error

	// RunInference drives one more LLM turn so the agent can relay a
	// failure cause to the caller (spec §4.9 step 10).
	RunInference func(ctx context.Context) error

	// EndCall terminates the call with the given disposition reason.
	EndCall func(ctx context.Context, reason string, abortImmediately bool) error
}

const (
	ReasonTransferCall       = "TRANSFER_CALL"
	ReasonTransferCallFailed = "TRANSFER_CALL_FAILED"
)

// Config bounds a Coordinator's timing behavior.
type Config struct {
	// ContextTTL bounds how long a TransferContext survives in the Event
	// Bus (spec §4.9 step 5: 5 minutes).
	ContextTTL time.Duration

	// AwaitTimeout bounds how long the Coordinator waits for a terminal
	// transfer event before treating the attempt as EventTransferTimeout.
	AwaitTimeout time.Duration

	// IDGenerator produces the transfer_id for each attempt. Defaults to
	// uuid.NewString; overridable so tests can predict the Event Bus
	// channel a Coordinator will subscribe to.
	IDGenerator func() string

	// FailureEndDelay bounds the pause between the failure-turn completing
	// and the call ending (spec §4.9 step 10: 5 seconds). Overridable so
	// tests don't have to wait out the production delay.
	FailureEndDelay time.Duration
}

// Coordinator drives one call's warm-transfer attempts: it implements the
// single method engine.ToolExecutor needs (TransferCall), dialing the
// destination through the Telephony Provider, playing hold music while
// awaiting the provider's transfer status callback, and resuming the
// engine via Callbacks once the attempt resolves. Grounded on the teacher's
// event-driven subscribe/await pattern (sdk/events.go's typed Event plus
// EventBus fan-out), adapted from an in-process workflow event stream to a
// cross-worker Event Bus channel so the webhook handler that receives the
// provider's callback (on whichever process owns that call) can resolve a
// wait happening on a different worker — the same property the Distributed
// Stasis Broker Manager/Worker split depends on.
type Coordinator struct {
	logger   *slog.Logger
	bus      eventbus.Bus
	provider telephony.Provider
	creds    telephony.Credentials
	callbacks Callbacks
	holdMusic *HoldMusic
	audio     AudioWriter

	originalCallID string
	cfg            Config
	clock          func() time.Time
}

// New builds a Coordinator for one call. originalCallID is the provider
// call identifier for the call currently in progress; audio is where hold
// music is written while the transfer is pending (typically the call's
// telephony.MediaSession).
func New(logger *slog.Logger, bus eventbus.Bus, provider telephony.Provider, creds telephony.Credentials, originalCallID string, audio AudioWriter, holdMusic *HoldMusic, callbacks Callbacks, cfg Config) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = 5 * time.Minute
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = 30 * time.Second
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}
	if cfg.FailureEndDelay <= 0 {
		cfg.FailureEndDelay = 5 * time.Second
	}
	return &Coordinator{
		logger:         logger,
		bus:            bus,
		provider:       provider,
		creds:          creds,
		callbacks:      callbacks,
		holdMusic:      holdMusic,
		audio:          audio,
		originalCallID: originalCallID,
		cfg:            cfg,
		clock:          time.Now,
	}
}

// TransferCall implements the method engine.ToolExecutor requires. It
// blocks until the transfer reaches a terminal state (or times out),
// driving Callbacks before returning.
func (c *Coordinator) TransferCall(ctx context.Context, targetNumber string) error {
	if !e164Pattern.MatchString(targetNumber) {
		return fmt.Errorf("transfer: destination %q is not E.164", targetNumber)
	}

	transferID := c.cfg.IDGenerator()
	conferenceName := "transfer-" + c.originalCallID
	logger := c.logger.With("transfer_id", transferID, "target_number", targetNumber)

	sub, err := c.bus.Subscribe(ctx, ChannelFor(transferID))
	if err != nil {
		return fmt.Errorf("transfer: subscribe to %s: %w", ChannelFor(transferID), err)
	}
	defer sub.Close()

	result, err := c.provider.TransferCall(ctx, c.creds, targetNumber, transferID, conferenceName, int(c.cfg.AwaitTimeout.Seconds()))
	if err != nil {
		return fmt.Errorf("transfer: provider dial failed: %w", err)
	}

	tctx := Context{
		TransferID:      transferID,
		CallSID:         result.ProviderCallID,
		TargetNumber:    targetNumber,
		OriginalCallSID: c.originalCallID,
		ConferenceName:  conferenceName,
		InitiatedAt:     c.clock(),
	}
	payload, err := tctx.Encode()
	if err != nil {
		return fmt.Errorf("transfer: encode context: %w", err)
	}
	if err := c.bus.Set(ctx, ContextKey(transferID), payload, c.cfg.ContextTTL); err != nil {
		logger.Warn("transfer: store context failed", "error", err)
	}
	defer c.bus.Delete(context.Background(), ContextKey(transferID))

	if c.holdMusic != nil && c.audio != nil {
		c.holdMusic.Start(c.audio)
		defer c.holdMusic.Stop()
	}

	outcome := c.await(ctx, sub, logger)
	return c.resolve(ctx, outcome, logger)
}

// await blocks until a terminal transfer event arrives, the context is
// cancelled, or the configured timeout elapses.
func (c *Coordinator) await(ctx context.Context, sub eventbus.Subscription, logger *slog.Logger) Event {
	deadline := time.NewTimer(c.cfg.AwaitTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return Event{Type: EventTransferCancelled, Reason: ctx.Err().Error()}
		case <-deadline.C:
			return Event{Type: EventTransferTimeout}
		case msg, ok := <-sub.Channel():
			if !ok {
				return Event{Type: EventTransferFailed, Reason: "event subscription closed"}
			}
			evt, err := DecodeEvent(msg.Payload)
			if err != nil {
				logger.Warn("transfer: discarding undecodable event", "error", err)
				continue
			}
			if evt.Type.Terminal() {
				return evt
			}
			// EventTransferAnswered is informational only; keep waiting for
			// the conference-level terminal event.
		}
	}
}

// resolve drives the engine callbacks for a terminal transfer outcome per
// spec §4.9 steps 9-10.
func (c *Coordinator) resolve(ctx context.Context, outcome Event, logger *slog.Logger) error {
	metrics.TransfersTotal.WithLabelValues(string(outcome.Type)).Inc()
	if outcome.Type == EventTransferCompleted {
		logger.Info("transfer: completed")
		if c.callbacks.AppendSystemMessage != nil {
			_ = c.callbacks.AppendSystemMessage(ctx, "The call was successfully transferred.")
		}
		if c.callbacks.EndCall != nil {
			return c.callbacks.EndCall(ctx, ReasonTransferCall, false)
		}
		return nil
	}

	cause := outcome.Reason
	if cause == "" {
		cause = string(outcome.Type)
	}
	logger.Warn("transfer: did not complete", "outcome", outcome.Type, "reason", cause)

	if c.callbacks.AppendSystemMessage != nil {
		_ = c.callbacks.AppendSystemMessage(ctx, fmt.Sprintf(
			"The transfer could not be completed (%s). Let the caller know and ask how else you can help.", cause))
	}
	if c.callbacks.RunInference != nil {
		if err := c.callbacks.RunInference(ctx); err != nil {
			logger.Warn("transfer: post-failure inference turn failed", "error", err)
		}
	}

	if c.callbacks.EndCall == nil {
		return fmt.Errorf("transfer: failed (%s)", cause)
	}

	timer := time.NewTimer(c.cfg.FailureEndDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return c.callbacks.EndCall(ctx, ReasonTransferCallFailed, false)
}
