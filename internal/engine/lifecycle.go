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

package engine

import "context"

// EndCallWithReason disposes of the call: it mutes the pipeline, runs
// synchronous extraction against the current node so the disposition
// mapping can see whatever the conversation just gathered, maps the reason
// through the organization's disposition table, and signals the pipeline
// to wind down. It is idempotent — a second call after disposal is a
// no-op, since both the agent's end_call tool and the idle-timeout path
// can race to end the same call.
func (e *Engine) EndCallWithReason(ctx context.Context, reason string, abortImmediately bool) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.mutePipeline = true
	node := e.currentNode
	e.mu.Unlock()

	if node != nil && node.ExtractionEnabled {
		if err := e.extract(ctx, node); err != nil {
			e.logger.Warn("synchronous extraction before end_call failed", "error", err)
		}
	}

	disposition := reason
	e.mu.Lock()
	if v, ok := e.gatheredContext["call_disposition"]; ok {
		if s, ok := v.(string); ok && s != "" {
			disposition = s
		}
	}
	e.mu.Unlock()
	if e.dispositionMapper != nil {
		disposition = e.dispositionMapper(disposition)
	}
	e.mu.Lock()
	e.gatheredContext["call_disposition"] = disposition
	e.mu.Unlock()

	if e.pipeline == nil {
		return nil
	}
	if abortImmediately {
		return e.pipeline.EmitCancelFrame(ctx)
	}
	return e.pipeline.EmitEndFrame(ctx)
}

// ShouldMute reports whether the pipeline should currently suppress inbound
// user frames: the call has been disposed, or the bot is speaking on a node
// that does not allow interruption.
func (e *Engine) ShouldMute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mutePipeline {
		return true
	}
	if e.botSpeaking && e.currentNode != nil && !e.currentNode.AllowInterrupt {
		return true
	}
	return false
}

// OnBotStartedSpeaking and OnBotStoppedSpeaking track the pipeline's
// bot-speaking frames, the only signal ShouldMute needs to evaluate
// allow_interrupt.
func (e *Engine) OnBotStartedSpeaking() {
	e.mu.Lock()
	e.botSpeaking = true
	e.mu.Unlock()
}

func (e *Engine) OnBotStoppedSpeaking() {
	e.mu.Lock()
	e.botSpeaking = false
	e.mu.Unlock()
}

// Idle reasons used when the user-idle handler exhausts its retries.
const (
	ReasonUserIdleMaxDurationExceeded = "user_idle_max_duration_exceeded"
)

// OnUserIdle runs the two-stage idle escalation: the first timeout prompts
// the user once and keeps the call alive, the second ends it. OnUserTurnStarted
// resets the counter whenever the user speaks again.
func (e *Engine) OnUserIdle(ctx context.Context) error {
	e.mu.Lock()
	e.idle.RetryCount++
	attempt := e.idle.RetryCount
	e.mu.Unlock()

	if e.pipeline == nil {
		return nil
	}

	if attempt == 1 {
		if err := e.pipeline.AppendSystemMessage(ctx, "The user has gone quiet. Politely check if they are still there."); err != nil {
			return err
		}
		return e.pipeline.RunInference(ctx)
	}

	if err := e.pipeline.AppendSystemMessage(ctx, "The user is still unresponsive. Say a brief, polite goodbye."); err != nil {
		return err
	}
	if err := e.pipeline.RunInference(ctx); err != nil {
		return err
	}
	return e.EndCallWithReason(ctx, ReasonUserIdleMaxDurationExceeded, false)
}

// OnUserTurnStarted resets idle escalation once the user speaks.
func (e *Engine) OnUserTurnStarted() {
	e.mu.Lock()
	e.idle.RetryCount = 0
	e.mu.Unlock()
}
