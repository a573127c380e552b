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

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tombee/campaignforge/internal/engine"
	"github.com/tombee/campaignforge/pkg/llm"
)

var _ engine.PipelineHandle = (*Pipeline)(nil)

// AudioOutputTransport writes one output audio frame at a time to the
// telephony transport's media stream. It returns false on a failed write,
// the signal the output task uses to count consecutive failures.
type AudioOutputTransport interface {
	WriteAudioFrame(frame []byte) bool
}

// BotSpeakingHooks notifies the conversational engine of bot speaking
// state, so its should-mute callback can honor allow_interrupt.
type BotSpeakingHooks interface {
	OnBotStartedSpeaking()
	OnBotStoppedSpeaking()
}

// DefaultMaxConsecutiveAudioWriteFailures is the spec's default threshold
// before the output task gives up on the current TTS utterance.
const DefaultMaxConsecutiveAudioWriteFailures = 2

// Pipeline drives one call's frame flow: it receives frames from the
// transport and the conversational engine, applies turn-stop, mute and
// interruption rules, and exposes the engine.PipelineHandle surface the
// engine uses to replace LLM context and emit end/cancel frames.
type Pipeline struct {
	logger   *slog.Logger
	provider llm.Provider
	model    string

	mu       sync.Mutex
	messages []llm.Message
	tools    []llm.Tool

	turns            *TurnController
	mute             MuteStrategy
	output           AudioOutputTransport
	hooks            BotSpeakingHooks
	maxWriteFailures int
	recorder         *Recorder

	interruptCh chan struct{}
}

// Config configures a new Pipeline.
type Config struct {
	Provider                    llm.Provider
	Model                       string
	Turns                       *TurnController
	Mute                        MuteStrategy
	Output                      AudioOutputTransport
	Hooks                       BotSpeakingHooks
	Recorder                    *Recorder
	MaxConsecutiveWriteFailures int
	Logger                      *slog.Logger
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConsecutiveWriteFailures <= 0 {
		cfg.MaxConsecutiveWriteFailures = DefaultMaxConsecutiveAudioWriteFailures
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NewRecorder()
	}
	return &Pipeline{
		logger:           cfg.Logger,
		provider:         cfg.Provider,
		model:            cfg.Model,
		turns:            cfg.Turns,
		mute:             cfg.Mute,
		output:           cfg.Output,
		hooks:            cfg.Hooks,
		recorder:         cfg.Recorder,
		maxWriteFailures: cfg.MaxConsecutiveWriteFailures,
		interruptCh:      make(chan struct{}, 1),
	}
}

// ReplaceSystemContext implements engine.PipelineHandle: it swaps the
// system message (index 0) and the available function list.
func (p *Pipeline) ReplaceSystemContext(_ context.Context, systemPrompt string, functions []engine.FunctionSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	system := llm.Message{Role: llm.MessageRoleSystem, Content: systemPrompt}
	if len(p.messages) > 0 && p.messages[0].Role == llm.MessageRoleSystem {
		p.messages[0] = system
	} else {
		p.messages = append([]llm.Message{system}, p.messages...)
	}

	tools := make([]llm.Tool, 0, len(functions))
	for _, f := range functions {
		tools = append(tools, llm.Tool{Name: f.Name, Description: f.Description, InputSchema: f.Parameters})
	}
	p.tools = tools
	return nil
}

// AppendSystemMessage implements engine.PipelineHandle by appending a
// user-visible system nudge (used by idle handling and goodbye messages)
// without touching the canonical system-context message at index 0.
func (p *Pipeline) AppendSystemMessage(_ context.Context, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, llm.Message{Role: llm.MessageRoleSystem, Content: message})
	return nil
}

// RunInference implements engine.PipelineHandle: it drives one completion
// against the accumulated conversation and appends the assistant's
// response to history.
func (p *Pipeline) RunInference(ctx context.Context) error {
	p.mu.Lock()
	req := llm.CompletionRequest{Messages: append([]llm.Message(nil), p.messages...), Model: p.model, Tools: p.tools}
	p.mu.Unlock()

	if p.provider == nil {
		return fmt.Errorf("pipeline: run_inference: no llm provider attached")
	}
	resp, err := p.provider.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("pipeline: run_inference: %w", err)
	}

	p.mu.Lock()
	p.messages = append(p.messages, llm.Message{Role: llm.MessageRoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
	p.mu.Unlock()

	if resp.Content != "" {
		p.recorder.AppendTranscript("assistant: " + resp.Content)
	}
	return nil
}

// EmitEndFrame implements engine.PipelineHandle. It only logs the end
// frame: queued TTS is not interrupted and no close signal is sent to the
// transport.
func (p *Pipeline) EmitEndFrame(ctx context.Context) error {
	p.logger.Info("pipeline: end frame emitted")
	return nil
}

// EmitCancelFrame implements engine.PipelineHandle: it interrupts the audio
// output task so queued TTS is abandoned. It does not close the transport
// itself.
func (p *Pipeline) EmitCancelFrame(ctx context.Context) error {
	p.logger.Info("pipeline: cancel frame emitted")
	select {
	case p.interruptCh <- struct{}{}:
	default:
	}
	return nil
}

// HandleInboundFrame applies the mute strategy, then the turn controller,
// to an inbound transport frame. Muted frames are dropped before they can
// ever start a turn, which is what keeps a suppressed user-start from
// leaking a later transcription into the next turn.
func (p *Pipeline) HandleInboundFrame(f Frame) {
	if p.mute != nil && p.mute.ShouldMute() && muteFrame(f) {
		return
	}

	switch f.Kind {
	case KindVADUserStarted, KindUserStartedSpeaking:
		p.turns.Start()
	case KindTranscription, KindInterimTranscription:
		p.turns.AcceptText(f.Text)
		if text, stopped := p.turns.TryStop(false); stopped {
			p.recorder.AppendTranscript("user: " + text)
			p.onUserTurnEnded(text)
		}
	case KindVADUserStopped, KindUserStoppedSpeaking:
		if text, stopped := p.turns.TryStop(false); stopped {
			p.recorder.AppendTranscript("user: " + text)
			p.onUserTurnEnded(text)
		}
	case KindInputAudioRaw:
		p.recorder.AppendAudio(f.Audio)
	}
}

// onUserTurnEnded appends the finished user turn to history and flushes
// any queued TTS output via an InterruptionFrame, per the spec's
// interruption rule.
func (p *Pipeline) onUserTurnEnded(text string) {
	p.mu.Lock()
	p.messages = append(p.messages, llm.Message{Role: llm.MessageRoleUser, Content: text})
	p.mu.Unlock()

	select {
	case p.interruptCh <- struct{}{}:
	default:
	}
}

// RunAudioOutput writes queued output frames one at a time, counting
// consecutive write failures. After maxWriteFailures it breaks out and —
// critically — calls the bot-stopped-speaking hook, since skipping that
// call would leave the bot-speaking state stuck on forever and deadlock
// the TTS service, which pauses between bot-started and bot-stopped.
func (p *Pipeline) RunAudioOutput(frames <-chan []byte) {
	if p.hooks != nil {
		p.hooks.OnBotStartedSpeaking()
	}

	consecutiveFailures := 0
outputLoop:
	for frame := range frames {
		select {
		case <-p.interruptCh:
			p.logger.Info("pipeline: audio output interrupted, flushing queued tts")
			break outputLoop
		default:
		}

		if p.output == nil || !p.output.WriteAudioFrame(frame) {
			consecutiveFailures++
			if consecutiveFailures >= p.maxWriteFailures {
				p.logger.Warn("pipeline: audio output breaking after consecutive write failures", "count", consecutiveFailures)
				break
			}
			continue
		}
		consecutiveFailures = 0
		p.recorder.AppendAudio(frame)
	}

	if p.hooks != nil {
		p.hooks.OnBotStoppedSpeaking()
	}
}
