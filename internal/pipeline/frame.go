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

// Package pipeline implements the per-call, cooperative, frame-based
// streaming graph: transport-in, a user-context aggregator, the
// conversational engine, TTS, transport-out, and an assistant-context
// aggregator, wired together by a single frame channel per call.
package pipeline

import "time"

// Kind discriminates a Frame's type for processors that only care about a
// subset of the frame vocabulary.
type Kind string

const (
	KindInputAudioRaw          Kind = "input_audio_raw"
	KindOutputAudioRaw         Kind = "output_audio_raw"
	KindUserStartedSpeaking    Kind = "user_started_speaking"
	KindUserStoppedSpeaking    Kind = "user_stopped_speaking"
	KindVADUserStarted         Kind = "vad_user_started"
	KindVADUserStopped         Kind = "vad_user_stopped"
	KindTranscription          Kind = "transcription"
	KindInterimTranscription  Kind = "interim_transcription"
	KindBotStartedSpeaking     Kind = "bot_started_speaking"
	KindBotStoppedSpeaking     Kind = "bot_stopped_speaking"
	KindTTSText                Kind = "tts_text"
	KindFunctionCallInProgress Kind = "function_call_in_progress"
	KindFunctionCallResult     Kind = "function_call_result"
	KindMetrics                Kind = "metrics"
	KindInterruption           Kind = "interruption"
	KindEnd                    Kind = "end"
	KindCancel                 Kind = "cancel"
	KindStop                   Kind = "stop"
	KindLLMMessagesAppend      Kind = "llm_messages_append"
)

// Frame is a single unit flowing through the pipeline. Only the fields
// relevant to the Kind are populated; this mirrors a tagged union without
// needing a type switch over a dozen concrete struct types.
type Frame struct {
	Kind Kind

	// Audio payload for *AudioRaw kinds.
	Audio []byte

	// Text payload for Transcription, InterimTranscription, and TTSText.
	Text string

	// PTS (presentation timestamp) in the stream's tick rate, set on
	// TTSText frames so the real-time-feedback observer can pace delivery.
	PTS int64

	// FunctionName/FunctionArgs/FunctionResult carry function-call frames.
	FunctionName   string
	FunctionArgs   map[string]interface{}
	FunctionResult map[string]interface{}

	// Reason carries End/Cancel/Stop frame context (e.g. disposition).
	Reason string

	CreatedAt time.Time
}
