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
	"strings"
	"sync"
	"time"
)

// TurnStartStrategy decides when a user turn begins: on VAD activity, on
// the first transcription, or driven externally by the transport protocol.
type TurnStartStrategy interface {
	// OnFrame inspects an inbound frame and reports whether it starts a turn.
	OnFrame(f Frame) bool
}

// VADTurnStart starts a turn on VADUserStarted.
type VADTurnStart struct{}

func (VADTurnStart) OnFrame(f Frame) bool { return f.Kind == KindVADUserStarted }

// TranscriptionTurnStart starts a turn on the first transcription frame.
type TranscriptionTurnStart struct{}

func (TranscriptionTurnStart) OnFrame(f Frame) bool {
	return f.Kind == KindTranscription || f.Kind == KindInterimTranscription
}

// ExternalTurnStart never starts a turn from inbound frames; the transport
// protocol signals turn boundaries directly via the turn controller.
type ExternalTurnStart struct{}

func (ExternalTurnStart) OnFrame(Frame) bool { return false }

// TurnStopStrategy accumulates per-turn transcription text and decides when
// a turn has ended.
type TurnStopStrategy interface {
	// Accept buffers transcription text belonging to the in-progress turn.
	Accept(text string)
	// ShouldStop reports whether the turn should end now that the user has
	// stopped speaking (userSpeaking=false) and there is buffered text.
	ShouldStop(userSpeaking bool) bool
	// Text returns the buffered turn text.
	Text() string
	// Reset unconditionally clears buffered text, discarding a stale turn.
	Reset()
}

// TimeoutTurnStop stops a turn as soon as the user is no longer speaking
// and some transcription text is buffered. It records when the last
// fragment arrived (lastUpdate) but waits for no silence interval before
// stopping.
type TimeoutTurnStop struct {
	mu         sync.Mutex
	text       strings.Builder
	lastUpdate time.Time
	now        func() time.Time
}

// NewTimeoutTurnStop constructs a TimeoutTurnStop; now defaults to time.Now.
func NewTimeoutTurnStop(now func() time.Time) *TimeoutTurnStop {
	if now == nil {
		now = time.Now
	}
	return &TimeoutTurnStop{now: now}
}

func (s *TimeoutTurnStop) Accept(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(text)
	s.lastUpdate = s.now()
}

func (s *TimeoutTurnStop) ShouldStop(userSpeaking bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !userSpeaking && s.text.Len() > 0
}

func (s *TimeoutTurnStop) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *TimeoutTurnStop) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.Reset()
}

// TurnController owns the user_turn boolean invariant described by the
// pipeline's turn-stop rules: a stop is rejected unless a matching start
// was observed, and a rejected stop unconditionally resets every strategy
// so stale transcription can never contaminate the next turn.
type TurnController struct {
	mu         sync.Mutex
	userTurn   bool
	strategies []TurnStopStrategy
}

// NewTurnController constructs a controller over one or more stop strategies.
func NewTurnController(strategies ...TurnStopStrategy) *TurnController {
	return &TurnController{strategies: strategies}
}

// Start marks a user turn as begun.
func (c *TurnController) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userTurn = true
}

// AcceptText feeds transcription text to every stop strategy.
func (c *TurnController) AcceptText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.strategies {
		s.Accept(text)
	}
}

// TryStop evaluates every strategy's ShouldStop; if any fires it returns
// the accumulated text and true, clears userTurn, and resets strategies
// for the next turn. If userTurn is false, the stop is rejected: every
// strategy is reset regardless of what it buffered.
func (c *TurnController) TryStop(userSpeaking bool) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.userTurn {
		for _, s := range c.strategies {
			s.Reset()
		}
		return "", false
	}

	for _, s := range c.strategies {
		if s.ShouldStop(userSpeaking) {
			text := s.Text()
			c.userTurn = false
			for _, r := range c.strategies {
				r.Reset()
			}
			return text, true
		}
	}
	return "", false
}
