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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnControllerRejectsStopWithoutStart(t *testing.T) {
	stop := NewTimeoutTurnStop(nil)
	tc := NewTurnController(stop)

	stop.Accept("leaked transcription")
	_, stopped := tc.TryStop(false)
	assert.False(t, stopped)
	assert.Empty(t, stop.Text(), "rejection must reset every strategy")
}

func TestTurnControllerAcceptsMatchedStartStop(t *testing.T) {
	stop := NewTimeoutTurnStop(nil)
	tc := NewTurnController(stop)

	tc.Start()
	tc.AcceptText("book a table for two")
	text, stopped := tc.TryStop(false)
	require.True(t, stopped)
	assert.Equal(t, "book a table for two", text)

	// Strategies reset after a successful stop.
	assert.Empty(t, stop.Text())
}

func TestTurnControllerDoesNotStopWhileUserStillSpeaking(t *testing.T) {
	stop := NewTimeoutTurnStop(nil)
	tc := NewTurnController(stop)

	tc.Start()
	tc.AcceptText("partial")
	_, stopped := tc.TryStop(true)
	assert.False(t, stopped)
}

func TestMuteFrameClassification(t *testing.T) {
	assert.True(t, muteFrame(Frame{Kind: KindVADUserStarted}))
	assert.True(t, muteFrame(Frame{Kind: KindTranscription}))
	assert.False(t, muteFrame(Frame{Kind: KindBotStartedSpeaking}))
}

type fakeOutput struct {
	failUntil int
	writes    int
}

func (f *fakeOutput) WriteAudioFrame(_ []byte) bool {
	f.writes++
	return f.writes > f.failUntil
}

type fakeHooks struct {
	started, stopped int
}

func (h *fakeHooks) OnBotStartedSpeaking() { h.started++ }
func (h *fakeHooks) OnBotStoppedSpeaking() { h.stopped++ }

func TestRunAudioOutputCallsBotStoppedSpeakingAfterConsecutiveFailures(t *testing.T) {
	out := &fakeOutput{failUntil: 100}
	hooks := &fakeHooks{}
	p := New(Config{Output: out, Hooks: hooks, MaxConsecutiveWriteFailures: 2})

	frames := make(chan []byte, 5)
	for i := 0; i < 5; i++ {
		frames <- []byte("frame")
	}
	close(frames)

	p.RunAudioOutput(frames)

	assert.Equal(t, 1, hooks.started)
	assert.Equal(t, 1, hooks.stopped, "bot-stopped-speaking must fire even when every write fails")
}

func TestRunAudioOutputRecordsSuccessfulWrites(t *testing.T) {
	out := &fakeOutput{failUntil: 0}
	hooks := &fakeHooks{}
	rec := NewRecorder()
	p := New(Config{Output: out, Hooks: hooks, Recorder: rec})

	frames := make(chan []byte, 3)
	frames <- []byte("aaa")
	frames <- []byte("bbb")
	close(frames)

	p.RunAudioOutput(frames)
	assert.Equal(t, 1, hooks.stopped)
}

func TestRecorderDropsAudioBeyondBound(t *testing.T) {
	r := NewRecorder()
	r.AppendAudio(make([]byte, MaxRecordingBytes-1))
	assert.False(t, r.Dropped())
	r.AppendAudio(make([]byte, 10))
	assert.True(t, r.Dropped())
}

func TestTimeoutTurnStopTracksLastUpdate(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := NewTimeoutTurnStop(func() time.Time { return now })
	s.Accept("hi")
	assert.Equal(t, now, s.lastUpdate)
}
