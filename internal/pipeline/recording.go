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
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
)

// MaxRecordingBytes bounds the in-memory audio buffer a Recorder accepts
// before it starts dropping frames, so a runaway call cannot exhaust the
// process's memory.
const MaxRecordingBytes = 100 * 1024 * 1024

// Recorder is the audio-buffer processor: it appends every output audio
// frame to a bounded in-memory buffer and every transcript line to a
// transcript buffer, then flushes both to temp files on completion for a
// downstream job to upload to object storage.
type Recorder struct {
	mu         sync.Mutex
	audio      bytes.Buffer
	transcript strings.Builder
	dropped    bool
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// AppendAudio buffers a PCM chunk, silently dropping frames once the buffer
// reaches MaxRecordingBytes rather than growing unbounded.
func (r *Recorder) AppendAudio(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audio.Len()+len(chunk) > MaxRecordingBytes {
		r.dropped = true
		return
	}
	r.audio.Write(chunk)
}

// AppendTranscript appends one transcript line (speaker-tagged by caller).
func (r *Recorder) AppendTranscript(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcript.WriteString(line)
	r.transcript.WriteString("\n")
}

// Dropped reports whether any audio was discarded due to the size bound.
func (r *Recorder) Dropped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Flush writes the buffered audio and transcript to temp files, returning
// their paths for a completion job to upload and attach to the WorkflowRun.
func (r *Recorder) Flush(tmpDir, workflowRunID string) (audioPath, transcriptPath string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	audioPath = fmt.Sprintf("%s/%s.raw", tmpDir, workflowRunID)
	if err := os.WriteFile(audioPath, r.audio.Bytes(), 0o600); err != nil {
		return "", "", fmt.Errorf("pipeline: flush audio: %w", err)
	}

	transcriptPath = fmt.Sprintf("%s/%s.txt", tmpDir, workflowRunID)
	if err := os.WriteFile(transcriptPath, []byte(r.transcript.String()), 0o600); err != nil {
		return "", "", fmt.Errorf("pipeline: flush transcript: %w", err)
	}

	return audioPath, transcriptPath, nil
}
