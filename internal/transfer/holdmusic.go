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
	"sync"
	"time"
)

// AudioWriter is the narrow slice of pipeline.AudioOutputTransport the hold
// music loop needs. telephony.MediaSession and pipeline.Pipeline's output
// transport both satisfy it.
type AudioWriter interface {
	WriteAudioFrame(frame []byte) bool
}

// defaultFrameSize is 20ms of 16-bit PCM at 8kHz (the narrowband rate
// providers typically use for hold/ringback audio): 8000 * 0.02 * 2 bytes.
const defaultFrameSize = 320

// HoldMusic loops a pre-loaded PCM buffer out to an AudioWriter at a fixed
// frame cadence until Stop is called, background task per spec §4.9 step 6.
type HoldMusic struct {
	pcm       []byte
	frameSize int
	interval  time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewHoldMusic builds a HoldMusic player from a pre-loaded raw PCM16 buffer
// (the WAV's data chunk, decoded once at startup).
func NewHoldMusic(pcm []byte) *HoldMusic {
	return &HoldMusic{pcm: pcm, frameSize: defaultFrameSize, interval: 20 * time.Millisecond}
}

// Start begins looping audio to w in a background goroutine. Calling Start
// while already running is a no-op.
func (h *HoldMusic) Start(w AudioWriter) {
	h.mu.Lock()
	if h.running || len(h.pcm) == 0 {
		h.mu.Unlock()
		return
	}
	h.stopCh = make(chan struct{})
	h.running = true
	stopCh := h.stopCh
	h.mu.Unlock()

	go h.loop(w, stopCh)
}

// Stop halts the loop started by Start. Safe to call even if not running.
func (h *HoldMusic) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	close(h.stopCh)
	h.running = false
}

func (h *HoldMusic) loop(w AudioWriter, stopCh chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			end := offset + h.frameSize
			var frame []byte
			if end <= len(h.pcm) {
				frame = h.pcm[offset:end]
				offset = end
			} else {
				frame = append(append([]byte{}, h.pcm[offset:]...), h.pcm[:end-len(h.pcm)]...)
				offset = end - len(h.pcm)
			}
			if !w.WriteAudioFrame(frame) {
				return
			}
		}
	}
}
