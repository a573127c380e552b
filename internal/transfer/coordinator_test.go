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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/telephony"
)

// stubProvider implements telephony.Provider via embedding (panicking on
// any unused method) plus a configurable TransferCall.
type stubProvider struct {
	telephony.Provider
	transferErr error
	providerID  string
}

func (s *stubProvider) TransferCall(_ context.Context, _ telephony.Credentials, _, _, _ string, _ int) (telephony.TransferResult, error) {
	if s.transferErr != nil {
		return telephony.TransferResult{}, s.transferErr
	}
	return telephony.TransferResult{ProviderCallID: s.providerID, Status: "initiated", Provider: "stub"}, nil
}

type fakeAudioWriter struct {
	mu     sync.Mutex
	frames int
}

func (f *fakeAudioWriter) WriteAudioFrame(_ []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return true
}

func (f *fakeAudioWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func TestTransferCallRejectsNonE164Destination(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	c := New(nil, bus, &stubProvider{}, nil, "call-1", nil, nil, Callbacks{}, Config{})
	err := c.TransferCall(context.Background(), "0118999")
	assert.Error(t, err)
}

func TestTransferCallSucceedsOnCompletedEvent(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	var ended, endReason string
	var appended []string
	callbacks := Callbacks{
		AppendSystemMessage: func(_ context.Context, msg string) error { appended = append(appended, msg); return nil },
		EndCall:             func(_ context.Context, reason string, _ bool) error { ended = "called"; endReason = reason; return nil },
	}
	audio := &fakeAudioWriter{}
	music := NewHoldMusic(make([]byte, 640))
	const fixedID = "transfer-fixture-1"
	cfg := Config{AwaitTimeout: 2 * time.Second, IDGenerator: func() string { return fixedID }}
	c := New(nil, bus, &stubProvider{providerID: "call-2"}, nil, "call-1", audio, music, callbacks, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	var callErr error
	go func() {
		defer wg.Done()
		callErr = c.TransferCall(context.Background(), "+15551234567")
	}()

	require.Eventually(t, func() bool { return audio.count() > 0 }, time.Second, 5*time.Millisecond, "hold music should start")

	evt := Event{Type: EventTransferCompleted, TransferID: fixedID, Timestamp: time.Now()}
	payload, err := evt.Encode()
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ChannelFor(fixedID), payload))

	wg.Wait()
	require.NoError(t, callErr)
	assert.Equal(t, "called", ended)
	assert.Equal(t, ReasonTransferCall, endReason)
	assert.NotEmpty(t, appended)
}

func TestTransferCallRunsFailurePathOnTimeout(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	var endReason string
	ranInference := false
	callbacks := Callbacks{
		AppendSystemMessage: func(_ context.Context, _ string) error { return nil },
		RunInference:        func(_ context.Context) error { ranInference = true; return nil },
		EndCall:             func(_ context.Context, reason string, _ bool) error { endReason = reason; return nil },
	}
	c := New(nil, bus, &stubProvider{providerID: "call-3"}, nil, "call-1", nil, nil, callbacks,
		Config{AwaitTimeout: 10 * time.Millisecond, FailureEndDelay: 5 * time.Millisecond})

	start := time.Now()
	err := c.TransferCall(context.Background(), "+15551234567")
	require.NoError(t, err)
	assert.True(t, ranInference)
	assert.Equal(t, ReasonTransferCallFailed, endReason)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestTransferCallPropagatesProviderDialError(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	c := New(nil, bus, &stubProvider{transferErr: assert.AnError}, nil, "call-1", nil, nil, Callbacks{}, Config{})
	err := c.TransferCall(context.Background(), "+15551234567")
	assert.Error(t, err)
}
