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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/campaignforge/internal/eventbus"
)

type fakeRuntime struct {
	mu      sync.Mutex
	started []Connection
	ended   []string
	endErr  error
}

func (f *fakeRuntime) StartCall(_ context.Context, conn Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, conn)
	return nil
}

func (f *fakeRuntime) EndCall(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, channelID)
	return f.endErr
}

func (f *fakeRuntime) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeRuntime) endedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ended)
}

func TestWorkerPublishesHeartbeatOnStart(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	sub, err := bus.Subscribe(context.Background(), HeartbeatChannel)
	require.NoError(t, err)
	defer sub.Close()

	w := NewWorker("worker-1", bus, &fakeRuntime{}, nil, WorkerConfig{HeartbeatInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case msg := <-sub.Channel():
		hb, err := DecodeHeartbeat(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, "worker-1", hb.WorkerID)
		assert.Equal(t, WorkerReady, hb.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for heartbeat broadcast")
	}
}

func TestWorkerStartsAndEndsCallOnEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	runtime := &fakeRuntime{}
	w := NewWorker("worker-1", bus, runtime, nil, WorkerConfig{HeartbeatInterval: time.Hour, DisconnectWait: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := bus.Get(context.Background(), HeartbeatKey("worker-1"))
		return err == nil
	}, time.Second, 10*time.Millisecond, "worker never registered its heartbeat")

	startEvt := WorkerEvent{Type: EventStasisStart, ChannelID: "chan-1", WorkflowRunID: "run-1"}
	payload, err := startEvt.Encode()
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), WorkerChannel("worker-1"), payload))

	require.Eventually(t, func() bool { return runtime.startedCount() == 1 }, time.Second, 10*time.Millisecond)

	endEvt := WorkerEvent{Type: EventStasisEnd, ChannelID: "chan-1"}
	payload, err = endEvt.Encode()
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), WorkerChannel("worker-1"), payload))

	require.Eventually(t, func() bool { return runtime.endedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWorkerEndCallWaitsForDisconnectReady(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	runtime := &fakeRuntime{}
	w := NewWorker("worker-1", bus, runtime, nil, WorkerConfig{HeartbeatInterval: time.Hour, DisconnectWait: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := bus.Get(context.Background(), HeartbeatKey("worker-1"))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	startEvt := WorkerEvent{Type: EventStasisStart, ChannelID: "chan-2"}
	payload, _ := startEvt.Encode()
	require.NoError(t, bus.Publish(context.Background(), WorkerChannel("worker-1"), payload))
	require.Eventually(t, func() bool { return runtime.startedCount() == 1 }, time.Second, 10*time.Millisecond)

	endEvt := WorkerEvent{Type: EventStasisEnd, ChannelID: "chan-2"}
	payload, _ = endEvt.Encode()
	require.NoError(t, bus.Publish(context.Background(), WorkerChannel("worker-1"), payload))

	// EndCall should not resolve until NotifyDisconnectReady is called.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, runtime.endedCount())

	w.NotifyDisconnectReady("chan-2")
	require.Eventually(t, func() bool { return runtime.endedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWorkerDrainWaitsForActiveCalls(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	runtime := &fakeRuntime{}
	w := NewWorker("worker-1", bus, runtime, nil, WorkerConfig{HeartbeatInterval: time.Hour, DrainTimeout: 200 * time.Millisecond})

	w.mu.Lock()
	w.activeCalls["chan-3"] = struct{}{}
	w.mu.Unlock()

	start := time.Now()
	w.Drain(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	w.mu.Lock()
	status := w.status
	w.mu.Unlock()
	assert.Equal(t, WorkerDraining, status)
}
