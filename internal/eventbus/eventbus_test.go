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

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "campaign-events")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(context.Background(), "campaign-events", []byte("hello")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "campaign-events", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusSetNXIsExclusive(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ok, err := bus.SetNX(context.Background(), "processing_lock:c1", []byte("1"), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = bus.SetNX(context.Background(), "processing_lock:c1", []byte("1"), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX within the lock window must not succeed")
}

func TestMemoryBusGetExpires(t *testing.T) {
	current := time.Unix(1000, 0)
	bus := NewMemoryBus(func() time.Time { return current })
	defer bus.Close()

	require.NoError(t, bus.Set(context.Background(), "k", []byte("v"), time.Second))
	v, err := bus.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	current = current.Add(2 * time.Second)
	_, err = bus.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryBusIncrDecr(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	n, err := bus.Incr(context.Background(), "in_flight:campaign_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = bus.Incr(context.Background(), "in_flight:campaign_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = bus.Decr(context.Background(), "in_flight:campaign_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryBusZSetSlidingWindow(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.ZAdd(ctx, "failures:c1", 100, "100"))
	require.NoError(t, bus.ZAdd(ctx, "failures:c1", 200, "200"))
	require.NoError(t, bus.ZAdd(ctx, "failures:c1", 300, "300"))

	n, err := bus.ZCard(ctx, "failures:c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, bus.ZRemRangeByScore(ctx, "failures:c1", 0, 150))
	n, err = bus.ZCard(ctx, "failures:c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, []string{"200", "300"}, bus.sortedMembers("failures:c1"))
}

func TestMemoryBusEvalScriptCircuitBreakerRecord(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	result, err := bus.EvalScript(ctx, ScriptCircuitBreakerRecord,
		[]string{"failures:c1", "successes:c1"},
		float64(1000), float64(60), float64(120), "failure")
	require.NoError(t, err)
	counts := result.([]int64)
	assert.Equal(t, int64(1), counts[0])
	assert.Equal(t, int64(0), counts[1])

	result, err = bus.EvalScript(ctx, ScriptCircuitBreakerRecord,
		[]string{"failures:c1", "successes:c1"},
		float64(1010), float64(60), float64(120), "success")
	require.NoError(t, err)
	counts = result.([]int64)
	assert.Equal(t, int64(1), counts[0])
	assert.Equal(t, int64(1), counts[1])

	// Recording far outside the window drops the earlier entry.
	result, err = bus.EvalScript(ctx, ScriptCircuitBreakerRecord,
		[]string{"failures:c1", "successes:c1"},
		float64(2000), float64(60), float64(120), "failure")
	require.NoError(t, err)
	counts = result.([]int64)
	assert.Equal(t, int64(1), counts[0], "stale failure outside the window must be trimmed")
	assert.Equal(t, int64(0), counts[1], "stale success outside the window must be trimmed")
}

func TestMemoryBusCloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(nil)
	sub, err := bus.Subscribe(context.Background(), "ch")
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	_, open := <-sub.Channel()
	assert.False(t, open)

	err = bus.Publish(context.Background(), "ch", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
