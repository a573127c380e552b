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

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/repository"
)

func TestCircuitBreakerTripsAtThreshold(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bus := eventbus.NewMemoryBus(func() time.Time { return now })
	breaker := NewCircuitBreaker(bus, func() time.Time { return now })

	cfg := repository.CircuitBreakerConfig{WindowSeconds: 120, FailureThreshold: 3, MinSamples: 3}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := breaker.Record(ctx, "campaign-1", OutcomeFailure, cfg)
		require.NoError(t, err)
		assert.False(t, result.Tripped)
	}

	result, err := breaker.Record(ctx, "campaign-1", OutcomeFailure, cfg)
	require.NoError(t, err)
	assert.True(t, result.Tripped)
	assert.Equal(t, int64(3), result.FailureCount)
}

func TestCircuitBreakerRequiresMinSamples(t *testing.T) {
	now := time.Now()
	bus := eventbus.NewMemoryBus(func() time.Time { return now })
	breaker := NewCircuitBreaker(bus, func() time.Time { return now })

	cfg := repository.CircuitBreakerConfig{WindowSeconds: 120, FailureThreshold: 1, MinSamples: 5}
	ctx := context.Background()

	result, err := breaker.Record(ctx, "campaign-2", OutcomeFailure, cfg)
	require.NoError(t, err)
	assert.False(t, result.Tripped, "must not trip before min_samples is reached even if every call failed")
}

func TestCircuitBreakerWindowExpiresOldSamples(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bus := eventbus.NewMemoryBus(func() time.Time { return current })
	breaker := NewCircuitBreaker(bus, func() time.Time { return current })

	cfg := repository.CircuitBreakerConfig{WindowSeconds: 60, FailureThreshold: 2, MinSamples: 2}
	ctx := context.Background()

	_, err := breaker.Record(ctx, "campaign-3", OutcomeFailure, cfg)
	require.NoError(t, err)

	current = current.Add(90 * time.Second)
	result, err := breaker.Record(ctx, "campaign-3", OutcomeFailure, cfg)
	require.NoError(t, err)
	assert.False(t, result.Tripped, "the first failure should have aged out of the window")
}

func TestCircuitBreakerResetClearsState(t *testing.T) {
	now := time.Now()
	bus := eventbus.NewMemoryBus(func() time.Time { return now })
	breaker := NewCircuitBreaker(bus, func() time.Time { return now })

	cfg := repository.CircuitBreakerConfig{WindowSeconds: 120, FailureThreshold: 1, MinSamples: 1}
	ctx := context.Background()

	result, err := breaker.Record(ctx, "campaign-4", OutcomeFailure, cfg)
	require.NoError(t, err)
	require.True(t, result.Tripped)

	require.NoError(t, breaker.Reset(ctx, "campaign-4"))

	open, err := breaker.IsOpen(ctx, "campaign-4", cfg)
	require.NoError(t, err)
	assert.False(t, open, "reset must clear the window so the breaker starts closed")
}

func TestCircuitBreakerIsOpenDoesNotRecordASample(t *testing.T) {
	now := time.Now()
	bus := eventbus.NewMemoryBus(func() time.Time { return now })
	breaker := NewCircuitBreaker(bus, func() time.Time { return now })

	cfg := repository.CircuitBreakerConfig{WindowSeconds: 120, FailureThreshold: 1, MinSamples: 1}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		open, err := breaker.IsOpen(ctx, "campaign-5", cfg)
		require.NoError(t, err)
		assert.False(t, open, "repeated checks must not themselves trip the breaker")
	}
}
