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
	"fmt"
	"time"

	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/metrics"
	"github.com/tombee/campaignforge/internal/repository"
)

// Outcome is a single call result fed into the Circuit Breaker.
type Outcome bool

const (
	OutcomeSuccess Outcome = false
	OutcomeFailure Outcome = true
)

// BreakerResult is the trip decision and sample counts the atomic script
// returns, enough for the caller to publish CircuitBreakerTripped without a
// second round trip.
type BreakerResult struct {
	Tripped      bool
	FailureCount int64
	SuccessCount int64
	Total        int64
	FailureRate  float64
}

// CircuitBreaker is the sliding-window failure detector described in spec
// §4.5: two sorted sets per campaign. Outcomes are added only through
// eventbus.ScriptCircuitBreakerRecord, which records and counts in one
// atomic step; IsOpen trims and counts the sets directly, and Reset deletes
// them.
type CircuitBreaker struct {
	bus  eventbus.Bus
	clock func() time.Time
}

// NewCircuitBreaker constructs a CircuitBreaker over bus. clock defaults to
// time.Now.
func NewCircuitBreaker(bus eventbus.Bus, clock func() time.Time) *CircuitBreaker {
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{bus: bus, clock: clock}
}

func failuresKey(campaignID string) string  { return "failures:" + campaignID }
func successesKey(campaignID string) string { return "successes:" + campaignID }

// Record atomically records outcome for campaignID and evaluates the trip
// condition in the same round trip (spec §4.5 record-and-evaluate).
func (b *CircuitBreaker) Record(ctx context.Context, campaignID string, outcome Outcome, cfg repository.CircuitBreakerConfig) (BreakerResult, error) {
	result, err := b.eval(ctx, campaignID, cfg, &outcome)
	if err == nil {
		setBreakerGauge(campaignID, result.Tripped)
	}
	return result, err
}

// IsOpen is the non-recording safety-net check the Orchestrator runs before
// scheduling a batch: it applies the same trip condition to the window's
// current counts (via peek), without running the record script or adding a
// new outcome.
func (b *CircuitBreaker) IsOpen(ctx context.Context, campaignID string, cfg repository.CircuitBreakerConfig) (bool, error) {
	result, err := b.eval(ctx, campaignID, cfg, nil)
	if err != nil {
		// Circuit-breaker errors fail open (spec §7): a broken breaker must
		// never itself stall a healthy campaign.
		return false, err
	}
	setBreakerGauge(campaignID, result.Tripped)
	return result.Tripped, nil
}

func setBreakerGauge(campaignID string, tripped bool) {
	v := 0.0
	if tripped {
		v = 1.0
	}
	metrics.CircuitBreakerState.WithLabelValues(campaignID).Set(v)
}

func (b *CircuitBreaker) eval(ctx context.Context, campaignID string, cfg repository.CircuitBreakerConfig, outcome *Outcome) (BreakerResult, error) {
	window := cfg.WindowSeconds
	if window <= 0 {
		window = 120
	}
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	minCalls := cfg.MinSamples
	if minCalls <= 0 {
		minCalls = 5
	}

	now := b.clock()
	outcomeArg := "success"
	if outcome != nil {
		if *outcome == OutcomeFailure {
			outcomeArg = "failure"
		}
	} else {
		// Non-recording check: the record script always adds a sample, so
		// IsOpen instead reads the window's current cardinalities directly
		// via the same keys.
		return b.peek(ctx, campaignID, now, window, minCalls, failureThreshold)
	}

	raw, err := b.bus.EvalScript(ctx, eventbus.ScriptCircuitBreakerRecord,
		[]string{failuresKey(campaignID), successesKey(campaignID)},
		fmt.Sprintf("%d", now.Unix()), window, window+60, outcomeArg,
	)
	if err != nil {
		return BreakerResult{}, fmt.Errorf("orchestrator: circuit breaker record: %w", err)
	}
	failures, successes, err := unpackCounts(raw)
	if err != nil {
		return BreakerResult{}, err
	}
	return evaluateCounts(failures, successes, minCalls, failureThreshold), nil
}

// peek evaluates the trip condition from current sorted-set cardinalities
// without recording a new outcome, using the bus's own ZCard/ZRemRangeByScore
// primitives directly rather than the record script (which always adds a
// sample).
func (b *CircuitBreaker) peek(ctx context.Context, campaignID string, now time.Time, window, minCalls, failureThreshold int) (BreakerResult, error) {
	cutoff := float64(now.Add(-time.Duration(window) * time.Second).Unix())
	fKey, sKey := failuresKey(campaignID), successesKey(campaignID)

	if err := b.bus.ZRemRangeByScore(ctx, fKey, negInf, cutoff); err != nil {
		return BreakerResult{}, fmt.Errorf("orchestrator: circuit breaker peek: %w", err)
	}
	if err := b.bus.ZRemRangeByScore(ctx, sKey, negInf, cutoff); err != nil {
		return BreakerResult{}, fmt.Errorf("orchestrator: circuit breaker peek: %w", err)
	}
	failures, err := b.bus.ZCard(ctx, fKey)
	if err != nil {
		return BreakerResult{}, fmt.Errorf("orchestrator: circuit breaker peek: %w", err)
	}
	successes, err := b.bus.ZCard(ctx, sKey)
	if err != nil {
		return BreakerResult{}, fmt.Errorf("orchestrator: circuit breaker peek: %w", err)
	}
	return evaluateCounts(failures, successes, minCalls, failureThreshold), nil
}

const negInf = -1 << 62

func evaluateCounts(failures, successes int64, minCalls, failureThreshold int) BreakerResult {
	total := failures + successes
	result := BreakerResult{FailureCount: failures, SuccessCount: successes, Total: total}
	if total > 0 {
		result.FailureRate = float64(failures) / float64(total)
	}
	if total >= int64(minCalls) && failures >= int64(failureThreshold) {
		result.Tripped = true
	}
	return result
}

func unpackCounts(raw interface{}) (failures, successes int64, err error) {
	switch v := raw.(type) {
	case []int64:
		if len(v) != 2 {
			return 0, 0, fmt.Errorf("orchestrator: circuit breaker script returned %d values, want 2", len(v))
		}
		return v[0], v[1], nil
	case []interface{}:
		if len(v) != 2 {
			return 0, 0, fmt.Errorf("orchestrator: circuit breaker script returned %d values, want 2", len(v))
		}
		f, err := toInt64(v[0])
		if err != nil {
			return 0, 0, err
		}
		s, err := toInt64(v[1])
		if err != nil {
			return 0, 0, err
		}
		return f, s, nil
	default:
		return 0, 0, fmt.Errorf("orchestrator: unexpected circuit breaker script result type %T", raw)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("orchestrator: cannot convert %T to int64", v)
	}
}

// Reset clears a campaign's breaker state, called on resume so a resumed
// campaign starts with a clean slate.
func (b *CircuitBreaker) Reset(ctx context.Context, campaignID string) error {
	if err := b.bus.Delete(ctx, failuresKey(campaignID)); err != nil {
		return fmt.Errorf("orchestrator: reset circuit breaker: %w", err)
	}
	if err := b.bus.Delete(ctx, successesKey(campaignID)); err != nil {
		return fmt.Errorf("orchestrator: reset circuit breaker: %w", err)
	}
	return nil
}
