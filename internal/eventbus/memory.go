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
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus implementation with no external
// dependencies, used by unit tests. It mirrors
// Bus's semantics closely enough that code written against the interface
// behaves the same way against either implementation, modulo durability
// across process restarts.
type MemoryBus struct {
	mu sync.Mutex

	closed      bool
	subscribers map[string][]*memorySubscription
	kv          map[string]memoryEntry
	sortedSets  map[string]map[string]float64
	setExpiry   map[string]time.Time

	now func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

type memorySubscription struct {
	channels []string
	ch       chan Message
	closed   bool
}

func (s *memorySubscription) Channel() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	close(s.ch)
	s.closed = true
	return nil
}

// NewMemoryBus constructs an empty MemoryBus. nowFn defaults to time.Now if
// nil; tests may inject a deterministic clock.
func NewMemoryBus(nowFn func() time.Time) *MemoryBus {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryBus{
		subscribers: make(map[string][]*memorySubscription),
		kv:          make(map[string]memoryEntry),
		sortedSets:  make(map[string]map[string]float64),
		setExpiry:   make(map[string]time.Time),
		now:         nowFn,
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subscribers[channel] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- Message{Channel: channel, Payload: payload}:
		default:
			// Best-effort: a slow subscriber drops messages rather than
			// blocking the publisher.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{channels: channels, ch: make(chan Message, 64)}
	for _, c := range channels {
		b.subscribers[c] = append(b.subscribers[c], sub)
	}
	return sub, nil
}

func (b *MemoryBus) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(key, value, ttl)
	return nil
}

func (b *MemoryBus) setLocked(key string, value []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = b.now().Add(ttl)
	}
	b.kv[key] = memoryEntry{value: value, expires: expires}
}

func (b *MemoryBus) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.kv[key]; ok && !b.expiredLocked(e) {
		return false, nil
	}
	b.setLocked(key, value, ttl)
	return true, nil
}

func (b *MemoryBus) expiredLocked(e memoryEntry) bool {
	return !e.expires.IsZero() && b.now().After(e.expires)
}

func (b *MemoryBus) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok || b.expiredLocked(e) {
		return nil, ErrKeyNotFound
	}
	return e.value, nil
}

func (b *MemoryBus) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	delete(b.sortedSets, key)
	delete(b.setExpiry, key)
	return nil
}

func (b *MemoryBus) Incr(ctx context.Context, key string) (int64, error) {
	return b.addInt(key, 1)
}

func (b *MemoryBus) Decr(ctx context.Context, key string) (int64, error) {
	return b.addInt(key, -1)
}

func (b *MemoryBus) addInt(key string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var current int64
	if e, ok := b.kv[key]; ok && !b.expiredLocked(e) {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("eventbus: value at %q is not an integer: %w", key, err)
		}
		current = v
	}
	next := current + delta
	b.kv[key] = memoryEntry{value: []byte(strconv.FormatInt(next, 10))}
	return next, nil
}

func (b *MemoryBus) ZAdd(_ context.Context, key string, score float64, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sortedSets[key]
	if !ok {
		set = make(map[string]float64)
		b.sortedSets[key] = set
	}
	set[member] = score
	return nil
}

func (b *MemoryBus) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sortedSets[key]
	if !ok {
		return nil
	}
	for member, score := range set {
		if score >= min && score <= max {
			delete(set, member)
		}
	}
	return nil
}

func (b *MemoryBus) ZCard(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if exp, ok := b.setExpiry[key]; ok && b.now().After(exp) {
		delete(b.sortedSets, key)
		delete(b.setExpiry, key)
		return 0, nil
	}
	return int64(len(b.sortedSets[key])), nil
}

func (b *MemoryBus) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.kv[key]; ok {
		e.expires = b.now().Add(ttl)
		b.kv[key] = e
	}
	if _, ok := b.sortedSets[key]; ok {
		b.setExpiry[key] = b.now().Add(ttl)
	}
	return nil
}

// EvalScript recognizes ScriptCircuitBreakerRecord by name and executes its
// logic natively; the in-memory bus does not interpret arbitrary Lua.
func (b *MemoryBus) EvalScript(ctx context.Context, script Script, keys []string, args ...interface{}) (interface{}, error) {
	if script.Name != ScriptCircuitBreakerRecord.Name {
		return nil, fmt.Errorf("eventbus: memory bus does not support script %q", script.Name)
	}
	if len(keys) != 2 || len(args) != 4 {
		return nil, fmt.Errorf("eventbus: %s expects 2 keys and 4 args", script.Name)
	}
	failuresKey, successesKey := keys[0], keys[1]
	now, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	window, err := toFloat(args[1])
	if err != nil {
		return nil, err
	}
	ttlSeconds, err := toFloat(args[2])
	if err != nil {
		return nil, err
	}
	outcome, _ := args[3].(string)

	member := strconv.FormatFloat(now, 'f', -1, 64)
	if outcome == "failure" {
		if err := b.ZAdd(ctx, failuresKey, now, member); err != nil {
			return nil, err
		}
	} else {
		if err := b.ZAdd(ctx, successesKey, now, member); err != nil {
			return nil, err
		}
	}

	cutoff := now - window
	if err := b.ZRemRangeByScore(ctx, failuresKey, negativeInfinity, cutoff); err != nil {
		return nil, err
	}
	if err := b.ZRemRangeByScore(ctx, successesKey, negativeInfinity, cutoff); err != nil {
		return nil, err
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if err := b.Expire(ctx, failuresKey, ttl); err != nil {
		return nil, err
	}
	if err := b.Expire(ctx, successesKey, ttl); err != nil {
		return nil, err
	}

	failureCount, err := b.ZCard(ctx, failuresKey)
	if err != nil {
		return nil, err
	}
	successCount, err := b.ZCard(ctx, successesKey)
	if err != nil {
		return nil, err
	}
	return []int64{failureCount, successCount}, nil
}

const negativeInfinity = -1 << 62

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err
	default:
		return 0, fmt.Errorf("eventbus: cannot convert %T to float64", v)
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			if !sub.closed {
				close(sub.ch)
				sub.closed = true
			}
		}
	}
	return nil
}

// sortedMembers returns the sorted set's members ordered by score, used by
// tests that assert ordering.
func (b *MemoryBus) sortedMembers(key string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.sortedSets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return set[members[i]] < set[members[j]] })
	return members
}
