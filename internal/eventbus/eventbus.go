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

// Package eventbus provides the message-broker abstraction campaign
// components use to coordinate: best-effort pub/sub on named channels,
// atomic key-value operations with TTL, and sorted-set primitives for
// sliding windows and debounce locks.
package eventbus

import (
	"context"
	"time"
)

// Message is a single payload delivered to a channel subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live subscription to one or more channels.
type Subscription interface {
	// Channel streams delivered messages. It is closed when the
	// subscription is closed or the underlying connection is lost.
	Channel() <-chan Message
	Close() error
}

// Bus is the Event Bus surface described for campaign coordination:
// publish/subscribe on named channels, key-value with TTL, and sorted sets
// keyed by unix-time score for sliding windows and distributed locks.
type Bus interface {
	// Publish is best-effort fan-out to current subscribers of channel. It
	// does not persist the message for subscribers that connect later.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription to one or more channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Set stores value under key with the given TTL. A zero TTL means no
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value under key only if key does not already exist,
	// returning whether the set happened. Used for debounce locks such as
	// processing_lock.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value stored at key, or ErrKeyNotFound if absent or
	// expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. It is not an error for key to be absent.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer stored at key (treating a
	// missing key as zero) and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Decr atomically decrements the integer stored at key.
	Decr(ctx context.Context, key string) (int64, error)

	// ZAdd adds member to the sorted set at key with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemRangeByScore removes members of the sorted set at key whose score
	// falls in [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on an existing key (used to refresh sorted-set TTLs
	// after ZAdd, since ZAdd itself does not take a TTL).
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// EvalScript runs a Lua script atomically against the given keys and
	// args, used for the circuit breaker's record-and-evaluate operation.
	// Implementations that cannot execute Lua (the in-memory bus) instead
	// recognize ScriptCircuitBreakerRecord by name and execute the
	// equivalent logic natively.
	EvalScript(ctx context.Context, script Script, keys []string, args ...interface{}) (interface{}, error)

	Close() error
}

// Script identifies a named atomic operation. The in-memory implementation
// dispatches on identity rather than interpreting Lua source.
type Script struct {
	Name   string
	Source string
}
