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
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus backed by Redis pub/sub, strings, and sorted sets.
type RedisBus struct {
	client *redis.Client

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// NewRedisBus constructs a Bus against the given Redis address.
func NewRedisBus(addr, password string, db int, poolSize int, dialTimeout time.Duration) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		PoolSize:    poolSize,
		DialTimeout: dialTimeout,
	})
	return &RedisBus{client: client, scripts: make(map[string]*redis.Script)}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
	done   chan struct{}
}

func (s *redisSubscription) Channel() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: ps,
		ch:     make(chan Message, 64),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.ch)
		source := ps.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-source:
				if !ok {
					return
				}
				select {
				case sub.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-sub.done:
					return
				}
			}
		}
	}()

	return sub, nil
}

func (b *RedisBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBus) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, value, ttl).Result()
}

func (b *RedisBus) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (b *RedisBus) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBus) Incr(ctx context.Context, key string) (int64, error) {
	return b.client.Incr(ctx, key).Result()
}

func (b *RedisBus) Decr(ctx context.Context, key string) (int64, error) {
	return b.client.Decr(ctx, key).Result()
}

func (b *RedisBus) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (b *RedisBus) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return b.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

func (b *RedisBus) ZCard(ctx context.Context, key string) (int64, error) {
	return b.client.ZCard(ctx, key).Result()
}

func (b *RedisBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl).Err()
}

func (b *RedisBus) EvalScript(ctx context.Context, script Script, keys []string, args ...interface{}) (interface{}, error) {
	b.mu.Lock()
	s, ok := b.scripts[script.Name]
	if !ok {
		s = redis.NewScript(script.Source)
		b.scripts[script.Name] = s
	}
	b.mu.Unlock()

	return s.Run(ctx, b.client, keys, args...).Result()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
