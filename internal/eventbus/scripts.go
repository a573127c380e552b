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

// ScriptCircuitBreakerRecord atomically records a call outcome in the
// failures/successes sorted sets for a campaign, trims entries outside the
// sliding window, refreshes the TTL, and returns the trimmed failure and
// success counts so the caller can evaluate the trip threshold without a
// second round trip.
//
// KEYS[1] = failures:{campaign_id}
// KEYS[2] = successes:{campaign_id}
// ARGV[1] = now (unix seconds, as string)
// ARGV[2] = window_seconds
// ARGV[3] = ttl_seconds (window_seconds + 60)
// ARGV[4] = outcome ("success" or "failure")
//
// Returns {failure_count, success_count}.
var ScriptCircuitBreakerRecord = Script{
	Name: "circuit_breaker_record",
	Source: `
local failures_key = KEYS[1]
local successes_key = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local outcome = ARGV[4]
local cutoff = now - window

if outcome == "failure" then
    redis.call("ZADD", failures_key, now, now)
else
    redis.call("ZADD", successes_key, now, now)
end

redis.call("ZREMRANGEBYSCORE", failures_key, "-inf", cutoff)
redis.call("ZREMRANGEBYSCORE", successes_key, "-inf", cutoff)
redis.call("EXPIRE", failures_key, ttl)
redis.call("EXPIRE", successes_key, ttl)

local failure_count = redis.call("ZCARD", failures_key)
local success_count = redis.call("ZCARD", successes_key)
return {failure_count, success_count}
`,
}
