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

// Package config loads the layered YAML + environment-variable configuration
// for the campaign orchestration daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/campaignforge/pkg/cerrors"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	EventBus      EventBusConfig      `yaml:"event_bus"`
	JobQueue      JobQueueConfig      `yaml:"job_queue"`
	Database      DatabaseConfig      `yaml:"database"`
	Telephony     TelephonyConfig     `yaml:"telephony"`
	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`
	API           APIConfig           `yaml:"api"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// DaemonConfig configures the orchestrator process.
type DaemonConfig struct {
	// CompletionMonitorInterval is how often the orchestrator's completion
	// monitor task scans running campaigns. Default: 60s (spec §4.3).
	CompletionMonitorInterval time.Duration `yaml:"completion_monitor_interval,omitempty"`

	// ProcessingLockWindow is the debounce window preventing duplicate batch
	// scheduling for a campaign. Default: 5s (spec §4.3).
	ProcessingLockWindow time.Duration `yaml:"processing_lock_window,omitempty"`

	// StaleBatchTimeout is how long batch_in_progress may remain set before
	// the completion monitor clears it. Default: 5m (spec §4.3).
	StaleBatchTimeout time.Duration `yaml:"stale_batch_timeout,omitempty"`

	// IdleCompletionTimeout is how long a campaign with no pending work must
	// be idle before it is marked completed. Default: 1h (spec §4.3).
	IdleCompletionTimeout time.Duration `yaml:"idle_completion_timeout,omitempty"`

	// DefaultBatchSize is the batch size enqueued by the scheduling step.
	// Default: 10 (spec §4.3 step 6).
	DefaultBatchSize int `yaml:"default_batch_size,omitempty"`

	// ShutdownTimeout bounds graceful shutdown while draining in-flight work.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// InstanceID uniquely identifies this orchestrator process. Generated if
	// empty.
	InstanceID string `yaml:"instance_id,omitempty"`
}

// EventBusConfig configures the Redis-compatible event bus used for
// publish/subscribe, TTL key-value state and sorted-set primitives.
type EventBusConfig struct {
	// Addr is the Redis-compatible server address.
	// Environment: CAMPAIGN_EVENTBUS_ADDR
	Addr string `yaml:"addr"`

	// Password authenticates against the event bus server.
	Password string `yaml:"password,omitempty"`

	// DB selects the logical database index.
	DB int `yaml:"db,omitempty"`

	// PoolSize bounds the number of connections held open to the event bus.
	PoolSize int `yaml:"pool_size,omitempty"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`

	// TransferContextTTL is the TTL applied to transfer:context:{id} keys.
	// Default: 5m (spec §4.9 step 5).
	TransferContextTTL time.Duration `yaml:"transfer_context_ttl,omitempty"`

	// WorkerHeartbeatTTL is the TTL applied to worker:active:{id} keys.
	// Default: 30s (spec §4.10).
	WorkerHeartbeatTTL time.Duration `yaml:"worker_heartbeat_ttl,omitempty"`

	// ChannelMappingTTL is the TTL applied to ari:channel:{id} keys.
	// Default: 1h (spec §6 Event Bus channels).
	ChannelMappingTTL time.Duration `yaml:"channel_mapping_ttl,omitempty"`
}

// JobQueueConfig configures the durable job queue's per-function worker
// pools.
type JobQueueConfig struct {
	// Addr is the Redis-compatible server address backing the queue. Falls
	// back to EventBusConfig.Addr when empty.
	Addr string `yaml:"addr,omitempty"`

	// WorkerPoolSize is the default number of concurrent workers per named
	// function. Individual functions may override via WorkerPools.
	WorkerPoolSize int `yaml:"worker_pool_size,omitempty"`

	// WorkerPools overrides WorkerPoolSize for specific function names (e.g.
	// "PROCESS_CAMPAIGN_BATCH").
	WorkerPools map[string]int `yaml:"worker_pools,omitempty"`

	// MaxRetries bounds job-queue-level redelivery attempts for Terminal
	// failures (spec §7).
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// DatabaseConfig configures the relational repository layer.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string.
	// Environment: CAMPAIGN_DATABASE_DSN
	DSN string `yaml:"dsn"`

	// MaxConns bounds the connection pool size.
	MaxConns int32 `yaml:"max_conns,omitempty"`

	// MinConns is the minimum number of connections kept warm.
	MinConns int32 `yaml:"min_conns,omitempty"`

	// ConnMaxLifetime bounds how long a pooled connection may be reused.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// TelephonyConfig configures outbound REST calls to telephony providers,
// independent of any per-organization TelephonyConfig row.
type TelephonyConfig struct {
	// BaseURLs maps provider name to its API base URL override (for test
	// doubles and regional endpoints).
	BaseURLs map[string]string `yaml:"base_urls,omitempty"`

	// WebhookPathPrefix is the public path prefix under which provider
	// webhooks are mounted (e.g. "/webhooks").
	WebhookPathPrefix string `yaml:"webhook_path_prefix,omitempty"`

	// RequestTimeout bounds outbound provider REST calls.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// RateLimitPerSecond caps outbound REST requests per provider per
	// second. 0 disables limiting.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second,omitempty"`

	// TransferTimeout bounds how long the transfer coordinator waits for a
	// terminal transfer event before publishing TransferTimeout.
	TransferTimeout time.Duration `yaml:"transfer_timeout,omitempty"`
}

// ObjectStorageConfig configures the external object storage collaborator
// used for recordings, transcripts and campaign source uploads.
type ObjectStorageConfig struct {
	// Bucket is the bucket name artifacts are written to.
	Bucket string `yaml:"bucket"`

	// SignedURLTTL bounds the lifetime of presigned download URLs (spec §6
	// source-download-url is 1h).
	SignedURLTTL time.Duration `yaml:"signed_url_ttl,omitempty"`
}

// APIConfig configures the campaign management HTTP API.
type APIConfig struct {
	// ListenAddr is the address the chi router binds to.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// MaxRunsPageSize bounds the `limit` query parameter on
	// GET /campaign/{id}/runs.
	MaxRunsPageSize int `yaml:"max_runs_page_size,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Daemon: DaemonConfig{
			CompletionMonitorInterval: 60 * time.Second,
			ProcessingLockWindow:      5 * time.Second,
			StaleBatchTimeout:         5 * time.Minute,
			IdleCompletionTimeout:     time.Hour,
			DefaultBatchSize:          10,
			ShutdownTimeout:           30 * time.Second,
		},
		EventBus: EventBusConfig{
			Addr:                "localhost:6379",
			PoolSize:            10,
			DialTimeout:         5 * time.Second,
			TransferContextTTL:  5 * time.Minute,
			WorkerHeartbeatTTL:  30 * time.Second,
			ChannelMappingTTL:   time.Hour,
		},
		JobQueue: JobQueueConfig{
			WorkerPoolSize: 4,
			WorkerPools: map[string]int{
				"PROCESS_CAMPAIGN_BATCH": 8,
				"SYNC_CAMPAIGN_SOURCE":   2,
				"UPLOAD_CALL_ARTIFACTS":  4,
			},
			MaxRetries: 5,
		},
		Database: DatabaseConfig{
			MaxConns:        20,
			MinConns:        2,
			ConnMaxLifetime: time.Hour,
		},
		Telephony: TelephonyConfig{
			WebhookPathPrefix:  "/webhooks",
			RequestTimeout:     5 * time.Second,
			RateLimitPerSecond: 10,
			TransferTimeout:    45 * time.Second,
		},
		ObjectStorage: ObjectStorageConfig{
			SignedURLTTL: time.Hour,
		},
		API: APIConfig{
			ListenAddr:      ":8080",
			MaxRunsPageSize: 100,
		},
	}
}

// Load loads configuration from a YAML file and then applies environment
// variable overrides. If path is empty, only defaults and environment
// variables apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &cerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &cerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Start from defaults so a minimal file only overrides what it sets.
	merged := Default()
	if err := yaml.Unmarshal(data, merged); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	*c = *merged
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_SOURCE"); v != "" {
		c.Log.AddSource = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CAMPAIGN_EVENTBUS_ADDR"); v != "" {
		c.EventBus.Addr = v
	}
	if v := os.Getenv("CAMPAIGN_EVENTBUS_PASSWORD"); v != "" {
		c.EventBus.Password = v
	}
	if v := os.Getenv("CAMPAIGN_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("CAMPAIGN_OBJECT_STORAGE_BUCKET"); v != "" {
		c.ObjectStorage.Bucket = v
	}
	if v := os.Getenv("CAMPAIGN_API_LISTEN_ADDR"); v != "" {
		c.API.ListenAddr = v
	}
	if v := os.Getenv("CAMPAIGN_DAEMON_INSTANCE_ID"); v != "" {
		c.Daemon.InstanceID = v
	}
	if v := os.Getenv("CAMPAIGN_DEFAULT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Daemon.DefaultBatchSize = n
		}
	}
}
