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

// Package log provides structured logging built on log/slog.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug, used for frame-by-frame pipeline
// tracing and LLM/provider request and response bodies.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging across the orchestration core.
const (
	// OrgIDKey is the field key for organization identifiers.
	OrgIDKey = "org_id"
	// CampaignIDKey is the field key for campaign identifiers.
	CampaignIDKey = "campaign_id"
	// RunIDKey is the field key for workflow run identifiers.
	RunIDKey = "run_id"
	// QueuedRunIDKey is the field key for queued-run identifiers.
	QueuedRunIDKey = "queued_run_id"
	// CallIDKey is the field key for provider call identifiers.
	CallIDKey = "call_id"
	// NodeKey is the field key for workflow graph node identifiers.
	NodeKey = "node"
	// ProviderKey is the field key for telephony/LLM provider names.
	ProviderKey = "provider"
	// DurationKey is the field key for duration in milliseconds.
	DurationKey = "duration_ms"
	// EventKey is the field key for campaign/transfer/stasis event types.
	EventKey = "event"
	// WorkerIDKey is the field key for stasis worker identifiers.
	WorkerIDKey = "worker_id"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format sets the output format (json, text).
	Format Format

	// Output is the writer for log output. Default: os.Stderr.
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
//
//   - CAMPAIGN_DEBUG: true/1 enables debug level and source logging.
//   - CAMPAIGN_LOG_LEVEL: trace, debug, info, warn, error (takes precedence
//     over LOG_LEVEL, but not CAMPAIGN_DEBUG).
//   - LOG_LEVEL: fallback when CAMPAIGN_LOG_LEVEL is unset.
//   - LOG_FORMAT: json, text (default: json).
//   - LOG_SOURCE: 1 enables source file/line.
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("CAMPAIGN_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug != "true" && debug != "1" {
		if level := os.Getenv("CAMPAIGN_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCampaignContext returns a logger annotated with organization and
// campaign identifiers.
func WithCampaignContext(logger *slog.Logger, orgID, campaignID string) *slog.Logger {
	return logger.With(
		slog.String(OrgIDKey, orgID),
		slog.String(CampaignIDKey, campaignID),
	)
}

// WithCallContext returns a logger annotated with the workflow run and
// provider call identifiers for a single call attempt.
func WithCallContext(logger *slog.Logger, runID, callID string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(CallIDKey, callID),
	)
}

// WithProvider returns a logger annotated with the active provider name.
func WithProvider(logger *slog.Logger, provider string) *slog.Logger {
	return logger.With(slog.String(ProviderKey, provider))
}

// SanitizeAPIKey masks an API key, showing only the last 4 characters.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}

// SanitizeSecret completely redacts a secret value such as a webhook signing
// key or telephony auth token.
func SanitizeSecret(secret string) string {
	return "[REDACTED]"
}

// Trace logs a message at trace level. Used for HTTP tool bodies, LLM
// prompts/responses and frame-by-frame pipeline tracing.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(nil, LevelTrace) {
		return
	}
	logger.LogAttrs(nil, LevelTrace, msg, attrs...)
}
