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

// Package cerrors defines the error taxonomy shared across the campaign
// orchestration core. The error types that carry a Cause (ConfigError,
// ProviderError, TimeoutError, TerminalError) implement Unwrap so callers can
// use errors.Is/errors.As against Cause chains.
package cerrors

import (
	"fmt"
	"time"
)

// ValidationError represents bad input: an invalid phone number, an unknown
// campaign attribute, or a conflicting state transition. Surfaces as 4xx.
type ValidationError struct {
	// Field identifies which input field failed validation.
	Field string

	// Message is the human-readable error description.
	Message string

	// Suggestion provides actionable guidance for fixing the error.
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// AuthorizationError represents an organization mismatch or a missing
// capability. Surfaces as 4xx.
type AuthorizationError struct {
	// Resource is the type of resource being accessed (e.g. "campaign").
	Resource string

	// OrgID is the organization id the caller attempted to access.
	OrgID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized to access %s for organization %s", e.Resource, e.OrgID)
}

// QuotaError represents a request that would exceed organization quota.
// Surfaces as HTTP 402.
type QuotaError struct {
	// Requested is the quantity the caller attempted to reserve.
	Requested int

	// Limit is the organization's configured limit.
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: requested %d, limit %d", e.Requested, e.Limit)
}

// ConfigError represents a missing or invalid configuration value, such as
// telephony credentials that have not been set up for an organization.
type ConfigError struct {
	// Key is the configuration key that has the problem.
	Key string

	// Reason explains what's wrong with the configuration.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// NotFoundError represents a resource that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "campaign", "workflow").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents a transient failure from an external collaborator:
// a telephony provider, an LLM/STT/TTS provider, or the stasis broker
// reconnecting. Retryable reports whether the caller's retry policy should
// apply (see spec §7 TransientUpstream).
type ProviderError struct {
	// Provider is the name of the provider (e.g. "twilio-compatible", "anthropic").
	Provider string

	// Code is the provider-specific error code.
	Code int

	// StatusCode is the HTTP status code, if applicable.
	StatusCode int

	// Message is the human-readable error message.
	Message string

	// RequestID correlates this error with provider-side logs.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)
	if e.Code > 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether this provider error should be retried by the
// caller's retry policy. 4xx provider responses (other than 429) are not
// retryable; everything else (timeouts, 5xx, 429, connection resets) is.
func (e *ProviderError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	if e.StatusCode == 429 {
		return true
	}
	if e.StatusCode >= 500 {
		return true
	}
	return false
}

// TimeoutError represents an operation that exceeded its configured timeout,
// such as an HTTP tool call or a transfer wait.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "http tool", "transfer wait").
	Operation string

	// Duration is how long the operation ran before timing out.
	Duration time.Duration

	// Cause is the underlying error, if any.
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// TerminalError marks a failure as unrecoverable: the campaign or run should
// transition to its failed terminal state and a BatchFailed/CampaignFailed
// event emitted.
type TerminalError struct {
	// Reason is a short machine-readable failure reason.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal failure: %s", e.Reason)
}

func (e *TerminalError) Unwrap() error { return e.Cause }
