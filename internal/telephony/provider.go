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

// Package telephony implements spec §4.8's Telephony Provider Interface: a
// strategy abstraction over outbound call origination, status/cost
// retrieval, webhook signature verification and parsing, inbound call
// routing, media WebSocket handshakes and call transfer, decoupling the
// Batch Processor and the conversational pipeline from any one vendor.
package telephony

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tombee/campaignforge/internal/pipeline"
)

// Credentials is the provider-specific auth payload resolved from a
// repository.TelephonyConfig row's AuthCredentials map (API keys, account
// SIDs, signing secrets — whatever the concrete provider needs).
type Credentials map[string]string

// CallStatus is the common status vocabulary spec §4.8 normalizes every
// provider's callback payloads into.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
	CallStatusBusy      CallStatus = "busy"
	CallStatusNoAnswer  CallStatus = "no-answer"
)

// InitiateCallParams carries everything a provider needs to place one
// outbound call. FromNumber is resolved by the caller (random choice among
// the organization's configured numbers) before reaching the provider.
type InitiateCallParams struct {
	ToNumber      string
	FromNumber    string
	WebhookURL    string
	WorkflowRunID string
	Extra         map[string]interface{}
}

// CallInitiationResult is the standardized response from InitiateCall
// across every provider.
type CallInitiationResult struct {
	CallID           string
	Status           CallStatus
	ProviderMetadata map[string]interface{}
	RawResponse      map[string]interface{}
}

// CallCost is the normalized response from GetCallCost.
type CallCost struct {
	CostUSD  float64
	Duration int
	Status   CallStatus
	Raw      map[string]interface{}
}

// StatusCallback is the common shape every provider's status webhook and
// GetCallStatus poll are parsed into.
type StatusCallback struct {
	CallID     string
	Status     CallStatus
	FromNumber string
	ToNumber   string
	Direction  string
	Duration   int
	Extra      map[string]interface{}
}

// NormalizedInboundData is the common shape every provider's inbound
// webhook is parsed into.
type NormalizedInboundData struct {
	Provider    string
	CallID      string
	FromNumber  string
	ToNumber    string
	Direction   string
	CallStatus  string
	AccountID   string
	FromCountry string
	ToCountry   string
	RawData     map[string]interface{}
}

// TransferResult is the normalized response from TransferCall.
type TransferResult struct {
	ProviderCallID string
	Status         string
	Provider       string
}

// FrameSink is the subset of the pipeline runtime a media WebSocket
// handshake needs: somewhere to push decoded inbound audio frames once the
// provider-specific handshake and serializer have done their work.
type FrameSink interface {
	HandleInboundFrame(f pipeline.Frame)
}

// MediaSession is the per-call media WebSocket, already upgraded by the
// caller. Providers
// read/write it using their own wire format (μ-law 8kHz frames, L16 16kHz,
// raw PCM binary, JSON-framed base64, etc.) and decode into/encode out of
// the provider-agnostic pipeline.Frame / []byte PCM the pipeline expects.
type MediaSession struct {
	Conn          *websocket.Conn
	WorkflowRunID string
}

// WriteAudioFrame implements pipeline.AudioOutputTransport by writing one
// binary WebSocket message per frame. Concrete providers that need a
// different wire framing (JSON envelope, base64) wrap MediaSession rather
// than using it directly.
func (m *MediaSession) WriteAudioFrame(frame []byte) bool {
	if m == nil || m.Conn == nil {
		return false
	}
	if err := m.Conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return false
	}
	return true
}

// Provider is the strategy interface spec §4.8 defines. Implementations
// live under internal/telephony/providers/<name>. All methods are safe for
// concurrent use; per-call state lives in the caller (WorkflowRun rows,
// MediaSession), not in the Provider itself.
type Provider interface {
	// Name identifies the provider for routing, logging and metrics
	// (matches repository.TelephonyConfig.Provider).
	Name() string

	InitiateCall(ctx context.Context, creds Credentials, params InitiateCallParams) (CallInitiationResult, error)
	GetCallStatus(ctx context.Context, creds Credentials, callID string) (StatusCallback, error)
	GetCallCost(ctx context.Context, creds Credentials, callID string) (CallCost, error)

	VerifyWebhookSignature(url string, params map[string]interface{}, signature string, creds Credentials) bool
	// GetWebhookResponse returns the provider-specific response body (TwiML,
	// JSON, etc.) and its content type for starting a media session.
	GetWebhookResponse(ctx context.Context, workflowRunID, wsURL string) (body string, contentType string, err error)
	ParseStatusCallback(data map[string]interface{}) StatusCallback

	// HandleWebSocket performs the provider-specific handshake on an
	// already-upgraded connection, then bridges decoded audio frames to
	// sink and writes sink-produced audio back out through session.
	HandleWebSocket(ctx context.Context, session *MediaSession, sink FrameSink) error

	// ======== Inbound call routing ========
	CanHandleWebhook(webhookData map[string]interface{}, headers http.Header) bool
	ParseInboundWebhook(webhookData map[string]interface{}) (NormalizedInboundData, error)
	ValidateAccountID(creds Credentials, webhookAccountID string) bool
	VerifyInboundSignature(url string, webhookData map[string]interface{}, signature string, creds Credentials) bool
	GenerateInboundResponse(wsURL, workflowRunID string) (body string, contentType string, err error)

	// ======== Call transfer (§4.9) ========
	SupportsTransfers() bool
	TransferCall(ctx context.Context, creds Credentials, destination, transferID, conferenceName string, timeoutSeconds int) (TransferResult, error)
}
