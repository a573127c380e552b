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

// Package genericvoice implements telephony.Provider for a generic
// JSON/REST + WebSocket voice vendor: shared-secret bearer-token webhooks, a
// JSON-enveloped base64 PCM16 media stream, and a REST conferencing API for
// transfers. It is the reference adapter every other provider in spec
// §4.8's vendor list (ARI, Cloudonix, Twilio, Vobiz, Vonage) specializes —
// each of those differs only in wire format (TwiML vs NCCO vs ARI
// StasisStart events) and signature scheme, which is exactly the surface
// this package isolates behind telephony.Provider.
package genericvoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/campaignforge/internal/pipeline"
	"github.com/tombee/campaignforge/internal/telephony"
)

const providerName = "genericvoice"

// Provider implements telephony.Provider against a generic voice vendor
// REST API and WebSocket media stream.
type Provider struct {
	client *telephony.RESTClient
}

// New builds a genericvoice Provider. requestTimeout/ratePerSecond come
// from config.TelephonyConfig (per-process defaults, not per-organization).
func New(baseURL string, requestTimeout time.Duration, ratePerSecond float64) *Provider {
	return &Provider{client: telephony.NewRESTClient(providerName, baseURL, requestTimeout, ratePerSecond)}
}

var _ telephony.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return providerName }

func (p *Provider) authHeaders(creds telephony.Credentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds["api_key"]}
}

type callResponse struct {
	CallID   string                 `json:"call_id"`
	Status   string                 `json:"status"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (p *Provider) InitiateCall(ctx context.Context, creds telephony.Credentials, params telephony.InitiateCallParams) (telephony.CallInitiationResult, error) {
	body := map[string]interface{}{
		"to":              params.ToNumber,
		"from":            params.FromNumber,
		"webhook_url":     params.WebhookURL,
		"workflow_run_id": params.WorkflowRunID,
	}
	var resp callResponse
	if _, err := p.client.Do(ctx, http.MethodPost, "/v1/calls", p.authHeaders(creds), body, &resp); err != nil {
		return telephony.CallInitiationResult{}, err
	}
	return telephony.CallInitiationResult{
		CallID:           resp.CallID,
		Status:           telephony.CallStatus(resp.Status),
		ProviderMetadata: resp.Metadata,
		RawResponse:      map[string]interface{}{"call_id": resp.CallID, "status": resp.Status},
	}, nil
}

func (p *Provider) GetCallStatus(ctx context.Context, creds telephony.Credentials, callID string) (telephony.StatusCallback, error) {
	var resp struct {
		CallID     string `json:"call_id"`
		Status     string `json:"status"`
		FromNumber string `json:"from"`
		ToNumber   string `json:"to"`
		Direction  string `json:"direction"`
		Duration   int    `json:"duration"`
	}
	if _, err := p.client.Do(ctx, http.MethodGet, "/v1/calls/"+callID, p.authHeaders(creds), nil, &resp); err != nil {
		return telephony.StatusCallback{}, err
	}
	return telephony.StatusCallback{
		CallID:     resp.CallID,
		Status:     telephony.CallStatus(resp.Status),
		FromNumber: resp.FromNumber,
		ToNumber:   resp.ToNumber,
		Direction:  resp.Direction,
		Duration:   resp.Duration,
	}, nil
}

func (p *Provider) GetCallCost(ctx context.Context, creds telephony.Credentials, callID string) (telephony.CallCost, error) {
	var resp struct {
		CostUSD  float64 `json:"cost_usd"`
		Duration int     `json:"duration"`
		Status   string  `json:"status"`
	}
	if _, err := p.client.Do(ctx, http.MethodGet, "/v1/calls/"+callID+"/cost", p.authHeaders(creds), nil, &resp); err != nil {
		return telephony.CallCost{}, err
	}
	return telephony.CallCost{CostUSD: resp.CostUSD, Duration: resp.Duration, Status: telephony.CallStatus(resp.Status)}, nil
}

func (p *Provider) VerifyWebhookSignature(_ string, _ map[string]interface{}, signature string, creds telephony.Credentials) bool {
	return telephony.VerifyBearerToken("Bearer "+signature, creds["webhook_secret"])
}

func (p *Provider) GetWebhookResponse(_ context.Context, workflowRunID, wsURL string) (string, string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"action":          "stream",
		"websocket_url":   wsURL,
		"workflow_run_id": workflowRunID,
		"codec":           "pcm16",
		"sample_rate":     16000,
	})
	if err != nil {
		return "", "", fmt.Errorf("genericvoice: encode webhook response: %w", err)
	}
	return string(body), "application/json", nil
}

func (p *Provider) ParseStatusCallback(data map[string]interface{}) telephony.StatusCallback {
	get := func(k string) string {
		if v, ok := data[k].(string); ok {
			return v
		}
		return ""
	}
	duration := 0
	if v, ok := data["duration"].(float64); ok {
		duration = int(v)
	}
	return telephony.StatusCallback{
		CallID:     get("call_id"),
		Status:     telephony.CallStatus(get("status")),
		FromNumber: get("from"),
		ToNumber:   get("to"),
		Direction:  get("direction"),
		Duration:   duration,
		Extra:      data,
	}
}

// mediaEnvelope is the JSON frame this provider wraps base64 PCM16 audio
// in, in both directions.
type mediaEnvelope struct {
	Event string `json:"event"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// HandleWebSocket reads the provider's JSON-enveloped media stream off
// session.Conn and pushes decoded PCM16 frames into sink. It returns when
// the connection closes or ctx is done; output audio is written by the
// pipeline calling session.WriteAudioFrame directly (pipeline.RunAudioOutput
// treats *telephony.MediaSession as its AudioOutputTransport), so this loop
// only needs to handle the inbound direction.
func (p *Provider) HandleWebSocket(ctx context.Context, session *telephony.MediaSession, sink telephony.FrameSink) error {
	if session == nil || session.Conn == nil {
		return fmt.Errorf("genericvoice: nil media session")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := session.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("genericvoice: read media frame: %w", err)
		}

		var env mediaEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Event {
		case "media":
			audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				continue
			}
			sink.HandleInboundFrame(pipeline.Frame{Kind: pipeline.KindInputAudioRaw, Audio: audio, CreatedAt: time.Now()})
		case "stop":
			return nil
		}
	}
}

func (p *Provider) CanHandleWebhook(webhookData map[string]interface{}, headers http.Header) bool {
	if v, ok := webhookData["provider"].(string); ok && v == providerName {
		return true
	}
	return headers.Get("X-Genericvoice-Signature") != ""
}

func (p *Provider) ParseInboundWebhook(webhookData map[string]interface{}) (telephony.NormalizedInboundData, error) {
	get := func(k string) string {
		if v, ok := webhookData[k].(string); ok {
			return v
		}
		return ""
	}
	callID := get("call_id")
	if callID == "" {
		return telephony.NormalizedInboundData{}, fmt.Errorf("genericvoice: inbound webhook missing call_id")
	}
	return telephony.NormalizedInboundData{
		Provider:   providerName,
		CallID:     callID,
		FromNumber: get("from"),
		ToNumber:   get("to"),
		Direction:  "inbound",
		CallStatus: get("status"),
		AccountID:  get("account_id"),
		RawData:    webhookData,
	}, nil
}

func (p *Provider) ValidateAccountID(creds telephony.Credentials, webhookAccountID string) bool {
	return creds["account_id"] != "" && creds["account_id"] == webhookAccountID
}

func (p *Provider) VerifyInboundSignature(_ string, _ map[string]interface{}, signature string, creds telephony.Credentials) bool {
	return telephony.VerifyBearerToken("Bearer "+signature, creds["webhook_secret"])
}

func (p *Provider) GenerateInboundResponse(wsURL string, workflowRunID string) (string, string, error) {
	return p.GetWebhookResponse(context.Background(), workflowRunID, wsURL)
}

func (p *Provider) SupportsTransfers() bool { return true }

func (p *Provider) TransferCall(ctx context.Context, creds telephony.Credentials, destination, transferID, conferenceName string, timeoutSeconds int) (telephony.TransferResult, error) {
	body := map[string]interface{}{
		"destination": destination,
		"transfer_id": transferID,
		"conference":  conferenceName,
		"timeout":     timeoutSeconds,
	}
	var resp struct {
		CallID string `json:"call_id"`
		Status string `json:"status"`
	}
	if _, err := p.client.Do(ctx, http.MethodPost, "/v1/conferences/"+conferenceName+"/transfer", p.authHeaders(creds), body, &resp); err != nil {
		return telephony.TransferResult{}, err
	}
	return telephony.TransferResult{ProviderCallID: resp.CallID, Status: resp.Status, Provider: providerName}, nil
}
