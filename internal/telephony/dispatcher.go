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

package telephony

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/campaignforge/internal/metrics"
	"github.com/tombee/campaignforge/internal/orchestrator"
	"github.com/tombee/campaignforge/internal/repository"
)

// Dispatcher adapts the Registry to orchestrator.CallInitiator: it resolves
// the calling organization's configured provider and credentials, then
// delegates InitiateCall. This is the only place internal/telephony depends
// on internal/orchestrator; the dependency runs one way so orchestrator
// itself stays free to be tested without a concrete telephony provider.
type Dispatcher struct {
	registry *Registry
	orgs     repository.Organizations
	webhook  func(workflowRunID string) string
}

// NewDispatcher builds a Dispatcher. webhookURLFor builds the public
// webhook URL a provider should post call events back to for a given
// workflow run; the caller supplies it.
func NewDispatcher(registry *Registry, orgs repository.Organizations, webhookURLFor func(workflowRunID string) string) *Dispatcher {
	return &Dispatcher{registry: registry, orgs: orgs, webhook: webhookURLFor}
}

var _ orchestrator.CallInitiator = (*Dispatcher)(nil)

// InitiateCall implements orchestrator.CallInitiator.
func (d *Dispatcher) InitiateCall(ctx context.Context, req orchestrator.InitiateCallRequest) (string, error) {
	cfg, err := d.orgs.GetTelephonyConfig(ctx, req.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("telephony: load telephony config for org %s: %w", req.OrganizationID, err)
	}
	provider, err := d.registry.Get(cfg.Provider)
	if err != nil {
		return "", err
	}

	webhookURL := ""
	if d.webhook != nil {
		webhookURL = d.webhook(req.WorkflowRunID)
	}

	start := time.Now()
	result, err := provider.InitiateCall(ctx, Credentials(cfg.AuthCredentials), InitiateCallParams{
		ToNumber:      req.ToNumber,
		FromNumber:    req.FromNumber,
		WebhookURL:    webhookURL,
		WorkflowRunID: req.WorkflowRunID,
		Extra:         req.Context,
	})
	metrics.CallDuration.WithLabelValues(provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CallsInitiated.WithLabelValues(provider.Name(), "error").Inc()
		return "", fmt.Errorf("telephony: %s initiate call: %w", provider.Name(), err)
	}
	metrics.CallsInitiated.WithLabelValues(provider.Name(), "ok").Inc()
	return result.CallID, nil
}
