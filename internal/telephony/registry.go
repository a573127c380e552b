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
	"fmt"
	"net/http"
	"sync"
)

// Registry looks providers up by name (repository.TelephonyConfig.Provider)
// for outbound dispatch, and routes an inbound webhook to whichever
// registered provider claims it for providers that share a single public
// webhook path.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

// NewRegistry returns an empty Registry. Register providers with Register.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, keyed by its Name(). Registering the same name
// twice replaces the previous entry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("telephony: no provider registered for %q", name)
	}
	return p, nil
}

// Route finds the first registered provider (in registration order) whose
// CanHandleWebhook claims the inbound payload. Used by the single public
// inbound webhook endpoint to dispatch across vendors.
func (r *Registry) Route(webhookData map[string]interface{}, headers http.Header) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		p := r.providers[name]
		if p.CanHandleWebhook(webhookData, headers) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("telephony: no registered provider claims this inbound webhook")
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
