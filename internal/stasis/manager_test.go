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

package stasis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/repository"
)

type fakeOrganizations struct {
	configs []*repository.TelephonyConfig
}

func (f *fakeOrganizations) GetOrganization(context.Context, string) (*repository.Organization, error) {
	return nil, nil
}

func (f *fakeOrganizations) GetTelephonyConfig(context.Context, string) (*repository.TelephonyConfig, error) {
	return nil, nil
}

func (f *fakeOrganizations) ListTelephonyConfigsByProvider(_ context.Context, provider string) ([]*repository.TelephonyConfig, error) {
	var matched []*repository.TelephonyConfig
	for _, c := range f.configs {
		if c.Provider == provider {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

func TestPickWorkerReturnsLowestLoadReadyWorker(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	m := NewManager(bus, &fakeOrganizations{}, nil, ManagerConfig{})

	now := time.Now()
	m.workers["busy"] = workerState{heartbeat: Heartbeat{WorkerID: "busy", Status: WorkerReady, ActiveCalls: 5}, lastSeen: now}
	m.workers["idle"] = workerState{heartbeat: Heartbeat{WorkerID: "idle", Status: WorkerReady, ActiveCalls: 1}, lastSeen: now}
	m.workers["draining"] = workerState{heartbeat: Heartbeat{WorkerID: "draining", Status: WorkerDraining, ActiveCalls: 0}, lastSeen: now}
	m.workers["stale"] = workerState{heartbeat: Heartbeat{WorkerID: "stale", Status: WorkerReady, ActiveCalls: 0}, lastSeen: now.Add(-time.Hour)}

	assert.Equal(t, "idle", m.pickWorker())
}

func TestPickWorkerReturnsEmptyWhenNoneReady(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	m := NewManager(bus, &fakeOrganizations{}, nil, ManagerConfig{})
	assert.Equal(t, "", m.pickWorker())
}

func TestManagerReloadTracksAndTearsDownOrgConnections(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	repo := &fakeOrganizations{configs: []*repository.TelephonyConfig{
		{OrganizationID: "org-1", Provider: providerName, AuthCredentials: map[string]string{"events_url": "ws://127.0.0.1:0/events"}},
	}}
	m := NewManager(bus, repo, nil, ManagerConfig{ReloadInterval: time.Hour, DialTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.reload(ctx))
	m.mu.Lock()
	_, ok := m.conns["org-1"]
	m.mu.Unlock()
	assert.True(t, ok, "expected a connection entry for org-1")

	repo.configs = nil
	require.NoError(t, m.reload(ctx))
	m.mu.Lock()
	_, ok = m.conns["org-1"]
	m.mu.Unlock()
	assert.False(t, ok, "expected org-1's connection to be torn down")
}
