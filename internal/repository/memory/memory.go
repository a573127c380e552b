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

// Package memory is an in-process implementation of repository.Repository
// backed by plain maps guarded by a mutex, used by unit tests in place of the
// Postgres-backed implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/campaignforge/internal/repository"
	"github.com/tombee/campaignforge/pkg/cerrors"
)

// Store is the in-memory Repository implementation.
type Store struct {
	mu sync.Mutex

	orgs        map[string]*repository.Organization
	telephony   map[string]*repository.TelephonyConfig
	workflows   map[string]*repository.Workflow
	definitions map[string]*repository.WorkflowDefinition
	campaigns   map[string]*repository.Campaign
	queuedRuns  map[string]*repository.QueuedRun
	runs        map[string]*repository.WorkflowRun

	now func() time.Time
}

// New constructs an empty Store. nowFn defaults to time.Now if nil.
func New(nowFn func() time.Time) *Store {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Store{
		orgs:        make(map[string]*repository.Organization),
		telephony:   make(map[string]*repository.TelephonyConfig),
		workflows:   make(map[string]*repository.Workflow),
		definitions: make(map[string]*repository.WorkflowDefinition),
		campaigns:   make(map[string]*repository.Campaign),
		queuedRuns:  make(map[string]*repository.QueuedRun),
		runs:        make(map[string]*repository.WorkflowRun),
		now:         nowFn,
	}
}

// Seed helpers, used by tests to populate fixture
// data directly without going through a write API.

func (s *Store) PutOrganization(o *repository.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[o.ID] = o
}

func (s *Store) PutTelephonyConfig(c *repository.TelephonyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telephony[c.OrganizationID] = c
}

func (s *Store) PutWorkflow(w *repository.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
}

func (s *Store) PutQueuedRun(r *repository.QueuedRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedRuns[r.ID] = r
}

func (s *Store) GetOrganization(_ context.Context, id string) (*repository.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, &cerrors.NotFoundError{Resource: "organization", ID: id}
	}
	return o, nil
}

func (s *Store) GetTelephonyConfig(_ context.Context, orgID string) (*repository.TelephonyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.telephony[orgID]
	if !ok {
		return nil, &cerrors.NotFoundError{Resource: "telephony_config", ID: orgID}
	}
	return c, nil
}

func (s *Store) ListTelephonyConfigsByProvider(_ context.Context, provider string) ([]*repository.TelephonyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var configs []*repository.TelephonyConfig
	for _, c := range s.telephony {
		if c.Provider == provider {
			configs = append(configs, c)
		}
	}
	return configs, nil
}

func (s *Store) GetWorkflow(_ context.Context, orgID, id string) (*repository.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.OrganizationID != orgID {
		return nil, &cerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	return w, nil
}

func (s *Store) GetCurrentDefinition(_ context.Context, workflowID string) (*repository.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.definitions {
		if d.WorkflowID == workflowID && d.IsCurrent {
			return d, nil
		}
	}
	return nil, &cerrors.NotFoundError{Resource: "workflow_definition", ID: workflowID}
}

func (s *Store) GetDefinition(_ context.Context, definitionID string) (*repository.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.definitions[definitionID]
	if !ok {
		return nil, &cerrors.NotFoundError{Resource: "workflow_definition", ID: definitionID}
	}
	return d, nil
}

func (s *Store) PublishDefinition(_ context.Context, def *repository.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	for _, d := range s.definitions {
		if d.WorkflowID == def.WorkflowID {
			d.IsCurrent = false
		}
	}
	def.IsCurrent = true
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now()
	}
	s.definitions[def.ID] = def
	if w, ok := s.workflows[def.WorkflowID]; ok {
		w.CurrentDefinition = def.ID
		w.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) GetCampaign(_ context.Context, orgID, id string) (*repository.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.OrganizationID != orgID {
		return nil, &cerrors.NotFoundError{Resource: "campaign", ID: id}
	}
	return c, nil
}

func (s *Store) CreateCampaign(_ context.Context, c *repository.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.State == "" {
		c.State = repository.CampaignCreated
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt, c.LastActivityAt = now, now, now
	s.campaigns[c.ID] = c
	return nil
}

func (s *Store) UpdateCampaignState(_ context.Context, id string, state repository.CampaignState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return &cerrors.NotFoundError{Resource: "campaign", ID: id}
	}
	c.State = state
	c.UpdatedAt = s.now()
	c.LastActivityAt = c.UpdatedAt
	return nil
}

func (s *Store) IncrementCounters(_ context.Context, id string, processedDelta, failedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return &cerrors.NotFoundError{Resource: "campaign", ID: id}
	}
	c.ProcessedRows += processedDelta
	c.FailedRows += failedDelta
	c.UpdatedAt = s.now()
	c.LastActivityAt = c.UpdatedAt
	return nil
}

func (s *Store) UpdateCampaignFields(_ context.Context, id string, patch repository.CampaignPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return &cerrors.NotFoundError{Resource: "campaign", ID: id}
	}
	if patch.MaxConcurrency != nil {
		c.MaxConcurrency = *patch.MaxConcurrency
	}
	if patch.Retry != nil {
		c.Retry = *patch.Retry
	}
	if patch.Schedule != nil {
		c.Schedule = *patch.Schedule
	}
	if patch.CircuitBreaker != nil {
		c.CircuitBreaker = *patch.CircuitBreaker
	}
	c.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListByOrganization(_ context.Context, orgID string) ([]*repository.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Campaign
	for _, c := range s.campaigns {
		if c.OrganizationID == orgID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListActive(_ context.Context) ([]*repository.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Campaign
	for _, c := range s.campaigns {
		if c.State == repository.CampaignRunning || c.State == repository.CampaignSyncing {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListStale(_ context.Context, olderThanSeconds int) ([]*repository.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-time.Duration(olderThanSeconds) * time.Second)
	var out []*repository.Campaign
	for _, c := range s.campaigns {
		active := c.State == repository.CampaignRunning || c.State == repository.CampaignSyncing
		if active && c.LastActivityAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimBatch emulates SELECT ... FOR UPDATE SKIP LOCKED by holding the
// store's single mutex for the whole claim: since every access goes through
// the same lock, no other goroutine can observe a row between the state
// check and the write, which is the guarantee the real SQL gives via row
// locks.
func (s *Store) ClaimBatch(_ context.Context, campaignID string, n int) ([]*repository.QueuedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*repository.QueuedRun
	now := s.now()
	for _, r := range s.queuedRuns {
		if r.CampaignID != campaignID || r.State != repository.QueuedRunQueued {
			continue
		}
		if r.ScheduledFor != nil && r.ScheduledFor.After(now) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	for _, r := range candidates {
		r.State = repository.QueuedRunProcessing
		r.UpdatedAt = now
	}
	return candidates, nil
}

func (s *Store) MarkDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.queuedRuns[id]
	if !ok {
		return &cerrors.NotFoundError{Resource: "queued_run", ID: id}
	}
	r.State = repository.QueuedRunDone
	r.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.queuedRuns[id]
	if !ok {
		return &cerrors.NotFoundError{Resource: "queued_run", ID: id}
	}
	r.State = repository.QueuedRunFailed
	r.RetryReason = reason
	r.UpdatedAt = s.now()
	return nil
}

func (s *Store) ScheduleRetry(_ context.Context, parent *repository.QueuedRun, retryCfg repository.RetryConfig, reason string) (*repository.QueuedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 1
	for p := parent; p.ParentQueuedRunID != ""; depth++ {
		next, ok := s.queuedRuns[p.ParentQueuedRunID]
		if !ok {
			break
		}
		p = next
	}
	if depth > retryCfg.MaxRetries {
		return nil, &cerrors.TerminalError{Reason: "queued run retry chain exceeds max_retries"}
	}

	delay := retryCfg.BaseDelay * time.Duration(1<<uint(parent.RetryCount))
	if retryCfg.MaxDelay > 0 && delay > retryCfg.MaxDelay {
		delay = retryCfg.MaxDelay
	}
	scheduledFor := s.now().Add(delay)

	child := &repository.QueuedRun{
		ID:                uuid.NewString(),
		CampaignID:        parent.CampaignID,
		SourceRowUUID:     parent.SourceRowUUID,
		ContextVariables:  parent.ContextVariables,
		State:             repository.QueuedRunQueued,
		RetryCount:        parent.RetryCount + 1,
		ParentQueuedRunID: parent.ID,
		ScheduledFor:      &scheduledFor,
		RetryReason:       reason,
		CreatedAt:         s.now(),
		UpdatedAt:         s.now(),
	}
	s.queuedRuns[child.ID] = child
	return child, nil
}

func (s *Store) CountByState(_ context.Context, campaignID string, state repository.QueuedRunState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.queuedRuns {
		if r.CampaignID == campaignID && r.State == state {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreateWorkflowRun(_ context.Context, r *repository.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.State == "" {
		r.State = repository.WorkflowRunPending
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	s.runs[r.ID] = r
	return nil
}

func (s *Store) GetWorkflowRun(_ context.Context, id string) (*repository.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, &cerrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	return r, nil
}

func (s *Store) GetWorkflowRunByPublicToken(_ context.Context, token string) (*repository.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.PublicAccessToken == token {
			return r, nil
		}
	}
	return nil, &cerrors.NotFoundError{Resource: "workflow_run", ID: token}
}

func (s *Store) ListByCampaign(_ context.Context, campaignID string) ([]*repository.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.WorkflowRun
	for _, r := range s.runs {
		if r.CampaignID == campaignID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateWorkflowRunState(_ context.Context, id string, state repository.WorkflowRunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return &cerrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	r.State = state
	r.UpdatedAt = s.now()
	return nil
}

func (s *Store) CompleteWorkflowRun(_ context.Context, id string, update repository.WorkflowRunCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return &cerrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	r.State = update.State
	r.GatheredContext = update.GatheredContext
	r.Usage = update.Usage
	r.RecordingURL = update.RecordingURL
	r.TranscriptURL = update.TranscriptURL
	r.Logs = update.Logs
	now := s.now()
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

var _ repository.Repository = (*Store)(nil)
