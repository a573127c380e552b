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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/campaignforge/internal/repository"
	"github.com/tombee/campaignforge/pkg/cerrors"
)

func (s *Store) CreateWorkflowRun(ctx context.Context, r *repository.WorkflowRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.State == "" {
		r.State = repository.WorkflowRunPending
	}

	initialJSON, err := marshalJSON(r.InitialContext)
	if err != nil {
		return fmt.Errorf("marshal initial context: %w", err)
	}
	annotationsJSON, err := marshalJSON(r.Annotations)
	if err != nil {
		return fmt.Errorf("marshal annotations: %w", err)
	}

	query := `
		INSERT INTO workflow_runs (id, workflow_id, campaign_id, queued_run_id, mode, state,
			definition_id, initial_context, annotations, public_access_token, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, NULLIF($10, ''), NOW(), NOW())
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.WorkflowID, r.CampaignID, r.QueuedRunID, r.Mode, r.State,
		r.DefinitionID, initialJSON, annotationsJSON, r.PublicAccessToken,
	)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*repository.WorkflowRun, error) {
	return s.scanWorkflowRun(ctx, `id = $1`, id)
}

func (s *Store) GetWorkflowRunByPublicToken(ctx context.Context, token string) (*repository.WorkflowRun, error) {
	return s.scanWorkflowRun(ctx, `public_access_token = $1`, token)
}

func (s *Store) scanWorkflowRun(ctx context.Context, where string, arg string) (*repository.WorkflowRun, error) {
	query := fmt.Sprintf(`
		SELECT id, workflow_id, COALESCE(campaign_id, ''), COALESCE(queued_run_id, ''), mode, state,
			COALESCE(definition_id, ''), initial_context, gathered_context, usage,
			COALESCE(recording_url, ''), COALESCE(transcript_url, ''), COALESCE(storage_backend, ''),
			logs, annotations, COALESCE(public_access_token, ''), started_at, completed_at,
			created_at, updated_at
		FROM workflow_runs WHERE %s
	`, where)

	var r repository.WorkflowRun
	var initialJSON, gatheredJSON, usageJSON, logsJSON, annotationsJSON []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&r.ID, &r.WorkflowID, &r.CampaignID, &r.QueuedRunID, &r.Mode, &r.State,
		&r.DefinitionID, &initialJSON, &gatheredJSON, &usageJSON,
		&r.RecordingURL, &r.TranscriptURL, &r.StorageBackend,
		&logsJSON, &annotationsJSON, &r.PublicAccessToken, &r.StartedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &cerrors.NotFoundError{Resource: "workflow_run", ID: arg}
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	json.Unmarshal(initialJSON, &r.InitialContext)
	json.Unmarshal(gatheredJSON, &r.GatheredContext)
	json.Unmarshal(usageJSON, &r.Usage)
	json.Unmarshal(logsJSON, &r.Logs)
	json.Unmarshal(annotationsJSON, &r.Annotations)
	return &r, nil
}

func (s *Store) ListByCampaign(ctx context.Context, campaignID string) ([]*repository.WorkflowRun, error) {
	query := `
		SELECT id, workflow_id, COALESCE(campaign_id, ''), COALESCE(queued_run_id, ''), mode, state,
			COALESCE(definition_id, ''), initial_context, gathered_context, usage,
			COALESCE(recording_url, ''), COALESCE(transcript_url, ''), COALESCE(storage_backend, ''),
			logs, annotations, COALESCE(public_access_token, ''), started_at, completed_at,
			created_at, updated_at
		FROM workflow_runs WHERE campaign_id = $1 ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs by campaign: %w", err)
	}
	defer rows.Close()

	var out []*repository.WorkflowRun
	for rows.Next() {
		var r repository.WorkflowRun
		var initialJSON, gatheredJSON, usageJSON, logsJSON, annotationsJSON []byte
		if err := rows.Scan(
			&r.ID, &r.WorkflowID, &r.CampaignID, &r.QueuedRunID, &r.Mode, &r.State,
			&r.DefinitionID, &initialJSON, &gatheredJSON, &usageJSON,
			&r.RecordingURL, &r.TranscriptURL, &r.StorageBackend,
			&logsJSON, &annotationsJSON, &r.PublicAccessToken, &r.StartedAt, &r.CompletedAt,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow run row: %w", err)
		}
		json.Unmarshal(initialJSON, &r.InitialContext)
		json.Unmarshal(gatheredJSON, &r.GatheredContext)
		json.Unmarshal(usageJSON, &r.Usage)
		json.Unmarshal(logsJSON, &r.Logs)
		json.Unmarshal(annotationsJSON, &r.Annotations)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateWorkflowRunState(ctx context.Context, id string, state repository.WorkflowRunState) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET state = $2, updated_at = NOW() WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("update workflow run state: %w", err)
	}
	return requireRowAffected(result, "workflow_run", id)
}

func (s *Store) CompleteWorkflowRun(ctx context.Context, id string, update repository.WorkflowRunCompletion) error {
	gatheredJSON, err := marshalJSON(update.GatheredContext)
	if err != nil {
		return fmt.Errorf("marshal gathered context: %w", err)
	}
	usageJSON, err := marshalJSON(update.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	logsJSON, err := marshalJSON(update.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET
			state = $2, gathered_context = $3, usage = $4, recording_url = $5,
			transcript_url = $6, logs = $7, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, update.State, gatheredJSON, usageJSON, update.RecordingURL, update.TranscriptURL, logsJSON)
	if err != nil {
		return fmt.Errorf("complete workflow run: %w", err)
	}
	return requireRowAffected(result, "workflow_run", id)
}
