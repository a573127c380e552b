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
	"time"

	"github.com/google/uuid"

	"github.com/tombee/campaignforge/internal/repository"
	"github.com/tombee/campaignforge/pkg/cerrors"
)

// ClaimBatch selects up to n queued rows for campaignID using
// SELECT ... FOR UPDATE SKIP LOCKED, marks them processing, and returns
// them. Two Batch Processor instances calling this concurrently for the
// same campaign never observe the same row: the row lock held inside the
// transaction is what SKIP LOCKED is checking against.
func (s *Store) ClaimBatch(ctx context.Context, campaignID string, n int) ([]*repository.QueuedRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, campaign_id, source_row_uuid, context_variables, state, retry_count,
			COALESCE(parent_queued_run_id, ''), scheduled_for, retry_reason, created_at, updated_at
		FROM queued_runs
		WHERE campaign_id = $1 AND state = 'queued'
			AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, query, campaignID, n)
	if err != nil {
		return nil, fmt.Errorf("select queued runs for update: %w", err)
	}

	var claimed []*repository.QueuedRun
	for rows.Next() {
		var r repository.QueuedRun
		var contextJSON []byte
		if err := rows.Scan(
			&r.ID, &r.CampaignID, &r.SourceRowUUID, &contextJSON, &r.State, &r.RetryCount,
			&r.ParentQueuedRunID, &r.ScheduledFor, &r.RetryReason, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queued run: %w", err)
		}
		json.Unmarshal(contextJSON, &r.ContextVariables)
		claimed = append(claimed, &r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, r := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queued_runs SET state = 'processing', updated_at = NOW() WHERE id = $1`, r.ID,
		); err != nil {
			return nil, fmt.Errorf("mark queued run processing: %w", err)
		}
		r.State = repository.QueuedRunProcessing
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim batch: %w", err)
	}
	return claimed, nil
}

func (s *Store) MarkDone(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queued_runs SET state = 'done', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark queued run done: %w", err)
	}
	return requireRowAffected(result, "queued_run", id)
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queued_runs SET state = 'failed', retry_reason = $2, updated_at = NOW() WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("mark queued run failed: %w", err)
	}
	return requireRowAffected(result, "queued_run", id)
}

// ScheduleRetry creates a child queued run linked via parent_queued_run_id.
// The retry-chain depth check walks the parent chain before inserting;
// since each row transitions to a terminal state exactly once, this is safe
// without an additional lock.
func (s *Store) ScheduleRetry(ctx context.Context, parent *repository.QueuedRun, retryCfg repository.RetryConfig, reason string) (*repository.QueuedRun, error) {
	depth, err := s.retryChainDepth(ctx, parent)
	if err != nil {
		return nil, err
	}
	if depth > retryCfg.MaxRetries {
		return nil, &cerrors.TerminalError{Reason: "queued run retry chain exceeds max_retries"}
	}

	delay := retryCfg.BaseDelay * time.Duration(1<<uint(parent.RetryCount))
	if retryCfg.MaxDelay > 0 && delay > retryCfg.MaxDelay {
		delay = retryCfg.MaxDelay
	}
	scheduledFor := time.Now().Add(delay)

	contextJSON, err := marshalJSON(parent.ContextVariables)
	if err != nil {
		return nil, fmt.Errorf("marshal context variables: %w", err)
	}

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
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queued_runs (id, campaign_id, source_row_uuid, context_variables, state,
			retry_count, parent_queued_run_id, scheduled_for, retry_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, child.ID, child.CampaignID, child.SourceRowUUID, contextJSON, child.State,
		child.RetryCount, child.ParentQueuedRunID, child.ScheduledFor, child.RetryReason)
	if err != nil {
		return nil, fmt.Errorf("insert retry queued run: %w", err)
	}
	return child, nil
}

func (s *Store) retryChainDepth(ctx context.Context, parent *repository.QueuedRun) (int, error) {
	depth := 1
	currentParentID := parent.ParentQueuedRunID
	for currentParentID != "" {
		var nextParentID sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT parent_queued_run_id FROM queued_runs WHERE id = $1`, currentParentID,
		).Scan(&nextParentID)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("walk retry chain: %w", err)
		}
		depth++
		currentParentID = nextParentID.String
	}
	return depth, nil
}

func (s *Store) CountByState(ctx context.Context, campaignID string, state repository.QueuedRunState) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_runs WHERE campaign_id = $1 AND state = $2`,
		campaignID, state,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued runs by state: %w", err)
	}
	return count, nil
}
