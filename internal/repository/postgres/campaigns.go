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

func (s *Store) GetCampaign(ctx context.Context, orgID, id string) (*repository.Campaign, error) {
	query := `
		SELECT id, organization_id, workflow_id, state, source, retry_config, max_concurrency,
			schedule, circuit_breaker, total_rows, processed_rows, failed_rows,
			processing_lock_set_at, batch_in_progress, last_activity_at, created_at, updated_at
		FROM campaigns WHERE id = $1 AND organization_id = $2
	`
	return s.scanCampaign(s.db.QueryRowContext(ctx, query, id, orgID), id)
}

func (s *Store) scanCampaign(row *sql.Row, idForError string) (*repository.Campaign, error) {
	var c repository.Campaign
	var sourceJSON, retryJSON, scheduleJSON, breakerJSON []byte
	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.WorkflowID, &c.State, &sourceJSON, &retryJSON, &c.MaxConcurrency,
		&scheduleJSON, &breakerJSON, &c.TotalRows, &c.ProcessedRows, &c.FailedRows,
		&c.ProcessingLockSetAt, &c.BatchInProgress, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &cerrors.NotFoundError{Resource: "campaign", ID: idForError}
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	json.Unmarshal(sourceJSON, &c.Source)
	json.Unmarshal(retryJSON, &c.Retry)
	json.Unmarshal(scheduleJSON, &c.Schedule)
	json.Unmarshal(breakerJSON, &c.CircuitBreaker)
	return &c, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c *repository.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.State == "" {
		c.State = repository.CampaignCreated
	}

	sourceJSON, err := marshalJSON(c.Source)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}
	retryJSON, err := marshalJSON(c.Retry)
	if err != nil {
		return fmt.Errorf("marshal retry config: %w", err)
	}
	scheduleJSON, err := marshalJSON(c.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	breakerJSON, err := marshalJSON(c.CircuitBreaker)
	if err != nil {
		return fmt.Errorf("marshal circuit breaker config: %w", err)
	}

	query := `
		INSERT INTO campaigns (id, organization_id, workflow_id, state, source, retry_config,
			max_concurrency, schedule, circuit_breaker, total_rows, processed_rows, failed_rows,
			last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW(), NOW())
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.OrganizationID, c.WorkflowID, c.State, sourceJSON, retryJSON,
		c.MaxConcurrency, scheduleJSON, breakerJSON, c.TotalRows, c.ProcessedRows, c.FailedRows,
	)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (s *Store) UpdateCampaignState(ctx context.Context, id string, state repository.CampaignState) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET state = $2, last_activity_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, state)
	if err != nil {
		return fmt.Errorf("update campaign state: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

func (s *Store) IncrementCounters(ctx context.Context, id string, processedDelta, failedDelta int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET
			processed_rows = processed_rows + $2,
			failed_rows = failed_rows + $3,
			last_activity_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, id, processedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("increment campaign counters: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

func (s *Store) UpdateCampaignFields(ctx context.Context, id string, patch repository.CampaignPatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.MaxConcurrency != nil {
		sets = append(sets, "max_concurrency = "+arg(*patch.MaxConcurrency))
	}
	if patch.Retry != nil {
		retryJSON, err := marshalJSON(*patch.Retry)
		if err != nil {
			return fmt.Errorf("marshal retry config: %w", err)
		}
		sets = append(sets, "retry_config = "+arg(retryJSON))
	}
	if patch.Schedule != nil {
		scheduleJSON, err := marshalJSON(*patch.Schedule)
		if err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
		sets = append(sets, "schedule = "+arg(scheduleJSON))
	}
	if patch.CircuitBreaker != nil {
		breakerJSON, err := marshalJSON(*patch.CircuitBreaker)
		if err != nil {
			return fmt.Errorf("marshal circuit breaker config: %w", err)
		}
		sets = append(sets, "circuit_breaker = "+arg(breakerJSON))
	}

	query := fmt.Sprintf(`UPDATE campaigns SET %s WHERE id = $1`, joinComma(sets))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update campaign fields: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func (s *Store) ListByOrganization(ctx context.Context, orgID string) ([]*repository.Campaign, error) {
	return s.listCampaignsWhereArgs(ctx, `organization_id = $1 ORDER BY created_at DESC`, orgID)
}

func (s *Store) ListActive(ctx context.Context) ([]*repository.Campaign, error) {
	return s.listCampaignsWhere(ctx, `state IN ('running', 'syncing')`)
}

func (s *Store) ListStale(ctx context.Context, olderThanSeconds int) ([]*repository.Campaign, error) {
	return s.listCampaignsWhere(ctx,
		fmt.Sprintf(`state IN ('running', 'syncing') AND last_activity_at < NOW() - INTERVAL '%d seconds'`, olderThanSeconds))
}

func (s *Store) listCampaignsWhere(ctx context.Context, where string) ([]*repository.Campaign, error) {
	query := fmt.Sprintf(`
		SELECT id, organization_id, workflow_id, state, source, retry_config, max_concurrency,
			schedule, circuit_breaker, total_rows, processed_rows, failed_rows,
			processing_lock_set_at, batch_in_progress, last_activity_at, created_at, updated_at
		FROM campaigns WHERE %s ORDER BY id
	`, where)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*repository.Campaign
	for rows.Next() {
		var c repository.Campaign
		var sourceJSON, retryJSON, scheduleJSON, breakerJSON []byte
		if err := rows.Scan(
			&c.ID, &c.OrganizationID, &c.WorkflowID, &c.State, &sourceJSON, &retryJSON, &c.MaxConcurrency,
			&scheduleJSON, &breakerJSON, &c.TotalRows, &c.ProcessedRows, &c.FailedRows,
			&c.ProcessingLockSetAt, &c.BatchInProgress, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan campaign row: %w", err)
		}
		json.Unmarshal(sourceJSON, &c.Source)
		json.Unmarshal(retryJSON, &c.Retry)
		json.Unmarshal(scheduleJSON, &c.Schedule)
		json.Unmarshal(breakerJSON, &c.CircuitBreaker)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) listCampaignsWhereArgs(ctx context.Context, where string, args ...interface{}) ([]*repository.Campaign, error) {
	query := fmt.Sprintf(`
		SELECT id, organization_id, workflow_id, state, source, retry_config, max_concurrency,
			schedule, circuit_breaker, total_rows, processed_rows, failed_rows,
			processing_lock_set_at, batch_in_progress, last_activity_at, created_at, updated_at
		FROM campaigns WHERE %s
	`, where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*repository.Campaign
	for rows.Next() {
		var c repository.Campaign
		var sourceJSON, retryJSON, scheduleJSON, breakerJSON []byte
		if err := rows.Scan(
			&c.ID, &c.OrganizationID, &c.WorkflowID, &c.State, &sourceJSON, &retryJSON, &c.MaxConcurrency,
			&scheduleJSON, &breakerJSON, &c.TotalRows, &c.ProcessedRows, &c.FailedRows,
			&c.ProcessingLockSetAt, &c.BatchInProgress, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan campaign row: %w", err)
		}
		json.Unmarshal(sourceJSON, &c.Source)
		json.Unmarshal(retryJSON, &c.Retry)
		json.Unmarshal(scheduleJSON, &c.Schedule)
		json.Unmarshal(breakerJSON, &c.CircuitBreaker)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func requireRowAffected(result sql.Result, resource, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return &cerrors.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}
